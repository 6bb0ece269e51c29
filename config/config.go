package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	OpenAI   OpenAIConfig   `yaml:"openai"`
	AWS      AWSConfig      `yaml:"aws"`
	Analysis AnalysisConfig `yaml:"analysis"`
	WS       WSConfig       `yaml:"ws"`
	Log      LogConfig      `yaml:"log"`
}

type ServerConfig struct {
	Port           int           `yaml:"port"`
	Dev            bool          `yaml:"dev"`
	JWTSecret      string        `yaml:"jwt_secret"`
	SessionTTL     time.Duration `yaml:"session_ttl"`
	MaxUploadBytes int64         `yaml:"max_upload_bytes"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"` // "postgres" | "sqlite"
	DSN    string `yaml:"dsn"`
}

type OpenAIConfig struct {
	APIKey            string        `yaml:"api_key"`
	Model             string        `yaml:"model"`
	BaseURL           string        `yaml:"base_url"`
	MaxTokens         int           `yaml:"max_tokens"`
	Timeout           time.Duration `yaml:"timeout"`
	MaxRetries        int           `yaml:"max_retries"`
	RetryBackoff      time.Duration `yaml:"retry_backoff"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
}

type AWSConfig struct {
	Region          string `yaml:"region"`
	S3Bucket        string `yaml:"s3_bucket"`
	S3Prefix        string `yaml:"s3_prefix"`
	RekognitionGate bool   `yaml:"rekognition_gate"`
	SNSPlatformARN  string `yaml:"sns_platform_arn"`
}

type AnalysisConfig struct {
	JobTimeout    time.Duration `yaml:"job_timeout"`
	NotifyTimeout time.Duration `yaml:"notify_timeout"`
}

type WSConfig struct {
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PingInterval time.Duration `yaml:"ping_interval"`
	ReadLimit    int64         `yaml:"read_limit"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           8080,
			SessionTTL:     7 * 24 * time.Hour,
			MaxUploadBytes: 20 << 20,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "file:calorily.db?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_time_format=sqlite",
		},
		OpenAI: OpenAIConfig{
			Model:             "gpt-4o",
			MaxTokens:         3000,
			Timeout:           60 * time.Second,
			MaxRetries:        2,
			RetryBackoff:      2 * time.Second,
			RequestsPerSecond: 5,
		},
		AWS: AWSConfig{
			S3Prefix: "meals/",
		},
		Analysis: AnalysisConfig{
			JobTimeout:    3 * time.Minute,
			NotifyTimeout: 10 * time.Second,
		},
		WS: WSConfig{
			WriteTimeout: 10 * time.Second,
			PingInterval: 25 * time.Second,
			ReadLimit:    4096,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load builds the configuration from defaults, an optional YAML file, a
// .env file in the working directory and finally the process environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("CALORILY_CONFIG")
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setInt(&cfg.Server.Port, "PORT")
	setBool(&cfg.Server.Dev, "DEV_MODE")
	setString(&cfg.Server.JWTSecret, "JWT_SECRET")

	setString(&cfg.Database.Driver, "DB_DRIVER")
	setString(&cfg.Database.DSN, "DB_DSN")
	if os.Getenv("DB_DSN") == "" && os.Getenv("DB_HOST") != "" {
		cfg.Database.Driver = "postgres"
		cfg.Database.DSN = fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable",
			os.Getenv("DB_HOST"),
			os.Getenv("DB_USER"),
			os.Getenv("DB_PASSWORD"),
			os.Getenv("DB_NAME"),
			envOr("DB_PORT", "5432"),
		)
	}

	setString(&cfg.OpenAI.APIKey, "OPENAI_API_KEY")
	setString(&cfg.OpenAI.Model, "OPENAI_MODEL")
	setString(&cfg.OpenAI.BaseURL, "OPENAI_BASE_URL")

	setString(&cfg.AWS.Region, "AWS_REGION")
	setString(&cfg.AWS.S3Bucket, "S3_BUCKET")
	setBool(&cfg.AWS.RekognitionGate, "REKOGNITION_GATE")
	setString(&cfg.AWS.SNSPlatformARN, "SNS_FCM_ARN")

	setString(&cfg.Log.Level, "LOG_LEVEL")
	setBool(&cfg.Log.JSON, "LOG_JSON")
}

func (c *Config) Validate() error {
	if c.Server.JWTSecret == "" {
		return errors.New("config: JWT_SECRET is required")
	}
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("config: unknown database driver %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return errors.New("config: database dsn is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Server.Port)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		*dst = v
	}
}

func setBool(dst *bool, key string) {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch v {
	case "1", "true", "yes", "on":
		*dst = true
	case "0", "false", "no", "off":
		*dst = false
	}
}
