// Package logger wraps zerolog with a process-wide logger and a few
// helpers for attaching meal and user identifiers to log lines.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Log is the global logger. It is usable before Init and writes JSON to stderr.
var Log = zerolog.New(os.Stderr).With().Timestamp().Logger()

// Level is a textual log level as found in configuration.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init replaces the global logger according to cfg.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Log = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Log = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

func WithComponent(component string) zerolog.Logger {
	return Log.With().Str("component", component).Logger()
}

func WithMealID(l zerolog.Logger, mealID string) zerolog.Logger {
	return l.With().Str("meal_id", mealID).Logger()
}

func WithUserID(l zerolog.Logger, userID string) zerolog.Logger {
	return l.With().Str("user_id", userID).Logger()
}
