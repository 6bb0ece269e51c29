package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lfglabs-dev/api.calorily.com/config"
	"github.com/lfglabs-dev/api.calorily.com/controllers"
	"github.com/lfglabs-dev/api.calorily.com/logger"
	"github.com/lfglabs-dev/api.calorily.com/routes"
	"github.com/lfglabs-dev/api.calorily.com/services"
	"github.com/lfglabs-dev/api.calorily.com/utils"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and websocket API",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}
		return serve(cmd.Context(), cfg)
	},
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger.Init(logger.Config{
		Level:      logger.Level(strings.ToLower(cfg.Log.Level)),
		JSONOutput: cfg.Log.JSON,
	})
	log := logger.WithComponent("server")
	if !cfg.Server.Dev {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := config.OpenDB(cfg.Database)
	if err != nil {
		return err
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}

	store := services.NewGormStore(db)
	var images services.ImageStore = services.InlineImageStore{}
	var analyzer services.Analyzer = services.NewVisionAnalyzer(services.VisionConfig{
		APIKey:            cfg.OpenAI.APIKey,
		Model:             cfg.OpenAI.Model,
		BaseURL:           cfg.OpenAI.BaseURL,
		MaxTokens:         cfg.OpenAI.MaxTokens,
		Timeout:           cfg.OpenAI.Timeout,
		MaxRetries:        cfg.OpenAI.MaxRetries,
		RetryBackoff:      cfg.OpenAI.RetryBackoff,
		RequestsPerSecond: cfg.OpenAI.RequestsPerSecond,
	})

	var push *services.PushService
	if cfg.AWS.S3Bucket != "" || cfg.AWS.RekognitionGate || cfg.AWS.SNSPlatformARN != "" {
		awsCfg, err := utils.LoadAWSConfig(ctx, cfg.AWS.Region)
		if err != nil {
			return err
		}
		if cfg.AWS.S3Bucket != "" {
			images = services.NewS3ImageStore(utils.NewS3Client(awsCfg), cfg.AWS.S3Bucket, cfg.AWS.S3Prefix)
			log.Info().Str("bucket", cfg.AWS.S3Bucket).Msg("storing meal images in S3")
		}
		if cfg.AWS.RekognitionGate {
			analyzer = services.NewFoodGate(utils.NewRekognitionClient(awsCfg), analyzer)
			log.Info().Msg("rekognition food gate enabled")
		}
		if cfg.AWS.SNSPlatformARN != "" {
			push = services.NewPushService(db, utils.NewSNSClient(awsCfg), cfg.AWS.SNSPlatformARN)
			log.Info().Msg("offline push enabled")
		}
	}

	hub := services.NewRealtimeHub()
	clock := utils.NewClock()
	opts := services.DispatcherOptions{
		JobTimeout:    cfg.Analysis.JobTimeout,
		NotifyTimeout: cfg.Analysis.NotifyTimeout,
		Clock:         clock,
	}
	if push != nil {
		opts.Pusher = push
	}
	dispatcher := services.NewAnalysisDispatcher(store, images, analyzer, services.NewNotifier(hub), opts)

	meals := services.NewMealService(store, images, dispatcher, clock)
	secret := []byte(cfg.Server.JWTSecret)
	deps := routes.Deps{
		JWTSecret: secret,
		Auth:      controllers.NewAuthController(secret, cfg.Server.SessionTTL, cfg.Server.Dev),
		Meals: controllers.NewMealController(
			meals,
			services.NewFeedbackService(store, dispatcher, clock),
			services.NewSyncService(store),
			cfg.Server.MaxUploadBytes,
		),
		Realtime: controllers.NewRealtimeController(hub, cfg.WS.WriteTimeout, cfg.WS.PingInterval, cfg.WS.ReadLimit),
	}
	if push != nil {
		deps.Devices = controllers.NewDeviceController(push)
		if cfg.Server.Dev {
			deps.Dev = controllers.NewDevController(push, meals)
		}
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           routes.SetupRouter(deps),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("driver", cfg.Database.Driver).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("API server error: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var runErr error
	select {
	case <-sigCh:
		log.Info().Msg("shutting down")
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	// hijacked websocket connections are not tracked by Shutdown
	hub.CloseAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown incomplete")
	}

	done := make(chan struct{})
	go func() {
		dispatcher.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		log.Warn().Msg("analysis jobs still running at exit")
	}

	log.Info().Msg("shutdown complete")
	return runErr
}
