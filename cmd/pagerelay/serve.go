package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"pagerelay/internal/channel"
	"pagerelay/internal/config"
	"pagerelay/internal/domain"
	"pagerelay/internal/logging"
	"pagerelay/internal/provider"
	"pagerelay/internal/ratelimit"
	"pagerelay/internal/router"
	"pagerelay/internal/webhook"
)

const janitorInterval = time.Minute

func serveCmd() *cobra.Command {
	var envFile string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook server",
		Long:  "Serves the Messenger webhook until SIGINT or SIGTERM, then drains in-flight deliveries.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), envFile)
		},
	}
	cmd.Flags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config (missing file is fine)")
	return cmd
}

func runServe(parent context.Context, envFile string) error {
	if parent == nil {
		parent = context.Background()
	}
	if err := godotenv.Load(envFile); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", envFile, err)
		}
		logger.Debug("no env file, using process environment", "path", envFile)
	}

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, logCloser := logging.New(logging.Options{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		FileEnabled: cfg.Settings.EnableLogging,
		Dir:         cfg.Log.Dir,
		FilePrefix:  cfg.Settings.LogFilePrefix,
	})
	defer logCloser.Close()
	logger = log
	slog.SetDefault(logger)

	configs, err := config.NewFileProvider(cfgPath, logger)
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("close rate limit store", "err", err)
		}
	}()

	janitor, err := ratelimit.NewJanitor(store, currentWindow(configs, cfg), janitorInterval, logger)
	if err != nil {
		return err
	}

	client := provider.SharedHTTPClient()
	handler := webhook.NewHandler(webhook.HandlerConfig{
		Configs: configs,
		Router:  router.New(logger),
		Dispatcher: webhook.NewDispatcher(webhook.DispatcherConfig{
			AI:       provider.NewAIEngine(provider.AIEngineConfig{Client: client, Logger: logger}),
			Platform: channel.NewMessenger(channel.MessengerConfig{Client: client, Logger: logger}),
			Limiter:  ratelimit.NewLimiter(store, logger),
			Logger:   logger,
		}),
		Logger:        logger,
		MaxConcurrent: int64(cfg.Server.MaxConcurrentDeliveries),
	})

	srv := &http.Server{
		Addr: cfg.Addr(),
		Handler: webhook.NewRouter(handler, webhook.RouterConfig{
			WebhookPath: cfg.Server.WebhookPath,
			MetricsPath: cfg.Server.MetricsPath,
			Logger:      logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("webhook server starting",
			"addr", srv.Addr, "path", cfg.Server.WebhookPath, "config", configs.Path(), "version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("webhook server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		if err := janitor.Start(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		return janitor.Stop()
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		// A delivery may still be waiting out AI retries.
		grace := time.Duration(cfg.AIEngine.MaxRetries)*cfg.AITimeout() + 30*time.Second
		shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", "err", err)
		}
		if err := handler.Drain(shutdownCtx); err != nil {
			logger.Warn("in-flight deliveries abandoned", "err", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("stopped")
	return nil
}

func openStore(cfg *config.Config) (domain.RateLimitStore, error) {
	switch cfg.Settings.RateLimitStore {
	case "sqlite":
		path := config.ExpandPath(cfg.Settings.RateLimitDB)
		store, err := ratelimit.OpenSQLiteStore(path, logger)
		if err != nil {
			return nil, fmt.Errorf("open rate limit store: %w", err)
		}
		return store, nil
	default:
		logger.Info("rate limit store", "kind", "memory")
		return ratelimit.NewMemoryStore(), nil
	}
}

// currentWindow reads the window from the latest config snapshot, falling
// back to the startup value.
func currentWindow(configs config.Provider, fallback *config.Config) func() time.Duration {
	return func() time.Duration {
		cfg, err := configs.Snapshot(context.Background())
		if err != nil {
			return fallback.RateWindow()
		}
		return cfg.RateWindow()
	}
}
