package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mediaforge/mediaforge/internal/api"
	"github.com/mediaforge/mediaforge/internal/cache"
	"github.com/mediaforge/mediaforge/internal/config"
	"github.com/mediaforge/mediaforge/internal/handlers"
	"github.com/mediaforge/mediaforge/internal/job"
	"github.com/mediaforge/mediaforge/internal/metrics"
	"github.com/mediaforge/mediaforge/internal/webhook"
	"github.com/mediaforge/mediaforge/internal/worker"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "mediaforge",
		Short: "Asynchronous job-processing engine for media and document workloads",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(configPath string) error {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.WithField("error", err).Error("load config")
		return err
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := openStore(ctx, cfg)
	if err != nil {
		logger.WithField("error", err).Error("open store")
		return err
	}
	defer store.Close(context.Background()) //nolint:errcheck

	resultCache, err := openCache(ctx, cfg, logger)
	if err != nil {
		logger.WithField("error", err).Error("open cache")
		return err
	}

	reg := worker.NewRegistry(logger)
	if err := handlers.Register(reg); err != nil {
		logger.WithField("error", err).Error("register handlers")
		return err
	}
	logger.WithField("job_types", reg.Types()).Info("handlers registered")

	met := metrics.NewCollector()
	sender := webhook.NewSender(cfg.Webhook.Timeout, cfg.Webhook.MaxAttempts, cfg.Webhook.AllowPrivate, logger)

	mgr := worker.New(worker.Config{
		PollInterval:  cfg.Worker.PollInterval,
		MaxConcurrent: cfg.Worker.MaxConcurrent,
		PerTypeLimits: cfg.Worker.PerTypeLimits,
		JobTimeout:    cfg.Worker.JobTimeout,
	}, store, reg, sender, resultCache, met, logger)

	if err := mgr.Recover(ctx); err != nil {
		logger.WithField("error", err).Error("recovery")
		return err
	}
	go mgr.Run(ctx)

	mux := http.NewServeMux()
	api.NewHandler(store, met).RegisterRoutes(mux)

	handler := api.Chain(mux,
		api.CORS(cfg.CORSOrigins),
		api.RequestID,
		api.Logging(logger),
		api.Auth(cfg.APIKeys),
		api.RateLimit(cfg.RateLimitRPS),
	)

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logger.Info("shutting down")
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.WithField("error", err).Error("shutdown")
		}
	}()

	logger.WithField("addr", cfg.ListenAddr).Info("mediaforge listening")
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		logger.WithField("error", err).Error("server")
		return err
	}
	return nil
}

func openStore(ctx context.Context, cfg *config.Config) (job.Store, error) {
	switch cfg.Store.Driver {
	case config.DriverMongo:
		return job.NewMongoStore(ctx, cfg.Store.MongoURI, cfg.Store.MongoDatabase)
	case config.DriverSQLite:
		return job.NewSQLiteStore(cfg.Store.SQLitePath)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

func openCache(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (cache.Cache, error) {
	if cfg.Cache.RedisAddr == "" {
		logger.Info("no redis configured, using in-process result cache")
		return cache.NewMemory(), nil
	}
	return cache.NewRedis(ctx, cfg.Cache.RedisAddr, cfg.Cache.RedisPassword, cfg.Cache.RedisDB, cfg.Cache.TTL)
}
