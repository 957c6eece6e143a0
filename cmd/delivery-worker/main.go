package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/newsletter-backend/internal/delivery"
	"github.com/angelmondragon/newsletter-backend/internal/newsletters"
	"github.com/angelmondragon/newsletter-backend/pkg/config"
	"github.com/angelmondragon/newsletter-backend/pkg/db"
	"github.com/angelmondragon/newsletter-backend/pkg/email"
	"github.com/angelmondragon/newsletter-backend/pkg/instance"
	"github.com/angelmondragon/newsletter-backend/pkg/logger"
	"github.com/angelmondragon/newsletter-backend/pkg/metrics"
	"github.com/angelmondragon/newsletter-backend/pkg/migrate"
	"github.com/angelmondragon/newsletter-backend/pkg/outbox"
	"github.com/angelmondragon/newsletter-backend/pkg/outbox/idempotency"
	"github.com/angelmondragon/newsletter-backend/pkg/pubsub"
	"github.com/angelmondragon/newsletter-backend/pkg/redis"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "delivery-worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = "delivery-worker"

	logg = logger.New(logger.Options{
		ServiceName: "delivery-worker",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
		Format:      cfg.App.LogFormat,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	transport, err := email.NewFromConfig(cfg.Email, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to build email transport", err)
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	params := delivery.WorkerParams{
		Issues:       newsletters.NewRepository(dbClient.DB()),
		Transport:    transport,
		Policy:       delivery.NewRetryPolicy(cfg.Delivery.MaxAttempts, cfg.Delivery.BackoffBase, cfg.Delivery.BackoffMax),
		Metrics:      metrics.NewDeliveryMetrics(registry),
		Logger:       logg,
		BatchSize:    cfg.Delivery.BatchSize,
		PollInterval: cfg.Delivery.PollInterval,
		SendTimeout:  cfg.Delivery.SendTimeout,
	}

	if cfg.Redis.Enabled() {
		redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
		if err != nil {
			logg.Error(context.Background(), "failed to bootstrap redis", err)
			os.Exit(1)
		}
		defer func() {
			if err := redisClient.Close(); err != nil {
				logg.Error(context.Background(), "error closing redis", err)
			}
		}()
		marker, err := idempotency.NewManager(redisClient, cfg.Eventing.DeliveredMarkerTTL)
		if err != nil {
			logg.Error(context.Background(), "failed to create delivered marker", err)
			os.Exit(1)
		}
		params.Marker = marker
	}

	if cfg.PubSub.Enabled() {
		pubsubClient, err := pubsub.NewClient(context.Background(), cfg.GCP, cfg.PubSub, logg)
		if err != nil {
			logg.Error(context.Background(), "failed to bootstrap pubsub", err)
			os.Exit(1)
		}
		defer func() {
			if err := pubsubClient.Close(); err != nil {
				logg.Error(context.Background(), "error closing pubsub client", err)
			}
		}()
		notifier, err := delivery.NewPubSubNotifier(pubsubClient.DeliveryDropPublisher())
		if err != nil {
			logg.Error(context.Background(), "failed to create drop notifier", err)
			os.Exit(1)
		}
		params.Notifier = notifier
	}

	repo := outbox.NewRepository(dbClient.DB(), instance.GetID(), cfg.Delivery.LeaseTimeout)
	workers, err := buildWorkers(params, repo, cfg.Delivery.Workers)
	if err != nil {
		logg.Error(context.Background(), "failed to create delivery workers", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
		"owner":       repo.Owner(),
		"workers":     len(workers),
	})

	metricsServer := &http.Server{
		Addr:              ":" + cfg.App.Port,
		Handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logg.Error(ctx, "metrics server stopped", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	logg.Info(ctx, "starting delivery worker")

	if err := delivery.RunAll(ctx, workers); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "delivery worker stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(context.WithoutCancel(ctx), "delivery worker shutting down gracefully")
}
