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
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/angelmondragon/newsletter-backend/api/routes"
	"github.com/angelmondragon/newsletter-backend/internal/idempotency"
	"github.com/angelmondragon/newsletter-backend/internal/newsletters"
	"github.com/angelmondragon/newsletter-backend/internal/subscribers"
	"github.com/angelmondragon/newsletter-backend/pkg/config"
	"github.com/angelmondragon/newsletter-backend/pkg/db"
	"github.com/angelmondragon/newsletter-backend/pkg/logger"
	"github.com/angelmondragon/newsletter-backend/pkg/metrics"
	"github.com/angelmondragon/newsletter-backend/pkg/migrate"
	"github.com/angelmondragon/newsletter-backend/pkg/outbox"
	"github.com/angelmondragon/newsletter-backend/pkg/redis"
)

const shutdownTimeout = 15 * time.Second

func main() {
	logg := logger.New(logger.Options{ServiceName: "api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "api",
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

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	idempotencyMetrics := metrics.NewIdempotencyMetrics(registry)

	store, err := idempotency.NewStore(dbClient.DB(), logg, idempotency.Options{
		PollInterval:    cfg.Idempotency.PollInterval,
		PollMaxInterval: cfg.Idempotency.PollMaxInterval,
		PollTimeout:     cfg.Idempotency.PollTimeout,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create idempotency store", err)
		os.Exit(1)
	}

	params := newsletters.ServiceParams{
		Tx:          dbClient,
		Store:       store,
		Issues:      newsletters.NewRepository(dbClient.DB()),
		Subscribers: subscribers.NewRepository(dbClient.DB()),
		Outbox:      outbox.NewRepository(dbClient.DB(), "api", cfg.Delivery.LeaseTimeout),
		Metrics:     idempotencyMetrics,
		Logger:      logg,
	}

	routerParams := routes.RouterParams{
		Config:   cfg,
		Logger:   logg,
		DB:       dbClient,
		Gatherer: registry,
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
		params.Cache = idempotency.NewRedisCache(redisClient, cfg.Idempotency.CacheTTL, logg)
		routerParams.Redis = redisClient
	} else {
		logg.Warn(context.Background(), "redis not configured, response cache disabled")
	}

	svc, err := newsletters.NewService(params)
	if err != nil {
		logg.Error(context.Background(), "failed to create newsletter service", err)
		os.Exit(1)
	}
	routerParams.Newsletters = svc

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":  cfg.App.Env,
		"addr": addr,
	})
	logg.Info(ctx, "starting api server")

	server := &http.Server{
		Addr:              addr,
		Handler:           routes.NewRouter(routerParams),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logg.Error(ctx, "api server stopped unexpectedly", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logg.Error(shutdownCtx, "api server shutdown failed", err)
		}
	}

	logg.Info(context.WithoutCancel(ctx), "api server shutting down gracefully")
}
