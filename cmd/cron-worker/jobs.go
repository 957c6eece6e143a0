package main

import (
	"fmt"

	"github.com/angelmondragon/newsletter-backend/internal/cron"
	"github.com/angelmondragon/newsletter-backend/internal/idempotency"
	"github.com/angelmondragon/newsletter-backend/pkg/config"
	"github.com/angelmondragon/newsletter-backend/pkg/db"
	"github.com/angelmondragon/newsletter-backend/pkg/logger"
	"github.com/angelmondragon/newsletter-backend/pkg/metrics"
	"github.com/angelmondragon/newsletter-backend/pkg/outbox"
)

func buildJobs(
	cfg *config.Config,
	logg *logger.Logger,
	dbClient *db.Client,
	store *idempotency.Store,
	failures *outbox.FailureRepository,
	idempotencyMetrics *metrics.IdempotencyMetrics,
) ([]cron.Job, error) {
	retention, err := cron.NewIdempotencyRetentionJob(cron.IdempotencyRetentionJobParams{
		Logger:     logg,
		DB:         dbClient,
		Repository: store,
		Retention:  cfg.Idempotency.Retention,
	})
	if err != nil {
		return nil, fmt.Errorf("idempotency retention job: %w", err)
	}

	stale, err := cron.NewStaleReservationJob(cron.StaleReservationJobParams{
		Logger:     logg,
		Repository: store,
		Metrics:    idempotencyMetrics,
		StaleAfter: cfg.Idempotency.StaleAfter,
	})
	if err != nil {
		return nil, fmt.Errorf("stale reservation job: %w", err)
	}

	failureRetention, err := cron.NewFailureRetentionJob(cron.FailureRetentionJobParams{
		Logger:     logg,
		DB:         dbClient,
		Repository: failures,
		Retention:  cfg.Delivery.FailureRetention,
	})
	if err != nil {
		return nil, fmt.Errorf("failure retention job: %w", err)
	}

	return []cron.Job{retention, stale, failureRetention}, nil
}
