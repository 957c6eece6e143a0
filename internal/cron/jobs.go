package cron

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/angelmondragon/newsletter-backend/pkg/logger"
	"github.com/angelmondragon/newsletter-backend/pkg/metrics"
)

const (
	defaultIdempotencyRetention = 30 * 24 * time.Hour
	defaultStaleAfter           = 15 * time.Minute
	defaultFailureRetention     = 90 * 24 * time.Hour
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type idempotencyRetentionRepo interface {
	DeleteFinalizedBefore(ctx context.Context, tx *gorm.DB, cutoff time.Time) (int64, error)
}

type staleReservationRepo interface {
	CountInProgressBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type failureRetentionRepo interface {
	DeleteFailedBefore(ctx context.Context, tx *gorm.DB, cutoff time.Time) (int64, error)
}

// IdempotencyRetentionJobParams configure the finalized-record cleanup.
type IdempotencyRetentionJobParams struct {
	Logger     *logger.Logger
	DB         txRunner
	Repository idempotencyRetentionRepo
	Retention  time.Duration
}

// NewIdempotencyRetentionJob deletes finalized idempotency records older than the
// retention window. Reservations still in progress are never touched.
func NewIdempotencyRetentionJob(params IdempotencyRetentionJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, errors.New("logger required")
	}
	if params.DB == nil {
		return nil, errors.New("db runner required")
	}
	if params.Repository == nil {
		return nil, errors.New("idempotency repository required")
	}
	retention := params.Retention
	if retention <= 0 {
		retention = defaultIdempotencyRetention
	}
	return &idempotencyRetentionJob{
		logg:      params.Logger,
		db:        params.DB,
		repo:      params.Repository,
		retention: retention,
		now:       time.Now,
	}, nil
}

type idempotencyRetentionJob struct {
	logg      *logger.Logger
	db        txRunner
	repo      idempotencyRetentionRepo
	retention time.Duration
	now       func() time.Time
}

func (j *idempotencyRetentionJob) Name() string { return "idempotency-retention" }

func (j *idempotencyRetentionJob) Run(ctx context.Context) (int64, error) {
	cutoff := j.now().UTC().Add(-j.retention)
	var deleted int64
	err := j.db.WithTx(ctx, func(tx *gorm.DB) error {
		rows, err := j.repo.DeleteFinalizedBefore(ctx, tx, cutoff)
		deleted = rows
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("idempotency retention: %w", err)
	}
	j.logg.Info(j.logg.WithFields(ctx, map[string]any{
		"cutoff":       cutoff,
		"rows_deleted": deleted,
	}), "idempotency retention cleanup complete")
	return deleted, nil
}

// StaleReservationJobParams configure the stuck-reservation report.
type StaleReservationJobParams struct {
	Logger     *logger.Logger
	Repository staleReservationRepo
	Metrics    *metrics.IdempotencyMetrics
	StaleAfter time.Duration
}

// NewStaleReservationJob counts reservations that never finalized. A non-zero count
// means a request crashed between commit and finalize; resolving it is left to an operator.
func NewStaleReservationJob(params StaleReservationJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, errors.New("logger required")
	}
	if params.Repository == nil {
		return nil, errors.New("idempotency repository required")
	}
	staleAfter := params.StaleAfter
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}
	return &staleReservationJob{
		logg:       params.Logger,
		repo:       params.Repository,
		metrics:    params.Metrics,
		staleAfter: staleAfter,
		now:        time.Now,
	}, nil
}

type staleReservationJob struct {
	logg       *logger.Logger
	repo       staleReservationRepo
	metrics    *metrics.IdempotencyMetrics
	staleAfter time.Duration
	now        func() time.Time
}

func (j *staleReservationJob) Name() string { return "idempotency-stale-reservations" }

func (j *staleReservationJob) Run(ctx context.Context) (int64, error) {
	cutoff := j.now().UTC().Add(-j.staleAfter)
	stale, err := j.repo.CountInProgressBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("count stale reservations: %w", err)
	}
	j.metrics.SetStale(stale)

	logCtx := j.logg.WithFields(ctx, map[string]any{
		"cutoff":             cutoff,
		"stale_reservations": stale,
	})
	if stale > 0 {
		j.logg.Warn(logCtx, "idempotency reservations stuck in progress")
	} else {
		j.logg.Info(logCtx, "no stale idempotency reservations")
	}
	return stale, nil
}

// FailureRetentionJobParams configure the dropped-task cleanup.
type FailureRetentionJobParams struct {
	Logger     *logger.Logger
	DB         txRunner
	Repository failureRetentionRepo
	Retention  time.Duration
}

// NewFailureRetentionJob deletes delivery failure records older than the retention window.
func NewFailureRetentionJob(params FailureRetentionJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, errors.New("logger required")
	}
	if params.DB == nil {
		return nil, errors.New("db runner required")
	}
	if params.Repository == nil {
		return nil, errors.New("failure repository required")
	}
	retention := params.Retention
	if retention <= 0 {
		retention = defaultFailureRetention
	}
	return &failureRetentionJob{
		logg:      params.Logger,
		db:        params.DB,
		repo:      params.Repository,
		retention: retention,
		now:       time.Now,
	}, nil
}

type failureRetentionJob struct {
	logg      *logger.Logger
	db        txRunner
	repo      failureRetentionRepo
	retention time.Duration
	now       func() time.Time
}

func (j *failureRetentionJob) Name() string { return "delivery-failure-retention" }

func (j *failureRetentionJob) Run(ctx context.Context) (int64, error) {
	cutoff := j.now().UTC().Add(-j.retention)
	var deleted int64
	err := j.db.WithTx(ctx, func(tx *gorm.DB) error {
		rows, err := j.repo.DeleteFailedBefore(ctx, tx, cutoff)
		deleted = rows
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("delivery failure retention: %w", err)
	}
	j.logg.Info(j.logg.WithFields(ctx, map[string]any{
		"cutoff":       cutoff,
		"rows_deleted": deleted,
	}), "delivery failure retention cleanup complete")
	return deleted, nil
}
