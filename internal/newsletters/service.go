package newsletters

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"gorm.io/gorm"

	"github.com/angelmondragon/newsletter-backend/internal/idempotency"
	"github.com/angelmondragon/newsletter-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/newsletter-backend/pkg/errors"
	"github.com/angelmondragon/newsletter-backend/pkg/logger"
	"github.com/angelmondragon/newsletter-backend/pkg/metrics"
)

const (
	defaultFinalizeRetries = 3
	defaultFinalizeBackoff = 50 * time.Millisecond
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type idempotencyStore interface {
	Begin(ctx context.Context, tx *gorm.DB, actorID uuid.UUID, key string) (idempotency.BeginResult, error)
	Finalize(ctx context.Context, actorID uuid.UUID, key string, resp idempotency.Response) error
	AwaitFinalized(ctx context.Context, actorID uuid.UUID, key string) (idempotency.Response, error)
}

type issueWriter interface {
	CreateWithTx(ctx context.Context, tx *gorm.DB, issue *models.NewsletterIssue) error
}

type recipientLister interface {
	ListConfirmedAddresses(ctx context.Context, tx *gorm.DB) ([]string, error)
}

type taskEnqueuer interface {
	EnqueueMany(ctx context.Context, tx *gorm.DB, tasks []models.DeliveryTask) error
}

// Service issues newsletters exactly once per (actor, idempotency key).
type Service interface {
	Issue(ctx context.Context, cmd IssueCommand) (idempotency.Response, error)
}

// ServiceParams groups dependencies for the newsletter service.
type ServiceParams struct {
	Tx          txRunner
	Store       idempotencyStore
	Issues      issueWriter
	Subscribers recipientLister
	Outbox      taskEnqueuer
	Cache       idempotency.ResponseCache
	Metrics     *metrics.IdempotencyMetrics
	Logger      *logger.Logger
	Clock       func() time.Time
	// FinalizeRetries bounds extra Finalize attempts after a transient storage error.
	FinalizeRetries int
	FinalizeBackoff time.Duration
}

type service struct {
	tx          txRunner
	store       idempotencyStore
	issues      issueWriter
	subscribers recipientLister
	outbox      taskEnqueuer
	cache       idempotency.ResponseCache
	metrics     *metrics.IdempotencyMetrics
	logg        *logger.Logger
	now         func() time.Time

	finalizeRetries uint64
	finalizeBackoff time.Duration
}

// NewService builds the newsletter service with the required dependencies.
func NewService(params ServiceParams) (Service, error) {
	if params.Tx == nil {
		return nil, errors.New("transaction runner required")
	}
	if params.Store == nil {
		return nil, errors.New("idempotency store required")
	}
	if params.Issues == nil {
		return nil, errors.New("issue repository required")
	}
	if params.Subscribers == nil {
		return nil, errors.New("subscriber repository required")
	}
	if params.Outbox == nil {
		return nil, errors.New("outbox repository required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger required")
	}
	clock := params.Clock
	if clock == nil {
		clock = time.Now
	}
	retries := params.FinalizeRetries
	if retries <= 0 {
		retries = defaultFinalizeRetries
	}
	backoff := params.FinalizeBackoff
	if backoff <= 0 {
		backoff = defaultFinalizeBackoff
	}
	return &service{
		tx:          params.Tx,
		store:       params.Store,
		issues:      params.Issues,
		subscribers: params.Subscribers,
		outbox:      params.Outbox,
		cache:       params.Cache,
		metrics:     params.Metrics,
		logg:        params.Logger,
		now:         func() time.Time { return clock().UTC() },

		finalizeRetries: uint64(retries),
		finalizeBackoff: backoff,
	}, nil
}

// Issue reserves the idempotency key, stores the issue and its delivery tasks in one
// transaction, then finalizes the reservation with the accepted response. Duplicate
// requests wait for the owner and replay its stored response.
func (s *service) Issue(ctx context.Context, cmd IssueCommand) (idempotency.Response, error) {
	if err := cmd.Validate(); err != nil {
		return idempotency.Response{}, err
	}
	cmd = cmd.normalized()
	ctx = s.logg.WithFields(ctx, map[string]any{
		"actor_id":        cmd.ActorID.String(),
		"idempotency_key": cmd.IdempotencyKey,
	})

	if s.cache != nil {
		if cached, ok := s.cache.Get(ctx, cmd.ActorID, cmd.IdempotencyKey); ok {
			s.metrics.IncOutcome("cached")
			return *cached, nil
		}
	}

	var (
		result     idempotency.BeginResult
		issueID    uuid.UUID
		recipients int
	)
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		var err error
		result, err = s.store.Begin(ctx, tx, cmd.ActorID, cmd.IdempotencyKey)
		if err != nil {
			return err
		}
		if result != idempotency.Started {
			return nil
		}
		issueID, recipients, err = s.createIssue(ctx, tx, cmd)
		return err
	})
	if err != nil {
		return idempotency.Response{}, asDependency(err, "issue newsletter")
	}

	if result == idempotency.AlreadyReserved {
		return s.replay(ctx, cmd)
	}

	resp := AcceptedResponse()
	// The issue is committed; a cancelled request must still release its waiters.
	if err := s.finalize(context.WithoutCancel(ctx), cmd, resp); err != nil {
		s.logg.Error(ctx, "idempotency finalize failed after commit; key stays in progress", err)
		return idempotency.Response{}, asDependency(err, "finalize newsletter issue")
	}
	s.metrics.IncOutcome("started")
	if s.cache != nil {
		s.cache.Put(ctx, cmd.ActorID, cmd.IdempotencyKey, resp)
	}

	logCtx := s.logg.WithFields(ctx, map[string]any{
		"issue_id":   issueID.String(),
		"recipients": recipients,
	})
	s.logg.Info(logCtx, "newsletter issue accepted")
	return resp, nil
}

// finalize retries transient storage errors with exponential backoff. A missing
// open reservation is never retried.
func (s *service) finalize(ctx context.Context, cmd IssueCommand, resp idempotency.Response) error {
	backoff := retry.WithMaxRetries(s.finalizeRetries, retry.NewExponential(s.finalizeBackoff))
	attempt := 0
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		err := s.store.Finalize(ctx, cmd.ActorID, cmd.IdempotencyKey, resp)
		if err == nil || errors.Is(err, idempotency.ErrAlreadyFinalized) {
			return err
		}
		s.logg.WarnErr(s.logg.WithField(ctx, "attempt", attempt), "idempotency finalize attempt failed", err)
		return retry.RetryableError(err)
	})
}

func (s *service) createIssue(ctx context.Context, tx *gorm.DB, cmd IssueCommand) (uuid.UUID, int, error) {
	now := s.now()
	issue := &models.NewsletterIssue{
		ID:          uuid.New(),
		Title:       cmd.Title,
		TextContent: cmd.TextContent,
		HTMLContent: cmd.HTMLContent,
		CreatedAt:   now,
	}
	if err := s.issues.CreateWithTx(ctx, tx, issue); err != nil {
		return uuid.Nil, 0, err
	}

	emails, err := s.subscribers.ListConfirmedAddresses(ctx, tx)
	if err != nil {
		return uuid.Nil, 0, err
	}
	tasks := make([]models.DeliveryTask, 0, len(emails))
	for _, email := range emails {
		tasks = append(tasks, models.DeliveryTask{
			NewsletterIssueID: issue.ID,
			RecipientEmail:    email,
			EnqueuedAt:        now,
			NextAttemptAt:     now,
		})
	}
	if err := s.outbox.EnqueueMany(ctx, tx, tasks); err != nil {
		return uuid.Nil, 0, err
	}
	return issue.ID, len(tasks), nil
}

func (s *service) replay(ctx context.Context, cmd IssueCommand) (idempotency.Response, error) {
	resp, err := s.store.AwaitFinalized(ctx, cmd.ActorID, cmd.IdempotencyKey)
	if err != nil {
		if pkgerrors.IsCode(err, pkgerrors.CodeIdempotencyInProgress) {
			s.metrics.IncOutcome("conflict")
			s.logg.Warn(ctx, "idempotent request still in progress")
		}
		return idempotency.Response{}, err
	}
	s.metrics.IncOutcome("replayed")
	if s.cache != nil {
		s.cache.Put(ctx, cmd.ActorID, cmd.IdempotencyKey, resp)
	}
	return resp, nil
}

func asDependency(err error, msg string) error {
	if pkgerrors.As(err) != nil {
		return err
	}
	return pkgerrors.Wrap(pkgerrors.CodeDependency, err, msg)
}
