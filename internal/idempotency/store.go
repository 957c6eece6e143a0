package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	dbpkg "github.com/angelmondragon/newsletter-backend/pkg/db"
	"github.com/angelmondragon/newsletter-backend/pkg/db/models"
	dbtypes "github.com/angelmondragon/newsletter-backend/pkg/db/types"
	pkgerrors "github.com/angelmondragon/newsletter-backend/pkg/errors"
	"github.com/angelmondragon/newsletter-backend/pkg/logger"
)

const (
	defaultPollInterval    = 50 * time.Millisecond
	defaultPollMaxInterval = time.Second
	defaultPollTimeout     = 10 * time.Second
)

// BeginResult tells the caller whether it owns the key.
type BeginResult int

const (
	// Started means this request reserved the key and must finalize it.
	Started BeginResult = iota + 1
	// AlreadyReserved means another request owns the key; it may still be running.
	AlreadyReserved
)

func (r BeginResult) String() string {
	switch r {
	case Started:
		return "started"
	case AlreadyReserved:
		return "already_reserved"
	default:
		return "unknown"
	}
}

// ErrAlreadyFinalized signals a second Finalize for the same key, which is a bug in the caller.
var ErrAlreadyFinalized = errors.New("idempotency record already finalized")

// Response is the exact reply stored for a key and replayed for every duplicate.
type Response struct {
	Status  int
	Headers map[string]string
	Body    []byte
}

// Options tune how duplicates wait for the owning request.
type Options struct {
	PollInterval    time.Duration
	PollMaxInterval time.Duration
	PollTimeout     time.Duration
}

// Store persists idempotency reservations. Mutual exclusion comes from the
// (actor_id, idempotency_key) primary key; nothing here holds locks across calls.
type Store struct {
	db   *gorm.DB
	logg *logger.Logger
	opts Options
	now  func() time.Time
}

func NewStore(db *gorm.DB, logg *logger.Logger, opts Options) (*Store, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	if logg == nil {
		return nil, errors.New("logger is required")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.PollMaxInterval < opts.PollInterval {
		opts.PollMaxInterval = defaultPollMaxInterval
		if opts.PollMaxInterval < opts.PollInterval {
			opts.PollMaxInterval = opts.PollInterval
		}
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = defaultPollTimeout
	}
	return &Store{db: db, logg: logg, opts: opts, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Begin reserves (actorID, key) inside tx. The reservation commits or rolls back with tx.
func (s *Store) Begin(ctx context.Context, tx *gorm.DB, actorID uuid.UUID, key string) (BeginResult, error) {
	if tx == nil {
		return 0, errors.New("transaction required")
	}
	record := models.IdempotencyRecord{
		ActorID:        actorID,
		IdempotencyKey: key,
		CreatedAt:      s.now(),
	}
	res := tx.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&record)
	if res.Error != nil {
		if dbpkg.IsUniqueViolation(res.Error, "") {
			return AlreadyReserved, nil
		}
		return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, res.Error, "reserve idempotency key")
	}
	if res.RowsAffected == 0 {
		return AlreadyReserved, nil
	}
	return Started, nil
}

// Finalize stores the response for a reservation that has none yet. Finalizing
// twice returns ErrAlreadyFinalized and leaves the first response untouched.
func (s *Store) Finalize(ctx context.Context, actorID uuid.UUID, key string, resp Response) error {
	headers := dbtypes.Headers(resp.Headers)
	if headers == nil {
		headers = dbtypes.Headers{}
	}
	body := resp.Body
	if body == nil {
		body = []byte{}
	}

	res := s.db.WithContext(ctx).
		Model(&models.IdempotencyRecord{}).
		Where("actor_id = ? AND idempotency_key = ? AND response_status IS NULL", actorID, key).
		Updates(map[string]any{
			"response_status":  resp.Status,
			"response_headers": headers,
			"response_body":    body,
		})
	if res.Error != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, res.Error, "finalize idempotency key")
	}
	if res.RowsAffected == 0 {
		logCtx := s.logg.WithFields(ctx, map[string]any{"actor_id": actorID.String(), "idempotency_key": key})
		s.logg.Error(logCtx, "idempotency finalize matched no open reservation", ErrAlreadyFinalized)
		return pkgerrors.Wrap(pkgerrors.CodeInternal, ErrAlreadyFinalized, "finalize idempotency key")
	}
	return nil
}

// Load returns the record for (actorID, key), or nil when none exists.
func (s *Store) Load(ctx context.Context, actorID uuid.UUID, key string) (*models.IdempotencyRecord, error) {
	var record models.IdempotencyRecord
	err := s.db.WithContext(ctx).
		Where("actor_id = ? AND idempotency_key = ?", actorID, key).
		Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load idempotency record")
	}
	return &record, nil
}

// AwaitFinalized polls until the owner of (actorID, key) stores its response.
// It gives up with an IDEMPOTENCY_IN_PROGRESS error after the poll timeout.
func (s *Store) AwaitFinalized(ctx context.Context, actorID uuid.UUID, key string) (Response, error) {
	deadline := time.NewTimer(s.opts.PollTimeout)
	defer deadline.Stop()

	interval := s.opts.PollInterval
	for {
		record, err := s.Load(ctx, actorID, key)
		if err != nil {
			return Response{}, err
		}
		if record != nil && record.Finalized() {
			return ResponseFromRecord(*record), nil
		}

		wait := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			wait.Stop()
			return Response{}, pkgerrors.Wrap(pkgerrors.CodeIdempotencyInProgress, ctx.Err(), "waiting for idempotent request")
		case <-deadline.C:
			wait.Stop()
			return s.lastChance(ctx, actorID, key)
		case <-wait.C:
		}

		interval *= 2
		if interval > s.opts.PollMaxInterval {
			interval = s.opts.PollMaxInterval
		}
	}
}

func (s *Store) lastChance(ctx context.Context, actorID uuid.UUID, key string) (Response, error) {
	record, err := s.Load(ctx, actorID, key)
	if err != nil {
		return Response{}, err
	}
	if record != nil && record.Finalized() {
		return ResponseFromRecord(*record), nil
	}
	return Response{}, pkgerrors.New(
		pkgerrors.CodeIdempotencyInProgress,
		fmt.Sprintf("request with idempotency key %q is still in progress", key),
	)
}

// CountInProgressBefore counts reservations still waiting for a response that were created before cutoff.
func (s *Store) CountInProgressBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&models.IdempotencyRecord{}).
		Where("response_status IS NULL AND created_at < ?", cutoff).
		Count(&count).Error
	return count, err
}

// DeleteFinalizedBefore removes finalized records older than cutoff. In-progress
// reservations are never deleted so an owner can always finalize.
func (s *Store) DeleteFinalizedBefore(ctx context.Context, tx *gorm.DB, cutoff time.Time) (int64, error) {
	if tx == nil {
		return 0, errors.New("transaction required")
	}
	res := tx.WithContext(ctx).
		Where("response_status IS NOT NULL AND created_at < ?", cutoff).
		Delete(&models.IdempotencyRecord{})
	return res.RowsAffected, res.Error
}

// ResponseFromRecord copies a finalized record into a Response.
func ResponseFromRecord(record models.IdempotencyRecord) Response {
	resp := Response{
		Headers: map[string]string{},
		Body:    append([]byte(nil), record.ResponseBody...),
	}
	if record.ResponseStatus != nil {
		resp.Status = *record.ResponseStatus
	}
	for k, v := range record.ResponseHeaders {
		resp.Headers[k] = v
	}
	return resp
}
