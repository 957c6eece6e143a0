package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/newsletter-backend/pkg/db/models"
	"github.com/angelmondragon/newsletter-backend/pkg/enums"
)

const (
	defaultLeaseTimeout = 2 * time.Minute
	maxErrorLen         = 1024
)

// ErrLeaseLost is returned by acks when the task is no longer leased by this
// repository's owner, typically because the lease expired and another worker took it.
var ErrLeaseLost = errors.New("delivery task lease lost")

// Repository is the durable delivery queue. Every lease it takes is stamped with owner.
type Repository struct {
	db       *gorm.DB
	failures *FailureRepository
	owner    string
	lease    time.Duration
}

func NewRepository(db *gorm.DB, owner string, lease time.Duration) *Repository {
	if lease <= 0 {
		lease = defaultLeaseTimeout
	}
	return &Repository{
		db:       db,
		failures: NewFailureRepository(db),
		owner:    owner,
		lease:    lease,
	}
}

// WithOwner returns a copy of the repository that leases and acks as owner.
// Each concurrent dequeue loop needs its own owner so acks cannot cross loops.
func (r *Repository) WithOwner(owner string) *Repository {
	clone := *r
	clone.owner = owner
	return &clone
}

// Owner returns the lease owner identifier.
func (r *Repository) Owner() string {
	return r.owner
}

// EnqueueMany inserts tasks inside the caller's transaction so they commit with the issue.
func (r *Repository) EnqueueMany(ctx context.Context, tx *gorm.DB, tasks []models.DeliveryTask) error {
	if tx == nil {
		return errors.New("transaction required")
	}
	if len(tasks) == 0 {
		return nil
	}
	for i := range tasks {
		tasks[i].LockedBy = nil
		tasks[i].LockedUntil = nil
	}
	return tx.WithContext(ctx).CreateInBatches(&tasks, 500).Error
}

// DequeueBatch leases up to limit due tasks. Leased tasks stay invisible to other
// workers until they are acked or locked_until passes.
func (r *Repository) DequeueBatch(ctx context.Context, now time.Time, limit int) ([]models.DeliveryTask, error) {
	if limit <= 0 {
		return nil, nil
	}
	if r.owner == "" {
		return nil, errors.New("lease owner required")
	}

	var leased []models.DeliveryTask
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Where("next_attempt_at <= ?", now).
			Where("(locked_until IS NULL OR locked_until <= ?)", now).
			Order("next_attempt_at ASC").
			Order("id ASC").
			Limit(limit)
		if tx.Dialector.Name() == "postgres" {
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}

		var rows []models.DeliveryTask
		if err := q.Find(&rows).Error; err != nil {
			return fmt.Errorf("select due tasks: %w", err)
		}
		if len(rows) == 0 {
			return nil
		}

		ids := make([]int64, 0, len(rows))
		for _, row := range rows {
			ids = append(ids, row.ID)
		}
		until := now.Add(r.lease)
		owner := r.owner
		if err := tx.Model(&models.DeliveryTask{}).
			Where("id IN ?", ids).
			Updates(map[string]any{
				"locked_by":    owner,
				"locked_until": until,
			}).Error; err != nil {
			return fmt.Errorf("lease tasks: %w", err)
		}

		for i := range rows {
			rows[i].LockedBy = &owner
			rows[i].LockedUntil = &until
		}
		leased = rows
		return nil
	})
	if err != nil {
		return nil, err
	}
	return leased, nil
}

// AckSuccess removes a delivered task.
func (r *Repository) AckSuccess(ctx context.Context, taskID int64) error {
	res := r.db.WithContext(ctx).
		Where("id = ? AND locked_by = ?", taskID, r.owner).
		Delete(&models.DeliveryTask{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrLeaseLost
	}
	return nil
}

// AckRetry releases the lease and reschedules the task for nextAttemptAt.
func (r *Repository) AckRetry(ctx context.Context, taskID int64, nextAttemptAt time.Time, cause error) error {
	updates := map[string]any{
		"attempt_count":   gorm.Expr("attempt_count + 1"),
		"next_attempt_at": nextAttemptAt,
		"locked_by":       nil,
		"locked_until":    nil,
	}
	if cause != nil {
		updates["last_error"] = truncateError(cause.Error())
	}
	res := r.db.WithContext(ctx).
		Model(&models.DeliveryTask{}).
		Where("id = ? AND locked_by = ?", taskID, r.owner).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrLeaseLost
	}
	return nil
}

// AckDrop deletes the task and records why it was abandoned, in one transaction.
func (r *Repository) AckDrop(ctx context.Context, task models.DeliveryTask, reason enums.DeliveryFailureReason, cause error, failedAt time.Time) (*models.DeliveryFailure, error) {
	if !reason.IsValid() {
		return nil, fmt.Errorf("invalid drop reason %q", reason)
	}

	var failure *models.DeliveryFailure
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ? AND locked_by = ?", task.ID, r.owner).Delete(&models.DeliveryTask{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrLeaseLost
		}

		entry := newFailure(task, reason, cause, failedAt)
		if err := r.failures.InsertTx(tx, &entry); err != nil {
			return fmt.Errorf("record delivery failure: %w", err)
		}
		failure = &entry
		return nil
	})
	if err != nil {
		return nil, err
	}
	return failure, nil
}

// PendingCount returns how many tasks are still queued, leased or not.
func (r *Repository) PendingCount(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.DeliveryTask{}).Count(&count).Error
	return count, err
}

func truncateError(message string) string {
	if len(message) <= maxErrorLen {
		return message
	}
	return message[:maxErrorLen]
}
