package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/newsletter-backend/pkg/db/models"
	"github.com/angelmondragon/newsletter-backend/pkg/enums"
)

// FailureRepository stores dropped deliveries for operators.
type FailureRepository struct {
	db *gorm.DB
}

func NewFailureRepository(db *gorm.DB) *FailureRepository {
	return &FailureRepository{db: db}
}

func newFailure(task models.DeliveryTask, reason enums.DeliveryFailureReason, cause error, failedAt time.Time) models.DeliveryFailure {
	entry := models.DeliveryFailure{
		ID:                uuid.New(),
		TaskID:            task.ID,
		NewsletterIssueID: task.NewsletterIssueID,
		RecipientEmail:    task.RecipientEmail,
		Reason:            reason,
		AttemptCount:      task.AttemptCount + 1,
		EnqueuedAt:        task.EnqueuedAt,
		FailedAt:          failedAt,
	}
	if cause != nil {
		msg := cause.Error()
		entry.ErrorMessage = &msg
	}
	return entry
}

func (r *FailureRepository) InsertTx(tx *gorm.DB, entry *models.DeliveryFailure) error {
	if tx == nil {
		return errors.New("transaction required")
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.ErrorMessage != nil {
		msg := truncateError(*entry.ErrorMessage)
		entry.ErrorMessage = &msg
	}
	return tx.Create(entry).Error
}

func (r *FailureRepository) List(ctx context.Context, limit int) ([]models.DeliveryFailure, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []models.DeliveryFailure
	err := r.db.WithContext(ctx).
		Order("failed_at DESC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

func (r *FailureRepository) ListByIssue(ctx context.Context, issueID uuid.UUID) ([]models.DeliveryFailure, error) {
	var rows []models.DeliveryFailure
	err := r.db.WithContext(ctx).
		Where("newsletter_issue_id = ?", issueID).
		Order("failed_at ASC").
		Find(&rows).Error
	return rows, err
}

// DeleteFailedBefore removes failure records older than cutoff and returns how many went.
func (r *FailureRepository) DeleteFailedBefore(ctx context.Context, tx *gorm.DB, cutoff time.Time) (int64, error) {
	if tx == nil {
		return 0, errors.New("transaction required")
	}
	res := tx.WithContext(ctx).Where("failed_at < ?", cutoff).Delete(&models.DeliveryFailure{})
	return res.RowsAffected, res.Error
}
