package models

import (
	"time"

	"github.com/google/uuid"
)

// DeliveryTask is one pending send of an issue to one recipient.
type DeliveryTask struct {
	ID                int64      `gorm:"column:id;primaryKey;autoIncrement"`
	NewsletterIssueID uuid.UUID  `gorm:"column:newsletter_issue_id;type:uuid;not null;index"`
	RecipientEmail    string     `gorm:"column:recipient_email;not null"`
	EnqueuedAt        time.Time  `gorm:"column:enqueued_at;not null"`
	AttemptCount      int        `gorm:"column:attempt_count;not null;default:0"`
	NextAttemptAt     time.Time  `gorm:"column:next_attempt_at;not null;index:idx_delivery_tasks_due"`
	LockedBy          *string    `gorm:"column:locked_by"`
	LockedUntil       *time.Time `gorm:"column:locked_until"`
	LastError         *string    `gorm:"column:last_error"`
}
