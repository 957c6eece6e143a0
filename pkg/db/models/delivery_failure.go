package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/newsletter-backend/pkg/enums"
)

// DeliveryFailure records a task that was dropped without a successful send.
type DeliveryFailure struct {
	ID                uuid.UUID                   `gorm:"column:id;type:uuid;primaryKey"`
	TaskID            int64                       `gorm:"column:task_id;not null"`
	NewsletterIssueID uuid.UUID                   `gorm:"column:newsletter_issue_id;type:uuid;not null"`
	RecipientEmail    string                      `gorm:"column:recipient_email;not null"`
	Reason            enums.DeliveryFailureReason `gorm:"column:reason;type:delivery_failure_reason;not null"`
	ErrorMessage      *string                     `gorm:"column:error_message"`
	AttemptCount      int                         `gorm:"column:attempt_count;not null"`
	EnqueuedAt        time.Time                   `gorm:"column:enqueued_at;not null"`
	FailedAt          time.Time                   `gorm:"column:failed_at;not null;index"`
}
