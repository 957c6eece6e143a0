package models

import (
	"time"

	"github.com/google/uuid"
)

// NewsletterIssue is the immutable content of one issued newsletter.
type NewsletterIssue struct {
	ID          uuid.UUID `gorm:"column:id;type:uuid;primaryKey"`
	Title       string    `gorm:"column:title;not null"`
	TextContent string    `gorm:"column:text_content;not null;default:''"`
	HTMLContent string    `gorm:"column:html_content;not null;default:''"`
	CreatedAt   time.Time `gorm:"column:created_at;not null"`
}
