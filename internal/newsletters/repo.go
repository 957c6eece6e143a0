package newsletters

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/newsletter-backend/pkg/db/models"
)

// Repository persists newsletter issues.
type Repository struct {
	db *gorm.DB
}

// NewRepository constructs an issue repository bound to the provided gorm DB.
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// CreateWithTx inserts the issue in the caller's transaction.
func (r *Repository) CreateWithTx(ctx context.Context, tx *gorm.DB, issue *models.NewsletterIssue) error {
	if tx == nil {
		return errors.New("transaction required")
	}
	return tx.WithContext(ctx).Create(issue).Error
}

// FindByID returns the issue or gorm.ErrRecordNotFound.
func (r *Repository) FindByID(ctx context.Context, id uuid.UUID) (*models.NewsletterIssue, error) {
	var issue models.NewsletterIssue
	if err := r.db.WithContext(ctx).Where("id = ?", id).Take(&issue).Error; err != nil {
		return nil, err
	}
	return &issue, nil
}
