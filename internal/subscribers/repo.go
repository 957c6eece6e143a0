package subscribers

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	dbpkg "github.com/angelmondragon/newsletter-backend/pkg/db"
	"github.com/angelmondragon/newsletter-backend/pkg/db/models"
	"github.com/angelmondragon/newsletter-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/newsletter-backend/pkg/errors"
)

// Repository reads and writes the subscriber directory.
type Repository struct {
	db *gorm.DB
}

// NewRepository constructs a subscriber repository bound to the provided gorm DB.
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// ListConfirmedAddresses returns the emails of confirmed subscribers ordered by email.
// Pass the issuing transaction so the recipient set matches the committed issue.
func (r *Repository) ListConfirmedAddresses(ctx context.Context, tx *gorm.DB) ([]string, error) {
	conn := tx
	if conn == nil {
		conn = r.db
	}
	var emails []string
	err := conn.WithContext(ctx).
		Model(&models.Subscriber{}).
		Where("status = ?", enums.SubscriberStatusConfirmed).
		Order("email ASC").
		Pluck("email", &emails).Error
	if err != nil {
		return nil, err
	}
	return emails, nil
}

// CreateParams describes a new subscriber row.
type CreateParams struct {
	Email  string
	Name   string
	Status enums.SubscriberStatus
}

// Create inserts a subscriber. Emails are unique; duplicates return a conflict.
func (r *Repository) Create(ctx context.Context, params CreateParams) (*models.Subscriber, error) {
	email := strings.ToLower(strings.TrimSpace(params.Email))
	if email == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "email is required")
	}
	status := params.Status
	if status == "" {
		status = enums.SubscriberStatusPendingConfirmation
	}
	if !status.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid subscriber status")
	}

	subscriber := &models.Subscriber{
		ID:           uuid.New(),
		Email:        email,
		Name:         strings.TrimSpace(params.Name),
		Status:       status,
		SubscribedAt: time.Now().UTC(),
	}
	if err := r.db.WithContext(ctx).Create(subscriber).Error; err != nil {
		if dbpkg.IsUniqueViolation(err, "") {
			return nil, pkgerrors.New(pkgerrors.CodeConflict, "subscriber already exists")
		}
		return nil, err
	}
	return subscriber, nil
}

// Confirm marks a pending subscriber as confirmed.
func (r *Repository) Confirm(ctx context.Context, id uuid.UUID) error {
	res := r.db.WithContext(ctx).
		Model(&models.Subscriber{}).
		Where("id = ?", id).
		Update("status", enums.SubscriberStatusConfirmed)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return pkgerrors.New(pkgerrors.CodeNotFound, "subscriber not found")
	}
	return nil
}

// FindByEmail returns the subscriber with the given email.
func (r *Repository) FindByEmail(ctx context.Context, email string) (*models.Subscriber, error) {
	var subscriber models.Subscriber
	err := r.db.WithContext(ctx).
		Where("email = ?", strings.ToLower(strings.TrimSpace(email))).
		Take(&subscriber).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "subscriber not found")
		}
		return nil, err
	}
	return &subscriber, nil
}
