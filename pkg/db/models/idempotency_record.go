package models

import (
	"time"

	"github.com/google/uuid"

	dbtypes "github.com/angelmondragon/newsletter-backend/pkg/db/types"
)

// IdempotencyRecord reserves (actor, key) for the first request that claims it.
// Response fields stay NULL while the owning request is in flight.
type IdempotencyRecord struct {
	ActorID         uuid.UUID       `gorm:"column:actor_id;type:uuid;primaryKey"`
	IdempotencyKey  string          `gorm:"column:idempotency_key;primaryKey"`
	CreatedAt       time.Time       `gorm:"column:created_at;not null"`
	ResponseStatus  *int            `gorm:"column:response_status"`
	ResponseHeaders dbtypes.Headers `gorm:"column:response_headers;type:jsonb"`
	ResponseBody    []byte          `gorm:"column:response_body;type:bytea"`
}

// Finalized reports whether the owning request stored its response.
func (r IdempotencyRecord) Finalized() bool {
	return r.ResponseStatus != nil
}
