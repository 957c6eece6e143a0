package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/newsletter-backend/pkg/enums"
)

type Subscriber struct {
	ID           uuid.UUID              `gorm:"column:id;type:uuid;primaryKey"`
	Email        string                 `gorm:"column:email;not null;uniqueIndex"`
	Name         string                 `gorm:"column:name;not null"`
	Status       enums.SubscriberStatus `gorm:"column:status;type:subscriber_status;not null"`
	SubscribedAt time.Time              `gorm:"column:subscribed_at;not null"`
}
