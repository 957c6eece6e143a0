package outbox

import (
	"encoding/json"
	"time"

	"github.com/angelmondragon/newsletter-backend/pkg/db/models"
	"github.com/angelmondragon/newsletter-backend/pkg/enums"
)

const (
	EventTypeDeliveryDropped = "newsletter.delivery.dropped"
	envelopeVersion          = 1
)

// PayloadEnvelope is the stable structure published for delivery events.
type PayloadEnvelope struct {
	Version    int             `json:"version"`
	EventID    string          `json:"eventId"`
	EventType  string          `json:"eventType"`
	OccurredAt time.Time       `json:"occurredAt"`
	Data       json.RawMessage `json:"data"`
}

// DeliveryDroppedPayload describes a task that left the queue without a successful send.
type DeliveryDroppedPayload struct {
	TaskID            int64                       `json:"taskId"`
	NewsletterIssueID string                      `json:"newsletterIssueId"`
	RecipientEmail    string                      `json:"recipientEmail"`
	Reason            enums.DeliveryFailureReason `json:"reason"`
	AttemptCount      int                         `json:"attemptCount"`
	ErrorMessage      string                      `json:"errorMessage,omitempty"`
}

// NewDroppedEnvelope wraps a failure record for publication.
func NewDroppedEnvelope(failure models.DeliveryFailure) ([]byte, error) {
	payload := DeliveryDroppedPayload{
		TaskID:            failure.TaskID,
		NewsletterIssueID: failure.NewsletterIssueID.String(),
		RecipientEmail:    failure.RecipientEmail,
		Reason:            failure.Reason,
		AttemptCount:      failure.AttemptCount,
	}
	if failure.ErrorMessage != nil {
		payload.ErrorMessage = *failure.ErrorMessage
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(PayloadEnvelope{
		Version:    envelopeVersion,
		EventID:    failure.ID.String(),
		EventType:  EventTypeDeliveryDropped,
		OccurredAt: failure.FailedAt.UTC(),
		Data:       data,
	})
}
