package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	gcppubsub "cloud.google.com/go/pubsub/v2"

	"github.com/angelmondragon/newsletter-backend/pkg/db/models"
	"github.com/angelmondragon/newsletter-backend/pkg/outbox"
)

const defaultPublishTimeout = 15 * time.Second

// DropNotifier announces tasks that were abandoned without a successful send.
type DropNotifier interface {
	NotifyDropped(ctx context.Context, failure models.DeliveryFailure) error
}

type publisher interface {
	Publish(context.Context, *gcppubsub.Message) publishResult
}

type publishResult interface {
	Get(context.Context) (string, error)
}

type gcpPublisher struct {
	pub *gcppubsub.Publisher
}

func (p gcpPublisher) Publish(ctx context.Context, msg *gcppubsub.Message) publishResult {
	return p.pub.Publish(ctx, msg)
}

// PubSubNotifier publishes drop envelopes to a Pub/Sub topic.
type PubSubNotifier struct {
	pub     publisher
	timeout time.Duration
}

// NewPubSubNotifier wraps a topic publisher.
func NewPubSubNotifier(pub *gcppubsub.Publisher) (*PubSubNotifier, error) {
	if pub == nil {
		return nil, errors.New("pubsub publisher is required")
	}
	return &PubSubNotifier{pub: gcpPublisher{pub: pub}, timeout: defaultPublishTimeout}, nil
}

func (n *PubSubNotifier) NotifyDropped(ctx context.Context, failure models.DeliveryFailure) error {
	data, err := outbox.NewDroppedEnvelope(failure)
	if err != nil {
		return fmt.Errorf("encode drop envelope: %w", err)
	}

	msg := &gcppubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"event_type":          outbox.EventTypeDeliveryDropped,
			"task_id":             fmt.Sprintf("%d", failure.TaskID),
			"newsletter_issue_id": failure.NewsletterIssueID.String(),
			"reason":              string(failure.Reason),
		},
	}

	publishCtx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	result := n.pub.Publish(publishCtx, msg)
	if result == nil {
		return errors.New("publisher returned nil result")
	}
	if _, err := result.Get(publishCtx); err != nil {
		return fmt.Errorf("publish drop notification: %w", err)
	}
	return nil
}
