package email

import (
	"context"

	"github.com/angelmondragon/newsletter-backend/pkg/logger"
)

// NoopTransport logs messages instead of sending them, for local development.
type NoopTransport struct {
	logg *logger.Logger
}

func NewNoopTransport(logg *logger.Logger) *NoopTransport {
	return &NoopTransport{logg: logg}
}

func (t *NoopTransport) Send(ctx context.Context, msg Message) error {
	if t.logg != nil {
		logCtx := t.logg.WithFields(ctx, map[string]any{"to": msg.To, "subject": msg.Subject})
		t.logg.Info(logCtx, "noop email send")
	}
	return nil
}
