package email

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/resend/resend-go/v2"
)

type resendEmails interface {
	SendWithContext(ctx context.Context, params *resend.SendEmailRequest) (*resend.SendEmailResponse, error)
}

// ResendTransport sends through the Resend API.
type ResendTransport struct {
	emails resendEmails
	sender string
}

func NewResendTransport(apiKey, sender string) (*ResendTransport, error) {
	if apiKey == "" {
		return nil, errors.New("resend api key is required")
	}
	if sender == "" {
		return nil, errors.New("email sender is required")
	}
	client := resend.NewClient(apiKey)
	return &ResendTransport{emails: client.Emails, sender: sender}, nil
}

func (t *ResendTransport) Send(ctx context.Context, msg Message) error {
	params := &resend.SendEmailRequest{
		From:    t.sender,
		To:      []string{msg.To},
		Subject: msg.Subject,
		Html:    msg.HTML,
		Text:    msg.Text,
	}
	if _, err := t.emails.SendWithContext(ctx, params); err != nil {
		return classifyResendError(ctx, err)
	}
	return nil
}

// Resend reports request problems (bad address, unverified domain) as
// validation errors; anything else is assumed to be retryable.
func classifyResendError(ctx context.Context, err error) error {
	wrapped := fmt.Errorf("resend send: %w", err)
	if ctx.Err() != nil {
		return Transient(wrapped)
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"validation_error", "invalid_", "not verified", "missing_required_field"} {
		if strings.Contains(msg, marker) {
			return Permanent(wrapped)
		}
	}
	return Transient(wrapped)
}
