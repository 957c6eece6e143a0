package newsletters

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/angelmondragon/newsletter-backend/internal/idempotency"
	pkgerrors "github.com/angelmondragon/newsletter-backend/pkg/errors"
	"github.com/angelmondragon/newsletter-backend/pkg/types"
)

const (
	// MaxIdempotencyKeyLength bounds client supplied keys.
	MaxIdempotencyKeyLength = 50

	acceptedMessage = "The newsletter issue has been accepted - emails will go out shortly."
)

// IssueCommand is a request to publish one newsletter issue to every confirmed subscriber.
type IssueCommand struct {
	ActorID        uuid.UUID
	IdempotencyKey string
	Title          string
	TextContent    string
	HTMLContent    string
}

// Validate rejects commands before any storage is touched.
func (c IssueCommand) Validate() error {
	if c.ActorID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeUnauthorized, "actor identity missing")
	}

	fields := map[string]any{}
	if strings.TrimSpace(c.Title) == "" {
		fields["title"] = "title is required"
	}
	if strings.TrimSpace(c.TextContent) == "" && strings.TrimSpace(c.HTMLContent) == "" {
		fields["content"] = "text_content or html_content is required"
	}
	key := strings.TrimSpace(c.IdempotencyKey)
	switch {
	case key == "":
		fields["idempotency_key"] = "idempotency key is required"
	case len(key) > MaxIdempotencyKeyLength:
		fields["idempotency_key"] = "idempotency key must be at most 50 characters"
	}
	if len(fields) == 0 {
		return nil
	}
	return pkgerrors.New(pkgerrors.CodeValidation, "invalid newsletter issue").WithDetails(fields)
}

func (c IssueCommand) normalized() IssueCommand {
	c.IdempotencyKey = strings.TrimSpace(c.IdempotencyKey)
	c.Title = strings.TrimSpace(c.Title)
	return c
}

var acceptedBody = encodeAccepted()

func encodeAccepted() []byte {
	var buf bytes.Buffer
	envelope := types.SuccessEnvelope{Data: types.StatusMessage{Status: "accepted", Message: acceptedMessage}}
	if err := json.NewEncoder(&buf).Encode(envelope); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// AcceptedResponse is the reply stored and replayed for every accepted issue.
// It carries no ids or timestamps so every replay is byte-identical.
func AcceptedResponse() idempotency.Response {
	body := make([]byte, len(acceptedBody))
	copy(body, acceptedBody)
	return idempotency.Response{
		Status:  http.StatusAccepted,
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    body,
	}
}
