package controllers

import (
	"net/http"
	"strings"

	"github.com/angelmondragon/newsletter-backend/api/middleware"
	"github.com/angelmondragon/newsletter-backend/api/responses"
	"github.com/angelmondragon/newsletter-backend/api/validators"
	"github.com/angelmondragon/newsletter-backend/internal/newsletters"
	pkgerrors "github.com/angelmondragon/newsletter-backend/pkg/errors"
	"github.com/angelmondragon/newsletter-backend/pkg/logger"
)

// IdempotencyKeyHeader carries the key when the body omits it.
const IdempotencyKeyHeader = "Idempotency-Key"

type issueNewsletterPayload struct {
	Title          string `json:"title" validate:"required"`
	TextContent    string `json:"text_content" validate:"required_without=HTMLContent"`
	HTMLContent    string `json:"html_content"`
	IdempotencyKey string `json:"idempotency_key" validate:"omitempty,max=50"`
}

// NewsletterIssue accepts a newsletter issue and replays the stored reply for repeated keys.
func NewsletterIssue(svc newsletters.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "newsletter service unavailable"))
			return
		}

		actorID, ok := middleware.ActorIDFromContext(ctx)
		if !ok {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "actor identity missing"))
			return
		}

		var payload issueNewsletterPayload
		if err := validators.DecodeJSONBody(w, r, &payload); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		key := strings.TrimSpace(payload.IdempotencyKey)
		if key == "" {
			key = strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader))
		}

		if logg != nil {
			ctx = logg.WithField(ctx, "idempotency_key", key)
		}

		resp, err := svc.Issue(ctx, newsletters.IssueCommand{
			ActorID:        actorID,
			IdempotencyKey: key,
			Title:          payload.Title,
			TextContent:    payload.TextContent,
			HTMLContent:    payload.HTMLContent,
		})
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		responses.WriteStored(w, resp)
	}
}
