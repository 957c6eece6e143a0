package controllers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/newsletter-backend/api/middleware"
	"github.com/angelmondragon/newsletter-backend/internal/idempotency"
	"github.com/angelmondragon/newsletter-backend/internal/newsletters"
	"github.com/angelmondragon/newsletter-backend/internal/subscribers"
	"github.com/angelmondragon/newsletter-backend/pkg/db/dbtest"
	"github.com/angelmondragon/newsletter-backend/pkg/db/models"
	"github.com/angelmondragon/newsletter-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/newsletter-backend/pkg/errors"
	"github.com/angelmondragon/newsletter-backend/pkg/logger"
	"github.com/angelmondragon/newsletter-backend/pkg/outbox"
	"github.com/angelmondragon/newsletter-backend/pkg/types"
)

type stubNewsletterService struct {
	mu   sync.Mutex
	cmds []newsletters.IssueCommand
	resp idempotency.Response
	err  error
}

func (s *stubNewsletterService) Issue(ctx context.Context, cmd newsletters.IssueCommand) (idempotency.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cmds = append(s.cmds, cmd)
	return s.resp, s.err
}

func issueRequest(t *testing.T, actor uuid.UUID, body map[string]any) *http.Request {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/newsletters", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	if actor != uuid.Nil {
		req = req.WithContext(middleware.WithActorID(req.Context(), actor))
	}
	return req
}

func TestNewsletterIssueForwardsCommand(t *testing.T) {
	actor := uuid.New()
	svc := &stubNewsletterService{resp: newsletters.AcceptedResponse()}
	handler := NewsletterIssue(svc, nil)

	req := issueRequest(t, actor, map[string]any{
		"title":        "Weekly",
		"text_content": "hello",
	})
	req.Header.Set(IdempotencyKeyHeader, "header-key")
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)

	require.Equal(t, http.StatusAccepted, resp.Code)
	require.Len(t, svc.cmds, 1)
	assert.Equal(t, actor, svc.cmds[0].ActorID)
	assert.Equal(t, "header-key", svc.cmds[0].IdempotencyKey)
	assert.Equal(t, "Weekly", svc.cmds[0].Title)
	assert.Equal(t, string(newsletters.AcceptedResponse().Body), resp.Body.String())
}

func TestNewsletterIssueBodyKeyWinsOverHeader(t *testing.T) {
	svc := &stubNewsletterService{resp: newsletters.AcceptedResponse()}
	handler := NewsletterIssue(svc, nil)

	req := issueRequest(t, uuid.New(), map[string]any{
		"title":           "Weekly",
		"html_content":    "<p>hi</p>",
		"idempotency_key": "body-key",
	})
	req.Header.Set(IdempotencyKeyHeader, "header-key")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	require.Len(t, svc.cmds, 1)
	assert.Equal(t, "body-key", svc.cmds[0].IdempotencyKey)
}

func TestNewsletterIssueRejectsMissingActor(t *testing.T) {
	svc := &stubNewsletterService{}
	resp := httptest.NewRecorder()
	NewsletterIssue(svc, nil).ServeHTTP(resp, issueRequest(t, uuid.Nil, map[string]any{"title": "x"}))

	assert.Equal(t, http.StatusUnauthorized, resp.Code)
	assert.Empty(t, svc.cmds)
}

func TestNewsletterIssueRejectsBadBodies(t *testing.T) {
	tests := []struct {
		name string
		body map[string]any
	}{
		{name: "missing title", body: map[string]any{"text_content": "x", "idempotency_key": "k"}},
		{name: "unknown field", body: map[string]any{"title": "x", "text_content": "x", "audience": "all"}},
		{name: "key too long", body: map[string]any{"title": "x", "text_content": "x", "idempotency_key": string(bytes.Repeat([]byte("k"), 51))}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubNewsletterService{}
			resp := httptest.NewRecorder()
			NewsletterIssue(svc, nil).ServeHTTP(resp, issueRequest(t, uuid.New(), tt.body))

			assert.Equal(t, http.StatusBadRequest, resp.Code)
			assert.Empty(t, svc.cmds)
		})
	}
}

func TestNewsletterIssueMapsServiceErrors(t *testing.T) {
	svc := &stubNewsletterService{err: pkgerrors.New(pkgerrors.CodeIdempotencyInProgress, "still processing")}
	resp := httptest.NewRecorder()
	NewsletterIssue(svc, nil).ServeHTTP(resp, issueRequest(t, uuid.New(), map[string]any{
		"title": "x", "text_content": "x", "idempotency_key": "k",
	}))

	assert.Equal(t, http.StatusConflict, resp.Code)
	assert.Equal(t, "1", resp.Header().Get("Retry-After"))

	var body types.ErrorEnvelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, string(pkgerrors.CodeIdempotencyInProgress), body.Error.Code)
}

// TestNewsletterIssueConcurrentDuplicatesOverHTTP drives the real service through
// the handler with many identical requests at once.
func TestNewsletterIssueConcurrentDuplicatesOverHTTP(t *testing.T) {
	client := dbtest.NewClient(t)
	store, err := idempotency.NewStore(client.DB(), logger.Nop(), idempotency.Options{
		PollInterval: 5 * time.Millisecond,
		PollTimeout:  10 * time.Second,
	})
	require.NoError(t, err)

	subs := subscribers.NewRepository(client.DB())
	for _, email := range []string{"a@example.com", "b@example.com", "c@example.com"} {
		_, err := subs.Create(context.Background(), subscribers.CreateParams{Email: email, Status: enums.SubscriberStatusConfirmed})
		require.NoError(t, err)
	}

	svc, err := newsletters.NewService(newsletters.ServiceParams{
		Tx:          client,
		Store:       store,
		Issues:      newsletters.NewRepository(client.DB()),
		Subscribers: subs,
		Outbox:      outbox.NewRepository(client.DB(), "test", time.Minute),
		Logger:      logger.Nop(),
	})
	require.NoError(t, err)

	handler := NewsletterIssue(svc, nil)
	actor := uuid.New()

	const callers = 6
	reqs := make([]*http.Request, callers)
	for i := range reqs {
		reqs[i] = issueRequest(t, actor, map[string]any{
			"title":           "Launch",
			"text_content":    "We launched",
			"idempotency_key": "launch-1",
		})
	}

	codes := make([]int, callers)
	bodies := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp := httptest.NewRecorder()
			handler.ServeHTTP(resp, reqs[i])
			codes[i] = resp.Code
			bodies[i] = resp.Body.String()
		}(i)
	}
	wg.Wait()

	want := string(newsletters.AcceptedResponse().Body)
	for i := 0; i < callers; i++ {
		assert.Equal(t, http.StatusAccepted, codes[i], "caller %d", i)
		assert.Equal(t, want, bodies[i], "caller %d", i)
	}

	var issues, tasks int64
	require.NoError(t, client.DB().Model(&models.NewsletterIssue{}).Count(&issues).Error)
	require.NoError(t, client.DB().Model(&models.DeliveryTask{}).Count(&tasks).Error)
	assert.Equal(t, int64(1), issues)
	assert.Equal(t, int64(3), tasks)
}
