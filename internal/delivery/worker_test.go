package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/newsletter-backend/internal/newsletters"
	"github.com/angelmondragon/newsletter-backend/pkg/db"
	"github.com/angelmondragon/newsletter-backend/pkg/db/dbtest"
	"github.com/angelmondragon/newsletter-backend/pkg/db/models"
	"github.com/angelmondragon/newsletter-backend/pkg/email"
	"github.com/angelmondragon/newsletter-backend/pkg/enums"
	"github.com/angelmondragon/newsletter-backend/pkg/logger"
	"github.com/angelmondragon/newsletter-backend/pkg/metrics"
	"github.com/angelmondragon/newsletter-backend/pkg/outbox"
	outboxidem "github.com/angelmondragon/newsletter-backend/pkg/outbox/idempotency"
	pkgredis "github.com/angelmondragon/newsletter-backend/pkg/redis"
)

var baseTime = time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)

type recordingTransport struct {
	mu    sync.Mutex
	calls []email.Message
	delay time.Duration
	fail  func(email.Message) error
}

func (r *recordingTransport) Send(ctx context.Context, msg email.Message) error {
	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.mu.Lock()
	r.calls = append(r.calls, msg)
	r.mu.Unlock()
	if r.fail != nil {
		return r.fail(msg)
	}
	return nil
}

func (r *recordingTransport) Calls() []email.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]email.Message(nil), r.calls...)
}

type fakeNotifier struct {
	mu       sync.Mutex
	failures []models.DeliveryFailure
}

func (f *fakeNotifier) NotifyDropped(_ context.Context, failure models.DeliveryFailure) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, failure)
	return nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	client    *db.Client
	queue     *outbox.Repository
	transport *recordingTransport
	notifier  *fakeNotifier
	clock     *clock
	metrics   *metrics.DeliveryMetrics
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	client := dbtest.NewClient(t)
	return &harness{
		client:    client,
		queue:     outbox.NewRepository(client.DB(), "test-worker", time.Minute),
		transport: &recordingTransport{},
		notifier:  &fakeNotifier{},
		clock:     &clock{now: baseTime},
		metrics:   metrics.NewDeliveryMetrics(prometheus.NewRegistry()),
	}
}

func (h *harness) worker(t *testing.T, mutate func(*WorkerParams)) *Worker {
	t.Helper()
	params := WorkerParams{
		Queue:       h.queue,
		Issues:      newsletters.NewRepository(h.client.DB()),
		Transport:   h.transport,
		Policy:      NewRetryPolicy(3, time.Second, 10*time.Second),
		Notifier:    h.notifier,
		Metrics:     h.metrics,
		Logger:      logger.Nop(),
		SendTimeout: time.Second,
		Clock:       h.clock.Now,
	}
	if mutate != nil {
		mutate(&params)
	}
	w, err := NewWorker(params)
	require.NoError(t, err)
	return w
}

func (h *harness) seed(t *testing.T, recipients ...string) uuid.UUID {
	t.Helper()
	issueID := uuid.New()
	require.NoError(t, h.client.DB().Create(&models.NewsletterIssue{
		ID: issueID, Title: "Digest", TextContent: "text", HTMLContent: "<p>html</p>", CreatedAt: baseTime,
	}).Error)
	h.enqueue(t, issueID, recipients...)
	return issueID
}

func (h *harness) enqueue(t *testing.T, issueID uuid.UUID, recipients ...string) {
	t.Helper()
	tasks := make([]models.DeliveryTask, 0, len(recipients))
	for _, r := range recipients {
		tasks = append(tasks, models.DeliveryTask{
			NewsletterIssueID: issueID, RecipientEmail: r, EnqueuedAt: baseTime, NextAttemptAt: baseTime,
		})
	}
	require.NoError(t, h.client.WithTx(context.Background(), func(tx *gorm.DB) error {
		return h.queue.EnqueueMany(context.Background(), tx, tasks)
	}))
}

func (h *harness) tasks(t *testing.T) []models.DeliveryTask {
	t.Helper()
	var tasks []models.DeliveryTask
	require.NoError(t, h.client.DB().Order("id ASC").Find(&tasks).Error)
	return tasks
}

func (h *harness) failures(t *testing.T) []models.DeliveryFailure {
	t.Helper()
	var failures []models.DeliveryFailure
	require.NoError(t, h.client.DB().Order("task_id ASC").Find(&failures).Error)
	return failures
}

func TestNewWorkerValidatesDependencies(t *testing.T) {
	_, err := NewWorker(WorkerParams{})
	require.Error(t, err)
}

func TestProcessBatchSendsAndAcks(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "a@example.com", "b@example.com")
	w := h.worker(t, nil)

	n, err := w.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	calls := h.transport.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "a@example.com", calls[0].To)
	assert.Equal(t, "Digest", calls[0].Subject)
	assert.Equal(t, "<p>html</p>", calls[0].HTML)
	assert.Equal(t, "text", calls[0].Text)
	assert.Empty(t, h.tasks(t))

	n, err = w.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestProcessBatchReschedulesTransientFailure(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "a@example.com")
	h.transport.fail = func(email.Message) error { return email.Transient(errors.New("provider 503")) }
	w := h.worker(t, nil)

	_, err := w.ProcessBatch(context.Background())
	require.NoError(t, err)

	tasks := h.tasks(t)
	require.Len(t, tasks, 1)
	assert.Equal(t, 1, tasks[0].AttemptCount)
	assert.True(t, tasks[0].NextAttemptAt.After(baseTime))
	assert.Nil(t, tasks[0].LockedBy)
	require.NotNil(t, tasks[0].LastError)
	assert.Contains(t, *tasks[0].LastError, "provider 503")

	// Not due yet.
	n, err := w.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestProcessBatchDropsPermanentFailure(t *testing.T) {
	h := newHarness(t)
	issueID := h.seed(t, "bad@example.com", "good@example.com")
	h.transport.fail = func(msg email.Message) error {
		if msg.To == "bad@example.com" {
			return email.Permanent(errors.New("mailbox does not exist"))
		}
		return nil
	}
	w := h.worker(t, nil)

	_, err := w.ProcessBatch(context.Background())
	require.NoError(t, err)

	assert.Empty(t, h.tasks(t))
	failures := h.failures(t)
	require.Len(t, failures, 1)
	assert.Equal(t, enums.DeliveryFailureReasonPermanent, failures[0].Reason)
	assert.Equal(t, "bad@example.com", failures[0].RecipientEmail)
	assert.Equal(t, issueID, failures[0].NewsletterIssueID)
	assert.Equal(t, 1, failures[0].AttemptCount)

	require.Len(t, h.notifier.failures, 1)
	assert.Equal(t, failures[0].ID, h.notifier.failures[0].ID)
}

func TestRetryBudgetIsBounded(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "flaky@example.com")
	h.transport.fail = func(email.Message) error { return errors.New("connection reset") }
	w := h.worker(t, nil)

	for i := 0; i < 10; i++ {
		_, err := w.ProcessBatch(context.Background())
		require.NoError(t, err)
		h.clock.Advance(time.Minute)
	}

	assert.Len(t, h.transport.Calls(), 3)
	assert.Empty(t, h.tasks(t))
	failures := h.failures(t)
	require.Len(t, failures, 1)
	assert.Equal(t, enums.DeliveryFailureReasonMaxAttempts, failures[0].Reason)
	assert.Equal(t, 3, failures[0].AttemptCount)
	require.NotNil(t, failures[0].ErrorMessage)
	assert.Contains(t, *failures[0].ErrorMessage, "connection reset")
}

func TestRetryBudgetRecoversBeforeExhaustion(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "flaky@example.com")

	var attempts, delivered int
	h.transport.fail = func(email.Message) error {
		attempts++
		if attempts < 3 {
			return errors.New("connection reset")
		}
		delivered++
		return nil
	}
	w := h.worker(t, nil)

	for i := 0; i < 10; i++ {
		_, err := w.ProcessBatch(context.Background())
		require.NoError(t, err)
		h.clock.Advance(time.Minute)
	}

	assert.Equal(t, 3, attempts)
	assert.Equal(t, 1, delivered)
	assert.Empty(t, h.tasks(t))
	assert.Empty(t, h.failures(t))
	assert.Empty(t, h.notifier.failures)
}

func TestExpiredLeaseIsNotSentByOldOwner(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "a@example.com", "b@example.com")

	other := h.worker(t, func(p *WorkerParams) { p.Queue = h.queue.WithOwner("other") })
	takenOver := false
	h.transport.fail = func(msg email.Message) error {
		if msg.To == "a@example.com" && !takenOver {
			takenOver = true
			// The first owner's lease runs out mid-batch and a second owner picks the batch up.
			h.clock.Advance(2 * time.Minute)
			n, err := other.ProcessBatch(context.Background())
			require.NoError(t, err)
			require.Equal(t, 2, n)
		}
		return nil
	}
	w := h.worker(t, nil)

	n, err := w.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	sends := 0
	for _, call := range h.transport.Calls() {
		if call.To == "b@example.com" {
			sends++
		}
	}
	assert.Equal(t, 1, sends)
	assert.Empty(t, h.tasks(t))
}

func TestLeaseShorterThanSendTimeoutSkipsTask(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "a@example.com")
	w := h.worker(t, func(p *WorkerParams) { p.SendTimeout = 2 * time.Minute })

	n, err := w.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Empty(t, h.transport.Calls())
	tasks := h.tasks(t)
	require.Len(t, tasks, 1)
	assert.Equal(t, 0, tasks[0].AttemptCount)
	assert.Empty(t, h.failures(t))
}

func TestSendTimeoutCountsAsTransient(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "slow@example.com")
	h.transport.delay = time.Second
	w := h.worker(t, func(p *WorkerParams) { p.SendTimeout = 20 * time.Millisecond })

	_, err := w.ProcessBatch(context.Background())
	require.NoError(t, err)

	tasks := h.tasks(t)
	require.Len(t, tasks, 1)
	assert.Equal(t, 1, tasks[0].AttemptCount)
	assert.Empty(t, h.failures(t))
}

func TestMissingIssueDropsTask(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, uuid.New(), "orphan@example.com")
	w := h.worker(t, nil)

	_, err := w.ProcessBatch(context.Background())
	require.NoError(t, err)

	assert.Empty(t, h.transport.Calls())
	failures := h.failures(t)
	require.Len(t, failures, 1)
	assert.Equal(t, enums.DeliveryFailureReasonPermanent, failures[0].Reason)
}

func TestDeliveredMarkerSkipsResend(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "a@example.com")

	mr := miniredis.RunT(t)
	raw := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = raw.Close() })
	marker, err := outboxidem.NewManager(pkgredis.NewFromClient(raw), time.Hour)
	require.NoError(t, err)

	task := h.tasks(t)[0]
	require.NoError(t, marker.MarkDelivered(context.Background(), markerConsumer, task.ID))

	w := h.worker(t, func(p *WorkerParams) { p.Marker = marker })
	_, err = w.ProcessBatch(context.Background())
	require.NoError(t, err)

	assert.Empty(t, h.transport.Calls())
	assert.Empty(t, h.tasks(t))
}

func TestSuccessfulSendWritesDeliveredMarker(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "a@example.com")
	task := h.tasks(t)[0]

	mr := miniredis.RunT(t)
	raw := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = raw.Close() })
	marker, err := outboxidem.NewManager(pkgredis.NewFromClient(raw), time.Hour)
	require.NoError(t, err)

	w := h.worker(t, func(p *WorkerParams) { p.Marker = marker })
	_, err = w.ProcessBatch(context.Background())
	require.NoError(t, err)

	delivered, err := marker.AlreadyDelivered(context.Background(), markerConsumer, task.ID)
	require.NoError(t, err)
	assert.True(t, delivered)
}

type leaseLostQueue struct {
	*outbox.Repository
}

func (q leaseLostQueue) AckSuccess(context.Context, int64) error {
	return outbox.ErrLeaseLost
}

func TestLeaseLostAckIsLoggedAndSkipped(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "a@example.com", "b@example.com")
	w := h.worker(t, func(p *WorkerParams) { p.Queue = leaseLostQueue{h.queue} })

	n, err := w.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, h.transport.Calls(), 2)
}

func TestConcurrentWorkersSendEachTaskOnce(t *testing.T) {
	h := newHarness(t)
	recipients := make([]string, 0, 30)
	for i := 0; i < 30; i++ {
		recipients = append(recipients, fmt.Sprintf("r%02d@example.com", i))
	}
	h.seed(t, recipients...)

	workers := make([]*Worker, 0, 3)
	for i := 0; i < 3; i++ {
		owner := fmt.Sprintf("host-%d", i)
		workers = append(workers, h.worker(t, func(p *WorkerParams) {
			p.Queue = h.queue.WithOwner(owner)
			p.BatchSize = 4
			p.PollInterval = 5 * time.Millisecond
		}))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- RunAll(ctx, workers) }()

	require.Eventually(t, func() bool {
		var n int64
		_ = h.client.DB().Model(&models.DeliveryTask{}).Count(&n).Error
		return n == 0
	}, 10*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	seen := map[string]int{}
	for _, call := range h.transport.Calls() {
		seen[call.To]++
	}
	assert.Len(t, seen, 30)
	for to, n := range seen {
		assert.Equal(t, 1, n, "recipient %s", to)
	}
}
