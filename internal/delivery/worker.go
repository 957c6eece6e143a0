package delivery

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/angelmondragon/newsletter-backend/pkg/db/models"
	"github.com/angelmondragon/newsletter-backend/pkg/email"
	"github.com/angelmondragon/newsletter-backend/pkg/enums"
	"github.com/angelmondragon/newsletter-backend/pkg/logger"
	"github.com/angelmondragon/newsletter-backend/pkg/metrics"
	"github.com/angelmondragon/newsletter-backend/pkg/outbox"
)

const (
	defaultBatchSize    = 25
	defaultPollInterval = time.Second
	defaultSendTimeout  = 10 * time.Second
	maxLoopBackoff      = 10 * time.Second
	jitterWindow        = 250 * time.Millisecond

	// markerConsumer namespaces delivered markers written by this worker.
	markerConsumer = "newsletter-delivery"
)

var jitterSource = struct {
	sync.Mutex
	*rand.Rand
}{Rand: rand.New(rand.NewSource(time.Now().UnixNano()))}

// Queue is the leased view of the delivery outbox used by one worker loop.
type Queue interface {
	Owner() string
	DequeueBatch(ctx context.Context, now time.Time, limit int) ([]models.DeliveryTask, error)
	AckSuccess(ctx context.Context, taskID int64) error
	AckRetry(ctx context.Context, taskID int64, nextAttemptAt time.Time, cause error) error
	AckDrop(ctx context.Context, task models.DeliveryTask, reason enums.DeliveryFailureReason, cause error, failedAt time.Time) (*models.DeliveryFailure, error)
	PendingCount(ctx context.Context) (int64, error)
}

type issueLoader interface {
	FindByID(ctx context.Context, id uuid.UUID) (*models.NewsletterIssue, error)
}

type deliveredMarker interface {
	AlreadyDelivered(ctx context.Context, consumer string, taskID int64) (bool, error)
	MarkDelivered(ctx context.Context, consumer string, taskID int64) error
}

// WorkerParams groups dependencies for one delivery loop.
type WorkerParams struct {
	Queue        Queue
	Issues       issueLoader
	Transport    email.Transport
	Policy       *RetryPolicy
	Marker       deliveredMarker
	Notifier     DropNotifier
	Metrics      *metrics.DeliveryMetrics
	Logger       *logger.Logger
	BatchSize    int
	PollInterval time.Duration
	SendTimeout  time.Duration
	Clock        func() time.Time
}

// Worker drains the delivery outbox under a single lease owner.
type Worker struct {
	queue        Queue
	issues       issueLoader
	transport    email.Transport
	policy       *RetryPolicy
	marker       deliveredMarker
	notifier     DropNotifier
	metrics      *metrics.DeliveryMetrics
	logg         *logger.Logger
	batchSize    int
	pollInterval time.Duration
	sendTimeout  time.Duration
	now          func() time.Time
}

func NewWorker(params WorkerParams) (*Worker, error) {
	if params.Queue == nil {
		return nil, errors.New("delivery queue is required")
	}
	if params.Issues == nil {
		return nil, errors.New("issue repository is required")
	}
	if params.Transport == nil {
		return nil, errors.New("email transport is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	policy := params.Policy
	if policy == nil {
		policy = NewRetryPolicy(0, 0, 0)
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	poll := params.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	sendTimeout := params.SendTimeout
	if sendTimeout <= 0 {
		sendTimeout = defaultSendTimeout
	}
	clock := params.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Worker{
		queue:        params.Queue,
		issues:       params.Issues,
		transport:    params.Transport,
		policy:       policy,
		marker:       params.Marker,
		notifier:     params.Notifier,
		metrics:      params.Metrics,
		logg:         params.Logger,
		batchSize:    batch,
		pollInterval: poll,
		sendTimeout:  sendTimeout,
		now:          func() time.Time { return clock().UTC() },
	}, nil
}

// Run polls until ctx is cancelled. Batch errors back off exponentially; an empty
// queue waits one poll interval.
func (w *Worker) Run(ctx context.Context) error {
	ctx = w.logg.WithField(ctx, "worker_id", w.queue.Owner())
	w.logg.Info(ctx, "delivery worker started")

	backoff := w.pollInterval
	for {
		select {
		case <-ctx.Done():
			w.logg.Info(ctx, "delivery worker stopping")
			return nil
		default:
		}

		processed, err := w.ProcessBatch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			w.logg.Error(ctx, "delivery batch failed", err)
			backoff = nextBackoff(backoff, w.pollInterval, maxLoopBackoff)
			if err := sleep(ctx, withJitter(backoff)); err != nil {
				return nil
			}
			continue
		}
		backoff = w.pollInterval

		if processed > 0 {
			continue
		}
		w.refreshPending(ctx)
		if err := sleep(ctx, withJitter(w.pollInterval)); err != nil {
			return nil
		}
	}
}

// ProcessBatch leases one batch and settles every task in it. A failing task never
// stops the rest of the batch. It returns how many tasks were leased.
func (w *Worker) ProcessBatch(ctx context.Context) (int, error) {
	tasks, err := w.queue.DequeueBatch(ctx, w.now(), w.batchSize)
	if err != nil {
		return 0, fmt.Errorf("dequeue delivery tasks: %w", err)
	}
	if len(tasks) == 0 {
		return 0, nil
	}

	issues := newIssueCache(w.issues)
	for _, task := range tasks {
		if ctx.Err() != nil {
			// Unsettled tasks return to the queue when their lease expires.
			break
		}
		w.processTask(ctx, issues, task)
	}
	return len(tasks), nil
}

func (w *Worker) processTask(ctx context.Context, issues *issueCache, task models.DeliveryTask) {
	ctx = w.logg.WithFields(ctx, taskFields(task))

	if !w.leaseCoversSend(task) {
		// Another owner may already hold the task; leave it for redelivery untouched.
		w.logg.Warn(ctx, "delivery lease too short to send; skipping task")
		w.metrics.IncLeaseLost()
		return
	}

	issue, err := issues.get(ctx, task.NewsletterIssueID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			w.drop(ctx, task, enums.DeliveryFailureReasonPermanent, fmt.Errorf("newsletter issue %s not found", task.NewsletterIssueID))
			return
		}
		w.retry(ctx, task, fmt.Errorf("load newsletter issue: %w", err))
		return
	}

	if w.alreadyDelivered(ctx, task) {
		w.logg.Info(ctx, "delivery task already sent; acknowledging")
		w.ackSuccess(ctx, task)
		return
	}

	sendErr := w.send(ctx, task, issue)
	if sendErr == nil {
		// The message is out; record it even if shutdown has begun.
		ackCtx := context.WithoutCancel(ctx)
		w.markDelivered(ackCtx, task)
		w.ackSuccess(ackCtx, task)
		return
	}
	if ctx.Err() != nil {
		// Shutdown interrupted the send; the lease expires and the task is retried without spending an attempt.
		return
	}

	decision := w.policy.Decide(task, sendErr, w.now())
	switch decision.Action {
	case ActionDrop:
		w.drop(ctx, task, decision.Reason, sendErr)
	default:
		w.reschedule(ctx, task, decision.NextAttemptAt, sendErr)
	}
}

// leaseCoversSend reports whether the task's lease outlasts a full send attempt.
func (w *Worker) leaseCoversSend(task models.DeliveryTask) bool {
	if task.LockedUntil == nil {
		return false
	}
	return w.now().Add(w.sendTimeout).Before(*task.LockedUntil)
}

func (w *Worker) send(ctx context.Context, task models.DeliveryTask, issue *models.NewsletterIssue) error {
	sendCtx, cancel := context.WithTimeout(ctx, w.sendTimeout)
	defer cancel()

	started := time.Now()
	err := w.transport.Send(sendCtx, email.Message{
		To:      task.RecipientEmail,
		Subject: issue.Title,
		HTML:    issue.HTMLContent,
		Text:    issue.TextContent,
	})
	outcome := "ok"
	if err != nil {
		outcome = string(email.KindOf(err))
	}
	w.metrics.ObserveSend(outcome, time.Since(started))
	return err
}

func (w *Worker) retry(ctx context.Context, task models.DeliveryTask, cause error) {
	decision := w.policy.Decide(task, cause, w.now())
	if decision.Action == ActionDrop {
		w.drop(ctx, task, decision.Reason, cause)
		return
	}
	w.reschedule(ctx, task, decision.NextAttemptAt, cause)
}

func (w *Worker) reschedule(ctx context.Context, task models.DeliveryTask, next time.Time, cause error) {
	logCtx := w.logg.WithField(ctx, "next_attempt_at", next)
	if err := w.queue.AckRetry(ctx, task.ID, next, cause); err != nil {
		w.ackFailed(logCtx, "retry", err)
		return
	}
	w.metrics.IncRetried(string(email.KindOf(cause)))
	w.logg.WarnErr(logCtx, "delivery attempt failed; rescheduled", cause)
}

func (w *Worker) drop(ctx context.Context, task models.DeliveryTask, reason enums.DeliveryFailureReason, cause error) {
	logCtx := w.logg.WithFields(ctx, map[string]any{
		"reason":   string(reason),
		"attempts": task.AttemptCount + 1,
	})
	failure, err := w.queue.AckDrop(ctx, task, reason, cause, w.now())
	if err != nil {
		w.ackFailed(logCtx, "drop", err)
		return
	}
	w.metrics.IncDropped(string(reason))
	w.logg.WarnErr(logCtx, "delivery task dropped", cause)

	if w.notifier == nil || failure == nil {
		return
	}
	if err := w.notifier.NotifyDropped(ctx, *failure); err != nil {
		w.logg.Error(logCtx, "drop notification failed", err)
	}
}

func (w *Worker) ackSuccess(ctx context.Context, task models.DeliveryTask) {
	if err := w.queue.AckSuccess(ctx, task.ID); err != nil {
		w.ackFailed(ctx, "success", err)
		return
	}
	w.metrics.IncSent()
}

func (w *Worker) ackFailed(ctx context.Context, ack string, err error) {
	ctx = w.logg.WithField(ctx, "ack", ack)
	if errors.Is(err, outbox.ErrLeaseLost) {
		w.metrics.IncLeaseLost()
		w.logg.Warn(ctx, "delivery task lease lost before ack")
		return
	}
	w.logg.Error(ctx, "delivery task ack failed", err)
}

func (w *Worker) alreadyDelivered(ctx context.Context, task models.DeliveryTask) bool {
	if w.marker == nil {
		return false
	}
	delivered, err := w.marker.AlreadyDelivered(ctx, markerConsumer, task.ID)
	if err != nil {
		w.logg.WarnErr(ctx, "delivered marker lookup failed", err)
		return false
	}
	return delivered
}

func (w *Worker) markDelivered(ctx context.Context, task models.DeliveryTask) {
	if w.marker == nil {
		return
	}
	if err := w.marker.MarkDelivered(ctx, markerConsumer, task.ID); err != nil {
		w.logg.WarnErr(ctx, "delivered marker write failed", err)
	}
}

func (w *Worker) refreshPending(ctx context.Context) {
	if w.metrics == nil {
		return
	}
	pending, err := w.queue.PendingCount(ctx)
	if err != nil {
		return
	}
	w.metrics.SetPending(pending)
}

// RunAll runs every worker until ctx is cancelled and joins their errors.
func RunAll(ctx context.Context, workers []*Worker) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs error
	)
	for _, worker := range workers {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			if err := w.Run(ctx); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}
		}(worker)
	}
	wg.Wait()
	return errs
}

type issueCache struct {
	loader issueLoader
	issues map[uuid.UUID]*models.NewsletterIssue
}

func newIssueCache(loader issueLoader) *issueCache {
	return &issueCache{loader: loader, issues: map[uuid.UUID]*models.NewsletterIssue{}}
}

func (c *issueCache) get(ctx context.Context, id uuid.UUID) (*models.NewsletterIssue, error) {
	if issue, ok := c.issues[id]; ok {
		return issue, nil
	}
	issue, err := c.loader.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	c.issues[id] = issue
	return issue, nil
}

func taskFields(task models.DeliveryTask) map[string]any {
	fields := map[string]any{
		"task_id":             task.ID,
		"newsletter_issue_id": task.NewsletterIssueID.String(),
		"recipient":           task.RecipientEmail,
		"attempt_count":       task.AttemptCount,
	}
	if task.LastError != nil {
		fields["last_error"] = *task.LastError
	}
	return fields
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func nextBackoff(current, base, max time.Duration) time.Duration {
	if current <= 0 {
		current = base
	}
	next := current * 2
	if next > max {
		return max
	}
	return next
}

func withJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	jitterSource.Lock()
	jitter := time.Duration(jitterSource.Int63n(int64(jitterWindow)))
	jitterSource.Unlock()
	return d + jitter
}
