package delivery

import (
	"math/rand"
	"sync"
	"time"

	"github.com/angelmondragon/newsletter-backend/pkg/db/models"
	"github.com/angelmondragon/newsletter-backend/pkg/email"
	"github.com/angelmondragon/newsletter-backend/pkg/enums"
)

const (
	defaultMaxAttempts = 8
	defaultBackoffBase = 5 * time.Second
	defaultBackoffMax  = time.Hour
)

// RetryPolicy decides what happens to a task after a failed send.
type RetryPolicy struct {
	MaxAttempts int
	Base        time.Duration
	Max         time.Duration

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewRetryPolicy fills unset fields with defaults.
func NewRetryPolicy(maxAttempts int, base, max time.Duration) *RetryPolicy {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	if base <= 0 {
		base = defaultBackoffBase
	}
	if max < base {
		max = defaultBackoffMax
		if max < base {
			max = base
		}
	}
	return &RetryPolicy{
		MaxAttempts: maxAttempts,
		Base:        base,
		Max:         max,
		rnd:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Backoff returns the delay before attempt n+1, where n >= 1 failed attempts have
// been made: base*2^(n-1) plus jitter below base*2^(n-2), capped at Max. Jitter never
// reaches the next step, so delays grow strictly until the cap.
func (p *RetryPolicy) Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	delay := p.Base
	for i := 1; i < n; i++ {
		delay *= 2
		if delay >= p.Max {
			return p.Max
		}
	}

	window := delay / 2
	if window > 0 {
		delay += time.Duration(p.int63n(int64(window)))
	}
	if delay > p.Max {
		return p.Max
	}
	return delay
}

func (p *RetryPolicy) int63n(n int64) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rnd == nil {
		p.rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return p.rnd.Int63n(n)
}

// Action is the outcome chosen for a failed task.
type Action int

const (
	ActionRetry Action = iota + 1
	ActionDrop
)

// Decision is what to do with a task whose send failed.
type Decision struct {
	Action        Action
	NextAttemptAt time.Time
	Reason        enums.DeliveryFailureReason
}

// Decide drops permanent failures and tasks that exhausted their attempts, and
// schedules everything else for another try.
func (p *RetryPolicy) Decide(task models.DeliveryTask, sendErr error, now time.Time) Decision {
	if email.IsPermanent(sendErr) {
		return Decision{Action: ActionDrop, Reason: enums.DeliveryFailureReasonPermanent}
	}
	attempts := task.AttemptCount + 1
	if attempts >= p.MaxAttempts {
		return Decision{Action: ActionDrop, Reason: enums.DeliveryFailureReasonMaxAttempts}
	}
	return Decision{Action: ActionRetry, NextAttemptAt: now.Add(p.Backoff(attempts))}
}
