package email

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerSettings tunes the circuit breaker placed in front of a provider.
type BreakerSettings struct {
	Name                string
	ConsecutiveFailures uint32
	OpenTimeout         time.Duration
	HalfOpenRequests    uint32
	OnStateChange       func(name string, from, to string)
}

// BreakerTransport stops calling a provider after repeated transient failures.
// While open, sends fail fast with a transient error so tasks are rescheduled.
type BreakerTransport struct {
	next    Transport
	breaker *gobreaker.CircuitBreaker
}

func NewBreakerTransport(next Transport, settings BreakerSettings) *BreakerTransport {
	if settings.ConsecutiveFailures == 0 {
		settings.ConsecutiveFailures = 5
	}
	if settings.OpenTimeout <= 0 {
		settings.OpenTimeout = 30 * time.Second
	}
	if settings.HalfOpenRequests == 0 {
		settings.HalfOpenRequests = 1
	}
	threshold := settings.ConsecutiveFailures
	st := gobreaker.Settings{
		Name:        settings.Name,
		MaxRequests: settings.HalfOpenRequests,
		Timeout:     settings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// A rejected recipient says nothing about provider health.
		IsSuccessful: func(err error) bool {
			return err == nil || IsPermanent(err)
		},
	}
	if settings.OnStateChange != nil {
		notify := settings.OnStateChange
		st.OnStateChange = func(name string, from, to gobreaker.State) {
			notify(name, from.String(), to.String())
		}
	}
	return &BreakerTransport{next: next, breaker: gobreaker.NewCircuitBreaker(st)}
}

func (t *BreakerTransport) Send(ctx context.Context, msg Message) error {
	_, err := t.breaker.Execute(func() (interface{}, error) {
		return nil, t.next.Send(ctx, msg)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return Transient(err)
	}
	return err
}

// State returns the breaker state name (closed, half-open, open).
func (t *BreakerTransport) State() string {
	return t.breaker.State().String()
}
