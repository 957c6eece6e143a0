package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/angelmondragon/newsletter-backend/pkg/redis"
)

// Manager remembers which delivery tasks were already handed to the transport.
// Keys follow the `nl:idempotency:evt:delivered:<consumer>:<task_id>` pattern.
//
// The marker is written only after a successful send, so a crash between send
// and ack can still produce a duplicate when the marker write itself failed.
type Manager struct {
	store redis.IdempotencyStore
	ttl   time.Duration
}

// NewManager builds a delivered-marker guard with the given TTL.
func NewManager(store redis.IdempotencyStore, ttl time.Duration) (*Manager, error) {
	if store == nil {
		return nil, errors.New("idempotency store is required")
	}
	if ttl < 0 {
		return nil, errors.New("ttl must be non-negative")
	}
	return &Manager{
		store: store,
		ttl:   ttl,
	}, nil
}

// AlreadyDelivered reports whether a marker exists for the task.
func (m *Manager) AlreadyDelivered(ctx context.Context, consumer string, taskID int64) (bool, error) {
	key, err := m.deliveredKey(consumer, taskID)
	if err != nil {
		return false, err
	}
	return m.store.Exists(ctx, key)
}

// MarkDelivered records a successful send for the task.
func (m *Manager) MarkDelivered(ctx context.Context, consumer string, taskID int64) error {
	key, err := m.deliveredKey(consumer, taskID)
	if err != nil {
		return err
	}
	return m.store.Set(ctx, key, "1", m.ttl)
}

// Delete clears the marker so the task can be sent again.
func (m *Manager) Delete(ctx context.Context, consumer string, taskID int64) error {
	key, err := m.deliveredKey(consumer, taskID)
	if err != nil {
		return err
	}
	return m.store.Del(ctx, key)
}

func (m *Manager) deliveredKey(consumer string, taskID int64) (string, error) {
	if consumer == "" {
		return "", errors.New("consumer name is required")
	}
	if taskID <= 0 {
		return "", errors.New("task id is required")
	}
	scope := fmt.Sprintf("evt:delivered:%s", consumer)
	return m.store.IdempotencyKey(scope, strconv.FormatInt(taskID, 10)), nil
}
