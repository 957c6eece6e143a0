package idempotency

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/newsletter-backend/pkg/logger"
	pkgredis "github.com/angelmondragon/newsletter-backend/pkg/redis"
)

const cacheScope = "newsletters"

// ResponseCache holds finalized responses. Finalized responses never change,
// so a hit is always safe to replay; misses fall through to the store.
type ResponseCache interface {
	Get(ctx context.Context, actorID uuid.UUID, key string) (*Response, bool)
	Put(ctx context.Context, actorID uuid.UUID, key string, resp Response)
}

type cachedResponse struct {
	Status  int               `json:"status"`
	Body    string            `json:"body"`
	Headers map[string]string `json:"headers,omitempty"`
}

// RedisCache is a ResponseCache backed by redis. Errors are logged, never returned.
type RedisCache struct {
	store pkgredis.IdempotencyStore
	ttl   time.Duration
	logg  *logger.Logger
}

func NewRedisCache(store pkgredis.IdempotencyStore, ttl time.Duration, logg *logger.Logger) *RedisCache {
	return &RedisCache{store: store, ttl: ttl, logg: logg}
}

func (c *RedisCache) Get(ctx context.Context, actorID uuid.UUID, key string) (*Response, bool) {
	raw, err := c.store.Get(ctx, c.key(actorID, key))
	if err != nil {
		if !pkgredis.IsNil(err) {
			c.warn(ctx, "idempotency cache read failed", err)
		}
		return nil, false
	}

	var cached cachedResponse
	if err := json.Unmarshal([]byte(raw), &cached); err != nil {
		c.warn(ctx, "idempotency cache entry undecodable", err)
		return nil, false
	}
	body, err := base64.StdEncoding.DecodeString(cached.Body)
	if err != nil {
		c.warn(ctx, "idempotency cache body undecodable", err)
		return nil, false
	}
	headers := cached.Headers
	if headers == nil {
		headers = map[string]string{}
	}
	return &Response{Status: cached.Status, Headers: headers, Body: body}, true
}

func (c *RedisCache) Put(ctx context.Context, actorID uuid.UUID, key string, resp Response) {
	payload, err := json.Marshal(cachedResponse{
		Status:  resp.Status,
		Body:    base64.StdEncoding.EncodeToString(resp.Body),
		Headers: resp.Headers,
	})
	if err != nil {
		c.warn(ctx, "idempotency cache encode failed", err)
		return
	}
	if err := c.store.Set(ctx, c.key(actorID, key), string(payload), c.ttl); err != nil {
		c.warn(ctx, "idempotency cache write failed", err)
	}
}

func (c *RedisCache) key(actorID uuid.UUID, key string) string {
	return c.store.IdempotencyKey(cacheScope, fmt.Sprintf("%s:%s", actorID, key))
}

func (c *RedisCache) warn(ctx context.Context, msg string, err error) {
	if c.logg == nil {
		return
	}
	c.logg.WarnErr(ctx, msg, err)
}
