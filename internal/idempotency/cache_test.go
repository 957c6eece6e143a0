package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/newsletter-backend/pkg/logger"
	pkgredis "github.com/angelmondragon/newsletter-backend/pkg/redis"
)

func newTestCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	raw := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = raw.Close() })
	return NewRedisCache(pkgredis.NewFromClient(raw), time.Hour, logger.Nop()), mr
}

func TestRedisCacheRoundTrip(t *testing.T) {
	cache, mr := newTestCache(t)
	ctx := context.Background()
	actor := uuid.New()

	_, ok := cache.Get(ctx, actor, "key")
	assert.False(t, ok)

	cache.Put(ctx, actor, "key", acceptedResponse())

	got, ok := cache.Get(ctx, actor, "key")
	require.True(t, ok)
	assert.Equal(t, acceptedResponse(), *got)

	keys := mr.Keys()
	require.Len(t, keys, 1)
	assert.Equal(t, "nl:idempotency:newsletters:"+actor.String()+":key", keys[0])
	assert.Equal(t, time.Hour, mr.TTL(keys[0]))
}

func TestRedisCacheIgnoresCorruptEntries(t *testing.T) {
	cache, mr := newTestCache(t)
	actor := uuid.New()
	require.NoError(t, mr.Set("nl:idempotency:newsletters:"+actor.String()+":key", "not-json"))

	_, ok := cache.Get(context.Background(), actor, "key")
	assert.False(t, ok)
}

func TestRedisCacheSwallowsOutage(t *testing.T) {
	cache, mr := newTestCache(t)
	mr.Close()

	cache.Put(context.Background(), uuid.New(), "key", acceptedResponse())
	_, ok := cache.Get(context.Background(), uuid.New(), "key")
	assert.False(t, ok)
}
