package cron

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	pkgredis "github.com/angelmondragon/newsletter-backend/pkg/redis"
)

func newRedisLock(t *testing.T, mr *miniredis.Miniredis) *RedisLock {
	t.Helper()
	raw := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = raw.Close() })
	client := pkgredis.NewFromClient(raw)
	lock, err := NewRedisLock(client, client.LockKey("cron"), time.Minute)
	if err != nil {
		t.Fatalf("new lock: %v", err)
	}
	return lock
}

func TestRedisLockIsExclusive(t *testing.T) {
	mr := miniredis.RunT(t)
	first := newRedisLock(t, mr)
	second := newRedisLock(t, mr)
	ctx := context.Background()

	ok, err := first.Acquire(ctx)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	ok, err = second.Acquire(ctx)
	if err != nil || ok {
		t.Fatalf("second acquire should fail: ok=%v err=%v", ok, err)
	}
	if ttl := mr.TTL("nl:lock:cron"); ttl != time.Minute {
		t.Fatalf("expected 1m ttl, got %s", ttl)
	}

	if err := first.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	ok, err = second.Acquire(ctx)
	if err != nil || !ok {
		t.Fatalf("acquire after release: ok=%v err=%v", ok, err)
	}
}

func TestRedisLockReleaseKeepsSuccessorLock(t *testing.T) {
	mr := miniredis.RunT(t)
	first := newRedisLock(t, mr)
	second := newRedisLock(t, mr)
	ctx := context.Background()

	if ok, _ := first.Acquire(ctx); !ok {
		t.Fatal("first acquire failed")
	}
	mr.FastForward(2 * time.Minute)
	if ok, _ := second.Acquire(ctx); !ok {
		t.Fatal("second acquire after expiry failed")
	}

	if err := first.Release(ctx); err != nil {
		t.Fatalf("stale release: %v", err)
	}
	if !mr.Exists("nl:lock:cron") {
		t.Fatal("stale holder released the successor's lock")
	}
}

func TestNewRedisLockValidates(t *testing.T) {
	if _, err := NewRedisLock(nil, "k", time.Minute); err == nil {
		t.Fatal("expected nil client error")
	}
}
