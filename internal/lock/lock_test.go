package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *Redis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, NewRedisClient(rdb, "test:lock", time.Minute)
}

func TestRedisAcquireIsExclusive(t *testing.T) {
	t.Parallel()
	mr, l := newTestRedis(t)
	ctx := context.Background()

	release, ok, err := l.Acquire(ctx)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	if ttl := mr.TTL("test:lock"); ttl <= 0 {
		t.Fatalf("expected lease ttl, got %v", ttl)
	}

	if _, ok, err := l.Acquire(ctx); err != nil || ok {
		t.Fatalf("second acquire should be refused: ok=%v err=%v", ok, err)
	}

	if err := release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if mr.Exists("test:lock") {
		t.Fatal("key should be gone after release")
	}

	release2, ok, err := l.Acquire(ctx)
	if err != nil || !ok {
		t.Fatalf("acquire after release: ok=%v err=%v", ok, err)
	}
	_ = release2(ctx)
}

func TestRedisReleaseAfterExpiry(t *testing.T) {
	t.Parallel()
	mr, l := newTestRedis(t)
	ctx := context.Background()

	release, ok, err := l.Acquire(ctx)
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	mr.FastForward(2 * time.Minute)

	// Another holder takes over; the stale release must not delete its lease.
	other, ok, err := l.Acquire(ctx)
	if err != nil || !ok {
		t.Fatalf("takeover: ok=%v err=%v", ok, err)
	}
	if err := release(ctx); !errors.Is(err, ErrNotHeld) {
		t.Fatalf("stale release err = %v, want ErrNotHeld", err)
	}
	if !mr.Exists("test:lock") {
		t.Fatal("takeover lease was deleted by stale release")
	}
	if err := other(ctx); err != nil {
		t.Fatalf("release takeover: %v", err)
	}
}

func TestNopAlwaysGrants(t *testing.T) {
	t.Parallel()
	for i := 0; i < 2; i++ {
		release, ok, err := Nop{}.Acquire(context.Background())
		if err != nil || !ok {
			t.Fatalf("nop acquire: ok=%v err=%v", ok, err)
		}
		if err := release(context.Background()); err != nil {
			t.Fatalf("nop release: %v", err)
		}
	}
}

func TestNewRedisRequiresAddr(t *testing.T) {
	t.Parallel()
	if _, err := NewRedis(RedisConfig{}); err == nil {
		t.Fatal("expected error for empty addr")
	}
}
