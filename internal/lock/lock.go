// Package lock guards the dispatch cycle across processes.
//
// A single broadcastd instance needs no lock: the store transactions and the
// scheduler's overlap skip are enough. Several instances sharing one database
// use the Redis locker so only one of them runs a cycle at a time.
package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotHeld is returned by a release whose lease already expired or was taken over.
var ErrNotHeld = errors.New("lock: not held")

// Release gives the lock back.
type Release func(ctx context.Context) error

// Locker hands out at most one lease at a time. ok=false means someone else
// holds it; that is not an error.
type Locker interface {
	Acquire(ctx context.Context) (release Release, ok bool, err error)
}

// Nop always grants the lock.
type Nop struct{}

func (Nop) Acquire(context.Context) (Release, bool, error) {
	return func(context.Context) error { return nil }, true, nil
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Key      string
	// TTL bounds how long a crashed holder blocks others. Default 5m.
	TTL time.Duration
}

// Redis is a single-key lease: SET NX PX with a random token, released by a
// compare-and-delete script.
type Redis struct {
	rdb *redis.Client
	key string
	ttl time.Duration
}

var _ Locker = (*Redis)(nil)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

func NewRedis(cfg RedisConfig) (*Redis, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, errors.New("redis addr is empty")
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	return NewRedisClient(rdb, cfg.Key, cfg.TTL), nil
}

// NewRedisClient wraps an existing client.
func NewRedisClient(rdb *redis.Client, key string, ttl time.Duration) *Redis {
	if strings.TrimSpace(key) == "" {
		key = "broadcastd:dispatch"
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Redis{rdb: rdb, key: key, ttl: ttl}
}

func (r *Redis) Acquire(ctx context.Context) (Release, bool, error) {
	token, err := newToken()
	if err != nil {
		return nil, false, err
	}
	ok, err := r.rdb.SetNX(ctx, r.key, token, r.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis setnx %s: %w", r.key, err)
	}
	if !ok {
		return nil, false, nil
	}
	return func(ctx context.Context) error {
		n, err := releaseScript.Run(ctx, r.rdb, []string{r.key}, token).Int()
		if err != nil {
			return fmt.Errorf("redis release %s: %w", r.key, err)
		}
		if n == 0 {
			return ErrNotHeld
		}
		return nil
	}, true, nil
}

// Ping checks connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

func (r *Redis) Close() error { return r.rdb.Close() }

func newToken() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}
