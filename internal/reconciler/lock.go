package reconciler

import (
	"context"
	"errors"
	"time"

	"github.com/bsm/redislock"
)

// PassLocker keeps replicas from running the same pass at the same time.
// Acquire returns ok=false when another holder owns the pass.
type PassLocker interface {
	Acquire(ctx context.Context, pass string) (release func(), ok bool, err error)
}

// NoopLocker always grants the lock. It is used when no Redis is configured;
// the conditional transitions keep overlapping passes correct anyway.
type NoopLocker struct{}

func (NoopLocker) Acquire(ctx context.Context, pass string) (func(), bool, error) {
	return func() {}, true, nil
}

// RedisLocker guards passes with a Redis lock per pass name.
type RedisLocker struct {
	client *redislock.Client
	prefix string
	ttl    time.Duration
}

// NewRedisLocker creates a RedisLocker. Locks expire after ttl so a crashed
// replica cannot hold a pass forever.
func NewRedisLocker(client redislock.RedisClient, prefix string, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisLocker{
		client: redislock.New(client),
		prefix: prefix,
		ttl:    ttl,
	}
}

func (l *RedisLocker) Acquire(ctx context.Context, pass string) (func(), bool, error) {
	lock, err := l.client.Obtain(ctx, l.prefix+pass, l.ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return func() {
		_ = lock.Release(context.WithoutCancel(ctx))
	}, true, nil
}
