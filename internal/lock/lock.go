// Package lock serializes scheduler cycles across processes.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v8"
)

// DefaultName is the mutex guarding scheduler cycles.
const DefaultName = "seqflow:scheduler-cycle"

// Locker acquires an exclusive lock. The returned function releases it.
type Locker interface {
	Lock(ctx context.Context) (func(), error)
}

// Noop is a Locker for a single scheduler process.
type Noop struct{}

func (Noop) Lock(context.Context) (func(), error) { return func() {}, nil }

// RedisLocker is a Locker backed by a redsync mutex.
type RedisLocker struct {
	rs     *redsync.Redsync
	name   string
	expiry time.Duration
}

var _ Locker = (*RedisLocker)(nil)

// NewRedis builds a RedisLocker. expiry bounds how long a crashed holder
// keeps the lock; zero keeps the redsync default.
func NewRedis(client *redis.Client, name string, expiry time.Duration) *RedisLocker {
	if name == "" {
		name = DefaultName
	}
	return &RedisLocker{
		rs:     redsync.New(goredis.NewPool(client)),
		name:   name,
		expiry: expiry,
	}
}

func (l *RedisLocker) Lock(ctx context.Context) (func(), error) {
	opts := []redsync.Option{redsync.WithTries(1)}
	if l.expiry > 0 {
		opts = append(opts, redsync.WithExpiry(l.expiry))
	}
	mutex := l.rs.NewMutex(l.name, opts...)
	if err := mutex.LockContext(ctx); err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", l.name, err)
	}
	return func() {
		// Context may already be cancelled at shutdown.
		_, _ = mutex.UnlockContext(context.Background())
	}, nil
}
