package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
)

func newClient(t *testing.T) *redis.Client {
	s := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: s.Addr()})
}

func TestRedisLocker_Exclusive(t *testing.T) {
	client := newClient(t)
	ctx := context.Background()
	a := NewRedis(client, "", time.Minute)
	b := NewRedis(client, "", time.Minute)

	unlock, err := a.Lock(ctx)
	require.NoError(t, err)

	_, err = b.Lock(ctx)
	require.Error(t, err, "second holder must not acquire a held lock")

	unlock()
	unlockB, err := b.Lock(ctx)
	require.NoError(t, err)
	unlockB()
}

func TestRedisLocker_NamesAreIndependent(t *testing.T) {
	client := newClient(t)
	ctx := context.Background()

	unlockA, err := NewRedis(client, "a", 0).Lock(ctx)
	require.NoError(t, err)
	defer unlockA()

	unlockB, err := NewRedis(client, "b", 0).Lock(ctx)
	require.NoError(t, err)
	unlockB()
}

func TestNoop(t *testing.T) {
	unlock, err := Noop{}.Lock(context.Background())
	require.NoError(t, err)
	unlock()
}
