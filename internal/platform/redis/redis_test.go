package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newLocker(t *testing.T) (*Locker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewLocker(client, nil), mr
}

func TestLocker_SecondAcquireIsRefused(t *testing.T) {
	l, _ := newLocker(t)
	ctx := context.Background()

	release, ok, err := l.Acquire(ctx, "lock:billing-charge", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.Acquire(ctx, "lock:billing-charge", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	release()
	_, ok, err = l.Acquire(ctx, "lock:billing-charge", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestLocker_ExpiredLeaseIsNotReleasedByOldHolder(t *testing.T) {
	l, mr := newLocker(t)
	ctx := context.Background()

	release, ok, err := l.Acquire(ctx, "k", time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	mr.FastForward(2 * time.Second)

	_, ok, err = l.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	release()
	require.True(t, mr.Exists("k"))
}

func TestLocker_NilClientAlwaysGrants(t *testing.T) {
	release, ok, err := NewLocker(nil, nil).Acquire(context.Background(), "k", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	release()
}
