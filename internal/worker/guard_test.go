package worker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGuard(t *testing.T) (*miniredis.Miniredis, *RedisGuard) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	g := NewRedisGuard(rdb, 3*time.Second, time.Hour)
	g.pollInterval = 5 * time.Millisecond
	return mr, g
}

func TestLockIsExclusivePerCampaign(t *testing.T) {
	_, g := newTestGuard(t)
	ctx := context.Background()

	release, err := g.Lock(ctx, "c1")
	require.NoError(t, err)

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = g.Lock(short, "c1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	other, err := g.Lock(ctx, "c2")
	require.NoError(t, err)
	other()

	acquired := make(chan struct{})
	go func() {
		r, err := g.Lock(ctx, "c1")
		if err == nil {
			r()
		}
		close(acquired)
	}()

	release()
	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("lock was not handed over after release")
	}
}

func TestReleaseKeepsForeignLock(t *testing.T) {
	mr, g := newTestGuard(t)

	release, err := g.Lock(context.Background(), "c1")
	require.NoError(t, err)

	// our lease expired and someone else took the lock
	require.NoError(t, mr.Set(lockKey("c1"), "someone-else"))
	release()
	release()

	got, err := mr.Get(lockKey("c1"))
	require.NoError(t, err)
	assert.Equal(t, "someone-else", got)
}

func TestLockCarriesTTL(t *testing.T) {
	mr, g := newTestGuard(t)

	release, err := g.Lock(context.Background(), "c1")
	require.NoError(t, err)
	assert.Greater(t, mr.TTL(lockKey("c1")), time.Duration(0))

	release()
	assert.False(t, mr.Exists(lockKey("c1")))
}

func TestProcessedRuns(t *testing.T) {
	mr, g := newTestGuard(t)
	ctx := context.Background()

	seen, err := g.Seen(ctx, "r1")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, g.MarkProcessed(ctx, "r1"))
	seen, err = g.Seen(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, seen)
	assert.Equal(t, time.Hour, mr.TTL(runKey("r1")))

	mr.FastForward(2 * time.Hour)
	seen, err = g.Seen(ctx, "r1")
	require.NoError(t, err)
	assert.False(t, seen)
}
