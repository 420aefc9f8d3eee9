package worker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Guard serializes runs per campaign and remembers finished run ids.
type Guard interface {
	// Seen reports whether runID already reached a terminal write.
	Seen(ctx context.Context, runID string) (bool, error)
	MarkProcessed(ctx context.Context, runID string) error
	// Lock blocks until the campaign's in-flight lock is held or ctx is done.
	Lock(ctx context.Context, campaignID string) (release func(), err error)
}

var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// RedisGuard keeps the in-flight lock as a SET NX PX key holding a random
// token, refreshed while held; release only deletes the key if the token
// still matches. Processed run ids are plain keys with a TTL.
type RedisGuard struct {
	rdb          *redis.Client
	lockTTL      time.Duration
	processedTTL time.Duration
	pollInterval time.Duration
}

var _ Guard = (*RedisGuard)(nil)

func NewRedisGuard(rdb *redis.Client, lockTTL, processedTTL time.Duration) *RedisGuard {
	if lockTTL <= 0 {
		lockTTL = 10 * time.Minute
	}
	if processedTTL <= 0 {
		processedTTL = 72 * time.Hour
	}
	return &RedisGuard{rdb: rdb, lockTTL: lockTTL, processedTTL: processedTTL, pollInterval: 250 * time.Millisecond}
}

func lockKey(campaignID string) string { return "cgw:lock:campaign:" + campaignID }
func runKey(runID string) string       { return "cgw:run:" + runID }

func (g *RedisGuard) Seen(ctx context.Context, runID string) (bool, error) {
	n, err := g.rdb.Exists(ctx, runKey(runID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (g *RedisGuard) MarkProcessed(ctx context.Context, runID string) error {
	return g.rdb.Set(ctx, runKey(runID), 1, g.processedTTL).Err()
}

func (g *RedisGuard) Lock(ctx context.Context, campaignID string) (func(), error) {
	key := lockKey(campaignID)
	token := uuid.NewString()

	for {
		ok, err := g.rdb.SetNX(ctx, key, token, g.lockTTL).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(g.pollInterval):
		}
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		g.keepAlive(key, token, stop)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			wg.Wait()
			rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = releaseScript.Run(rctx, g.rdb, []string{key}, token).Err()
		})
	}, nil
}

func (g *RedisGuard) keepAlive(key, token string, stop <-chan struct{}) {
	tick := time.NewTicker(g.lockTTL / 3)
	defer tick.Stop()
	for {
		select {
		case <-stop:
			return
		case <-tick.C:
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = refreshScript.Run(ctx, g.rdb, []string{key}, token, g.lockTTL.Milliseconds()).Err()
			cancel()
		}
	}
}
