package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jmehdipour/campaign-gateway/internal/metrics"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisBus carries events from worker processes to the serve process over a
// Redis Pub/Sub channel. Emit only enqueues; Run publishes.
type RedisBus struct {
	rdb     *redis.Client
	channel string
	log     *zap.Logger
	queue   chan []byte
	timeout time.Duration
}

var _ Emitter = (*RedisBus)(nil)

func NewRedisBus(rdb *redis.Client, channel string, log *zap.Logger) *RedisBus {
	return &RedisBus{
		rdb:     rdb,
		channel: channel,
		log:     log.Named("redis-bus"),
		queue:   make(chan []byte, 1024),
		timeout: 2 * time.Second,
	}
}

func (b *RedisBus) Emit(_ context.Context, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		b.log.Warn("encode event", zap.String("event", ev.Name), zap.Error(err))
		return
	}
	select {
	case b.queue <- payload:
	default:
		metrics.EventsDroppedTotal.WithLabelValues("redis").Inc()
	}
}

// Run publishes queued events until ctx is cancelled, then drains what is
// already queued.
func (b *RedisBus) Run(ctx context.Context) {
	for {
		select {
		case p := <-b.queue:
			b.publish(p)
		case <-ctx.Done():
			for {
				select {
				case p := <-b.queue:
					b.publish(p)
				default:
					return
				}
			}
		}
	}
}

func (b *RedisBus) publish(p []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	if err := b.rdb.Publish(ctx, b.channel, p).Err(); err != nil {
		metrics.EventsDroppedTotal.WithLabelValues("redis").Inc()
		b.log.Warn("publish failed", zap.Error(err))
	}
}

// Relay subscribes to the bus channel and re-emits every event locally,
// typically into the Hub. Late subscribers miss earlier events.
type Relay struct {
	rdb     *redis.Client
	channel string
	target  Emitter
	log     *zap.Logger
}

func NewRelay(rdb *redis.Client, channel string, target Emitter, log *zap.Logger) *Relay {
	return &Relay{rdb: rdb, channel: channel, target: target, log: log.Named("event-relay")}
}

// Run blocks until ctx is cancelled. ready, if non-nil, is closed once the
// subscription is active.
func (r *Relay) Run(ctx context.Context, ready chan<- struct{}) error {
	sub := r.rdb.Subscribe(ctx, r.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	if ready != nil {
		close(ready)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			var ev Event
			if err := json.Unmarshal([]byte(m.Payload), &ev); err != nil {
				r.log.Warn("bad event payload", zap.Error(err))
				continue
			}
			r.target.Emit(ctx, ev)
		}
	}
}
