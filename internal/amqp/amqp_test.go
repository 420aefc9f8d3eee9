package amqp

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jmehdipour/campaign-gateway/internal/queue"
	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// fakeChannel numbers publishes like a channel in confirm mode and emits
// the confirms scripted for each delivery tag.
type fakeChannel struct {
	mu        sync.Mutex
	tag       uint64
	published []amqp.Publishing
	script    map[uint64][]amqp.Confirmation
	confirms  chan amqp.Confirmation
	closeOnce sync.Once
}

func newFakeChannel(script map[uint64][]amqp.Confirmation) *fakeChannel {
	return &fakeChannel{script: script, confirms: make(chan amqp.Confirmation, 16)}
}

func (f *fakeChannel) Publish(_, _ string, _, _ bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tag++
	f.published = append(f.published, msg)
	for _, c := range f.script[f.tag] {
		f.confirms <- c
	}
	return nil
}

func (f *fakeChannel) Close() error {
	f.closeOnce.Do(func() { close(f.confirms) })
	return nil
}

func TestProduceIgnoresConfirmOfAbandonedPublish(t *testing.T) {
	defer goleak.VerifyNone(t)

	ch := newFakeChannel(map[uint64][]amqp.Confirmation{
		// tag 1 is confirmed only after its caller gave up, right before tag 2 is nacked
		2: {{DeliveryTag: 1, Ack: true}, {DeliveryTag: 2, Ack: false}},
		3: {{DeliveryTag: 3, Ack: true}},
	})
	p := newProducer(ch, ch.confirms, "campaign.dispatch")
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Produce(ctx, "c1", []byte(`{}`)), context.DeadlineExceeded)

	assert.ErrorIs(t, p.Produce(context.Background(), "c2", []byte(`{}`)), ErrNotConfirmed)
	assert.NoError(t, p.Produce(context.Background(), "c3", []byte(`{}`)))

	require.Len(t, ch.published, 3)
	assert.Equal(t, "c2", ch.published[1].Headers[headerCampaignID])
	assert.Equal(t, amqp.Persistent, ch.published[2].DeliveryMode)
}

func TestProduceFailsWhenChannelCloses(t *testing.T) {
	defer goleak.VerifyNone(t)

	ch := newFakeChannel(nil)
	p := newProducer(ch, ch.confirms, "campaign.dispatch")

	errc := make(chan error, 1)
	go func() { errc <- p.Produce(context.Background(), "c1", []byte(`{}`)) }()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, p.Close())

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrNotConfirmed)
	case <-time.After(time.Second):
		t.Fatal("produce did not return after close")
	}
	assert.ErrorIs(t, p.Produce(context.Background(), "c2", nil), ErrNotConfirmed)
}

type acker struct {
	mu      sync.Mutex
	acked   []uint64
	nacked  []uint64
	requeue []bool
}

func (a *acker) Ack(tag uint64, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked = append(a.acked, tag)
	return nil
}

func (a *acker) Nack(tag uint64, _ bool, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacked = append(a.nacked, tag)
	a.requeue = append(a.requeue, requeue)
	return nil
}

func (a *acker) Reject(tag uint64, requeue bool) error { return a.Nack(tag, false, requeue) }

func TestConsumerAckAndNackRequeue(t *testing.T) {
	ack := &acker{}
	msgs := make(chan amqp.Delivery, 2)
	msgs <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Headers: amqp.Table{headerCampaignID: "c1"}, Body: []byte("a")}
	msgs <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 2, Headers: amqp.Table{headerCampaignID: "c2"}, Body: []byte("b")}
	close(msgs)
	c := &Consumer{msgs: msgs}
	ctx := context.Background()

	d, err := c.Fetch(ctx)
	require.NoError(t, err)
	assert.Equal(t, "c1", d.Key)
	assert.Equal(t, "c1", d.Shard)
	require.NoError(t, d.Ack(ctx))

	d, err = c.Fetch(ctx)
	require.NoError(t, err)
	require.NoError(t, d.Nack(ctx))

	assert.Equal(t, []uint64{1}, ack.acked)
	assert.Equal(t, []uint64{2}, ack.nacked)
	assert.Equal(t, []bool{true}, ack.requeue)

	_, err = c.Fetch(ctx)
	assert.ErrorIs(t, err, queue.ErrClosed)
}

func TestConsumerFetchHonoursContext(t *testing.T) {
	c := &Consumer{msgs: make(chan amqp.Delivery)}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Fetch(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
