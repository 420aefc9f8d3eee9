package queue

import (
	"context"
	"errors"
)

// ErrClosed is returned by Fetch after the consumer was closed.
var ErrClosed = errors.New("queue: consumer closed")

// Delivery is one message handed to the dispatch worker. It must be Acked
// after the run it triggers is finished; a delivery that is never acked (or
// is Nacked) is redelivered by the broker.
type Delivery struct {
	Key   string // campaign id
	Shard string // deliveries with the same shard must be processed in order
	Body  []byte

	ack  func(ctx context.Context) error
	nack func(ctx context.Context) error
}

// NewDelivery is used by broker adapters.
func NewDelivery(key, shard string, body []byte, ack, nack func(ctx context.Context) error) Delivery {
	return Delivery{Key: key, Shard: shard, Body: body, ack: ack, nack: nack}
}

func (d Delivery) Ack(ctx context.Context) error {
	if d.ack == nil {
		return nil
	}
	return d.ack(ctx)
}

// Nack asks for redelivery. Brokers without explicit negative acks (Kafka)
// simply leave the offset uncommitted.
func (d Delivery) Nack(ctx context.Context) error {
	if d.nack == nil {
		return nil
	}
	return d.nack(ctx)
}

// Consumer is the subscribe side of the dispatch queue.
type Consumer interface {
	Fetch(ctx context.Context) (Delivery, error)
	Close() error
}

// Producer is the broker side the outbox relay writes to.
type Producer interface {
	Produce(ctx context.Context, key string, body []byte) error
	Close() error
}
