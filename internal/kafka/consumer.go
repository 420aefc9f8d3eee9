package kafka

import (
	"context"
	"errors"
	"io"
	"strconv"
	"time"

	"github.com/jmehdipour/campaign-gateway/internal/queue"
	"github.com/segmentio/kafka-go"
)

type Config struct {
	Brokers        []string
	Topic          string
	GroupID        string
	MinBytes       int           // default 1B
	MaxBytes       int           // default 10MB
	CommitInterval time.Duration // 0 = commit synchronously on Ack
	MaxWait        time.Duration // default 500ms
	WriteTimeout   time.Duration // producer only, default 10s
}

// Consumer wraps a consumer-group kafka-go Reader. Each partition is owned
// by one group member, and the campaign id is the message key, so all runs
// of a campaign arrive in order at a single consumer.
type Consumer struct {
	r *kafka.Reader
}

var _ queue.Consumer = (*Consumer)(nil)

func NewConsumerFromConfig(c Config) *Consumer {
	min := c.MinBytes
	if min <= 0 {
		min = 1
	}
	max := c.MaxBytes
	if max <= 0 {
		max = 10 << 20 // 10MB
	}
	mw := c.MaxWait
	if mw <= 0 {
		mw = 500 * time.Millisecond
	}

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        c.Brokers,
		GroupID:        c.GroupID,
		Topic:          c.Topic,
		MinBytes:       min,
		MaxBytes:       max,
		CommitInterval: c.CommitInterval,
		MaxWait:        mw,
		StartOffset:    kafka.FirstOffset,
	})

	return &Consumer{r: r}
}

// Fetch does not commit; Ack commits the message offset. Deliveries are
// sharded by partition so offsets are committed in order.
func (c *Consumer) Fetch(ctx context.Context) (queue.Delivery, error) {
	m, err := c.r.FetchMessage(ctx)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return queue.Delivery{}, queue.ErrClosed
		}
		return queue.Delivery{}, err
	}

	ack := func(ctx context.Context) error { return c.r.CommitMessages(ctx, m) }
	return queue.NewDelivery(string(m.Key), strconv.Itoa(m.Partition), m.Value, ack, nil), nil
}

func (c *Consumer) Close() error { return c.r.Close() }
