package kafka

import (
	"context"
	"time"

	"github.com/jmehdipour/campaign-gateway/internal/queue"
	"github.com/segmentio/kafka-go"
)

// Producer writes dispatch messages keyed by campaign id. The hash balancer
// keeps one campaign on one partition.
type Producer struct {
	w *kafka.Writer
}

var _ queue.Producer = (*Producer)(nil)

func NewProducerFromConfig(c Config) *Producer {
	wt := c.WriteTimeout
	if wt <= 0 {
		wt = 10 * time.Second
	}

	w := &kafka.Writer{
		Addr:                   kafka.TCP(c.Brokers...),
		Topic:                  c.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		WriteTimeout:           wt,
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
	return &Producer{w: w}
}

func (p *Producer) Produce(ctx context.Context, key string, body []byte) error {
	return p.w.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: body})
}

func (p *Producer) Close() error { return p.w.Close() }
