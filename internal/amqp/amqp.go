package amqp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmehdipour/campaign-gateway/internal/queue"
	"github.com/streadway/amqp"
)

const headerCampaignID = "campaign_id"

type Config struct {
	URL      string
	Queue    string
	Prefetch int
}

func dial(c Config) (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.Dial(c.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("amqp channel: %w", err)
	}
	if _, err := ch.QueueDeclare(
		c.Queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, nil, fmt.Errorf("declare queue %s: %w", c.Queue, err)
	}
	return conn, ch, nil
}

// Consumer reads the durable dispatch queue with manual acks. Unacked
// deliveries return to the queue when the channel closes.
type Consumer struct {
	conn *amqp.Connection
	ch   *amqp.Channel
	msgs <-chan amqp.Delivery
}

var _ queue.Consumer = (*Consumer)(nil)

func NewConsumer(c Config) (*Consumer, error) {
	conn, ch, err := dial(c)
	if err != nil {
		return nil, err
	}

	prefetch := c.Prefetch
	if prefetch <= 0 {
		prefetch = 16
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp qos: %w", err)
	}

	msgs, err := ch.Consume(
		c.Queue,
		"",
		false, // autoAck = false, acked after the run finishes
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp consume: %w", err)
	}

	return &Consumer{conn: conn, ch: ch, msgs: msgs}, nil
}

func (c *Consumer) Fetch(ctx context.Context) (queue.Delivery, error) {
	select {
	case <-ctx.Done():
		return queue.Delivery{}, ctx.Err()
	case d, ok := <-c.msgs:
		if !ok {
			return queue.Delivery{}, queue.ErrClosed
		}
		key, _ := d.Headers[headerCampaignID].(string)
		ack := func(context.Context) error { return d.Ack(false) }
		nack := func(context.Context) error { return d.Nack(false, true) }
		return queue.NewDelivery(key, key, d.Body, ack, nack), nil
	}
}

func (c *Consumer) Close() error {
	_ = c.ch.Close()
	return c.conn.Close()
}

// publisher is the part of *amqp.Channel the producer drives.
type publisher interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Producer publishes persistent messages with publisher confirms, so
// Produce returns only once the broker has taken responsibility. Each
// confirm is matched to its publish by delivery tag.
type Producer struct {
	mu    sync.Mutex
	conn  *amqp.Connection
	ch    publisher
	queue string
	seq   uint64 // delivery tag of the last successful publish

	waitMu  sync.Mutex
	waiters map[uint64]chan bool
	closed  bool
}

var _ queue.Producer = (*Producer)(nil)

var ErrNotConfirmed = errors.New("amqp: publish not confirmed")

func NewProducer(c Config) (*Producer, error) {
	conn, ch, err := dial(c)
	if err != nil {
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp confirm mode: %w", err)
	}

	p := newProducer(ch, ch.NotifyPublish(make(chan amqp.Confirmation, 16)), c.Queue)
	p.conn = conn
	return p, nil
}

func newProducer(ch publisher, confirms <-chan amqp.Confirmation, queueName string) *Producer {
	p := &Producer{ch: ch, queue: queueName, waiters: make(map[uint64]chan bool)}
	go p.dispatchConfirms(confirms)
	return p
}

// dispatchConfirms hands each confirm to the Produce call waiting on its
// tag. Confirms nobody waits for anymore are dropped so the channel's
// confirm listener never blocks.
func (p *Producer) dispatchConfirms(confirms <-chan amqp.Confirmation) {
	for conf := range confirms {
		p.waitMu.Lock()
		w, ok := p.waiters[conf.DeliveryTag]
		delete(p.waiters, conf.DeliveryTag)
		p.waitMu.Unlock()
		if ok {
			w <- conf.Ack
		}
	}

	p.waitMu.Lock()
	defer p.waitMu.Unlock()
	p.closed = true
	for tag, w := range p.waiters {
		close(w)
		delete(p.waiters, tag)
	}
}

func (p *Producer) wait(tag uint64) (chan bool, bool) {
	p.waitMu.Lock()
	defer p.waitMu.Unlock()
	if p.closed {
		return nil, false
	}
	w := make(chan bool, 1)
	p.waiters[tag] = w
	return w, true
}

func (p *Producer) forget(tag uint64) {
	p.waitMu.Lock()
	delete(p.waiters, tag)
	p.waitMu.Unlock()
}

func (p *Producer) Produce(ctx context.Context, key string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	tag := p.seq + 1
	w, ok := p.wait(tag)
	if !ok {
		return ErrNotConfirmed
	}

	err := p.ch.Publish(
		"",      // default exchange
		p.queue, // routing key
		false,
		false,
		amqp.Publishing{
			Headers:      amqp.Table{headerCampaignID: key},
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
	if err != nil {
		p.forget(tag)
		return fmt.Errorf("amqp publish: %w", err)
	}
	p.seq = tag

	select {
	case <-ctx.Done():
		p.forget(tag)
		return ctx.Err()
	case ack, ok := <-w:
		if !ok || !ack {
			return ErrNotConfirmed
		}
		return nil
	}
}

func (p *Producer) Close() error {
	err := p.ch.Close()
	if p.conn != nil {
		return p.conn.Close()
	}
	return err
}
