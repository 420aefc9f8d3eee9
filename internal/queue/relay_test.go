package queue

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmehdipour/campaign-gateway/internal/model"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeOutbox struct {
	due       []model.OutboxEvent
	published []int64
	bumped    []int64
}

func (f *fakeOutbox) ClaimDue(_ context.Context, _ *sqlx.Tx, limit int) ([]model.OutboxEvent, error) {
	if len(f.due) > limit {
		return f.due[:limit], nil
	}
	return f.due, nil
}

func (f *fakeOutbox) MarkPublished(_ context.Context, _ *sqlx.Tx, ids []int64) error {
	f.published = append(f.published, ids...)
	return nil
}

func (f *fakeOutbox) BumpAttempts(_ context.Context, _ *sqlx.Tx, ids []int64) error {
	f.bumped = append(f.bumped, ids...)
	return nil
}

type fakeProducer struct {
	failOn map[string]bool
	keys   []string
	bodies []string
}

func (p *fakeProducer) Produce(_ context.Context, key string, body []byte) error {
	if p.failOn[string(body)] {
		return errors.New("broker unavailable")
	}
	p.keys = append(p.keys, key)
	p.bodies = append(p.bodies, string(body))
	return nil
}

func (p *fakeProducer) Close() error { return nil }

func newRelay(t *testing.T, ob *fakeOutbox, pr *fakeProducer) (*Relay, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewRelay(sqlx.NewDb(db, "mysql"), ob, pr, zap.NewNop()), mock
}

func outboxRows(keys ...string) []model.OutboxEvent {
	out := make([]model.OutboxEvent, len(keys))
	for i, k := range keys {
		out[i] = model.OutboxEvent{ID: int64(i + 1), Aggregate: "campaign", AggregateID: k, Payload: []byte(k + "-" + string(rune('a'+i)))}
	}
	return out
}

func TestRelayOncePublishesInOrder(t *testing.T) {
	ob := &fakeOutbox{due: outboxRows("c1", "c2", "c1")}
	pr := &fakeProducer{}
	r, mock := newRelay(t, ob, pr)

	mock.ExpectBegin()
	mock.ExpectCommit()

	n, err := r.RelayOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"c1", "c2", "c1"}, pr.keys)
	assert.Equal(t, []int64{1, 2, 3}, ob.published)
	assert.Empty(t, ob.bumped)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRelayOnceStopsAtFirstFailure(t *testing.T) {
	ob := &fakeOutbox{due: outboxRows("c1", "c2", "c3")}
	pr := &fakeProducer{failOn: map[string]bool{"c2-b": true}}
	r, mock := newRelay(t, ob, pr)

	mock.ExpectBegin()
	mock.ExpectCommit()

	n, err := r.RelayOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"c1"}, pr.keys)
	assert.Equal(t, []int64{1}, ob.published)
	assert.Equal(t, []int64{2}, ob.bumped)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRelayOnceWithNothingDue(t *testing.T) {
	r, mock := newRelay(t, &fakeOutbox{}, &fakeProducer{})

	mock.ExpectBegin()
	mock.ExpectRollback()

	n, err := r.RelayOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRelayOnceRespectsBatchSize(t *testing.T) {
	ob := &fakeOutbox{due: outboxRows("c1", "c2", "c3")}
	pr := &fakeProducer{}
	r, mock := newRelay(t, ob, pr)
	r.BatchSize = 2

	mock.ExpectBegin()
	mock.ExpectCommit()

	n, err := r.RelayOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []int64{1, 2}, ob.published)
}

func TestDeliveryAckNack(t *testing.T) {
	var acked, nacked int
	d := NewDelivery("k", "s", nil,
		func(context.Context) error { acked++; return nil },
		func(context.Context) error { nacked++; return nil })
	require.NoError(t, d.Ack(context.Background()))
	require.NoError(t, d.Nack(context.Background()))
	assert.Equal(t, 1, acked)
	assert.Equal(t, 1, nacked)

	var bare Delivery
	assert.NoError(t, bare.Ack(context.Background()))
	assert.NoError(t, bare.Nack(context.Background()))
}
