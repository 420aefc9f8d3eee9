package queue

import (
	"context"
	"time"

	"github.com/jmehdipour/campaign-gateway/internal/metrics"
	"github.com/jmehdipour/campaign-gateway/internal/model"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// OutboxStore is the subset of repository.OutboxRepository the relay needs.
type OutboxStore interface {
	ClaimDue(ctx context.Context, tx *sqlx.Tx, limit int) ([]model.OutboxEvent, error)
	MarkPublished(ctx context.Context, tx *sqlx.Tx, ids []int64) error
	BumpAttempts(ctx context.Context, tx *sqlx.Tx, ids []int64) error
}

// Relay moves due outbox rows onto the broker. Rows are claimed with
// FOR UPDATE SKIP LOCKED so several relays can run side by side; a row is
// marked published only after the broker accepted it, so a crash in between
// republishes it (at-least-once).
type Relay struct {
	DB       *sqlx.DB
	Outbox   OutboxStore
	Producer Producer
	Log      *zap.Logger

	BatchSize    int
	PollInterval time.Duration
}

func NewRelay(db *sqlx.DB, outbox OutboxStore, producer Producer, log *zap.Logger) *Relay {
	return &Relay{
		DB:           db,
		Outbox:       outbox,
		Producer:     producer,
		Log:          log.Named("relay"),
		BatchSize:    100,
		PollInterval: 500 * time.Millisecond,
	}
}

// Run polls until ctx is cancelled. A full batch is followed immediately by
// the next one.
func (r *Relay) Run(ctx context.Context) error {
	if r.BatchSize <= 0 {
		r.BatchSize = 100
	}
	if r.PollInterval <= 0 {
		r.PollInterval = 500 * time.Millisecond
	}

	tick := time.NewTicker(r.PollInterval)
	defer tick.Stop()

	for {
		n, err := r.RelayOnce(ctx)
		if err != nil && ctx.Err() == nil {
			r.Log.Warn("relay batch failed", zap.Error(err))
		}
		if n >= r.BatchSize {
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
		}
	}
}

// RelayOnce claims one batch and returns how many rows were published.
func (r *Relay) RelayOnce(ctx context.Context) (int, error) {
	tx, err := r.DB.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := r.Outbox.ClaimDue(ctx, tx, r.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	var published, failed []int64
	for _, ev := range rows {
		if err := r.Producer.Produce(ctx, ev.AggregateID, ev.Payload); err != nil {
			r.Log.Warn("produce failed",
				zap.Int64("outbox_id", ev.ID),
				zap.String("campaign_id", ev.AggregateID),
				zap.Error(err))
			metrics.OutboxRelayedTotal.WithLabelValues("error").Inc()
			failed = append(failed, ev.ID)
			// keep per-key order: later rows wait for the next batch
			break
		}
		metrics.OutboxRelayedTotal.WithLabelValues("ok").Inc()
		published = append(published, ev.ID)
	}

	if err := r.Outbox.MarkPublished(ctx, tx, published); err != nil {
		return 0, err
	}
	if err := r.Outbox.BumpAttempts(ctx, tx, failed); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}

	if len(published) > 0 {
		r.Log.Debug("relayed", zap.Int("count", len(published)))
	}
	return len(published), nil
}
