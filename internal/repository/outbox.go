package repository

import (
	"context"
	"time"

	"github.com/jmehdipour/campaign-gateway/internal/model"
	"github.com/jmoiron/sqlx"
)

// OutboxRepository defines persistence methods for the outbox table.
// Methods taking a tx use it when non-nil and otherwise run in their own
// transaction.
type OutboxRepository interface {
	// Insert writes one event that becomes relayable at availableAt.
	Insert(ctx context.Context, tx *sqlx.Tx, aggregate, aggregateID, topic string, payload []byte, availableAt time.Time) error
	// CancelPending removes not-yet-published events of an aggregate that are still in the future.
	CancelPending(ctx context.Context, tx *sqlx.Tx, aggregate, aggregateID string) (int64, error)
	// ClaimDue locks up to limit due, unpublished rows (SKIP LOCKED) inside tx.
	ClaimDue(ctx context.Context, tx *sqlx.Tx, limit int) ([]model.OutboxEvent, error)
	MarkPublished(ctx context.Context, tx *sqlx.Tx, ids []int64) error
	BumpAttempts(ctx context.Context, tx *sqlx.Tx, ids []int64) error
}

// OutboxRepositoryImpl is a sqlx-backed implementation.
type OutboxRepositoryImpl struct {
	db *sqlx.DB
}

// NewOutboxRepository constructs an OutboxRepositoryImpl.
func NewOutboxRepository(db *sqlx.DB) *OutboxRepositoryImpl {
	return &OutboxRepositoryImpl{db: db}
}

var _ OutboxRepository = (*OutboxRepositoryImpl)(nil)

// withTx runs fn in the provided tx, or starts a new transaction when tx is nil.
func (r *OutboxRepositoryImpl) withTx(ctx context.Context, tx *sqlx.Tx, fn func(*sqlx.Tx) error) error {
	if tx != nil {
		return fn(tx)
	}

	t, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}

	defer func() { _ = t.Rollback() }()
	if err := fn(t); err != nil {
		return err
	}

	return t.Commit()
}

func (r *OutboxRepositoryImpl) Insert(ctx context.Context, tx *sqlx.Tx, aggregate, aggregateID, topic string, payload []byte, availableAt time.Time) error {
	const q = `
		INSERT INTO outbox (aggregate, aggregate_id, topic, payload, attempts, available_at, created_at)
		VALUES (?, ?, ?, ?, 0, ?, NOW(6))
	`
	return r.withTx(ctx, tx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, q, aggregate, aggregateID, topic, payload, availableAt.UTC())
		return err
	})
}

func (r *OutboxRepositoryImpl) CancelPending(ctx context.Context, tx *sqlx.Tx, aggregate, aggregateID string) (int64, error) {
	const q = `
		DELETE FROM outbox
		 WHERE aggregate = ? AND aggregate_id = ?
		   AND published_at IS NULL AND available_at > NOW(6)
	`
	var n int64
	err := r.withTx(ctx, tx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, q, aggregate, aggregateID)
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return n, err
}

func (r *OutboxRepositoryImpl) ClaimDue(ctx context.Context, tx *sqlx.Tx, limit int) ([]model.OutboxEvent, error) {
	const q = `
		SELECT id, aggregate, aggregate_id, topic, payload, attempts, available_at, published_at, created_at
		  FROM outbox
		 WHERE published_at IS NULL AND available_at <= NOW(6)
		 ORDER BY id
		 LIMIT ?
		 FOR UPDATE SKIP LOCKED
	`
	var rows []model.OutboxEvent
	if err := tx.SelectContext(ctx, &rows, q, limit); err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *OutboxRepositoryImpl) MarkPublished(ctx context.Context, tx *sqlx.Tx, ids []int64) error {
	return r.updateIDs(ctx, tx, `UPDATE outbox SET published_at = NOW(6) WHERE id IN (?)`, ids)
}

func (r *OutboxRepositoryImpl) BumpAttempts(ctx context.Context, tx *sqlx.Tx, ids []int64) error {
	return r.updateIDs(ctx, tx, `UPDATE outbox SET attempts = attempts + 1 WHERE id IN (?)`, ids)
}

func (r *OutboxRepositoryImpl) updateIDs(ctx context.Context, tx *sqlx.Tx, base string, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(base, ids)
	if err != nil {
		return err
	}
	query = r.db.Rebind(query)

	return r.withTx(ctx, tx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, query, args...)
		return err
	})
}
