package repository

import (
	"context"
	"time"

	"github.com/jmehdipour/campaign-gateway/internal/model"
	"github.com/jmoiron/sqlx"
)

// HistoryRepository stores campaign.status events in ClickHouse.
type HistoryRepository interface {
	InsertBatch(ctx context.Context, rows []model.StatusEvent) error
	ListByCampaign(ctx context.Context, campaignID string, since time.Time, limit, offset int) ([]model.StatusEvent, error)
}

type chHistoryRepository struct {
	ch *sqlx.DB // ClickHouse connection
}

func NewHistoryRepository(ch *sqlx.DB) HistoryRepository {
	return &chHistoryRepository{ch: ch}
}

// InsertBatch uses one prepared batch; clickhouse-go sends it as a single block on Commit.
func (r *chHistoryRepository) InsertBatch(ctx context.Context, rows []model.StatusEvent) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := r.ch.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO cgw.campaign_status_events
		    (campaign_id, status, sent_count, failed_count, delivered_count, open_count, at)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, e := range rows {
		if _, err := stmt.ExecContext(ctx,
			e.CampaignID, e.Status, e.SentCount, e.FailedCount, e.DeliveredCount, e.OpenCount, e.At,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *chHistoryRepository) ListByCampaign(ctx context.Context, campaignID string, since time.Time, limit, offset int) ([]model.StatusEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	q := `
		SELECT campaign_id, status, sent_count, failed_count, delivered_count, open_count, at
		FROM cgw.campaign_status_events
		WHERE campaign_id = ?
	`
	args := []any{campaignID}

	if !since.IsZero() {
		q += " AND at >= ?"
		args = append(args, since)
	}

	q += " ORDER BY at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	var rows []model.StatusEvent
	if err := r.ch.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	return rows, nil
}
