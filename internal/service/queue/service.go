package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmehdipour/campaign-gateway/internal/model"
	"github.com/jmehdipour/campaign-gateway/internal/repository"
	"github.com/jmoiron/sqlx"
)

const aggregateCampaign = "campaign"

// Service publishes dispatch messages through the outbox table. The relay
// process moves rows onto the broker once available_at has passed.
type Service struct {
	db     *sqlx.DB
	outbox repository.OutboxRepository
	topic  string
	now    func() time.Time
}

// New constructs the queue service.
func New(db *sqlx.DB, outboxRepo repository.OutboxRepository, topic string) *Service {
	return &Service{db: db, outbox: outboxRepo, topic: topic, now: time.Now}
}

// Publish enqueues msg for delivery at availableAt (zero means now).
func (s *Service) Publish(ctx context.Context, msg model.DispatchMessage, availableAt time.Time) error {
	payload, err := s.encode(msg)
	if err != nil {
		return err
	}
	if err := s.outbox.Insert(ctx, nil, aggregateCampaign, msg.CampaignID, s.topic, payload, s.due(availableAt)); err != nil {
		return fmt.Errorf("insert outbox: %w", err)
	}
	return nil
}

// PublishWith runs write and the outbox insert for msg in one transaction,
// so the row write and its dispatch land together or not at all.
func (s *Service) PublishWith(ctx context.Context, msg model.DispatchMessage, availableAt time.Time, write func(tx *sqlx.Tx) error) error {
	payload, err := s.encode(msg)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := write(tx); err != nil {
		return err
	}
	if err := s.outbox.Insert(ctx, tx, aggregateCampaign, msg.CampaignID, s.topic, payload, s.due(availableAt)); err != nil {
		return fmt.Errorf("insert outbox: %w", err)
	}

	return tx.Commit()
}

// Reschedule drops any dispatch of the campaign that is still waiting for
// its due time and enqueues msg, in one transaction.
func (s *Service) Reschedule(ctx context.Context, msg model.DispatchMessage, availableAt time.Time) error {
	payload, err := s.encode(msg)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := s.outbox.CancelPending(ctx, tx, aggregateCampaign, msg.CampaignID); err != nil {
		return fmt.Errorf("cancel pending: %w", err)
	}
	if err := s.outbox.Insert(ctx, tx, aggregateCampaign, msg.CampaignID, s.topic, payload, s.due(availableAt)); err != nil {
		return fmt.Errorf("insert outbox: %w", err)
	}

	return tx.Commit()
}

// Cancel drops pending (future) dispatches of a campaign.
func (s *Service) Cancel(ctx context.Context, campaignID string) error {
	_, err := s.outbox.CancelPending(ctx, nil, aggregateCampaign, campaignID)
	return err
}

func (s *Service) encode(msg model.DispatchMessage) ([]byte, error) {
	if msg.CampaignID == "" || msg.RunID == "" {
		return nil, fmt.Errorf("dispatch message missing campaign or run id")
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal dispatch message: %w", err)
	}
	return b, nil
}

func (s *Service) due(at time.Time) time.Time {
	if now := s.now(); at.IsZero() || at.Before(now) {
		return now
	}
	return at
}
