package model

import "time"

// OutboxEvent is a row of the outbox table. The relay publishes rows whose
// AvailableAt has passed and stamps PublishedAt.
type OutboxEvent struct {
	ID          int64      `db:"id"`
	Aggregate   string     `db:"aggregate"`    // "campaign"
	AggregateID string     `db:"aggregate_id"` // campaign.ID, also the broker message key
	Topic       string     `db:"topic"`
	Payload     []byte     `db:"payload"`
	Attempts    int        `db:"attempts"`
	AvailableAt time.Time  `db:"available_at"`
	PublishedAt *time.Time `db:"published_at"`
	CreatedAt   time.Time  `db:"created_at"`
}
