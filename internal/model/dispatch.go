package model

import "time"

// DispatchMessage is the payload published to the dispatch queue (via the outbox).
// It is a snapshot taken at publish time; the worker re-reads the live campaign.
type DispatchMessage struct {
	CampaignID  string     `json:"campaignId"`
	RunID       string     `json:"runId"` // ULID minted at publish
	Channel     Channel    `json:"channel"`
	Recipients  []string   `json:"recipients"`
	Content     string     `json:"content"`
	ScheduledAt *time.Time `json:"scheduledAt,omitempty"`
}

// NewDispatchMessage snapshots c for run runID.
func NewDispatchMessage(c *Campaign, runID string) DispatchMessage {
	recipients := make([]string, len(c.Recipients))
	copy(recipients, c.Recipients)
	return DispatchMessage{
		CampaignID:  c.ID,
		RunID:       runID,
		Channel:     c.Channel,
		Recipients:  recipients,
		Content:     c.Content,
		ScheduledAt: c.ScheduledAt,
	}
}

// DeliveryOutcome is the per-recipient result of one send attempt. Not persisted.
type DeliveryOutcome struct {
	Recipient string
	OK        bool
	Err       error
}
