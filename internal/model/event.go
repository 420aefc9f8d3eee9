package model

import "time"

// Real-time event names pushed to websocket observers.
const (
	EventCampaignCreated = "campaign.created"
	EventCampaignUpdated = "campaign.updated"
	EventCampaignStatus  = "campaign.status"
)

// StatusPayload is the body of a campaign.status event.
type StatusPayload struct {
	CampaignID     string         `json:"campaignId"`
	Status         CampaignStatus `json:"status"`
	SentCount      int64          `json:"sentCount"`
	FailedCount    int64          `json:"failedCount"`
	DeliveredCount int64          `json:"deliveredCount"`
	OpenCount      int64          `json:"openCount"`
}

func NewStatusPayload(c *Campaign) StatusPayload {
	return StatusPayload{
		CampaignID:     c.ID,
		Status:         c.Status,
		SentCount:      c.SentCount,
		FailedCount:    c.FailedCount,
		DeliveredCount: c.DeliveredCount,
		OpenCount:      c.OpenCount,
	}
}

// StatusEvent is one row of the ClickHouse status history.
type StatusEvent struct {
	CampaignID     string    `db:"campaign_id"     json:"campaignId"`
	Status         string    `db:"status"          json:"status"`
	SentCount      int64     `db:"sent_count"      json:"sentCount"`
	FailedCount    int64     `db:"failed_count"    json:"failedCount"`
	DeliveredCount int64     `db:"delivered_count" json:"deliveredCount"`
	OpenCount      int64     `db:"open_count"      json:"openCount"`
	At             time.Time `db:"at"              json:"at"`
}
