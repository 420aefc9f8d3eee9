package model

// AnalyticsOverview aggregates a creator's campaigns.
type AnalyticsOverview struct {
	TotalCampaigns  int64 `json:"total_campaigns"`
	TotalEmailsSent int64 `json:"total_emails_sent"`
	TotalSMSSent    int64 `json:"total_sms_sent"`
	TotalDelivered  int64 `json:"total_delivered"`
}

// Add folds one campaign into the overview.
func (a *AnalyticsOverview) Add(c *Campaign) {
	a.TotalCampaigns++
	switch c.Channel {
	case ChannelEmail:
		a.TotalEmailsSent += c.SentCount
	case ChannelSMS:
		a.TotalSMSSent += c.SentCount
	}
	a.TotalDelivered += c.DeliveredCount
}
