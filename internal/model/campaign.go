package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

func (c Channel) String() string { return string(c) }

func (c Channel) Valid() bool {
	return c == ChannelEmail || c == ChannelSMS
}

// ParseChannel normalizes input. Returns (value, true) if valid.
func ParseChannel(s string) (Channel, bool) {
	c := Channel(strings.ToLower(strings.TrimSpace(s)))
	return c, c.Valid()
}

type CampaignStatus string

const (
	StatusDraft      CampaignStatus = "draft"
	StatusScheduled  CampaignStatus = "scheduled"
	StatusInProgress CampaignStatus = "in_progress"
	StatusCompleted  CampaignStatus = "completed"
	StatusFailed     CampaignStatus = "failed"
)

func (s CampaignStatus) String() string { return string(s) }

func (s CampaignStatus) Valid() bool {
	switch s {
	case StatusDraft, StatusScheduled, StatusInProgress, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// AllowedFrom lists the statuses a campaign may hold right before moving to s.
// A run starts from anything but in_progress and ends only from in_progress.
func (s CampaignStatus) AllowedFrom() []CampaignStatus {
	switch s {
	case StatusInProgress:
		return []CampaignStatus{StatusDraft, StatusScheduled, StatusCompleted, StatusFailed}
	case StatusCompleted, StatusFailed:
		return []CampaignStatus{StatusInProgress}
	case StatusScheduled:
		return []CampaignStatus{StatusDraft, StatusScheduled, StatusCompleted, StatusFailed}
	default:
		return nil
	}
}

// CanTransition reports whether from -> s is a legal status move.
func (s CampaignStatus) CanTransition(from CampaignStatus) bool {
	allowed := s.AllowedFrom()
	if allowed == nil {
		return true
	}
	for _, a := range allowed {
		if a == from {
			return true
		}
	}
	return false
}

// Counters are the aggregate delivery tallies stored on a campaign.
type Counters struct {
	SentCount      int64 `db:"sent_count"      json:"sentCount"`
	FailedCount    int64 `db:"failed_count"    json:"failedCount"`
	DeliveredCount int64 `db:"delivered_count" json:"deliveredCount"`
	OpenCount      int64 `db:"open_count"      json:"openCount"`
}

// Campaign is the DB entity persisted in the campaigns table.
type Campaign struct {
	ID          string         `db:"id"           json:"id"`
	Name        string         `db:"name"         json:"name"`
	Channel     Channel        `db:"channel"      json:"channel"`
	Content     string         `db:"content"      json:"content"`
	Recipients  StringList     `db:"recipients"   json:"recipients"`
	ScheduledAt *time.Time     `db:"scheduled_at" json:"scheduledAt,omitempty"`
	Status      CampaignStatus `db:"status"       json:"status"`
	CreatedBy   int64          `db:"created_by"   json:"createdBy"`
	Metadata    Metadata       `db:"metadata"     json:"metadata,omitempty"`
	Version     int64          `db:"version"      json:"version"`
	CreatedAt   time.Time      `db:"created_at"   json:"createdAt"`
	UpdatedAt   time.Time      `db:"updated_at"   json:"updatedAt"`

	Counters
}

// StringList is stored as a JSON array column.
type StringList []string

func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(l))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (l *StringList) Scan(src any) error {
	return scanJSON(src, l)
}

// Metadata is a free-form string map stored as a JSON object column.
type Metadata map[string]string

func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(map[string]string(m))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (m *Metadata) Scan(src any) error {
	return scanJSON(src, m)
}

func scanJSON(src any, dst any) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		if len(v) == 0 {
			return nil
		}
		return json.Unmarshal(v, dst)
	case string:
		if v == "" {
			return nil
		}
		return json.Unmarshal([]byte(v), dst)
	default:
		return fmt.Errorf("unsupported json column type %T", src)
	}
}

// CampaignPatch carries the fields of an update; nil means "leave as is".
// Status is not patchable: it is owned by the status tracker.
type CampaignPatch struct {
	Name        *string
	Channel     *Channel
	Content     *string
	Recipients  *[]string
	ScheduledAt *time.Time
	Metadata    *map[string]string
}

func (p CampaignPatch) Empty() bool {
	return p.Name == nil && p.Channel == nil && p.Content == nil && p.Recipients == nil &&
		p.ScheduledAt == nil && p.Metadata == nil
}

// CounterDelta is an additive change to the counters, optionally moving the status.
// When Status is set the move is guarded by Status.AllowedFrom.
type CounterDelta struct {
	Status    *CampaignStatus
	Sent      int64
	Failed    int64
	Delivered int64
	Opened    int64
}

// StatusPtr is a small helper for building deltas.
func StatusPtr(s CampaignStatus) *CampaignStatus { return &s }
