// Package memrepo is an in-memory CampaignsRepository with the same
// atomicity and transition rules as the MySQL one. Tests across the module
// use it in place of a database.
package memrepo

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jmehdipour/campaign-gateway/internal/model"
	"github.com/jmehdipour/campaign-gateway/internal/repository"
	"github.com/jmoiron/sqlx"
)

type Campaigns struct {
	mu   sync.Mutex
	rows map[string]model.Campaign
	now  func() time.Time

	failNext []error
	deltas   int
}

var _ repository.CampaignsRepository = (*Campaigns)(nil)

func NewCampaigns() *Campaigns {
	return &Campaigns{rows: make(map[string]model.Campaign), now: time.Now}
}

// FailNext makes the next len(errs) ApplyDelta calls return errs in order
// without touching state.
func (r *Campaigns) FailNext(errs ...error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failNext = append(r.failNext, errs...)
}

// Deltas counts ApplyDelta calls, failed ones included.
func (r *Campaigns) Deltas() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deltas
}

// Put stores c as is.
func (r *Campaigns) Put(c model.Campaign) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[c.ID] = clone(c)
}

func (r *Campaigns) Create(_ context.Context, _ *sqlx.Tx, c *model.Campaign) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[c.ID]; ok {
		return fmt.Errorf("duplicate campaign %s", c.ID)
	}
	row := clone(*c)
	row.Counters = model.Counters{}
	row.Version = 0
	r.rows[c.ID] = row
	return nil
}

func (r *Campaigns) FindByID(_ context.Context, id string) (*model.Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.rows[id]
	if !ok {
		return nil, fmt.Errorf("campaign %s: %w", id, repository.ErrNotFound)
	}
	out := clone(c)
	return &out, nil
}

func (r *Campaigns) match(f repository.CampaignFilter, c model.Campaign) bool {
	if f.Name != "" && !strings.Contains(c.Name, f.Name) {
		return false
	}
	if f.Channel != "" && c.Channel != f.Channel {
		return false
	}
	if f.Status != "" && c.Status != f.Status {
		return false
	}
	if f.CreatedBy > 0 && c.CreatedBy != f.CreatedBy {
		return false
	}
	return true
}

func (r *Campaigns) FindByQuery(_ context.Context, q repository.CampaignQuery) ([]model.Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []model.Campaign
	for _, c := range r.rows {
		if r.match(q.Filter, c) {
			out = append(out, clone(c))
		}
	}

	var less func(a, b model.Campaign) bool
	switch q.SortBy {
	case "", "createdAt":
		less = func(a, b model.Campaign) bool { return a.CreatedAt.Before(b.CreatedAt) }
	case "updatedAt":
		less = func(a, b model.Campaign) bool { return a.UpdatedAt.Before(b.UpdatedAt) }
	case "name":
		less = func(a, b model.Campaign) bool { return a.Name < b.Name }
	case "status":
		less = func(a, b model.Campaign) bool { return a.Status < b.Status }
	case "scheduledAt":
		// MySQL orders NULL before any value
		less = func(a, b model.Campaign) bool {
			return b.ScheduledAt != nil && (a.ScheduledAt == nil || a.ScheduledAt.Before(*b.ScheduledAt))
		}
	default:
		return nil, fmt.Errorf("unsupported sort field %q", q.SortBy)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if q.SortDesc {
			i, j = j, i
		}
		if less(out[i], out[j]) {
			return true
		}
		if less(out[j], out[i]) {
			return false
		}
		return out[i].ID < out[j].ID
	})

	page, limit := repository.NormalizePage(q.Page, q.Limit)
	start := (page - 1) * limit
	if start >= len(out) {
		return nil, nil
	}
	end := start + limit
	if end > len(out) {
		end = len(out)
	}
	return out[start:end], nil
}

func (r *Campaigns) CountByQuery(_ context.Context, f repository.CampaignFilter) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, c := range r.rows {
		if r.match(f, c) {
			n++
		}
	}
	return n, nil
}

func (r *Campaigns) Update(_ context.Context, id string, p model.CampaignPatch) (*model.Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.rows[id]
	if !ok {
		return nil, fmt.Errorf("campaign %s: %w", id, repository.ErrNotFound)
	}
	if p.Empty() {
		out := clone(c)
		return &out, nil
	}

	if p.Name != nil {
		c.Name = *p.Name
	}
	if p.Channel != nil {
		c.Channel = *p.Channel
	}
	if p.Content != nil {
		c.Content = *p.Content
	}
	if p.Recipients != nil {
		c.Recipients = append(model.StringList(nil), (*p.Recipients)...)
	}
	if p.Metadata != nil {
		c.Metadata = model.Metadata{}
		for k, v := range *p.Metadata {
			c.Metadata[k] = v
		}
	}
	if p.ScheduledAt != nil {
		at := *p.ScheduledAt
		moved := c.ScheduledAt == nil || !c.ScheduledAt.Equal(at)
		if moved && c.Status != model.StatusInProgress {
			c.Status = model.StatusScheduled
		}
		c.ScheduledAt = &at
	}
	c.Version++
	c.UpdatedAt = r.now()
	r.rows[id] = c

	out := clone(c)
	return &out, nil
}

func (r *Campaigns) ApplyDelta(_ context.Context, id string, d model.CounterDelta) (*model.Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deltas++

	if len(r.failNext) > 0 {
		err := r.failNext[0]
		r.failNext = r.failNext[1:]
		return nil, err
	}
	if d.Sent < 0 || d.Failed < 0 || d.Delivered < 0 || d.Opened < 0 {
		return nil, fmt.Errorf("negative counter delta %+v", d)
	}

	c, ok := r.rows[id]
	if !ok {
		return nil, fmt.Errorf("campaign %s: %w", id, repository.ErrNotFound)
	}
	if d.Status != nil {
		if !d.Status.CanTransition(c.Status) {
			return nil, fmt.Errorf("campaign %s %s -> %s: %w", id, c.Status, *d.Status, repository.ErrInvalidTransition)
		}
		c.Status = *d.Status
	}
	c.SentCount += d.Sent
	c.FailedCount += d.Failed
	c.DeliveredCount += d.Delivered
	c.OpenCount += d.Opened
	c.Version++
	c.UpdatedAt = r.now()
	r.rows[id] = c

	out := clone(c)
	return &out, nil
}

func (r *Campaigns) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[id]; !ok {
		return fmt.Errorf("campaign %s: %w", id, repository.ErrNotFound)
	}
	delete(r.rows, id)
	return nil
}

func clone(c model.Campaign) model.Campaign {
	c.Recipients = append(model.StringList(nil), c.Recipients...)
	if c.Metadata != nil {
		m := make(model.Metadata, len(c.Metadata))
		for k, v := range c.Metadata {
			m[k] = v
		}
		c.Metadata = m
	}
	if c.ScheduledAt != nil {
		at := *c.ScheduledAt
		c.ScheduledAt = &at
	}
	return c
}
