package campaign

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmehdipour/campaign-gateway/internal/model"
	"github.com/jmehdipour/campaign-gateway/internal/notify"
	"github.com/jmehdipour/campaign-gateway/internal/repository"
	"github.com/jmehdipour/campaign-gateway/internal/util"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// Publisher is the dispatch queue as seen by the orchestrator.
type Publisher interface {
	Publish(ctx context.Context, msg model.DispatchMessage, availableAt time.Time) error
	// PublishWith commits write and the dispatch in one transaction.
	PublishWith(ctx context.Context, msg model.DispatchMessage, availableAt time.Time, write func(tx *sqlx.Tx) error) error
	Reschedule(ctx context.Context, msg model.DispatchMessage, availableAt time.Time) error
	Cancel(ctx context.Context, campaignID string) error
}

// Service is the campaign orchestrator: CRUD plus turning a campaign into a
// dispatch message. It never waits for a run.
type Service struct {
	repo        repository.CampaignsRepository
	pub         Publisher
	emit        notify.Emitter
	log         *zap.Logger
	countryCode string
	now         func() time.Time
}

func New(repo repository.CampaignsRepository, pub Publisher, emit notify.Emitter, smsCountryCode string, log *zap.Logger) *Service {
	if emit == nil {
		emit = notify.Nop{}
	}
	return &Service{
		repo:        repo,
		pub:         pub,
		emit:        emit,
		log:         log.Named("campaign"),
		countryCode: smsCountryCode,
		now:         time.Now,
	}
}

type CreateInput struct {
	Name        string
	Channel     string
	Content     string
	Recipients  []string
	ScheduledAt *time.Time
	Metadata    map[string]string
}

// DispatchReceipt is returned by DispatchNow.
type DispatchReceipt struct {
	Queued bool   `json:"queued"`
	RunID  string `json:"run_id"`
}

// Page is one page of List.
type Page struct {
	Items []model.Campaign `json:"items"`
	Total int64            `json:"total"`
	Page  int              `json:"page"`
	Limit int              `json:"limit"`
}

// Create stores a new campaign with zero counters. A campaign with a due
// time starts as scheduled and is stored together with its delayed dispatch.
func (s *Service) Create(ctx context.Context, in CreateInput, creatorID int64) (*model.Campaign, error) {
	name, err := validateName(in.Name)
	if err != nil {
		return nil, err
	}
	ch, err := validateChannel(in.Channel)
	if err != nil {
		return nil, err
	}
	content, err := validateContent(ch, in.Content)
	if err != nil {
		return nil, err
	}
	recipients, err := normalizeRecipients(ch, in.Recipients, s.countryCode)
	if err != nil {
		return nil, err
	}
	if creatorID <= 0 {
		return nil, invalid("createdBy", "required")
	}

	now := s.now().UTC()
	c := &model.Campaign{
		ID:         util.NewID(),
		Name:       name,
		Channel:    ch,
		Content:    content,
		Recipients: recipients,
		Status:     model.StatusDraft,
		CreatedBy:  creatorID,
		Metadata:   in.Metadata,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if in.ScheduledAt != nil {
		at := in.ScheduledAt.UTC()
		c.ScheduledAt = &at
		c.Status = model.StatusScheduled
	}

	if c.ScheduledAt == nil {
		if err := s.repo.Create(ctx, nil, c); err != nil {
			return nil, fmt.Errorf("create campaign: %w", err)
		}
	} else {
		msg := model.NewDispatchMessage(c, util.NewID())
		err := s.pub.PublishWith(ctx, msg, *c.ScheduledAt, func(tx *sqlx.Tx) error {
			return s.repo.Create(ctx, tx, c)
		})
		if err != nil {
			return nil, fmt.Errorf("create scheduled campaign %s: %w", c.ID, err)
		}
		s.log.Info("dispatch scheduled",
			zap.String("campaign_id", c.ID), zap.String("run_id", msg.RunID), zap.Time("at", *c.ScheduledAt))
	}

	s.broadcast(ctx, model.EventCampaignCreated, c)
	return c, nil
}

// Update merges patch atomically. A dispatch is queued again only when the
// patch sets or moves scheduledAt; a still-pending one is cancelled first.
func (s *Service) Update(ctx context.Context, id string, patch model.CampaignPatch) (*model.Campaign, error) {
	before, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.validatePatch(before, &patch); err != nil {
		return nil, err
	}

	c, err := s.repo.Update(ctx, id, patch)
	if err != nil {
		return nil, err
	}

	if rescheduled(before, patch) {
		msg := model.NewDispatchMessage(c, util.NewID())
		if err := s.pub.Reschedule(ctx, msg, *c.ScheduledAt); err != nil {
			return nil, fmt.Errorf("reschedule campaign %s: %w", id, err)
		}
		s.log.Info("dispatch rescheduled",
			zap.String("campaign_id", id), zap.String("run_id", msg.RunID), zap.Time("at", *c.ScheduledAt))
	}

	s.broadcast(ctx, model.EventCampaignUpdated, c)
	return c, nil
}

func rescheduled(before *model.Campaign, p model.CampaignPatch) bool {
	if p.ScheduledAt == nil {
		return false
	}
	return before.ScheduledAt == nil || !before.ScheduledAt.Equal(*p.ScheduledAt)
}

func (s *Service) validatePatch(cur *model.Campaign, p *model.CampaignPatch) error {
	if p.Name != nil {
		name, err := validateName(*p.Name)
		if err != nil {
			return err
		}
		p.Name = &name
	}

	ch := cur.Channel
	if p.Channel != nil {
		parsed, err := validateChannel(p.Channel.String())
		if err != nil {
			return err
		}
		ch = parsed
		p.Channel = &parsed
	}

	if p.Content != nil {
		if _, err := validateContent(ch, *p.Content); err != nil {
			return err
		}
	}

	// a channel switch re-validates the stored recipients for the new channel
	if p.Recipients != nil || ch != cur.Channel {
		src := []string(cur.Recipients)
		if p.Recipients != nil {
			src = *p.Recipients
		}
		norm, err := normalizeRecipients(ch, src, s.countryCode)
		if err != nil {
			return err
		}
		p.Recipients = &norm
	}

	if p.ScheduledAt != nil {
		at := p.ScheduledAt.UTC()
		p.ScheduledAt = &at
	}
	return nil
}

// DispatchNow publishes exactly one dispatch for the campaign and returns
// without waiting for the run.
func (s *Service) DispatchNow(ctx context.Context, id string) (DispatchReceipt, error) {
	c, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return DispatchReceipt{}, err
	}

	msg := model.NewDispatchMessage(c, util.NewID())
	// the run is due now even if the campaign also has a future schedule
	msg.ScheduledAt = nil
	if err := s.pub.Publish(ctx, msg, time.Time{}); err != nil {
		return DispatchReceipt{}, fmt.Errorf("publish campaign %s: %w", id, err)
	}

	s.log.Info("dispatch queued", zap.String("campaign_id", id), zap.String("run_id", msg.RunID))
	return DispatchReceipt{Queued: true, RunID: msg.RunID}, nil
}

const overviewPageSize = 100

// AnalyticsOverview aggregates the creator's campaigns at read time.
func (s *Service) AnalyticsOverview(ctx context.Context, creatorID int64) (model.AnalyticsOverview, error) {
	var out model.AnalyticsOverview
	q := repository.CampaignQuery{
		Filter: repository.CampaignFilter{CreatedBy: creatorID},
		SortBy: "createdAt",
		Limit:  overviewPageSize,
	}
	for page := 1; ; page++ {
		q.Page = page
		rows, err := s.repo.FindByQuery(ctx, q)
		if err != nil {
			return model.AnalyticsOverview{}, err
		}
		for i := range rows {
			out.Add(&rows[i])
		}
		if len(rows) < overviewPageSize {
			return out, nil
		}
	}
}

func (s *Service) Get(ctx context.Context, id string) (*model.Campaign, error) {
	return s.repo.FindByID(ctx, id)
}

func (s *Service) List(ctx context.Context, q repository.CampaignQuery) (Page, error) {
	q.Page, q.Limit = repository.NormalizePage(q.Page, q.Limit)

	items, err := s.repo.FindByQuery(ctx, q)
	if err != nil {
		return Page{}, err
	}
	total, err := s.repo.CountByQuery(ctx, q.Filter)
	if err != nil {
		return Page{}, err
	}
	if items == nil {
		items = []model.Campaign{}
	}
	return Page{Items: items, Total: total, Page: q.Page, Limit: q.Limit}, nil
}

// Delete removes the campaign and any dispatch still waiting for its due time.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	if err := s.pub.Cancel(ctx, id); err != nil {
		// a stray dispatch finds no campaign and is dropped by the worker
		s.log.Warn("cancel pending dispatches", zap.String("campaign_id", id), zap.Error(err))
	}
	return nil
}

func (s *Service) broadcast(ctx context.Context, name string, c *model.Campaign) {
	ev, err := notify.NewEvent(name, c)
	if err != nil {
		s.log.Warn("build event", zap.String("event", name), zap.Error(err))
		return
	}
	s.emit.Emit(ctx, ev)
}

// IsValidation reports whether err is caller input rejection.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
