package status

import (
	"context"
	"errors"

	"github.com/jmehdipour/campaign-gateway/internal/model"
	"github.com/jmehdipour/campaign-gateway/internal/notify"
	"github.com/jmehdipour/campaign-gateway/internal/repository"
	"go.uber.org/zap"
)

// Store is the slice of the campaigns repository the tracker writes through.
type Store interface {
	ApplyDelta(ctx context.Context, id string, d model.CounterDelta) (*model.Campaign, error)
}

// Tracker owns campaign status and counters. Every write is a single atomic
// store statement; a lock conflict is retried once. Each successful write
// emits campaign.status with the state as written.
type Tracker struct {
	store Store
	emit  notify.Emitter
	log   *zap.Logger
}

func New(store Store, emit notify.Emitter, log *zap.Logger) *Tracker {
	if emit == nil {
		emit = notify.Nop{}
	}
	return &Tracker{store: store, emit: emit, log: log.Named("status")}
}

func (t *Tracker) UpdateStatus(ctx context.Context, id string, s model.CampaignStatus) (*model.Campaign, error) {
	return t.apply(ctx, id, model.CounterDelta{Status: model.StatusPtr(s)})
}

// UpdateCounters adds d; d.Status, when set, moves the status in the same write.
func (t *Tracker) UpdateCounters(ctx context.Context, id string, d model.CounterDelta) (*model.Campaign, error) {
	return t.apply(ctx, id, d)
}

func (t *Tracker) apply(ctx context.Context, id string, d model.CounterDelta) (*model.Campaign, error) {
	c, err := t.store.ApplyDelta(ctx, id, d)
	if errors.Is(err, repository.ErrConflict) {
		t.log.Debug("conflict, retrying once", zap.String("campaign_id", id), zap.Error(err))
		c, err = t.store.ApplyDelta(ctx, id, d)
	}
	if err != nil {
		return nil, err
	}

	ev, err := notify.NewEvent(model.EventCampaignStatus, model.NewStatusPayload(c))
	if err != nil {
		t.log.Warn("build status event", zap.String("campaign_id", id), zap.Error(err))
		return c, nil
	}
	t.emit.Emit(ctx, ev)
	return c, nil
}
