package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jmehdipour/campaign-gateway/internal/metrics"
	"github.com/jmehdipour/campaign-gateway/internal/model"
	"go.uber.org/zap"
)

type HistoryStore interface {
	InsertBatch(ctx context.Context, rows []model.StatusEvent) error
}

// HistoryRecorder batches campaign.status events into the history store,
// flushing on size or time.
type HistoryRecorder struct {
	store     HistoryStore
	log       *zap.Logger
	in        chan model.StatusEvent
	batchSize int
	batchWait time.Duration
	now       func() time.Time
}

var _ Emitter = (*HistoryRecorder)(nil)

func NewHistoryRecorder(store HistoryStore, batchSize int, batchWait time.Duration, log *zap.Logger) *HistoryRecorder {
	if batchSize <= 0 {
		batchSize = 200
	}
	if batchWait <= 0 {
		batchWait = time.Second
	}
	return &HistoryRecorder{
		store:     store,
		log:       log.Named("history"),
		in:        make(chan model.StatusEvent, batchSize*4),
		batchSize: batchSize,
		batchWait: batchWait,
		now:       time.Now,
	}
}

func (h *HistoryRecorder) Emit(_ context.Context, ev Event) {
	if ev.Name != model.EventCampaignStatus {
		return
	}
	var p model.StatusPayload
	if err := json.Unmarshal(ev.Data, &p); err != nil {
		h.log.Warn("bad status payload", zap.Error(err))
		return
	}

	row := model.StatusEvent{
		CampaignID:     p.CampaignID,
		Status:         p.Status.String(),
		SentCount:      p.SentCount,
		FailedCount:    p.FailedCount,
		DeliveredCount: p.DeliveredCount,
		OpenCount:      p.OpenCount,
		At:             h.now().UTC(),
	}
	select {
	case h.in <- row:
	default:
		metrics.EventsDroppedTotal.WithLabelValues("history").Inc()
	}
}

// Run flushes until ctx is cancelled; queued rows are flushed once more on
// the way out.
func (h *HistoryRecorder) Run(ctx context.Context) {
	tick := time.NewTicker(h.batchWait)
	defer tick.Stop()

	buf := make([]model.StatusEvent, 0, h.batchSize)

	flush := func() {
		if len(buf) == 0 {
			return
		}
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := h.store.InsertBatch(fctx, buf); err != nil {
			metrics.EventsDroppedTotal.WithLabelValues("history").Add(float64(len(buf)))
			h.log.Warn("history flush failed", zap.Int("rows", len(buf)), zap.Error(err))
		}
		buf = make([]model.StatusEvent, 0, h.batchSize)
	}

	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case r := <-h.in:
					buf = append(buf, r)
				default:
					flush()
					return
				}
			}
		case r := <-h.in:
			buf = append(buf, r)
			if len(buf) >= h.batchSize {
				flush()
			}
		case <-tick.C:
			flush()
		}
	}
}
