package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmehdipour/campaign-gateway/internal/metrics"
	"github.com/jmehdipour/campaign-gateway/internal/model"
	"github.com/jmehdipour/campaign-gateway/internal/queue"
	"github.com/jmehdipour/campaign-gateway/internal/repository"
	"github.com/jmehdipour/campaign-gateway/internal/sender"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Outcome is how a run ended; it is also the metrics label.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeAborted   Outcome = "aborted"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeDuplicate Outcome = "duplicate"
)

// RunAbortError ends a run before any recipient is attempted.
type RunAbortError struct {
	CampaignID string
	RunID      string
	Err        error
}

func (e *RunAbortError) Error() string {
	return fmt.Sprintf("run %s of campaign %s aborted: %v", e.RunID, e.CampaignID, e.Err)
}

func (e *RunAbortError) Unwrap() error { return e.Err }

type CampaignReader interface {
	FindByID(ctx context.Context, id string) (*model.Campaign, error)
}

// StatusWriter is satisfied by *status.Tracker.
type StatusWriter interface {
	UpdateStatus(ctx context.Context, id string, s model.CampaignStatus) (*model.Campaign, error)
	UpdateCounters(ctx context.Context, id string, d model.CounterDelta) (*model.Campaign, error)
}

// SenderResolver is satisfied by *sender.Registry.
type SenderResolver interface {
	For(ch model.Channel) (sender.Sender, error)
}

// Dispatcher consumes dispatch messages and executes campaign runs:
// Started (dedup, lock, re-read, in_progress) -> Sending -> Completed|Aborted.
// A delivery is acked only after its run reached a terminal write or was
// skipped.
type Dispatcher struct {
	Consumer  queue.Consumer
	Campaigns CampaignReader
	Status    StatusWriter
	Senders   SenderResolver
	Guard     Guard
	Log       *zap.Logger

	Workers     int           // shard goroutines
	Fanout      int           // concurrent sends within one run
	SendTimeout time.Duration // per recipient
	RetryWait   time.Duration // first backoff after a failed run

	now func() time.Time
}

func NewDispatcher(
	consumer queue.Consumer,
	campaigns CampaignReader,
	status StatusWriter,
	senders SenderResolver,
	guard Guard,
	log *zap.Logger,
) *Dispatcher {
	return &Dispatcher{
		Consumer:    consumer,
		Campaigns:   campaigns,
		Status:      status,
		Senders:     senders,
		Guard:       guard,
		Log:         log.Named("dispatch"),
		Workers:     8,
		Fanout:      16,
		SendTimeout: 30 * time.Second,
		RetryWait:   time.Second,
		now:         time.Now,
	}
}

// Run fetches until ctx is cancelled. Deliveries are routed to a shard by
// their Shard key, so one partition (or one campaign) is handled in order.
func (w *Dispatcher) Run(ctx context.Context) error {
	if w.Workers <= 0 {
		w.Workers = 8
	}
	if w.Fanout <= 0 {
		w.Fanout = 16
	}

	shards := make([]chan queue.Delivery, w.Workers)
	var wg sync.WaitGroup
	for i := range shards {
		shards[i] = make(chan queue.Delivery, 1)
		wg.Add(1)
		go func(in <-chan queue.Delivery) {
			defer wg.Done()
			for d := range in {
				w.handle(ctx, d)
			}
		}(shards[i])
	}
	defer func() {
		for _, ch := range shards {
			close(ch)
		}
		wg.Wait()
	}()

	for {
		d, err := w.Consumer.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, queue.ErrClosed) {
				return err
			}
			w.Log.Warn("fetch failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(200 * time.Millisecond):
			}
			continue
		}

		select {
		case shards[shardOf(d.Shard, len(shards))] <- d:
		case <-ctx.Done():
			return nil
		}
	}
}

func shardOf(key string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

// handle retries a failed run in place, keeping later deliveries of the
// shard behind it, until it succeeds or ctx ends.
func (w *Dispatcher) handle(ctx context.Context, d queue.Delivery) {
	var msg model.DispatchMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil || msg.CampaignID == "" || msg.RunID == "" {
		w.Log.Error("dropping malformed dispatch message", zap.String("key", d.Key), zap.Error(err))
		w.ack(ctx, d)
		return
	}

	wait := w.RetryWait
	for {
		_, err := w.Process(ctx, msg)
		if err == nil {
			w.ack(ctx, d)
			return
		}
		if ctx.Err() != nil {
			nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
			_ = d.Nack(nctx)
			cancel()
			return
		}

		w.Log.Warn("run failed, retrying",
			zap.String("campaign_id", msg.CampaignID), zap.String("run_id", msg.RunID),
			zap.Duration("backoff", wait), zap.Error(err))
		select {
		case <-ctx.Done():
		case <-time.After(wait):
		}
		if wait < 30*time.Second {
			wait *= 2
		}
	}
}

func (w *Dispatcher) ack(ctx context.Context, d queue.Delivery) {
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := d.Ack(actx); err != nil {
		w.Log.Warn("ack failed", zap.String("key", d.Key), zap.Error(err))
	}
}

// Process executes one run. A nil error means the delivery may be acked; an
// error means nothing terminal was written and the message must be retried.
func (w *Dispatcher) Process(ctx context.Context, msg model.DispatchMessage) (Outcome, error) {
	log := w.Log.With(zap.String("campaign_id", msg.CampaignID), zap.String("run_id", msg.RunID))
	start := w.now()

	if seen, err := w.Guard.Seen(ctx, msg.RunID); err != nil {
		return "", fmt.Errorf("check run: %w", err)
	} else if seen {
		return w.finish(log, OutcomeDuplicate, start), nil
	}

	release, err := w.Guard.Lock(ctx, msg.CampaignID)
	if err != nil {
		return "", fmt.Errorf("lock campaign: %w", err)
	}
	defer release()

	// a copy of this run may have finished while we waited for the lock
	if seen, err := w.Guard.Seen(ctx, msg.RunID); err != nil {
		return "", fmt.Errorf("check run: %w", err)
	} else if seen {
		return w.finish(log, OutcomeDuplicate, start), nil
	}

	c, err := w.Campaigns.FindByID(ctx, msg.CampaignID)
	if errors.Is(err, repository.ErrNotFound) {
		log.Info("campaign gone, dropping run")
		return w.finish(log, OutcomeSkipped, start), nil
	}
	if err != nil {
		return "", fmt.Errorf("load campaign: %w", err)
	}

	if msg.ScheduledAt != nil && c.ScheduledAt != nil && c.ScheduledAt.After(w.now()) {
		log.Info("campaign rescheduled, dropping stale run", zap.Time("scheduled_at", *c.ScheduledAt))
		return w.finish(log, OutcomeSkipped, start), nil
	}

	if c.Status == model.StatusInProgress {
		// we hold the lock, so this is a run that died before its terminal write
		log.Warn("resuming campaign left in progress")
	} else if _, err := w.Status.UpdateStatus(ctx, c.ID, model.StatusInProgress); err != nil {
		return "", fmt.Errorf("mark in progress: %w", err)
	}

	snd, err := w.Senders.For(c.Channel)
	if err != nil {
		abort := &RunAbortError{CampaignID: c.ID, RunID: msg.RunID, Err: err}
		log.Error("run aborted", zap.Error(abort))
		return w.terminal(ctx, log, c, msg, model.StatusFailed, 0, int64(len(c.Recipients)), start)
	}

	sent, failed := w.send(ctx, log, snd, c)
	if err := ctx.Err(); err != nil {
		// shutdown mid-run: leave it in progress for the redelivered copy
		return "", err
	}

	return w.terminal(ctx, log, c, msg, model.StatusCompleted, sent, failed, start)
}

// send fans out over the live recipient list with bounded concurrency.
// A failed recipient is counted and logged and never stops the run.
func (w *Dispatcher) send(ctx context.Context, log *zap.Logger, snd sender.Sender, c *model.Campaign) (int64, int64) {
	var sent, failed atomic.Int64

	var g errgroup.Group
	g.SetLimit(w.Fanout)
	for _, rcpt := range c.Recipients {
		if ctx.Err() != nil {
			break
		}
		rcpt := rcpt
		g.Go(func() error {
			o := w.deliver(ctx, snd, rcpt, c.Content)
			if !o.OK {
				failed.Add(1)
				metrics.RecipientsTotal.WithLabelValues(c.Channel.String(), "failed").Inc()
				log.Warn("recipient failed",
					zap.String("recipient", o.Recipient),
					zap.Bool("temporary", sender.IsTemporary(o.Err)),
					zap.Error(o.Err))
				return nil
			}
			sent.Add(1)
			metrics.RecipientsTotal.WithLabelValues(c.Channel.String(), "sent").Inc()
			return nil
		})
	}
	_ = g.Wait()

	return sent.Load(), failed.Load()
}

func (w *Dispatcher) deliver(ctx context.Context, snd sender.Sender, rcpt, content string) model.DeliveryOutcome {
	sctx, cancel := context.WithTimeout(ctx, w.SendTimeout)
	defer cancel()

	err := snd.Send(sctx, rcpt, content)
	return model.DeliveryOutcome{Recipient: rcpt, OK: err == nil, Err: err}
}

// terminal writes status and counters in one statement, then records the
// run as processed. A failed-status run counts every recipient that did not
// succeed, attempted or not.
func (w *Dispatcher) terminal(
	ctx context.Context, log *zap.Logger, c *model.Campaign, msg model.DispatchMessage,
	st model.CampaignStatus, sent, failed int64, start time.Time,
) (Outcome, error) {
	d := model.CounterDelta{Status: model.StatusPtr(st), Sent: sent, Delivered: sent, Failed: failed}
	if st == model.StatusFailed {
		d = model.CounterDelta{Status: model.StatusPtr(st), Failed: int64(len(c.Recipients)) - sent}
	}

	final, err := w.Status.UpdateCounters(ctx, c.ID, d)
	if err != nil {
		return "", fmt.Errorf("terminal write: %w", err)
	}

	if err := w.Guard.MarkProcessed(ctx, msg.RunID); err != nil {
		log.Warn("record processed run", zap.Error(err))
	}

	outcome := OutcomeCompleted
	if st == model.StatusFailed {
		outcome = OutcomeAborted
	}
	log.Info("run finished",
		zap.String("status", final.Status.String()),
		zap.Int64("sent", sent), zap.Int64("failed", d.Failed),
		zap.Int64("sent_total", final.SentCount), zap.Int64("failed_total", final.FailedCount))
	return w.finish(log, outcome, start), nil
}

func (w *Dispatcher) finish(log *zap.Logger, o Outcome, start time.Time) Outcome {
	metrics.DispatchRunsTotal.WithLabelValues(string(o)).Inc()
	if o == OutcomeCompleted || o == OutcomeAborted {
		metrics.DispatchRunSeconds.Observe(w.now().Sub(start).Seconds())
	}
	if o == OutcomeDuplicate {
		log.Info("run already processed")
	}
	return o
}
