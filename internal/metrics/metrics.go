package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	DispatchRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cgw_dispatch_runs_total",
			Help: "Dispatch runs by outcome",
		},
		[]string{"outcome"}, // completed|aborted|skipped|duplicate
	)

	DispatchRunSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cgw_dispatch_run_seconds",
			Help:    "Wall-clock duration of a dispatch run",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		},
	)

	RecipientsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cgw_recipients_total",
			Help: "Per-recipient send outcomes by channel",
		},
		[]string{"channel", "outcome"}, // email|sms , sent|failed
	)

	EventsDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cgw_events_dropped_total",
			Help: "Broadcast events dropped because a sink was full or failing",
		},
		[]string{"sink"}, // ws|redis|history
	)

	OutboxRelayedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cgw_outbox_relayed_total",
			Help: "Outbox rows handed to the broker",
		},
		[]string{"result"}, // ok|error
	)

	registerOnce sync.Once
)

// MustRegister registers the collectors once; serve and workers may both call it.
func MustRegister(r prometheus.Registerer) {
	registerOnce.Do(func() {
		r.MustRegister(
			DispatchRunsTotal,
			DispatchRunSeconds,
			RecipientsTotal,
			EventsDroppedTotal,
			OutboxRelayedTotal,
		)
	})
}
