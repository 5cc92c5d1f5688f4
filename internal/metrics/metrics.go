package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Dispatch outcomes
	RecipientsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signal_dispatch_recipients_total",
			Help: "Recipients that reached a terminal state",
		},
		[]string{"outcome"}, // "done" or a failure reason
	)

	RetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signal_dispatch_retries_total",
			Help: "Roster-mismatch retries",
		},
		[]string{"code"}, // "409" or "410"
	)

	DispatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "signal_dispatch_dispatch_duration_seconds",
			Help:    "Duration of one dispatch call",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)

	// Session metrics
	SessionsEstablished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signal_dispatch_sessions_established_total",
			Help: "Sessions established from a prekey bundle",
		},
		[]string{"mode"}, // "remote" or "local-pinned"
	)

	FallbackTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "signal_dispatch_fallback_total",
			Help: "Recipients sent with fallback encryption",
		},
	)

	IdentityChanges = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "signal_dispatch_identity_changes_total",
			Help: "Sends aborted because a recipient identity key changed",
		},
	)
)
