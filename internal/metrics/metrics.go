// Package metrics holds the prometheus collectors shared by the sync
// components.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SessionState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mailsync_session_state",
			Help: "Current session state per account; 1 for the active state, 0 otherwise.",
		},
		[]string{
			"account",
			"state",
		},
	)
	SessionTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsync_session_transitions_total",
			Help: "Session state transitions.",
		},
		[]string{
			"account",
			"to",
		},
	)
	SyncPasses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsync_sync_passes_total",
			Help: "Completed account sync passes by result.",
		},
		[]string{
			"account",
			"result", // ok, error
		},
	)
	SyncDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailsync_sync_duration_seconds",
			Help:    "Account sync pass duration in seconds.",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
		},
		[]string{
			"account",
		},
	)
	MessagesSynced = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsync_messages_synced_total",
			Help: "Messages changed in the cache by sync, by kind.",
		},
		[]string{
			"account",
			"kind", // added, flags, deleted, evicted, discarded
		},
	)
	TokenRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsync_token_refreshes_total",
			Help: "OAuth2 token exchanges by result.",
		},
		[]string{
			"account",
			"result", // ok, reauth, error
		},
	)
	OutboundReplayed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsync_outbound_replayed_total",
			Help: "Queued outbound operations acknowledged by the server.",
		},
		[]string{
			"account",
			"kind",
		},
	)
	OutboundDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsync_outbound_dropped_total",
			Help: "Queued outbound operations dropped because the server rejected them or the target is gone.",
		},
		[]string{
			"account",
			"kind",
		},
	)
)

// Handler serves the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}
