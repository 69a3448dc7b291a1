// Package metrics holds the Prometheus collectors exported by slinkd.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slink_messages_sent_total",
			Help: "Outgoing messages by outcome (ack, failed).",
		},
		[]string{"result"},
	)

	PushEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slink_push_events_total",
			Help: "Push events received by type and disposition (dispatched, duplicate, invalid).",
		},
		[]string{"type", "disposition"},
	)

	StaleResponses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "slink_stale_page_responses_total",
			Help: "Message pages discarded because a newer request superseded them.",
		},
	)

	ConnectionState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "slink_connection_state",
			Help: "1 for the current push connection state, 0 otherwise.",
		},
		[]string{"state"},
	)

	Reconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "slink_reconnect_attempts_total",
			Help: "Automatic reconnect attempts.",
		},
	)

	RemoteCalls = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "slink_remote_call_seconds",
			Help:    "Backend call latency by operation and outcome.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op", "outcome"},
	)

	BusDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "slink_bus_dropped_total",
			Help: "Bus deliveries dropped on full subscribers.",
		},
		[]string{"kind"},
	)
)

// SetConnectionState marks state as the only active connection state.
func SetConnectionState(state string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		ConnectionState.WithLabelValues(s).Set(v)
	}
}
