// Package metrics provides Prometheus instrumentation for the MyLB messaging
// services. It exposes gauges for connection counts, counters for message
// throughput, and histograms for history query latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of live WebSocket
	// connections on the bridge.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mylb_bridge_connections",
		Help: "Current number of active WebSocket connections",
	})

	// MessagesTotal counts processed chat messages, labeled by direction:
	// "to_admin", "from_admin", or "dropped".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mylb_messages_total",
		Help: "Total number of chat messages processed",
	}, []string{"direction"})

	// PresenceEventsTotal counts presence events published by the bridge.
	PresenceEventsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mylb_presence_events_total",
		Help: "Total number of presence events published",
	})

	// HistoryLatency records history persistence latency in seconds.
	HistoryLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "mylb_history_latency_seconds",
		Help:    "Message persistence latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// RateLimitedTotal counts messages and connects rejected by the limiter.
	RateLimitedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mylb_rate_limited_total",
		Help: "Total number of rate-limited actions",
	}, []string{"action"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		MessagesTotal,
		PresenceEventsTotal,
		HistoryLatency,
		RateLimitedTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
