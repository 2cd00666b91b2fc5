// Package metrics provides Prometheus instrumentation for the realtime
// gateway. It exposes gauges for connection and channel counts, counters for
// message and signal throughput, and a histogram for broadcast latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of live WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tandem_connections_total",
		Help: "Current number of live WebSocket connections",
	})

	// ChannelsTotal tracks the current number of non-empty channels.
	ChannelsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tandem_channels_total",
		Help: "Current number of non-empty broadcast channels",
	})

	// OnlineIdentities tracks the number of identities with at least one
	// live connection.
	OnlineIdentities = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tandem_online_identities",
		Help: "Current number of identities tracked as online",
	})

	// MessagesTotal counts chat envelopes processed, labeled by outcome:
	// "delivered", "dropped", or "rejected".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tandem_messages_total",
		Help: "Total number of chat envelopes processed",
	}, []string{"outcome"})

	// SignalsTotal counts signal records appended to the relay, labeled by
	// signal type.
	SignalsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tandem_signals_total",
		Help: "Total number of signal records appended",
	}, []string{"type"})

	// BroadcastLatency records channel broadcast latency in seconds.
	BroadcastLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "tandem_broadcast_latency_seconds",
		Help:    "Channel broadcast latency in seconds",
		Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		ChannelsTotal,
		OnlineIdentities,
		MessagesTotal,
		SignalsTotal,
		BroadcastLatency,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
