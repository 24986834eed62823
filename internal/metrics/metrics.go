// Package metrics provides Prometheus instrumentation for the Duet chat
// application. It exposes gauges for connection and feed counts, counters
// for message and pairing throughput, and histograms for latency tracking.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "duet_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// MessagesTotal counts the total number of messages processed, labeled by
	// type: "sent", "failed", "received", or "deleted".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "duet_messages_total",
		Help: "Total number of messages processed",
	}, []string{"type"}) // type = "sent", "failed", "received", "deleted"

	// SendLatency records send-to-confirmation latency in seconds.
	SendLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "duet_send_latency_seconds",
		Help:    "Message send to delivery confirmation latency in seconds",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	})

	// OpenFeeds tracks the current number of live message feeds.
	OpenFeeds = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "duet_open_feeds",
		Help: "Current number of live message feeds",
	})

	// FallbackActivations counts feeds that dropped to the fallback query
	// because the primary read path was unavailable.
	FallbackActivations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "duet_feed_fallback_activations_total",
		Help: "Times a feed dropped to the fallback query path",
	})

	// FeedRetries counts scheduled feed reconnection attempts.
	FeedRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "duet_feed_retries_total",
		Help: "Scheduled feed reconnection attempts",
	})

	// PairingsTotal counts pairing outcomes, labeled by result:
	// "created", "redeemed", "rejected", "unpaired", or "reconnected".
	PairingsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "duet_pairings_total",
		Help: "Total pairing operations by outcome",
	}, []string{"result"})

	// PushesTotal counts push-notification deliveries, labeled by outcome:
	// "delivered" or "failed".
	PushesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "duet_pushes_total",
		Help: "Total push notification deliveries by outcome",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		MessagesTotal,
		SendLatency,
		OpenFeeds,
		FallbackActivations,
		FeedRetries,
		PairingsTotal,
		PushesTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
