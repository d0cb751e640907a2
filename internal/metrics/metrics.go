package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// WebhooksReceived counts inbound webhook deliveries by event and outcome.
	WebhooksReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scribe_webhooks_received_total",
			Help: "Inbound webhook deliveries by event type and outcome",
		},
		[]string{"event", "outcome"},
	)

	// WebhooksRejected counts deliveries rejected at the signature gate.
	WebhooksRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scribe_webhooks_rejected_total",
			Help: "Webhook deliveries rejected for invalid signatures",
		},
	)

	// Deployments counts bot deployment attempts by result.
	Deployments = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scribe_deployments_total",
			Help: "Bot deployment attempts by result",
		},
		[]string{"result"},
	)

	// StreamSubscribers tracks currently open stream subscriptions.
	StreamSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "scribe_stream_subscribers",
			Help: "Currently open stream subscriptions",
		},
	)

	// StreamEventsPublished counts events delivered to a live subscriber.
	StreamEventsPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scribe_stream_events_published_total",
			Help: "Stream events delivered to a live subscriber",
		},
	)

	// StreamEventsDropped counts events dropped with no or a slow subscriber.
	StreamEventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scribe_stream_events_dropped_total",
			Help: "Stream events dropped with no live subscriber",
		},
	)
)

// NewServer returns the HTTP server exposing /metrics.
func NewServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  15 * time.Second,
	}
}
