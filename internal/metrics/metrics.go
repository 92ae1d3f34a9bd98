// Package metrics provides Prometheus metrics for the delivery pipeline
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the service
type Metrics struct {
	// Outbound sends
	SendsTotal           *prometheus.CounterVec
	ProviderDuration     prometheus.Histogram
	PersistenceConflicts prometheus.Counter

	// Webhook reconciliation
	StatusEventsTotal    *prometheus.CounterVec
	InboundMessagesTotal *prometheus.CounterVec
	WebhookRequestsTotal *prometheus.CounterVec

	// Presence loop
	PresenceTicksTotal      *prometheus.CounterVec
	PresenceChangesTotal    prometheus.Counter
	PresenceIntervalSeconds prometheus.Gauge
}

// New creates and registers all metrics with reg. A nil reg uses the
// default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	m := &Metrics{}

	m.SendsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wacrm_sends_total",
			Help: "Outbound send attempts by result and provider reason",
		},
		[]string{"result", "reason"},
	)

	m.ProviderDuration = f.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "wacrm_provider_request_duration_seconds",
			Help:    "Duration of provider send calls in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)

	m.PersistenceConflicts = f.NewCounter(
		prometheus.CounterOpts{
			Name: "wacrm_persistence_inconsistencies_total",
			Help: "Provider-accepted messages whose local write failed",
		},
	)

	m.StatusEventsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wacrm_status_events_total",
			Help: "Delivery status events by outcome",
		},
		[]string{"outcome"},
	)

	m.InboundMessagesTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wacrm_inbound_messages_total",
			Help: "Inbound customer messages by outcome",
		},
		[]string{"outcome"},
	)

	m.WebhookRequestsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wacrm_webhook_requests_total",
			Help: "Webhook deliveries received by result",
		},
		[]string{"result"},
	)

	m.PresenceTicksTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wacrm_presence_ticks_total",
			Help: "Presence refresh cycles by result",
		},
		[]string{"result"},
	)

	m.PresenceChangesTotal = f.NewCounter(
		prometheus.CounterOpts{
			Name: "wacrm_presence_changes_total",
			Help: "Contacts whose derived online flag flipped",
		},
	)

	m.PresenceIntervalSeconds = f.NewGauge(
		prometheus.GaugeOpts{
			Name: "wacrm_presence_interval_seconds",
			Help: "Current presence polling interval",
		},
	)

	return m
}

// NewNop returns metrics bound to a private registry, for tests and tools.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
