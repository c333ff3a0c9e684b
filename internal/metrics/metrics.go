package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Connects counts completed connect attempts by outcome.
	Connects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "calconnect_connects_total",
			Help: "The total number of calendar connect attempts.",
		},
		[]string{"provider", "result"},
	)

	// Disconnects counts disconnect calls.
	Disconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "calconnect_disconnects_total",
			Help: "The total number of calendar disconnects.",
		},
		[]string{"provider"},
	)

	// TokenRefreshes counts access token refreshes by outcome.
	TokenRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "calconnect_token_refresh_total",
			Help: "The total number of access token refreshes.",
		},
		[]string{"provider", "result"},
	)

	// ProviderRequests counts outbound provider calls by outcome.
	ProviderRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "calconnect_provider_requests_total",
			Help: "The total number of calls made to calendar providers.",
		},
		[]string{"provider", "operation", "result"},
	)

	// ProviderDuration is a histogram of outbound provider call latency.
	ProviderDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "calconnect_provider_request_duration_seconds",
			Help:    "A histogram of calendar provider call durations.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 9), // 50ms .. 12.8s
		},
		[]string{"provider", "operation"},
	)

	// Events counts event create and delete outcomes.
	Events = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "calconnect_events_total",
			Help: "The total number of calendar event operations.",
		},
		[]string{"provider", "operation", "result"},
	)

	// LegacyPlaintextConnections is the number of rows still holding plaintext tokens.
	LegacyPlaintextConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "calconnect_legacy_plaintext_connections",
			Help: "Connections whose tokens are stored without encryption.",
		},
	)

	// StoredConnections is the number of stored connections per provider.
	StoredConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "calconnect_connections",
			Help: "The number of stored calendar connections.",
		},
		[]string{"provider"},
	)

	// AuditDropped counts audit entries dropped on a full queue.
	AuditDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "calconnect_audit_dropped_total",
			Help: "Audit entries dropped because the write queue was full.",
		},
	)
)

// Result turns an error into a low-cardinality result label.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
