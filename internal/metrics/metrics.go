// Package metrics exposes Prometheus collectors for the detection engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FetchRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hlsentinel_fetch_requests_total",
			Help: "Outbound upstream requests by host and outcome",
		},
		[]string{"host", "outcome"},
	)

	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hlsentinel_fetch_breaker_state",
			Help: "Circuit breaker state per upstream host (0 closed, 1 half-open, 2 open)",
		},
		[]string{"host"},
	)

	DetectorDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hlsentinel_detector_duration_seconds",
			Help:    "Duration of one detector poll",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"detector"},
	)

	DetectorFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hlsentinel_detector_failures_total",
			Help: "Detector polls that failed and fell back to stale data",
		},
		[]string{"detector"},
	)

	EventsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hlsentinel_security_events_total",
			Help: "Security events emitted by analyzers",
		},
		[]string{"source", "severity"},
	)

	ExploitsCached = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hlsentinel_exploits_cached",
			Help: "Number of deduplicated exploits in the shared cache",
		},
	)

	ActiveDeviations = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hlsentinel_oracle_active_deviations",
			Help: "Assets currently in a dangerous oracle deviation",
		},
	)

	VaultAnomalyScore = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hlsentinel_vault_anomaly_score",
			Help: "Anomaly score of the latest vault snapshot",
		},
	)

	RiskScore = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hlsentinel_ecosystem_risk_score",
			Help: "Aggregated ecosystem risk score (0-100)",
		},
	)

	SinkErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hlsentinel_sink_errors_total",
			Help: "Persistence or publish failures by kind",
		},
		[]string{"kind"},
	)
)
