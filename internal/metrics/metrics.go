// Package metrics holds the Prometheus collectors of the tuner. Collectors
// register with the default registry on import.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TrialsResolved counts trials resolved by this process.
	TrialsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pidtune_trials_resolved_total",
		Help: "Trials resolved by this process, by study and final status",
	}, []string{"study", "status"})

	// OracleDuration tracks the latency of single simulation calls.
	OracleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pidtune_oracle_call_duration_seconds",
		Help:    "Duration of one simulation call",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 16), // 10ms to ~5.5min
	}, []string{"result"})

	// OracleRetries counts retried simulation attempts.
	OracleRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pidtune_oracle_retries_total",
		Help: "Simulation attempts retried after a transient failure",
	})

	// LeasesReclaimed counts expired leases returned to the queue or failed.
	LeasesReclaimed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pidtune_leases_reclaimed_total",
		Help: "RUNNING trials whose lease expired and were reclaimed",
	}, []string{"study"})

	// SuggestDuration tracks the time to fit the surrogate and propose a point.
	SuggestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pidtune_suggest_duration_seconds",
		Help:    "Duration of one suggestion including the store snapshot",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	})

	// Suggestions counts suggestions by sampler source.
	Suggestions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pidtune_suggestions_total",
		Help: "Suggestions by source (random, surrogate, fallback)",
	}, []string{"source"})

	// BestObjective is the best objective seen by this process per study.
	BestObjective = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pidtune_best_objective",
		Help: "Best objective observed per study",
	}, []string{"study"})

	// HTTPRequests counts store API requests served.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pidtune_http_requests_total",
		Help: "Store API requests by route and status code",
	}, []string{"route", "code"})
)

// ObserveOracle records one simulation call.
func ObserveOracle(result string, d time.Duration) {
	OracleDuration.WithLabelValues(result).Observe(d.Seconds())
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
