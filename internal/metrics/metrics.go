// Package metrics provides Prometheus metrics for the PoC miner.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the miner.
type Metrics struct {
	registry *prometheus.Registry

	// Round metrics
	RoundsStarted  prometheus.Counter
	RoundsFinished prometheus.Counter
	RoundDuration  prometheus.Histogram
	RoundSpeed     prometheus.Gauge
	CurrentHeight  prometheus.Gauge

	// Reader metrics
	BytesRead      *prometheus.CounterVec
	ReadErrors     *prometheus.CounterVec
	BufferPoolFree prometheus.Gauge

	// Deadline metrics
	DeadlinesFound prometheus.Counter
	BestDeadline   *prometheus.GaugeVec

	// Network metrics
	Submissions      *prometheus.CounterVec
	MiningInfoErrors prometheus.Counter
	RetryAttempts    *prometheus.CounterVec
}

var (
	mu             sync.RWMutex
	defaultMetrics *Metrics
)

// Init creates the metric set on a fresh registry and installs it as the
// global instance. Calling Init again replaces the previous instance.
func Init(namespace string) *Metrics {
	if namespace == "" {
		namespace = "poc_miner"
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	f := promauto.With(reg)

	m := &Metrics{
		registry: reg,
		RoundsStarted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rounds_started_total",
			Help:      "Total number of mining rounds started",
		}),
		RoundsFinished: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rounds_finished_total",
			Help:      "Total number of mining rounds scanned to completion",
		}),
		RoundDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "round_duration_seconds",
			Help:      "Time to scan all drives for one round",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10), // 0.5s to ~256s
		}),
		RoundSpeed: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "round_speed_mib_per_second",
			Help:      "Effective read speed of the last finished round",
		}),
		CurrentHeight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "current_height",
			Help:      "Block height of the active round",
		}),
		BytesRead: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_read_total",
			Help:      "Total plot bytes read",
		}, []string{"drive"}),
		ReadErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "read_errors_total",
			Help:      "Total plot prepare and read failures",
		}, []string{"drive"}),
		BufferPoolFree: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "buffer_pool_free",
			Help:      "Number of idle buffers in the pool",
		}),
		DeadlinesFound: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deadlines_found_total",
			Help:      "Total number of deadlines accepted as a new best",
		}),
		BestDeadline: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "best_deadline_seconds",
			Help:      "Best deadline of the active round per account",
		}, []string{"account"}),
		Submissions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Nonce submissions by outcome",
		}, []string{"outcome"}),
		MiningInfoErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mining_info_errors_total",
			Help:      "Total failed mining info requests",
		}),
		RetryAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_attempts_total",
			Help:      "Total number of retry attempts",
		}, []string{"operation"}),
	}

	mu.Lock()
	defaultMetrics = m
	mu.Unlock()
	return m
}

// Get returns the global metrics instance.
// Returns nil if Init has not been called.
func Get() *Metrics {
	mu.RLock()
	defer mu.RUnlock()
	return defaultMetrics
}

// Handler returns the HTTP handler exposing this metric set.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer starts an HTTP server for Prometheus metrics scraping.
// Blocks until the server exits.
func StartServer(address string, m *Metrics) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return http.ListenAndServe(address, mux)
}

// Submission outcomes.
const (
	OutcomeAccepted  = "accepted"
	OutcomeMismatch  = "mismatch"
	OutcomeRejected  = "rejected"
	OutcomeRetried   = "retried"
	OutcomeExhausted = "exhausted"
)

// ObserveRoundStart records a new round at height.
func (m *Metrics) ObserveRoundStart(height uint64) {
	m.RoundsStarted.Inc()
	m.CurrentHeight.Set(float64(height))
	m.BestDeadline.Reset()
}

// ObserveRoundFinished records a completed scan.
func (m *Metrics) ObserveRoundFinished(seconds, mibPerSecond float64) {
	m.RoundsFinished.Inc()
	m.RoundDuration.Observe(seconds)
	m.RoundSpeed.Set(mibPerSecond)
}

// AddBytesRead adds to the bytes read counter of a drive.
func (m *Metrics) AddBytesRead(drive string, n int) {
	m.BytesRead.WithLabelValues(drive).Add(float64(n))
}

// IncReadErrors increments the read error counter of a drive.
func (m *Metrics) IncReadErrors(drive string) {
	m.ReadErrors.WithLabelValues(drive).Inc()
}

// SetBufferPoolFree sets the number of idle buffers.
func (m *Metrics) SetBufferPoolFree(n int) {
	m.BufferPoolFree.Set(float64(n))
}

// SetBestDeadline records a new best deadline for an account.
func (m *Metrics) SetBestDeadline(account string, deadline uint64) {
	m.DeadlinesFound.Inc()
	m.BestDeadline.WithLabelValues(account).Set(float64(deadline))
}

// IncSubmissions increments the submission counter for an outcome.
func (m *Metrics) IncSubmissions(outcome string) {
	m.Submissions.WithLabelValues(outcome).Inc()
}

// IncMiningInfoErrors increments the mining info error counter.
func (m *Metrics) IncMiningInfoErrors() {
	m.MiningInfoErrors.Inc()
}

// IncRetryAttempts increments the retry attempts counter.
func (m *Metrics) IncRetryAttempts(operation string) {
	m.RetryAttempts.WithLabelValues(operation).Inc()
}
