package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	globalMetrics *Metrics
	globalMu      sync.RWMutex
)

// Metrics holds all Prometheus metrics for OnTask
type Metrics struct {
	// Dispatch
	CampaignRunsTotal  *prometheus.CounterVec
	EmailsSentTotal    *prometheus.CounterVec
	EmailsFailedTotal  *prometheus.CounterVec
	RunDurationSeconds *prometheus.HistogramVec
	RunsInProgress     prometheus.Gauge

	// Tracking
	TrackingHitsTotal *prometheus.CounterVec

	// API metrics
	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec
	APIErrorsTotal            *prometheus.CounterVec

	// Rate limiting
	RateLimitExceededTotal *prometheus.CounterVec

	// System metrics
	UptimeSeconds    prometheus.Gauge
	Goroutines       prometheus.Gauge
	StorageUsedBytes prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		CampaignRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ontask_campaign_runs_total",
				Help: "Total number of completed dispatch runs",
			},
			[]string{"type"},
		),
		EmailsSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ontask_emails_sent_total",
				Help: "Total number of emails accepted by the transport",
			},
			[]string{"type"},
		),
		EmailsFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ontask_emails_failed_total",
				Help: "Total number of emails recorded as failed",
			},
			[]string{"type", "error_type"},
		),
		RunDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ontask_run_duration_seconds",
				Help:    "Dispatch run duration in seconds",
				Buckets: []float64{.1, .5, 1, 5, 15, 30, 60, 300, 900},
			},
			[]string{"type"},
		),
		RunsInProgress: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "ontask_runs_in_progress",
				Help: "Number of dispatch runs currently executing",
			},
		),

		TrackingHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ontask_tracking_hits_total",
				Help: "Total number of verified tracking pixel hits",
			},
			[]string{"result"},
		),

		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ontask_api_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "path", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ontask_api_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		APIErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ontask_api_errors_total",
				Help: "Total number of API errors",
			},
			[]string{"error_type"},
		),

		RateLimitExceededTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ontask_ratelimit_exceeded_total",
				Help: "Total number of rate limit exceeded events",
			},
			[]string{"level"},
		),

		UptimeSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "ontask_uptime_seconds",
				Help: "Server uptime in seconds",
			},
		),
		Goroutines: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "ontask_goroutines",
				Help: "Number of active goroutines",
			},
		),
		StorageUsedBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "ontask_storage_used_bytes",
				Help: "BoltDB file size in bytes",
			},
		),

		registry: reg,
	}

	reg.MustRegister(
		m.CampaignRunsTotal,
		m.EmailsSentTotal,
		m.EmailsFailedTotal,
		m.RunDurationSeconds,
		m.RunsInProgress,
		m.TrackingHitsTotal,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
		m.APIErrorsTotal,
		m.RateLimitExceededTotal,
		m.UptimeSeconds,
		m.Goroutines,
		m.StorageUsedBytes,
	)

	return m
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetGlobal sets the global metrics instance
func SetGlobal(m *Metrics) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalMetrics = m
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalMetrics
}

// RunStarted marks a dispatch run as executing
func RunStarted() {
	if m := Global(); m != nil {
		m.RunsInProgress.Inc()
	}
}

// RunFinished records a completed run of the given job type
func RunFinished(jobType string, seconds float64) {
	if m := Global(); m != nil {
		m.RunsInProgress.Dec()
		m.CampaignRunsTotal.WithLabelValues(jobType).Inc()
		m.RunDurationSeconds.WithLabelValues(jobType).Observe(seconds)
	}
}

// RunAborted releases the in-progress gauge of a run that did not complete
func RunAborted() {
	if m := Global(); m != nil {
		m.RunsInProgress.Dec()
	}
}

// IncEmailsSent increments the sent email counter
func IncEmailsSent(jobType string) {
	if m := Global(); m != nil {
		m.EmailsSentTotal.WithLabelValues(jobType).Inc()
	}
}

// IncEmailsFailed increments the failed email counter
func IncEmailsFailed(jobType, errorType string) {
	if m := Global(); m != nil {
		m.EmailsFailedTotal.WithLabelValues(jobType, errorType).Inc()
	}
}

// IncTrackingHits counts a tracking hit; found tells whether it matched an email
func IncTrackingHits(found bool) {
	m := Global()
	if m == nil {
		return
	}
	result := "recorded"
	if !found {
		result = "unknown"
	}
	m.TrackingHitsTotal.WithLabelValues(result).Inc()
}

// IncRateLimitExceeded increments rate limit exceeded counter
func IncRateLimitExceeded(level string) {
	if m := Global(); m != nil {
		m.RateLimitExceededTotal.WithLabelValues(level).Inc()
	}
}

// IncAPIErrors increments API error counter
func IncAPIErrors(errorType string) {
	if m := Global(); m != nil {
		m.APIErrorsTotal.WithLabelValues(errorType).Inc()
	}
}
