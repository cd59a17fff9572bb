// Package metrics provides Prometheus metrics collection for quotaguard.
package metrics

import (
	"time"

	"github.com/artpar/quotaguard/ports"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "quotaguard"

// Collector holds all Prometheus metrics for quotaguard.
type Collector struct {
	// Decision metrics
	Decisions *prometheus.CounterVec
	FailOpen  *prometheus.CounterVec

	// Concurrency metrics
	SlotsInFlight prometheus.Gauge

	// Usage metrics
	Events *prometheus.CounterVec

	// Background job metrics
	JobRuns     *prometheus.CounterVec
	JobDuration *prometheus.HistogramVec

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Config metrics
	ConfigReloads      prometheus.Counter
	ConfigReloadErrors prometheus.Counter
	ConfigLastReload   prometheus.Gauge
}

// New creates a collector registered with the default registry.
func New() *Collector {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new metrics collector with a custom registry.
// Useful for testing to avoid global state.
func NewWithRegistry(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		Decisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "decisions_total",
				Help:      "Admission decisions by result and violated window",
			},
			[]string{"result", "window"},
		),
		FailOpen: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fail_open_total",
				Help:      "Operations that degraded because the counter store was unavailable",
			},
			[]string{"operation"},
		),
		SlotsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "slots_in_flight",
				Help:      "Concurrency slots held by this instance",
			},
		),
		Events: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "usage_events_total",
				Help:      "Usage events by outcome (queued, reconciled, billed, malformed, lost)",
			},
			[]string{"outcome"},
		),
		JobRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "job_runs_total",
				Help:      "Background job attempts by job and status",
			},
			[]string{"job", "status"},
		),
		JobDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "job_duration_seconds",
				Help:      "Background job duration in seconds",
				Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300},
			},
			[]string{"job"},
		),
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "HTTP requests by method, route and status class",
			},
			[]string{"method", "route", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "route"},
		),
		ConfigReloads: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "config_reloads_total",
				Help:      "Total number of successful config reloads",
			},
		),
		ConfigReloadErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "config_reload_errors_total",
				Help:      "Total number of config reload errors",
			},
		),
		ConfigLastReload: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "config_last_reload_timestamp",
				Help:      "Unix timestamp of last successful config reload",
			},
		),
	}
}

// ObserveDecision counts an admission decision. window is empty when allowed.
func (c *Collector) ObserveDecision(result, window string) {
	if window == "" {
		window = "none"
	}
	c.Decisions.WithLabelValues(result, window).Inc()
}

// ObserveFailOpen counts a degraded operation.
func (c *Collector) ObserveFailOpen(operation string) {
	c.FailOpen.WithLabelValues(operation).Inc()
}

// ObserveSlots moves the in-flight gauge.
func (c *Collector) ObserveSlots(delta int) {
	c.SlotsInFlight.Add(float64(delta))
}

// ObserveEvents counts usage events by outcome.
func (c *Collector) ObserveEvents(outcome string, n int) {
	if n <= 0 {
		return
	}
	c.Events.WithLabelValues(outcome).Add(float64(n))
}

// ObserveJob records one job attempt.
func (c *Collector) ObserveJob(job string, err error, took time.Duration) {
	status := "success"
	if err != nil {
		status = "error"
	}
	c.JobRuns.WithLabelValues(job, status).Inc()
	c.JobDuration.WithLabelValues(job).Observe(took.Seconds())
}

// ObserveConfigReload records a configuration reload attempt.
func (c *Collector) ObserveConfigReload(err error) {
	if err != nil {
		c.ConfigReloadErrors.Inc()
		return
	}
	c.ConfigReloads.Inc()
	c.ConfigLastReload.SetToCurrentTime()
}

// StatusClass reduces an HTTP status to its class label (2xx, 4xx, ...).
func StatusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	case code >= 200:
		return "2xx"
	}
	return "1xx"
}

var _ ports.Metrics = (*Collector)(nil)
