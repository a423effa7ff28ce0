package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exposes application metrics that are safe to scrape via Prometheus.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry            *prometheus.Registry
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	commandTransitions  *prometheus.CounterVec
	optimizerRuns       *prometheus.CounterVec
	optimizerDuration   prometheus.Histogram
	syncBatches         *prometheus.CounterVec
	syncedDevices       prometheus.Counter
}

// New creates a fresh Metrics registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	httpRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "smartplan",
		Name:      "http_requests_total",
		Help:      "Count of HTTP requests processed",
	}, []string{"method", "path", "status"})

	httpRequestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "smartplan",
		Name:      "http_request_duration_seconds",
		Help:      "Duration of HTTP requests",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	commandTransitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "smartplan",
		Name:      "command_transitions_total",
		Help:      "Command state machine transitions by event and resulting status",
	}, []string{"event", "status"})

	optimizerRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "smartplan",
		Name:      "optimizer_runs_total",
		Help:      "Schedule optimizer runs by rule type and outcome",
	}, []string{"rule_type", "outcome"})

	optimizerDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "smartplan",
		Name:      "optimizer_duration_seconds",
		Help:      "Duration of schedule optimizer runs",
		Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1},
	})

	syncBatches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "smartplan",
		Name:      "sync_batches_total",
		Help:      "Mobile sync batches by outcome",
	}, []string{"outcome"})

	syncedDevices := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "smartplan",
		Name:      "synced_devices_total",
		Help:      "Devices processed by mobile sync batches",
	})

	registry.MustRegister(
		httpRequests,
		httpRequestDuration,
		commandTransitions,
		optimizerRuns,
		optimizerDuration,
		syncBatches,
		syncedDevices,
	)

	return &Metrics{
		registry:            registry,
		httpRequests:        httpRequests,
		httpRequestDuration: httpRequestDuration,
		commandTransitions:  commandTransitions,
		optimizerRuns:       optimizerRuns,
		optimizerDuration:   optimizerDuration,
		syncBatches:         syncBatches,
		syncedDevices:       syncedDevices,
	}
}

// ObserveHTTPRequest records a single HTTP request/response cycle.
func (m *Metrics) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{
		"method": method,
		"path":   path,
		"status": strconv.Itoa(status),
	}
	m.httpRequests.With(labels).Inc()
	m.httpRequestDuration.With(labels).Observe(duration.Seconds())
}

// IncCommandTransition counts one applied command transition.
func (m *Metrics) IncCommandTransition(event, status string) {
	if m == nil {
		return
	}
	m.commandTransitions.WithLabelValues(event, status).Inc()
}

// ObserveOptimizerRun records one optimizer run.
func (m *Metrics) ObserveOptimizerRun(ruleType string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.optimizerRuns.WithLabelValues(ruleType, outcome).Inc()
	m.optimizerDuration.Observe(duration.Seconds())
}

// ObserveSyncBatch records one mobile sync batch.
func (m *Metrics) ObserveSyncBatch(devices int, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.syncBatches.WithLabelValues("error").Inc()
		return
	}
	m.syncBatches.WithLabelValues("ok").Inc()
	m.syncedDevices.Add(float64(devices))
}

// Handler exposes the Prometheus registry over HTTP.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("metrics unavailable"))
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
