package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the prometheus collectors shared by the API, the worker and
// the watchdog. All methods are safe on a nil receiver so components can run
// without instrumentation in tests.
type Metrics struct {
	registry *prometheus.Registry

	// HTTPRequests counts API requests.
	// Labels: method, route, status_code
	HTTPRequests *prometheus.CounterVec

	// HTTPDuration measures API request latency in seconds.
	// Labels: method, route
	HTTPDuration *prometheus.HistogramVec

	// RunTransitions counts successful run state transitions.
	// Labels: event (start|complete|fail|cancel), to
	RunTransitions *prometheus.CounterVec

	// ResultsInserted counts result rows persisted through batch creation.
	ResultsInserted prometheus.Counter

	// TasksEnqueued counts dispatched run tasks.
	// Labels: backend (memory|jetstream), status (success|error)
	TasksEnqueued *prometheus.CounterVec

	// TaskRetries counts redeliveries scheduled after a transient failure.
	TaskRetries prometheus.Counter

	// TasksAbandoned counts tasks dropped after the retry ceiling.
	TasksAbandoned prometheus.Counter

	// TaskDuration measures run execution time in seconds.
	// Labels: outcome (completed|failed|cancelled|retry)
	TaskDuration *prometheus.HistogramVec

	// StaleRunsFailed counts runs failed by the watchdog.
	StaleRunsFailed prometheus.Counter
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "evalhub_http_requests_total",
			Help: "Total number of HTTP requests by method, route and status code",
		}, []string{"method", "route", "status_code"}),
		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "evalhub_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"method", "route"}),
		RunTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "evalhub_run_transitions_total",
			Help: "Total number of run state transitions by event and target status",
		}, []string{"event", "to"}),
		ResultsInserted: f.NewCounter(prometheus.CounterOpts{
			Name: "evalhub_results_inserted_total",
			Help: "Total number of result rows inserted",
		}),
		TasksEnqueued: f.NewCounterVec(prometheus.CounterOpts{
			Name: "evalhub_dispatch_enqueued_total",
			Help: "Total number of run tasks enqueued by backend and status",
		}, []string{"backend", "status"}),
		TaskRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "evalhub_dispatch_retries_total",
			Help: "Total number of run task redeliveries scheduled",
		}),
		TasksAbandoned: f.NewCounter(prometheus.CounterOpts{
			Name: "evalhub_dispatch_abandoned_total",
			Help: "Total number of run tasks abandoned after the retry ceiling",
		}),
		TaskDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "evalhub_task_duration_seconds",
			Help:    "Duration of run task execution in seconds",
			Buckets: []float64{0.1, 1, 5, 30, 60, 300, 900, 3600},
		}, []string{"outcome"}),
		StaleRunsFailed: f.NewCounter(prometheus.CounterOpts{
			Name: "evalhub_watchdog_failed_runs_total",
			Help: "Total number of stale runs failed by the watchdog",
		}),
	}
}

// Handler exposes the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

func (m *Metrics) RunTransition(event, to string) {
	if m == nil {
		return
	}
	m.RunTransitions.WithLabelValues(event, to).Inc()
}

func (m *Metrics) ResultsCreated(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ResultsInserted.Add(float64(n))
}

func (m *Metrics) TaskEnqueued(backend string, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.TasksEnqueued.WithLabelValues(backend, status).Inc()
}

func (m *Metrics) TaskRetried() {
	if m == nil {
		return
	}
	m.TaskRetries.Inc()
}

func (m *Metrics) TaskAbandoned() {
	if m == nil {
		return
	}
	m.TasksAbandoned.Inc()
}

func (m *Metrics) TaskFinished(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.TaskDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

func (m *Metrics) StaleRunFailed() {
	if m == nil {
		return
	}
	m.StaleRunsFailed.Inc()
}
