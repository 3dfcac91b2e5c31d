// Package metrics provides Prometheus metrics for the benchrank ranking engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Manager owns every Prometheus collector of the service.
type Manager struct {
	namespace        string
	subsystem        string
	histogramBuckets []float64
	customLabels     map[string]string
	registry         prometheus.Registerer

	// Computation runs
	runsTotal         *prometheus.CounterVec
	runDuration       prometheus.Histogram
	phaseDuration     *prometheus.HistogramVec
	matchesProcessed  prometheus.Counter
	signalsProcessed  prometheus.Counter
	signalsSkipped    prometheus.Counter
	ratedModels       prometheus.Gauge
	publishedEpoch    prometheus.Gauge
	lastRunUnix       prometheus.Gauge
	lockAcquisitions  *prometheus.CounterVec
	staleLocksCleared prometheus.Counter
	eventsPublished   *prometheus.CounterVec

	// Projections and stores
	projectionEntries *prometheus.GaugeVec
	storeLatency      *prometheus.HistogramVec

	// Epoch garbage collection
	gcQueueSize      prometheus.Gauge
	gcQueueCapacity  prometheus.Gauge
	gcEnqueued       prometheus.Counter
	gcEnqueueErrors  *prometheus.CounterVec
	epochsPruned     prometheus.Counter
	gcWorkerActive   prometheus.Gauge
	gcPruneLatency   prometheus.Histogram
	gcWorkerFailures prometheus.Counter

	// HTTP
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	errorsByEndpoint    *prometheus.CounterVec
	errorsByComponent   *prometheus.CounterVec

	// System
	systemMemoryUsage    prometheus.Gauge
	systemGoroutineCount prometheus.Gauge
	systemGCPauseTime    prometheus.Histogram
}

// Global metrics manager instance.
var globalManager *Manager //nolint:gochecknoglobals // intentional global for singleton metrics manager

// Custom registry to avoid default Go metrics.
var customRegistry = prometheus.NewRegistry() //nolint:gochecknoglobals // intentional global for metrics registry

func init() { //nolint:gochecknoinits // intentional init for global metrics setup
	globalManager = NewManager(WithPrometheusRegistry(customRegistry))
}

// NewManager creates a metrics manager and registers its collectors.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "benchrank",
		subsystem:        "engine",
		histogramBuckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		customLabels:     make(map[string]string),
		registry:         prometheus.DefaultRegisterer,
	}

	for _, opt := range opts {
		opt(m)
	}

	m.initializeMetrics()
	return m
}

func (m *Manager) counter(name, help string) prometheus.Counter {
	return promauto.With(m.registry).NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, ConstLabels: m.customLabels,
	})
}

func (m *Manager) counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return promauto.With(m.registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, ConstLabels: m.customLabels,
	}, labels)
}

func (m *Manager) gauge(name, help string) prometheus.Gauge {
	return promauto.With(m.registry).NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, ConstLabels: m.customLabels,
	})
}

func (m *Manager) histogram(name, help string, buckets []float64) prometheus.Histogram {
	return promauto.With(m.registry).NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, Buckets: buckets, ConstLabels: m.customLabels,
	})
}

func (m *Manager) histogramVec(name, help string, labels ...string) *prometheus.HistogramVec {
	return promauto.With(m.registry).NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, Buckets: m.histogramBuckets, ConstLabels: m.customLabels,
	}, labels)
}

// initializeMetrics creates all the Prometheus metrics.
func (m *Manager) initializeMetrics() { //nolint:funlen // one place for every collector
	m.runsTotal = m.counterVec("runs_total", "Computation runs by final status", "status")
	m.runDuration = m.histogram("run_duration_milliseconds", "Wall time of computation runs that reached an epoch", m.histogramBuckets)
	m.phaseDuration = m.histogramVec("phase_duration_milliseconds", "Wall time of each run phase", "phase")
	m.matchesProcessed = m.counter("matches_processed_total", "Matches replayed by the ELO engine")
	m.signalsProcessed = m.counter("signals_processed_total", "Signals consumed by the trust aggregator")
	m.signalsSkipped = m.counter("signals_skipped_total", "Malformed signals skipped by the trust aggregator")
	m.ratedModels = m.gauge("rated_models", "Models with a rating in the current epoch")
	m.publishedEpoch = m.gauge("published_epoch", "Epoch id the current views point at")
	m.lastRunUnix = m.gauge("last_successful_run_unixtime", "Unix time of the last published epoch")
	m.lockAcquisitions = m.counterVec("lock_acquisitions_total", "Run lock acquisition attempts by result", "result")
	m.staleLocksCleared = m.counter("stale_locks_cleared_total", "Stale run locks force-released by the supervisor")
	m.eventsPublished = m.counterVec("epoch_events_total", "Epoch-published events by result", "result")

	m.projectionEntries = promauto.With(m.registry).NewGaugeVec(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: "projection_entries",
		Help: "Entries in each current-view projection", ConstLabels: m.customLabels,
	}, []string{"kind"})
	m.storeLatency = m.histogramVec("store_latency_milliseconds", "Store call latency by operation", "operation")

	m.gcQueueSize = m.gauge("gc_queue_size", "Epoch prune requests waiting in the queue")
	m.gcQueueCapacity = m.gauge("gc_queue_capacity", "Capacity of the epoch prune queue")
	m.gcEnqueued = m.counter("gc_enqueued_total", "Epoch prune requests accepted by the queue")
	m.gcEnqueueErrors = m.counterVec("gc_enqueue_errors_total", "Epoch prune requests rejected by the queue", "reason")
	m.epochsPruned = m.counter("epochs_pruned_total", "Epochs whose rows were deleted")
	m.gcWorkerActive = m.gauge("gc_workers_active", "Running epoch GC workers")
	m.gcPruneLatency = m.histogram("gc_prune_latency_milliseconds", "Latency of pruning one epoch", m.histogramBuckets)
	m.gcWorkerFailures = m.counter("gc_prune_failures_total", "Epoch prune attempts that failed")

	m.httpRequests = m.counterVec("http_requests_total", "HTTP requests by endpoint, method and status", "endpoint", "method", "status_code")
	m.httpRequestDuration = m.histogramVec("http_request_duration_milliseconds", "HTTP request duration", "endpoint", "method", "status_code")
	m.errorsByEndpoint = m.counterVec("errors_by_endpoint_total", "HTTP errors by endpoint", "endpoint", "method", "error_type")
	m.errorsByComponent = m.counterVec("errors_by_component_total", "Errors by component and type", "component", "error_type")

	m.systemMemoryUsage = m.gauge("system_memory_usage_bytes", "System memory usage in bytes")
	m.systemGoroutineCount = m.gauge("system_goroutine_count", "Number of goroutines")
	m.systemGCPauseTime = m.histogram("system_gc_pause_time_milliseconds", "GC pause time in milliseconds",
		[]float64{0.1, 0.5, 1, 2, 5, 10, 25, 50, 100, 250, 500, 1000})
}

// RecordRun counts a finished run by status: succeeded, failed, busy, stale.
func RecordRun(status string) {
	globalManager.runsTotal.WithLabelValues(status).Inc()
}

// RecordRunDuration records the wall time of a run in milliseconds.
func RecordRunDuration(ms float64) {
	globalManager.runDuration.Observe(ms)
}

// RecordPhaseDuration records the wall time of one run phase.
func RecordPhaseDuration(phase string, ms float64) {
	globalManager.phaseDuration.WithLabelValues(phase).Observe(ms)
}

// RecordMatchesProcessed adds replayed matches.
func RecordMatchesProcessed(n int) {
	globalManager.matchesProcessed.Add(float64(n))
}

// RecordSignals adds processed and skipped signal counts.
func RecordSignals(processed, skipped int) {
	globalManager.signalsProcessed.Add(float64(processed))
	globalManager.signalsSkipped.Add(float64(skipped))
}

// UpdateRatedModels sets the number of rated models.
func UpdateRatedModels(n int) {
	globalManager.ratedModels.Set(float64(n))
}

// UpdatePublishedEpoch records the epoch that just became current.
func UpdatePublishedEpoch(epochID int64, unix float64) {
	globalManager.publishedEpoch.Set(float64(epochID))
	globalManager.lastRunUnix.Set(unix)
}

// RecordLockAcquire counts a lock attempt: acquired, busy, stale, error.
func RecordLockAcquire(result string) {
	globalManager.lockAcquisitions.WithLabelValues(result).Inc()
}

// RecordStaleLockCleared counts a supervisor force-release.
func RecordStaleLockCleared() {
	globalManager.staleLocksCleared.Inc()
}

// RecordEpochEvent counts an epoch event publish by result: ok, error.
func RecordEpochEvent(result string) {
	globalManager.eventsPublished.WithLabelValues(result).Inc()
}

// UpdateProjectionEntries sets the size of one projection.
func UpdateProjectionEntries(kind string, n int) {
	globalManager.projectionEntries.WithLabelValues(kind).Set(float64(n))
}

// RecordStoreLatency records a store call latency in milliseconds.
func RecordStoreLatency(operation string, ms float64) {
	globalManager.storeLatency.WithLabelValues(operation).Observe(ms)
}

// UpdateGCQueueSize sets the prune queue length.
func UpdateGCQueueSize(n int) {
	globalManager.gcQueueSize.Set(float64(n))
}

// UpdateGCQueueCapacity sets the prune queue capacity.
func UpdateGCQueueCapacity(n int) {
	globalManager.gcQueueCapacity.Set(float64(n))
}

// RecordGCEnqueue counts an accepted prune request.
func RecordGCEnqueue() {
	globalManager.gcEnqueued.Inc()
}

// RecordGCEnqueueError counts a rejected prune request.
func RecordGCEnqueueError(reason string) {
	globalManager.gcEnqueueErrors.WithLabelValues(reason).Inc()
}

// RecordEpochPruned counts a pruned epoch and its latency.
func RecordEpochPruned(ms float64) {
	globalManager.epochsPruned.Inc()
	globalManager.gcPruneLatency.Observe(ms)
}

// RecordPruneFailure counts a failed prune.
func RecordPruneFailure() {
	globalManager.gcWorkerFailures.Inc()
}

// UpdateGCWorkerCount sets the number of running GC workers.
func UpdateGCWorkerCount(n int) {
	globalManager.gcWorkerActive.Set(float64(n))
}

// RecordHTTPRequest records an HTTP request.
func RecordHTTPRequest(endpoint, method, statusCode string) {
	globalManager.httpRequests.WithLabelValues(endpoint, method, statusCode).Inc()
}

// RecordHTTPRequestDuration records HTTP request duration.
func RecordHTTPRequestDuration(endpoint, method, statusCode string, duration float64) {
	globalManager.httpRequestDuration.WithLabelValues(endpoint, method, statusCode).Observe(duration)
}

// RecordErrorByEndpoint records an HTTP error.
func RecordErrorByEndpoint(endpoint, method, errorType string) {
	globalManager.errorsByEndpoint.WithLabelValues(endpoint, method, errorType).Inc()
}

// RecordErrorByComponent records an error by component and type.
func RecordErrorByComponent(component, errorType string) {
	globalManager.errorsByComponent.WithLabelValues(component, errorType).Inc()
}

// UpdateSystemMemoryUsage sets system memory usage in bytes.
func UpdateSystemMemoryUsage(bytes uint64) {
	globalManager.systemMemoryUsage.Set(float64(bytes))
}

// UpdateSystemGoroutineCount sets the goroutine count.
func UpdateSystemGoroutineCount(count int) {
	globalManager.systemGoroutineCount.Set(float64(count))
}

// RecordSystemGCPauseTime records GC pause time in milliseconds.
func RecordSystemGCPauseTime(pauseMs float64) {
	globalManager.systemGCPauseTime.Observe(pauseMs)
}

// GetRegistry returns the custom Prometheus registry used by our metrics.
func GetRegistry() *prometheus.Registry {
	return customRegistry
}
