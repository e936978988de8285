// Package metrics provides Prometheus-based metrics collection for perimetra.
// It tracks scan lifecycle, passive recon providers, worker dispatch, database
// operations, and the HTTP API surface.
package metrics

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const (
	// Namespace for all perimetra metrics
	namespace = "perimetra"

	// Subsystems
	subsystemScan     = "scan"
	subsystemRecon    = "recon"
	subsystemDispatch = "dispatch"
	subsystemDatabase = "database"
	subsystemSystem   = "system"
	subsystemAPI      = "api"
)

// PrometheusMetrics holds all Prometheus metric collectors.
type PrometheusMetrics struct {
	// Scan metrics
	scansTotal   *prometheus.CounterVec
	scanDuration *prometheus.HistogramVec
	scanErrors   *prometheus.CounterVec
	assetsFound  *prometheus.CounterVec
	vulnsFound   *prometheus.CounterVec
	activeScans  prometheus.Gauge

	// Recon metrics
	reconLookups  *prometheus.CounterVec
	reconDuration *prometheus.HistogramVec
	reconErrors   *prometheus.CounterVec

	// Dispatch metrics
	dispatchTotal    *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec

	// Database metrics
	dbQueries       *prometheus.CounterVec
	dbQueryDuration *prometheus.HistogramVec
	dbConnections   prometheus.Gauge
	dbErrors        *prometheus.CounterVec

	// API metrics
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	// System metrics
	memoryUsage prometheus.Gauge
	goroutines  prometheus.Gauge
	uptime      prometheus.Gauge

	startTime  time.Time
	lastUpdate time.Time
	mu         sync.RWMutex
	registry   *prometheus.Registry
}

// NewPrometheusMetrics creates a new Prometheus metrics instance with all collectors.
func NewPrometheusMetrics() *PrometheusMetrics {
	registry := prometheus.NewRegistry()

	pm := &PrometheusMetrics{
		startTime: time.Now(),
		registry:  registry,
	}

	pm.initScanMetrics()
	pm.initReconMetrics()
	pm.initDispatchMetrics()
	pm.initDatabaseMetrics()
	pm.initAPIMetrics()
	pm.initSystemMetrics()

	pm.registerMetrics()

	// Register standard Go and process collectors for runtime visibility
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return pm
}

func (pm *PrometheusMetrics) initScanMetrics() {
	pm.scansTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemScan,
			Name:      "total",
			Help:      "Total number of scans performed by mode and status",
		},
		[]string{"mode", "status"},
	)

	pm.scanDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemScan,
			Name:      "duration_seconds",
			Help:      "Duration of scan pipelines in seconds",
			Buckets:   []float64{0.5, 1.0, 5.0, 10.0, 30.0, 60.0, 300.0, 600.0, 1800.0},
		},
		[]string{"mode"},
	)

	pm.scanErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemScan,
			Name:      "errors_total",
			Help:      "Total number of scan errors by mode and error code",
		},
		[]string{"mode", "error_code"},
	)

	pm.assetsFound = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemScan,
			Name:      "assets_total",
			Help:      "Total number of assets reconciled by outcome",
		},
		[]string{"mode", "outcome"},
	)

	pm.vulnsFound = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemScan,
			Name:      "vulnerabilities_total",
			Help:      "Total number of vulnerability findings recorded by severity",
		},
		[]string{"severity"},
	)

	pm.activeScans = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemScan,
			Name:      "active",
			Help:      "Number of currently running scan pipelines",
		},
	)
}

func (pm *PrometheusMetrics) initReconMetrics() {
	pm.reconLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemRecon,
			Name:      "lookups_total",
			Help:      "Total number of passive recon lookups by provider and status",
		},
		[]string{"provider", "status"},
	)

	pm.reconDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemRecon,
			Name:      "duration_seconds",
			Help:      "Duration of passive recon lookups in seconds",
			Buckets:   []float64{0.1, 0.5, 1.0, 5.0, 10.0, 30.0, 60.0},
		},
		[]string{"provider"},
	)

	pm.reconErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemRecon,
			Name:      "errors_total",
			Help:      "Total number of passive recon errors by provider",
		},
		[]string{"provider"},
	)
}

func (pm *PrometheusMetrics) initDispatchMetrics() {
	pm.dispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemDispatch,
			Name:      "total",
			Help:      "Total number of worker dispatches by worker and status",
		},
		[]string{"worker", "status"},
	)

	pm.dispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemDispatch,
			Name:      "duration_seconds",
			Help:      "Duration of worker dispatch round-trips in seconds",
			Buckets:   []float64{1.0, 5.0, 10.0, 30.0, 60.0, 300.0, 600.0, 1800.0},
		},
		[]string{"worker"},
	)
}

func (pm *PrometheusMetrics) initDatabaseMetrics() {
	pm.dbQueries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemDatabase,
			Name:      "queries_total",
			Help:      "Total number of database queries by operation and status",
		},
		[]string{"operation", "status"},
	)

	pm.dbQueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemDatabase,
			Name:      "query_duration_seconds",
			Help:      "Duration of database queries in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		},
		[]string{"operation"},
	)

	pm.dbConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemDatabase,
			Name:      "connections_active",
			Help:      "Number of active database connections",
		},
	)

	pm.dbErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemDatabase,
			Name:      "errors_total",
			Help:      "Total number of database errors by operation and error type",
		},
		[]string{"operation", "error_type"},
	)
}

func (pm *PrometheusMetrics) initAPIMetrics() {
	pm.httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemAPI,
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by method, path and status",
		},
		[]string{"method", "path", "status"},
	)

	pm.httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemAPI,
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0},
		},
		[]string{"method", "path"},
	)
}

func (pm *PrometheusMetrics) initSystemMetrics() {
	pm.memoryUsage = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemSystem,
			Name:      "memory_bytes",
			Help:      "Current memory usage in bytes",
		},
	)

	pm.goroutines = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemSystem,
			Name:      "goroutines",
			Help:      "Current number of goroutines",
		},
	)

	pm.uptime = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemSystem,
			Name:      "uptime_seconds",
			Help:      "Application uptime in seconds",
		},
	)
}

func (pm *PrometheusMetrics) registerMetrics() {
	pm.registry.MustRegister(pm.scansTotal)
	pm.registry.MustRegister(pm.scanDuration)
	pm.registry.MustRegister(pm.scanErrors)
	pm.registry.MustRegister(pm.assetsFound)
	pm.registry.MustRegister(pm.vulnsFound)
	pm.registry.MustRegister(pm.activeScans)

	pm.registry.MustRegister(pm.reconLookups)
	pm.registry.MustRegister(pm.reconDuration)
	pm.registry.MustRegister(pm.reconErrors)

	pm.registry.MustRegister(pm.dispatchTotal)
	pm.registry.MustRegister(pm.dispatchDuration)

	pm.registry.MustRegister(pm.dbQueries)
	pm.registry.MustRegister(pm.dbQueryDuration)
	pm.registry.MustRegister(pm.dbConnections)
	pm.registry.MustRegister(pm.dbErrors)

	pm.registry.MustRegister(pm.httpRequests)
	pm.registry.MustRegister(pm.httpDuration)

	pm.registry.MustRegister(pm.memoryUsage)
	pm.registry.MustRegister(pm.goroutines)
	pm.registry.MustRegister(pm.uptime)
}

// GetRegistry returns the Prometheus registry for the HTTP handler.
func (pm *PrometheusMetrics) GetRegistry() *prometheus.Registry {
	return pm.registry
}

// Scan Metrics Methods

// IncrementScansTotal increments the total scan counter.
func (pm *PrometheusMetrics) IncrementScansTotal(mode, status string) {
	pm.scansTotal.WithLabelValues(mode, status).Inc()
}

// RecordScanDuration records a scan pipeline duration.
func (pm *PrometheusMetrics) RecordScanDuration(mode string, duration time.Duration) {
	pm.scanDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

// IncrementScanErrors increments the scan error counter.
func (pm *PrometheusMetrics) IncrementScanErrors(mode, errorCode string) {
	pm.scanErrors.WithLabelValues(mode, errorCode).Inc()
}

// IncrementAssetsReconciled records reconciled asset counts by outcome.
func (pm *PrometheusMetrics) IncrementAssetsReconciled(mode, outcome string, count int) {
	pm.assetsFound.WithLabelValues(mode, outcome).Add(float64(count))
}

// IncrementVulnerabilities records vulnerability findings by severity.
func (pm *PrometheusMetrics) IncrementVulnerabilities(severity string, count int) {
	pm.vulnsFound.WithLabelValues(severity).Add(float64(count))
}

// ScanStarted increments the active scan gauge.
func (pm *PrometheusMetrics) ScanStarted() {
	pm.activeScans.Inc()
}

// ScanFinished decrements the active scan gauge.
func (pm *PrometheusMetrics) ScanFinished() {
	pm.activeScans.Dec()
}

// Recon Metrics Methods

// IncrementReconLookups increments the recon lookup counter.
func (pm *PrometheusMetrics) IncrementReconLookups(provider, status string) {
	pm.reconLookups.WithLabelValues(provider, status).Inc()
}

// RecordReconDuration records a recon lookup duration.
func (pm *PrometheusMetrics) RecordReconDuration(provider string, duration time.Duration) {
	pm.reconDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// IncrementReconErrors increments the recon error counter.
func (pm *PrometheusMetrics) IncrementReconErrors(provider string) {
	pm.reconErrors.WithLabelValues(provider).Inc()
}

// Dispatch Metrics Methods

// IncrementDispatchTotal increments the worker dispatch counter.
func (pm *PrometheusMetrics) IncrementDispatchTotal(worker, status string) {
	pm.dispatchTotal.WithLabelValues(worker, status).Inc()
}

// RecordDispatchDuration records a worker dispatch duration.
func (pm *PrometheusMetrics) RecordDispatchDuration(worker string, duration time.Duration) {
	pm.dispatchDuration.WithLabelValues(worker).Observe(duration.Seconds())
}

// Database Metrics Methods

// IncrementDatabaseQueries increments the database query counter.
func (pm *PrometheusMetrics) IncrementDatabaseQueries(operation, status string) {
	pm.dbQueries.WithLabelValues(operation, status).Inc()
}

// RecordDatabaseQueryDuration records a database query duration.
func (pm *PrometheusMetrics) RecordDatabaseQueryDuration(operation string, duration time.Duration) {
	pm.dbQueryDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// SetActiveConnections sets the number of active database connections.
func (pm *PrometheusMetrics) SetActiveConnections(count int) {
	pm.dbConnections.Set(float64(count))
}

// IncrementDatabaseErrors increments the database error counter.
func (pm *PrometheusMetrics) IncrementDatabaseErrors(operation, errorType string) {
	pm.dbErrors.WithLabelValues(operation, errorType).Inc()
}

// API Metrics Methods

// IncrementHTTPRequests increments the HTTP request counter.
func (pm *PrometheusMetrics) IncrementHTTPRequests(method, path, status string) {
	pm.httpRequests.WithLabelValues(method, path, status).Inc()
}

// RecordHTTPDuration records an HTTP request duration.
func (pm *PrometheusMetrics) RecordHTTPDuration(method, path string, duration time.Duration) {
	pm.httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// System Metrics Methods

// UpdateSystemMetrics updates all system metrics with current values.
func (pm *PrometheusMetrics) UpdateSystemMetrics() {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	pm.memoryUsage.Set(float64(memStats.Alloc))
	pm.goroutines.Set(float64(runtime.NumGoroutine()))
	pm.uptime.Set(time.Since(pm.startTime).Seconds())
	pm.lastUpdate = time.Now()
}

// GetUptime returns the application uptime.
func (pm *PrometheusMetrics) GetUptime() time.Duration {
	return time.Since(pm.startTime)
}

// GetLastUpdate returns the last metrics update time.
func (pm *PrometheusMetrics) GetLastUpdate() time.Time {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.lastUpdate
}

// StartPeriodicUpdates starts a loop that periodically updates system metrics.
func (pm *PrometheusMetrics) StartPeriodicUpdates(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	pm.UpdateSystemMetrics()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pm.UpdateSystemMetrics()
		}
	}
}

// Global instance for easy access
var globalMetrics *PrometheusMetrics
var metricsOnce sync.Once

// GetGlobalMetrics returns the global Prometheus metrics instance.
func GetGlobalMetrics() *PrometheusMetrics {
	metricsOnce.Do(func() {
		globalMetrics = NewPrometheusMetrics()
	})
	return globalMetrics
}

// RecordDatabaseQuery records database query metrics using the global instance.
func RecordDatabaseQuery(operation string, duration time.Duration, success bool) {
	m := GetGlobalMetrics()
	status := "success"
	if !success {
		status = "error"
	}
	m.IncrementDatabaseQueries(operation, status)
	m.RecordDatabaseQueryDuration(operation, duration)
}
