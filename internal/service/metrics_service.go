package service

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/noah-isme/itam-admin-api/internal/models"
)

// Metric outcome labels.
const (
	outcomeSuccess = "success"
	outcomeFailure = "failure"
	outcomeSkipped = "skipped"
)

// MetricsService encapsulates Prometheus instrumentation for HTTP traffic and backup work.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec

	snapshotDuration *prometheus.HistogramVec
	snapshotRows     *prometheus.GaugeVec
	snapshotBytes    prometheus.Gauge
	restoreSteps     *prometheus.HistogramVec
	restoreRuns      *prometheus.CounterVec
	scheduleRuns     *prometheus.CounterVec
	deliveries       *prometheus.CounterVec
	cacheOps         *prometheus.CounterVec
	cacheLatency     *prometheus.HistogramVec
}

// NewMetricsService registers the collectors on a private registry.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	m := &MetricsService{
		registry: registry,
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),
		snapshotDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "backup_snapshot_duration_seconds",
			Help:    "Time spent reading all tables for a snapshot",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		}, []string{"outcome"}),
		snapshotRows: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "backup_snapshot_rows",
			Help: "Rows captured per table by the latest snapshot",
		}, []string{"table"}),
		snapshotBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "backup_snapshot_bytes",
			Help: "Serialized size of the latest snapshot tables",
		}),
		restoreSteps: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "backup_restore_step_duration_seconds",
			Help:    "Duration of individual restore steps",
			Buckets: prometheus.DefBuckets,
		}, []string{"phase", "table", "outcome"}),
		restoreRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "backup_restore_runs_total",
			Help: "Restore runs by outcome",
		}, []string{"outcome"}),
		scheduleRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "backup_schedule_runs_total",
			Help: "Scheduled backup runs by outcome",
		}, []string{"frequency", "outcome"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "backup_deliveries_total",
			Help: "Backup email deliveries by outcome",
		}, []string{"outcome"}),
		cacheOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cache_lookups_total",
			Help: "Cache lookups by result",
		}, []string{"result"}),
		cacheLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cache_operation_duration_seconds",
			Help:    "Latency of cache reads and writes",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		}, []string{"operation"}),
	}

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(
		m.requestDuration,
		m.requestTotal,
		m.snapshotDuration,
		m.snapshotRows,
		m.snapshotBytes,
		m.restoreSteps,
		m.restoreRuns,
		m.scheduleRuns,
		m.deliveries,
		m.cacheOps,
		m.cacheLatency,
		goroutines,
	)
	m.handler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *MetricsService) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// ObserveHTTPRequest records request metrics.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
}

// ObserveSnapshot records a snapshot attempt. doc is nil on failure.
func (m *MetricsService) ObserveSnapshot(doc *models.BackupDocument, duration time.Duration) {
	if m == nil {
		return
	}
	if doc == nil {
		m.snapshotDuration.WithLabelValues(outcomeFailure).Observe(duration.Seconds())
		return
	}
	m.snapshotDuration.WithLabelValues(outcomeSuccess).Observe(duration.Seconds())
	for table, count := range doc.Metadata.Counts {
		m.snapshotRows.WithLabelValues(string(table)).Set(float64(count))
	}
	m.snapshotBytes.Set(float64(doc.Metadata.BackupSize))
}

// ObserveRestoreStep records one pipeline step.
func (m *MetricsService) ObserveRestoreStep(phase models.RestorePhase, table models.BackupTable, err error, duration time.Duration) {
	if m == nil {
		return
	}
	m.restoreSteps.WithLabelValues(string(phase), string(table), outcomeOf(err)).Observe(duration.Seconds())
}

// ObserveRestore counts a finished restore run.
func (m *MetricsService) ObserveRestore(err error) {
	if m == nil {
		return
	}
	m.restoreRuns.WithLabelValues(outcomeOf(err)).Inc()
}

// ObserveScheduleRun counts a scheduled run.
func (m *MetricsService) ObserveScheduleRun(frequency models.BackupFrequency, err error) {
	if m == nil {
		return
	}
	m.scheduleRuns.WithLabelValues(string(frequency), outcomeOf(err)).Inc()
}

// ObserveDelivery counts one recipient delivery attempt.
func (m *MetricsService) ObserveDelivery(outcome string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(outcome).Inc()
}

// RecordCacheOperation records a cache hit or miss.
func (m *MetricsService) RecordCacheOperation(hit bool, duration time.Duration) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheOps.WithLabelValues(result).Inc()
	m.cacheLatency.WithLabelValues("get").Observe(duration.Seconds())
}

// ObserveCacheWrite tracks the duration for cache write operations.
func (m *MetricsService) ObserveCacheWrite(duration time.Duration) {
	if m == nil {
		return
	}
	m.cacheLatency.WithLabelValues("set").Observe(duration.Seconds())
}

func outcomeOf(err error) string {
	if err != nil {
		return outcomeFailure
	}
	return outcomeSuccess
}
