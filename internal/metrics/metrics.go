// Package metrics defines and registers all Prometheus metrics used by the
// monitoring engine. Metrics are organised by functional area and share
// the common "monitord_" prefix.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every Prometheus collector used by the engine.
type Metrics struct {
	// ---------------------------------------------------------------
	// Ingest (C1 boundary)
	// ---------------------------------------------------------------

	// IngestRequestsTotal counts POST /ingest/metrics requests by outcome
	// (accepted, duplicate, archived, rejected).
	IngestRequestsTotal *prometheus.CounterVec

	// IngestSamplesTotal counts individual metric samples persisted.
	IngestSamplesTotal *prometheus.CounterVec

	// IngestRequestDuration observes request handling latency.
	IngestRequestDuration prometheus.Histogram

	// ---------------------------------------------------------------
	// Evaluation (C3)
	// ---------------------------------------------------------------

	// EvaluationRunsTotal counts EvaluateMachine passes.
	EvaluationRunsTotal prometheus.Counter

	// BreachesOpenedTotal counts newly-opened BREACH incidents by severity.
	BreachesOpenedTotal *prometheus.CounterVec

	// BreachesResolvedTotal counts resolved BREACH incidents.
	BreachesResolvedTotal prometheus.Counter

	// GraceSuppressedTotal counts breach detections suppressed by startup grace.
	GraceSuppressedTotal prometheus.Counter

	// ---------------------------------------------------------------
	// Freshness (C4)
	// ---------------------------------------------------------------

	// FreshnessScanDuration observes the time taken by one scan pass.
	FreshnessScanDuration prometheus.Histogram

	// MachinesByStatus tracks the current count of machines per status.
	MachinesByStatus *prometheus.GaugeVec

	// NoDataIncidentsTotal counts NO_DATA_METRIC/NO_DATA_MACHINE opens and
	// resolves by kind and transition.
	NoDataIncidentsTotal *prometheus.CounterVec

	// ---------------------------------------------------------------
	// Probe (C5)
	// ---------------------------------------------------------------

	// ProbeChecksTotal counts HTTP target checks by outcome (accepted, rejected, error).
	ProbeChecksTotal *prometheus.CounterVec

	// ProbeCheckDuration observes probe request latency.
	ProbeCheckDuration prometheus.Histogram

	// HTTPFailuresTotal counts HTTP_FAILURE incident opens/resolves by transition.
	HTTPFailuresTotal *prometheus.CounterVec

	// ---------------------------------------------------------------
	// Notification (C6)
	// ---------------------------------------------------------------

	// NotificationsSentTotal counts notification delivery outcomes by
	// provider and status (success, failed, skipped_cooldown, skipped_grace).
	NotificationsSentTotal *prometheus.CounterVec

	// NotificationQueueDepth tracks the current pending-notification backlog.
	NotificationQueueDepth prometheus.Gauge

	// NotificationRetriesTotal counts scheduled retries.
	NotificationRetriesTotal prometheus.Counter

	// CircuitBreakerState tracks the dispatcher's circuit breaker state
	// (0=closed, 1=half-open, 2=open) per provider.
	CircuitBreakerState *prometheus.GaugeVec

	// ---------------------------------------------------------------
	// Outbox (C7)
	// ---------------------------------------------------------------

	// OutboxEventsTotal counts outbox delivery outcomes by kind and status.
	OutboxEventsTotal *prometheus.CounterVec

	// OutboxQueueDepth tracks the current pending-outbox backlog.
	OutboxQueueDepth prometheus.Gauge

	// OutboxDeliveryDuration observes handler call latency by kind.
	OutboxDeliveryDuration *prometheus.HistogramVec

	// ---------------------------------------------------------------
	// Database
	// ---------------------------------------------------------------

	// DBSizeBytes tracks the database file size.
	DBSizeBytes prometheus.Gauge

	// DBOperationErrors counts database operation errors by operation.
	DBOperationErrors *prometheus.CounterVec

	// StorageVolumeSizeBytes tracks the total size of the data volume.
	StorageVolumeSizeBytes prometheus.Gauge

	// StorageVolumeUsedBytes tracks used space on the data volume.
	StorageVolumeUsedBytes prometheus.Gauge

	// StorageVolumeAvailableBytes tracks free space on the data volume.
	StorageVolumeAvailableBytes prometheus.Gauge

	// StorageVolumeUsagePercent tracks used/total as a percentage.
	StorageVolumeUsagePercent prometheus.Gauge

	// StorageVolumeInodesTotal tracks total inode count on the data volume.
	StorageVolumeInodesTotal prometheus.Gauge

	// StorageVolumeInodesUsed tracks used inode count on the data volume.
	StorageVolumeInodesUsed prometheus.Gauge

	// StoragePressure is 1 for the current pressure level (none, warning,
	// critical) and 0 for the other two.
	StoragePressure *prometheus.GaugeVec

	// ---------------------------------------------------------------
	// Component Health
	// ---------------------------------------------------------------

	// ComponentUp indicates whether a component is healthy (1) or not (0).
	ComponentUp *prometheus.GaugeVec

	// ComponentLastSuccess records the Unix timestamp of each component's last success.
	ComponentLastSuccess *prometheus.GaugeVec
}

// NewMetrics creates and registers all Prometheus metrics with the supplied
// registerer. Pass a dedicated *prometheus.Registry in production (never the
// package-global DefaultRegisterer) so that metrics.Server owns a single,
// explicit collector set.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{}

	// -------------------------------------------------------------------
	// Ingest
	// -------------------------------------------------------------------

	m.IngestRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "monitord_ingest_requests_total",
		Help: "Total ingest requests by outcome.",
	}, []string{"outcome"})
	registerer.MustRegister(m.IngestRequestsTotal)

	m.IngestSamplesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "monitord_ingest_samples_total",
		Help: "Total metric samples persisted via ingest.",
	}, []string{"metric_type"})
	registerer.MustRegister(m.IngestSamplesTotal)

	m.IngestRequestDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "monitord_ingest_request_duration_seconds",
		Help:    "Time taken to handle one ingest request.",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.5},
	})
	registerer.MustRegister(m.IngestRequestDuration)

	// -------------------------------------------------------------------
	// Evaluation
	// -------------------------------------------------------------------

	m.EvaluationRunsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "monitord_evaluation_runs_total",
		Help: "Total EvaluateMachine passes run.",
	})
	registerer.MustRegister(m.EvaluationRunsTotal)

	m.BreachesOpenedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "monitord_breaches_opened_total",
		Help: "Total BREACH incidents opened by severity.",
	}, []string{"severity"})
	registerer.MustRegister(m.BreachesOpenedTotal)

	m.BreachesResolvedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "monitord_breaches_resolved_total",
		Help: "Total BREACH incidents resolved.",
	})
	registerer.MustRegister(m.BreachesResolvedTotal)

	m.GraceSuppressedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "monitord_grace_suppressed_total",
		Help: "Total breach detections suppressed by startup grace.",
	})
	registerer.MustRegister(m.GraceSuppressedTotal)

	// -------------------------------------------------------------------
	// Freshness
	// -------------------------------------------------------------------

	m.FreshnessScanDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "monitord_freshness_scan_duration_seconds",
		Help:    "Duration of each freshness scan pass.",
		Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60},
	})
	registerer.MustRegister(m.FreshnessScanDuration)

	m.MachinesByStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "monitord_machines_by_status",
		Help: "Current number of machines per status.",
	}, []string{"status"})
	registerer.MustRegister(m.MachinesByStatus)

	m.NoDataIncidentsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "monitord_no_data_incidents_total",
		Help: "NO_DATA_METRIC/NO_DATA_MACHINE transitions by kind and transition.",
	}, []string{"kind", "transition"})
	registerer.MustRegister(m.NoDataIncidentsTotal)

	// -------------------------------------------------------------------
	// Probe
	// -------------------------------------------------------------------

	m.ProbeChecksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "monitord_probe_checks_total",
		Help: "Total HTTP target checks by outcome.",
	}, []string{"outcome"})
	registerer.MustRegister(m.ProbeChecksTotal)

	m.ProbeCheckDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "monitord_probe_check_duration_seconds",
		Help:    "Duration of individual HTTP target checks.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
	})
	registerer.MustRegister(m.ProbeCheckDuration)

	m.HTTPFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "monitord_http_failures_total",
		Help: "HTTP_FAILURE incident transitions by transition.",
	}, []string{"transition"})
	registerer.MustRegister(m.HTTPFailuresTotal)

	// -------------------------------------------------------------------
	// Notification
	// -------------------------------------------------------------------

	m.NotificationsSentTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "monitord_notifications_sent_total",
		Help: "Notification delivery outcomes by provider and status.",
	}, []string{"provider", "status"})
	registerer.MustRegister(m.NotificationsSentTotal)

	m.NotificationQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "monitord_notification_queue_depth",
		Help: "Current pending-notification backlog size.",
	})
	registerer.MustRegister(m.NotificationQueueDepth)

	m.NotificationRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "monitord_notification_retries_total",
		Help: "Total notification retries scheduled.",
	})
	registerer.MustRegister(m.NotificationRetriesTotal)

	m.CircuitBreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "monitord_notification_circuit_breaker_state",
		Help: "Dispatcher circuit breaker state by provider (0=closed, 1=half-open, 2=open).",
	}, []string{"provider"})
	registerer.MustRegister(m.CircuitBreakerState)

	// -------------------------------------------------------------------
	// Outbox
	// -------------------------------------------------------------------

	m.OutboxEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "monitord_outbox_events_total",
		Help: "Outbox delivery outcomes by kind and status.",
	}, []string{"kind", "status"})
	registerer.MustRegister(m.OutboxEventsTotal)

	m.OutboxQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "monitord_outbox_queue_depth",
		Help: "Current pending-outbox backlog size.",
	})
	registerer.MustRegister(m.OutboxQueueDepth)

	m.OutboxDeliveryDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "monitord_outbox_delivery_duration_seconds",
		Help:    "Duration of outbox handler calls by kind.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
	}, []string{"kind"})
	registerer.MustRegister(m.OutboxDeliveryDuration)

	// -------------------------------------------------------------------
	// Database
	// -------------------------------------------------------------------

	m.DBSizeBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "monitord_db_size_bytes",
		Help: "Size of the database file in bytes.",
	})
	registerer.MustRegister(m.DBSizeBytes)

	m.DBOperationErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "monitord_db_operation_errors_total",
		Help: "Database operation errors by operation.",
	}, []string{"operation"})
	registerer.MustRegister(m.DBOperationErrors)

	m.StorageVolumeSizeBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "monitord_storage_volume_size_bytes",
		Help: "Total size of the data volume in bytes.",
	})
	registerer.MustRegister(m.StorageVolumeSizeBytes)

	m.StorageVolumeUsedBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "monitord_storage_volume_used_bytes",
		Help: "Used space on the data volume in bytes.",
	})
	registerer.MustRegister(m.StorageVolumeUsedBytes)

	m.StorageVolumeAvailableBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "monitord_storage_volume_available_bytes",
		Help: "Available space on the data volume in bytes.",
	})
	registerer.MustRegister(m.StorageVolumeAvailableBytes)

	m.StorageVolumeUsagePercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "monitord_storage_volume_usage_percent",
		Help: "Data volume usage as a percentage of total capacity.",
	})
	registerer.MustRegister(m.StorageVolumeUsagePercent)

	m.StorageVolumeInodesTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "monitord_storage_volume_inodes_total",
		Help: "Total inode count on the data volume.",
	})
	registerer.MustRegister(m.StorageVolumeInodesTotal)

	m.StorageVolumeInodesUsed = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "monitord_storage_volume_inodes_used",
		Help: "Used inode count on the data volume.",
	})
	registerer.MustRegister(m.StorageVolumeInodesUsed)

	m.StoragePressure = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "monitord_storage_pressure",
		Help: "Current storage pressure level (none, warning, critical); 1 for the active level, 0 otherwise.",
	}, []string{"level"})
	registerer.MustRegister(m.StoragePressure)

	// -------------------------------------------------------------------
	// Component Health
	// -------------------------------------------------------------------

	m.ComponentUp = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "monitord_component_up",
		Help: "Whether a component is healthy (1) or not (0).",
	}, []string{"component"})
	registerer.MustRegister(m.ComponentUp)

	m.ComponentLastSuccess = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "monitord_component_last_success_timestamp",
		Help: "Unix timestamp of each component's last successful operation.",
	}, []string{"component"})
	registerer.MustRegister(m.ComponentLastSuccess)

	return m
}

// New creates a Metrics instance registered against the default Prometheus
// registry. Convenience wrapper for callers that do not need an isolated
// registry, mirroring NewMetrics(registerer).
func New() *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer)
}

// RecordIngest records one ingest request's outcome and, for outcomes that
// carried samples, how many and of what type.
func (m *Metrics) RecordIngest(outcome string, sampleCount int, metricType string) {
	m.IngestRequestsTotal.WithLabelValues(outcome).Inc()
	if sampleCount > 0 {
		m.IngestSamplesTotal.WithLabelValues(metricType).Add(float64(sampleCount))
	}
}

// RecordBreachOpened increments BreachesOpenedTotal for severity.
func (m *Metrics) RecordBreachOpened(severity string) {
	m.BreachesOpenedTotal.WithLabelValues(severity).Inc()
}

// RecordGraceSuppressed increments GraceSuppressedTotal.
func (m *Metrics) RecordGraceSuppressed() {
	m.GraceSuppressedTotal.Inc()
}

// RecordNoDataTransition records a NO_DATA_METRIC/NO_DATA_MACHINE open or
// resolve.
func (m *Metrics) RecordNoDataTransition(kind, transition string) {
	m.NoDataIncidentsTotal.WithLabelValues(kind, transition).Inc()
}

// RecordProbeCheck records one probe outcome and its latency in seconds.
func (m *Metrics) RecordProbeCheck(outcome string, durationSeconds float64) {
	m.ProbeChecksTotal.WithLabelValues(outcome).Inc()
	m.ProbeCheckDuration.Observe(durationSeconds)
}

// RecordHTTPFailureTransition records an HTTP_FAILURE incident open or
// resolve.
func (m *Metrics) RecordHTTPFailureTransition(transition string) {
	m.HTTPFailuresTotal.WithLabelValues(transition).Inc()
}

// RecordNotificationSent records one dispatcher delivery outcome.
func (m *Metrics) RecordNotificationSent(provider, status string) {
	m.NotificationsSentTotal.WithLabelValues(provider, status).Inc()
}

// RecordNotificationRetry increments NotificationRetriesTotal.
func (m *Metrics) RecordNotificationRetry() {
	m.NotificationRetriesTotal.Inc()
}

// SetCircuitBreakerState records the dispatcher's breaker state for
// provider (0=closed, 1=half-open, 2=open).
func (m *Metrics) SetCircuitBreakerState(provider string, state float64) {
	m.CircuitBreakerState.WithLabelValues(provider).Set(state)
}

// RecordOutboxDelivery records one outbox handler outcome and its latency.
func (m *Metrics) RecordOutboxDelivery(kind, status string, durationSeconds float64) {
	m.OutboxEventsTotal.WithLabelValues(kind, status).Inc()
	m.OutboxDeliveryDuration.WithLabelValues(kind).Observe(durationSeconds)
}

// RecordDBError increments DBOperationErrors for operation.
func (m *Metrics) RecordDBError(operation string) {
	m.DBOperationErrors.WithLabelValues(operation).Inc()
}

// RecordComponentHealth marks component healthy/unhealthy and, when
// healthy, stamps its last-success timestamp (caller supplies the Unix
// time so the package never calls time.Now() itself).
func (m *Metrics) RecordComponentHealth(component string, healthy bool, nowUnix float64) {
	if healthy {
		m.ComponentUp.WithLabelValues(component).Set(1)
		m.ComponentLastSuccess.WithLabelValues(component).Set(nowUnix)
	} else {
		m.ComponentUp.WithLabelValues(component).Set(0)
	}
}
