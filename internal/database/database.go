// Package database defines the storage interface and SQLite implementation
// for the incident lifecycle engine. All persistent state — tenants,
// machines, metric instances, samples, thresholds, HTTP targets, incidents,
// the notification ledger, tenant settings, outbox events and idempotency
// records — flows through the Database interface.
package database

import (
	"time"

	"github.com/Fudheryk/monitoring-engine/internal/models"
)

// Database defines the contract for persistent storage. Implementations
// must be safe for concurrent use by multiple goroutines; SQLiteDB achieves
// this the way beacon does, by pinning the connection pool to a single
// connection rather than adding application-level locking.
type Database interface {
	Close() error
	Ping() error

	// --- Tenants ---

	GetTenant(id string) (*models.Tenant, error)
	UpsertTenant(t *models.Tenant) error
	ListTenantIDs() ([]string, error)

	// --- Tenant settings ---

	// GetTenantSettings returns nil, nil if the tenant has no settings row
	// yet; callers apply the tenant -> config -> hard-default fallback chain.
	GetTenantSettings(tenantID string) (*models.TenantSettings, error)
	UpsertTenantSettings(s *models.TenantSettings) error

	// --- Machines ---

	// GetMachineByHostname returns nil, nil when no such machine exists.
	GetMachineByHostname(tenantID, hostname string) (*models.Machine, error)
	UpsertMachine(m *models.Machine) error
	UpdateMachineStatus(machineID, status string, now time.Time) error
	// ListMachinesWithCandidates returns every machine in tenantID that has
	// at least one candidate metric instance (alerting-enabled, not paused).
	ListMachinesWithCandidates(tenantID string) ([]*models.Machine, error)

	// --- Metric instances ---

	// GetMetricInstance returns nil, nil when no such instance exists.
	GetMetricInstance(machineID, definition, dimensionValue string) (*models.MetricInstance, error)
	GetMetricInstanceByID(id string) (*models.MetricInstance, error)
	UpsertMetricInstance(mi *models.MetricInstance) error
	UpdateMetricInstanceValue(id string, value models.SampleValue, updatedAt time.Time) error
	// ListCandidateMetricInstances returns the candidate metric instances
	// (alerting-enabled, not paused) belonging to machineID.
	ListCandidateMetricInstances(machineID string) ([]*models.MetricInstance, error)

	// --- Samples ---

	InsertSample(s *models.Sample) error
	// GetLatestSample returns nil, nil if the metric instance has no samples.
	GetLatestSample(metricInstanceID string) (*models.Sample, error)

	// --- Thresholds ---

	ListActiveThresholds(metricInstanceID string) ([]*models.Threshold, error)

	// --- HTTP targets ---

	GetHTTPTarget(id string) (*models.HttpTarget, error)
	ListDueHTTPTargets(now time.Time) ([]*models.HttpTarget, error)
	// UpdateHTTPTargetCheck persists the result of a check. It bumps
	// last_state_change_at itself when the accept/reject outcome differs
	// from the previously stored one.
	UpdateHTTPTargetCheck(target *models.HttpTarget, accepted, previouslyAccepted bool, now time.Time) error

	// --- Incidents (C1) ---

	// OpenIncident implements the atomic open-or-reuse contract: it attempts
	// to insert a new OPEN incident; if the partial unique index on
	// (tenant, kind, scope_id) WHERE status='OPEN' rejects it, it re-reads
	// the existing OPEN incident, bumps its updated_at and returns it with
	// created=false. incident.IncidentNumber and incident.ID are assigned
	// by this call on the created path.
	OpenIncident(incident *models.Incident) (result *models.Incident, created bool, err error)
	// GetOpenIncident returns nil, nil if there is no OPEN incident for the scope.
	GetOpenIncident(tenantID, kind, scopeID string) (*models.Incident, error)
	// ResolveOpenIncident returns nil, nil if there was nothing OPEN to resolve.
	ResolveOpenIncident(tenantID, kind, scopeID string, resolvedAt time.Time) (*models.Incident, error)
	// ResolveAllMetricNoData bulk-resolves every OPEN NO_DATA_METRIC incident
	// on machineID and returns the count resolved.
	ResolveAllMetricNoData(tenantID, machineID string, resolvedAt time.Time) (int, error)
	// ListOpenBreachesOlderThan supports the auto-resolve-stale-breaches
	// maintenance job.
	ListOpenBreachesOlderThan(maxAge time.Duration, limit int) ([]*models.Incident, error)
	ListIncidents(tenantID, status string, limit, offset int) ([]*models.Incident, error)
	// ListOpenIncidentsCreatedWithin returns tenantID's OPEN incidents created
	// at or after now.Add(-within), used for grouping/cascade detection.
	ListOpenIncidentsCreatedWithin(tenantID string, within time.Duration, now time.Time) ([]*models.Incident, error)
	// ListOpenIncidentsByKind returns every OPEN incident of kind across all
	// tenants, used by the freshness scanner to resync state against reality.
	ListOpenIncidentsByKind(kind string) ([]*models.Incident, error)
	// UpdateIncidentDescription overwrites an incident's description field,
	// used to append an auto-resolve reason after the fact.
	UpdateIncidentDescription(incidentID, description string) error

	// --- Notification ledger (C2) ---

	RecordNotification(entry *models.NotificationLogEntry) error
	// LastSuccessAt returns the most recent sent_at across all non-technical
	// providers for incidentID (or tenant-wide if incidentID is nil).
	// Returns nil, nil if there is no prior success.
	LastSuccessAt(tenantID string, incidentID *string) (*time.Time, error)
	ListNotifications(tenantID string, limit, offset int) ([]*models.NotificationLogEntry, error)

	// --- Pending notifications (C6) ---

	// EnqueuePendingNotification durably persists a NotificationRequest so
	// the dispatcher can claim and process it, decoupling the enqueuing
	// call (evaluator/freshness/probe) from the outbound send.
	EnqueuePendingNotification(n *models.PendingNotification) error
	// ClaimPendingNotifications selects up to limit PENDING rows (or
	// DELIVERING rows whose lease expired per leaseTimeout), transitions
	// them to DELIVERING and increments attempts, returning the post-claim
	// rows ordered oldest first.
	ClaimPendingNotifications(now time.Time, leaseTimeout time.Duration, limit int) ([]*models.PendingNotification, error)
	MarkNotificationQueueDelivered(id string, now time.Time) error
	// MarkNotificationQueueFailed records a row that exhausted its retry
	// attempts (no further retry). The dispatcher closes validation errors
	// and other non-retryable outcomes with MarkNotificationQueueDelivered.
	MarkNotificationQueueFailed(id string, now time.Time) error
	// ScheduleNotificationRetry returns a claimed row to PENDING with a
	// future next_attempt_at, used after a transient send failure.
	ScheduleNotificationRetry(id string, nextAttemptAt time.Time, now time.Time) error

	// --- Outbox (C7) ---

	SaveOutboxEvent(ev *models.OutboxEvent) error
	// ClaimDueOutboxEvents selects due events (PENDING, or DELIVERING whose
	// lease has expired per leaseTimeout), transitions them to DELIVERING
	// and increments attempts, returning the post-claim rows.
	ClaimDueOutboxEvents(now time.Time, leaseTimeout time.Duration, limit int) ([]*models.OutboxEvent, error)
	MarkOutboxDelivered(id, receipt string, now time.Time) error
	ScheduleOutboxRetry(id string, nextAttemptAt time.Time, lastError string, now time.Time) error
	MarkOutboxFailed(id, lastError string, now time.Time) error

	// --- Idempotency ---

	// InsertIdempotencyRecord returns inserted=false (no error) if the key
	// already exists.
	InsertIdempotencyRecord(rec *models.IdempotencyRecord) (inserted bool, err error)

	// --- Credentials (ingest authentication) ---

	// GetCredentialByToken returns nil, nil if no credential matches token.
	GetCredentialByToken(token string) (*models.Credential, error)
	UpsertCredential(c *models.Credential) error

	// --- Maintenance ---

	RunIncrementalVacuum() error
	GetDatabaseSizeBytes() (int64, error)
}
