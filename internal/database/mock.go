package database

import (
	"time"

	"github.com/Fudheryk/monitoring-engine/internal/models"
	"github.com/stretchr/testify/mock"
)

// MockDatabase is a testify/mock implementation of the Database interface.
type MockDatabase struct {
	mock.Mock
}

// Ensure MockDatabase satisfies the Database interface at compile time.
var _ Database = (*MockDatabase)(nil)

// Close mocks the Close method.
func (m *MockDatabase) Close() error {
	args := m.Called()
	return args.Error(0)
}

// Ping mocks the Ping method.
func (m *MockDatabase) Ping() error {
	args := m.Called()
	return args.Error(0)
}

// --- Tenants ---

func (m *MockDatabase) GetTenant(id string) (*models.Tenant, error) {
	args := m.Called(id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Tenant), args.Error(1)
}

func (m *MockDatabase) UpsertTenant(t *models.Tenant) error {
	args := m.Called(t)
	return args.Error(0)
}

func (m *MockDatabase) ListTenantIDs() ([]string, error) {
	args := m.Called()
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

// --- Tenant settings ---

func (m *MockDatabase) GetTenantSettings(tenantID string) (*models.TenantSettings, error) {
	args := m.Called(tenantID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.TenantSettings), args.Error(1)
}

func (m *MockDatabase) UpsertTenantSettings(s *models.TenantSettings) error {
	args := m.Called(s)
	return args.Error(0)
}

// --- Machines ---

func (m *MockDatabase) GetMachineByHostname(tenantID, hostname string) (*models.Machine, error) {
	args := m.Called(tenantID, hostname)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Machine), args.Error(1)
}

func (m *MockDatabase) UpsertMachine(machine *models.Machine) error {
	args := m.Called(machine)
	return args.Error(0)
}

func (m *MockDatabase) UpdateMachineStatus(machineID, status string, now time.Time) error {
	args := m.Called(machineID, status, now)
	return args.Error(0)
}

func (m *MockDatabase) ListMachinesWithCandidates(tenantID string) ([]*models.Machine, error) {
	args := m.Called(tenantID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Machine), args.Error(1)
}

// --- Metric instances ---

func (m *MockDatabase) GetMetricInstance(machineID, definition, dimensionValue string) (*models.MetricInstance, error) {
	args := m.Called(machineID, definition, dimensionValue)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.MetricInstance), args.Error(1)
}

func (m *MockDatabase) GetMetricInstanceByID(id string) (*models.MetricInstance, error) {
	args := m.Called(id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.MetricInstance), args.Error(1)
}

func (m *MockDatabase) UpsertMetricInstance(mi *models.MetricInstance) error {
	args := m.Called(mi)
	return args.Error(0)
}

func (m *MockDatabase) UpdateMetricInstanceValue(id string, value models.SampleValue, updatedAt time.Time) error {
	args := m.Called(id, value, updatedAt)
	return args.Error(0)
}

func (m *MockDatabase) ListCandidateMetricInstances(machineID string) ([]*models.MetricInstance, error) {
	args := m.Called(machineID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.MetricInstance), args.Error(1)
}

// --- Samples ---

func (m *MockDatabase) InsertSample(s *models.Sample) error {
	args := m.Called(s)
	return args.Error(0)
}

func (m *MockDatabase) GetLatestSample(metricInstanceID string) (*models.Sample, error) {
	args := m.Called(metricInstanceID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Sample), args.Error(1)
}

// --- Thresholds ---

func (m *MockDatabase) ListActiveThresholds(metricInstanceID string) ([]*models.Threshold, error) {
	args := m.Called(metricInstanceID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Threshold), args.Error(1)
}

// --- HTTP targets ---

func (m *MockDatabase) GetHTTPTarget(id string) (*models.HttpTarget, error) {
	args := m.Called(id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.HttpTarget), args.Error(1)
}

func (m *MockDatabase) ListDueHTTPTargets(now time.Time) ([]*models.HttpTarget, error) {
	args := m.Called(now)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.HttpTarget), args.Error(1)
}

func (m *MockDatabase) UpdateHTTPTargetCheck(target *models.HttpTarget, accepted, previouslyAccepted bool, now time.Time) error {
	args := m.Called(target, accepted, previouslyAccepted, now)
	return args.Error(0)
}

// --- Incidents (C1) ---

func (m *MockDatabase) OpenIncident(incident *models.Incident) (*models.Incident, bool, error) {
	args := m.Called(incident)
	if args.Get(0) == nil {
		return nil, args.Bool(1), args.Error(2)
	}
	return args.Get(0).(*models.Incident), args.Bool(1), args.Error(2)
}

func (m *MockDatabase) GetOpenIncident(tenantID, kind, scopeID string) (*models.Incident, error) {
	args := m.Called(tenantID, kind, scopeID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Incident), args.Error(1)
}

func (m *MockDatabase) ResolveOpenIncident(tenantID, kind, scopeID string, resolvedAt time.Time) (*models.Incident, error) {
	args := m.Called(tenantID, kind, scopeID, resolvedAt)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Incident), args.Error(1)
}

func (m *MockDatabase) ResolveAllMetricNoData(tenantID, machineID string, resolvedAt time.Time) (int, error) {
	args := m.Called(tenantID, machineID, resolvedAt)
	return args.Int(0), args.Error(1)
}

func (m *MockDatabase) ListOpenBreachesOlderThan(maxAge time.Duration, limit int) ([]*models.Incident, error) {
	args := m.Called(maxAge, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Incident), args.Error(1)
}

func (m *MockDatabase) ListIncidents(tenantID, status string, limit, offset int) ([]*models.Incident, error) {
	args := m.Called(tenantID, status, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Incident), args.Error(1)
}

func (m *MockDatabase) ListOpenIncidentsCreatedWithin(tenantID string, within time.Duration, now time.Time) ([]*models.Incident, error) {
	args := m.Called(tenantID, within, now)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Incident), args.Error(1)
}

func (m *MockDatabase) ListOpenIncidentsByKind(kind string) ([]*models.Incident, error) {
	args := m.Called(kind)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Incident), args.Error(1)
}

func (m *MockDatabase) UpdateIncidentDescription(incidentID, description string) error {
	args := m.Called(incidentID, description)
	return args.Error(0)
}

// --- Notification ledger (C2) ---

func (m *MockDatabase) RecordNotification(entry *models.NotificationLogEntry) error {
	args := m.Called(entry)
	return args.Error(0)
}

func (m *MockDatabase) LastSuccessAt(tenantID string, incidentID *string) (*time.Time, error) {
	args := m.Called(tenantID, incidentID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*time.Time), args.Error(1)
}

func (m *MockDatabase) ListNotifications(tenantID string, limit, offset int) ([]*models.NotificationLogEntry, error) {
	args := m.Called(tenantID, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.NotificationLogEntry), args.Error(1)
}

// --- Pending notifications (C6) ---

func (m *MockDatabase) EnqueuePendingNotification(n *models.PendingNotification) error {
	args := m.Called(n)
	return args.Error(0)
}

func (m *MockDatabase) ClaimPendingNotifications(now time.Time, leaseTimeout time.Duration, limit int) ([]*models.PendingNotification, error) {
	args := m.Called(now, leaseTimeout, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.PendingNotification), args.Error(1)
}

func (m *MockDatabase) MarkNotificationQueueDelivered(id string, now time.Time) error {
	args := m.Called(id, now)
	return args.Error(0)
}

func (m *MockDatabase) MarkNotificationQueueFailed(id string, now time.Time) error {
	args := m.Called(id, now)
	return args.Error(0)
}

func (m *MockDatabase) ScheduleNotificationRetry(id string, nextAttemptAt time.Time, now time.Time) error {
	args := m.Called(id, nextAttemptAt, now)
	return args.Error(0)
}

// --- Outbox (C7) ---

func (m *MockDatabase) SaveOutboxEvent(ev *models.OutboxEvent) error {
	args := m.Called(ev)
	return args.Error(0)
}

func (m *MockDatabase) ClaimDueOutboxEvents(now time.Time, leaseTimeout time.Duration, limit int) ([]*models.OutboxEvent, error) {
	args := m.Called(now, leaseTimeout, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.OutboxEvent), args.Error(1)
}

func (m *MockDatabase) MarkOutboxDelivered(id, receipt string, now time.Time) error {
	args := m.Called(id, receipt, now)
	return args.Error(0)
}

func (m *MockDatabase) ScheduleOutboxRetry(id string, nextAttemptAt time.Time, lastError string, now time.Time) error {
	args := m.Called(id, nextAttemptAt, lastError, now)
	return args.Error(0)
}

func (m *MockDatabase) MarkOutboxFailed(id, lastError string, now time.Time) error {
	args := m.Called(id, lastError, now)
	return args.Error(0)
}

// --- Idempotency ---

func (m *MockDatabase) InsertIdempotencyRecord(rec *models.IdempotencyRecord) (bool, error) {
	args := m.Called(rec)
	return args.Bool(0), args.Error(1)
}

// --- Credentials ---

func (m *MockDatabase) GetCredentialByToken(token string) (*models.Credential, error) {
	args := m.Called(token)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Credential), args.Error(1)
}

func (m *MockDatabase) UpsertCredential(c *models.Credential) error {
	args := m.Called(c)
	return args.Error(0)
}

// --- Maintenance ---

func (m *MockDatabase) RunIncrementalVacuum() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockDatabase) GetDatabaseSizeBytes() (int64, error) {
	args := m.Called()
	return args.Get(0).(int64), args.Error(1)
}
