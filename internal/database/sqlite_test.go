package database

import (
	"sync"
	"testing"
	"time"

	"github.com/Fudheryk/monitoring-engine/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// newTestDB creates an in-memory SQLite database for testing.
func newTestDB(t *testing.T) *SQLiteDB {
	t.Helper()
	logger := zap.NewNop()
	db, err := NewSQLiteDB(":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func seedMachine(t *testing.T, db *SQLiteDB, tenantID, hostname string) *models.Machine {
	t.Helper()
	m := &models.Machine{TenantID: tenantID, Hostname: hostname}
	require.NoError(t, db.UpsertMachine(m))
	return m
}

func seedMetricInstance(t *testing.T, db *SQLiteDB, machineID string) *models.MetricInstance {
	t.Helper()
	mi := &models.MetricInstance{
		TenantID:          "tenant-1",
		MachineID:         machineID,
		Definition:        "cpu.load",
		NameEffective:     "cpu.load",
		Type:              models.MetricTypeNumeric,
		IsAlertingEnabled: true,
	}
	require.NoError(t, db.UpsertMetricInstance(mi))
	return mi
}

// --------------------------------------------------------------------------
// Tenants / settings
// --------------------------------------------------------------------------

func TestUpsertAndGetTenant(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.UpsertTenant(&models.Tenant{ID: "t1", Name: "Acme"}))

	got, err := db.GetTenant("t1")
	require.NoError(t, err)
	assert.Equal(t, "Acme", got.Name)

	require.NoError(t, db.UpsertTenant(&models.Tenant{ID: "t1", Name: "Acme Renamed"}))
	got, err = db.GetTenant("t1")
	require.NoError(t, err)
	assert.Equal(t, "Acme Renamed", got.Name)
}

func TestGetTenantMissing(t *testing.T) {
	db := newTestDB(t)
	got, err := db.GetTenant("nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestTenantSettingsRoundTrip(t *testing.T) {
	db := newTestDB(t)
	reminder := 900
	grouping := true

	ts := &models.TenantSettings{
		TenantID:        "t1",
		ReminderSeconds: &reminder,
		GroupingEnabled: &grouping,
	}
	require.NoError(t, db.UpsertTenantSettings(ts))

	got, err := db.GetTenantSettings("t1")
	require.NoError(t, err)
	require.NotNil(t, got.ReminderSeconds)
	assert.Equal(t, 900, *got.ReminderSeconds)
	require.NotNil(t, got.GroupingEnabled)
	assert.True(t, *got.GroupingEnabled)
	assert.Nil(t, got.GracePeriodSeconds)
}

func TestGetTenantSettingsMissing(t *testing.T) {
	db := newTestDB(t)
	got, err := db.GetTenantSettings("nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

// --------------------------------------------------------------------------
// Machines / metric instances / samples
// --------------------------------------------------------------------------

func TestUpsertMachineIsIdempotentByHostname(t *testing.T) {
	db := newTestDB(t)
	m1 := seedMachine(t, db, "t1", "host-a")
	m2 := &models.Machine{TenantID: "t1", Hostname: "host-a"}
	require.NoError(t, db.UpsertMachine(m2))
	assert.Equal(t, m1.ID, m2.ID)
}

func TestUpsertMetricInstanceIdempotentAndValueRoundTrip(t *testing.T) {
	db := newTestDB(t)
	m := seedMachine(t, db, "t1", "host-a")
	mi := seedMetricInstance(t, db, m.ID)

	require.NoError(t, db.UpdateMetricInstanceValue(mi.ID, models.NumericValue(42.5), time.Now()))
	got, err := db.GetMetricInstanceByID(mi.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MetricTypeNumeric, got.LastValue.Type)
	assert.Equal(t, 42.5, got.LastValue.Num)

	again := &models.MetricInstance{
		TenantID:      "t1",
		MachineID:     m.ID,
		Definition:    "cpu.load",
		NameEffective: "cpu.load (renamed)",
		Type:          models.MetricTypeNumeric,
	}
	require.NoError(t, db.UpsertMetricInstance(again))
	assert.Equal(t, mi.ID, again.ID)

	got, err = db.GetMetricInstanceByID(mi.ID)
	require.NoError(t, err)
	assert.Equal(t, "cpu.load (renamed)", got.NameEffective)
}

func TestListCandidateMetricInstancesExcludesPausedAndDisabled(t *testing.T) {
	db := newTestDB(t)
	m := seedMachine(t, db, "t1", "host-a")

	candidate := seedMetricInstance(t, db, m.ID)

	paused := &models.MetricInstance{
		TenantID: "t1", MachineID: m.ID, Definition: "mem.used",
		NameEffective: "mem.used", Type: models.MetricTypeNumeric,
		IsAlertingEnabled: true, IsPaused: true,
	}
	require.NoError(t, db.UpsertMetricInstance(paused))

	disabled := &models.MetricInstance{
		TenantID: "t1", MachineID: m.ID, Definition: "disk.used",
		NameEffective: "disk.used", Type: models.MetricTypeNumeric,
		IsAlertingEnabled: false,
	}
	require.NoError(t, db.UpsertMetricInstance(disabled))

	got, err := db.ListCandidateMetricInstances(m.ID)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, candidate.ID, got[0].ID)
}

func TestSampleInsertAndGetLatest(t *testing.T) {
	db := newTestDB(t)
	m := seedMachine(t, db, "t1", "host-a")
	mi := seedMetricInstance(t, db, m.ID)

	base := time.Now().Truncate(time.Millisecond)
	require.NoError(t, db.InsertSample(&models.Sample{MetricInstanceID: mi.ID, TS: base, Seq: 0, Value: models.NumericValue(1)}))
	require.NoError(t, db.InsertSample(&models.Sample{MetricInstanceID: mi.ID, TS: base.Add(time.Second), Seq: 0, Value: models.NumericValue(2)}))
	require.NoError(t, db.InsertSample(&models.Sample{MetricInstanceID: mi.ID, TS: base.Add(time.Second), Seq: 1, Value: models.NumericValue(3)}))

	latest, err := db.GetLatestSample(mi.ID)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, 3.0, latest.Value.Num)
}

func TestGetLatestSampleNoSamples(t *testing.T) {
	db := newTestDB(t)
	m := seedMachine(t, db, "t1", "host-a")
	mi := seedMetricInstance(t, db, m.ID)

	latest, err := db.GetLatestSample(mi.ID)
	require.NoError(t, err)
	assert.Nil(t, latest)
}

// --------------------------------------------------------------------------
// HTTP targets
// --------------------------------------------------------------------------

func TestListDueHTTPTargets(t *testing.T) {
	db := newTestDB(t)
	_, err := db.db.Exec(`INSERT INTO http_targets (id, tenant_id, name, url, method, accepted_status_ranges,
		interval_seconds, timeout_seconds, is_active, last_status_code)
		VALUES ('ht1', 't1', 'home', 'https://example.com', 'GET', '', 60, 10, 1, 0)`)
	require.NoError(t, err)

	due, err := db.ListDueHTTPTargets(time.Now())
	require.NoError(t, err)
	require.Len(t, due, 1)

	require.NoError(t, db.UpdateHTTPTargetCheck(due[0], true, false, time.Now()))

	due, err = db.ListDueHTTPTargets(time.Now())
	require.NoError(t, err)
	assert.Len(t, due, 0)

	due, err = db.ListDueHTTPTargets(time.Now().Add(61 * time.Second))
	require.NoError(t, err)
	require.Len(t, due, 1)
}

// --------------------------------------------------------------------------
// Incidents: atomic open-or-reuse contract
// --------------------------------------------------------------------------

func TestOpenIncidentCreatesThenReuses(t *testing.T) {
	db := newTestDB(t)
	in := &models.Incident{
		TenantID: "t1", Kind: models.IncidentBreach, ScopeID: "scope-1",
		DedupKey: "t1:BREACH:scope-1", Severity: models.SeverityCritical, Title: "cpu high",
	}
	created, wasNew, err := db.OpenIncident(in)
	require.NoError(t, err)
	assert.True(t, wasNew)
	assert.Equal(t, int64(1), created.IncidentNumber)

	dup := &models.Incident{
		TenantID: "t1", Kind: models.IncidentBreach, ScopeID: "scope-1",
		DedupKey: "t1:BREACH:scope-1", Severity: models.SeverityCritical, Title: "cpu high again",
	}
	reused, wasNew2, err := db.OpenIncident(dup)
	require.NoError(t, err)
	assert.False(t, wasNew2)
	assert.Equal(t, created.ID, reused.ID)
	assert.Equal(t, "cpu high", reused.Title) // untouched by the reuse path

	other := &models.Incident{
		TenantID: "t1", Kind: models.IncidentBreach, ScopeID: "scope-2",
		DedupKey: "t1:BREACH:scope-2", Severity: models.SeverityWarning, Title: "mem high",
	}
	created2, wasNew3, err := db.OpenIncident(other)
	require.NoError(t, err)
	assert.True(t, wasNew3)
	assert.Equal(t, int64(2), created2.IncidentNumber)
}

func TestOpenIncidentAfterResolveOpensAgain(t *testing.T) {
	db := newTestDB(t)
	in := &models.Incident{
		TenantID: "t1", Kind: models.IncidentBreach, ScopeID: "scope-1",
		DedupKey: "t1:BREACH:scope-1", Severity: models.SeverityCritical, Title: "cpu high",
	}
	first, _, err := db.OpenIncident(in)
	require.NoError(t, err)

	resolved, err := db.ResolveOpenIncident("t1", models.IncidentBreach, "scope-1", time.Now())
	require.NoError(t, err)
	require.NotNil(t, resolved)
	assert.Equal(t, models.IncidentResolved, resolved.Status)
	assert.Equal(t, first.ID, resolved.ID)

	again := &models.Incident{
		TenantID: "t1", Kind: models.IncidentBreach, ScopeID: "scope-1",
		DedupKey: "t1:BREACH:scope-1", Severity: models.SeverityCritical, Title: "cpu high once more",
	}
	reopened, wasNew, err := db.OpenIncident(again)
	require.NoError(t, err)
	assert.True(t, wasNew)
	assert.NotEqual(t, first.ID, reopened.ID)
}

func TestResolveOpenIncidentNoneOpen(t *testing.T) {
	db := newTestDB(t)
	resolved, err := db.ResolveOpenIncident("t1", models.IncidentBreach, "scope-none", time.Now())
	require.NoError(t, err)
	assert.Nil(t, resolved)
}

func TestResolveAllMetricNoData(t *testing.T) {
	db := newTestDB(t)
	m := seedMachine(t, db, "t1", "host-a")

	for _, scope := range []string{"mi-1", "mi-2"} {
		_, _, err := db.OpenIncident(&models.Incident{
			TenantID: "t1", Kind: models.IncidentNoDataMetric, ScopeID: scope,
			MachineID: &m.ID, DedupKey: "t1:NO_DATA_METRIC:" + scope, Severity: models.SeverityWarning, Title: "no data",
		})
		require.NoError(t, err)
	}

	n, err := db.ResolveAllMetricNoData("t1", m.ID, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	open, err := db.GetOpenIncident("t1", models.IncidentNoDataMetric, "mi-1")
	require.NoError(t, err)
	assert.Nil(t, open)
}

func TestListOpenBreachesOlderThan(t *testing.T) {
	db := newTestDB(t)
	old := &models.Incident{
		TenantID: "t1", Kind: models.IncidentBreach, ScopeID: "scope-old",
		DedupKey: "t1:BREACH:scope-old", Severity: models.SeverityCritical, Title: "old breach",
		CreatedAt: time.Now().Add(-2 * time.Hour),
	}
	_, _, err := db.OpenIncident(old)
	require.NoError(t, err)

	fresh := &models.Incident{
		TenantID: "t1", Kind: models.IncidentBreach, ScopeID: "scope-fresh",
		DedupKey: "t1:BREACH:scope-fresh", Severity: models.SeverityCritical, Title: "fresh breach",
	}
	_, _, err = db.OpenIncident(fresh)
	require.NoError(t, err)

	stale, err := db.ListOpenBreachesOlderThan(time.Hour, 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "scope-old", stale[0].ScopeID)
}

func TestListIncidentsFilterByStatus(t *testing.T) {
	db := newTestDB(t)
	open := &models.Incident{
		TenantID: "t1", Kind: models.IncidentBreach, ScopeID: "s1",
		DedupKey: "d1", Severity: models.SeverityCritical, Title: "one",
	}
	_, _, err := db.OpenIncident(open)
	require.NoError(t, err)

	other := &models.Incident{
		TenantID: "t1", Kind: models.IncidentBreach, ScopeID: "s2",
		DedupKey: "d2", Severity: models.SeverityCritical, Title: "two",
	}
	_, _, err = db.OpenIncident(other)
	require.NoError(t, err)
	_, err = db.ResolveOpenIncident("t1", models.IncidentBreach, "s2", time.Now())
	require.NoError(t, err)

	openList, err := db.ListIncidents("t1", models.IncidentOpen, 10, 0)
	require.NoError(t, err)
	assert.Len(t, openList, 1)

	all, err := db.ListIncidents("t1", "", 10, 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

// --------------------------------------------------------------------------
// Notification ledger
// --------------------------------------------------------------------------

func TestRecordNotificationAndLastSuccessAt(t *testing.T) {
	db := newTestDB(t)
	incidentID := "inc-1"

	require.NoError(t, db.RecordNotification(&models.NotificationLogEntry{
		TenantID: "t1", IncidentID: &incidentID, Provider: "cooldown", Status: models.NotificationSkippedCooldown,
	}))

	noSuccess, err := db.LastSuccessAt("t1", &incidentID)
	require.NoError(t, err)
	assert.Nil(t, noSuccess, "technical providers must not count as success")

	sentAt := time.Now().Truncate(time.Millisecond)
	require.NoError(t, db.RecordNotification(&models.NotificationLogEntry{
		TenantID: "t1", IncidentID: &incidentID, Provider: "webhook",
		Status: models.NotificationSuccess, SentAt: &sentAt,
	}))

	got, err := db.LastSuccessAt("t1", &incidentID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, sentAt.Equal(*got))
}

func TestRecordNotificationTruncatesLongMessages(t *testing.T) {
	db := newTestDB(t)
	long := make([]byte, models.MaxMessageLength+50)
	for i := range long {
		long[i] = 'x'
	}
	entry := &models.NotificationLogEntry{TenantID: "t1", Provider: "webhook", Status: models.NotificationSuccess, Message: string(long)}
	require.NoError(t, db.RecordNotification(entry))
	assert.Len(t, entry.Message, models.MaxMessageLength)
}

// --------------------------------------------------------------------------
// Outbox: claim / lease reclaim
// --------------------------------------------------------------------------

func TestClaimDueOutboxEventsClaimsPendingOnly(t *testing.T) {
	db := newTestDB(t)
	now := time.Now()

	require.NoError(t, db.SaveOutboxEvent(&models.OutboxEvent{
		TenantID: "t1", Kind: "notify", Payload: "{}", NextAttemptAt: now.Add(-time.Minute),
	}))
	require.NoError(t, db.SaveOutboxEvent(&models.OutboxEvent{
		TenantID: "t1", Kind: "notify", Payload: "{}", NextAttemptAt: now.Add(time.Hour),
	}))

	claimed, err := db.ClaimDueOutboxEvents(now, 5*time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, models.OutboxDelivering, claimed[0].Status)
	assert.Equal(t, 1, claimed[0].Attempts)
	require.NotNil(t, claimed[0].DeliveringSince)

	againNow, err := db.ClaimDueOutboxEvents(now, 5*time.Minute, 10)
	require.NoError(t, err)
	assert.Len(t, againNow, 0, "DELIVERING event within lease must not be reclaimed")
}

func TestClaimDueOutboxEventsReclaimsExpiredLease(t *testing.T) {
	db := newTestDB(t)
	now := time.Now()

	require.NoError(t, db.SaveOutboxEvent(&models.OutboxEvent{
		TenantID: "t1", Kind: "notify", Payload: "{}", NextAttemptAt: now.Add(-time.Minute),
	}))
	claimed, err := db.ClaimDueOutboxEvents(now, 5*time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	reclaimed, err := db.ClaimDueOutboxEvents(now.Add(10*time.Minute), 5*time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, 2, reclaimed[0].Attempts)
}

func TestOutboxDeliverAndRetryAndFail(t *testing.T) {
	db := newTestDB(t)
	now := time.Now()
	require.NoError(t, db.SaveOutboxEvent(&models.OutboxEvent{
		TenantID: "t1", Kind: "notify", Payload: "{}", NextAttemptAt: now.Add(-time.Minute),
	}))
	claimed, err := db.ClaimDueOutboxEvents(now, 5*time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	id := claimed[0].ID

	require.NoError(t, db.MarkOutboxDelivered(id, "202 accepted", now))
	listed, err := db.ClaimDueOutboxEvents(now.Add(time.Hour), 5*time.Minute, 10)
	require.NoError(t, err)
	assert.Len(t, listed, 0)

	require.NoError(t, db.SaveOutboxEvent(&models.OutboxEvent{
		TenantID: "t1", Kind: "notify", Payload: "{}", NextAttemptAt: now.Add(-time.Minute),
	}))
	claimed2, err := db.ClaimDueOutboxEvents(now, 5*time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, claimed2, 1)
	require.NoError(t, db.ScheduleOutboxRetry(claimed2[0].ID, now.Add(30*time.Second), "timeout", now))

	reClaimed, err := db.ClaimDueOutboxEvents(now.Add(time.Minute), 5*time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, reClaimed, 1)
	require.NoError(t, db.MarkOutboxFailed(reClaimed[0].ID, "permanent failure", now))
}

// --------------------------------------------------------------------------
// Idempotency
// --------------------------------------------------------------------------

func TestInsertIdempotencyRecordDuplicate(t *testing.T) {
	db := newTestDB(t)
	rec := &models.IdempotencyRecord{IngestID: "ingest-1", TenantID: "t1"}
	inserted, err := db.InsertIdempotencyRecord(rec)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted2, err := db.InsertIdempotencyRecord(&models.IdempotencyRecord{IngestID: "ingest-1", TenantID: "t1"})
	require.NoError(t, err)
	assert.False(t, inserted2)
}

// --------------------------------------------------------------------------
// Concurrent access
// --------------------------------------------------------------------------

func TestConcurrentIncidentOpenIsSerializedByUniqueIndex(t *testing.T) {
	db := newTestDB(t)
	const goroutines = 10
	var wg sync.WaitGroup
	results := make([]bool, goroutines)

	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func(idx int) {
			defer wg.Done()
			in := &models.Incident{
				TenantID: "t1", Kind: models.IncidentBreach, ScopeID: "contended",
				DedupKey: "d", Severity: models.SeverityCritical, Title: "race",
			}
			_, wasNew, err := db.OpenIncident(in)
			require.NoError(t, err)
			results[idx] = wasNew
		}(i)
	}
	wg.Wait()

	createdCount := 0
	for _, wasNew := range results {
		if wasNew {
			createdCount++
		}
	}
	assert.Equal(t, 1, createdCount, "exactly one goroutine should have created the incident")
}

// --------------------------------------------------------------------------
// Ping / maintenance
// --------------------------------------------------------------------------

func TestPing(t *testing.T) {
	db := newTestDB(t)
	assert.NoError(t, db.Ping())
}

func TestGetDatabaseSizeBytes(t *testing.T) {
	db := newTestDB(t)
	size, err := db.GetDatabaseSizeBytes()
	require.NoError(t, err)
	assert.Greater(t, size, int64(0))
}

func TestRunIncrementalVacuum(t *testing.T) {
	db := newTestDB(t)
	assert.NoError(t, db.RunIncrementalVacuum())
}

func TestMigrateSchemaAddsDeliveringSinceColumn(t *testing.T) {
	db := newTestDB(t)
	has, err := db.columnExists("outbox_events", "delivering_since")
	require.NoError(t, err)
	assert.True(t, has)
}
