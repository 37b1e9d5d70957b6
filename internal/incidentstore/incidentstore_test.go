package incidentstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Fudheryk/monitoring-engine/internal/config"
	"github.com/Fudheryk/monitoring-engine/internal/database"
	"github.com/Fudheryk/monitoring-engine/internal/models"
)

func newTestStore(mockDB *database.MockDatabase) *Store {
	cfg := &config.Config{}
	cfg.TenantDefaults.HeartbeatThresholdSeconds = 300
	return NewStore(mockDB, cfg, zap.NewNop())
}

func TestDedupKey(t *testing.T) {
	assert.Equal(t, "breach:mi:mi-1", DedupKey(models.IncidentBreach, "mi-1"))
	assert.Equal(t, "no_data_metric:mi:mi-1", DedupKey(models.IncidentNoDataMetric, "mi-1"))
	assert.Equal(t, "no_data_machine:machine:m-1", DedupKey(models.IncidentNoDataMachine, "m-1"))
	assert.Equal(t, "http_failure:http:h-1", DedupKey(models.IncidentHTTPFailure, "h-1"))
}

func TestOpenBreachDefaultsSeverityAndScope(t *testing.T) {
	mockDB := new(database.MockDatabase)
	s := newTestStore(mockDB)

	var captured *models.Incident
	mockDB.On("OpenIncident", mock.Anything).Run(func(args mock.Arguments) {
		captured = args.Get(0).(*models.Incident)
	}).Return(&models.Incident{ID: "inc-1", IncidentNumber: 1, Status: models.IncidentOpen}, true, nil)

	result, created, err := s.OpenBreach("mi-1", "tenant-1", "", "CPU high", "cpu at 95%")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "inc-1", result.ID)

	require.NotNil(t, captured)
	assert.Equal(t, models.IncidentBreach, captured.Kind)
	assert.Equal(t, models.SeverityWarning, captured.Severity)
	assert.Equal(t, "breach:mi:mi-1", captured.DedupKey)
	require.NotNil(t, captured.MetricInstanceID)
	assert.Equal(t, "mi-1", *captured.MetricInstanceID)
	assert.Nil(t, captured.MachineID)
	assert.Nil(t, captured.HTTPTargetID)

	mockDB.AssertExpectations(t)
}

func TestOpenNoDataMetricDefaultSeverity(t *testing.T) {
	mockDB := new(database.MockDatabase)
	s := newTestStore(mockDB)

	var captured *models.Incident
	mockDB.On("OpenIncident", mock.Anything).Run(func(args mock.Arguments) {
		captured = args.Get(0).(*models.Incident)
	}).Return(&models.Incident{ID: "inc-2"}, true, nil)

	_, _, err := s.OpenNoDataMetric("mi-2", "tenant-1", "", "no data", "")
	require.NoError(t, err)
	assert.Equal(t, models.SeverityError, captured.Severity)
}

func TestOpenNoDataMachineDefaultSeverity(t *testing.T) {
	mockDB := new(database.MockDatabase)
	s := newTestStore(mockDB)

	var captured *models.Incident
	mockDB.On("OpenIncident", mock.Anything).Run(func(args mock.Arguments) {
		captured = args.Get(0).(*models.Incident)
	}).Return(&models.Incident{ID: "inc-3"}, true, nil)

	_, _, err := s.OpenNoDataMachine("m-1", "tenant-1", "", "no data", "")
	require.NoError(t, err)
	assert.Equal(t, models.SeverityCritical, captured.Severity)
	require.NotNil(t, captured.MachineID)
	assert.Equal(t, "m-1", *captured.MachineID)
}

func TestOpenHTTPFailureDefaultSeverity(t *testing.T) {
	mockDB := new(database.MockDatabase)
	s := newTestStore(mockDB)

	var captured *models.Incident
	mockDB.On("OpenIncident", mock.Anything).Run(func(args mock.Arguments) {
		captured = args.Get(0).(*models.Incident)
	}).Return(&models.Incident{ID: "inc-4"}, true, nil)

	_, _, err := s.OpenHTTPFailure("h-1", "tenant-1", "", "check failed", "")
	require.NoError(t, err)
	assert.Equal(t, models.SeverityWarning, captured.Severity)
	require.NotNil(t, captured.HTTPTargetID)
	assert.Equal(t, "h-1", *captured.HTTPTargetID)
}

func TestResolveBreachDoesNotTouchNoDataMetric(t *testing.T) {
	mockDB := new(database.MockDatabase)
	s := newTestStore(mockDB)
	resolvedAt := time.Now()

	mockDB.On("ResolveOpenIncident", "tenant-1", models.IncidentBreach, "mi-1", resolvedAt).
		Return(&models.Incident{ID: "inc-1", Kind: models.IncidentBreach}, nil)

	result, err := s.ResolveBreach("tenant-1", "mi-1", resolvedAt)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, models.IncidentBreach, result.Kind)

	// ResolveOpenIncident was called with kind=BREACH only, never NO_DATA_METRIC.
	mockDB.AssertCalled(t, "ResolveOpenIncident", "tenant-1", models.IncidentBreach, "mi-1", resolvedAt)
	mockDB.AssertNotCalled(t, "ResolveOpenIncident", "tenant-1", models.IncidentNoDataMetric, "mi-1", resolvedAt)
}

func TestResolveReturnsNilWhenNothingOpen(t *testing.T) {
	mockDB := new(database.MockDatabase)
	s := newTestStore(mockDB)
	resolvedAt := time.Now()

	mockDB.On("ResolveOpenIncident", "tenant-1", models.IncidentBreach, "mi-1", resolvedAt).
		Return(nil, nil)

	result, err := s.ResolveBreach("tenant-1", "mi-1", resolvedAt)
	require.NoError(t, err)
	assert.Nil(t, result)
}

func TestResolveAllMetricNoData(t *testing.T) {
	mockDB := new(database.MockDatabase)
	s := newTestStore(mockDB)
	resolvedAt := time.Now()

	mockDB.On("ResolveAllMetricNoData", "tenant-1", "m-1", resolvedAt).Return(3, nil)

	n, err := s.ResolveAllMetricNoData("tenant-1", "m-1", resolvedAt)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestAutoResolveStaleBreachesSkipsIncidentsWithNoSample(t *testing.T) {
	mockDB := new(database.MockDatabase)
	s := newTestStore(mockDB)
	mi := "mi-1"

	incident := &models.Incident{
		ID: "inc-1", TenantID: "tenant-1", Kind: models.IncidentBreach,
		ScopeID: mi, MetricInstanceID: &mi, Status: models.IncidentOpen,
		CreatedAt: time.Now().Add(-2 * time.Hour),
	}

	mockDB.On("ListOpenBreachesOlderThan", mock.Anything, 50).Return([]*models.Incident{incident}, nil)
	mockDB.On("GetLatestSample", mi).Return(nil, nil)

	resolved, candidates, err := s.AutoResolveStaleBreaches(context.Background(), time.Hour, 50, false)
	require.NoError(t, err)
	assert.Equal(t, 1, candidates)
	assert.Equal(t, 0, resolved)
	mockDB.AssertNotCalled(t, "ResolveOpenIncident", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestAutoResolveStaleBreachesSkipsFreshSample(t *testing.T) {
	mockDB := new(database.MockDatabase)
	s := newTestStore(mockDB)
	mi := "mi-1"

	incident := &models.Incident{
		ID: "inc-1", TenantID: "tenant-1", Kind: models.IncidentBreach,
		ScopeID: mi, MetricInstanceID: &mi, Status: models.IncidentOpen,
		CreatedAt: time.Now().Add(-2 * time.Hour),
	}

	mockDB.On("ListOpenBreachesOlderThan", mock.Anything, 50).Return([]*models.Incident{incident}, nil)
	mockDB.On("GetLatestSample", mi).Return(&models.Sample{
		MetricInstanceID: mi, TS: time.Now().Add(-10 * time.Second), Value: models.NumericValue(1),
	}, nil)
	mockDB.On("GetTenantSettings", "tenant-1").Return(nil, nil)

	resolved, candidates, err := s.AutoResolveStaleBreaches(context.Background(), time.Hour, 50, false)
	require.NoError(t, err)
	assert.Equal(t, 1, candidates)
	assert.Equal(t, 0, resolved)
}

func TestAutoResolveStaleBreachesResolvesStaleSample(t *testing.T) {
	mockDB := new(database.MockDatabase)
	s := newTestStore(mockDB)
	mi := "mi-1"

	incident := &models.Incident{
		ID: "inc-1", TenantID: "tenant-1", Kind: models.IncidentBreach,
		ScopeID: mi, MetricInstanceID: &mi, Status: models.IncidentOpen,
		CreatedAt: time.Now().Add(-2 * time.Hour),
	}

	mockDB.On("ListOpenBreachesOlderThan", mock.Anything, 50).Return([]*models.Incident{incident}, nil)
	mockDB.On("GetLatestSample", mi).Return(&models.Sample{
		MetricInstanceID: mi, TS: time.Now().Add(-1 * time.Hour), Value: models.NumericValue(1),
	}, nil)
	mockDB.On("GetTenantSettings", "tenant-1").Return(nil, nil)
	mockDB.On("ResolveOpenIncident", "tenant-1", models.IncidentBreach, mi, mock.Anything).
		Return(&models.Incident{ID: "inc-1"}, nil)
	mockDB.On("UpdateIncidentDescription", "inc-1", mock.MatchedBy(func(desc string) bool {
		return len(desc) > 0
	})).Return(nil)

	resolved, candidates, err := s.AutoResolveStaleBreaches(context.Background(), time.Hour, 50, false)
	require.NoError(t, err)
	assert.Equal(t, 1, candidates)
	assert.Equal(t, 1, resolved)
	mockDB.AssertExpectations(t)
}

func TestAutoResolveStaleBreachesDryRunDoesNotMutate(t *testing.T) {
	mockDB := new(database.MockDatabase)
	s := newTestStore(mockDB)
	mi := "mi-1"

	incident := &models.Incident{
		ID: "inc-1", TenantID: "tenant-1", Kind: models.IncidentBreach,
		ScopeID: mi, MetricInstanceID: &mi, Status: models.IncidentOpen,
		CreatedAt: time.Now().Add(-2 * time.Hour),
	}

	mockDB.On("ListOpenBreachesOlderThan", mock.Anything, 50).Return([]*models.Incident{incident}, nil)
	mockDB.On("GetLatestSample", mi).Return(&models.Sample{
		MetricInstanceID: mi, TS: time.Now().Add(-1 * time.Hour), Value: models.NumericValue(1),
	}, nil)
	mockDB.On("GetTenantSettings", "tenant-1").Return(nil, nil)

	resolved, candidates, err := s.AutoResolveStaleBreaches(context.Background(), time.Hour, 50, true)
	require.NoError(t, err)
	assert.Equal(t, 1, candidates)
	assert.Equal(t, 1, resolved)
	mockDB.AssertNotCalled(t, "ResolveOpenIncident", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestEffectiveStalenessThresholdPrefersTenantSetting(t *testing.T) {
	mockDB := new(database.MockDatabase)
	s := newTestStore(mockDB)

	tenantThreshold := 600
	mockDB.On("GetTenantSettings", "tenant-1").Return(&models.TenantSettings{
		TenantID: "tenant-1", HeartbeatThresholdSeconds: &tenantThreshold,
	}, nil)

	assert.Equal(t, 600, s.effectiveStalenessThreshold("tenant-1"))
}

func TestEffectiveStalenessThresholdFallsBackToConfig(t *testing.T) {
	mockDB := new(database.MockDatabase)
	s := newTestStore(mockDB)

	mockDB.On("GetTenantSettings", "tenant-1").Return(nil, nil)

	assert.Equal(t, 300, s.effectiveStalenessThreshold("tenant-1"))
}

func TestListOpenMachineNoData(t *testing.T) {
	mockDB := new(database.MockDatabase)
	s := newTestStore(mockDB)

	mockDB.On("ListOpenIncidentsByKind", models.IncidentNoDataMachine).
		Return([]*models.Incident{{ID: "inc-1", Kind: models.IncidentNoDataMachine}}, nil)

	result, err := s.ListOpenMachineNoData()
	require.NoError(t, err)
	require.Len(t, result, 1)
	assert.Equal(t, models.IncidentNoDataMachine, result[0].Kind)
}
