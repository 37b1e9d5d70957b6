package dispatcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Fudheryk/monitoring-engine/internal/config"
	"github.com/Fudheryk/monitoring-engine/internal/database"
	"github.com/Fudheryk/monitoring-engine/internal/ledger"
	"github.com/Fudheryk/monitoring-engine/internal/models"
)

// fakeProvider is a Provider double controlled per test.
type fakeProvider struct {
	name      string
	available bool
	receipt   string
	err       error
}

func (p *fakeProvider) Name() string { return p.name }
func (p *fakeProvider) Available(*models.TenantSettings) bool { return p.available }
func (p *fakeProvider) Send(context.Context, *models.TenantSettings, *models.NotificationRequest) (string, error) {
	return p.receipt, p.err
}

func newTestDispatcher(mockDB *database.MockDatabase, providers []Provider) *Dispatcher {
	cfg := &config.Config{}
	cfg.Notification.PollInterval.Duration = time.Minute
	cfg.Notification.BatchSize = 10
	cfg.Notification.Concurrency = 4
	cfg.Notification.Retry.MaxAttempts = 3
	cfg.Notification.Retry.InitialBackoff.Duration = time.Second
	cfg.Notification.Retry.MaxBackoff.Duration = time.Minute
	cfg.Notification.Retry.BackoffMultiplier = 2
	cfg.Notification.Retry.Jitter = 0.1
	cfg.TenantDefaults.ReminderSeconds = 1800
	led := ledger.NewLedger(mockDB, zap.NewNop())
	return NewDispatcher(mockDB, led, providers, cfg, nil, zap.NewNop())
}

func validRequest() *models.NotificationRequest {
	return &models.NotificationRequest{
		TenantID: "tenant-1",
		Severity: models.SeverityCritical,
		Title:    "down",
		Text:     "it's down",
	}
}

func TestEnqueuePersistsToQueue(t *testing.T) {
	mockDB := new(database.MockDatabase)
	d := newTestDispatcher(mockDB, nil)
	req := validRequest()

	mockDB.On("EnqueuePendingNotification", mock.MatchedBy(func(n *models.PendingNotification) bool {
		return n.Request.TenantID == "tenant-1"
	})).Return(nil)

	err := d.Enqueue(context.Background(), req)
	require.NoError(t, err)
	mockDB.AssertExpectations(t)
}

func TestProcessInvalidPayloadIsTerminalFailure(t *testing.T) {
	mockDB := new(database.MockDatabase)
	d := newTestDispatcher(mockDB, nil)
	n := &models.PendingNotification{ID: "n-1", Request: models.NotificationRequest{TenantID: "tenant-1"}}

	mockDB.On("RecordNotification", mock.MatchedBy(func(e *models.NotificationLogEntry) bool {
		return e.Status == models.NotificationFailed
	})).Return(nil)
	mockDB.On("MarkNotificationQueueDelivered", "n-1", mock.Anything).Return(nil)

	d.process(context.Background(), n)
	mockDB.AssertExpectations(t)
	mockDB.AssertNotCalled(t, "GetTenantSettings", mock.Anything)
}

func TestProcessNoProviderConfiguredIsTerminalFailure(t *testing.T) {
	mockDB := new(database.MockDatabase)
	d := newTestDispatcher(mockDB, []Provider{&fakeProvider{name: "webhook", available: false}})
	n := &models.PendingNotification{ID: "n-1", Request: *validRequest()}

	mockDB.On("GetTenantSettings", "tenant-1").Return(nil, nil)
	mockDB.On("RecordNotification", mock.MatchedBy(func(e *models.NotificationLogEntry) bool {
		return e.Status == models.NotificationFailed
	})).Return(nil)
	mockDB.On("MarkNotificationQueueDelivered", "n-1", mock.Anything).Return(nil)

	d.process(context.Background(), n)
	mockDB.AssertExpectations(t)
}

func TestProcessSendSuccessRecordsAndMarksDelivered(t *testing.T) {
	mockDB := new(database.MockDatabase)
	provider := &fakeProvider{name: "webhook", available: true, receipt: "ok"}
	d := newTestDispatcher(mockDB, []Provider{provider})
	req := validRequest()
	incidentID := "inc-1"
	req.IncidentID = &incidentID
	n := &models.PendingNotification{ID: "n-1", Request: *req}

	mockDB.On("GetTenantSettings", "tenant-1").Return(nil, nil)
	mockDB.On("LastSuccessAt", "tenant-1", &incidentID).Return(nil, nil)
	mockDB.On("RecordNotification", mock.MatchedBy(func(e *models.NotificationLogEntry) bool {
		return e.Status == models.NotificationPending
	})).Return(nil).Once()
	mockDB.On("RecordNotification", mock.MatchedBy(func(e *models.NotificationLogEntry) bool {
		return e.Status == models.NotificationSuccess
	})).Return(nil).Once()
	mockDB.On("MarkNotificationQueueDelivered", "n-1", mock.Anything).Return(nil)

	d.process(context.Background(), n)
	mockDB.AssertExpectations(t)
}

func TestProcessCooldownActiveSkipsSendAndIsTerminal(t *testing.T) {
	mockDB := new(database.MockDatabase)
	provider := &fakeProvider{name: "webhook", available: true}
	d := newTestDispatcher(mockDB, []Provider{provider})
	req := validRequest()
	incidentID := "inc-1"
	req.IncidentID = &incidentID
	n := &models.PendingNotification{ID: "n-1", Request: *req}

	recent := time.Now().Add(-time.Second)
	mockDB.On("GetTenantSettings", "tenant-1").Return(nil, nil)
	mockDB.On("LastSuccessAt", "tenant-1", &incidentID).Return(&recent, nil)
	mockDB.On("RecordNotification", mock.MatchedBy(func(e *models.NotificationLogEntry) bool {
		return e.Status == models.NotificationPending || e.Status == models.NotificationSkippedCooldown
	})).Return(nil)
	mockDB.On("MarkNotificationQueueDelivered", "n-1", mock.Anything).Return(nil)

	d.process(context.Background(), n)
	mockDB.AssertExpectations(t)
	mockDB.AssertNotCalled(t, "ScheduleNotificationRetry", mock.Anything, mock.Anything, mock.Anything)
}

func TestProcessResolvedBypassesCooldown(t *testing.T) {
	mockDB := new(database.MockDatabase)
	provider := &fakeProvider{name: "webhook", available: true, receipt: "ok"}
	d := newTestDispatcher(mockDB, []Provider{provider})
	req := validRequest()
	req.Resolved = true
	incidentID := "inc-1"
	req.IncidentID = &incidentID
	n := &models.PendingNotification{ID: "n-1", Request: *req}

	mockDB.On("GetTenantSettings", "tenant-1").Return(nil, nil)
	mockDB.On("RecordNotification", mock.Anything).Return(nil)
	mockDB.On("MarkNotificationQueueDelivered", "n-1", mock.Anything).Return(nil)

	d.process(context.Background(), n)
	mockDB.AssertExpectations(t)
	mockDB.AssertNotCalled(t, "LastSuccessAt", mock.Anything, mock.Anything)
}

func TestProcessTransientSendFailureSchedulesRetry(t *testing.T) {
	mockDB := new(database.MockDatabase)
	provider := &fakeProvider{name: "webhook", available: true, err: errors.New("connection refused")}
	d := newTestDispatcher(mockDB, []Provider{provider})
	n := &models.PendingNotification{ID: "n-1", Attempts: 1, Request: *validRequest()}

	mockDB.On("GetTenantSettings", "tenant-1").Return(nil, nil)
	mockDB.On("RecordNotification", mock.Anything).Return(nil)
	mockDB.On("ScheduleNotificationRetry", "n-1", mock.Anything, mock.Anything).Return(nil)

	d.process(context.Background(), n)
	mockDB.AssertExpectations(t)
	mockDB.AssertNotCalled(t, "MarkNotificationQueueFailed", mock.Anything, mock.Anything)
}

func TestProcessExhaustedAttemptsMarksFailed(t *testing.T) {
	mockDB := new(database.MockDatabase)
	provider := &fakeProvider{name: "webhook", available: true, err: errors.New("connection refused")}
	d := newTestDispatcher(mockDB, []Provider{provider})
	n := &models.PendingNotification{ID: "n-1", Attempts: 3, Request: *validRequest()}

	mockDB.On("GetTenantSettings", "tenant-1").Return(nil, nil)
	mockDB.On("RecordNotification", mock.Anything).Return(nil)
	mockDB.On("MarkNotificationQueueFailed", "n-1", mock.Anything).Return(nil)

	d.process(context.Background(), n)
	mockDB.AssertExpectations(t)
	mockDB.AssertNotCalled(t, "ScheduleNotificationRetry", mock.Anything, mock.Anything, mock.Anything)
}

func TestSelectProviderPicksFirstAvailable(t *testing.T) {
	mockDB := new(database.MockDatabase)
	unavailable := &fakeProvider{name: "webhook", available: false}
	available := &fakeProvider{name: "email", available: true}
	d := newTestDispatcher(mockDB, []Provider{unavailable, available})

	got := d.selectProvider(nil)
	assert.Equal(t, "email", got.Name())
}
