//go:build integration

// Package integration_test exercises the full incident lifecycle engine —
// ingest, evaluation, freshness, probing, dispatch and outbox delivery —
// wired together against a real SQLite database, covering the concrete
// end-to-end scenarios named in the specification (S1, S2, S5 and S6).
package integration_test

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Fudheryk/monitoring-engine/internal/config"
	"github.com/Fudheryk/monitoring-engine/internal/database"
	"github.com/Fudheryk/monitoring-engine/internal/dispatcher"
	"github.com/Fudheryk/monitoring-engine/internal/evaluator"
	"github.com/Fudheryk/monitoring-engine/internal/freshness"
	"github.com/Fudheryk/monitoring-engine/internal/incidentstore"
	"github.com/Fudheryk/monitoring-engine/internal/ingest"
	"github.com/Fudheryk/monitoring-engine/internal/ledger"
	"github.com/Fudheryk/monitoring-engine/internal/models"
	"github.com/Fudheryk/monitoring-engine/internal/outbox"
	"github.com/Fudheryk/monitoring-engine/internal/probe"
)

// testEnv bundles every wired component for one test run, plus a raw SQL
// handle for seeding rows (thresholds, HTTP targets) that have no writer
// exposed on database.Database because the engine expects them to be
// provisioned by an external configuration surface.
type testEnv struct {
	DB         database.Database
	Raw        *sql.DB
	Store      *incidentstore.Store
	Dispatcher *dispatcher.Dispatcher
	Evaluator  *evaluator.Evaluator
	Freshness  *freshness.Scanner
	Probe      *probe.Runner
	Outbox     *outbox.Outbox
	Ingest     *ingest.Server
	Cfg        *config.Config

	provider *captureProvider
}

// captureProvider is a dispatcher.Provider that is always available and
// records every request it is asked to send.
type captureProvider struct {
	mu  sync.Mutex
	out []*models.NotificationRequest
}

func (p *captureProvider) Name() string { return "capture" }
func (p *captureProvider) Available(*models.TenantSettings) bool { return true }
func (p *captureProvider) Send(_ context.Context, _ *models.TenantSettings, req *models.NotificationRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.out = append(p.out, req)
	return "ok", nil
}

func (p *captureProvider) sent() []*models.NotificationRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*models.NotificationRequest, len(p.out))
	copy(out, p.out)
	return out
}

// setupTestEnv wires every component against a shared temp-file SQLite
// database (not :memory:, so the raw seeding handle and the engine's own
// connection see the same data) and returns a teardown function.
func setupTestEnv(t *testing.T) (*testEnv, func()) {
	t.Helper()

	dir := t.TempDir()
	dbPath := fmt.Sprintf("%s/monitoring.db", dir)

	logger := zap.NewNop()

	db, err := database.NewSQLiteDB(dbPath, logger)
	require.NoError(t, err)

	raw, err := sql.Open("sqlite3", dbPath)
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Ingest.FutureMaxSeconds = 120
	cfg.Ingest.LateMaxSeconds = 300
	cfg.Evaluator.StartupGraceSeconds = 0
	cfg.Freshness.Interval.Duration = 50 * time.Millisecond
	cfg.Freshness.StartupGraceSeconds = 0
	cfg.Probe.ScanInterval.Duration = 50 * time.Millisecond
	cfg.Probe.Concurrency = 2
	cfg.Probe.DefaultTimeout.Duration = 2 * time.Second
	cfg.Probe.StartupGraceSeconds = 0
	cfg.Notification.PollInterval.Duration = 20 * time.Millisecond
	cfg.Notification.BatchSize = 20
	cfg.Notification.Concurrency = 2
	cfg.Notification.Retry.MaxAttempts = 5
	cfg.Notification.Retry.InitialBackoff.Duration = time.Second
	cfg.Notification.Retry.MaxBackoff.Duration = 10 * time.Second
	cfg.Notification.Retry.BackoffMultiplier = 2
	cfg.Notification.Retry.Jitter = 0.1
	cfg.Outbox.PollInterval.Duration = 20 * time.Millisecond
	cfg.Outbox.BatchSize = 20
	cfg.Outbox.Backoffs = []int{30, 60, 120}
	cfg.Outbox.JitterPct = 0.2
	cfg.Outbox.DeliveryTimeout.Duration = 2 * time.Second
	cfg.TenantDefaults.ReminderSeconds = 2 // cooldown window used by S2
	cfg.TenantDefaults.GracePeriodSeconds = 0
	cfg.TenantDefaults.HeartbeatThresholdSeconds = 60

	store := incidentstore.NewStore(db, cfg, logger)
	led := ledger.NewLedger(db, logger)
	provider := &captureProvider{}
	disp := dispatcher.NewDispatcher(db, led, []dispatcher.Provider{provider}, cfg, nil, logger)
	eval := evaluator.NewEvaluator(db, store, disp, cfg.Evaluator.StartupGraceSeconds, nil, logger)
	fresh := freshness.NewScanner(db, store, disp, cfg, nil, logger)
	probeRunner := probe.NewRunner(db, store, led, disp, &http204Client{}, cfg, nil, logger)
	ob := outbox.New(db, cfg, nil, logger)
	ingestServer := ingest.NewServer(db, store, eval, probeRunner, cfg, nil, logger)

	env := &testEnv{
		DB: db, Raw: raw, Store: store, Dispatcher: disp, Evaluator: eval,
		Freshness: fresh, Probe: probeRunner, Outbox: ob, Ingest: ingestServer,
		Cfg: cfg, provider: provider,
	}

	cleanup := func() {
		raw.Close()
		db.Close()
		os.Remove(dbPath)
	}
	return env, cleanup
}

// seedThreshold inserts a threshold row directly via SQL — the engine has
// no write path for thresholds, since spec.md treats their management as an
// external configuration concern.
func (e *testEnv) seedThreshold(t *testing.T, th *models.Threshold) {
	t.Helper()
	_, err := e.Raw.Exec(
		`INSERT INTO thresholds (id, tenant_id, metric_instance_id, condition, value_num, value_bool, value_str, severity, min_duration_seconds, cooldown_seconds, consecutive_breaches, is_active)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
		th.ID, th.TenantID, th.MetricInstanceID, th.Condition,
		th.ValueNum, th.ValueBool, th.ValueStr, th.Severity,
		th.MinDurationSeconds, th.CooldownSeconds, th.ConsecutiveBreaches,
	)
	require.NoError(t, err)
}

// startDispatcher runs the dispatcher's poll loop until ctx is cancelled.
func (e *testEnv) startDispatcher(ctx context.Context) {
	go e.Dispatcher.Start(ctx)
}

// waitForSent polls until the capture provider has received at least n
// requests, or fails the test after timeout.
func (e *testEnv) waitForSent(t *testing.T, n int, timeout time.Duration) []*models.NotificationRequest {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if got := e.provider.sent(); len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d notifications, got %d", n, len(e.provider.sent()))
	return nil
}

// http204Client always answers 204 No Content, used as the probe runner's
// default HTTP client where a scenario doesn't need a real target.
type http204Client struct{}

func (http204Client) Do(*http.Request) (*http.Response, error) {
	return &http.Response{StatusCode: 204, Body: http.NoBody}, nil
}
