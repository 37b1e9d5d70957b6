//go:build integration

package integration_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Fudheryk/monitoring-engine/internal/models"
)

func ingestBody(hostname string, sentAt time.Time, name string, value float64) []byte {
	body := map[string]interface{}{
		"machine": map[string]interface{}{"hostname": hostname},
		"metrics": []map[string]interface{}{
			{"name": name, "type": "numeric", "value": value},
		},
		"sent_at": sentAt.UTC().Format(time.RFC3339),
	}
	b, _ := json.Marshal(body)
	return b
}

// TestS1_BreachThenClear covers spec.md S1: a metric breaches a threshold,
// opening one BREACH and enqueuing a notification; a subsequent in-range
// sample resolves it and opens nothing new.
func TestS1_BreachThenClear(t *testing.T) {
	env, cleanup := setupTestEnv(t)
	defer cleanup()
	env.Cfg.AuthToken = "test-token"

	req := httptest.NewRequest(http.MethodPost, "/ingest/metrics", bytes.NewReader(ingestBody("host-s1", time.Now(), "cpu_load", 0.1)))
	req.Header.Set("X-Ingest-Token", "test-token")
	w := httptest.NewRecorder()
	env.Ingest.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusAccepted, w.Code)

	machine, err := env.DB.GetMachineByHostname("default", "host-s1")
	require.NoError(t, err)
	require.NotNil(t, machine)

	mi, err := env.DB.GetMetricInstance(machine.ID, "cpu_load", "")
	require.NoError(t, err)
	require.NotNil(t, mi)

	gt := models.CondGT
	threshold := 1.0
	env.seedThreshold(t, &models.Threshold{
		ID: "th-s1", TenantID: "default", MetricInstanceID: mi.ID,
		Condition: gt, ValueNum: &threshold, Severity: models.SeverityWarning,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env.startDispatcher(ctx)

	req2 := httptest.NewRequest(http.MethodPost, "/ingest/metrics", bytes.NewReader(ingestBody("host-s1", time.Now(), "cpu_load", 3.3)))
	req2.Header.Set("X-Ingest-Token", "test-token")
	w2 := httptest.NewRecorder()
	env.Ingest.Router().ServeHTTP(w2, req2)
	require.Equal(t, http.StatusAccepted, w2.Code)

	incident, err := env.DB.GetOpenIncident("default", models.IncidentBreach, mi.ID)
	require.NoError(t, err)
	require.NotNil(t, incident, "expected an open BREACH incident")
	assert.Equal(t, models.SeverityWarning, incident.Severity)

	env.waitForSent(t, 1, time.Second)

	req3 := httptest.NewRequest(http.MethodPost, "/ingest/metrics", bytes.NewReader(ingestBody("host-s1", time.Now(), "cpu_load", 0.2)))
	req3.Header.Set("X-Ingest-Token", "test-token")
	w3 := httptest.NewRecorder()
	env.Ingest.Router().ServeHTTP(w3, req3)
	require.Equal(t, http.StatusAccepted, w3.Code)

	resolved, err := env.DB.GetOpenIncident("default", models.IncidentBreach, mi.ID)
	require.NoError(t, err)
	assert.Nil(t, resolved, "BREACH should be resolved after an in-range sample")
}

// TestS2_CooldownGate covers spec.md S2: a second notification for the same
// incident within the reminder window is skipped; once the reminder window
// elapses, the next one is sent.
func TestS2_CooldownGate(t *testing.T) {
	env, cleanup := setupTestEnv(t)
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env.startDispatcher(ctx)

	incidentID := "inc-s2"
	req := &models.NotificationRequest{
		TenantID: "tenant-s2", IncidentID: &incidentID,
		Severity: models.SeverityCritical, Title: "target down", Text: "HTTP_FAILURE",
	}

	require.NoError(t, env.Dispatcher.Enqueue(ctx, req))
	env.waitForSent(t, 1, time.Second)

	require.NoError(t, env.Dispatcher.Enqueue(ctx, req))
	time.Sleep(200 * time.Millisecond)
	assert.Len(t, env.provider.sent(), 1, "second notification within the reminder window must be skipped")

	time.Sleep(time.Duration(env.Cfg.TenantDefaults.ReminderSeconds)*time.Second + 200*time.Millisecond)
	require.NoError(t, env.Dispatcher.Enqueue(ctx, req))
	env.waitForSent(t, 2, 3*time.Second)
}

// TestS5_OutboxRetryThenDeliver covers spec.md S5: an event whose handler
// fails once is retried with the configured backoff grid and succeeds on
// its second attempt.
func TestS5_OutboxRetryThenDeliver(t *testing.T) {
	env, cleanup := setupTestEnv(t)
	defer cleanup()

	var attempts int
	env.Outbox.RegisterHandler("probe", func(ctx context.Context, ev *models.OutboxEvent) (string, error) {
		attempts++
		if attempts == 1 {
			return "", assert.AnError
		}
		return "delivered", nil
	})

	require.NoError(t, env.Outbox.Save("probe", map[string]string{"k": "v"}, "tenant-s5", nil, nil))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go env.Outbox.Start(ctx)

	deadline := time.Now().Add(40 * time.Second)
	for time.Now().Before(deadline) && attempts < 2 {
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, 2, attempts, "handler should have been retried exactly once before succeeding")
}

// TestS6_IdempotentIngest covers spec.md S6: replaying the same
// X-Ingest-Id returns 202 accepted once and 200 duplicate thereafter, with
// exactly one idempotency row recorded.
func TestS6_IdempotentIngest(t *testing.T) {
	env, cleanup := setupTestEnv(t)
	defer cleanup()
	env.Cfg.AuthToken = "test-token"

	body := ingestBody("host-s6", time.Now(), "cpu_load", 1.0)

	mkReq := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/ingest/metrics", bytes.NewReader(body))
		req.Header.Set("X-Ingest-Token", "test-token")
		req.Header.Set("X-Ingest-Id", "abc")
		w := httptest.NewRecorder()
		env.Ingest.Router().ServeHTTP(w, req)
		return w
	}

	first := mkReq()
	require.Equal(t, http.StatusAccepted, first.Code)
	var firstResp map[string]string
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &firstResp))
	assert.Equal(t, "accepted", firstResp["status"])

	second := mkReq()
	require.Equal(t, http.StatusOK, second.Code)
	var secondResp map[string]string
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &secondResp))
	assert.Equal(t, "duplicate", secondResp["status"])

	var count int
	require.NoError(t, env.Raw.QueryRow(`SELECT COUNT(*) FROM idempotency_records WHERE ingest_id = ?`, "abc").Scan(&count))
	assert.Equal(t, 1, count)
}
