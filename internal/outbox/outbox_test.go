package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
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

type fakeClient struct {
	resp *http.Response
	err  error
}

func (c *fakeClient) Do(*http.Request) (*http.Response, error) {
	return c.resp, c.err
}

func newTestOutbox(mockDB *database.MockDatabase) *Outbox {
	cfg := &config.Config{}
	cfg.Outbox.PollInterval.Duration = time.Second
	cfg.Outbox.BatchSize = 10
	cfg.Outbox.Backoffs = []int{30, 60, 120, 300, 600}
	cfg.Outbox.JitterPct = 0.2
	cfg.Outbox.DeliveryTimeout.Duration = 5 * time.Second
	return New(mockDB, cfg, nil, zap.NewNop())
}

func TestSaveEncodesIncidentAndPayloadIntoEnvelope(t *testing.T) {
	mockDB := new(database.MockDatabase)
	o := newTestOutbox(mockDB)
	incidentID := "inc-1"

	mockDB.On("SaveOutboxEvent", mock.MatchedBy(func(ev *models.OutboxEvent) bool {
		var decoded struct {
			Text string `json:"text"`
		}
		gotIncident, err := Decode(ev, &decoded)
		return err == nil && gotIncident != nil && *gotIncident == incidentID &&
			decoded.Text == "hello" && ev.Kind == "webhook" && ev.TenantID == "t1"
	})).Return(nil)

	err := o.Save("webhook", map[string]string{"text": "hello"}, "t1", &incidentID, nil)
	require.NoError(t, err)
	mockDB.AssertExpectations(t)
}

func TestPollDeliversAndMarksDelivered(t *testing.T) {
	mockDB := new(database.MockDatabase)
	o := newTestOutbox(mockDB)

	ev := &models.OutboxEvent{ID: "ev-1", Kind: "noop", Payload: `{"data":{}}`}
	mockDB.On("ClaimDueOutboxEvents", mock.Anything, mock.Anything, mock.Anything).
		Return([]*models.OutboxEvent{ev}, nil)
	mockDB.On("MarkOutboxDelivered", "ev-1", "ok", mock.Anything).Return(nil)

	delivered := false
	o.RegisterHandler("noop", func(ctx context.Context, ev *models.OutboxEvent) (string, error) {
		delivered = true
		return "ok", nil
	})

	o.poll(context.Background())
	assert.True(t, delivered)
	mockDB.AssertExpectations(t)
}

func TestPollScheduleRetryOnHandlerError(t *testing.T) {
	mockDB := new(database.MockDatabase)
	o := newTestOutbox(mockDB)

	ev := &models.OutboxEvent{ID: "ev-1", Kind: "noop", Attempts: 1, Payload: `{"data":{}}`}
	mockDB.On("ClaimDueOutboxEvents", mock.Anything, mock.Anything, mock.Anything).
		Return([]*models.OutboxEvent{ev}, nil)
	mockDB.On("ScheduleOutboxRetry", "ev-1", mock.Anything, "boom", mock.Anything).Return(nil)

	o.RegisterHandler("noop", func(ctx context.Context, ev *models.OutboxEvent) (string, error) {
		return "", errors.New("boom")
	})

	o.poll(context.Background())
	mockDB.AssertExpectations(t)
}

func TestPollFailsUnregisteredKind(t *testing.T) {
	mockDB := new(database.MockDatabase)
	o := newTestOutbox(mockDB)

	ev := &models.OutboxEvent{ID: "ev-1", Kind: "unknown", Payload: `{"data":{}}`}
	mockDB.On("ClaimDueOutboxEvents", mock.Anything, mock.Anything, mock.Anything).
		Return([]*models.OutboxEvent{ev}, nil)
	mockDB.On("MarkOutboxFailed", "ev-1", mock.Anything, mock.Anything).Return(nil)

	o.poll(context.Background())
	mockDB.AssertExpectations(t)
}

func TestBackoffDelayClampsToLastEntry(t *testing.T) {
	d := backoffDelay(50, []int{30, 60, 120, 300, 600}, 0)
	assert.Equal(t, 600*time.Second, d)
}

func TestBackoffDelayFirstAttemptUsesFirstEntry(t *testing.T) {
	d := backoffDelay(1, []int{30, 60, 120, 300, 600}, 0)
	assert.Equal(t, 30*time.Second, d)
}

func TestWebhookHandlerPostsBodyAndReturnsReceipt(t *testing.T) {
	client := &fakeClient{resp: &http.Response{StatusCode: 202, Body: http.NoBody}}
	handler := WebhookHandler(client)

	body, _ := json.Marshal(WebhookPayload{URL: "https://example.test/hook", Body: json.RawMessage(`{"a":1}`)})
	ev := &models.OutboxEvent{Payload: string(mustEnvelope(t, body))}

	receipt, err := handler(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, "202", receipt)
}

func TestWebhookHandlerNonSuccessStatusIsError(t *testing.T) {
	client := &fakeClient{resp: &http.Response{StatusCode: 500, Body: http.NoBody}}
	handler := WebhookHandler(client)

	body, _ := json.Marshal(WebhookPayload{URL: "https://example.test/hook"})
	ev := &models.OutboxEvent{Payload: string(mustEnvelope(t, body))}

	_, err := handler(context.Background(), ev)
	require.Error(t, err)
}

func mustEnvelope(t *testing.T, data json.RawMessage) []byte {
	t.Helper()
	b, err := json.Marshal(envelope{Data: data})
	require.NoError(t, err)
	return b
}
