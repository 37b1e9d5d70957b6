package outbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/Fudheryk/monitoring-engine/internal/models"
)

// HTTPClient is the interface used to send HTTP requests. *http.Client
// satisfies it, and it can be replaced with a mock in tests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// WebhookPayload is the envelope's Data shape for the "webhook" Kind: a
// target URL plus an arbitrary body to relay, grounded on the teacher's
// notifier.buildRequest (method, headers, JSON body).
type WebhookPayload struct {
	URL     string            `json:"url"`
	Body    json.RawMessage   `json:"body"`
	Headers map[string]string `json:"headers,omitempty"`
}

// WebhookHandler delivers "webhook"-kind events as a JSON POST to the URL
// carried in the payload, for durable delivery of outbound integration
// events that are not per-tenant notification channels (those go through
// the dispatcher instead).
func WebhookHandler(client HTTPClient) Handler {
	return func(ctx context.Context, ev *models.OutboxEvent) (string, error) {
		var wp WebhookPayload
		if _, err := Decode(ev, &wp); err != nil {
			return "", err
		}
		if wp.URL == "" {
			return "", fmt.Errorf("outbox: webhook payload missing url")
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, wp.URL, bytes.NewReader(wp.Body))
		if err != nil {
			return "", fmt.Errorf("building webhook request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range wp.Headers {
			req.Header.Set(k, v)
		}

		resp, err := client.Do(req)
		if err != nil {
			return "", fmt.Errorf("webhook request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return "", fmt.Errorf("webhook returned status %d", resp.StatusCode)
		}
		return fmt.Sprintf("%d", resp.StatusCode), nil
	}
}
