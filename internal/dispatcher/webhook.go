package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/Fudheryk/monitoring-engine/internal/models"
)

// HTTPClient is the interface used to send HTTP requests. *http.Client
// satisfies it, and it can be replaced with a mock in tests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// webhookPayload mirrors SlackProvider's Incoming Webhook body shape:
// a headline text plus one attachment carrying the color-coded detail.
type webhookPayload struct {
	Text        string              `json:"text"`
	Channel     string              `json:"channel,omitempty"`
	Attachments []webhookAttachment `json:"attachments"`
}

type webhookAttachment struct {
	Color  string `json:"color"`
	Text   string `json:"text"`
	Footer string `json:"footer"`
}

// WebhookProvider delivers notifications as a JSON POST to the tenant's
// configured webhook URL (Slack Incoming Webhooks and compatible
// receivers), grounded on SlackProvider.send.
type WebhookProvider struct {
	client HTTPClient
}

// NewWebhookProvider creates a WebhookProvider.
func NewWebhookProvider(client HTTPClient) *WebhookProvider {
	return &WebhookProvider{client: client}
}

func (p *WebhookProvider) Name() string { return "webhook" }

func (p *WebhookProvider) Available(settings *models.TenantSettings) bool {
	return settings != nil && settings.SlackWebhook != nil && strings.TrimSpace(*settings.SlackWebhook) != ""
}

func (p *WebhookProvider) Send(ctx context.Context, settings *models.TenantSettings, req *models.NotificationRequest) (string, error) {
	payload := webhookPayload{
		Text: fmt.Sprintf("[%s] %s", strings.ToUpper(req.Severity), req.Title),
		Attachments: []webhookAttachment{{
			Color:  severityColor(req.Severity),
			Text:   req.Text,
			Footer: "monitoring-engine",
		}},
	}
	if req.Channel != nil {
		payload.Channel = *req.Channel
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshalling webhook payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, *settings.SlackWebhook, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("building webhook request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return fmt.Sprintf("webhook:%d", resp.StatusCode), nil
}

func severityColor(severity string) string {
	switch severity {
	case models.SeverityInfo:
		return "#36a64f"
	case models.SeverityWarning:
		return "#ffcc00"
	default:
		return "#ff0000"
	}
}
