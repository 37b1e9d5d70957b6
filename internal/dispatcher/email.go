package dispatcher

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/Fudheryk/monitoring-engine/internal/config"
	"github.com/Fudheryk/monitoring-engine/internal/models"
)

// EmailProvider delivers notifications over SMTP, grounded on
// email_provider.py. No SMTP client library appears anywhere in the
// example pack, so this uses the standard library's net/smtp directly —
// recorded in DESIGN.md as the one stdlib exception for this package.
type EmailProvider struct {
	cfg config.SMTPConfig
}

// NewEmailProvider creates an EmailProvider.
func NewEmailProvider(cfg config.SMTPConfig) *EmailProvider {
	return &EmailProvider{cfg: cfg}
}

func (p *EmailProvider) Name() string { return "email" }

func (p *EmailProvider) Available(settings *models.TenantSettings) bool {
	if p.cfg.Host == "" || p.cfg.From == "" {
		return false
	}
	return settings != nil && settings.NotificationEmail != nil && strings.TrimSpace(*settings.NotificationEmail) != ""
}

func (p *EmailProvider) Send(ctx context.Context, settings *models.TenantSettings, req *models.NotificationRequest) (string, error) {
	to := *settings.NotificationEmail
	subject := fmt.Sprintf("[%s] %s", strings.ToUpper(req.Severity), req.Title)
	msg := fmt.Sprintf("To: %s\r\nFrom: %s\r\nSubject: %s\r\n\r\n%s\r\n", to, p.cfg.From, subject, req.Text)

	addr := fmt.Sprintf("%s:%d", p.cfg.Host, p.cfg.Port)
	var auth smtp.Auth
	if p.cfg.Username != "" {
		auth = smtp.PlainAuth("", p.cfg.Username, p.cfg.Password, p.cfg.Host)
	}

	if err := smtp.SendMail(addr, auth, p.cfg.From, []string{to}, []byte(msg)); err != nil {
		return "", fmt.Errorf("sending email: %w", err)
	}
	return fmt.Sprintf("email:%s", to), nil
}
