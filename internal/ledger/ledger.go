// Package ledger implements the Notification Ledger (C2): an append-only
// record of every notification attempt and the sole source of truth for
// cooldown decisions (spec.md §4.2). Nothing downstream may infer "was a
// notification recently sent" from application memory or from reasoning
// about the provider — only from this ledger.
package ledger

import (
	"time"

	"go.uber.org/zap"

	"github.com/Fudheryk/monitoring-engine/internal/database"
	"github.com/Fudheryk/monitoring-engine/internal/models"
)

// Ledger wraps database.Database with the notification-log-specific
// semantics of spec.md §4.2.
type Ledger struct {
	db     database.Database
	logger *zap.Logger
}

// NewLedger creates a new Ledger.
func NewLedger(db database.Database, logger *zap.Logger) *Ledger {
	return &Ledger{db: db, logger: logger}
}

// Record appends a notification attempt. Message and error truncation to
// models.MaxMessageLength happens in the storage layer (database.Database
// is the single place that enforces it), so every caller gets the bound
// regardless of entry point.
func (l *Ledger) Record(entry *models.NotificationLogEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	if err := l.db.RecordNotification(entry); err != nil {
		return err
	}
	l.logger.Info("notification recorded",
		zap.String("tenant_id", entry.TenantID),
		zap.String("provider", entry.Provider),
		zap.String("status", entry.Status),
	)
	return nil
}

// LastSuccessAt returns the most recent sent_at across all non-technical
// providers for incidentID (or tenant-wide when incidentID is nil). This is
// the only function the dispatcher's cooldown gate may call — it never
// reasons about timing from in-process state.
func (l *Ledger) LastSuccessAt(tenantID string, incidentID *string) (*time.Time, error) {
	return l.db.LastSuccessAt(tenantID, incidentID)
}

// CooldownElapsed reports whether cooldown seconds have elapsed since the
// last successful, non-technical notification for the given scope. A nil
// last-success (never notified before) always means cooldown has elapsed.
func (l *Ledger) CooldownElapsed(tenantID string, incidentID *string, cooldown time.Duration, now time.Time) (bool, error) {
	last, err := l.LastSuccessAt(tenantID, incidentID)
	if err != nil {
		return false, err
	}
	if last == nil {
		return true, nil
	}
	return now.Sub(*last) >= cooldown, nil
}

// List returns tenantID's notification log with pagination, for the read
// HTTP surface.
func (l *Ledger) List(tenantID string, limit, offset int) ([]*models.NotificationLogEntry, error) {
	return l.db.ListNotifications(tenantID, limit, offset)
}
