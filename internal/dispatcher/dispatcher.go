// Package dispatcher implements the Notification Dispatcher (C6): it
// receives notification requests from the evaluator, freshness scanner and
// probe runner, durably queues them, and delivers each one through a
// per-tenant provider with cooldown gating and retry (spec.md §4.6).
package dispatcher

import (
	"context"
	"math"
	mrand "math/rand"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Fudheryk/monitoring-engine/internal/config"
	"github.com/Fudheryk/monitoring-engine/internal/database"
	"github.com/Fudheryk/monitoring-engine/internal/ledger"
	"github.com/Fudheryk/monitoring-engine/internal/metrics"
	"github.com/Fudheryk/monitoring-engine/internal/models"
)

// defaultLeaseTimeout reclaims a claimed-but-never-finished row (process
// crash mid-delivery) back onto the queue, the same way Outbox's
// DELIVERING lease timeout does for its own rows.
const defaultLeaseTimeout = 2 * time.Minute

// Provider delivers a notification through one external channel (webhook,
// email, ...). Available reports whether the tenant has this provider
// configured; Send performs the actual delivery and is only called once
// Available has returned true.
type Provider interface {
	Name() string
	Available(settings *models.TenantSettings) bool
	Send(ctx context.Context, settings *models.TenantSettings, req *models.NotificationRequest) (receipt string, err error)
}

var validate = validator.New()

// Dispatcher implements evaluator.NotificationEnqueuer and is the
// poll-based consumer of the pending-notification queue it writes into.
type Dispatcher struct {
	db        database.Database
	ledger    *ledger.Ledger
	providers []Provider
	breaker   *gobreaker.CircuitBreaker
	cfg       *config.Config
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewDispatcher creates a Dispatcher. providers are tried in order; the
// first one Available for the tenant is used.
func NewDispatcher(db database.Database, led *ledger.Ledger, providers []Provider, cfg *config.Config, m *metrics.Metrics, logger *zap.Logger) *Dispatcher {
	var cb *gobreaker.CircuitBreaker
	if cfg.Notification.CircuitBreaker.Enabled {
		cbCfg := cfg.Notification.CircuitBreaker
		cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "notification-dispatcher",
			MaxRequests: cbCfg.MaxRequestsHalfOpen,
			Timeout:     cbCfg.OpenTimeout.Duration,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				if counts.Requests < cbCfg.MinRequestsToEvaluate {
					return false
				}
				return float64(counts.TotalFailures)/float64(counts.Requests) >= cbCfg.FailureRatioToTrip
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				if m != nil {
					m.SetCircuitBreakerState("dispatcher", float64(to))
				}
			},
		})
	}
	return &Dispatcher{db: db, ledger: led, providers: providers, breaker: cb, cfg: cfg, metrics: m, logger: logger}
}

// Enqueue implements evaluator.NotificationEnqueuer: it durably persists req
// so the poll loop can claim and process it, never blocking the caller
// (evaluator/freshness/probe scan loops) on an external send.
func (d *Dispatcher) Enqueue(ctx context.Context, req *models.NotificationRequest) error {
	return d.db.EnqueuePendingNotification(&models.PendingNotification{Request: *req})
}

// Start begins the claim/process polling loop. It stops when ctx is
// cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.Notification.PollInterval.Duration)
	defer ticker.Stop()

	d.logger.Info("dispatcher started",
		zap.Duration("poll_interval", d.cfg.Notification.PollInterval.Duration),
		zap.Int("batch_size", d.cfg.Notification.BatchSize),
	)

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopping", zap.Error(ctx.Err()))
			return
		case <-ticker.C:
			d.poll(ctx)
		}
	}
}

// poll claims a batch and processes each item with bounded concurrency.
func (d *Dispatcher) poll(ctx context.Context) {
	now := time.Now()
	claimed, err := d.db.ClaimPendingNotifications(now, defaultLeaseTimeout, d.cfg.Notification.BatchSize)
	if err != nil {
		d.logger.Error("dispatcher: failed to claim pending notifications", zap.Error(err))
		return
	}
	if d.metrics != nil {
		d.metrics.NotificationQueueDepth.Set(float64(len(claimed)))
	}
	if len(claimed) == 0 {
		return
	}

	concurrency := d.cfg.Notification.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, n := range claimed {
		n := n
		g.Go(func() error {
			d.process(gctx, n)
			return nil
		})
	}
	_ = g.Wait() // process never returns an error through the group
}

// process runs the full spec.md §4.6 pipeline for one claimed row:
// validate, check provider availability, record pending, gate on cooldown
// (skipped for resolves), send, record the outcome.
func (d *Dispatcher) process(ctx context.Context, n *models.PendingNotification) {
	req := &n.Request
	now := time.Now()

	if err := validate.Struct(req); err != nil {
		d.logger.Warn("dispatcher: payload validation failed", zap.String("id", n.ID), zap.Error(err))
		d.recordTerminal(req, "validation", models.NotificationFailed, err.Error())
		d.terminal(n, now)
		return
	}

	settings, err := d.db.GetTenantSettings(req.TenantID)
	if err != nil {
		d.logger.Error("dispatcher: failed to load tenant settings", zap.String("tenant_id", req.TenantID), zap.Error(err))
		d.retry(n, now)
		return
	}

	provider := d.selectProvider(settings)
	if provider == nil {
		d.logger.Warn("dispatcher: no provider configured", zap.String("tenant_id", req.TenantID))
		d.recordTerminal(req, "none", models.NotificationFailed, "no notification provider configured for tenant")
		d.terminal(n, now)
		return
	}

	pendingEntry := &models.NotificationLogEntry{
		TenantID:   req.TenantID,
		IncidentID: req.IncidentID,
		AlertID:    req.AlertID,
		Provider:   provider.Name(),
		Recipient:  recipientOf(req),
		Status:     models.NotificationPending,
		Message:    req.Text,
	}
	if err := d.ledger.Record(pendingEntry); err != nil {
		d.logger.Error("dispatcher: failed to record pending entry", zap.Error(err))
	}

	if !req.Resolved && req.IncidentID != nil {
		elapsed, err := d.ledger.CooldownElapsed(req.TenantID, req.IncidentID, d.reminderInterval(settings), now)
		if err != nil {
			d.logger.Error("dispatcher: cooldown check failed", zap.Error(err))
			d.retry(n, now)
			return
		}
		if !elapsed {
			d.recordTerminal(req, "cooldown", models.NotificationSkippedCooldown, "")
			if d.metrics != nil {
				d.metrics.RecordNotificationSent("cooldown", "skipped_cooldown")
			}
			d.terminal(n, now)
			return
		}
	}

	receipt, sendErr := d.send(ctx, provider, settings, req)
	if sendErr != nil {
		d.recordTerminal(req, provider.Name(), models.NotificationFailed, sendErr.Error())
		if d.metrics != nil {
			d.metrics.RecordNotificationSent(provider.Name(), "failed")
		}
		d.retry(n, now)
		return
	}

	sentAt := time.Now()
	message := req.Text
	if receipt != "" {
		message = req.Text + " (receipt: " + receipt + ")"
	}
	entry := &models.NotificationLogEntry{
		TenantID:   req.TenantID,
		IncidentID: req.IncidentID,
		AlertID:    req.AlertID,
		Provider:   provider.Name(),
		Recipient:  recipientOf(req),
		Status:     models.NotificationSuccess,
		Message:    message,
		SentAt:     &sentAt,
	}
	if err := d.ledger.Record(entry); err != nil {
		d.logger.Error("dispatcher: failed to record success", zap.Error(err))
	}
	if d.metrics != nil {
		d.metrics.RecordNotificationSent(provider.Name(), "success")
	}
	d.terminal(n, now)
}

// send wraps the provider call with the circuit breaker when enabled.
func (d *Dispatcher) send(ctx context.Context, provider Provider, settings *models.TenantSettings, req *models.NotificationRequest) (string, error) {
	if d.breaker == nil {
		return provider.Send(ctx, settings, req)
	}
	result, err := d.breaker.Execute(func() (interface{}, error) {
		return provider.Send(ctx, settings, req)
	})
	if err != nil {
		return "", err
	}
	receipt, _ := result.(string)
	return receipt, nil
}

func (d *Dispatcher) selectProvider(settings *models.TenantSettings) Provider {
	for _, p := range d.providers {
		if p.Available(settings) {
			return p
		}
	}
	return nil
}

// recordTerminal writes a non-success ledger entry for a terminal (no
// further retry) outcome.
func (d *Dispatcher) recordTerminal(req *models.NotificationRequest, provider, status, errMsg string) {
	entry := &models.NotificationLogEntry{
		TenantID:   req.TenantID,
		IncidentID: req.IncidentID,
		AlertID:    req.AlertID,
		Provider:   provider,
		Recipient:  recipientOf(req),
		Status:     status,
		Message:    req.Text,
	}
	if errMsg != "" {
		entry.Error = &errMsg
	}
	if err := d.ledger.Record(entry); err != nil {
		d.logger.Error("dispatcher: failed to record terminal outcome", zap.Error(err))
	}
}

// terminal marks a claimed row DELIVERED: the dispatcher's own bookkeeping
// is done, whether or not a message actually went out. Cooldown skips and
// non-retryable failures are both terminal — only a transient send error
// goes back on the queue via retry.
func (d *Dispatcher) terminal(n *models.PendingNotification, now time.Time) {
	if err := d.db.MarkNotificationQueueDelivered(n.ID, now); err != nil {
		d.logger.Error("dispatcher: failed to mark delivered", zap.String("id", n.ID), zap.Error(err))
	}
}

// retry schedules the row's next attempt with exponential backoff if
// attempts remain, otherwise marks it FAILED.
func (d *Dispatcher) retry(n *models.PendingNotification, now time.Time) {
	retryCfg := d.cfg.Notification.Retry
	if retryCfg.MaxAttempts > 0 && n.Attempts >= retryCfg.MaxAttempts {
		if err := d.db.MarkNotificationQueueFailed(n.ID, now); err != nil {
			d.logger.Error("dispatcher: failed to mark failed", zap.String("id", n.ID), zap.Error(err))
		}
		return
	}
	backoff := calculateBackoff(n.Attempts, retryCfg.InitialBackoff.Duration, retryCfg.MaxBackoff.Duration,
		retryCfg.BackoffMultiplier, retryCfg.Jitter)
	if err := d.db.ScheduleNotificationRetry(n.ID, now.Add(backoff), now); err != nil {
		d.logger.Error("dispatcher: failed to schedule retry", zap.String("id", n.ID), zap.Error(err))
		return
	}
	if d.metrics != nil {
		d.metrics.RecordNotificationRetry()
	}
}

// reminderInterval applies the tenant -> config -> hard-default fallback
// chain for the reminder/cooldown window, matching every other
// effectiveReminderSeconds-shaped helper in this codebase.
func (d *Dispatcher) reminderInterval(settings *models.TenantSettings) time.Duration {
	if settings != nil && settings.ReminderSeconds != nil && *settings.ReminderSeconds > 0 {
		return time.Duration(*settings.ReminderSeconds) * time.Second
	}
	if d.cfg.TenantDefaults.ReminderSeconds > 0 {
		return time.Duration(d.cfg.TenantDefaults.ReminderSeconds) * time.Second
	}
	return 30 * time.Minute
}

func recipientOf(req *models.NotificationRequest) string {
	if req.Recipient != nil {
		return *req.Recipient
	}
	return ""
}

// calculateBackoff computes exponential backoff with jitter, grounded on
// beacon's notifier.calculateBackoff.
func calculateBackoff(attempt int, initial, max time.Duration, multiplier, jitter float64) time.Duration {
	backoff := float64(initial) * math.Pow(multiplier, float64(attempt))
	if backoff > float64(max) {
		backoff = float64(max)
	}
	jitterRange := backoff * jitter
	backoff += (mrand.Float64()*2 - 1) * jitterRange
	if backoff < 0 {
		backoff = 0
	}
	return time.Duration(backoff)
}
