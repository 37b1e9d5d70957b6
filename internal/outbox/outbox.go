// Package outbox implements Outbox Delivery (C7): a generic, durable,
// at-least-once delivery rail for side effects that must survive a
// process restart (spec.md §4.7). Any component can Save an event under a
// Kind; a registered Handler for that Kind is invoked by the poll loop,
// with claim/deliver split into two phases so a crash between them never
// loses or double-delivers an event beyond the documented at-least-once
// guarantee.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	mrand "math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/Fudheryk/monitoring-engine/internal/config"
	"github.com/Fudheryk/monitoring-engine/internal/database"
	"github.com/Fudheryk/monitoring-engine/internal/metrics"
	"github.com/Fudheryk/monitoring-engine/internal/models"
)

// Handler delivers one claimed event, returning an opaque receipt on
// success. A Handler must not hold a DB transaction open across the call
// — deliveries are external I/O by construction (spec.md §5).
type Handler func(ctx context.Context, ev *models.OutboxEvent) (receipt string, err error)

// Outbox polls for due events and dispatches each to the Handler
// registered for its Kind.
type Outbox struct {
	db       database.Database
	handlers map[string]Handler
	cfg      *config.Config
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// New creates an Outbox with no handlers registered; call RegisterHandler
// for every Kind that Save will be called with.
func New(db database.Database, cfg *config.Config, m *metrics.Metrics, logger *zap.Logger) *Outbox {
	return &Outbox{db: db, handlers: make(map[string]Handler), cfg: cfg, metrics: m, logger: logger}
}

// RegisterHandler associates a Handler with a Kind. Registering the same
// Kind twice replaces the previous Handler.
func (o *Outbox) RegisterHandler(kind string, h Handler) {
	o.handlers[kind] = h
}

// envelope wraps the caller's payload together with the optional incident
// it relates to. models.OutboxEvent has no incident_id column of its own
// (unlike PendingNotification, which carries IncidentID on its embedded
// NotificationRequest), so the association travels inside the JSON body
// instead — Handlers that care decode Incident off the envelope.
type envelope struct {
	Incident *string         `json:"incident_id,omitempty"`
	Data     json.RawMessage `json:"data"`
}

// Save inserts a PENDING event under kind, to be picked up by the next
// poll once nextAttemptAt elapses (now, if nil). payload is JSON-encoded
// before storage, mirroring save_event's dict payload in the original
// outbox service.
func (o *Outbox) Save(kind string, payload any, tenantID string, incidentID *string, nextAttemptAt *time.Time) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("outbox: marshalling payload: %w", err)
	}
	body, err := json.Marshal(envelope{Incident: incidentID, Data: data})
	if err != nil {
		return fmt.Errorf("outbox: marshalling envelope: %w", err)
	}
	ev := &models.OutboxEvent{
		TenantID: tenantID,
		Kind:     kind,
		Payload:  string(body),
	}
	if nextAttemptAt != nil {
		ev.NextAttemptAt = *nextAttemptAt
	} else {
		ev.NextAttemptAt = time.Now()
	}
	return o.db.SaveOutboxEvent(ev)
}

// Decode unmarshals an event's payload into v and returns the incident it
// was associated with at Save time, if any.
func Decode(ev *models.OutboxEvent, v any) (incidentID *string, err error) {
	var env envelope
	if err := json.Unmarshal([]byte(ev.Payload), &env); err != nil {
		return nil, fmt.Errorf("outbox: decoding envelope: %w", err)
	}
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, v); err != nil {
			return nil, fmt.Errorf("outbox: decoding payload: %w", err)
		}
	}
	return env.Incident, nil
}

// Start begins the claim/deliver polling loop. It stops when ctx is
// cancelled.
func (o *Outbox) Start(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.Outbox.PollInterval.Duration)
	defer ticker.Stop()

	o.logger.Info("outbox started",
		zap.Duration("poll_interval", o.cfg.Outbox.PollInterval.Duration),
		zap.Int("batch_size", o.cfg.Outbox.BatchSize),
	)

	for {
		select {
		case <-ctx.Done():
			o.logger.Info("outbox stopping", zap.Error(ctx.Err()))
			return
		case <-ticker.C:
			o.poll(ctx)
		}
	}
}

// poll claims a batch and delivers each event in turn. Outbox events are
// not a high-fanout rail the way dispatcher notifications are — spec.md
// has no concurrency field for it, and delivery order within a batch
// (oldest next_attempt_at first) is preserved by processing sequentially.
func (o *Outbox) poll(ctx context.Context) {
	now := time.Now()
	claimed, err := o.db.ClaimDueOutboxEvents(now, o.cfg.Outbox.DeliveryTimeout.Duration, o.cfg.Outbox.BatchSize)
	if err != nil {
		o.logger.Error("outbox: failed to claim due events", zap.Error(err))
		return
	}

	if o.metrics != nil {
		o.metrics.OutboxQueueDepth.Set(float64(len(claimed)))
	}

	for _, ev := range claimed {
		select {
		case <-ctx.Done():
			return
		default:
			o.deliver(ctx, ev, now)
		}
	}
}

// deliver invokes the Kind's Handler (within DeliveryTimeout) and
// transitions the event to DELIVERED or schedules a backoff retry.
func (o *Outbox) deliver(ctx context.Context, ev *models.OutboxEvent, now time.Time) {
	handler, ok := o.handlers[ev.Kind]
	if !ok {
		o.logger.Error("outbox: no handler registered for kind", zap.String("kind", ev.Kind), zap.String("id", ev.ID))
		o.fail(ev, now, "no handler registered for kind "+ev.Kind)
		return
	}

	deliverCtx, cancel := context.WithTimeout(ctx, o.cfg.Outbox.DeliveryTimeout.Duration)
	defer cancel()

	started := time.Now()
	receipt, err := handler(deliverCtx, ev)
	duration := time.Since(started).Seconds()
	if err != nil {
		o.logger.Warn("outbox: delivery failed",
			zap.String("id", ev.ID), zap.String("kind", ev.Kind),
			zap.Int("attempts", ev.Attempts), zap.Error(err),
		)
		if o.metrics != nil {
			o.metrics.RecordOutboxDelivery(ev.Kind, "failed", duration)
		}
		o.retry(ev, now, err.Error())
		return
	}

	if dbErr := o.db.MarkOutboxDelivered(ev.ID, receipt, now); dbErr != nil {
		o.logger.Error("outbox: failed to mark delivered", zap.String("id", ev.ID), zap.Error(dbErr))
	}
	if o.metrics != nil {
		o.metrics.RecordOutboxDelivery(ev.Kind, "delivered", duration)
	}
}

// retry schedules the next attempt using the fixed backoff grid indexed
// by attempts-1 (clamped to the last entry) plus symmetric jitter,
// exactly as spec.md §4.7 specifies.
func (o *Outbox) retry(ev *models.OutboxEvent, now time.Time, lastError string) {
	delay := backoffDelay(ev.Attempts, o.cfg.Outbox.Backoffs, o.cfg.Outbox.JitterPct)
	if err := o.db.ScheduleOutboxRetry(ev.ID, now.Add(delay), lastError, now); err != nil {
		o.logger.Error("outbox: failed to schedule retry", zap.String("id", ev.ID), zap.Error(err))
		return
	}
	if o.metrics != nil {
		o.metrics.RecordOutboxDelivery(ev.Kind, "retry_scheduled", 0)
	}
}

func (o *Outbox) fail(ev *models.OutboxEvent, now time.Time, lastError string) {
	if err := o.db.MarkOutboxFailed(ev.ID, lastError, now); err != nil {
		o.logger.Error("outbox: failed to mark failed", zap.String("id", ev.ID), zap.Error(err))
		return
	}
	if o.metrics != nil {
		o.metrics.RecordOutboxDelivery(ev.Kind, "failed_no_handler", 0)
	}
}

// backoffDelay looks up backoffs[clamp(attempts-1, 0, len-1)] and applies
// a symmetric ±jitterPct variation, grounded on Outbox.schedule_retry/
// _jitter in the original outbox service.
func backoffDelay(attempts int, backoffs []int, jitterPct float64) time.Duration {
	if len(backoffs) == 0 {
		backoffs = []int{30, 60, 120, 300, 600}
	}
	idx := attempts - 1
	if idx < 0 {
		idx = 0
	}
	if idx > len(backoffs)-1 {
		idx = len(backoffs) - 1
	}
	base := float64(backoffs[idx])

	pct := jitterPct
	if pct < 0 {
		pct = 0
	}
	if pct > 0.9 {
		pct = 0.9
	}
	low := base * (1 - pct)
	high := base * (1 + pct)
	seconds := low + mrand.Float64()*(high-low)
	return time.Duration(math.Ceil(seconds*1000)) * time.Millisecond
}
