// Package evaluator implements the Threshold Evaluator (C3): for every
// active threshold on every candidate metric instance of a machine, compare
// the metric's latest sample against the threshold's condition and
// open/resolve BREACH incidents accordingly (spec.md §4.3).
package evaluator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Fudheryk/monitoring-engine/internal/database"
	"github.com/Fudheryk/monitoring-engine/internal/incidentstore"
	"github.com/Fudheryk/monitoring-engine/internal/metrics"
	"github.com/Fudheryk/monitoring-engine/internal/models"
)

// NotificationEnqueuer is the boundary the evaluator uses to hand off a
// newly-opened breach for delivery, without depending on the dispatcher
// package directly. internal/dispatcher implements this interface.
type NotificationEnqueuer interface {
	Enqueue(ctx context.Context, req *models.NotificationRequest) error
}

// Evaluator wraps database.Database and incidentstore.Store with the
// evaluation algorithm.
type Evaluator struct {
	db           database.Database
	store        *incidentstore.Store
	notifier     NotificationEnqueuer
	metrics      *metrics.Metrics
	logger       *zap.Logger
	graceSeconds int
	processStart time.Time
}

// NewEvaluator creates a new Evaluator. processStart anchors the startup
// grace window (spec.md invariant 5: no new incidents of any kind during
// grace), the same way freshness.Scanner and probe.Runner anchor theirs.
func NewEvaluator(db database.Database, store *incidentstore.Store, notifier NotificationEnqueuer, graceSeconds int, m *metrics.Metrics, logger *zap.Logger) *Evaluator {
	return &Evaluator{db: db, store: store, notifier: notifier, graceSeconds: graceSeconds, metrics: m, logger: logger, processStart: time.Now()}
}

// withinStartupGrace reports whether now falls inside this process's
// startup grace window.
func (e *Evaluator) withinStartupGrace(now time.Time) bool {
	return now.Sub(e.processStart) < time.Duration(e.graceSeconds)*time.Second
}

// EvaluateMachine evaluates every active threshold on every candidate metric
// instance belonging to machineID. It returns the number of threshold
// breaches counted this pass, summed over the instances: an instance that
// breaches several thresholds counts once per threshold, and breaches
// suppressed by startup grace are not counted.
//
// Commit discipline (spec.md §4.3): each metric instance's incident
// open/resolve is persisted via incidentstore.Store before this function
// ever calls notifier.Enqueue — the notification subsystem only ever reads
// incidents that are already durable.
func (e *Evaluator) EvaluateMachine(ctx context.Context, tenantID, machineID string) (int, error) {
	if e.metrics != nil {
		e.metrics.EvaluationRunsTotal.Inc()
	}

	instances, err := e.db.ListCandidateMetricInstances(machineID)
	if err != nil {
		return 0, fmt.Errorf("evaluator: listing candidate metric instances for %s: %w", machineID, err)
	}

	breaches := 0
	for _, mi := range instances {
		select {
		case <-ctx.Done():
			return breaches, ctx.Err()
		default:
		}

		n, err := e.evaluateMetricInstance(ctx, tenantID, machineID, mi, time.Now())
		if err != nil {
			e.logger.Error("evaluating metric instance failed",
				zap.String("metric_instance_id", mi.ID), zap.Error(err))
			continue
		}
		breaches += n
	}
	return breaches, nil
}

func (e *Evaluator) evaluateMetricInstance(ctx context.Context, tenantID, machineID string, mi *models.MetricInstance, now time.Time) (int, error) {
	sample, err := e.db.GetLatestSample(mi.ID)
	if err != nil {
		return 0, fmt.Errorf("fetching latest sample: %w", err)
	}
	if sample == nil {
		// No sample yet: neither open nor resolve (spec.md §4.3 edge case).
		return 0, nil
	}

	thresholds, err := e.db.ListActiveThresholds(mi.ID)
	if err != nil {
		return 0, fmt.Errorf("listing active thresholds: %w", err)
	}

	breachCount := 0
	for _, th := range thresholds {
		breach := matchCondition(mi.Type, th.Condition, sample.Value, th)

		title := fmt.Sprintf("Threshold breach on %s", mi.NameEffective)
		description := fmt.Sprintf("%s (%s) %s threshold", mi.NameEffective, mi.Type, th.Condition)

		if !breach {
			resolved, err := e.store.ResolveBreach(tenantID, mi.ID, time.Now())
			if err != nil {
				return breachCount, fmt.Errorf("resolving breach: %w", err)
			}
			if resolved != nil && e.metrics != nil {
				e.metrics.BreachesResolvedTotal.Inc()
			}
			continue
		}

		if e.withinStartupGrace(now) {
			// spec.md invariant 5: no new incidents of any kind during
			// startup grace. A breach detected in this window is simply
			// not opened; the next evaluation pass after grace ends will
			// open it if the condition still holds.
			if e.metrics != nil {
				e.metrics.RecordGraceSuppressed()
			}
			continue
		}

		severity := th.Severity
		if th.MinDurationSeconds > 0 {
			if existing, err := e.db.GetOpenIncident(tenantID, models.IncidentBreach, mi.ID); err == nil && existing != nil {
				severity = applyMinDuration(existing.Severity, existing.UpdatedAt, now, severity, th.MinDurationSeconds)
			}
		}

		incident, created, err := e.store.OpenBreach(mi.ID, tenantID, severity, title, description)
		if err != nil {
			return breachCount, fmt.Errorf("opening breach: %w", err)
		}
		breachCount++
		if created && e.metrics != nil {
			e.metrics.RecordBreachOpened(severity)
		}

		if created && (severity == models.SeverityWarning || severity == models.SeverityCritical) {
			incidentID := incident.ID
			req := &models.NotificationRequest{
				TenantID:   tenantID,
				IncidentID: &incidentID,
				Severity:   severity,
				Title:      title,
				Text:       description,
			}
			if e.notifier != nil {
				if err := e.notifier.Enqueue(ctx, req); err != nil {
					e.logger.Error("failed to enqueue breach notification",
						zap.String("incident_id", incidentID), zap.Error(err))
				}
			}
		}
	}
	return breachCount, nil
}

// applyMinDuration is the anti-flap gate described in SPEC_FULL.md's
// supplemented feature #6: the previous severity is kept until `desired`
// has persisted for at least minDurationSec, at which point the transition
// is allowed through. A threshold with minDurationSeconds<=0 never reaches
// this function (the evaluator only calls it when > 0), matching
// spec.md §4.3's "advisory, MAY delay" wording — it is opt-in per threshold.
func applyMinDuration(previousSeverity string, since, now time.Time, desired string, minDurationSec int) string {
	if desired == previousSeverity {
		return desired
	}
	elapsed := now.Sub(since).Seconds()
	min := minDurationSec
	if min < 0 {
		min = 0
	}
	if elapsed < float64(min) {
		return previousSeverity
	}
	return desired
}
