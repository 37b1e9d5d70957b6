// Package freshness implements the Freshness Scanner (C4): a periodic
// three-phase pass over every tenant's machines that detects metrics and
// machines with no recent data and opens/resolves NO_DATA_METRIC and
// NO_DATA_MACHINE incidents (spec.md §4.4).
package freshness

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/Fudheryk/monitoring-engine/internal/config"
	"github.com/Fudheryk/monitoring-engine/internal/database"
	"github.com/Fudheryk/monitoring-engine/internal/evaluator"
	"github.com/Fudheryk/monitoring-engine/internal/incidentstore"
	"github.com/Fudheryk/monitoring-engine/internal/metrics"
	"github.com/Fudheryk/monitoring-engine/internal/models"
)

// candidate is one metric instance classified during phase 1.
type candidate struct {
	metricInstanceID string
	metricName       string
	updatedAt        time.Time
	ageSec           float64
	thresholdSec     int
}

// machineKey identifies a machine within a single scan pass.
type machineKey struct {
	tenantID  string
	machineID string
}

// Scanner implements the classify/decide/sweep algorithm against
// database.Database and incidentstore.Store.
type Scanner struct {
	db           database.Database
	store        *incidentstore.Store
	notifier     evaluator.NotificationEnqueuer
	cfg          *config.Config
	metrics      *metrics.Metrics
	logger       *zap.Logger
	processStart time.Time
}

// NewScanner creates a new Scanner. processStart is recorded once, at
// construction time, and clamps every metric's effective "since" — this is
// what prevents false DOWN alerts in the brief window right after the
// process starts, per spec.md §4.4.
func NewScanner(db database.Database, store *incidentstore.Store, notifier evaluator.NotificationEnqueuer, cfg *config.Config, m *metrics.Metrics, logger *zap.Logger) *Scanner {
	return &Scanner{db: db, store: store, notifier: notifier, cfg: cfg, metrics: m, logger: logger, processStart: time.Now()}
}

// Start runs the scan loop at cfg.Freshness.Interval until ctx is cancelled.
func (s *Scanner) Start(ctx context.Context) {
	s.logger.Info("freshness scanner started",
		zap.Duration("interval", s.cfg.Freshness.Interval.Duration),
		zap.Int("startup_grace_seconds", s.cfg.Freshness.StartupGraceSeconds),
	)

	ticker := time.NewTicker(s.cfg.Freshness.Interval.Duration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("freshness scanner stopping", zap.Error(ctx.Err()))
			return
		case <-ticker.C:
			if _, err := s.Scan(ctx); err != nil {
				s.logger.Error("freshness scan failed", zap.Error(err))
			}
		}
	}
}

// Scan performs one classify/decide/sweep pass over every tenant. It returns
// the number of stale metric instances found. Grace suppresses opening new
// incidents but never blocks resolution — that guarantee is structural
// here: during grace this function returns before doing anything at all, so
// there is nothing it could have blocked; outside grace, resolution always
// runs in the same decide step as opening.
func (s *Scanner) Scan(ctx context.Context) (int, error) {
	start := time.Now()
	now := start
	uptime := now.Sub(s.processStart)
	grace := time.Duration(s.cfg.Freshness.StartupGraceSeconds) * time.Second
	if uptime < grace {
		s.logger.Info("freshness scan skipped: startup grace active",
			zap.Duration("uptime", uptime), zap.Duration("grace", grace))
		if s.metrics != nil {
			s.metrics.RecordGraceSuppressed()
		}
		return 0, nil
	}

	if s.metrics != nil {
		defer func() { s.metrics.FreshnessScanDuration.Observe(time.Since(start).Seconds()) }()
	}

	tenantIDs, err := s.db.ListTenantIDs()
	if err != nil {
		return 0, fmt.Errorf("freshness: listing tenants: %w", err)
	}

	staleCount := 0
	seenMachines := make(map[machineKey]struct{})
	notifiedRestore := make(map[string]bool) // machineID -> machine-restore notification already sent this pass

	for _, tenantID := range tenantIDs {
		select {
		case <-ctx.Done():
			return staleCount, ctx.Err()
		default:
		}

		threshold := s.effectiveStalenessThreshold(tenantID)

		machines, err := s.db.ListMachinesWithCandidates(tenantID)
		if err != nil {
			s.logger.Error("freshness: listing machines with candidates failed",
				zap.String("tenant_id", tenantID), zap.Error(err))
			continue
		}

		for _, machine := range machines {
			instances, err := s.db.ListCandidateMetricInstances(machine.ID)
			if err != nil {
				s.logger.Error("freshness: listing candidate metric instances failed",
					zap.String("machine_id", machine.ID), zap.Error(err))
				continue
			}
			if len(instances) == 0 {
				continue
			}
			seenMachines[machineKey{tenantID: tenantID, machineID: machine.ID}] = struct{}{}

			var stale, fresh []candidate
			for _, mi := range instances {
				since := s.processStart
				if mi.UpdatedAt.After(since) {
					since = mi.UpdatedAt
				}
				ageSec := now.Sub(since).Seconds()
				c := candidate{
					metricInstanceID: mi.ID,
					metricName:       mi.NameEffective,
					updatedAt:        mi.UpdatedAt,
					ageSec:           ageSec,
					thresholdSec:     threshold,
				}
				if ageSec > float64(threshold) {
					stale = append(stale, c)
					staleCount++
				} else {
					fresh = append(fresh, c)
				}
			}

			if err := s.decide(ctx, tenantID, machine, len(instances), stale, fresh, notifiedRestore); err != nil {
				s.logger.Error("freshness: decide failed",
					zap.String("machine_id", machine.ID), zap.Error(err))
			}
		}
	}

	if err := s.sweep(ctx, seenMachines); err != nil {
		s.logger.Error("freshness: sweep failed", zap.Error(err))
	}

	if s.metrics != nil {
		s.updateMachineStatusGauge(tenantIDs)
	}

	s.logger.Info("freshness scan complete", zap.Int("stale_count", staleCount))
	return staleCount, nil
}

// updateMachineStatusGauge recomputes the current machine-status breakdown
// across all tenants and sets MachinesByStatus accordingly.
func (s *Scanner) updateMachineStatusGauge(tenantIDs []string) {
	counts := map[string]float64{models.MachineUp: 0, models.MachineDown: 0}
	for _, tenantID := range tenantIDs {
		machines, err := s.db.ListMachinesWithCandidates(tenantID)
		if err != nil {
			continue
		}
		for _, machine := range machines {
			counts[machine.Status]++
		}
	}
	for status, n := range counts {
		s.metrics.MachinesByStatus.WithLabelValues(status).Set(n)
	}
}

// decide applies spec.md §4.4's phase 2 table for a single machine.
func (s *Scanner) decide(ctx context.Context, tenantID string, machine *models.Machine, totalCandidates int, stale, fresh []candidate, notifiedRestore map[string]bool) error {
	now := time.Now()
	allStale := totalCandidates > 0 && len(stale) >= totalCandidates

	if allStale {
		if _, err := s.store.ResolveAllMetricNoData(tenantID, machine.ID, now); err != nil {
			return fmt.Errorf("resolving metric nodata before machine-down: %w", err)
		}

		title := fmt.Sprintf("Machine %s: no recent data", machine.Hostname)
		description := "Active, non-paused metrics have no recent data. The machine is likely not communicating."
		incident, created, err := s.store.OpenNoDataMachine(machine.ID, tenantID, models.SeverityCritical, title, description)
		if err != nil {
			return fmt.Errorf("opening machine nodata: %w", err)
		}
		if err := s.db.UpdateMachineStatus(machine.ID, models.MachineDown, now); err != nil {
			s.logger.Error("failed to set machine status DOWN", zap.String("machine_id", machine.ID), zap.Error(err))
		}

		if created {
			if s.metrics != nil {
				s.metrics.RecordNoDataTransition("machine", "opened")
			}
			s.notify(ctx, tenantID, incident.ID, models.SeverityCritical, title, maxAgeDescription(stale), false)
		}
		return nil
	}

	if len(fresh) > 0 {
		resolved, err := s.store.ResolveNoDataMachine(tenantID, machine.ID, now)
		if err != nil {
			return fmt.Errorf("resolving machine nodata: %w", err)
		}
		if resolved != nil {
			if err := s.db.UpdateMachineStatus(machine.ID, models.MachineUp, now); err != nil {
				s.logger.Error("failed to set machine status UP", zap.String("machine_id", machine.ID), zap.Error(err))
			}
			if s.metrics != nil {
				s.metrics.RecordNoDataTransition("machine", "resolved")
			}

			var title, text, severity string
			if len(stale) > 0 {
				title = fmt.Sprintf("%s: machine partially restored", machine.Hostname)
				text = fmt.Sprintf("Machine %s is sending data again, but %d metric(s) are still stale.", machine.Hostname, len(stale))
				severity = models.SeverityWarning
			} else {
				title = fmt.Sprintf("%s: machine restored", machine.Hostname)
				text = fmt.Sprintf("Machine %s is sending recent data again.", machine.Hostname)
				severity = models.SeverityInfo
			}
			s.notify(ctx, tenantID, resolved.ID, severity, title, text, true)
			notifiedRestore[machine.ID] = true
		}
	}

	for _, c := range stale {
		title := fmt.Sprintf("%s: missing data for metric %s", machine.Hostname, c.metricName)
		description := fmt.Sprintf("Metric '%s' on machine '%s' has had no data for %.0fs (threshold %ds).",
			c.metricName, machine.Hostname, c.ageSec, c.thresholdSec)
		incident, created, err := s.store.OpenNoDataMetric(c.metricInstanceID, tenantID, models.SeverityError, title, description)
		if err != nil {
			s.logger.Error("freshness: opening metric nodata failed",
				zap.String("metric_instance_id", c.metricInstanceID), zap.Error(err))
			continue
		}
		if created {
			if s.metrics != nil {
				s.metrics.RecordNoDataTransition("metric", "opened")
			}
			s.notify(ctx, tenantID, incident.ID, models.SeverityError, title, description, false)
		}
	}

	for _, c := range fresh {
		resolved, err := s.store.ResolveNoDataMetric(tenantID, c.metricInstanceID, now)
		if err != nil {
			s.logger.Error("freshness: resolving metric nodata failed",
				zap.String("metric_instance_id", c.metricInstanceID), zap.Error(err))
			continue
		}
		if resolved == nil {
			continue
		}
		if s.metrics != nil {
			s.metrics.RecordNoDataTransition("metric", "resolved")
		}
		// A concurrent machine-restore notification already covers this metric.
		if notifiedRestore[machine.ID] {
			continue
		}
		text := fmt.Sprintf("Metric '%s' on machine '%s' has recent data again.", c.metricName, machine.Hostname)
		s.notify(ctx, tenantID, resolved.ID, models.SeverityInfo, fmt.Sprintf("%s: metric %s restored", machine.Hostname, c.metricName), text, true)
	}

	return nil
}

// sweep resolves any OPEN NO_DATA_MACHINE incident for a machine that no
// longer has any candidate metric at all (spec.md §4.4 phase 3).
func (s *Scanner) sweep(ctx context.Context, seenMachines map[machineKey]struct{}) error {
	open, err := s.store.ListOpenMachineNoData()
	if err != nil {
		return fmt.Errorf("listing open machine nodata incidents: %w", err)
	}

	now := time.Now()
	for _, inc := range open {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if inc.MachineID == nil {
			continue
		}
		key := machineKey{tenantID: inc.TenantID, machineID: *inc.MachineID}
		if _, seen := seenMachines[key]; seen {
			continue
		}
		if _, err := s.store.ResolveNoDataMachine(inc.TenantID, *inc.MachineID, now); err != nil {
			s.logger.Error("freshness: sweep resolve failed",
				zap.String("incident_id", inc.ID), zap.Error(err))
			continue
		}
		s.logger.Info("freshness: resolved orphaned machine nodata incident (no candidate metrics remain)",
			zap.String("incident_id", inc.ID), zap.String("machine_id", *inc.MachineID))
	}
	return nil
}

func (s *Scanner) notify(ctx context.Context, tenantID, incidentID, severity, title, text string, resolved bool) {
	if s.notifier == nil {
		return
	}
	req := &models.NotificationRequest{
		TenantID:   tenantID,
		IncidentID: &incidentID,
		Severity:   severity,
		Title:      title,
		Text:       text,
		Resolved:   resolved,
	}
	if err := s.notifier.Enqueue(ctx, req); err != nil {
		s.logger.Error("freshness: failed to enqueue notification",
			zap.String("incident_id", incidentID), zap.Error(err))
	}
}

func (s *Scanner) effectiveStalenessThreshold(tenantID string) int {
	settings, err := s.db.GetTenantSettings(tenantID)
	if err == nil && settings != nil && settings.HeartbeatThresholdSeconds != nil {
		return *settings.HeartbeatThresholdSeconds
	}
	if s.cfg.TenantDefaults.HeartbeatThresholdSeconds > 0 {
		return s.cfg.TenantDefaults.HeartbeatThresholdSeconds
	}
	return 300
}

func maxAgeDescription(stale []candidate) string {
	if len(stale) == 0 {
		return ""
	}
	sorted := append([]candidate(nil), stale...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ageSec > sorted[j].ageSec })
	top := sorted[0]
	return fmt.Sprintf("Last known activity: %.0fs ago (threshold %ds).", top.ageSec, top.thresholdSec)
}
