// Package incidentstore implements the incident lifecycle primitives
// described in spec.md §4.1 (C1): dedup-key construction, typed open/resolve
// helpers per incident kind, and the auto-resolve-stale-breaches maintenance
// job. It is a thin domain layer over database.Database — all atomicity
// lives in the storage layer's OpenIncident/ResolveOpenIncident contracts.
package incidentstore

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Fudheryk/monitoring-engine/internal/config"
	"github.com/Fudheryk/monitoring-engine/internal/database"
	"github.com/Fudheryk/monitoring-engine/internal/models"
)

// Store wraps database.Database with the incident-kind-specific semantics
// of spec.md §4.1.
type Store struct {
	db     database.Database
	cfg    *config.Config
	logger *zap.Logger
}

// NewStore creates a new Store.
func NewStore(db database.Database, cfg *config.Config, logger *zap.Logger) *Store {
	return &Store{db: db, cfg: cfg, logger: logger}
}

// DedupKey builds the dedup key for an incident kind and scope id, matching
// the format the original incident repository used:
// "no_data_machine:machine:{id}", "no_data_metric:mi:{id}",
// "breach:mi:{id}", "http_failure:http:{id}".
func DedupKey(kind, scopeID string) string {
	switch kind {
	case models.IncidentNoDataMachine:
		return fmt.Sprintf("no_data_machine:machine:%s", scopeID)
	case models.IncidentNoDataMetric:
		return fmt.Sprintf("no_data_metric:mi:%s", scopeID)
	case models.IncidentBreach:
		return fmt.Sprintf("breach:mi:%s", scopeID)
	case models.IncidentHTTPFailure:
		return fmt.Sprintf("http_failure:http:%s", scopeID)
	default:
		return fmt.Sprintf("%s:%s", kind, scopeID)
	}
}

// OpenBreach opens (or reuses) a BREACH incident for a metric instance that
// tripped a threshold. Default severity is "warning" when severity is empty,
// matching open_breach_incident's default.
func (s *Store) OpenBreach(metricInstanceID, tenantID, severity, title, description string) (*models.Incident, bool, error) {
	if severity == "" {
		severity = models.SeverityWarning
	}
	return s.open(tenantID, models.IncidentBreach, metricInstanceID, severity, title, description, func(in *models.Incident) {
		in.MetricInstanceID = &metricInstanceID
	})
}

// OpenNoDataMetric opens (or reuses) a NO_DATA_METRIC incident. Default
// severity is "error", matching open_nodata_metric_incident's default.
func (s *Store) OpenNoDataMetric(metricInstanceID, tenantID, severity, title, description string) (*models.Incident, bool, error) {
	if severity == "" {
		severity = models.SeverityError
	}
	return s.open(tenantID, models.IncidentNoDataMetric, metricInstanceID, severity, title, description, func(in *models.Incident) {
		in.MetricInstanceID = &metricInstanceID
	})
}

// OpenNoDataMachine opens (or reuses) a NO_DATA_MACHINE incident. Default
// severity is "critical", matching open_nodata_machine_incident's default.
func (s *Store) OpenNoDataMachine(machineID, tenantID, severity, title, description string) (*models.Incident, bool, error) {
	if severity == "" {
		severity = models.SeverityCritical
	}
	return s.open(tenantID, models.IncidentNoDataMachine, machineID, severity, title, description, func(in *models.Incident) {
		in.MachineID = &machineID
	})
}

// OpenHTTPFailure opens (or reuses) an HTTP_FAILURE incident. Default
// severity is "warning", matching open_http_check's default.
func (s *Store) OpenHTTPFailure(httpTargetID, tenantID, severity, title, description string) (*models.Incident, bool, error) {
	if severity == "" {
		severity = models.SeverityWarning
	}
	return s.open(tenantID, models.IncidentHTTPFailure, httpTargetID, severity, title, description, func(in *models.Incident) {
		in.HTTPTargetID = &httpTargetID
	})
}

func (s *Store) open(tenantID, kind, scopeID, severity, title, description string, setScope func(*models.Incident)) (*models.Incident, bool, error) {
	incident := &models.Incident{
		TenantID:    tenantID,
		Kind:        kind,
		ScopeID:     scopeID,
		DedupKey:    DedupKey(kind, scopeID),
		Severity:    severity,
		Title:       title,
		Description: description,
	}
	setScope(incident)

	result, created, err := s.db.OpenIncident(incident)
	if err != nil {
		return nil, false, fmt.Errorf("incidentstore: open %s for %s: %w", kind, scopeID, err)
	}
	if created {
		s.logger.Info("incident opened",
			zap.String("tenant_id", tenantID),
			zap.String("kind", kind),
			zap.String("scope_id", scopeID),
			zap.Int64("incident_number", result.IncidentNumber),
			zap.String("severity", severity),
		)
	}
	return result, created, nil
}

// ResolveBreach resolves the OPEN BREACH incident for metricInstanceID, if
// any. It never touches a NO_DATA_METRIC incident on the same metric — the
// two kinds are resolved independently by design (spec.md §4.1), so a
// recovering sample cannot accidentally close the wrong incident type.
func (s *Store) ResolveBreach(tenantID, metricInstanceID string, resolvedAt time.Time) (*models.Incident, error) {
	return s.resolve(tenantID, models.IncidentBreach, metricInstanceID, resolvedAt)
}

// ResolveNoDataMetric resolves the OPEN NO_DATA_METRIC incident for
// metricInstanceID, if any.
func (s *Store) ResolveNoDataMetric(tenantID, metricInstanceID string, resolvedAt time.Time) (*models.Incident, error) {
	return s.resolve(tenantID, models.IncidentNoDataMetric, metricInstanceID, resolvedAt)
}

// ResolveNoDataMachine resolves the OPEN NO_DATA_MACHINE incident for
// machineID, if any.
func (s *Store) ResolveNoDataMachine(tenantID, machineID string, resolvedAt time.Time) (*models.Incident, error) {
	return s.resolve(tenantID, models.IncidentNoDataMachine, machineID, resolvedAt)
}

// ResolveHTTPFailure resolves the OPEN HTTP_FAILURE incident for
// httpTargetID, if any.
func (s *Store) ResolveHTTPFailure(tenantID, httpTargetID string, resolvedAt time.Time) (*models.Incident, error) {
	return s.resolve(tenantID, models.IncidentHTTPFailure, httpTargetID, resolvedAt)
}

func (s *Store) resolve(tenantID, kind, scopeID string, resolvedAt time.Time) (*models.Incident, error) {
	resolved, err := s.db.ResolveOpenIncident(tenantID, kind, scopeID, resolvedAt)
	if err != nil {
		return nil, fmt.Errorf("incidentstore: resolve %s for %s: %w", kind, scopeID, err)
	}
	if resolved != nil {
		s.logger.Info("incident resolved",
			zap.String("tenant_id", tenantID),
			zap.String("kind", kind),
			zap.String("scope_id", scopeID),
			zap.Int64("incident_number", resolved.IncidentNumber),
		)
	}
	return resolved, nil
}

// ResolveAllMetricNoData bulk-resolves every OPEN NO_DATA_METRIC incident on
// machineID, used when the machine is declared NO_DATA_MACHINE, which
// supersedes its per-metric incidents.
func (s *Store) ResolveAllMetricNoData(tenantID, machineID string, resolvedAt time.Time) (int, error) {
	n, err := s.db.ResolveAllMetricNoData(tenantID, machineID, resolvedAt)
	if err != nil {
		return 0, fmt.Errorf("incidentstore: resolve all metric nodata for %s: %w", machineID, err)
	}
	if n > 0 {
		s.logger.Info("bulk-resolved metric nodata incidents",
			zap.String("tenant_id", tenantID),
			zap.String("machine_id", machineID),
			zap.Int("count", n),
		)
	}
	return n, nil
}

// ListOpen returns tenantID's incidents, optionally filtered by status, with
// pagination.
func (s *Store) ListOpen(tenantID, status string, limit, offset int) ([]*models.Incident, error) {
	return s.db.ListIncidents(tenantID, status, limit, offset)
}

// ListOpenCreatedWithin returns tenantID's OPEN incidents created within the
// last `within` duration of now (many incidents opening in a short window
// show up as a cascade). Nothing in this module calls it.
func (s *Store) ListOpenCreatedWithin(tenantID string, within time.Duration, now time.Time) ([]*models.Incident, error) {
	return s.db.ListOpenIncidentsCreatedWithin(tenantID, within, now)
}

// ListOpenMachineNoData returns every OPEN NO_DATA_MACHINE incident across
// all tenants. The freshness scanner (C4) uses this to resync incident
// state against reality — e.g. a machine whose only candidate metrics were
// deleted or disabled after the incident was opened.
func (s *Store) ListOpenMachineNoData() ([]*models.Incident, error) {
	return s.db.ListOpenIncidentsByKind(models.IncidentNoDataMachine)
}

// AutoResolveStaleBreaches implements the maintenance job from
// incident_repository.py's auto_resolve_stale_threshold_incidents: OPEN
// BREACH incidents older than maxAge are candidates, but are only actually
// resolved if the metric's latest sample is ALSO older than the tenant's
// effective staleness threshold. An incident whose metric has no sample at
// all is left alone — that is a NO_DATA case, a distinct incident kind, and
// auto-resolving the BREACH here would silently mask it. When dryRun is
// true, candidates are counted but nothing is mutated.
func (s *Store) AutoResolveStaleBreaches(ctx context.Context, maxAge time.Duration, limit int, dryRun bool) (resolved int, candidates int, err error) {
	stale, err := s.db.ListOpenBreachesOlderThan(maxAge, limit)
	if err != nil {
		return 0, 0, fmt.Errorf("incidentstore: auto-resolve stale breaches: listing candidates: %w", err)
	}
	candidates = len(stale)

	for _, incident := range stale {
		select {
		case <-ctx.Done():
			return resolved, candidates, ctx.Err()
		default:
		}

		if incident.MetricInstanceID == nil {
			continue
		}
		metricInstanceID := *incident.MetricInstanceID

		sample, err := s.db.GetLatestSample(metricInstanceID)
		if err != nil {
			s.logger.Warn("auto-resolve-stale: failed to load latest sample",
				zap.String("incident_id", incident.ID), zap.Error(err))
			continue
		}
		if sample == nil {
			// No sample ever recorded: this is a NO_DATA situation, not a
			// stale BREACH. Leave it for the freshness scanner to classify.
			continue
		}

		thresholdSec := s.effectiveStalenessThreshold(incident.TenantID)
		ageSec := time.Since(sample.TS).Seconds()
		if ageSec <= float64(thresholdSec) {
			continue
		}

		reason := fmt.Sprintf("Auto-resolved: threshold data stale (last_sample_ts=%s, age_sec=%.0f, staleness_threshold_sec=%d)",
			sample.TS.UTC().Format(time.RFC3339), ageSec, thresholdSec)

		if dryRun {
			resolved++
			continue
		}

		now := time.Now()
		if _, err := s.db.ResolveOpenIncident(incident.TenantID, models.IncidentBreach, incident.ScopeID, now); err != nil {
			s.logger.Warn("auto-resolve-stale: resolve failed",
				zap.String("incident_id", incident.ID), zap.Error(err))
			continue
		}
		incident.Description = appendReason(incident.Description, reason)
		if err := s.updateDescription(incident.ID, incident.Description); err != nil {
			s.logger.Warn("auto-resolve-stale: failed to append reason to description",
				zap.String("incident_id", incident.ID), zap.Error(err))
		}
		resolved++
		s.logger.Info("auto-resolved stale breach",
			zap.String("tenant_id", incident.TenantID),
			zap.String("incident_id", incident.ID),
			zap.Float64("age_sec", ageSec),
			zap.Int("staleness_threshold_sec", thresholdSec),
		)
	}

	return resolved, candidates, nil
}

// effectiveStalenessThreshold applies the tenant -> config -> hard-default
// fallback chain for metric staleness, matching TenantSettings' documented
// contract.
func (s *Store) effectiveStalenessThreshold(tenantID string) int {
	settings, err := s.db.GetTenantSettings(tenantID)
	if err == nil && settings != nil && settings.HeartbeatThresholdSeconds != nil {
		return *settings.HeartbeatThresholdSeconds
	}
	if s.cfg != nil && s.cfg.TenantDefaults.HeartbeatThresholdSeconds > 0 {
		return s.cfg.TenantDefaults.HeartbeatThresholdSeconds
	}
	return 300
}

func appendReason(description, reason string) string {
	if description == "" {
		return reason
	}
	return description + " | " + reason
}

// updateDescription persists the amended description without re-running
// the full open/resolve contract. It goes through a narrow, single-purpose
// statement rather than a generic Update, matching the Database interface's
// one-method-per-use-case shape.
func (s *Store) updateDescription(incidentID, description string) error {
	return s.db.UpdateIncidentDescription(incidentID, description)
}
