// Package ingest implements the HTTP surface named in spec.md §6: a
// chi router exposing POST /ingest/metrics, read-only incident/notification
// list endpoints, and an admin endpoint to force one HTTP probe check.
// It is deliberately modest — enough to drive the core end-to-end, not a
// production-grade auth/validation layer (spec.md's own Non-goals scope
// the rest of that surface to an external collaborator).
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/Fudheryk/monitoring-engine/internal/config"
	"github.com/Fudheryk/monitoring-engine/internal/database"
	"github.com/Fudheryk/monitoring-engine/internal/evaluator"
	"github.com/Fudheryk/monitoring-engine/internal/incidentstore"
	"github.com/Fudheryk/monitoring-engine/internal/metrics"
	"github.com/Fudheryk/monitoring-engine/internal/models"
	"github.com/Fudheryk/monitoring-engine/internal/probe"
)

var validate = validator.New()

const maxIngestIDLength = 64

// Server wires the database and the in-process components an ingest
// request or a read endpoint needs.
type Server struct {
	db      database.Database
	store   *incidentstore.Store
	eval    *evaluator.Evaluator
	probe   *probe.Runner
	cfg     *config.Config
	metrics *metrics.Metrics
	log     *zap.Logger
}

// NewServer creates an ingest Server.
func NewServer(db database.Database, store *incidentstore.Store, eval *evaluator.Evaluator, probeRunner *probe.Runner, cfg *config.Config, m *metrics.Metrics, log *zap.Logger) *Server {
	return &Server{db: db, store: store, eval: eval, probe: probeRunner, cfg: cfg, metrics: m, log: log}
}

// Router builds the chi router: request logging/recovery, CORS on the read
// endpoints, and the ingest/read/admin routes.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.corsOrigins(),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Ingest-Id", "X-Ingest-Token", "Authorization"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Post("/ingest/metrics", s.handleIngest)
	r.Get("/incidents", s.handleListIncidents)
	r.Get("/notifications", s.handleListNotifications)
	r.Get("/targets/{id}/check", s.handleCheckTarget)

	return r
}

func (s *Server) corsOrigins() []string {
	if len(s.cfg.HTTP.CORSOrigins) > 0 {
		return s.cfg.HTTP.CORSOrigins
	}
	return []string{"*"}
}

// MachineInput is the ingest body's machine descriptor.
type MachineInput struct {
	Hostname string            `json:"hostname" validate:"required,max=255"`
	OS       *string           `json:"os,omitempty"`
	Tags     map[string]string `json:"tags,omitempty"`
}

// MetricInput is one entry of the ingest body's metrics array.
type MetricInput struct {
	Name          string      `json:"name" validate:"required"`
	Type          string      `json:"type" validate:"required,oneof=numeric boolean string"`
	Value         interface{} `json:"value"`
	Unit          *string     `json:"unit,omitempty"`
	AlertEnabled  *bool       `json:"alert_enabled,omitempty"`
}

// IngestRequest is the POST /ingest/metrics body (spec.md §6).
type IngestRequest struct {
	Machine MachineInput  `json:"machine" validate:"required"`
	Metrics []MetricInput `json:"metrics" validate:"required,min=1,dive"`
	SentAt  string        `json:"sent_at" validate:"required"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// handleIngest implements POST /ingest/metrics: authenticate, validate the
// time window, dedupe via idempotency, then persist and evaluate.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	if s.metrics != nil {
		defer func() { s.metrics.IngestRequestDuration.Observe(time.Since(started).Seconds()) }()
	}

	ingestIDHeader := r.Header.Get("X-Ingest-Id")
	if len(ingestIDHeader) > maxIngestIDLength {
		s.recordIngestOutcome("rejected", 0, "")
		writeError(w, http.StatusBadRequest, "X-Ingest-Id exceeds 64 characters")
		return
	}

	var req IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.recordIngestOutcome("rejected", 0, "")
		writeError(w, http.StatusUnprocessableEntity, "malformed request body")
		return
	}
	if err := validate.Struct(req); err != nil {
		s.recordIngestOutcome("rejected", 0, "")
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	sentAt, err := time.Parse(time.RFC3339, req.SentAt)
	if err != nil {
		s.recordIngestOutcome("rejected", 0, "")
		writeError(w, http.StatusUnprocessableEntity, "sent_at is not a valid ISO8601 timestamp")
		return
	}

	cred, status, err := s.authenticate(r, req.Machine.Hostname)
	if err != nil {
		s.recordIngestOutcome("rejected", 0, "")
		writeError(w, status, err.Error())
		return
	}
	tenantID := cred.TenantID

	now := time.Now()
	futureMax := time.Duration(s.cfg.Ingest.FutureMaxSeconds) * time.Second
	lateMax := time.Duration(s.cfg.Ingest.LateMaxSeconds) * time.Second
	if sentAt.After(now.Add(futureMax)) {
		s.recordIngestOutcome("rejected", 0, "")
		writeError(w, http.StatusUnprocessableEntity, "sent_at is too far in the future")
		return
	}
	archived := now.Sub(sentAt) > lateMax

	ingestID := ingestIDHeader
	if ingestID == "" {
		ingestID = deriveIngestID(tenantID, req)
	}

	inserted, err := s.db.InsertIdempotencyRecord(&models.IdempotencyRecord{IngestID: ingestID, TenantID: tenantID})
	if err != nil {
		s.log.Error("ingest: idempotency check failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !inserted {
		s.recordIngestOutcome("duplicate", 0, "")
		writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
		return
	}

	if archived {
		s.recordIngestOutcome("archived", 0, "")
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "reason": "archived"})
		return
	}

	if err := s.persist(r.Context(), tenantID, req, sentAt); err != nil {
		s.log.Error("ingest: persisting samples failed", zap.String("tenant_id", tenantID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	metricType := ""
	if len(req.Metrics) > 0 {
		metricType = req.Metrics[0].Type
	}
	s.recordIngestOutcome("accepted", len(req.Metrics), metricType)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "ingest_id": ingestID})
}

func (s *Server) recordIngestOutcome(outcome string, sampleCount int, metricType string) {
	if s.metrics != nil {
		s.metrics.RecordIngest(outcome, sampleCount, metricType)
	}
}

// authenticate resolves the opaque credential on the request (header
// X-Ingest-Token, or a Bearer Authorization header) to a tenant. A
// credential bound to a specific machine hostname (Credential.MachineHostname
// non-nil) is rejected with 403 when the request's machine doesn't match.
func (s *Server) authenticate(r *http.Request, hostname string) (*models.Credential, int, error) {
	token := r.Header.Get("X-Ingest-Token")
	if token == "" {
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			token = strings.TrimPrefix(auth, "Bearer ")
		}
	}
	if token == "" {
		return nil, http.StatusUnauthorized, fmt.Errorf("missing credential")
	}

	cred, err := s.db.GetCredentialByToken(token)
	if err != nil {
		return nil, http.StatusInternalServerError, fmt.Errorf("internal error")
	}
	if cred == nil {
		// Single-tenant deployments may configure one shared secret via
		// INGEST_AUTH_TOKEN instead of seeding the credentials table.
		if s.cfg.AuthToken != "" && token == s.cfg.AuthToken {
			return &models.Credential{Token: token, TenantID: "default"}, http.StatusOK, nil
		}
		return nil, http.StatusUnauthorized, fmt.Errorf("missing credential")
	}
	if cred.MachineHostname != nil && *cred.MachineHostname != hostname {
		return nil, http.StatusForbidden, fmt.Errorf("credential bound to a different machine")
	}
	return cred, http.StatusOK, nil
}

// deriveIngestID computes a stable hash of (tenant, machine hostname,
// sent_at-to-second, metrics fingerprint) when the caller didn't supply
// X-Ingest-Id (spec.md §6).
func deriveIngestID(tenantID string, req IngestRequest) string {
	sentKey := req.SentAt
	if t, err := time.Parse(time.RFC3339, req.SentAt); err == nil {
		sentKey = t.UTC().Truncate(time.Second).Format(time.RFC3339)
	}
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s", tenantID, req.Machine.Hostname, sentKey)
	for _, m := range req.Metrics {
		fmt.Fprintf(h, "|%s:%s:%v", m.Name, m.Type, m.Value)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// persist upserts the machine and its metric instances, inserts one sample
// per metric, then runs the threshold evaluator synchronously so the
// response reflects a fully evaluated ingest.
func (s *Server) persist(ctx context.Context, tenantID string, req IngestRequest, sentAt time.Time) error {
	machine := &models.Machine{TenantID: tenantID, Hostname: req.Machine.Hostname, Status: models.MachineUp}
	if err := s.db.UpsertMachine(machine); err != nil {
		return fmt.Errorf("upserting machine: %w", err)
	}

	for seq, m := range req.Metrics {
		value, err := coerceValue(m.Type, m.Value)
		if err != nil {
			s.log.Warn("ingest: skipping metric with invalid value", zap.String("name", m.Name), zap.Error(err))
			continue
		}

		alertEnabled := true
		if m.AlertEnabled != nil {
			alertEnabled = *m.AlertEnabled
		}

		instance := &models.MetricInstance{
			TenantID:          tenantID,
			MachineID:         machine.ID,
			Definition:        m.Name,
			DimensionValue:    "",
			NameEffective:     m.Name,
			Type:              m.Type,
			IsAlertingEnabled: alertEnabled,
			LastValue:         value,
		}
		if err := s.db.UpsertMetricInstance(instance); err != nil {
			return fmt.Errorf("upserting metric instance %s: %w", m.Name, err)
		}
		if err := s.db.UpdateMetricInstanceValue(instance.ID, value, sentAt); err != nil {
			return fmt.Errorf("updating metric instance value %s: %w", m.Name, err)
		}
		if err := s.db.InsertSample(&models.Sample{
			MetricInstanceID: instance.ID,
			TS:               sentAt,
			Seq:              int64(seq),
			Value:            value,
		}); err != nil {
			return fmt.Errorf("inserting sample %s: %w", m.Name, err)
		}
	}

	if s.eval != nil {
		if _, err := s.eval.EvaluateMachine(ctx, tenantID, machine.ID); err != nil {
			return fmt.Errorf("evaluating machine: %w", err)
		}
	}
	return nil
}

func coerceValue(metricType string, raw interface{}) (models.SampleValue, error) {
	switch metricType {
	case models.MetricTypeNumeric:
		switch v := raw.(type) {
		case float64:
			return models.NumericValue(v), nil
		case string:
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return models.SampleValue{}, err
			}
			return models.NumericValue(f), nil
		}
		return models.SampleValue{}, fmt.Errorf("value is not numeric")
	case models.MetricTypeBoolean:
		if b, ok := raw.(bool); ok {
			return models.BooleanValue(b), nil
		}
		return models.SampleValue{}, fmt.Errorf("value is not boolean")
	case models.MetricTypeString:
		if str, ok := raw.(string); ok {
			return models.StringValue(str), nil
		}
		return models.SampleValue{}, fmt.Errorf("value is not a string")
	default:
		return models.SampleValue{}, fmt.Errorf("unknown metric type %q", metricType)
	}
}

// handleListIncidents implements GET /incidents, filtered by the required
// X-Tenant-Id header and an optional ?status= / pagination query.
func (s *Server) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	tenantID := r.Header.Get("X-Tenant-Id")
	if tenantID == "" {
		writeError(w, http.StatusUnauthorized, "missing X-Tenant-Id header")
		return
	}
	limit, offset := paginationParams(r)

	incidents, err := s.store.ListOpen(tenantID, r.URL.Query().Get("status"), limit, offset)
	if err != nil {
		s.log.Error("ingest: listing incidents failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, incidents)
}

// handleListNotifications implements GET /notifications, filtered by the
// required X-Tenant-Id header and pagination query.
func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	tenantID := r.Header.Get("X-Tenant-Id")
	if tenantID == "" {
		writeError(w, http.StatusUnauthorized, "missing X-Tenant-Id header")
		return
	}
	limit, offset := paginationParams(r)

	entries, err := s.db.ListNotifications(tenantID, limit, offset)
	if err != nil {
		s.log.Error("ingest: listing notifications failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// handleCheckTarget implements GET /targets/{id}/check: force one HTTP
// probe check outside the scan loop, for manual verification.
func (s *Server) handleCheckTarget(w http.ResponseWriter, r *http.Request) {
	targetID := chi.URLParam(r, "id")
	if s.probe == nil {
		writeError(w, http.StatusServiceUnavailable, "probe runner not configured")
		return
	}
	result, err := s.probe.CheckOnce(r.Context(), targetID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func paginationParams(r *http.Request) (limit, offset int) {
	limit = 50
	offset = 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}
