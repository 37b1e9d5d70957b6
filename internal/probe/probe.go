// Package probe implements the HTTP Probe Runner (C5): a periodic scan over
// every active HTTP target that is due for a check, recording the result and
// opening/resolving HTTP_FAILURE incidents (spec.md §4.5).
package probe

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Fudheryk/monitoring-engine/internal/config"
	"github.com/Fudheryk/monitoring-engine/internal/database"
	"github.com/Fudheryk/monitoring-engine/internal/evaluator"
	"github.com/Fudheryk/monitoring-engine/internal/incidentstore"
	"github.com/Fudheryk/monitoring-engine/internal/ledger"
	"github.com/Fudheryk/monitoring-engine/internal/metrics"
	"github.com/Fudheryk/monitoring-engine/internal/models"
)

const incidentTitlePrefix = "HTTP check failed: "

// HTTPClient is the interface used to perform checks. *http.Client satisfies
// this interface, and it can be replaced with a mock in tests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Result is the outcome of a single check, returned by CheckOnce for
// debug/manual use.
type Result struct {
	Accepted             bool
	StatusCode           int
	ResponseTimeMs       *int
	ErrorMessage         *string
	AcceptedStatusRanges string
	Message              string
}

// openItem is one HTTP_FAILURE open/reminder buffered during a scan pass,
// for post-loop grouping (spec.md §4.5).
type openItem struct {
	incidentID string
	tenantID   string
	severity   string
	title      string
	text       string
}

// resolvedItem is one HTTP_FAILURE resolution buffered during a scan pass.
type resolvedItem struct {
	incidentID string
	name       string
	url        string
	statusCode int
	ms         *int
	detail     string
}

// groupingSettings is the per-tenant grouping configuration, cached once per
// scan pass.
type groupingSettings struct {
	enabled bool
	window  int
}

// Runner implements the due-target scan, per-target check, and post-loop
// dispatch algorithm against database.Database, incidentstore.Store and
// ledger.Ledger.
type Runner struct {
	db           database.Database
	store        *incidentstore.Store
	ledger       *ledger.Ledger
	notifier     evaluator.NotificationEnqueuer
	client       HTTPClient
	cfg          *config.Config
	metrics      *metrics.Metrics
	logger       *zap.Logger
	processStart time.Time
}

// NewRunner creates a new Runner. processStart anchors the startup grace
// window, the same way Scanner and the evaluator's cousins do.
func NewRunner(db database.Database, store *incidentstore.Store, led *ledger.Ledger, notifier evaluator.NotificationEnqueuer, client HTTPClient, cfg *config.Config, m *metrics.Metrics, logger *zap.Logger) *Runner {
	return &Runner{db: db, store: store, ledger: led, notifier: notifier, client: client, cfg: cfg, metrics: m, logger: logger, processStart: time.Now()}
}

// Start runs the scan loop at cfg.Probe.ScanInterval until ctx is cancelled.
func (r *Runner) Start(ctx context.Context) {
	r.logger.Info("probe runner started",
		zap.Duration("scan_interval", r.cfg.Probe.ScanInterval.Duration),
		zap.Int("concurrency", r.cfg.Probe.Concurrency),
	)

	ticker := time.NewTicker(r.cfg.Probe.ScanInterval.Duration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("probe runner stopping", zap.Error(ctx.Err()))
			return
		case <-ticker.C:
			if _, err := r.Scan(ctx); err != nil {
				r.logger.Error("probe scan failed", zap.Error(err))
			}
		}
	}
}

// Scan checks every due active HTTP target, persists results, and dispatches
// grouped open/resolve notifications post-loop. It returns the number of
// targets checked.
func (r *Runner) Scan(ctx context.Context) (int, error) {
	now := time.Now()
	uptime := now.Sub(r.processStart)
	grace := time.Duration(r.cfg.Probe.StartupGraceSeconds) * time.Second
	withinStartupGrace := uptime < grace

	targets, err := r.db.ListDueHTTPTargets(now)
	if err != nil {
		return 0, fmt.Errorf("probe: listing due targets: %w", err)
	}

	concurrency := r.cfg.Probe.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	// The HTTP round trips run concurrently, bounded by cfg.Probe.Concurrency;
	// each goroutine writes only to its own slot, so no locking is needed.
	type checkOutcome struct {
		status  int
		latency *int
		errMsg  *string
	}
	outcomes := make([]checkOutcome, len(targets))

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, t := range targets {
		i, t := i, t
		g.Go(func() error {
			started := time.Now()
			status, latency, errMsg := r.performCheck(t)
			outcomes[i] = checkOutcome{status: status, latency: latency, errMsg: errMsg}
			if r.metrics != nil {
				outcome := "accepted"
				if errMsg != nil {
					outcome = "error"
				} else if !t.IsStatusAccepted(status) {
					outcome = "rejected"
				}
				r.metrics.RecordProbeCheck(outcome, time.Since(started).Seconds())
			}
			return nil
		})
	}
	_ = g.Wait() // performCheck never returns an error through the group

	groupingCache := make(map[string]groupingSettings)
	openQueue := make(map[string][]openItem)
	resolvedBuffer := make(map[string][]resolvedItem)

	checked := 0
	for i, t := range targets {
		if ctx.Err() != nil {
			return checked, ctx.Err()
		}
		o := outcomes[i]
		accepted := o.errMsg == nil && t.IsStatusAccepted(o.status)
		r.processOutcome(ctx, t, o.status, o.latency, o.errMsg, accepted, withinStartupGrace, groupingCache, openQueue, resolvedBuffer)
		checked++
	}

	r.dispatchOpens(ctx, groupingCache, openQueue)
	r.dispatchResolves(ctx, groupingCache, resolvedBuffer)

	r.logger.Info("probe scan complete", zap.Int("checked", checked))
	return checked, nil
}

// processOutcome persists the check result then applies the accept/reject
// branch (spec.md §4.5 steps 2-7), buffering any notification for the
// post-loop dispatch phase.
func (r *Runner) processOutcome(ctx context.Context, t *models.HttpTarget, status int, latency *int, errMsg *string, accepted bool, withinStartupGrace bool,
	groupingCache map[string]groupingSettings, openQueue map[string][]openItem, resolvedBuffer map[string][]resolvedItem) {

	now := time.Now()
	prevUp := t.LastCheckAt != nil
	var prevAccepted bool
	if prevUp {
		prevAccepted = t.IsStatusAccepted(t.LastStatusCode)
	}

	t.LastCheckAt = &now
	t.LastStatusCode = status
	t.LastResponseTimeMs = latency
	t.LastErrorMessage = errMsg

	if err := r.db.UpdateHTTPTargetCheck(t, accepted, prevAccepted && prevUp, now); err != nil {
		r.logger.Error("probe: failed to persist check result", zap.String("target_id", t.ID), zap.Error(err))
		return
	}

	r.groupingFor(t.TenantID, groupingCache) // warms the cache for dispatchOpens/dispatchResolves

	if !accepted {
		if withinStartupGrace {
			r.logger.Info("probe: startup grace active, not opening new HTTP incident",
				zap.String("url", t.URL), zap.String("tenant_id", t.TenantID))
			if r.metrics != nil {
				r.metrics.RecordGraceSuppressed()
			}
			return
		}

		graceSeconds := r.effectiveGracePeriod(t.TenantID)
		if graceSeconds > 0 && t.LastStateChangeAt != nil {
			downAge := now.Sub(*t.LastStateChangeAt).Seconds()
			if downAge < float64(graceSeconds) {
				r.recordGraceSkip(t, downAge, graceSeconds)
				r.logger.Info("probe: grace window active, skipping open",
					zap.String("url", t.URL), zap.Float64("down_age", downAge), zap.Int("grace_seconds", graceSeconds))
				return
			}
		}

		title := incidentTitlePrefix + t.Name
		description := t.GetStatusMessage()
		incident, created, err := r.store.OpenHTTPFailure(t.ID, t.TenantID, models.SeverityError, title, description)
		if err != nil {
			r.logger.Error("probe: opening http failure failed", zap.String("target_id", t.ID), zap.Error(err))
			return
		}
		if created && r.metrics != nil {
			r.metrics.RecordHTTPFailureTransition("opened")
		}

		remindSeconds := r.effectiveReminderSeconds(t.TenantID)
		okToSend, err := r.ledger.CooldownElapsed(t.TenantID, &incident.ID, time.Duration(remindSeconds)*time.Second, now)
		if err != nil {
			r.logger.Error("probe: cooldown check failed", zap.String("incident_id", incident.ID), zap.Error(err))
			okToSend = created
		}

		if created || okToSend {
			text := fmt.Sprintf("%s — %s\nStatus: %d\nLatency: %s\nError: %s\nDetail: %s",
				t.Name, t.URL, status, latencyText(latency), errText(errMsg), t.GetStatusMessage())
			openQueue[t.TenantID] = append(openQueue[t.TenantID], openItem{
				incidentID: incident.ID,
				tenantID:   t.TenantID,
				severity:   models.SeverityWarning,
				title:      title,
				text:       text,
			})
		}
		return
	}

	resolved, err := r.store.ResolveHTTPFailure(t.TenantID, t.ID, now)
	if err != nil {
		r.logger.Error("probe: resolving http failure failed", zap.String("target_id", t.ID), zap.Error(err))
		return
	}
	if resolved == nil {
		return
	}
	if r.metrics != nil {
		r.metrics.RecordHTTPFailureTransition("resolved")
	}
	resolvedBuffer[t.TenantID] = append(resolvedBuffer[t.TenantID], resolvedItem{
		incidentID: resolved.ID,
		name:       t.Name,
		url:        t.URL,
		statusCode: status,
		ms:         latency,
		detail:     t.GetStatusMessage(),
	})
}

// dispatchOpens sends or groups every buffered open/reminder, following
// spec.md §4.5's grouping rules: grouping off, or outside the grouping
// window, sends individually; inside the window with 2+ buffered items in
// this pass groups them; a single buffered item instead checks how many
// incidents are currently OPEN for the tenant and groups if there are 2+.
func (r *Runner) dispatchOpens(ctx context.Context, groupingCache map[string]groupingSettings, openQueue map[string][]openItem) {
	for tenantID, items := range openQueue {
		g := r.groupingFor(tenantID, groupingCache)

		if !g.enabled || g.window <= 0 {
			for _, item := range items {
				r.sendOpen(ctx, item)
			}
			continue
		}

		lastAt, err := r.ledger.LastSuccessAt(tenantID, nil)
		inWindow := err == nil && lastAt != nil && time.Since(*lastAt).Seconds() < float64(g.window)

		if !inWindow {
			for _, item := range items {
				r.sendOpen(ctx, item)
			}
			continue
		}

		if len(items) >= 2 {
			r.sendGroupedOpen(ctx, tenantID, items)
			continue
		}

		// limit=1000 is a generous cap, not a real pagination boundary: we
		// only need the count of currently-open incidents for this tenant.
		open, err := r.store.ListOpen(tenantID, models.IncidentOpen, 1000, 0)
		openCount := 0
		if err == nil {
			openCount = len(open)
		}
		if openCount >= 2 {
			r.sendGroupedOpen(ctx, tenantID, items)
		} else {
			r.sendOpen(ctx, items[0])
		}
	}
}

// dispatchResolves sends every buffered resolution, bypassing the per-incident
// cooldown (spec.md §4.5 step 9) but still respecting grouping.
func (r *Runner) dispatchResolves(ctx context.Context, groupingCache map[string]groupingSettings, resolvedBuffer map[string][]resolvedItem) {
	for tenantID, items := range resolvedBuffer {
		g := r.groupingFor(tenantID, groupingCache)

		if !g.enabled {
			for _, it := range items {
				r.sendResolve(ctx, tenantID, it)
			}
			continue
		}

		if len(items) >= 2 {
			lines := make([]string, 0, len(items))
			var leadIncident string
			for i, it := range items {
				if i == 0 {
					leadIncident = it.incidentID
				}
				lines = append(lines, fmt.Sprintf("- %s — %s (OK %d, %s, %s)", it.name, it.url, it.statusCode, latencyText(it.ms), it.detail))
			}
			text := "Resolved HTTP checks (grouped):\n" + joinLines(lines)
			r.notify(ctx, tenantID, leadIncident, models.SeverityInfo, "HTTP checks resolved (grouped)", text, true)
			continue
		}

		r.sendResolve(ctx, tenantID, items[0])
	}
}

func (r *Runner) sendOpen(ctx context.Context, item openItem) {
	r.notify(ctx, item.tenantID, item.incidentID, item.severity, item.title, item.text, false)
}

func (r *Runner) sendGroupedOpen(ctx context.Context, tenantID string, items []openItem) {
	lines := make([]string, 0, len(items))
	for _, it := range items {
		lines = append(lines, "- "+firstLine(it.text))
	}
	text := "Multiple active incidents (grouped):\n" + joinLines(lines)
	r.notify(ctx, tenantID, items[0].incidentID, models.SeverityWarning, "Multiple HTTP incidents (grouped)", text, false)
}

func (r *Runner) sendResolve(ctx context.Context, tenantID string, it resolvedItem) {
	text := fmt.Sprintf("%s — %s\nOK: %d\nLatency: %s\nDetail: %s", it.name, it.url, it.statusCode, latencyText(it.ms), it.detail)
	r.notify(ctx, tenantID, it.incidentID, models.SeverityInfo, "HTTP check resolved", text, true)
}

func (r *Runner) notify(ctx context.Context, tenantID, incidentID, severity, title, text string, resolved bool) {
	if r.notifier == nil {
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
	if err := r.notifier.Enqueue(ctx, req); err != nil {
		r.logger.Error("probe: failed to enqueue notification", zap.String("incident_id", incidentID), zap.Error(err))
	}
}

func (r *Runner) recordGraceSkip(t *models.HttpTarget, downAge float64, graceSeconds int) {
	entry := &models.NotificationLogEntry{
		TenantID: t.TenantID,
		Provider: "grace",
		Status:   "skipped_grace",
		Message:  fmt.Sprintf("Grace window active (%ds/%ds) for %s", int(downAge), graceSeconds, t.URL),
	}
	if err := r.ledger.Record(entry); err != nil {
		r.logger.Error("probe: failed to record grace skip", zap.Error(err))
	}
}

// CheckOnce performs a synchronous, single-target check, persists the
// result, and returns the outcome. Used by the manual debug endpoint
// (spec.md §4.5 supplemented feature: check_one_target).
func (r *Runner) CheckOnce(ctx context.Context, targetID string) (*Result, error) {
	t, err := r.db.GetHTTPTarget(targetID)
	if err != nil {
		return nil, fmt.Errorf("probe: get target: %w", err)
	}
	if t == nil {
		return nil, fmt.Errorf("probe: target %s not found", targetID)
	}

	now := time.Now()
	status, latency, errMsg := r.performCheck(t)
	prevAccepted := t.LastCheckAt != nil && t.IsStatusAccepted(t.LastStatusCode)
	prevUp := t.LastCheckAt != nil

	t.LastCheckAt = &now
	t.LastStatusCode = status
	t.LastResponseTimeMs = latency
	t.LastErrorMessage = errMsg

	accepted := errMsg == nil && t.IsStatusAccepted(status)
	if err := r.db.UpdateHTTPTargetCheck(t, accepted, prevAccepted && prevUp, now); err != nil {
		return nil, fmt.Errorf("probe: persisting check result: %w", err)
	}

	return &Result{
		Accepted:             accepted,
		StatusCode:           status,
		ResponseTimeMs:       latency,
		ErrorMessage:         errMsg,
		AcceptedStatusRanges: t.AcceptedStatusRanges,
		Message:              t.GetStatusMessage(),
	}, nil
}

// performCheck issues the HTTP request and returns (status, latency, error).
// Status is never returned as a semantic zero except on transport failure,
// where 0 represents "no response at all" and err carries the (truncated)
// cause.
func (r *Runner) performCheck(t *models.HttpTarget) (int, *int, *string) {
	timeout := time.Duration(t.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = r.cfg.Probe.DefaultTimeout.Duration
	}
	method := t.Method
	if method == "" {
		method = http.MethodGet
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, t.URL, nil)
	if err != nil {
		msg := models.Truncate(err.Error())
		return 0, nil, &msg
	}
	req.Header.Set("User-Agent", "monitoring-engine-probe/1.0")

	started := time.Now()
	resp, err := r.client.Do(req)
	elapsed := int(time.Since(started).Milliseconds())
	if err != nil {
		msg := models.Truncate(err.Error())
		return 0, &elapsed, &msg
	}
	defer resp.Body.Close()

	return resp.StatusCode, &elapsed, nil
}

func (r *Runner) groupingFor(tenantID string, cache map[string]groupingSettings) groupingSettings {
	if g, ok := cache[tenantID]; ok {
		return g
	}
	settings, err := r.db.GetTenantSettings(tenantID)
	g := groupingSettings{enabled: r.cfg.TenantDefaults.GroupingEnabled, window: r.cfg.TenantDefaults.GroupingWindowSeconds}
	if err == nil && settings != nil {
		if settings.GroupingEnabled != nil {
			g.enabled = *settings.GroupingEnabled
		}
		if settings.GroupingWindowSeconds != nil {
			g.window = *settings.GroupingWindowSeconds
		}
	}
	cache[tenantID] = g
	return g
}

func (r *Runner) effectiveGracePeriod(tenantID string) int {
	settings, err := r.db.GetTenantSettings(tenantID)
	if err == nil && settings != nil && settings.GracePeriodSeconds != nil {
		return *settings.GracePeriodSeconds
	}
	if r.cfg.TenantDefaults.GracePeriodSeconds > 0 {
		return r.cfg.TenantDefaults.GracePeriodSeconds
	}
	return 120
}

func (r *Runner) effectiveReminderSeconds(tenantID string) int {
	settings, err := r.db.GetTenantSettings(tenantID)
	if err == nil && settings != nil && settings.ReminderSeconds != nil && *settings.ReminderSeconds > 0 {
		return *settings.ReminderSeconds
	}
	if r.cfg.TenantDefaults.ReminderSeconds > 0 {
		return r.cfg.TenantDefaults.ReminderSeconds
	}
	return 30 * 60
}

func latencyText(ms *int) string {
	if ms == nil {
		return "-"
	}
	return fmt.Sprintf("%dms", *ms)
}

func errText(msg *string) string {
	if msg == nil || *msg == "" {
		return "-"
	}
	return *msg
}

func firstLine(s string) string {
	for i, c := range s {
		if c == '\n' {
			return s[:i]
		}
	}
	return s
}

func joinLines(lines []string) string {
	out := ""
	for i, l := range lines {
		if i > 0 {
			out += "\n"
		}
		out += l
	}
	return out
}
