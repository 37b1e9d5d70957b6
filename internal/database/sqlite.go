package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Fudheryk/monitoring-engine/internal/models"
	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// SQLiteDB implements the Database interface using SQLite with the go-sqlite3 driver.
type SQLiteDB struct {
	db     *sql.DB
	logger *zap.Logger
}

var _ Database = (*SQLiteDB)(nil)

const timeLayout = time.RFC3339Nano

// NewSQLiteDB opens (or creates) a SQLite database at dbPath, applies PRAGMAs
// for WAL mode, incremental auto-vacuum, foreign keys and a busy timeout,
// then creates and migrates the schema.
func NewSQLiteDB(dbPath string, logger *zap.Logger) (*SQLiteDB, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// Single connection: WAL mode and our atomic-dedup contract both assume
	// every statement in this process is serialized against one handle.
	db.SetMaxOpenConns(1)

	s := &SQLiteDB{db: db, logger: logger}

	if err := s.applyPragmas(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	if err := s.migrateSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	logger.Info("sqlite database initialised", zap.String("path", dbPath))
	return s, nil
}

func (s *SQLiteDB) applyPragmas() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA auto_vacuum=INCREMENTAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *SQLiteDB) createSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS tenants (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tenant_settings (
			tenant_id TEXT PRIMARY KEY,
			reminder_seconds INTEGER,
			grace_period_seconds INTEGER,
			grouping_enabled INTEGER,
			grouping_window_seconds INTEGER,
			notify_on_resolve INTEGER,
			heartbeat_threshold_seconds INTEGER,
			slack_webhook TEXT,
			notification_email TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS machines (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			hostname TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'UP',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE(tenant_id, hostname)
		)`,
		`CREATE TABLE IF NOT EXISTS metric_instances (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			machine_id TEXT NOT NULL,
			definition TEXT NOT NULL,
			dimension_value TEXT NOT NULL DEFAULT '',
			name_effective TEXT NOT NULL,
			type TEXT NOT NULL,
			is_alerting_enabled INTEGER NOT NULL DEFAULT 1,
			is_paused INTEGER NOT NULL DEFAULT 0,
			needs_threshold INTEGER NOT NULL DEFAULT 0,
			last_value_type TEXT,
			last_value_num REAL,
			last_value_bool INTEGER,
			last_value_str TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE(machine_id, definition, dimension_value)
		)`,
		`CREATE TABLE IF NOT EXISTS samples (
			metric_instance_id TEXT NOT NULL,
			ts TEXT NOT NULL,
			seq INTEGER NOT NULL,
			value_type TEXT NOT NULL,
			value_num REAL,
			value_bool INTEGER,
			value_str TEXT,
			PRIMARY KEY (metric_instance_id, ts, seq)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_samples_latest ON samples (metric_instance_id, ts DESC, seq DESC)`,
		`CREATE TABLE IF NOT EXISTS thresholds (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			metric_instance_id TEXT NOT NULL,
			condition TEXT NOT NULL,
			value_num REAL,
			value_bool INTEGER,
			value_str TEXT,
			severity TEXT NOT NULL,
			min_duration_seconds INTEGER NOT NULL DEFAULT 0,
			cooldown_seconds INTEGER NOT NULL DEFAULT 0,
			consecutive_breaches INTEGER NOT NULL DEFAULT 0,
			is_active INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE INDEX IF NOT EXISTS idx_thresholds_metric ON thresholds (metric_instance_id, is_active)`,
		`CREATE TABLE IF NOT EXISTS http_targets (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			name TEXT NOT NULL,
			url TEXT NOT NULL,
			method TEXT NOT NULL DEFAULT 'GET',
			accepted_status_ranges TEXT NOT NULL DEFAULT '',
			interval_seconds INTEGER NOT NULL DEFAULT 60,
			timeout_seconds INTEGER NOT NULL DEFAULT 10,
			is_active INTEGER NOT NULL DEFAULT 1,
			last_check_at TEXT,
			last_status_code INTEGER NOT NULL DEFAULT 0,
			last_response_time_ms INTEGER,
			last_error_message TEXT,
			last_state_change_at TEXT,
			UNIQUE(tenant_id, url)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_http_targets_due ON http_targets (is_active, last_check_at)`,
		`CREATE TABLE IF NOT EXISTS incidents (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			incident_number INTEGER NOT NULL,
			kind TEXT NOT NULL,
			scope_id TEXT NOT NULL,
			machine_id TEXT,
			metric_instance_id TEXT,
			http_target_id TEXT,
			dedup_key TEXT NOT NULL,
			status TEXT NOT NULL,
			severity TEXT NOT NULL,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			resolved_at TEXT,
			updated_at TEXT NOT NULL
		)`,
		// The single cross-worker mutual-exclusion primitive the whole
		// system relies on: at most one OPEN incident per (tenant, kind, scope).
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_incidents_open_scope ON incidents (tenant_id, kind, scope_id) WHERE status = 'OPEN'`,
		`CREATE INDEX IF NOT EXISTS idx_incidents_tenant_status ON incidents (tenant_id, status, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_incidents_machine ON incidents (tenant_id, kind, machine_id, status)`,
		`CREATE TABLE IF NOT EXISTS notification_log (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			incident_id TEXT,
			alert_id TEXT,
			provider TEXT NOT NULL,
			recipient TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			message TEXT NOT NULL DEFAULT '',
			error TEXT,
			created_at TEXT NOT NULL,
			sent_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_notification_log_cooldown ON notification_log (tenant_id, incident_id, status, provider, sent_at)`,
		`CREATE TABLE IF NOT EXISTS outbox_events (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			payload TEXT NOT NULL,
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			next_attempt_at TEXT NOT NULL,
			delivering_since TEXT,
			delivery_receipt TEXT,
			last_error TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_due ON outbox_events (status, next_attempt_at)`,
		`CREATE TABLE IF NOT EXISTS pending_notifications (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			incident_id TEXT,
			alert_id TEXT,
			severity TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			text TEXT NOT NULL DEFAULT '',
			channel TEXT,
			recipient TEXT,
			resolved INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			next_attempt_at TEXT NOT NULL,
			delivering_since TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pending_notifications_due ON pending_notifications (status, next_attempt_at)`,
		`CREATE TABLE IF NOT EXISTS idempotency_records (
			ingest_id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS credentials (
			token TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			machine_hostname TEXT,
			created_at TEXT NOT NULL
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("schema statement %q: %w", stmt, err)
		}
	}
	return nil
}

// migrateSchema applies incremental migrations for databases created before
// the DELIVERING lease timeout (delivering_since) was added.
func (s *SQLiteDB) migrateSchema() error {
	has, err := s.columnExists("outbox_events", "delivering_since")
	if err != nil {
		return err
	}
	if !has {
		if _, err := s.db.Exec("ALTER TABLE outbox_events ADD COLUMN delivering_since TEXT"); err != nil {
			return fmt.Errorf("adding delivering_since column: %w", err)
		}
		s.logger.Info("migrated schema: added outbox_events.delivering_since")
	}
	return nil
}

func (s *SQLiteDB) columnExists(table, column string) (bool, error) {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, fmt.Errorf("reading table info for %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, colType string
		var notNull int
		var dfltValue sql.NullString
		var pk int
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltValue, &pk); err != nil {
			return false, fmt.Errorf("scanning table info for %s: %w", table, err)
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

func (s *SQLiteDB) Close() error { return s.db.Close() }
func (s *SQLiteDB) Ping() error  { return s.db.Ping() }

// ---------------------------------------------------------------------------
// Tenants
// ---------------------------------------------------------------------------

func (s *SQLiteDB) GetTenant(id string) (*models.Tenant, error) {
	const q = `SELECT id, name, created_at FROM tenants WHERE id = ?`
	var t models.Tenant
	var createdAt string
	err := s.db.QueryRow(q, id).Scan(&t.ID, &t.Name, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get tenant: %w", err)
	}
	if t.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("get tenant: parse created_at: %w", err)
	}
	return &t, nil
}

func (s *SQLiteDB) UpsertTenant(t *models.Tenant) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	const q = `INSERT INTO tenants (id, name, created_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name`
	if _, err := s.db.Exec(q, t.ID, t.Name, t.CreatedAt.Format(timeLayout)); err != nil {
		return fmt.Errorf("upsert tenant: %w", err)
	}
	return nil
}

func (s *SQLiteDB) ListTenantIDs() ([]string, error) {
	rows, err := s.db.Query(`SELECT id FROM tenants`)
	if err != nil {
		return nil, fmt.Errorf("list tenant ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("list tenant ids: scan: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ---------------------------------------------------------------------------
// Tenant settings
// ---------------------------------------------------------------------------

func (s *SQLiteDB) GetTenantSettings(tenantID string) (*models.TenantSettings, error) {
	const q = `SELECT tenant_id, reminder_seconds, grace_period_seconds, grouping_enabled,
		grouping_window_seconds, notify_on_resolve, heartbeat_threshold_seconds,
		slack_webhook, notification_email FROM tenant_settings WHERE tenant_id = ?`

	var ts models.TenantSettings
	var reminder, grace, groupWindow, heartbeat sql.NullInt64
	var grouping, notifyResolve sql.NullInt64
	var slack, email sql.NullString

	err := s.db.QueryRow(q, tenantID).Scan(
		&ts.TenantID, &reminder, &grace, &grouping, &groupWindow, &notifyResolve, &heartbeat, &slack, &email,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get tenant settings: %w", err)
	}

	ts.ReminderSeconds = nullIntToIntPtr(reminder)
	ts.GracePeriodSeconds = nullIntToIntPtr(grace)
	ts.GroupingEnabled = nullIntToBoolPtr(grouping)
	ts.GroupingWindowSeconds = nullIntToIntPtr(groupWindow)
	ts.NotifyOnResolve = nullIntToBoolPtr(notifyResolve)
	ts.HeartbeatThresholdSeconds = nullIntToIntPtr(heartbeat)
	ts.SlackWebhook = nullStringToPtr(slack)
	ts.NotificationEmail = nullStringToPtr(email)
	return &ts, nil
}

func (s *SQLiteDB) UpsertTenantSettings(ts *models.TenantSettings) error {
	const q = `INSERT INTO tenant_settings (
		tenant_id, reminder_seconds, grace_period_seconds, grouping_enabled,
		grouping_window_seconds, notify_on_resolve, heartbeat_threshold_seconds,
		slack_webhook, notification_email
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(tenant_id) DO UPDATE SET
		reminder_seconds = excluded.reminder_seconds,
		grace_period_seconds = excluded.grace_period_seconds,
		grouping_enabled = excluded.grouping_enabled,
		grouping_window_seconds = excluded.grouping_window_seconds,
		notify_on_resolve = excluded.notify_on_resolve,
		heartbeat_threshold_seconds = excluded.heartbeat_threshold_seconds,
		slack_webhook = excluded.slack_webhook,
		notification_email = excluded.notification_email`

	_, err := s.db.Exec(q, ts.TenantID,
		intPtrToNullInt(ts.ReminderSeconds), intPtrToNullInt(ts.GracePeriodSeconds),
		boolPtrToNullInt(ts.GroupingEnabled), intPtrToNullInt(ts.GroupingWindowSeconds),
		boolPtrToNullInt(ts.NotifyOnResolve), intPtrToNullInt(ts.HeartbeatThresholdSeconds),
		strPtrToNullString(ts.SlackWebhook), strPtrToNullString(ts.NotificationEmail),
	)
	if err != nil {
		return fmt.Errorf("upsert tenant settings: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Machines
// ---------------------------------------------------------------------------

func (s *SQLiteDB) GetMachineByHostname(tenantID, hostname string) (*models.Machine, error) {
	const q = `SELECT id, tenant_id, hostname, status, created_at, updated_at
		FROM machines WHERE tenant_id = ? AND hostname = ?`
	return s.scanMachine(s.db.QueryRow(q, tenantID, hostname))
}

func (s *SQLiteDB) scanMachine(row *sql.Row) (*models.Machine, error) {
	var m models.Machine
	var createdAt, updatedAt string
	err := row.Scan(&m.ID, &m.TenantID, &m.Hostname, &m.Status, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan machine: %w", err)
	}
	if m.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("scan machine: parse created_at: %w", err)
	}
	if m.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return nil, fmt.Errorf("scan machine: parse updated_at: %w", err)
	}
	return &m, nil
}

func (s *SQLiteDB) UpsertMachine(m *models.Machine) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	now := time.Now()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	if m.Status == "" {
		m.Status = models.MachineUp
	}

	const q = `INSERT INTO machines (id, tenant_id, hostname, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, hostname) DO UPDATE SET updated_at = excluded.updated_at
		RETURNING id, status, created_at`

	var id, status, createdAt string
	err := s.db.QueryRow(q, m.ID, m.TenantID, m.Hostname, m.Status,
		m.CreatedAt.Format(timeLayout), m.UpdatedAt.Format(timeLayout)).Scan(&id, &status, &createdAt)
	if err != nil {
		return fmt.Errorf("upsert machine: %w", err)
	}
	m.ID = id
	m.Status = status
	if m.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return fmt.Errorf("upsert machine: parse created_at: %w", err)
	}
	return nil
}

func (s *SQLiteDB) UpdateMachineStatus(machineID, status string, now time.Time) error {
	const q = `UPDATE machines SET status = ?, updated_at = ? WHERE id = ?`
	if _, err := s.db.Exec(q, status, now.Format(timeLayout), machineID); err != nil {
		return fmt.Errorf("update machine status: %w", err)
	}
	return nil
}

func (s *SQLiteDB) ListMachinesWithCandidates(tenantID string) ([]*models.Machine, error) {
	const q = `SELECT DISTINCT m.id, m.tenant_id, m.hostname, m.status, m.created_at, m.updated_at
		FROM machines m
		JOIN metric_instances mi ON mi.machine_id = m.id
		WHERE m.tenant_id = ? AND mi.is_alerting_enabled = 1 AND mi.is_paused = 0`

	rows, err := s.db.Query(q, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list machines with candidates: %w", err)
	}
	defer rows.Close()

	var out []*models.Machine
	for rows.Next() {
		var m models.Machine
		var createdAt, updatedAt string
		if err := rows.Scan(&m.ID, &m.TenantID, &m.Hostname, &m.Status, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("list machines with candidates: scan: %w", err)
		}
		if m.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
			return nil, fmt.Errorf("list machines with candidates: parse created_at: %w", err)
		}
		if m.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
			return nil, fmt.Errorf("list machines with candidates: parse updated_at: %w", err)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Metric instances
// ---------------------------------------------------------------------------

const metricInstanceColumns = `id, tenant_id, machine_id, definition, dimension_value, name_effective, type,
	is_alerting_enabled, is_paused, needs_threshold, last_value_type, last_value_num, last_value_bool,
	last_value_str, created_at, updated_at`

func (s *SQLiteDB) scanMetricInstanceRow(row *sql.Row) (*models.MetricInstance, error) {
	var mi models.MetricInstance
	var enabled, paused, needsThreshold int
	var lastType sql.NullString
	var lastNum sql.NullFloat64
	var lastBool sql.NullInt64
	var lastStr sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(&mi.ID, &mi.TenantID, &mi.MachineID, &mi.Definition, &mi.DimensionValue,
		&mi.NameEffective, &mi.Type, &enabled, &paused, &needsThreshold,
		&lastType, &lastNum, &lastBool, &lastStr, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan metric instance: %w", err)
	}

	mi.IsAlertingEnabled = enabled != 0
	mi.IsPaused = paused != 0
	mi.NeedsThreshold = needsThreshold != 0
	if lastType.Valid {
		mi.LastValue = scanSampleValue(lastType.String, lastNum, lastBool, lastStr)
	}
	if mi.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("scan metric instance: parse created_at: %w", err)
	}
	if mi.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return nil, fmt.Errorf("scan metric instance: parse updated_at: %w", err)
	}
	return &mi, nil
}

func (s *SQLiteDB) GetMetricInstance(machineID, definition, dimensionValue string) (*models.MetricInstance, error) {
	q := `SELECT ` + metricInstanceColumns + ` FROM metric_instances WHERE machine_id = ? AND definition = ? AND dimension_value = ?`
	return s.scanMetricInstanceRow(s.db.QueryRow(q, machineID, definition, dimensionValue))
}

func (s *SQLiteDB) GetMetricInstanceByID(id string) (*models.MetricInstance, error) {
	q := `SELECT ` + metricInstanceColumns + ` FROM metric_instances WHERE id = ?`
	return s.scanMetricInstanceRow(s.db.QueryRow(q, id))
}

func (s *SQLiteDB) UpsertMetricInstance(mi *models.MetricInstance) error {
	if mi.ID == "" {
		mi.ID = uuid.New().String()
	}
	now := time.Now()
	if mi.CreatedAt.IsZero() {
		mi.CreatedAt = now
	}
	mi.UpdatedAt = now

	valueType, num, boolean, str := sampleValueToColumns(mi.LastValue)

	const q = `INSERT INTO metric_instances (
		id, tenant_id, machine_id, definition, dimension_value, name_effective, type,
		is_alerting_enabled, is_paused, needs_threshold, last_value_type, last_value_num,
		last_value_bool, last_value_str, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(machine_id, definition, dimension_value) DO UPDATE SET
		name_effective = excluded.name_effective,
		type = excluded.type,
		is_alerting_enabled = excluded.is_alerting_enabled,
		is_paused = excluded.is_paused,
		needs_threshold = excluded.needs_threshold,
		updated_at = excluded.updated_at
	RETURNING id, created_at`

	var id, createdAt string
	err := s.db.QueryRow(q, mi.ID, mi.TenantID, mi.MachineID, mi.Definition, mi.DimensionValue,
		mi.NameEffective, mi.Type, boolToInt(mi.IsAlertingEnabled), boolToInt(mi.IsPaused),
		boolToInt(mi.NeedsThreshold), valueType, num, boolean, str,
		mi.CreatedAt.Format(timeLayout), mi.UpdatedAt.Format(timeLayout)).Scan(&id, &createdAt)
	if err != nil {
		return fmt.Errorf("upsert metric instance: %w", err)
	}
	mi.ID = id
	if mi.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return fmt.Errorf("upsert metric instance: parse created_at: %w", err)
	}
	return nil
}

func (s *SQLiteDB) UpdateMetricInstanceValue(id string, value models.SampleValue, updatedAt time.Time) error {
	valueType, num, boolean, str := sampleValueToColumns(value)
	const q = `UPDATE metric_instances SET last_value_type = ?, last_value_num = ?, last_value_bool = ?,
		last_value_str = ?, updated_at = ? WHERE id = ?`
	_, err := s.db.Exec(q, valueType, num, boolean, str, updatedAt.Format(timeLayout), id)
	if err != nil {
		return fmt.Errorf("update metric instance value: %w", err)
	}
	return nil
}

func (s *SQLiteDB) ListCandidateMetricInstances(machineID string) ([]*models.MetricInstance, error) {
	q := `SELECT ` + metricInstanceColumns + ` FROM metric_instances
		WHERE machine_id = ? AND is_alerting_enabled = 1 AND is_paused = 0`
	rows, err := s.db.Query(q, machineID)
	if err != nil {
		return nil, fmt.Errorf("list candidate metric instances: %w", err)
	}
	defer rows.Close()
	return scanMetricInstanceRows(rows)
}

func scanMetricInstanceRows(rows *sql.Rows) ([]*models.MetricInstance, error) {
	var out []*models.MetricInstance
	for rows.Next() {
		var mi models.MetricInstance
		var enabled, paused, needsThreshold int
		var lastType sql.NullString
		var lastNum sql.NullFloat64
		var lastBool sql.NullInt64
		var lastStr sql.NullString
		var createdAt, updatedAt string

		err := rows.Scan(&mi.ID, &mi.TenantID, &mi.MachineID, &mi.Definition, &mi.DimensionValue,
			&mi.NameEffective, &mi.Type, &enabled, &paused, &needsThreshold,
			&lastType, &lastNum, &lastBool, &lastStr, &createdAt, &updatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan metric instance row: %w", err)
		}
		mi.IsAlertingEnabled = enabled != 0
		mi.IsPaused = paused != 0
		mi.NeedsThreshold = needsThreshold != 0
		if lastType.Valid {
			mi.LastValue = scanSampleValue(lastType.String, lastNum, lastBool, lastStr)
		}
		if mi.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
			return nil, fmt.Errorf("scan metric instance row: parse created_at: %w", err)
		}
		if mi.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
			return nil, fmt.Errorf("scan metric instance row: parse updated_at: %w", err)
		}
		out = append(out, &mi)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Samples
// ---------------------------------------------------------------------------

func (s *SQLiteDB) InsertSample(sample *models.Sample) error {
	valueType, num, boolean, str := sampleValueToColumns(sample.Value)
	const q = `INSERT INTO samples (metric_instance_id, ts, seq, value_type, value_num, value_bool, value_str)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(metric_instance_id, ts, seq) DO UPDATE SET
			value_type = excluded.value_type, value_num = excluded.value_num,
			value_bool = excluded.value_bool, value_str = excluded.value_str`
	_, err := s.db.Exec(q, sample.MetricInstanceID, sample.TS.Format(timeLayout), sample.Seq, valueType, num, boolean, str)
	if err != nil {
		return fmt.Errorf("insert sample: %w", err)
	}
	return nil
}

func (s *SQLiteDB) GetLatestSample(metricInstanceID string) (*models.Sample, error) {
	const q = `SELECT metric_instance_id, ts, seq, value_type, value_num, value_bool, value_str
		FROM samples WHERE metric_instance_id = ? ORDER BY ts DESC, seq DESC LIMIT 1`

	var sample models.Sample
	var ts string
	var valueType string
	var num sql.NullFloat64
	var boolean sql.NullInt64
	var str sql.NullString

	err := s.db.QueryRow(q, metricInstanceID).Scan(&sample.MetricInstanceID, &ts, &sample.Seq, &valueType, &num, &boolean, &str)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get latest sample: %w", err)
	}
	if sample.TS, err = time.Parse(timeLayout, ts); err != nil {
		return nil, fmt.Errorf("get latest sample: parse ts: %w", err)
	}
	sample.Value = scanSampleValue(valueType, num, boolean, str)
	return &sample, nil
}

// ---------------------------------------------------------------------------
// Thresholds
// ---------------------------------------------------------------------------

func (s *SQLiteDB) ListActiveThresholds(metricInstanceID string) ([]*models.Threshold, error) {
	const q = `SELECT id, tenant_id, metric_instance_id, condition, value_num, value_bool, value_str,
		severity, min_duration_seconds, cooldown_seconds, consecutive_breaches, is_active
		FROM thresholds WHERE metric_instance_id = ? AND is_active = 1`

	rows, err := s.db.Query(q, metricInstanceID)
	if err != nil {
		return nil, fmt.Errorf("list active thresholds: %w", err)
	}
	defer rows.Close()

	var out []*models.Threshold
	for rows.Next() {
		var th models.Threshold
		var valueNum sql.NullFloat64
		var valueBool sql.NullInt64
		var valueStr sql.NullString
		var isActive int

		if err := rows.Scan(&th.ID, &th.TenantID, &th.MetricInstanceID, &th.Condition, &valueNum,
			&valueBool, &valueStr, &th.Severity, &th.MinDurationSeconds, &th.CooldownSeconds,
			&th.ConsecutiveBreaches, &isActive); err != nil {
			return nil, fmt.Errorf("list active thresholds: scan: %w", err)
		}
		th.ValueNum = nullFloatToPtr(valueNum)
		th.ValueBool = nullIntToBoolPtr(valueBool)
		th.ValueStr = nullStringToPtr(valueStr)
		th.IsActive = isActive != 0
		out = append(out, &th)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// HTTP targets
// ---------------------------------------------------------------------------

const httpTargetColumns = `id, tenant_id, name, url, method, accepted_status_ranges, interval_seconds,
	timeout_seconds, is_active, last_check_at, last_status_code, last_response_time_ms,
	last_error_message, last_state_change_at`

func scanHTTPTarget(scan func(...any) error) (*models.HttpTarget, error) {
	var t models.HttpTarget
	var isActive int
	var lastCheckAt, lastStateChangeAt sql.NullString
	var lastResponseMs sql.NullInt64
	var lastErr sql.NullString

	err := scan(&t.ID, &t.TenantID, &t.Name, &t.URL, &t.Method, &t.AcceptedStatusRanges,
		&t.IntervalSeconds, &t.TimeoutSeconds, &isActive, &lastCheckAt, &t.LastStatusCode,
		&lastResponseMs, &lastErr, &lastStateChangeAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan http target: %w", err)
	}

	t.IsActive = isActive != 0
	t.LastResponseTimeMs = nullIntToIntPtr(lastResponseMs)
	t.LastErrorMessage = nullStringToPtr(lastErr)

	if t.LastCheckAt, err = parseNullableTime(lastCheckAt); err != nil {
		return nil, fmt.Errorf("scan http target: parse last_check_at: %w", err)
	}
	if t.LastStateChangeAt, err = parseNullableTime(lastStateChangeAt); err != nil {
		return nil, fmt.Errorf("scan http target: parse last_state_change_at: %w", err)
	}
	return &t, nil
}

func (s *SQLiteDB) GetHTTPTarget(id string) (*models.HttpTarget, error) {
	q := `SELECT ` + httpTargetColumns + ` FROM http_targets WHERE id = ?`
	row := s.db.QueryRow(q, id)
	return scanHTTPTarget(row.Scan)
}

func (s *SQLiteDB) ListDueHTTPTargets(now time.Time) ([]*models.HttpTarget, error) {
	q := `SELECT ` + httpTargetColumns + ` FROM http_targets
		WHERE is_active = 1 AND (
			last_check_at IS NULL OR
			(julianday(?) - julianday(last_check_at)) * 86400 >= interval_seconds
		)`
	rows, err := s.db.Query(q, now.Format(timeLayout))
	if err != nil {
		return nil, fmt.Errorf("list due http targets: %w", err)
	}
	defer rows.Close()

	var out []*models.HttpTarget
	for rows.Next() {
		t, err := scanHTTPTarget(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLiteDB) UpdateHTTPTargetCheck(target *models.HttpTarget, accepted, previouslyAccepted bool, now time.Time) error {
	stateChangeAt := target.LastStateChangeAt
	if accepted != previouslyAccepted || stateChangeAt == nil {
		t := now
		stateChangeAt = &t
	}
	const q = `UPDATE http_targets SET last_check_at = ?, last_status_code = ?, last_response_time_ms = ?,
		last_error_message = ?, last_state_change_at = ? WHERE id = ?`
	_, err := s.db.Exec(q, now.Format(timeLayout), target.LastStatusCode,
		intPtrToNullInt(target.LastResponseTimeMs), strPtrToNullString(target.LastErrorMessage),
		formatNullableTime(stateChangeAt), target.ID)
	if err != nil {
		return fmt.Errorf("update http target check: %w", err)
	}
	target.LastCheckAt = &now
	target.LastStateChangeAt = stateChangeAt
	return nil
}

// ---------------------------------------------------------------------------
// Incidents (C1)
// ---------------------------------------------------------------------------

const incidentColumns = `id, tenant_id, incident_number, kind, scope_id, machine_id, metric_instance_id,
	http_target_id, dedup_key, status, severity, title, description, created_at, resolved_at, updated_at`

func scanIncident(scan func(...any) error) (*models.Incident, error) {
	var in models.Incident
	var machineID, metricInstanceID, httpTargetID sql.NullString
	var createdAt, updatedAt string
	var resolvedAt sql.NullString

	err := scan(&in.ID, &in.TenantID, &in.IncidentNumber, &in.Kind, &in.ScopeID,
		&machineID, &metricInstanceID, &httpTargetID, &in.DedupKey, &in.Status,
		&in.Severity, &in.Title, &in.Description, &createdAt, &resolvedAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan incident: %w", err)
	}

	in.MachineID = nullStringToPtr(machineID)
	in.MetricInstanceID = nullStringToPtr(metricInstanceID)
	in.HTTPTargetID = nullStringToPtr(httpTargetID)

	if in.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("scan incident: parse created_at: %w", err)
	}
	if in.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return nil, fmt.Errorf("scan incident: parse updated_at: %w", err)
	}
	if in.ResolvedAt, err = parseNullableTime(resolvedAt); err != nil {
		return nil, fmt.Errorf("scan incident: parse resolved_at: %w", err)
	}
	return &in, nil
}

func isUniqueConstraintErr(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.Code == sqlite3.ErrConstraint
}

// OpenIncident implements the atomic open-or-reuse contract described in
// spec.md §4.1: insert, and on a partial-unique-index conflict re-read the
// existing OPEN incident and bump its updated_at instead of erroring.
func (s *SQLiteDB) OpenIncident(incident *models.Incident) (*models.Incident, bool, error) {
	if incident.ID == "" {
		incident.ID = uuid.New().String()
	}
	now := incident.CreatedAt
	if now.IsZero() {
		now = time.Now()
	}
	incident.CreatedAt = now
	incident.UpdatedAt = now
	incident.Status = models.IncidentOpen

	var nextNumber int64
	row := s.db.QueryRow(`SELECT COALESCE(MAX(incident_number), 0) + 1 FROM incidents WHERE tenant_id = ?`, incident.TenantID)
	if err := row.Scan(&nextNumber); err != nil {
		return nil, false, fmt.Errorf("open incident: computing incident number: %w", err)
	}
	incident.IncidentNumber = nextNumber

	const insertSQL = `INSERT INTO incidents (
		id, tenant_id, incident_number, kind, scope_id, machine_id, metric_instance_id,
		http_target_id, dedup_key, status, severity, title, description, created_at, resolved_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?)`

	_, err := s.db.Exec(insertSQL,
		incident.ID, incident.TenantID, incident.IncidentNumber, incident.Kind, incident.ScopeID,
		strPtrToNullString(incident.MachineID), strPtrToNullString(incident.MetricInstanceID),
		strPtrToNullString(incident.HTTPTargetID), incident.DedupKey, models.IncidentOpen,
		incident.Severity, incident.Title, incident.Description,
		incident.CreatedAt.Format(timeLayout), incident.UpdatedAt.Format(timeLayout),
	)
	if err == nil {
		return incident, true, nil
	}
	if !isUniqueConstraintErr(err) {
		return nil, false, fmt.Errorf("open incident: %w", err)
	}

	existing, getErr := s.GetOpenIncident(incident.TenantID, incident.Kind, incident.ScopeID)
	if getErr != nil {
		return nil, false, fmt.Errorf("open incident: re-reading after conflict: %w", getErr)
	}
	if existing == nil {
		return nil, false, fmt.Errorf("open incident: conflict reported but no OPEN row found for (%s, %s, %s)",
			incident.TenantID, incident.Kind, incident.ScopeID)
	}
	if _, err := s.db.Exec(`UPDATE incidents SET updated_at = ? WHERE id = ?`, now.Format(timeLayout), existing.ID); err != nil {
		return nil, false, fmt.Errorf("open incident: bumping updated_at: %w", err)
	}
	existing.UpdatedAt = now
	return existing, false, nil
}

func (s *SQLiteDB) GetOpenIncident(tenantID, kind, scopeID string) (*models.Incident, error) {
	q := `SELECT ` + incidentColumns + ` FROM incidents WHERE tenant_id = ? AND kind = ? AND scope_id = ? AND status = ?`
	row := s.db.QueryRow(q, tenantID, kind, scopeID, models.IncidentOpen)
	return scanIncident(row.Scan)
}

func (s *SQLiteDB) ResolveOpenIncident(tenantID, kind, scopeID string, resolvedAt time.Time) (*models.Incident, error) {
	existing, err := s.GetOpenIncident(tenantID, kind, scopeID)
	if err != nil {
		return nil, fmt.Errorf("resolve open incident: %w", err)
	}
	if existing == nil {
		return nil, nil
	}
	const q = `UPDATE incidents SET status = ?, resolved_at = ?, updated_at = ? WHERE id = ?`
	if _, err := s.db.Exec(q, models.IncidentResolved, resolvedAt.Format(timeLayout), resolvedAt.Format(timeLayout), existing.ID); err != nil {
		return nil, fmt.Errorf("resolve open incident: %w", err)
	}
	existing.Status = models.IncidentResolved
	existing.ResolvedAt = &resolvedAt
	existing.UpdatedAt = resolvedAt
	return existing, nil
}

func (s *SQLiteDB) ResolveAllMetricNoData(tenantID, machineID string, resolvedAt time.Time) (int, error) {
	const q = `UPDATE incidents SET status = ?, resolved_at = ?, updated_at = ?
		WHERE tenant_id = ? AND kind = ? AND status = ?
		AND (machine_id = ? OR metric_instance_id IN (SELECT id FROM metric_instances WHERE machine_id = ?))`
	res, err := s.db.Exec(q, models.IncidentResolved, resolvedAt.Format(timeLayout), resolvedAt.Format(timeLayout),
		tenantID, models.IncidentNoDataMetric, models.IncidentOpen, machineID, machineID)
	if err != nil {
		return 0, fmt.Errorf("resolve all metric nodata: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("resolve all metric nodata: rows affected: %w", err)
	}
	return int(n), nil
}

func (s *SQLiteDB) ListOpenBreachesOlderThan(maxAge time.Duration, limit int) ([]*models.Incident, error) {
	cutoff := time.Now().Add(-maxAge)
	q := `SELECT ` + incidentColumns + ` FROM incidents
		WHERE kind = ? AND status = ? AND created_at <= ? ORDER BY created_at ASC LIMIT ?`
	rows, err := s.db.Query(q, models.IncidentBreach, models.IncidentOpen, cutoff.Format(timeLayout), limit)
	if err != nil {
		return nil, fmt.Errorf("list open breaches older than: %w", err)
	}
	defer rows.Close()
	return scanIncidentRows(rows)
}

func (s *SQLiteDB) ListIncidents(tenantID, status string, limit, offset int) ([]*models.Incident, error) {
	var rows *sql.Rows
	var err error
	if status == "" {
		q := `SELECT ` + incidentColumns + ` FROM incidents WHERE tenant_id = ? ORDER BY created_at DESC LIMIT ? OFFSET ?`
		rows, err = s.db.Query(q, tenantID, limit, offset)
	} else {
		q := `SELECT ` + incidentColumns + ` FROM incidents WHERE tenant_id = ? AND status = ? ORDER BY created_at DESC LIMIT ? OFFSET ?`
		rows, err = s.db.Query(q, tenantID, status, limit, offset)
	}
	if err != nil {
		return nil, fmt.Errorf("list incidents: %w", err)
	}
	defer rows.Close()
	return scanIncidentRows(rows)
}

func (s *SQLiteDB) ListOpenIncidentsCreatedWithin(tenantID string, within time.Duration, now time.Time) ([]*models.Incident, error) {
	cutoff := now.Add(-within)
	q := `SELECT ` + incidentColumns + ` FROM incidents
		WHERE tenant_id = ? AND status = ? AND created_at >= ? ORDER BY created_at ASC`
	rows, err := s.db.Query(q, tenantID, models.IncidentOpen, cutoff.Format(timeLayout))
	if err != nil {
		return nil, fmt.Errorf("list open incidents created within: %w", err)
	}
	defer rows.Close()
	return scanIncidentRows(rows)
}

func (s *SQLiteDB) ListOpenIncidentsByKind(kind string) ([]*models.Incident, error) {
	q := `SELECT ` + incidentColumns + ` FROM incidents WHERE kind = ? AND status = ? ORDER BY created_at ASC`
	rows, err := s.db.Query(q, kind, models.IncidentOpen)
	if err != nil {
		return nil, fmt.Errorf("list open incidents by kind: %w", err)
	}
	defer rows.Close()
	return scanIncidentRows(rows)
}

func (s *SQLiteDB) UpdateIncidentDescription(incidentID, description string) error {
	_, err := s.db.Exec(`UPDATE incidents SET description = ? WHERE id = ?`, description, incidentID)
	if err != nil {
		return fmt.Errorf("update incident description: %w", err)
	}
	return nil
}

func scanIncidentRows(rows *sql.Rows) ([]*models.Incident, error) {
	var out []*models.Incident
	for rows.Next() {
		in, err := scanIncident(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Notification ledger (C2)
// ---------------------------------------------------------------------------

func (s *SQLiteDB) RecordNotification(entry *models.NotificationLogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	entry.Message = models.Truncate(entry.Message)
	if entry.Error != nil {
		truncated := models.Truncate(*entry.Error)
		entry.Error = &truncated
	}

	const q = `INSERT INTO notification_log (id, tenant_id, incident_id, alert_id, provider, recipient,
		status, message, error, created_at, sent_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.Exec(q, entry.ID, entry.TenantID, strPtrToNullString(entry.IncidentID),
		strPtrToNullString(entry.AlertID), entry.Provider, entry.Recipient, entry.Status,
		entry.Message, strPtrToNullString(entry.Error), entry.CreatedAt.Format(timeLayout),
		formatNullableTime(entry.SentAt))
	if err != nil {
		return fmt.Errorf("record notification: %w", err)
	}
	return nil
}

func (s *SQLiteDB) LastSuccessAt(tenantID string, incidentID *string) (*time.Time, error) {
	var row *sql.Row
	if incidentID != nil {
		const q = `SELECT MAX(sent_at) FROM notification_log
			WHERE tenant_id = ? AND incident_id = ? AND status = ? AND provider NOT IN ('grace', 'cooldown')`
		row = s.db.QueryRow(q, tenantID, *incidentID, models.NotificationSuccess)
	} else {
		const q = `SELECT MAX(sent_at) FROM notification_log
			WHERE tenant_id = ? AND status = ? AND provider NOT IN ('grace', 'cooldown')`
		row = s.db.QueryRow(q, tenantID, models.NotificationSuccess)
	}

	var sentAt sql.NullString
	if err := row.Scan(&sentAt); err != nil {
		return nil, fmt.Errorf("last success at: %w", err)
	}
	return parseNullableTime(sentAt)
}

func (s *SQLiteDB) ListNotifications(tenantID string, limit, offset int) ([]*models.NotificationLogEntry, error) {
	const q = `SELECT id, tenant_id, incident_id, alert_id, provider, recipient, status, message, error,
		created_at, sent_at FROM notification_log WHERE tenant_id = ? ORDER BY created_at DESC LIMIT ? OFFSET ?`
	rows, err := s.db.Query(q, tenantID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var out []*models.NotificationLogEntry
	for rows.Next() {
		var e models.NotificationLogEntry
		var incidentID, alertID, errMsg, sentAt sql.NullString
		var createdAt string

		if err := rows.Scan(&e.ID, &e.TenantID, &incidentID, &alertID, &e.Provider, &e.Recipient,
			&e.Status, &e.Message, &errMsg, &createdAt, &sentAt); err != nil {
			return nil, fmt.Errorf("list notifications: scan: %w", err)
		}
		e.IncidentID = nullStringToPtr(incidentID)
		e.AlertID = nullStringToPtr(alertID)
		e.Error = nullStringToPtr(errMsg)
		if e.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
			return nil, fmt.Errorf("list notifications: parse created_at: %w", err)
		}
		if e.SentAt, err = parseNullableTime(sentAt); err != nil {
			return nil, fmt.Errorf("list notifications: parse sent_at: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Pending notifications (C6)
// ---------------------------------------------------------------------------

func (s *SQLiteDB) EnqueuePendingNotification(n *models.PendingNotification) error {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	now := time.Now()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	n.UpdatedAt = now
	if n.Status == "" {
		n.Status = models.NotificationQueuePending
	}
	if n.NextAttemptAt.IsZero() {
		n.NextAttemptAt = now
	}

	const q = `INSERT INTO pending_notifications (id, tenant_id, incident_id, alert_id, severity, title, text,
		channel, recipient, resolved, status, attempts, next_attempt_at, delivering_since, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.Exec(q, n.ID, n.Request.TenantID, strPtrToNullString(n.Request.IncidentID),
		strPtrToNullString(n.Request.AlertID), n.Request.Severity, n.Request.Title, n.Request.Text,
		strPtrToNullString(n.Request.Channel), strPtrToNullString(n.Request.Recipient), n.Request.Resolved,
		n.Status, n.Attempts, n.NextAttemptAt.Format(timeLayout), sql.NullString{},
		n.CreatedAt.Format(timeLayout), n.UpdatedAt.Format(timeLayout))
	if err != nil {
		return fmt.Errorf("enqueue pending notification: %w", err)
	}
	return nil
}

const pendingNotificationColumns = `id, tenant_id, incident_id, alert_id, severity, title, text, channel,
	recipient, resolved, status, attempts, next_attempt_at, delivering_since, created_at, updated_at`

func scanPendingNotification(scan func(...any) error) (*models.PendingNotification, error) {
	var n models.PendingNotification
	var incidentID, alertID, channel, recipient, deliveringSince sql.NullString
	var resolved int
	var nextAttemptAt, createdAt, updatedAt string

	err := scan(&n.ID, &n.Request.TenantID, &incidentID, &alertID, &n.Request.Severity, &n.Request.Title,
		&n.Request.Text, &channel, &recipient, &resolved, &n.Status, &n.Attempts, &nextAttemptAt,
		&deliveringSince, &createdAt, &updatedAt)
	if err != nil {
		return nil, fmt.Errorf("scan pending notification: %w", err)
	}

	n.Request.IncidentID = nullStringToPtr(incidentID)
	n.Request.AlertID = nullStringToPtr(alertID)
	n.Request.Channel = nullStringToPtr(channel)
	n.Request.Recipient = nullStringToPtr(recipient)
	n.Request.Resolved = resolved != 0
	if n.NextAttemptAt, err = time.Parse(timeLayout, nextAttemptAt); err != nil {
		return nil, fmt.Errorf("scan pending notification: parse next_attempt_at: %w", err)
	}
	if n.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("scan pending notification: parse created_at: %w", err)
	}
	if n.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return nil, fmt.Errorf("scan pending notification: parse updated_at: %w", err)
	}
	// delivering_since is claim bookkeeping only, not exposed on the model.
	_ = deliveringSince
	return &n, nil
}

// ClaimPendingNotifications selects PENDING rows that are due, plus
// DELIVERING rows whose lease has expired, transitions them to DELIVERING
// and bumps attempts, mirroring ClaimDueOutboxEvents' two-phase claim.
func (s *SQLiteDB) ClaimPendingNotifications(now time.Time, leaseTimeout time.Duration, limit int) ([]*models.PendingNotification, error) {
	staleBefore := now.Add(-leaseTimeout)
	q := `SELECT ` + pendingNotificationColumns + ` FROM pending_notifications
		WHERE (status = ? AND next_attempt_at <= ?)
		   OR (status = ? AND delivering_since IS NOT NULL AND delivering_since <= ?)
		ORDER BY next_attempt_at ASC LIMIT ?`

	rows, err := s.db.Query(q, models.NotificationQueuePending, now.Format(timeLayout),
		models.NotificationQueueDelivering, staleBefore.Format(timeLayout), limit)
	if err != nil {
		return nil, fmt.Errorf("claim pending notifications: query: %w", err)
	}

	var candidates []*models.PendingNotification
	for rows.Next() {
		n, err := scanPendingNotification(rows.Scan)
		if err != nil {
			rows.Close()
			return nil, err
		}
		candidates = append(candidates, n)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	const claimSQL = `UPDATE pending_notifications SET status = ?, attempts = attempts + 1,
		delivering_since = ?, updated_at = ? WHERE id = ?`
	for _, n := range candidates {
		if _, err := s.db.Exec(claimSQL, models.NotificationQueueDelivering, now.Format(timeLayout), now.Format(timeLayout), n.ID); err != nil {
			return nil, fmt.Errorf("claim pending notifications: claiming %s: %w", n.ID, err)
		}
		n.Status = models.NotificationQueueDelivering
		n.Attempts++
		n.UpdatedAt = now
	}
	return candidates, nil
}

func (s *SQLiteDB) MarkNotificationQueueDelivered(id string, now time.Time) error {
	const q = `UPDATE pending_notifications SET status = ?, delivering_since = NULL, updated_at = ? WHERE id = ?`
	_, err := s.db.Exec(q, models.NotificationQueueDelivered, now.Format(timeLayout), id)
	if err != nil {
		return fmt.Errorf("mark notification queue delivered: %w", err)
	}
	return nil
}

func (s *SQLiteDB) MarkNotificationQueueFailed(id string, now time.Time) error {
	const q = `UPDATE pending_notifications SET status = ?, delivering_since = NULL, updated_at = ? WHERE id = ?`
	_, err := s.db.Exec(q, models.NotificationQueueFailed, now.Format(timeLayout), id)
	if err != nil {
		return fmt.Errorf("mark notification queue failed: %w", err)
	}
	return nil
}

func (s *SQLiteDB) ScheduleNotificationRetry(id string, nextAttemptAt time.Time, now time.Time) error {
	const q = `UPDATE pending_notifications SET status = ?, next_attempt_at = ?, delivering_since = NULL,
		updated_at = ? WHERE id = ?`
	_, err := s.db.Exec(q, models.NotificationQueuePending, nextAttemptAt.Format(timeLayout), now.Format(timeLayout), id)
	if err != nil {
		return fmt.Errorf("schedule notification retry: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Outbox (C7)
// ---------------------------------------------------------------------------

func (s *SQLiteDB) SaveOutboxEvent(ev *models.OutboxEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	now := time.Now()
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = now
	}
	ev.UpdatedAt = now
	if ev.Status == "" {
		ev.Status = models.OutboxPending
	}
	if ev.NextAttemptAt.IsZero() {
		ev.NextAttemptAt = now
	}

	const q = `INSERT INTO outbox_events (id, tenant_id, kind, payload, status, attempts, next_attempt_at,
		delivering_since, delivery_receipt, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.Exec(q, ev.ID, ev.TenantID, ev.Kind, ev.Payload, ev.Status, ev.Attempts,
		ev.NextAttemptAt.Format(timeLayout), formatNullableTime(ev.DeliveringSince),
		strPtrToNullString(ev.DeliveryReceipt), strPtrToNullString(ev.LastError),
		ev.CreatedAt.Format(timeLayout), ev.UpdatedAt.Format(timeLayout))
	if err != nil {
		return fmt.Errorf("save outbox event: %w", err)
	}
	return nil
}

const outboxColumns = `id, tenant_id, kind, payload, status, attempts, next_attempt_at, delivering_since,
	delivery_receipt, last_error, created_at, updated_at`

func scanOutboxEvent(scan func(...any) error) (*models.OutboxEvent, error) {
	var ev models.OutboxEvent
	var nextAttemptAt, createdAt, updatedAt string
	var deliveringSince, receipt, lastErr sql.NullString

	err := scan(&ev.ID, &ev.TenantID, &ev.Kind, &ev.Payload, &ev.Status, &ev.Attempts,
		&nextAttemptAt, &deliveringSince, &receipt, &lastErr, &createdAt, &updatedAt)
	if err != nil {
		return nil, fmt.Errorf("scan outbox event: %w", err)
	}

	ev.DeliveryReceipt = nullStringToPtr(receipt)
	ev.LastError = nullStringToPtr(lastErr)
	if ev.NextAttemptAt, err = time.Parse(timeLayout, nextAttemptAt); err != nil {
		return nil, fmt.Errorf("scan outbox event: parse next_attempt_at: %w", err)
	}
	if ev.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("scan outbox event: parse created_at: %w", err)
	}
	if ev.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return nil, fmt.Errorf("scan outbox event: parse updated_at: %w", err)
	}
	if ev.DeliveringSince, err = parseNullableTime(deliveringSince); err != nil {
		return nil, fmt.Errorf("scan outbox event: parse delivering_since: %w", err)
	}
	return &ev, nil
}

// ClaimDueOutboxEvents selects PENDING events that are due, plus DELIVERING
// events whose lease has expired, then transitions each to DELIVERING and
// bumps its attempt counter. Primitives are extracted into the returned
// slice and the result set is closed before the claim UPDATEs run; no
// transaction wraps the select and the updates.
func (s *SQLiteDB) ClaimDueOutboxEvents(now time.Time, leaseTimeout time.Duration, limit int) ([]*models.OutboxEvent, error) {
	staleBefore := now.Add(-leaseTimeout)
	q := `SELECT ` + outboxColumns + ` FROM outbox_events
		WHERE (status = ? AND next_attempt_at <= ?)
		   OR (status = ? AND delivering_since IS NOT NULL AND delivering_since <= ?)
		ORDER BY next_attempt_at ASC LIMIT ?`

	rows, err := s.db.Query(q, models.OutboxPending, now.Format(timeLayout),
		models.OutboxDelivering, staleBefore.Format(timeLayout), limit)
	if err != nil {
		return nil, fmt.Errorf("claim due outbox events: query: %w", err)
	}

	var candidates []*models.OutboxEvent
	for rows.Next() {
		ev, err := scanOutboxEvent(rows.Scan)
		if err != nil {
			rows.Close()
			return nil, err
		}
		candidates = append(candidates, ev)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	const claimSQL = `UPDATE outbox_events SET status = ?, attempts = attempts + 1, delivering_since = ?, updated_at = ? WHERE id = ?`
	for _, ev := range candidates {
		if _, err := s.db.Exec(claimSQL, models.OutboxDelivering, now.Format(timeLayout), now.Format(timeLayout), ev.ID); err != nil {
			return nil, fmt.Errorf("claim due outbox events: claiming %s: %w", ev.ID, err)
		}
		ev.Status = models.OutboxDelivering
		ev.Attempts++
		claimedAt := now
		ev.DeliveringSince = &claimedAt
		ev.UpdatedAt = now
	}
	return candidates, nil
}

func (s *SQLiteDB) MarkOutboxDelivered(id, receipt string, now time.Time) error {
	const q = `UPDATE outbox_events SET status = ?, delivery_receipt = ?, delivering_since = NULL, updated_at = ? WHERE id = ?`
	_, err := s.db.Exec(q, models.OutboxDelivered, receipt, now.Format(timeLayout), id)
	if err != nil {
		return fmt.Errorf("mark outbox delivered: %w", err)
	}
	return nil
}

func (s *SQLiteDB) ScheduleOutboxRetry(id string, nextAttemptAt time.Time, lastError string, now time.Time) error {
	const q = `UPDATE outbox_events SET status = ?, next_attempt_at = ?, last_error = ?, delivering_since = NULL,
		updated_at = ? WHERE id = ?`
	_, err := s.db.Exec(q, models.OutboxPending, nextAttemptAt.Format(timeLayout), lastError, now.Format(timeLayout), id)
	if err != nil {
		return fmt.Errorf("schedule outbox retry: %w", err)
	}
	return nil
}

func (s *SQLiteDB) MarkOutboxFailed(id, lastError string, now time.Time) error {
	const q = `UPDATE outbox_events SET status = ?, last_error = ?, delivering_since = NULL, updated_at = ? WHERE id = ?`
	_, err := s.db.Exec(q, models.OutboxFailed, lastError, now.Format(timeLayout), id)
	if err != nil {
		return fmt.Errorf("mark outbox failed: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Idempotency
// ---------------------------------------------------------------------------

func (s *SQLiteDB) InsertIdempotencyRecord(rec *models.IdempotencyRecord) (bool, error) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	const q = `INSERT INTO idempotency_records (ingest_id, tenant_id, created_at) VALUES (?, ?, ?)`
	_, err := s.db.Exec(q, rec.IngestID, rec.TenantID, rec.CreatedAt.Format(timeLayout))
	if err == nil {
		return true, nil
	}
	if isUniqueConstraintErr(err) {
		return false, nil
	}
	return false, fmt.Errorf("insert idempotency record: %w", err)
}

// ---------------------------------------------------------------------------
// Credentials
// ---------------------------------------------------------------------------

func (s *SQLiteDB) GetCredentialByToken(token string) (*models.Credential, error) {
	const q = `SELECT token, tenant_id, machine_hostname, created_at FROM credentials WHERE token = ?`
	var c models.Credential
	var hostname sql.NullString
	var createdAt string
	err := s.db.QueryRow(q, token).Scan(&c.Token, &c.TenantID, &hostname, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get credential: %w", err)
	}
	if hostname.Valid {
		c.MachineHostname = &hostname.String
	}
	if c.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("get credential: parse created_at: %w", err)
	}
	return &c, nil
}

func (s *SQLiteDB) UpsertCredential(c *models.Credential) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	const q = `INSERT INTO credentials (token, tenant_id, machine_hostname, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(token) DO UPDATE SET tenant_id = excluded.tenant_id, machine_hostname = excluded.machine_hostname`
	if _, err := s.db.Exec(q, c.Token, c.TenantID, c.MachineHostname, c.CreatedAt.Format(timeLayout)); err != nil {
		return fmt.Errorf("upsert credential: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Maintenance
// ---------------------------------------------------------------------------

func (s *SQLiteDB) RunIncrementalVacuum() error {
	if _, err := s.db.Exec("PRAGMA incremental_vacuum"); err != nil {
		return fmt.Errorf("incremental vacuum: %w", err)
	}
	return nil
}

func (s *SQLiteDB) GetDatabaseSizeBytes() (int64, error) {
	var pageCount int64
	if err := s.db.QueryRow("PRAGMA page_count").Scan(&pageCount); err != nil {
		return 0, fmt.Errorf("page_count: %w", err)
	}
	var pageSize int64
	if err := s.db.QueryRow("PRAGMA page_size").Scan(&pageSize); err != nil {
		return 0, fmt.Errorf("page_size: %w", err)
	}
	return pageCount * pageSize, nil
}

// ---------------------------------------------------------------------------
// Shared scalar <-> nullable-column helpers
// ---------------------------------------------------------------------------

func formatNullableTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.Format(timeLayout), Valid: true}
}

func parseNullableTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := time.Parse(timeLayout, ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullIntToIntPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

func intPtrToNullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func nullFloatToPtr(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}

func nullIntToBoolPtr(n sql.NullInt64) *bool {
	if !n.Valid {
		return nil
	}
	v := n.Int64 != 0
	return &v
}

func boolPtrToNullInt(p *bool) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(boolToInt(*p)), Valid: true}
}

func nullStringToPtr(n sql.NullString) *string {
	if !n.Valid {
		return nil
	}
	v := n.String
	return &v
}

func strPtrToNullString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

// sampleValueToColumns decomposes a tagged SampleValue into the three
// nullable columns used to persist it.
func sampleValueToColumns(v models.SampleValue) (valueType string, num sql.NullFloat64, boolean sql.NullInt64, str sql.NullString) {
	if v.Type == "" {
		return "", sql.NullFloat64{}, sql.NullInt64{}, sql.NullString{}
	}
	switch v.Type {
	case models.MetricTypeNumeric:
		num = sql.NullFloat64{Float64: v.Num, Valid: true}
	case models.MetricTypeBoolean:
		boolean = sql.NullInt64{Int64: int64(boolToInt(v.Bool)), Valid: true}
	case models.MetricTypeString:
		str = sql.NullString{String: v.Str, Valid: true}
	}
	return v.Type, num, boolean, str
}

func scanSampleValue(valueType string, num sql.NullFloat64, boolean sql.NullInt64, str sql.NullString) models.SampleValue {
	switch valueType {
	case models.MetricTypeNumeric:
		return models.NumericValue(num.Float64)
	case models.MetricTypeBoolean:
		return models.BooleanValue(boolean.Int64 != 0)
	case models.MetricTypeString:
		return models.StringValue(str.String)
	default:
		return models.SampleValue{}
	}
}
