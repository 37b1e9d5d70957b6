// Package config handles loading, validating, and applying defaults to the
// monitoring engine's configuration. Configuration is read from a YAML
// file and may be overridden by environment variables (spec.md §6).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so Go-style duration strings ("30s", "5m")
// can be used directly in YAML.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a YAML scalar as a Go duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML serialises the duration back to a human-readable string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config is the top-level configuration for the monitoring engine.
type Config struct {
	App            AppConfig            `yaml:"app"`
	HTTP           HTTPConfig           `yaml:"http" validate:"required"`
	Storage        StorageConfig        `yaml:"storage" validate:"required"`
	Metrics        MetricsConfig        `yaml:"metrics"`
	Health         HealthConfig         `yaml:"health"`
	Ingest         IngestConfig         `yaml:"ingest"`
	Evaluator      EvaluatorConfig      `yaml:"evaluator"`
	Freshness      FreshnessConfig      `yaml:"freshness"`
	Probe          ProbeConfig          `yaml:"probe"`
	Notification   NotificationConfig   `yaml:"notification"`
	Outbox         OutboxConfig         `yaml:"outbox"`
	SMTP           SMTPConfig           `yaml:"smtp"`
	TenantDefaults TenantDefaultsConfig `yaml:"tenantDefaults"`
	Redis          RedisConfig          `yaml:"redis"`

	// AuthToken is populated from the INGEST_AUTH_TOKEN environment
	// variable. It is never read from the config file.
	AuthToken string `yaml:"-"`
}

// AppConfig holds general application settings.
type AppConfig struct {
	Name      string `yaml:"name"`
	Version   string `yaml:"version"`
	LogLevel  string `yaml:"logLevel" validate:"omitempty,oneof=debug info warn error"`
	LogFormat string `yaml:"logFormat" validate:"omitempty,oneof=json text"`
}

// HTTPConfig controls the ingest/read HTTP API surface (chi router).
type HTTPConfig struct {
	Port            int      `yaml:"port"`
	ReadTimeout     Duration `yaml:"readTimeout"`
	WriteTimeout    Duration `yaml:"writeTimeout"`
	ShutdownTimeout Duration `yaml:"shutdownTimeout"`
	CORSOrigins     []string `yaml:"corsOrigins"`
}

// StorageConfig controls the SQLite database and volume monitoring.
type StorageConfig struct {
	DBPath            string   `yaml:"dbPath" validate:"required"`
	VolumePath        string   `yaml:"volumePath"`
	MonitorInterval   Duration `yaml:"monitorInterval"`
	WarningThreshold  int      `yaml:"warningThreshold"`
	CriticalThreshold int      `yaml:"criticalThreshold"`
}

// MetricsConfig controls the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// HealthConfig controls the health/readiness probe endpoints.
type HealthConfig struct {
	LivenessPath  string `yaml:"livenessPath"`
	ReadinessPath string `yaml:"readinessPath"`
	Port          int    `yaml:"port"`
}

// IngestConfig controls the metric ingest boundary (spec.md §6).
type IngestConfig struct {
	FutureMaxSeconds int `yaml:"futureMaxSeconds"`
	LateMaxSeconds   int `yaml:"lateMaxSeconds"`
}

// EvaluatorConfig holds the threshold evaluator's settings (C3). The
// evaluator runs synchronously inside each ingest request and does not
// read Concurrency; only StartupGraceSeconds is used.
type EvaluatorConfig struct {
	Concurrency         int `yaml:"concurrency"`
	StartupGraceSeconds int `yaml:"startupGraceSeconds"`
}

// FreshnessConfig controls the periodic freshness scanner (C4).
type FreshnessConfig struct {
	Interval            Duration `yaml:"interval"`
	StartupGraceSeconds int      `yaml:"startupGraceSeconds"`
}

// ProbeConfig controls the HTTP probe runner (C5).
type ProbeConfig struct {
	ScanInterval        Duration `yaml:"scanInterval"`
	Concurrency         int      `yaml:"concurrency"`
	DefaultTimeout      Duration `yaml:"defaultTimeout"`
	StartupGraceSeconds int      `yaml:"startupGraceSeconds"`
}

// NotificationConfig controls the notification dispatcher (C6).
type NotificationConfig struct {
	PollInterval   Duration    `yaml:"pollInterval"`
	BatchSize      int         `yaml:"batchSize"`
	Concurrency    int         `yaml:"concurrency"`
	Retry          RetryConfig `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuitBreaker"`
}

// RetryConfig controls exponential-backoff retry behaviour.
type RetryConfig struct {
	MaxAttempts       int      `yaml:"maxAttempts"`
	InitialBackoff    Duration `yaml:"initialBackoff"`
	MaxBackoff        Duration `yaml:"maxBackoff"`
	BackoffMultiplier float64  `yaml:"backoffMultiplier"`
	Jitter            float64  `yaml:"jitter"`
}

// CircuitBreakerConfig controls the gobreaker wrapping the dispatcher's
// external send step.
type CircuitBreakerConfig struct {
	Enabled              bool     `yaml:"enabled"`
	MaxRequestsHalfOpen  uint32   `yaml:"maxRequestsHalfOpen"`
	OpenTimeout          Duration `yaml:"openTimeout"`
	FailureRatioToTrip   float64  `yaml:"failureRatioToTrip"`
	MinRequestsToEvaluate uint32  `yaml:"minRequestsToEvaluate"`
}

// OutboxConfig controls the outbox delivery rail (C7).
type OutboxConfig struct {
	PollInterval    Duration `yaml:"pollInterval"`
	BatchSize       int      `yaml:"batchSize"`
	Backoffs        []int    `yaml:"backoffs"`
	JitterPct       float64  `yaml:"jitterPct"`
	DeliveryTimeout Duration `yaml:"deliveryTimeout"`
}

// SMTPConfig controls the dispatcher's email provider. Password is read
// only from the SMTP_PASSWORD environment variable, never from the file.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"-"`
	UseTLS   bool   `yaml:"useTLS"`
	From     string `yaml:"from"`
}

// TenantDefaultsConfig supplies the global-config tier of each
// TenantSettings getter's fallback chain (tenant -> this -> hard default).
type TenantDefaultsConfig struct {
	ReminderSeconds           int  `yaml:"reminderSeconds"`
	GracePeriodSeconds        int  `yaml:"gracePeriodSeconds"`
	GroupingEnabled           bool `yaml:"groupingEnabled"`
	GroupingWindowSeconds     int  `yaml:"groupingWindowSeconds"`
	NotifyOnResolve           bool `yaml:"notifyOnResolve"`
	HeartbeatThresholdSeconds int  `yaml:"heartbeatThresholdSeconds"`
}

// RedisConfig controls the pass-seed cache for tenant settings used by the
// freshness scanner and probe runner (see SPEC_FULL.md §3).
type RedisConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Addr     string   `yaml:"addr"`
	Password string   `yaml:"-"`
	DB       int      `yaml:"db"`
	TTL      Duration `yaml:"ttl"`
}

// Load reads the YAML configuration file at path, applies defaults,
// applies environment-variable overrides, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()
	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.App.LogLevel == "" {
		c.App.LogLevel = "info"
	}
	if c.App.LogFormat == "" {
		c.App.LogFormat = "json"
	}

	if c.HTTP.Port == 0 {
		c.HTTP.Port = 8000
	}
	if c.HTTP.ReadTimeout.Duration == 0 {
		c.HTTP.ReadTimeout.Duration = 10 * time.Second
	}
	if c.HTTP.WriteTimeout.Duration == 0 {
		c.HTTP.WriteTimeout.Duration = 10 * time.Second
	}
	if c.HTTP.ShutdownTimeout.Duration == 0 {
		c.HTTP.ShutdownTimeout.Duration = 30 * time.Second
	}

	if c.Storage.DBPath == "" {
		c.Storage.DBPath = "/data/monitoring.db"
	}
	if c.Storage.VolumePath == "" {
		c.Storage.VolumePath = "/data"
	}
	if c.Storage.MonitorInterval.Duration == 0 {
		c.Storage.MonitorInterval.Duration = 1 * time.Minute
	}
	if c.Storage.WarningThreshold == 0 {
		c.Storage.WarningThreshold = 80
	}
	if c.Storage.CriticalThreshold == 0 {
		c.Storage.CriticalThreshold = 90
	}

	if c.Metrics.Port == 0 {
		c.Metrics.Enabled = true
		c.Metrics.Port = 9090
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	if c.Health.LivenessPath == "" {
		c.Health.LivenessPath = "/healthz"
	}
	if c.Health.ReadinessPath == "" {
		c.Health.ReadinessPath = "/ready"
	}
	if c.Health.Port == 0 {
		c.Health.Port = 9090
	}

	if c.Ingest.FutureMaxSeconds == 0 {
		c.Ingest.FutureMaxSeconds = 120
	}
	if c.Ingest.LateMaxSeconds == 0 {
		c.Ingest.LateMaxSeconds = 300
	}

	if c.Evaluator.Concurrency == 0 {
		c.Evaluator.Concurrency = 5
	}
	if c.Evaluator.StartupGraceSeconds == 0 {
		c.Evaluator.StartupGraceSeconds = 300
	}

	if c.Freshness.Interval.Duration == 0 {
		c.Freshness.Interval.Duration = 30 * time.Second
	}
	if c.Freshness.StartupGraceSeconds == 0 {
		c.Freshness.StartupGraceSeconds = 300
	}

	if c.Probe.ScanInterval.Duration == 0 {
		c.Probe.ScanInterval.Duration = 30 * time.Second
	}
	if c.Probe.Concurrency == 0 {
		c.Probe.Concurrency = 5
	}
	if c.Probe.DefaultTimeout.Duration == 0 {
		c.Probe.DefaultTimeout.Duration = 30 * time.Second
	}
	if c.Probe.StartupGraceSeconds == 0 {
		c.Probe.StartupGraceSeconds = 300
	}

	if c.Notification.PollInterval.Duration == 0 {
		c.Notification.PollInterval.Duration = 5 * time.Second
	}
	if c.Notification.BatchSize == 0 {
		c.Notification.BatchSize = 20
	}
	if c.Notification.Concurrency == 0 {
		c.Notification.Concurrency = 5
	}
	if c.Notification.Retry.MaxAttempts == 0 {
		c.Notification.Retry.MaxAttempts = 10
	}
	if c.Notification.Retry.InitialBackoff.Duration == 0 {
		c.Notification.Retry.InitialBackoff.Duration = 1 * time.Second
	}
	if c.Notification.Retry.MaxBackoff.Duration == 0 {
		c.Notification.Retry.MaxBackoff.Duration = 5 * time.Minute
	}
	if c.Notification.Retry.BackoffMultiplier == 0 {
		c.Notification.Retry.BackoffMultiplier = 2.0
	}
	if c.Notification.Retry.Jitter == 0 {
		c.Notification.Retry.Jitter = 0.1
	}
	if c.Notification.CircuitBreaker.MaxRequestsHalfOpen == 0 {
		c.Notification.CircuitBreaker.MaxRequestsHalfOpen = 1
	}
	if c.Notification.CircuitBreaker.OpenTimeout.Duration == 0 {
		c.Notification.CircuitBreaker.OpenTimeout.Duration = 30 * time.Second
	}
	if c.Notification.CircuitBreaker.FailureRatioToTrip == 0 {
		c.Notification.CircuitBreaker.FailureRatioToTrip = 0.6
	}
	if c.Notification.CircuitBreaker.MinRequestsToEvaluate == 0 {
		c.Notification.CircuitBreaker.MinRequestsToEvaluate = 5
	}

	if c.Outbox.PollInterval.Duration == 0 {
		c.Outbox.PollInterval.Duration = 10 * time.Second
	}
	if c.Outbox.BatchSize == 0 {
		c.Outbox.BatchSize = 100
	}
	if len(c.Outbox.Backoffs) == 0 {
		c.Outbox.Backoffs = []int{30, 60, 120, 300, 600}
	}
	if c.Outbox.JitterPct == 0 {
		c.Outbox.JitterPct = 0.2
	}
	if c.Outbox.DeliveryTimeout.Duration == 0 {
		c.Outbox.DeliveryTimeout.Duration = 5 * time.Minute
	}

	if c.SMTP.Port == 0 {
		c.SMTP.Port = 587
	}

	if c.TenantDefaults.ReminderSeconds == 0 {
		c.TenantDefaults.ReminderSeconds = 30 * 60
	}
	if c.TenantDefaults.GracePeriodSeconds == 0 {
		c.TenantDefaults.GracePeriodSeconds = 120
	}
	if c.TenantDefaults.GroupingWindowSeconds == 0 {
		c.TenantDefaults.GroupingWindowSeconds = 300
	}
	if c.TenantDefaults.HeartbeatThresholdSeconds == 0 {
		c.TenantDefaults.HeartbeatThresholdSeconds = 300
	}

	if c.Redis.TTL.Duration == 0 {
		c.Redis.TTL.Duration = 30 * time.Second
	}
}

// applyEnvOverrides applies environment variable overrides, matching
// spec.md §6's named toggles plus secret material that never belongs in
// the YAML file.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("DB_PATH"); v != "" {
		c.Storage.DBPath = v
	}
	if v := os.Getenv("INGEST_AUTH_TOKEN"); v != "" {
		c.AuthToken = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("SMTP_PASSWORD"); v != "" {
		c.SMTP.Password = v
	}
	if v := os.Getenv("MONITORING_STARTUP_GRACE_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Freshness.StartupGraceSeconds = n
			c.Probe.StartupGraceSeconds = n
			c.Evaluator.StartupGraceSeconds = n
		}
	}
	if v := os.Getenv("INGEST_FUTURE_MAX_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Ingest.FutureMaxSeconds = n
		}
	}
	if v := os.Getenv("INGEST_LATE_MAX_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Ingest.LateMaxSeconds = n
		}
	}
	if v := os.Getenv("OUTBOX_BACKOFFS"); v != "" {
		if parsed, ok := parseCSVInts(v); ok {
			c.Outbox.Backoffs = parsed
		}
	}
	if v := os.Getenv("OUTBOX_JITTER_PCT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Outbox.JitterPct = f
		}
	}
	if v := os.Getenv("ALERT_REMINDER_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.TenantDefaults.ReminderSeconds = n * 60
		}
	}
	if v := os.Getenv("METRIC_STALENESS_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.TenantDefaults.HeartbeatThresholdSeconds = n
		}
	}
	if v := os.Getenv("GRACE_PERIOD_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.TenantDefaults.GracePeriodSeconds = n
		}
	}
}

// parseCSVInts parses "30,60,120" into []int{30,60,120}. Matches
// outbox.py's tolerant CSV-or-structured-list behaviour for the
// OUTBOX_BACKOFFS override.
func parseCSVInts(s string) ([]int, bool) {
	parts := strings.Split(s, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, false
		}
		out = append(out, n)
	}
	if len(out) == 0 {
		return nil, false
	}
	return out, true
}

var validate = validator.New()

// validate checks that all required fields are populated and struct tags
// are satisfied, then rejects an HTTP port equal to the metrics port.
func (c *Config) validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.HTTP.Port == c.Metrics.Port {
		return fmt.Errorf("http.port and metrics.port must differ")
	}
	return nil
}
