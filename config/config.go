package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/mailcrm/flagsync/helpers"
)

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Output string `toml:"output"` // "stdout", "stderr", "syslog", or a file path
	Format string `toml:"format"` // "console" or "json"
	Level  string `toml:"level"`  // "debug", "info", "warn", "error"
}

// DatabaseConfig holds the PostgreSQL connection configuration.
type DatabaseConfig struct {
	Host            string `toml:"host"`
	Port            string `toml:"port"`
	User            string `toml:"user"`
	Password        string `toml:"password"`
	Name            string `toml:"name"`
	TLSMode         bool   `toml:"tls"`
	Debug           bool   `toml:"debug"`              // Enable SQL query logging
	MaxConns        int    `toml:"max_conns"`          // Maximum number of connections in the pool
	MinConns        int    `toml:"min_conns"`          // Minimum number of connections in the pool
	MaxConnLifetime string `toml:"max_conn_lifetime"`  // Maximum lifetime of a connection
	MaxConnIdleTime string `toml:"max_conn_idle_time"` // Maximum idle time before a connection is closed
	QueryTimeout    string `toml:"query_timeout"`      // Per-query timeout (default: "30s")
}

func (d *DatabaseConfig) GetMaxConnLifetime() (time.Duration, error) {
	if d.MaxConnLifetime == "" {
		return time.Hour, nil
	}
	return helpers.ParseDuration(d.MaxConnLifetime)
}

func (d *DatabaseConfig) GetMaxConnIdleTime() (time.Duration, error) {
	if d.MaxConnIdleTime == "" {
		return 30 * time.Minute, nil
	}
	return helpers.ParseDuration(d.MaxConnIdleTime)
}

func (d *DatabaseConfig) GetQueryTimeout() (time.Duration, error) {
	if d.QueryTimeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(d.QueryTimeout)
}

// ProviderTuningConfig overrides the per-provider fetch behavior. Restrictive
// servers (observed with Yandex) reject or time out bulk UID searches, so the
// session adapter splits work into small batches with short timeouts and a
// pause between batches.
type ProviderTuningConfig struct {
	BatchSize       int    `toml:"batch_size"`       // UIDs per search batch
	BatchTimeout    string `toml:"batch_timeout"`    // Timeout for one batch search
	FallbackTimeout string `toml:"fallback_timeout"` // Timeout for a single-UID fallback search
	BatchDelay      string `toml:"batch_delay"`      // Pause between batches
}

func (p *ProviderTuningConfig) GetBatchTimeout() (time.Duration, error) {
	if p.BatchTimeout == "" {
		return 15 * time.Second, nil
	}
	return helpers.ParseDuration(p.BatchTimeout)
}

func (p *ProviderTuningConfig) GetFallbackTimeout() (time.Duration, error) {
	if p.FallbackTimeout == "" {
		return 5 * time.Second, nil
	}
	return helpers.ParseDuration(p.FallbackTimeout)
}

func (p *ProviderTuningConfig) GetBatchDelay() (time.Duration, error) {
	if p.BatchDelay == "" {
		return 0, nil
	}
	return helpers.ParseDuration(p.BatchDelay)
}

// SyncConfig holds the IMAP session admission settings shared by the queue
// worker and the event bridge.
type SyncConfig struct {
	MaxSessions            int    `toml:"max_sessions"`             // Global ceiling on simultaneous IMAP sessions (default: 3)
	ConnectTimeout         string `toml:"connect_timeout"`          // Dial+login timeout (default: "30s")
	ConnectionLimitBackoff string `toml:"connection_limit_backoff"` // Backoff after a provider "too many connections" rejection (default: "60s")
	DistributedLock        bool   `toml:"distributed_lock"`         // Coordinate per-account leases through the database advisory lock
}

func (s *SyncConfig) GetMaxSessions() int {
	if s.MaxSessions <= 0 {
		return 3
	}
	return s.MaxSessions
}

func (s *SyncConfig) GetConnectTimeout() (time.Duration, error) {
	if s.ConnectTimeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(s.ConnectTimeout)
}

func (s *SyncConfig) GetConnectionLimitBackoff() (time.Duration, error) {
	if s.ConnectionLimitBackoff == "" {
		return 60 * time.Second, nil
	}
	return helpers.ParseDuration(s.ConnectionLimitBackoff)
}

// QueueConfig holds the reconciliation job queue worker configuration.
type QueueConfig struct {
	Interval         string `toml:"interval"`          // How often the worker polls for leasable jobs (default: "15s")
	BatchSize        int    `toml:"batch_size"`        // Jobs leased per poll (default: 10)
	Concurrency      int    `toml:"concurrency"`       // Simultaneous in-flight jobs (default: 2)
	MaxAttempts      int    `toml:"max_attempts"`      // Attempts before dead-lettering (default: 3)
	JobTimeout       string `toml:"job_timeout"`       // Wall-clock budget per job (default: "2m")
	RetryBase        string `toml:"retry_base"`        // Initial retry delay (default: "5s")
	RetryCap         string `toml:"retry_cap"`         // Maximum retry delay (default: "1m")
	LeaseDuration    string `toml:"lease_duration"`    // How long a leased job is invisible to other workers (default: "5m")
	FailureThreshold int    `toml:"failure_threshold"` // Consecutive failures before an account cooldown (default: 3)
	CooldownMax      string `toml:"cooldown_max"`      // Longest account cooldown (default: "10m")
}

func (q *QueueConfig) GetInterval() (time.Duration, error) {
	if q.Interval == "" {
		return 15 * time.Second, nil
	}
	return helpers.ParseDuration(q.Interval)
}

func (q *QueueConfig) GetBatchSize() int {
	if q.BatchSize <= 0 {
		return 10
	}
	return q.BatchSize
}

func (q *QueueConfig) GetConcurrency() int {
	if q.Concurrency <= 0 {
		return 2
	}
	return q.Concurrency
}

func (q *QueueConfig) GetMaxAttempts() int {
	if q.MaxAttempts <= 0 {
		return 3
	}
	return q.MaxAttempts
}

func (q *QueueConfig) GetJobTimeout() (time.Duration, error) {
	if q.JobTimeout == "" {
		return 2 * time.Minute, nil
	}
	return helpers.ParseDuration(q.JobTimeout)
}

func (q *QueueConfig) GetRetryBase() (time.Duration, error) {
	if q.RetryBase == "" {
		return 5 * time.Second, nil
	}
	return helpers.ParseDuration(q.RetryBase)
}

func (q *QueueConfig) GetRetryCap() (time.Duration, error) {
	if q.RetryCap == "" {
		return time.Minute, nil
	}
	return helpers.ParseDuration(q.RetryCap)
}

func (q *QueueConfig) GetLeaseDuration() (time.Duration, error) {
	if q.LeaseDuration == "" {
		return 5 * time.Minute, nil
	}
	return helpers.ParseDuration(q.LeaseDuration)
}

func (q *QueueConfig) GetFailureThreshold() int {
	if q.FailureThreshold <= 0 {
		return 3
	}
	return q.FailureThreshold
}

func (q *QueueConfig) GetCooldownMax() (time.Duration, error) {
	if q.CooldownMax == "" {
		return 10 * time.Minute, nil
	}
	return helpers.ParseDuration(q.CooldownMax)
}

// SchedulerConfig holds the periodic full-reconciliation scheduler settings.
type SchedulerConfig struct {
	Enabled  bool   `toml:"enabled"`
	Interval string `toml:"interval"` // How often every eligible account gets a job (default: "10m")
}

func (s *SchedulerConfig) GetInterval() (time.Duration, error) {
	if s.Interval == "" {
		return 10 * time.Minute, nil
	}
	return helpers.ParseDuration(s.Interval)
}

// BridgeConfig holds the IDLE event bridge configuration.
type BridgeConfig struct {
	Enabled          bool   `toml:"enabled"`
	IdleCycle        string `toml:"idle_cycle"`        // Restart-IDLE cycle; servers drop idle sessions around 29min (default: "25m")
	ReconnectInitial string `toml:"reconnect_initial"` // First reconnect delay (default: "5s")
	ReconnectMax     string `toml:"reconnect_max"`     // Reconnect delay cap (default: "5m")
	SweepInterval    string `toml:"sweep_interval"`    // How often missing bridge connections are restarted (default: "1m")
}

func (b *BridgeConfig) GetIdleCycle() (time.Duration, error) {
	if b.IdleCycle == "" {
		return 25 * time.Minute, nil
	}
	return helpers.ParseDuration(b.IdleCycle)
}

func (b *BridgeConfig) GetReconnectInitial() (time.Duration, error) {
	if b.ReconnectInitial == "" {
		return 5 * time.Second, nil
	}
	return helpers.ParseDuration(b.ReconnectInitial)
}

func (b *BridgeConfig) GetReconnectMax() (time.Duration, error) {
	if b.ReconnectMax == "" {
		return 5 * time.Minute, nil
	}
	return helpers.ParseDuration(b.ReconnectMax)
}

func (b *BridgeConfig) GetSweepInterval() (time.Duration, error) {
	if b.SweepInterval == "" {
		return time.Minute, nil
	}
	return helpers.ParseDuration(b.SweepInterval)
}

// HTTPAPIConfig holds the read-only status API configuration.
type HTTPAPIConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`    // Listen address (default: ":8080")
	APIKey  string `toml:"api_key"` // Bearer token; endpoints are open when empty
}

func (h *HTTPAPIConfig) GetAddr() string {
	if h.Addr == "" {
		return ":8080"
	}
	return h.Addr
}

// MetricsConfig holds the Prometheus endpoint configuration.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"` // Listen address (default: ":9090")
	Path    string `toml:"path"` // Metrics path (default: "/metrics")
}

func (m *MetricsConfig) GetAddr() string {
	if m.Addr == "" {
		return ":9090"
	}
	return m.Addr
}

func (m *MetricsConfig) GetPath() string {
	if m.Path == "" {
		return "/metrics"
	}
	return m.Path
}

// Config is the top-level configuration for the flagsync daemon.
type Config struct {
	Logging   LoggingConfig                   `toml:"logging"`
	Database  DatabaseConfig                  `toml:"database"`
	Sync      SyncConfig                      `toml:"sync"`
	Queue     QueueConfig                     `toml:"queue"`
	Scheduler SchedulerConfig                 `toml:"scheduler"`
	Bridge    BridgeConfig                    `toml:"bridge"`
	HTTPAPI   HTTPAPIConfig                   `toml:"http_api"`
	Metrics   MetricsConfig                   `toml:"metrics"`
	Providers map[string]ProviderTuningConfig `toml:"providers"`
}

// NewDefaultConfig returns a configuration with all defaults applied.
func NewDefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		Database: DatabaseConfig{
			Host: "localhost",
			Port: "5432",
			Name: "flagsync",
		},
		Scheduler: SchedulerConfig{Enabled: true},
		Bridge:    BridgeConfig{Enabled: true},
		Metrics:   MetricsConfig{Enabled: true},
	}
}

// LoadConfigFromFile loads and validates a TOML configuration file,
// merging it over the defaults.
func LoadConfigFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %q: %w", path, err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %q: %w", path, err)
	}
	return cfg.Validate()
}

// Validate checks that every duration field parses and that required
// settings are present. It is called once at startup so that bad
// configuration fails fast instead of surfacing mid-sync.
func (c *Config) Validate() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if c.Database.Name == "" {
		return fmt.Errorf("database.name is required")
	}

	checks := []struct {
		name string
		fn   func() (time.Duration, error)
	}{
		{"database.max_conn_lifetime", c.Database.GetMaxConnLifetime},
		{"database.max_conn_idle_time", c.Database.GetMaxConnIdleTime},
		{"database.query_timeout", c.Database.GetQueryTimeout},
		{"sync.connect_timeout", c.Sync.GetConnectTimeout},
		{"sync.connection_limit_backoff", c.Sync.GetConnectionLimitBackoff},
		{"queue.interval", c.Queue.GetInterval},
		{"queue.job_timeout", c.Queue.GetJobTimeout},
		{"queue.retry_base", c.Queue.GetRetryBase},
		{"queue.retry_cap", c.Queue.GetRetryCap},
		{"queue.lease_duration", c.Queue.GetLeaseDuration},
		{"queue.cooldown_max", c.Queue.GetCooldownMax},
		{"scheduler.interval", c.Scheduler.GetInterval},
		{"bridge.idle_cycle", c.Bridge.GetIdleCycle},
		{"bridge.reconnect_initial", c.Bridge.GetReconnectInitial},
		{"bridge.reconnect_max", c.Bridge.GetReconnectMax},
		{"bridge.sweep_interval", c.Bridge.GetSweepInterval},
	}
	for _, chk := range checks {
		if _, err := chk.fn(); err != nil {
			return fmt.Errorf("invalid %s: %w", chk.name, err)
		}
	}

	for name, tuning := range c.Providers {
		if _, err := tuning.GetBatchTimeout(); err != nil {
			return fmt.Errorf("invalid providers.%s.batch_timeout: %w", name, err)
		}
		if _, err := tuning.GetFallbackTimeout(); err != nil {
			return fmt.Errorf("invalid providers.%s.fallback_timeout: %w", name, err)
		}
		if _, err := tuning.GetBatchDelay(); err != nil {
			return fmt.Errorf("invalid providers.%s.batch_delay: %w", name, err)
		}
	}

	return nil
}
