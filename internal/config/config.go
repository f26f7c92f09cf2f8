// Package config loads and validates tracker configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Auth        AuthConfig        `mapstructure:"auth"`
	RateLimit   RateLimitConfig   `mapstructure:"ratelimit"`
	Jobs        JobsConfig        `mapstructure:"jobs"`
	Captcha     CaptchaConfig     `mapstructure:"captcha"`
	Scraper     ScraperConfig     `mapstructure:"scraper"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Diagnostics DiagnosticsConfig `mapstructure:"diagnostics"`
	PubSub      PubSubConfig      `mapstructure:"pubsub"`
	Schedule    ScheduleConfig    `mapstructure:"schedule"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Telemetry   TelemetryConfig   `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int `mapstructure:"port"`
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// AuthConfig holds the bearer token required on every API route except health.
type AuthConfig struct {
	Token string `mapstructure:"token"`
}

// RateLimitConfig configures the inbound and outbound limiters independently.
type RateLimitConfig struct {
	Inbound  WindowConfig `mapstructure:"inbound"`
	Outbound WindowConfig `mapstructure:"outbound"`
}

// WindowConfig is one fixed-window limiter. MaxWaitSeconds only applies to
// outbound waits.
type WindowConfig struct {
	Limit          int `mapstructure:"limit"`
	WindowSeconds  int `mapstructure:"window_seconds"`
	MaxWaitSeconds int `mapstructure:"max_wait_seconds"`
}

// Window returns the window length as a duration.
func (w WindowConfig) Window() time.Duration {
	return time.Duration(w.WindowSeconds) * time.Second
}

// MaxWait returns the outbound wait budget as a duration.
func (w WindowConfig) MaxWait() time.Duration {
	return time.Duration(w.MaxWaitSeconds) * time.Second
}

// JobsConfig governs the worker pool and job bookkeeping.
type JobsConfig struct {
	Concurrency          int `mapstructure:"concurrency"`
	QueueDepth           int `mapstructure:"queue_depth"`
	MaxConcurrentRefresh int `mapstructure:"max_concurrent_refresh"`
	Retention            int `mapstructure:"retention"`
	DefaultStalenessDays int `mapstructure:"default_staleness_days"`
}

// CaptchaConfig configures the CAPTCHA solver.
type CaptchaConfig struct {
	MaxAttempts int     `mapstructure:"max_attempts"`
	Provider    string  `mapstructure:"provider"`
	APIKey      string  `mapstructure:"api_key"`
	Model       string  `mapstructure:"model"`
	BaseURL     string  `mapstructure:"base_url"`
	RPS         float64 `mapstructure:"rps"`
}

// ScraperConfig configures the upstream registry client.
type ScraperConfig struct {
	Provider       string `mapstructure:"provider"`
	Target         string `mapstructure:"target"`
	KeySearchURL   string `mapstructure:"key_search_url"`
	NameSearchURL  string `mapstructure:"name_search_url"`
	UserAgent      string `mapstructure:"user_agent"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	MaxParallel    int    `mapstructure:"max_parallel"`
	RespectRobots  bool   `mapstructure:"respect_robots"`
}

// Timeout returns the per-request timeout.
func (s ScraperConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// StorageConfig selects the record store backend.
type StorageConfig struct {
	Provider string         `mapstructure:"provider"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
}

// PostgresConfig controls access to the Postgres record store.
type PostgresConfig struct {
	DSN                string `mapstructure:"dsn"`
	MaxConns           int32  `mapstructure:"max_conns"`
	SnapshotsTable     string `mapstructure:"snapshots_table"`
	FailuresTable      string `mapstructure:"failures_table"`
	ConnMaxIdleSeconds int    `mapstructure:"conn_max_idle_seconds"`
}

// SQLiteConfig controls the embedded SQLite record store.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// DiagnosticsConfig selects where raw failure pages are written.
type DiagnosticsConfig struct {
	Provider string `mapstructure:"provider"`
	BaseDir  string `mapstructure:"base_dir"`
	Bucket   string `mapstructure:"bucket"`
	Prefix   string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for record-refreshed notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ScheduleConfig drives the periodic refresh of stale records.
type ScheduleConfig struct {
	RefreshCron   string `mapstructure:"refresh_cron"`
	StalenessDays int    `mapstructure:"staleness_days"`
	TimeZone      string `mapstructure:"time_zone"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TelemetryConfig configures tracing.
type TelemetryConfig struct {
	ServiceName string  `mapstructure:"service_name"`
	Enabled     bool    `mapstructure:"enabled"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from an optional .env file, disk and environment.
// Environment variables use the TRACKER_ prefix with dots replaced by
// underscores, e.g. TRACKER_AUTH_TOKEN.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("TRACKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.timeout_seconds", 60)
	v.SetDefault("auth.token", "")
	v.SetDefault("ratelimit.inbound.limit", 60)
	v.SetDefault("ratelimit.inbound.window_seconds", 60)
	v.SetDefault("ratelimit.outbound.limit", 20)
	v.SetDefault("ratelimit.outbound.window_seconds", 60)
	v.SetDefault("ratelimit.outbound.max_wait_seconds", 120)
	v.SetDefault("jobs.concurrency", 4)
	v.SetDefault("jobs.queue_depth", 64)
	v.SetDefault("jobs.max_concurrent_refresh", 1)
	v.SetDefault("jobs.retention", 100)
	v.SetDefault("jobs.default_staleness_days", 15)
	v.SetDefault("captcha.max_attempts", 5)
	v.SetDefault("captcha.provider", "openai")
	v.SetDefault("captcha.api_key", "")
	v.SetDefault("captcha.model", "gpt-4o-mini")
	v.SetDefault("captcha.base_url", "")
	v.SetDefault("captcha.rps", 1.0)
	v.SetDefault("scraper.provider", "colly")
	v.SetDefault("scraper.target", "tmrsearch.ipindia.gov.in")
	v.SetDefault("scraper.key_search_url", "https://tmrsearch.ipindia.gov.in/eregister/Application_View.aspx")
	v.SetDefault("scraper.name_search_url", "https://tmrsearch.ipindia.gov.in/tmrpublicsearch/frmmain.aspx")
	v.SetDefault("scraper.respect_robots", false)
	v.SetDefault("scraper.user_agent", "tm-status-tracker/0.1")
	v.SetDefault("scraper.timeout_seconds", 30)
	v.SetDefault("scraper.max_parallel", 1)
	v.SetDefault("storage.provider", "memory")
	v.SetDefault("storage.postgres.dsn", "")
	v.SetDefault("storage.postgres.max_conns", 4)
	v.SetDefault("storage.postgres.snapshots_table", "record_snapshots")
	v.SetDefault("storage.postgres.failures_table", "record_failures")
	v.SetDefault("storage.postgres.conn_max_idle_seconds", 300)
	v.SetDefault("storage.sqlite.path", "tracker.db")
	v.SetDefault("diagnostics.provider", "memory")
	v.SetDefault("diagnostics.base_dir", "diagnostics")
	v.SetDefault("diagnostics.bucket", "")
	v.SetDefault("diagnostics.prefix", "failures")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("schedule.refresh_cron", "")
	v.SetDefault("schedule.staleness_days", 15)
	v.SetDefault("schedule.time_zone", "UTC")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("telemetry.service_name", "tm-status-tracker")
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Jobs.Concurrency <= 0 {
		return fmt.Errorf("jobs.concurrency must be > 0")
	}
	if c.Jobs.QueueDepth <= 0 {
		return fmt.Errorf("jobs.queue_depth must be > 0")
	}
	if c.Jobs.DefaultStalenessDays < 1 || c.Jobs.DefaultStalenessDays > 365 {
		return fmt.Errorf("jobs.default_staleness_days must be between 1 and 365")
	}
	if c.Captcha.MaxAttempts <= 0 {
		return fmt.Errorf("captcha.max_attempts must be > 0")
	}
	if c.RateLimit.Inbound.Limit > 0 && c.RateLimit.Inbound.WindowSeconds <= 0 {
		return fmt.Errorf("ratelimit.inbound.window_seconds must be > 0")
	}
	if c.RateLimit.Outbound.Limit > 0 && c.RateLimit.Outbound.WindowSeconds <= 0 {
		return fmt.Errorf("ratelimit.outbound.window_seconds must be > 0")
	}
	switch c.Storage.Provider {
	case "memory":
	case "postgres":
		if c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn must be set when storage.provider is postgres")
		}
	case "sqlite":
		if c.Storage.SQLite.Path == "" {
			return fmt.Errorf("storage.sqlite.path must be set when storage.provider is sqlite")
		}
	default:
		return fmt.Errorf("storage.provider %q is not supported", c.Storage.Provider)
	}
	switch c.Diagnostics.Provider {
	case "memory", "local":
	case "gcs":
		if c.Diagnostics.Bucket == "" {
			return fmt.Errorf("diagnostics.bucket must be set when diagnostics.provider is gcs")
		}
	default:
		return fmt.Errorf("diagnostics.provider %q is not supported", c.Diagnostics.Provider)
	}
	switch c.Scraper.Provider {
	case "colly", "headless":
	default:
		return fmt.Errorf("scraper.provider %q is not supported", c.Scraper.Provider)
	}
	if c.Scraper.TimeoutSeconds <= 0 {
		return fmt.Errorf("scraper.timeout_seconds must be > 0")
	}
	if c.Schedule.RefreshCron != "" && (c.Schedule.StalenessDays < 1 || c.Schedule.StalenessDays > 365) {
		return fmt.Errorf("schedule.staleness_days must be between 1 and 365")
	}
	return nil
}

// DefaultStaleness converts the default staleness window to a duration.
func (c Config) DefaultStaleness() time.Duration {
	return Days(c.Jobs.DefaultStalenessDays)
}

// Days converts a day count into a duration.
func Days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}
