// Package config loads and validates harvester configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/propwatch/listing-harvester/internal/harvest"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig     `mapstructure:"server"`
	Auth      AuthConfig       `mapstructure:"auth"`
	Logging   LoggingConfig    `mapstructure:"logging"`
	DB        DBConfig         `mapstructure:"db"`
	Session   SessionConfig    `mapstructure:"session"`
	Egress    EgressConfig     `mapstructure:"egress"`
	Fetch     FetchConfig      `mapstructure:"fetch"`
	Headless  HeadlessConfig   `mapstructure:"headless"`
	Harvest   HarvestConfig    `mapstructure:"harvest"`
	Pacing    PacingConfig     `mapstructure:"pacing"`
	Snapshots SnapshotsConfig  `mapstructure:"snapshots"`
	PubSub    PubSubConfig     `mapstructure:"pubsub"`
	Sources   []harvest.Source `mapstructure:"sources"`
}

// ServerConfig controls the ops HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles for the control endpoints.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig selects zap level and encoding.
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// DBConfig controls access to the Postgres database.
type DBConfig struct {
	DSN                 string `mapstructure:"dsn"`
	MaxConns            int    `mapstructure:"max_conns"`
	MinConns            int    `mapstructure:"min_conns"`
	ConnLifetimeMinutes int    `mapstructure:"conn_lifetime_minutes"`
	CheckpointTable     string `mapstructure:"checkpoint_table"`
	ListingTable        string `mapstructure:"listing_table"`
}

// ConnLifetime converts the lifetime knob into a duration.
func (d DBConfig) ConnLifetime() time.Duration {
	return time.Duration(d.ConnLifetimeMinutes) * time.Minute
}

// SessionConfig governs the shared browser session election.
type SessionConfig struct {
	LockPath               string `mapstructure:"lock_path"`
	RegistryPath           string `mapstructure:"registry_path"`
	ElectionTimeoutSeconds int    `mapstructure:"election_timeout_seconds"`
	StaleLockSeconds       int    `mapstructure:"stale_lock_seconds"`
	PollIntervalMS         int    `mapstructure:"poll_interval_ms"`
	BrowserPath            string `mapstructure:"browser_path"`
	DebugPort              int    `mapstructure:"debug_port"`
}

// ElectionTimeout bounds how long a process waits to attach or win the lock.
func (s SessionConfig) ElectionTimeout() time.Duration {
	return time.Duration(s.ElectionTimeoutSeconds) * time.Second
}

// StaleLockTTL is the age past which a holder's lock may be reclaimed.
func (s SessionConfig) StaleLockTTL() time.Duration {
	return time.Duration(s.StaleLockSeconds) * time.Second
}

// PollInterval is the registry polling cadence while waiting for a winner.
func (s SessionConfig) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalMS) * time.Millisecond
}

// EgressConfig selects between direct fetching and a rotating proxy pool.
type EgressConfig struct {
	Mode              string   `mapstructure:"mode"`
	Paths             []string `mapstructure:"paths"`
	QuarantineSeconds int      `mapstructure:"quarantine_seconds"`
}

// Quarantine is how long a failed egress path stays out of rotation.
func (e EgressConfig) Quarantine() time.Duration {
	return time.Duration(e.QuarantineSeconds) * time.Second
}

// FetchConfig configures the static page fetcher.
type FetchConfig struct {
	UserAgent      string `mapstructure:"user_agent"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	RespectRobots  bool   `mapstructure:"respect_robots"`
}

// Timeout converts the fetch timeout knob into a duration.
func (f FetchConfig) Timeout() time.Duration {
	return time.Duration(f.TimeoutSeconds) * time.Second
}

// HeadlessConfig configures the shared-browser page renderer.
type HeadlessConfig struct {
	Enabled             bool `mapstructure:"enabled"`
	NavTimeoutSeconds   int  `mapstructure:"nav_timeout_seconds"`
	ScrollInitialWaitMs int  `mapstructure:"scroll_initial_wait_ms"`
	ScrollSteps         int  `mapstructure:"scroll_steps"`
	ScrollStepDelayMs   int  `mapstructure:"scroll_step_delay_ms"`
	ScrollSettleWaitMs  int  `mapstructure:"scroll_settle_wait_ms"`
	// AutoPromote redoes static fetches in the browser when the body looks
	// like an unrendered shell. Applies only while headless is enabled.
	AutoPromote             bool `mapstructure:"auto_promote"`
	PromotionThresholdBytes int  `mapstructure:"promotion_threshold_bytes"`
}

// NavTimeout bounds one render including scroll settling.
func (h HeadlessConfig) NavTimeout() time.Duration {
	return time.Duration(h.NavTimeoutSeconds) * time.Second
}

// HarvestConfig governs the drive loop and backlog governor.
type HarvestConfig struct {
	BacklogThreshold  int64 `mapstructure:"backlog_threshold"`
	CycleDelaySeconds int   `mapstructure:"cycle_delay_seconds"`
	PauseRetrySeconds int   `mapstructure:"pause_retry_seconds"`
	UnitDelayMs       int   `mapstructure:"unit_delay_ms"`
}

// CycleDelay is the idle period between completed crawl cycles.
func (h HarvestConfig) CycleDelay() time.Duration {
	return time.Duration(h.CycleDelaySeconds) * time.Second
}

// PauseRetry is how long a paused driver waits before rechecking backlog.
func (h HarvestConfig) PauseRetry() time.Duration {
	return time.Duration(h.PauseRetrySeconds) * time.Second
}

// UnitDelay is a fixed politeness wait before each unit fetch, on top of
// per-host pacing. Zero disables it.
func (h HarvestConfig) UnitDelay() time.Duration {
	return time.Duration(h.UnitDelayMs) * time.Millisecond
}

// PacingConfig bounds outbound request rates per target host.
type PacingConfig struct {
	DefaultRPS   float64            `mapstructure:"default_rps"`
	DefaultBurst int                `mapstructure:"default_burst"`
	HostRPS      map[string]float64 `mapstructure:"host_rps"`
}

// SnapshotsConfig selects and configures the raw page archive.
type SnapshotsConfig struct {
	Backend     string `mapstructure:"backend"`
	Bucket      string `mapstructure:"bucket"`
	Prefix      string `mapstructure:"prefix"`
	BaseDir     string `mapstructure:"base_dir"`
	ContentType string `mapstructure:"content_type"`
}

// PubSubConfig configures new-listing event publication.
type PubSubConfig struct {
	Backend   string `mapstructure:"backend"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// Load builds a Config from disk and environment. An empty path searches
// the usual locations for a harvester.yaml and falls back to defaults.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVESTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("harvester")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/harvester/")
		v.AddConfigPath("$HOME/.harvester")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
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
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)
	// Empty defaults register the keys so environment overrides reach
	// Unmarshal.
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.conn_lifetime_minutes", 30)
	v.SetDefault("db.checkpoint_table", "harvest_checkpoints")
	v.SetDefault("db.listing_table", "listings")
	v.SetDefault("session.lock_path", "/tmp/harvester/browser.lock")
	v.SetDefault("session.registry_path", "/tmp/harvester/browser.json")
	v.SetDefault("session.election_timeout_seconds", 120)
	v.SetDefault("session.stale_lock_seconds", 120)
	v.SetDefault("session.poll_interval_ms", 500)
	v.SetDefault("session.browser_path", "")
	// Fixed so every process on the host attaches to the same browser.
	v.SetDefault("session.debug_port", 9222)
	v.SetDefault("egress.mode", "direct")
	v.SetDefault("egress.quarantine_seconds", 120)
	v.SetDefault("fetch.user_agent", "propwatch-harvester/1.0")
	v.SetDefault("fetch.timeout_seconds", 15)
	v.SetDefault("fetch.respect_robots", false)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.nav_timeout_seconds", 45)
	v.SetDefault("headless.scroll_initial_wait_ms", 2000)
	v.SetDefault("headless.scroll_steps", 4)
	v.SetDefault("headless.scroll_step_delay_ms", 800)
	v.SetDefault("headless.scroll_settle_wait_ms", 2000)
	v.SetDefault("headless.auto_promote", true)
	v.SetDefault("headless.promotion_threshold_bytes", 2048)
	v.SetDefault("harvest.backlog_threshold", 500)
	v.SetDefault("harvest.cycle_delay_seconds", 300)
	v.SetDefault("harvest.pause_retry_seconds", 60)
	v.SetDefault("harvest.unit_delay_ms", 0)
	v.SetDefault("pacing.default_rps", 1.0)
	v.SetDefault("pacing.default_burst", 1)
	v.SetDefault("snapshots.backend", "none")
	v.SetDefault("snapshots.bucket", "")
	v.SetDefault("snapshots.prefix", "snapshots")
	v.SetDefault("snapshots.base_dir", "")
	v.SetDefault("snapshots.content_type", "text/html; charset=utf-8")
	v.SetDefault("pubsub.backend", "none")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic", "")
}

// Validate enforces required values and cross-section consistency.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.DB.DSN == "" {
		return fmt.Errorf("db.dsn is required")
	}
	if c.Fetch.TimeoutSeconds <= 0 {
		return fmt.Errorf("fetch.timeout_seconds must be > 0")
	}
	if c.Harvest.BacklogThreshold <= 0 {
		return fmt.Errorf("harvest.backlog_threshold must be > 0")
	}

	switch c.Egress.Mode {
	case "direct":
	case "pool":
		if len(c.Egress.Paths) == 0 {
			return fmt.Errorf("egress.paths must list at least one proxy when egress.mode is pool")
		}
		for _, raw := range c.Egress.Paths {
			u, err := url.Parse(raw)
			if err != nil || u.Scheme == "" || u.Host == "" {
				return fmt.Errorf("egress.paths entry %q is not a valid proxy URL", raw)
			}
		}
	default:
		return fmt.Errorf("egress.mode must be direct or pool, got %q", c.Egress.Mode)
	}

	switch c.Snapshots.Backend {
	case "none", "memory":
	case "gcs":
		if c.Snapshots.Bucket == "" {
			return fmt.Errorf("snapshots.bucket is required for the gcs backend")
		}
	case "local":
		if c.Snapshots.BaseDir == "" {
			return fmt.Errorf("snapshots.base_dir is required for the local backend")
		}
	default:
		return fmt.Errorf("snapshots.backend must be none, memory, local, or gcs, got %q", c.Snapshots.Backend)
	}

	switch c.PubSub.Backend {
	case "none", "memory":
	case "pubsub":
		if c.PubSub.ProjectID == "" || c.PubSub.Topic == "" {
			return fmt.Errorf("pubsub.project_id and pubsub.topic are required for the pubsub backend")
		}
	default:
		return fmt.Errorf("pubsub.backend must be none, memory, or pubsub, got %q", c.PubSub.Backend)
	}

	if len(c.Sources) == 0 {
		return fmt.Errorf("sources must list at least one feed")
	}
	seen := make(map[string]bool, len(c.Sources))
	for _, src := range c.Sources {
		if src.Name == "" {
			return fmt.Errorf("sources entries require a name")
		}
		if seen[src.Name] {
			return fmt.Errorf("source %q is listed twice", src.Name)
		}
		seen[src.Name] = true
		if src.URLTemplate == "" {
			return fmt.Errorf("source %q requires a url_template", src.Name)
		}
		if src.UnitCount() == 0 {
			return fmt.Errorf("source %q has no sub-regions to crawl", src.Name)
		}
		if src.Render && !c.Headless.Enabled {
			return fmt.Errorf("source %q requires rendering but headless.enabled is false", src.Name)
		}
	}

	return nil
}
