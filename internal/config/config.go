// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Naver    NaverConfig    `mapstructure:"naver"`
	Fetch    FetchConfig    `mapstructure:"fetch"`
	Store    StoreConfig    `mapstructure:"store"`
	DB       DBConfig       `mapstructure:"db"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Backup   BackupConfig   `mapstructure:"backup"`
	Refresh  RefreshConfig  `mapstructure:"refresh"`
	Shutdown ShutdownConfig `mapstructure:"shutdown"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// NaverConfig holds Naver Open API credentials and client behavior.
type NaverConfig struct {
	ClientID       string `mapstructure:"client_id"`
	ClientSecret   string `mapstructure:"client_secret"`
	BaseURL        string `mapstructure:"base_url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	UserAgent      string `mapstructure:"user_agent"`
}

// FetchConfig governs fetch dispatch and retry behavior.
type FetchConfig struct {
	PageSize            int   `mapstructure:"page_size"`
	BackoffSeconds      []int `mapstructure:"backoff_seconds"`
	DedupeWindowSeconds int   `mapstructure:"dedupe_window_seconds"`
	MaxStartIndex       int   `mapstructure:"max_start_index"`
}

// StoreConfig selects the article store implementation.
type StoreConfig struct {
	// Provider is "memory" or "postgres".
	Provider string `mapstructure:"provider"`
}

// DBConfig controls access to Postgres when store.provider is "postgres".
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	Enabled         bool     `mapstructure:"enabled"`
	ProjectID       string   `mapstructure:"project_id"`
	CompletionTopic string   `mapstructure:"completion_topic"`
	AlertTopic      string   `mapstructure:"alert_topic"`
	AlertKeywords   []string `mapstructure:"alert_keywords"`
}

// BackupConfig controls periodic store snapshots.
type BackupConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	Provider        string `mapstructure:"provider"` // memory, local, or gcs
	IntervalMinutes int    `mapstructure:"interval_minutes"`
	BaseDir         string `mapstructure:"base_dir"`
	GCSBucket       string `mapstructure:"gcs_bucket"`
	Prefix          string `mapstructure:"prefix"`
	PurgeAfterDays  int    `mapstructure:"purge_after_days"`
}

// RefreshConfig controls the staggered auto-refresh loop.
type RefreshConfig struct {
	Enabled         bool `mapstructure:"enabled"`
	IntervalMinutes int  `mapstructure:"interval_minutes"`
	StaggerSeconds  int  `mapstructure:"stagger_seconds"`
}

// ShutdownConfig bounds how long shutdown waits on each worker.
type ShutdownConfig struct {
	WorkerTimeoutSeconds int `mapstructure:"worker_timeout_seconds"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("NEWSTAB")
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
	v.SetDefault("naver.timeout_seconds", 15)
	v.SetDefault("naver.user_agent", "newstabd/0.1")
	v.SetDefault("fetch.page_size", 100)
	v.SetDefault("fetch.backoff_seconds", []int{2, 4, 6})
	v.SetDefault("fetch.dedupe_window_seconds", 30)
	v.SetDefault("fetch.max_start_index", 1000)
	v.SetDefault("store.provider", "memory")
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("pubsub.enabled", false)
	v.SetDefault("pubsub.completion_topic", "newstab-fetch-completions")
	v.SetDefault("pubsub.alert_topic", "newstab-alerts")
	v.SetDefault("backup.enabled", false)
	v.SetDefault("backup.provider", "local")
	v.SetDefault("backup.interval_minutes", 60)
	v.SetDefault("backup.prefix", "backups")
	v.SetDefault("refresh.enabled", false)
	v.SetDefault("refresh.interval_minutes", 10)
	v.SetDefault("refresh.stagger_seconds", 2)
	v.SetDefault("shutdown.worker_timeout_seconds", 5)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Naver.ClientID == "" || c.Naver.ClientSecret == "" {
		return fmt.Errorf("naver.client_id and naver.client_secret are required")
	}
	if c.Naver.TimeoutSeconds <= 0 {
		return fmt.Errorf("naver.timeout_seconds must be > 0")
	}
	if c.Fetch.PageSize <= 0 || c.Fetch.PageSize > 100 {
		return fmt.Errorf("fetch.page_size must be in 1..100")
	}
	if len(c.Fetch.BackoffSeconds) == 0 {
		return fmt.Errorf("fetch.backoff_seconds must not be empty")
	}
	switch c.Store.Provider {
	case "memory":
	case "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn is required when store.provider is postgres")
		}
	default:
		return fmt.Errorf("unknown store.provider %q", c.Store.Provider)
	}
	if c.PubSub.Enabled && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id is required when pubsub is enabled")
	}
	if c.Backup.Enabled {
		switch c.Backup.Provider {
		case "memory":
		case "local":
			if c.Backup.BaseDir == "" {
				return fmt.Errorf("backup.base_dir is required for the local provider")
			}
		case "gcs":
			if c.Backup.GCSBucket == "" {
				return fmt.Errorf("backup.gcs_bucket is required for the gcs provider")
			}
		default:
			return fmt.Errorf("unknown backup.provider %q", c.Backup.Provider)
		}
	}
	return nil
}

// BackoffSchedule converts fetch.backoff_seconds into durations.
func (c Config) BackoffSchedule() []time.Duration {
	out := make([]time.Duration, 0, len(c.Fetch.BackoffSeconds))
	for _, s := range c.Fetch.BackoffSeconds {
		out = append(out, time.Duration(s)*time.Second)
	}
	return out
}

// NaverTimeout returns the client timeout as a duration.
func (c Config) NaverTimeout() time.Duration {
	return time.Duration(c.Naver.TimeoutSeconds) * time.Second
}

// DedupeWindow returns the manual fetch coalescing window.
func (c Config) DedupeWindow() time.Duration {
	return time.Duration(c.Fetch.DedupeWindowSeconds) * time.Second
}

// WorkerTimeout returns the per-worker shutdown bound.
func (c Config) WorkerTimeout() time.Duration {
	return time.Duration(c.Shutdown.WorkerTimeoutSeconds) * time.Second
}
