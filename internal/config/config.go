// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Logging    LoggingConfig    `mapstructure:"logging"`
	Crawler    CrawlerConfig    `mapstructure:"crawler"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Publisher  PublisherConfig  `mapstructure:"publisher"`
	Server     ServerConfig     `mapstructure:"server"`
}

// LoggingConfig toggles zap development features. Level overrides the
// mode's default minimum level when set.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// CrawlerConfig governs the worker pool, seeding and idle behavior.
type CrawlerConfig struct {
	Workers   int      `mapstructure:"workers"`
	UserAgent string   `mapstructure:"user_agent"`
	Seeds     []string `mapstructure:"seeds"`
	SeedDepth int      `mapstructure:"seed_depth"`
	Task      string   `mapstructure:"task"`
	Priority  int      `mapstructure:"priority"`
	// Dedup is "graph" (in-memory visited graph) or "store" (URL table lookup).
	Dedup string `mapstructure:"dedup"`
	// MaxPages caps the resources in the store, seeds and earlier runs
	// included. Zero means no limit.
	MaxPages         int           `mapstructure:"max_pages"`
	IdleShort        time.Duration `mapstructure:"idle_short"`
	IdleLong         time.Duration `mapstructure:"idle_long"`
	QuiescencePause  time.Duration `mapstructure:"quiescence_pause"`
	StopOnQuiescence bool          `mapstructure:"stop_on_quiescence"`
	ClaimTimeout     time.Duration `mapstructure:"claim_timeout"`
	ArchivePrefix    string        `mapstructure:"archive_prefix"`
}

// HTTPConfig configures the fetcher and its retry behavior.
type HTTPConfig struct {
	TimeoutSeconds   int `mapstructure:"timeout_seconds"`
	MaxRetries       int `mapstructure:"max_retries"`
	BackoffInitialMs int `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int `mapstructure:"backoff_max_ms"`
	MaxBodyBytes     int `mapstructure:"max_body_bytes"`
}

// StorageConfig selects the crawl store backend.
type StorageConfig struct {
	Driver   string         `mapstructure:"driver"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// SQLiteConfig locates manager.db and content.db.
type SQLiteConfig struct {
	Dir string `mapstructure:"dir"`
}

// PostgresConfig controls access to the relational database. ContentDSN
// defaults to DSN.
type PostgresConfig struct {
	DSN        string `mapstructure:"dsn"`
	ContentDSN string `mapstructure:"content_dsn"`
	MaxConns   int32  `mapstructure:"max_conns"`
}

// CheckpointConfig sets where quiescence snapshots are written.
type CheckpointConfig struct {
	Provider string      `mapstructure:"provider"`
	Prefix   string      `mapstructure:"prefix"`
	Local    LocalConfig `mapstructure:"local"`
	GCS      GCSConfig   `mapstructure:"gcs"`
}

// LocalConfig is the filesystem checkpoint sink.
type LocalConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// GCSConfig is the Cloud Storage checkpoint sink.
type GCSConfig struct {
	Bucket string `mapstructure:"bucket"`
}

// PublisherConfig holds metadata for page-event notifications.
type PublisherConfig struct {
	// Provider is "none", "memory" or "pubsub".
	Provider  string `mapstructure:"provider"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// ServerConfig controls the status HTTP server.
type ServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
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
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("crawler.workers", 4)
	v.SetDefault("crawler.user_agent", "")
	v.SetDefault("crawler.seeds", []string{})
	v.SetDefault("crawler.seed_depth", 3)
	v.SetDefault("crawler.task", "linkcrawler_page")
	v.SetDefault("crawler.priority", 0)
	v.SetDefault("crawler.dedup", "graph")
	v.SetDefault("crawler.max_pages", 0)
	v.SetDefault("crawler.idle_short", 100*time.Millisecond)
	v.SetDefault("crawler.idle_long", time.Second)
	v.SetDefault("crawler.quiescence_pause", 5*time.Second)
	v.SetDefault("crawler.stop_on_quiescence", false)
	v.SetDefault("crawler.claim_timeout", time.Duration(0))
	v.SetDefault("crawler.archive_prefix", "")
	v.SetDefault("http.timeout_seconds", 15)
	v.SetDefault("http.max_retries", 5)
	v.SetDefault("http.backoff_initial_ms", 250)
	v.SetDefault("http.backoff_max_ms", 30000)
	v.SetDefault("http.max_body_bytes", 10*1024*1024)
	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.sqlite.dir", "data")
	v.SetDefault("storage.postgres.max_conns", 8)
	v.SetDefault("checkpoint.provider", "local")
	v.SetDefault("checkpoint.prefix", "checkpoints")
	v.SetDefault("checkpoint.local.base_dir", "data")
	v.SetDefault("publisher.provider", "none")
	v.SetDefault("publisher.topic", "crawler-pages")
	v.SetDefault("server.enabled", false)
	v.SetDefault("server.port", 8080)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Crawler.Workers <= 0 {
		return fmt.Errorf("crawler.workers must be > 0")
	}
	if c.Crawler.Task == "" {
		return fmt.Errorf("crawler.task must be set")
	}
	if c.Crawler.Dedup != "graph" && c.Crawler.Dedup != "store" {
		return fmt.Errorf("crawler.dedup must be graph or store, got %q", c.Crawler.Dedup)
	}
	if c.Crawler.ClaimTimeout < 0 {
		return fmt.Errorf("crawler.claim_timeout must be >= 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.HTTP.MaxRetries <= 0 {
		return fmt.Errorf("http.max_retries must be > 0")
	}
	switch c.Storage.Driver {
	case "sqlite":
		if c.Storage.SQLite.Dir == "" {
			return fmt.Errorf("storage.sqlite.dir must be set for the sqlite driver")
		}
	case "postgres":
		if c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn must be set for the postgres driver")
		}
	case "memory":
	default:
		return fmt.Errorf("storage.driver must be sqlite, postgres or memory, got %q", c.Storage.Driver)
	}
	switch c.Checkpoint.Provider {
	case "none", "memory":
	case "local":
		if c.Checkpoint.Local.BaseDir == "" {
			return fmt.Errorf("checkpoint.local.base_dir must be set for the local provider")
		}
	case "gcs":
		if c.Checkpoint.GCS.Bucket == "" {
			return fmt.Errorf("checkpoint.gcs.bucket must be set for the gcs provider")
		}
	default:
		return fmt.Errorf("checkpoint.provider must be none, memory, local or gcs, got %q", c.Checkpoint.Provider)
	}
	switch c.Publisher.Provider {
	case "none", "memory":
	case "pubsub":
		if c.Publisher.ProjectID == "" || c.Publisher.Topic == "" {
			return fmt.Errorf("publisher.project_id and publisher.topic must be set for pubsub")
		}
	default:
		return fmt.Errorf("publisher.provider must be none, memory or pubsub, got %q", c.Publisher.Provider)
	}
	if c.Server.Enabled && c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	return nil
}

// FetchTimeout converts the HTTP timeout into a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// Backoff returns the initial and maximum retry delays.
func (c Config) Backoff() (initial, maxDelay time.Duration) {
	return time.Duration(c.HTTP.BackoffInitialMs) * time.Millisecond,
		time.Duration(c.HTTP.BackoffMaxMs) * time.Millisecond
}
