// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // scheduler.timezone must resolve in minimal containers

	"github.com/spf13/viper"

	"github.com/JakeFAU/doris-feishu-pusher/internal/push"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Service   ServiceConfig   `mapstructure:"service"`
	Server    ServerConfig    `mapstructure:"server"`
	CORS      CORSConfig      `mapstructure:"cors"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Doris     DorisConfig     `mapstructure:"doris"`
	Feishu    FeishuConfig    `mapstructure:"feishu"`
	Store     StoreConfig     `mapstructure:"store"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Events    EventsConfig    `mapstructure:"events"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Tasks     []push.Task     `mapstructure:"tasks"`
}

// ServiceConfig is reported by the health endpoint.
type ServiceConfig struct {
	Name    string `mapstructure:"name"`
	Version string `mapstructure:"version"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Host                     string `mapstructure:"host"`
	Port                     int    `mapstructure:"port"`
	StaticDir                string `mapstructure:"static_dir"`
	ReadHeaderTimeoutSeconds int    `mapstructure:"read_header_timeout_seconds"`
	RequestTimeoutSeconds    int    `mapstructure:"request_timeout_seconds"`
	ShutdownTimeoutSeconds   int    `mapstructure:"shutdown_timeout_seconds"`
}

// CORSConfig describes the cross-origin policy applied to every route.
type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	OriginPattern    string   `mapstructure:"origin_pattern"`
	AllowedMethods   []string `mapstructure:"allowed_methods"`
	AllowedHeaders   []string `mapstructure:"allowed_headers"`
	ExposedHeaders   []string `mapstructure:"exposed_headers"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
	MaxAgeSeconds    int      `mapstructure:"max_age_seconds"`
}

// LoggingConfig toggles zap development features and the log file sink.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
	File        string `mapstructure:"file"`
}

// SchedulerConfig governs cron evaluation and the run pipeline.
type SchedulerConfig struct {
	Timezone              string `mapstructure:"timezone"`
	Workers               int    `mapstructure:"workers"`
	QueueDepth            int    `mapstructure:"queue_depth"`
	JobTimeoutSeconds     int    `mapstructure:"job_timeout_seconds"`
	EnqueueTimeoutSeconds int    `mapstructure:"enqueue_timeout_seconds"`
}

// DorisConfig holds the MySQL-protocol connection settings for Doris.
type DorisConfig struct {
	Host                   string            `mapstructure:"host"`
	Port                   int               `mapstructure:"port"`
	User                   string            `mapstructure:"user"`
	Password               string            `mapstructure:"password"`
	Database               string            `mapstructure:"database"`
	Params                 map[string]string `mapstructure:"params"`
	MaxOpenConns           int               `mapstructure:"max_open_conns"`
	MaxIdleConns           int               `mapstructure:"max_idle_conns"`
	ConnMaxLifetimeSeconds int               `mapstructure:"conn_max_lifetime_seconds"`
	QueryTimeoutSeconds    int               `mapstructure:"query_timeout_seconds"`
	MaxRows                int               `mapstructure:"max_rows"`
}

// FeishuConfig configures webhook delivery.
type FeishuConfig struct {
	WebhookURL     string  `mapstructure:"webhook_url"`
	Secret         string  `mapstructure:"secret"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
	MaxRetries     int     `mapstructure:"max_retries"`
	RatePerSecond  float64 `mapstructure:"rate_per_second"`
	Burst          int     `mapstructure:"burst"`
	MaxMessageRows int     `mapstructure:"max_message_rows"`
}

// StoreConfig selects where tasks and runs are persisted.
type StoreConfig struct {
	Backend    string         `mapstructure:"backend"`
	SQLitePath string         `mapstructure:"sqlite_path"`
	Postgres   PostgresConfig `mapstructure:"postgres"`
}

// PostgresConfig controls the pgx pool.
type PostgresConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// ArchiveConfig selects where result snapshots are written.
type ArchiveConfig struct {
	Backend string             `mapstructure:"backend"`
	Bucket  string             `mapstructure:"bucket"`
	Prefix  string             `mapstructure:"prefix"`
	Local   LocalArchiveConfig `mapstructure:"local"`
}

// LocalArchiveConfig points the local archive at a directory.
type LocalArchiveConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// EventsConfig selects where run events go. The memory backend keeps the
// newest History events for GET /api/events.
type EventsConfig struct {
	Backend   string `mapstructure:"backend"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
	History   int    `mapstructure:"history"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// SearchPaths are checked for a file named config.{yaml,toml,json} when no
// explicit path is given.
var SearchPaths = []string{".", "/etc/pusher", "$HOME/.pusher"}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PUSHER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		// Without an explicit file, look in the usual places and fall back
		// to defaults and environment variables.
		v.SetConfigName("config")
		for _, dir := range SearchPaths {
			v.AddConfigPath(dir)
		}
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
	v.SetDefault("service.name", "Feishu-Doris scheduled push platform")
	v.SetDefault("service.version", "1.0.0")
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 7000)
	v.SetDefault("server.static_dir", "static")
	v.SetDefault("server.read_header_timeout_seconds", 5)
	v.SetDefault("server.request_timeout_seconds", 60)
	v.SetDefault("server.shutdown_timeout_seconds", 10)
	v.SetDefault("cors.allowed_origins", []string{"*"})
	v.SetDefault("cors.origin_pattern", `https?://.*`)
	v.SetDefault("cors.allowed_methods", []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"})
	v.SetDefault("cors.allowed_headers", []string{"*"})
	v.SetDefault("cors.exposed_headers", []string{"*"})
	v.SetDefault("cors.allow_credentials", true)
	v.SetDefault("cors.max_age_seconds", 3600)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "debug")
	v.SetDefault("logging.file", "app.log")
	v.SetDefault("scheduler.timezone", "Asia/Shanghai")
	v.SetDefault("scheduler.workers", 2)
	v.SetDefault("scheduler.queue_depth", 64)
	v.SetDefault("scheduler.job_timeout_seconds", 120)
	v.SetDefault("scheduler.enqueue_timeout_seconds", 5)
	v.SetDefault("doris.host", "127.0.0.1")
	v.SetDefault("doris.port", 9030)
	v.SetDefault("doris.user", "root")
	v.SetDefault("doris.max_open_conns", 8)
	v.SetDefault("doris.max_idle_conns", 2)
	v.SetDefault("doris.conn_max_lifetime_seconds", 300)
	v.SetDefault("doris.query_timeout_seconds", 60)
	v.SetDefault("doris.max_rows", 500)
	v.SetDefault("feishu.timeout_seconds", 10)
	v.SetDefault("feishu.max_retries", 2)
	v.SetDefault("feishu.rate_per_second", 5)
	v.SetDefault("feishu.burst", 5)
	v.SetDefault("feishu.max_message_rows", 30)
	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.sqlite_path", "data/pusher.db")
	v.SetDefault("archive.backend", "none")
	v.SetDefault("archive.prefix", "runs")
	v.SetDefault("archive.local.base_dir", "data/archive")
	v.SetDefault("events.backend", "memory")
	v.SetDefault("events.topic", "push-runs")
	v.SetDefault("events.history", 256)
	v.SetDefault("metrics.enabled", true)
}

// Validate enforces required values and reasonable limits.
//
//nolint:gocyclo // flat list of independent checks
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if strings.TrimSpace(c.Server.StaticDir) == "" {
		return fmt.Errorf("server.static_dir must be set")
	}
	if c.CORS.OriginPattern != "" {
		if _, err := regexp.Compile(c.CORS.OriginPattern); err != nil {
			return fmt.Errorf("cors.origin_pattern is not a valid regexp: %w", err)
		}
	}
	if c.CORS.MaxAgeSeconds < 0 {
		return fmt.Errorf("cors.max_age_seconds must be >= 0")
	}
	if c.Scheduler.Workers <= 0 {
		return fmt.Errorf("scheduler.workers must be > 0")
	}
	if c.Scheduler.QueueDepth <= 0 {
		return fmt.Errorf("scheduler.queue_depth must be > 0")
	}
	if c.Scheduler.JobTimeoutSeconds <= 0 {
		return fmt.Errorf("scheduler.job_timeout_seconds must be > 0")
	}
	if c.Scheduler.Timezone != "" {
		if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
			return fmt.Errorf("scheduler.timezone is invalid: %w", err)
		}
	}
	if c.Doris.MaxRows <= 0 {
		return fmt.Errorf("doris.max_rows must be > 0")
	}
	if c.Feishu.MaxRetries < 0 {
		return fmt.Errorf("feishu.max_retries must be >= 0")
	}
	if c.Feishu.TimeoutSeconds <= 0 {
		return fmt.Errorf("feishu.timeout_seconds must be > 0")
	}
	switch c.Store.Backend {
	case "memory":
	case "sqlite":
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("store.sqlite_path must be set when store.backend is sqlite")
		}
	case "postgres":
		if c.Store.Postgres.DSN == "" {
			return fmt.Errorf("store.postgres.dsn must be set when store.backend is postgres")
		}
	default:
		return fmt.Errorf("store.backend %q is not supported", c.Store.Backend)
	}
	switch c.Archive.Backend {
	case "", "none", "memory":
	case "local":
		if c.Archive.Local.BaseDir == "" {
			return fmt.Errorf("archive.local.base_dir must be set when archive.backend is local")
		}
	case "gcs":
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket must be set when archive.backend is gcs")
		}
	default:
		return fmt.Errorf("archive.backend %q is not supported", c.Archive.Backend)
	}
	switch c.Events.Backend {
	case "", "none":
	case "memory":
		if c.Events.Topic == "" {
			return fmt.Errorf("events.topic must be set when events.backend is memory")
		}
		if c.Events.History <= 0 {
			return fmt.Errorf("events.history must be > 0 when events.backend is memory")
		}
	case "pubsub":
		if c.Events.ProjectID == "" || c.Events.Topic == "" {
			return fmt.Errorf("events.project_id and events.topic must be set when events.backend is pubsub")
		}
	default:
		return fmt.Errorf("events.backend %q is not supported", c.Events.Backend)
	}
	seen := make(map[string]struct{}, len(c.Tasks))
	for i, task := range c.Tasks {
		if _, dup := seen[task.ID]; dup {
			return fmt.Errorf("tasks[%d]: duplicate id %q", i, task.ID)
		}
		seen[task.ID] = struct{}{}
		if err := task.Normalize().Validate(); err != nil {
			return fmt.Errorf("tasks[%d]: %w", i, err)
		}
	}
	return nil
}

// Addr returns the listen address for the HTTP server.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// JobTimeout bounds a single run (query + push + archive).
func (c Config) JobTimeout() time.Duration {
	return time.Duration(c.Scheduler.JobTimeoutSeconds) * time.Second
}

// ShutdownTimeout bounds graceful HTTP shutdown.
func (c Config) ShutdownTimeout() time.Duration {
	if c.Server.ShutdownTimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.Server.ShutdownTimeoutSeconds) * time.Second
}
