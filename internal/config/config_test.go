package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/JakeFAU/doris-feishu-pusher/internal/push"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := cfg.Addr(); got != "0.0.0.0:7000" {
		t.Fatalf("expected default addr 0.0.0.0:7000, got %s", got)
	}
	if cfg.Server.StaticDir != "static" {
		t.Fatalf("expected static dir default, got %q", cfg.Server.StaticDir)
	}
	if cfg.CORS.MaxAgeSeconds != 3600 || !cfg.CORS.AllowCredentials {
		t.Fatalf("expected permissive CORS defaults, got %+v", cfg.CORS)
	}
	if cfg.Store.Backend != "memory" {
		t.Fatalf("expected memory store default, got %q", cfg.Store.Backend)
	}
	if cfg.Events.Backend != "memory" || cfg.Events.Topic != "push-runs" || cfg.Events.History != 256 {
		t.Fatalf("expected in-memory event log defaults, got %+v", cfg.Events)
	}
	if cfg.Service.Version != "1.0.0" {
		t.Fatalf("expected version 1.0.0, got %q", cfg.Service.Version)
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
  static_dir: web
logging:
  development: false
  level: info
  file: ""
scheduler:
  timezone: UTC
  workers: 4
  job_timeout_seconds: 45
doris:
  host: doris-fe
  port: 9031
  database: dw
  max_rows: 100
feishu:
  webhook_url: https://open.feishu.cn/open-apis/bot/v2/hook/default
  secret: s3cret
store:
  backend: sqlite
  sqlite_path: /tmp/pusher.db
archive:
  backend: local
  local:
    base_dir: /tmp/archive
tasks:
  - id: daily-gmv
    name: Daily GMV
    cron: "0 9 * * *"
    sql: SELECT region, gmv FROM dws_gmv_daily
    style: post
    max_rows: 20
    enabled: true
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 || cfg.Server.StaticDir != "web" {
		t.Fatalf("expected server overrides, got %+v", cfg.Server)
	}
	if cfg.Doris.Host != "doris-fe" || cfg.Doris.Port != 9031 || cfg.Doris.Database != "dw" {
		t.Fatalf("expected doris overrides, got %+v", cfg.Doris)
	}
	if cfg.Store.Backend != "sqlite" || cfg.Archive.Backend != "local" {
		t.Fatalf("expected backend overrides, got store=%q archive=%q", cfg.Store.Backend, cfg.Archive.Backend)
	}
	if len(cfg.Tasks) != 1 {
		t.Fatalf("expected one seed task, got %d", len(cfg.Tasks))
	}
	task := cfg.Tasks[0]
	if task.ID != "daily-gmv" || task.Style != push.StylePost || task.MaxRows != 20 || !task.Enabled {
		t.Fatalf("expected seed task to be decoded: %+v", task)
	}
	if got := cfg.JobTimeout(); got != 45*time.Second {
		t.Fatalf("expected job timeout 45s, got %v", got)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "invalid port", mutate: func(c *Config) { c.Server.Port = 0 }, want: "server.port"},
		{name: "empty static dir", mutate: func(c *Config) { c.Server.StaticDir = " " }, want: "server.static_dir"},
		{name: "bad origin pattern", mutate: func(c *Config) { c.CORS.OriginPattern = "(" }, want: "cors.origin_pattern"},
		{name: "no workers", mutate: func(c *Config) { c.Scheduler.Workers = 0 }, want: "scheduler.workers"},
		{name: "bad timezone", mutate: func(c *Config) { c.Scheduler.Timezone = "Mars/Olympus" }, want: "scheduler.timezone"},
		{name: "no rows", mutate: func(c *Config) { c.Doris.MaxRows = 0 }, want: "doris.max_rows"},
		{name: "unknown store", mutate: func(c *Config) { c.Store.Backend = "mongo" }, want: "store.backend"},
		{name: "postgres without dsn", mutate: func(c *Config) { c.Store.Backend = "postgres" }, want: "store.postgres.dsn"},
		{name: "gcs without bucket", mutate: func(c *Config) { c.Archive.Backend = "gcs" }, want: "archive.bucket"},
		{name: "pubsub without project", mutate: func(c *Config) { c.Events.Backend = "pubsub" }, want: "events.project_id"},
		{name: "memory events without history", mutate: func(c *Config) { c.Events.History = 0 }, want: "events.history"},
		{name: "unknown events backend", mutate: func(c *Config) { c.Events.Backend = "kafka" }, want: "events.backend"},
		{name: "unknown archive", mutate: func(c *Config) { c.Archive.Backend = "s3" }, want: "archive.backend"},
		{name: "invalid task", mutate: func(c *Config) {
			c.Tasks = []push.Task{{ID: "x", Name: "x", Cron: "@daily"}}
		}, want: "tasks[0]"},
		{name: "duplicate task", mutate: func(c *Config) {
			task := push.Task{ID: "x", Name: "x", Cron: "@daily", SQL: "SELECT 1"}
			c.Tasks = []push.Task{task, task}
		}, want: "duplicate id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			cfg.Tasks = nil
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
