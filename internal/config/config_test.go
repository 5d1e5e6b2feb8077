package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Crawler.Workers != 50 || cfg.Crawler.ResultWait != 30*time.Second {
		t.Fatalf("unexpected crawler defaults: %+v", cfg.Crawler)
	}
	if cfg.Throttle.Min != 100*time.Millisecond || cfg.Throttle.Max != 300*time.Millisecond {
		t.Fatalf("unexpected throttle defaults: %+v", cfg.Throttle)
	}
	if cfg.HTTP.MaxAttempts != 3 || cfg.HTTP.MinBodyBytes != 1000 {
		t.Fatalf("unexpected http defaults: %+v", cfg.HTTP)
	}
	if cfg.DB.Driver != DriverSQLite || cfg.DB.Path != "kb.db" {
		t.Fatalf("unexpected db defaults: %+v", cfg.DB)
	}
	if cfg.PubSub.Enabled() {
		t.Fatal("pubsub must be disabled by default")
	}
	if cfg.Assets.AttachmentMaxBytes != 100*1024*1024 {
		t.Fatalf("unexpected attachment limit %d", cfg.Assets.AttachmentMaxBytes)
	}
	if cfg.LogLevel() != "info" || cfg.Development() {
		t.Fatalf("unexpected logging defaults: %+v", cfg.Logging)
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
crawler:
  workers: 8
  result_wait: 45s
  base_url: http://127.0.0.1:8080/article/
http:
  timeout: 10s
  max_attempts: 5
throttle:
  min: 50ms
  max: 75ms
  global_rps: 20
assets:
  root: /var/kb/static
  gcs_bucket: kb-assets
db:
  driver: postgres
  dsn: postgres://kb@localhost/kb
pubsub:
  project_id: kb-project
  topic: kb-inserted
server:
  addr: 127.0.0.1:9191
logging:
  development: true
  level: warn
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Crawler.Workers != 8 || cfg.Crawler.ResultWait != 45*time.Second {
		t.Fatalf("expected crawler overrides to apply: %+v", cfg.Crawler)
	}
	if cfg.HTTP.Timeout != 10*time.Second || cfg.HTTP.MaxAttempts != 5 {
		t.Fatalf("expected http overrides to apply: %+v", cfg.HTTP)
	}
	if cfg.Throttle.Max != 75*time.Millisecond || cfg.Throttle.GlobalRPS != 20 {
		t.Fatalf("expected throttle overrides to apply: %+v", cfg.Throttle)
	}
	if cfg.DB.Driver != DriverPostgres || cfg.DB.DSN == "" {
		t.Fatalf("expected postgres: %+v", cfg.DB)
	}
	if !cfg.PubSub.Enabled() {
		t.Fatal("expected pubsub to be enabled")
	}
	if cfg.Assets.GCSBucket != "kb-assets" || cfg.Assets.Root != "/var/kb/static" {
		t.Fatalf("expected asset overrides to apply: %+v", cfg.Assets)
	}
	if !cfg.Development() || cfg.LogLevel() != "warn" {
		t.Fatalf("expected logging overrides to apply: %+v", cfg.Logging)
	}
}

func TestLoadDebugFromEnvironment(t *testing.T) {
	t.Setenv("CRAWLER_DEBUG", "true")
	t.Setenv("CRAWLER_CRAWLER_WORKERS", "3")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !cfg.Debug || !cfg.Development() || cfg.LogLevel() != "debug" {
		t.Fatalf("expected debug mode, got %+v", cfg.Logging)
	}
	if cfg.Crawler.Workers != 3 {
		t.Fatalf("expected workers from env, got %d", cfg.Crawler.Workers)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
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
		{name: "no workers", mutate: func(c *Config) { c.Crawler.Workers = 0 }, want: "crawler.workers"},
		{name: "no result wait", mutate: func(c *Config) { c.Crawler.ResultWait = 0 }, want: "crawler.result_wait"},
		{name: "no attempts", mutate: func(c *Config) { c.HTTP.MaxAttempts = 0 }, want: "http.max_attempts"},
		{name: "inverted throttle", mutate: func(c *Config) { c.Throttle.Min = time.Second }, want: "throttle.min"},
		{name: "unknown driver", mutate: func(c *Config) { c.DB.Driver = "mysql" }, want: "db.driver"},
		{
			name:   "postgres without dsn",
			mutate: func(c *Config) { c.DB.Driver = DriverPostgres },
			want:   "db.dsn",
		},
		{
			name: "two mirrors",
			mutate: func(c *Config) {
				c.Assets.GCSBucket = "kb-assets"
				c.Assets.MirrorDir = "/srv/mirror"
			},
			want: "assets.mirror_dir",
		},
		{name: "mirror onto root", mutate: func(c *Config) { c.Assets.MirrorDir = "static/" }, want: "assets.mirror_dir"},
		{name: "half pubsub", mutate: func(c *Config) { c.PubSub.Topic = "kb" }, want: "pubsub"},
		{name: "bad sample ratio", mutate: func(c *Config) { c.Tracing.SampleRatio = 2 }, want: "tracing.sample_ratio"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
