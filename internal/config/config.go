// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Crawler  CrawlerConfig  `mapstructure:"crawler"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Throttle ThrottleConfig `mapstructure:"throttle"`
	Assets   AssetsConfig   `mapstructure:"assets"`
	DB       DBConfig       `mapstructure:"db"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Server   ServerConfig   `mapstructure:"server"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
	Progress ProgressConfig `mapstructure:"progress"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	// Debug forces a development logger at debug level.
	Debug bool `mapstructure:"debug"`
}

// CrawlerConfig governs the worker pool.
type CrawlerConfig struct {
	Workers     int           `mapstructure:"workers"`
	ResultWait  time.Duration `mapstructure:"result_wait"`
	ReportEvery time.Duration `mapstructure:"report_every"`
	BaseURL     string        `mapstructure:"base_url"`
	UserAgent   string        `mapstructure:"user_agent"`
	// RespectRobots skips ids disallowed by the site's robots.txt.
	RespectRobots bool `mapstructure:"respect_robots"`
}

// HTTPConfig configures page fetches.
type HTTPConfig struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	MinBodyBytes int           `mapstructure:"min_body_bytes"`
}

// ThrottleConfig configures per-worker pacing and the optional global cap.
type ThrottleConfig struct {
	Min         time.Duration `mapstructure:"min"`
	Max         time.Duration `mapstructure:"max"`
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	MaxJitter   time.Duration `mapstructure:"max_jitter"`
	// GlobalRPS caps requests per second across all workers; 0 disables it.
	GlobalRPS   float64 `mapstructure:"global_rps"`
	GlobalBurst int     `mapstructure:"global_burst"`
}

// AssetsConfig configures image and attachment localization.
type AssetsConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	Root               string        `mapstructure:"root"`
	PublicPrefix       string        `mapstructure:"public_prefix"`
	ImageTimeout       time.Duration `mapstructure:"image_timeout"`
	AttachmentTimeout  time.Duration `mapstructure:"attachment_timeout"`
	AttachmentMaxBytes int64         `mapstructure:"attachment_max_bytes"`
	// GCSBucket enables a mirror of every downloaded asset when set.
	GCSBucket string `mapstructure:"gcs_bucket"`
	GCSPrefix string `mapstructure:"gcs_prefix"`
	// MirrorDir copies every downloaded asset into a second directory.
	MirrorDir string `mapstructure:"mirror_dir"`
}

// DBConfig selects and configures the article store.
type DBConfig struct {
	Driver   string `mapstructure:"driver"`
	DSN      string `mapstructure:"dsn"`
	Path     string `mapstructure:"path"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// PubSubConfig holds the article notification topic. Empty disables publishing.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// Enabled reports whether notifications go to Pub/Sub.
func (c PubSubConfig) Enabled() bool {
	return c.ProjectID != "" && c.Topic != ""
}

// ServerConfig controls the ops HTTP server.
type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
	// ProjectID exports sampled spans to Cloud Trace when set.
	ProjectID string `mapstructure:"project_id"`
}

// ProgressConfig tunes the progress hub.
type ProgressConfig struct {
	BufferSize   int           `mapstructure:"buffer_size"`
	MaxBatchWait time.Duration `mapstructure:"max_batch_wait"`
	// PersistRuns records runs and their counters in the article database.
	PersistRuns bool `mapstructure:"persist_runs"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
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
	v.SetDefault("crawler.workers", 50)
	v.SetDefault("crawler.result_wait", 30*time.Second)
	v.SetDefault("crawler.report_every", 10*time.Second)
	v.SetDefault("crawler.base_url", "https://knowledge.broadcom.com/external/article/")
	v.SetDefault("crawler.user_agent", "")
	v.SetDefault("crawler.respect_robots", false)
	v.SetDefault("http.timeout", 30*time.Second)
	v.SetDefault("http.max_attempts", 3)
	v.SetDefault("http.min_body_bytes", 1000)
	v.SetDefault("throttle.min", 100*time.Millisecond)
	v.SetDefault("throttle.max", 300*time.Millisecond)
	v.SetDefault("throttle.backoff_base", time.Second)
	v.SetDefault("throttle.max_jitter", time.Second)
	v.SetDefault("throttle.global_rps", 0.0)
	v.SetDefault("throttle.global_burst", 1)
	v.SetDefault("assets.enabled", true)
	v.SetDefault("assets.root", "static")
	v.SetDefault("assets.public_prefix", "/static")
	v.SetDefault("assets.image_timeout", 5*time.Second)
	v.SetDefault("assets.attachment_timeout", 30*time.Second)
	v.SetDefault("assets.attachment_max_bytes", int64(100*1024*1024))
	v.SetDefault("assets.gcs_bucket", "")
	v.SetDefault("assets.gcs_prefix", "")
	v.SetDefault("assets.mirror_dir", "")
	v.SetDefault("db.driver", DriverSQLite)
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.path", "kb.db")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic", "")
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.addr", ":9090")
	v.SetDefault("tracing.service_name", "kbcrawler")
	v.SetDefault("tracing.sample_ratio", 0.0)
	v.SetDefault("tracing.project_id", "")
	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.max_batch_wait", 250*time.Millisecond)
	v.SetDefault("progress.persist_runs", true)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("debug", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Crawler.Workers <= 0 {
		return fmt.Errorf("crawler.workers must be > 0")
	}
	if c.Crawler.ResultWait <= 0 {
		return fmt.Errorf("crawler.result_wait must be > 0")
	}
	if c.Crawler.BaseURL == "" {
		return fmt.Errorf("crawler.base_url is required")
	}
	if c.HTTP.Timeout <= 0 {
		return fmt.Errorf("http.timeout must be > 0")
	}
	if c.HTTP.MaxAttempts < 1 {
		return fmt.Errorf("http.max_attempts must be >= 1")
	}
	if c.Throttle.Min < 0 || c.Throttle.Min > c.Throttle.Max {
		return fmt.Errorf("throttle.min (%s) must be between 0 and throttle.max (%s)", c.Throttle.Min, c.Throttle.Max)
	}
	if c.Throttle.GlobalRPS < 0 {
		return fmt.Errorf("throttle.global_rps must be >= 0")
	}
	switch c.DB.Driver {
	case DriverSQLite:
		if c.DB.Path == "" {
			return fmt.Errorf("db.path is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown db.driver %q", c.DB.Driver)
	}
	if c.Assets.Enabled && c.Assets.Root == "" {
		return fmt.Errorf("assets.root is required when assets are enabled")
	}
	if c.Assets.GCSBucket != "" && c.Assets.MirrorDir != "" {
		return fmt.Errorf("assets.gcs_bucket and assets.mirror_dir are mutually exclusive")
	}
	if c.Assets.MirrorDir != "" && filepath.Clean(c.Assets.MirrorDir) == filepath.Clean(c.Assets.Root) {
		return fmt.Errorf("assets.mirror_dir must differ from assets.root")
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.Topic == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic must be set together")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be within [0, 1]")
	}
	return nil
}

// LogLevel resolves the effective log level.
func (c Config) LogLevel() string {
	if c.Debug {
		return "debug"
	}
	return c.Logging.Level
}

// Development reports whether the development logger is used.
func (c Config) Development() bool {
	return c.Debug || c.Logging.Development
}
