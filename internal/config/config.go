// Package config loads and validates newsstand configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/newsstand/internal/policy/ratelimit"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig     `mapstructure:"server"`
	Logging   LoggingConfig    `mapstructure:"logging"`
	Cache     CacheConfig      `mapstructure:"cache"`
	Catalog   CatalogConfig    `mapstructure:"catalog"`
	Rotation  RotationConfig   `mapstructure:"rotation"`
	Raster    RasterConfig     `mapstructure:"raster"`
	Scheduler SchedulerConfig  `mapstructure:"scheduler"`
	HTTP      HTTPConfig       `mapstructure:"http"`
	Acquire   AcquireConfig    `mapstructure:"acquire"`
	RateLimit ratelimit.Config `mapstructure:"rate_limit"`
	Archive   ArchiveConfig    `mapstructure:"archive"`
	PubSub    PubSubConfig     `mapstructure:"pubsub"`
	Devices   DevicesConfig    `mapstructure:"devices"`
	Telemetry TelemetryConfig  `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// CacheConfig selects the cache store and retention.
type CacheConfig struct {
	Backend       string `mapstructure:"backend"`
	Root          string `mapstructure:"root"`
	RetentionDays int    `mapstructure:"retention_days"`
}

// CatalogConfig points at the source and viewer catalog file.
type CatalogConfig struct {
	Path string `mapstructure:"path"`
}

// RotationConfig governs the selector.
type RotationConfig struct {
	WindowDays            int    `mapstructure:"window_days"`
	Policy                string `mapstructure:"policy"`
	Seed                  uint64 `mapstructure:"seed"`
	DefaultDisplayMinutes int    `mapstructure:"default_display_minutes"`
}

// RasterConfig governs document conversion.
type RasterConfig struct {
	Width  int     `mapstructure:"width"`
	MaxDPI float64 `mapstructure:"max_dpi"`
}

// SchedulerConfig chooses when refresh passes run.
type SchedulerConfig struct {
	Cron     string        `mapstructure:"cron"`
	Interval time.Duration `mapstructure:"interval"`
	Timezone string        `mapstructure:"timezone"`
}

// HTTPConfig configures the document fetcher.
type HTTPConfig struct {
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	UserAgent      string `mapstructure:"user_agent"`
	MaxBodyBytes   int    `mapstructure:"max_body_bytes"`
}

// AcquireConfig bounds pipeline concurrency.
type AcquireConfig struct {
	MaxInFlight int `mapstructure:"max_in_flight"`
}

// ArchiveConfig enables the GCS mirror of Ready rasters.
type ArchiveConfig struct {
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for ready-event notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// DevicesConfig holds the device API credentials. Empty ClientID disables polling.
type DevicesConfig struct {
	APIHost      string `mapstructure:"api_host"`
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
}

// TelemetryConfig names the service in traces.
type TelemetryConfig struct {
	ServiceName string `mapstructure:"service_name"`
}

// Cache backends.
const (
	BackendLocal  = "local"
	BackendMemory = "memory"
)

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("NEWSSTAND")
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
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("cache.backend", BackendLocal)
	v.SetDefault("cache.root", "./.newspapers")
	v.SetDefault("cache.retention_days", 35)
	v.SetDefault("catalog.path", "configs/catalog.yaml")
	v.SetDefault("rotation.window_days", 3)
	v.SetDefault("rotation.policy", "random")
	v.SetDefault("rotation.seed", 0)
	v.SetDefault("rotation.default_display_minutes", 60)
	v.SetDefault("raster.width", 1600)
	v.SetDefault("raster.max_dpi", 600)
	v.SetDefault("scheduler.cron", "0 * * * *")
	v.SetDefault("scheduler.interval", time.Duration(0))
	v.SetDefault("scheduler.timezone", "")
	v.SetDefault("http.timeout_seconds", 60)
	v.SetDefault("http.user_agent", "newsstand/0.1")
	v.SetDefault("http.max_body_bytes", 64<<20)
	v.SetDefault("acquire.max_in_flight", 4)
	v.SetDefault("rate_limit.default_rps", 2)
	v.SetDefault("rate_limit.default_burst", 2)
	v.SetDefault("archive.gcs_bucket", "")
	v.SetDefault("archive.prefix", "newsstand")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("devices.api_host", "https://portal.getjoan.com/api")
	v.SetDefault("devices.client_id", "")
	v.SetDefault("devices.client_secret", "")
	v.SetDefault("telemetry.service_name", "newsstand")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	switch c.Cache.Backend {
	case BackendLocal:
		if strings.TrimSpace(c.Cache.Root) == "" {
			return fmt.Errorf("cache.root is required for the local backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("cache.backend must be %q or %q", BackendLocal, BackendMemory)
	}
	if c.Cache.RetentionDays > 0 && c.Cache.RetentionDays < c.Rotation.WindowDays {
		return fmt.Errorf("cache.retention_days must be >= rotation.window_days")
	}
	if strings.TrimSpace(c.Catalog.Path) == "" {
		return fmt.Errorf("catalog.path is required")
	}
	if c.Rotation.WindowDays <= 0 {
		return fmt.Errorf("rotation.window_days must be > 0")
	}
	if c.Rotation.Policy != "random" && c.Rotation.Policy != "round_robin" {
		return fmt.Errorf("rotation.policy must be random or round_robin")
	}
	if c.Rotation.DefaultDisplayMinutes <= 0 {
		return fmt.Errorf("rotation.default_display_minutes must be > 0")
	}
	if c.Raster.Width <= 0 {
		return fmt.Errorf("raster.width must be > 0")
	}
	if c.Scheduler.Cron == "" && c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.cron or scheduler.interval must be set")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.Acquire.MaxInFlight <= 0 {
		return fmt.Errorf("acquire.max_in_flight must be > 0")
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	if c.Devices.ClientID != "" && c.Devices.ClientSecret == "" {
		return fmt.Errorf("devices.client_secret must be set when devices.client_id is set")
	}
	return nil
}

// FetchTimeout converts the HTTP timeout into a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}
