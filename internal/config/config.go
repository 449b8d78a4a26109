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
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Pool      PoolConfig      `mapstructure:"pool"`
	Capture   CaptureConfig   `mapstructure:"capture"`
	OCR       OCRConfig       `mapstructure:"ocr"`
	Transcode TranscodeConfig `mapstructure:"transcode"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Store     StoreConfig     `mapstructure:"store"`
	Probe     ProbeConfig     `mapstructure:"probe"`
	Publisher PublisherConfig `mapstructure:"publisher"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// PoolConfig governs the browser session pool.
type PoolConfig struct {
	MaxSessions    int `mapstructure:"max_sessions"`
	AcquireWaitSec int `mapstructure:"acquire_wait_seconds"`
}

// CaptureConfig governs navigation and artifact production.
type CaptureConfig struct {
	JobTimeoutSec     int     `mapstructure:"job_timeout_seconds"`
	MaxJobTimeoutSec  int     `mapstructure:"max_job_timeout_seconds"`
	SettleStrategy    string  `mapstructure:"settle_strategy"`
	SettleDelayMs     int     `mapstructure:"settle_delay_ms"`
	NetworkQuietMs    int     `mapstructure:"network_quiet_ms"`
	MaxRetries        int     `mapstructure:"max_retries"`
	BackoffInitialMs  int     `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs      int     `mapstructure:"backoff_max_ms"`
	VideoDurationSec  int     `mapstructure:"video_duration_seconds"`
	PerHostQPS        float64 `mapstructure:"per_host_qps"`
	ViewportWidth     int     `mapstructure:"viewport_width"`
	ViewportHeight    int     `mapstructure:"viewport_height"`
	UserAgent         string  `mapstructure:"user_agent"`
	CPUWorkers        int     `mapstructure:"cpu_workers"`
	OCRTimeoutSec     int     `mapstructure:"ocr_timeout_seconds"`
	TranscodeTimeoutS int     `mapstructure:"transcode_timeout_seconds"`
}

// OCRConfig selects the OCR engine invocation parameters.
type OCRConfig struct {
	Binary    string `mapstructure:"binary"`
	Languages string `mapstructure:"languages"`
	PSM       int    `mapstructure:"psm"`
}

// TranscodeConfig points at the transcoding binaries and output defaults.
type TranscodeConfig struct {
	FFmpegBinary  string `mapstructure:"ffmpeg_binary"`
	FFprobeBinary string `mapstructure:"ffprobe_binary"`
	DefaultTarget string `mapstructure:"default_container"`
}

// CacheConfig bounds the result cache.
type CacheConfig struct {
	Capacity       int `mapstructure:"capacity"`
	NegativeTTLSec int `mapstructure:"negative_ttl_seconds"`
}

// StoreConfig sets artifact spill behavior.
type StoreConfig struct {
	SpillThresholdBytes int64  `mapstructure:"spill_threshold_bytes"`
	ScratchDir          string `mapstructure:"scratch_dir"`
}

// ProbeConfig controls the preflight content check.
type ProbeConfig struct {
	Enabled    bool `mapstructure:"enabled"`
	TimeoutSec int  `mapstructure:"timeout_seconds"`
}

// PublisherConfig selects the terminal-result publisher.
type PublisherConfig struct {
	Provider  string `mapstructure:"provider"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CAPTURE")
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
	v.SetDefault("pool.max_sessions", 2)
	v.SetDefault("pool.acquire_wait_seconds", 10)
	v.SetDefault("capture.job_timeout_seconds", 30)
	v.SetDefault("capture.max_job_timeout_seconds", 120)
	v.SetDefault("capture.settle_strategy", "network_idle")
	v.SetDefault("capture.settle_delay_ms", 500)
	v.SetDefault("capture.network_quiet_ms", 500)
	v.SetDefault("capture.max_retries", 2)
	v.SetDefault("capture.backoff_initial_ms", 250)
	v.SetDefault("capture.backoff_max_ms", 2000)
	v.SetDefault("capture.video_duration_seconds", 5)
	v.SetDefault("capture.per_host_qps", 0)
	v.SetDefault("capture.viewport_width", 1280)
	v.SetDefault("capture.viewport_height", 800)
	v.SetDefault("capture.user_agent", "capturepipe/0.1")
	v.SetDefault("capture.cpu_workers", 2)
	v.SetDefault("capture.ocr_timeout_seconds", 30)
	v.SetDefault("capture.transcode_timeout_seconds", 60)
	v.SetDefault("ocr.binary", "tesseract")
	v.SetDefault("ocr.languages", "eng")
	v.SetDefault("ocr.psm", 3)
	v.SetDefault("transcode.ffmpeg_binary", "ffmpeg")
	v.SetDefault("transcode.ffprobe_binary", "ffprobe")
	v.SetDefault("transcode.default_container", "webm")
	v.SetDefault("cache.capacity", 128)
	v.SetDefault("cache.negative_ttl_seconds", 30)
	v.SetDefault("store.spill_threshold_bytes", 8<<20)
	v.SetDefault("probe.enabled", true)
	v.SetDefault("probe.timeout_seconds", 5)
	v.SetDefault("publisher.provider", "none")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Pool.MaxSessions <= 0 {
		return fmt.Errorf("pool.max_sessions must be > 0")
	}
	if c.Capture.JobTimeoutSec <= 0 {
		return fmt.Errorf("capture.job_timeout_seconds must be > 0")
	}
	if c.Capture.MaxJobTimeoutSec < c.Capture.JobTimeoutSec {
		return fmt.Errorf("capture.max_job_timeout_seconds must be >= capture.job_timeout_seconds")
	}
	switch c.Capture.SettleStrategy {
	case "network_idle", "wait_ready", "fixed_delay":
	default:
		return fmt.Errorf("capture.settle_strategy must be one of network_idle, wait_ready, fixed_delay")
	}
	if c.Cache.Capacity <= 0 {
		return fmt.Errorf("cache.capacity must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Publisher.Provider {
	case "", "none":
	case "pubsub":
		if c.Publisher.ProjectID == "" || c.Publisher.TopicName == "" {
			return fmt.Errorf("publisher.project_id and publisher.topic_name must be set for pubsub")
		}
	default:
		return fmt.Errorf("unknown publisher.provider %q", c.Publisher.Provider)
	}
	return nil
}

// JobTimeout returns the default per-job deadline.
func (c Config) JobTimeout() time.Duration {
	return time.Duration(c.Capture.JobTimeoutSec) * time.Second
}

// MaxJobTimeout returns the largest per-job deadline a caller may request.
func (c Config) MaxJobTimeout() time.Duration {
	return time.Duration(c.Capture.MaxJobTimeoutSec) * time.Second
}

// AcquireWait returns how long a job waits for a pool context.
func (c Config) AcquireWait() time.Duration {
	return time.Duration(c.Pool.AcquireWaitSec) * time.Second
}

// NegativeTTL returns the negative-cache window.
func (c Config) NegativeTTL() time.Duration {
	return time.Duration(c.Cache.NegativeTTLSec) * time.Second
}
