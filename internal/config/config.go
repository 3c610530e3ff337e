// Package config loads the service's runtime configuration from a YAML
// file, with environment variables overriding specific fields.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the record captured at startup. main applies its
// command-line overrides right after Load, before the manager and
// server are built; from then on it is not mutated, and the manager
// and sessions hold a pointer to it purely for read access.
type Config struct {
	// ChannelHost/ChannelPort is where the websocket endpoint listens.
	ChannelHost string `yaml:"channel_host"`
	ChannelPort int    `yaml:"channel_port"`

	// HealthPort is the liveness-probe HTTP port (separate from the
	// channel port so a load balancer can probe it without upgrading).
	HealthPort int `yaml:"health_port"`

	// Workers is the number of concurrent transcode jobs.
	Workers int `yaml:"workers"`

	// JobTimeout bounds a single job's subprocess wall-clock time.
	JobTimeout time.Duration `yaml:"job_timeout"`

	// FFmpegPath/FFprobePath are the subprocess binaries to invoke.
	FFmpegPath  string `yaml:"ffmpeg_path"`
	FFprobePath string `yaml:"ffprobe_path"`

	// FFmpegThreads hints the transcoder's thread count (0 = let
	// ffmpeg decide).
	FFmpegThreads int `yaml:"ffmpeg_threads"`

	// MaxUploadBytes/MaxDownloadBytes cap the Input Stager's byte
	// budget for upload and URL-sourced inputs respectively.
	MaxUploadBytes   int64 `yaml:"max_upload_bytes"`
	MaxDownloadBytes int64 `yaml:"max_download_bytes"`

	// WorkRoot is the directory under which per-job work directories
	// are created.
	WorkRoot string `yaml:"work_root"`

	// QueueCapacity bounds the number of jobs the Job Manager will
	// hold in its FIFO at once (queued + running).
	QueueCapacity int `yaml:"queue_capacity"`

	// UploadWaitTimeout bounds how long a job with an upload input
	// waits, once running, for the client to deliver the binary frame.
	UploadWaitTimeout time.Duration `yaml:"upload_wait_timeout"`

	// JobRetention is how long a terminal job is kept in the Job
	// Manager's queue (and its store) before the sweeper prunes it. A
	// session's own job map is not pruned.
	JobRetention time.Duration `yaml:"job_retention"`

	// CleanupInterval/CleanupMaxAge drive the background sweeper that
	// removes stale work directories as a belt-and-braces measure.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	CleanupMaxAge   time.Duration `yaml:"cleanup_max_age"`

	// LogLevel: debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// FrameSizeCap bounds a single inbound websocket message (text or
	// binary header+payload) in bytes.
	FrameSizeCap int64 `yaml:"frame_size_cap"`

	// KeepaliveInterval/KeepaliveTimeout drive websocket ping/pong.
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`
	KeepaliveTimeout  time.Duration `yaml:"keepalive_timeout"`

	// QueueStore selects the Job Manager's persistence backend:
	// "memory" (default) or "sqlite".
	QueueStore string `yaml:"queue_store"`

	// QueueStorePath is the sqlite database path, used only when
	// QueueStore is "sqlite".
	QueueStorePath string `yaml:"queue_store_path"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ChannelHost:       "0.0.0.0",
		ChannelPort:       8090,
		HealthPort:        8091,
		Workers:           4,
		JobTimeout:        2 * time.Hour,
		FFmpegPath:        "ffmpeg",
		FFprobePath:       "ffprobe",
		FFmpegThreads:     0,
		MaxUploadBytes:    2 << 30, // 2 GiB
		MaxDownloadBytes:  2 << 30,
		WorkRoot:          "/tmp/mediaforge",
		QueueCapacity:     64,
		UploadWaitTimeout: 30 * time.Second,
		JobRetention:      30 * time.Second,
		CleanupInterval:   60 * time.Second,
		CleanupMaxAge:     6 * time.Hour,
		LogLevel:          "info",
		FrameSizeCap:      16 << 20, // 16 MiB
		KeepaliveInterval: 30 * time.Second,
		KeepaliveTimeout:  10 * time.Second,
		QueueStore:        "memory",
		QueueStorePath:    "",
	}
}

// Load reads config from a YAML file, applying defaults for missing
// values. A missing file is not an error: the defaults, with any
// environment overrides applied, are returned.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(cfg)
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	applyEnvOverrides(cfg)

	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Workers < 1 {
		c.Workers = 1
	}
	if c.FFmpegPath == "" {
		c.FFmpegPath = "ffmpeg"
	}
	if c.FFprobePath == "" {
		c.FFprobePath = "ffprobe"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.QueueStore == "" {
		c.QueueStore = "memory"
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 64
	}
	if c.WorkRoot == "" {
		c.WorkRoot = os.TempDir()
	}
}

// applyEnvOverrides lets a handful of operational settings be pinned
// by the environment without editing the YAML file, matching the
// teacher's MEDIA_PATH/CONFIG_PATH override pattern.
func applyEnvOverrides(c *Config) {
	if v := os.Getenv("MEDIAFORGE_WORK_ROOT"); v != "" {
		c.WorkRoot = v
	}
	if v := os.Getenv("MEDIAFORGE_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("MEDIAFORGE_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Workers = n
		}
	}
	if v := os.Getenv("MEDIAFORGE_CHANNEL_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.ChannelPort = n
		}
	}
}

// Save writes the config to a YAML file, creating the parent
// directory if needed.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// Validate reports configuration errors that Load's defaulting can't
// silently repair.
func (c *Config) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("workers must be >= 1, got %d", c.Workers)
	}
	if c.QueueCapacity < 1 {
		return fmt.Errorf("queue_capacity must be >= 1, got %d", c.QueueCapacity)
	}
	if c.ChannelPort == c.HealthPort {
		return fmt.Errorf("channel_port and health_port must differ")
	}
	return nil
}
