package config

import (
	"log"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the overall application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Backend    BackendConfig    `yaml:"backend"`
	Verifier   VerifierConfig   `yaml:"verifier"`
	Device     DeviceConfig     `yaml:"device"`
	Engine     EngineConfig     `yaml:"engine"`
	Sweep      SweepConfig      `yaml:"sweep"`
	Database   DatabaseConfig   `yaml:"database"`
	Push       PushConfig       `yaml:"push"`
	WorkerPool WorkerPoolConfig `yaml:"worker_pool"`
}

// ServerConfig holds the local status API configuration.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	RateLimitPerSec float64       `yaml:"rate_limit_per_sec"`
	RateLimitBurst  int           `yaml:"rate_limit_burst"`
	CacheTTLSeconds int           `yaml:"cache_ttl_seconds"`
	CacheTTL        time.Duration `yaml:"-"`
}

// BackendConfig holds the schedule backend API configuration.
type BackendConfig struct {
	BaseURL         string            `yaml:"base_url"`
	Headers         map[string]string `yaml:"headers"`
	TimeoutSeconds  int               `yaml:"timeout_seconds"`
	Timeout         time.Duration     `yaml:"-"` // Ignored by YAML parser
	CacheTTLSeconds int               `yaml:"cache_ttl_seconds"`
	Timezone        string            `yaml:"timezone"`
	// UserID is the account the orchestrator acts as. ElderID selects the
	// elder when the account is a caregiver; leave empty for elder accounts.
	UserID  string `yaml:"user_id"`
	ElderID string `yaml:"elder_id"`
}

// VerifierConfig holds the image-verification service configuration.
type VerifierConfig struct {
	BaseURL        string        `yaml:"base_url"`
	TimeoutSeconds int           `yaml:"timeout_seconds"`
	Timeout        time.Duration `yaml:"-"`
}

// DeviceConfig holds the dispenser transport configuration.
type DeviceConfig struct {
	// Address is either a serial device path (e.g. /dev/rfcomm0) or a
	// host:port for a TCP-bridged link.
	Address                  string        `yaml:"address"`
	ConnectTimeoutSeconds    int           `yaml:"connect_timeout_seconds"`
	ConnectTimeout           time.Duration `yaml:"-"`
	ReconnectIntervalSeconds int           `yaml:"reconnect_interval_seconds"`
	ReconnectInterval        time.Duration `yaml:"-"`
}

// EngineConfig holds the dose lifecycle engine tunables.
type EngineConfig struct {
	TriggerCooldownSeconds  int           `yaml:"trigger_cooldown_seconds"`
	TriggerCooldown         time.Duration `yaml:"-"`
	StopCooldownSeconds     int           `yaml:"stop_cooldown_seconds"`
	StopCooldown            time.Duration `yaml:"-"`
	PostCaptureDelaySeconds int           `yaml:"post_capture_delay_seconds"`
	PostCaptureDelay        time.Duration `yaml:"-"`
	// AlertingTimeoutSeconds bounds how long a container may stay in the
	// Alerting phase without a stop event. Negative disables the timeout.
	AlertingTimeoutSeconds int           `yaml:"alerting_timeout_seconds"`
	AlertingTimeout        time.Duration `yaml:"-"`
	ExpectedPillCount      int           `yaml:"expected_pill_count"`
}

// SweepConfig holds the periodic schedule maintenance cadences.
type SweepConfig struct {
	DeriveIntervalSeconds int           `yaml:"derive_interval_seconds"`
	DeriveInterval        time.Duration `yaml:"-"`
	ReloadIntervalSeconds int           `yaml:"reload_interval_seconds"`
	ReloadInterval        time.Duration `yaml:"-"`
	MissedIntervalSeconds int           `yaml:"missed_interval_seconds"`
	MissedInterval        time.Duration `yaml:"-"`
}

// PushConfig holds the VAPID keys for caregiver web push notifications.
type PushConfig struct {
	PublicKey  string `yaml:"vapid_public_key"`
	PrivateKey string `yaml:"vapid_private_key"`
	Subject    string `yaml:"subject"`
	TTL        int    `yaml:"ttl"`
}

// WorkerPoolConfig holds the configuration for the notification worker pool.
type WorkerPoolConfig struct {
	Size int `yaml:"size"`
}

// DatabaseConfig holds the local history database configuration.
type DatabaseConfig struct {
	DSN                    string `yaml:"dsn"`
	Driver                 string `yaml:"driver"` // "sqlite" or "postgres"
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
}

// Load reads the configuration from the given path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	if cfg.Server.Port <= 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.RateLimitPerSec <= 0 {
		cfg.Server.RateLimitPerSec = 10
	}
	if cfg.Server.RateLimitBurst <= 0 {
		cfg.Server.RateLimitBurst = 5
	}
	if cfg.Server.CacheTTLSeconds <= 0 {
		cfg.Server.CacheTTLSeconds = 5
	}
	cfg.Server.CacheTTL = time.Duration(cfg.Server.CacheTTLSeconds) * time.Second

	if cfg.Backend.TimeoutSeconds <= 0 {
		cfg.Backend.TimeoutSeconds = 15
	}
	cfg.Backend.Timeout = time.Duration(cfg.Backend.TimeoutSeconds) * time.Second
	if cfg.Backend.CacheTTLSeconds <= 0 {
		cfg.Backend.CacheTTLSeconds = 30
	}
	if cfg.Backend.Timezone == "" {
		cfg.Backend.Timezone = "Local"
	}

	if cfg.Verifier.TimeoutSeconds <= 0 {
		cfg.Verifier.TimeoutSeconds = 20
	}
	cfg.Verifier.Timeout = time.Duration(cfg.Verifier.TimeoutSeconds) * time.Second

	if cfg.Device.ConnectTimeoutSeconds <= 0 {
		cfg.Device.ConnectTimeoutSeconds = 5
	}
	cfg.Device.ConnectTimeout = time.Duration(cfg.Device.ConnectTimeoutSeconds) * time.Second
	if cfg.Device.ReconnectIntervalSeconds <= 0 {
		cfg.Device.ReconnectIntervalSeconds = 5
	}
	cfg.Device.ReconnectInterval = time.Duration(cfg.Device.ReconnectIntervalSeconds) * time.Second

	if cfg.Engine.TriggerCooldownSeconds <= 0 {
		cfg.Engine.TriggerCooldownSeconds = 3
	}
	cfg.Engine.TriggerCooldown = time.Duration(cfg.Engine.TriggerCooldownSeconds) * time.Second
	if cfg.Engine.StopCooldownSeconds <= 0 {
		cfg.Engine.StopCooldownSeconds = 2
	}
	cfg.Engine.StopCooldown = time.Duration(cfg.Engine.StopCooldownSeconds) * time.Second
	if cfg.Engine.PostCaptureDelaySeconds <= 0 {
		cfg.Engine.PostCaptureDelaySeconds = 3
	}
	cfg.Engine.PostCaptureDelay = time.Duration(cfg.Engine.PostCaptureDelaySeconds) * time.Second
	if cfg.Engine.AlertingTimeoutSeconds == 0 {
		cfg.Engine.AlertingTimeoutSeconds = 300
	}
	if cfg.Engine.AlertingTimeoutSeconds > 0 {
		cfg.Engine.AlertingTimeout = time.Duration(cfg.Engine.AlertingTimeoutSeconds) * time.Second
	}
	if cfg.Engine.ExpectedPillCount <= 0 {
		cfg.Engine.ExpectedPillCount = 1
	}

	if cfg.Sweep.DeriveIntervalSeconds <= 0 {
		cfg.Sweep.DeriveIntervalSeconds = 10
	}
	cfg.Sweep.DeriveInterval = time.Duration(cfg.Sweep.DeriveIntervalSeconds) * time.Second
	if cfg.Sweep.ReloadIntervalSeconds <= 0 {
		cfg.Sweep.ReloadIntervalSeconds = 30
	}
	cfg.Sweep.ReloadInterval = time.Duration(cfg.Sweep.ReloadIntervalSeconds) * time.Second
	if cfg.Sweep.MissedIntervalSeconds <= 0 {
		cfg.Sweep.MissedIntervalSeconds = 120
	}
	cfg.Sweep.MissedInterval = time.Duration(cfg.Sweep.MissedIntervalSeconds) * time.Second

	if cfg.Push.TTL <= 0 {
		cfg.Push.TTL = 3600
	}

	if cfg.WorkerPool.Size <= 0 {
		log.Printf("worker_pool.size is not set or invalid; defaulting to 1")
		cfg.WorkerPool.Size = 1
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.DSN == "" {
		cfg.Database.DSN = "pillnow.db"
	}

	return &cfg, nil
}
