package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// RedisConfig holds job store connection settings.
type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
	// TTLSeconds applies to job records and per-phase result lists.
	TTLSeconds int `json:"ttl_seconds" yaml:"ttl_seconds"`
}

// TTL returns the configured key TTL as a duration.
func (c RedisConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// PostgresConfig holds the analytics store connection.
type PostgresConfig struct {
	DSN string `json:"dsn" yaml:"dsn"`
}

// BlobConfig selects and configures the blob store backend.
type BlobConfig struct {
	// Provider: "s3" or "dir" (local filesystem, for development).
	Provider string `json:"provider" yaml:"provider"`
	Endpoint string `json:"endpoint" yaml:"endpoint"` // custom S3 endpoint, optional
	Region   string `json:"region" yaml:"region"`
	LocalDir string `json:"local_dir" yaml:"local_dir"` // dir provider root
}

// LabelConfig is the per-EDR-label image reference for detonation VMs.
type LabelConfig struct {
	BaseImageID string `json:"base_image_id" yaml:"base_image_id"`
}

// PoolConfig holds VM pool settings.
type PoolConfig struct {
	PoolSize           int    `json:"pool_size" yaml:"pool_size"` // per EDR label
	MaxUses            int    `json:"max_uses" yaml:"max_uses"`
	CleanTimeoutSec    int    `json:"clean_timeout_sec" yaml:"clean_timeout_sec"`
	AcquireTimeoutSec  int    `json:"acquire_timeout_sec" yaml:"acquire_timeout_sec"`
	VMSize             string `json:"vm_size" yaml:"vm_size"`
	SubnetID           string `json:"subnet_id" yaml:"subnet_id"`
	AdminUsername      string `json:"admin_username" yaml:"admin_username"`
	AdminPassword      string `json:"admin_password" yaml:"admin_password"`
	ProvisionRetries   int    `json:"provision_retries" yaml:"provision_retries"`
	ProvisionBackoffMS int    `json:"provision_backoff_ms" yaml:"provision_backoff_ms"`

	// Labels maps an EDR label (e.g. "crowdstrike") to its base image.
	Labels map[string]LabelConfig `json:"labels" yaml:"labels"`
}

func (c PoolConfig) CleanTimeout() time.Duration {
	return time.Duration(c.CleanTimeoutSec) * time.Second
}

func (c PoolConfig) AcquireTimeout() time.Duration {
	return time.Duration(c.AcquireTimeoutSec) * time.Second
}

// PhaseConfig bounds the fan-out of a single phase.
type PhaseConfig struct {
	MaxConcurrency int `json:"max_concurrency" yaml:"max_concurrency"`
	MaxRetries     int `json:"max_retries" yaml:"max_retries"`
	RetryDelaySec  int `json:"retry_delay_sec" yaml:"retry_delay_sec"`
	SoftTimeoutSec int `json:"soft_timeout_sec" yaml:"soft_timeout_sec"`
	HardTimeoutSec int `json:"hard_timeout_sec" yaml:"hard_timeout_sec"`
}

func (c PhaseConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelaySec) * time.Second
}

func (c PhaseConfig) SoftTimeout() time.Duration {
	return time.Duration(c.SoftTimeoutSec) * time.Second
}

func (c PhaseConfig) HardTimeout() time.Duration {
	return time.Duration(c.HardTimeoutSec) * time.Second
}

// BreakerConfig tunes the per-engine circuit breaker. Transport failures
// against an engine endpoint count toward ErrorPct; a zero ErrorPct disables
// breaking.
type BreakerConfig struct {
	ErrorPct       float64 `json:"error_pct" yaml:"error_pct"`
	WindowSec      int     `json:"window_sec" yaml:"window_sec"`
	OpenSec        int     `json:"open_sec" yaml:"open_sec"`
	HalfOpenProbes int     `json:"half_open_probes" yaml:"half_open_probes"`
}

func (c BreakerConfig) Window() time.Duration {
	return time.Duration(c.WindowSec) * time.Second
}

func (c BreakerConfig) Open() time.Duration {
	return time.Duration(c.OpenSec) * time.Second
}

// PhasesConfig holds per-phase bounds plus the phase 3 detonation knobs.
type PhasesConfig struct {
	CDR PhaseConfig `json:"cdr" yaml:"cdr"`
	AV  PhaseConfig `json:"av" yaml:"av"`
	EDR PhaseConfig `json:"edr" yaml:"edr"`

	Breaker BreakerConfig `json:"breaker" yaml:"breaker"`

	InteractionDurationSec int `json:"interaction_duration_sec" yaml:"interaction_duration_sec"`
	SettleDelaySec         int `json:"settle_delay_sec" yaml:"settle_delay_sec"`
}

func (c PhasesConfig) InteractionDuration() time.Duration {
	return time.Duration(c.InteractionDurationSec) * time.Second
}

func (c PhasesConfig) SettleDelay() time.Duration {
	return time.Duration(c.SettleDelaySec) * time.Second
}

// EngineConfig configures one external CDR/AV/EDR client. APIKey values may
// be $SECRET:name references resolved through the secret store.
type EngineConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Endpoint string `json:"endpoint" yaml:"endpoint"`
	APIKey   string `json:"api_key" yaml:"api_key"`
	// ClientID is used by consoles with OAuth-style auth (e.g. CrowdStrike).
	ClientID string `json:"client_id,omitempty" yaml:"client_id,omitempty"`
}

// EnginesConfig lists the configured external engines by name.
type EnginesConfig struct {
	CDR map[string]EngineConfig `json:"cdr" yaml:"cdr"`
	AV  map[string]EngineConfig `json:"av" yaml:"av"`
	EDR map[string]EngineConfig `json:"edr" yaml:"edr"`
}

// AzureConfig authenticates the ARM VM backend.
type AzureConfig struct {
	SubscriptionID string `json:"subscription_id" yaml:"subscription_id"`
	ResourceGroup  string `json:"resource_group" yaml:"resource_group"`
	Location       string `json:"location" yaml:"location"`
	TenantID       string `json:"tenant_id" yaml:"tenant_id"`
	ClientID       string `json:"client_id" yaml:"client_id"`
	ClientSecret   string `json:"client_secret" yaml:"client_secret"`
}

// ObservabilityConfig holds tracing and log format settings.
type ObservabilityConfig struct {
	TracingEnabled bool    `json:"tracing_enabled" yaml:"tracing_enabled"`
	Exporter       string  `json:"exporter" yaml:"exporter"` // otlp-http, stdout
	Endpoint       string  `json:"endpoint" yaml:"endpoint"`
	SampleRate     float64 `json:"sample_rate" yaml:"sample_rate"`
	LogFormat      string  `json:"log_format" yaml:"log_format"` // text, json
	LogLevel       string  `json:"log_level" yaml:"log_level"`
}

// RateLimitConfig bounds per-client request rates on the daemon API.
type RateLimitConfig struct {
	Enabled           bool    `json:"enabled" yaml:"enabled"`
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second"`
	Burst             int     `json:"burst" yaml:"burst"`
}

// DaemonConfig holds daemon-specific settings.
type DaemonConfig struct {
	HTTPAddr     string          `json:"http_addr" yaml:"http_addr"`
	AuditLogPath string          `json:"audit_log_path" yaml:"audit_log_path"`
	SecretsFile  string          `json:"secrets_file" yaml:"secrets_file"`
	SecretsKey   string          `json:"secrets_key_file" yaml:"secrets_key_file"`
	RateLimit    RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
}

// Config is the central configuration struct embedding all component configs.
type Config struct {
	Daemon        DaemonConfig        `json:"daemon" yaml:"daemon"`
	Redis         RedisConfig         `json:"redis" yaml:"redis"`
	Postgres      PostgresConfig      `json:"postgres" yaml:"postgres"`
	Blob          BlobConfig          `json:"blob" yaml:"blob"`
	Pool          PoolConfig          `json:"pool" yaml:"pool"`
	Phases        PhasesConfig        `json:"phases" yaml:"phases"`
	Engines       EnginesConfig       `json:"engines" yaml:"engines"`
	Azure         AzureConfig         `json:"azure" yaml:"azure"`
	Observability ObservabilityConfig `json:"observability" yaml:"observability"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Daemon: DaemonConfig{
			HTTPAddr: ":8080",
			RateLimit: RateLimitConfig{
				Enabled:           true,
				RequestsPerSecond: 25,
				Burst:             50,
			},
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			TTLSeconds: 7 * 24 * 3600,
		},
		Blob: BlobConfig{
			Provider: "s3",
			Region:   "us-east-1",
		},
		Pool: PoolConfig{
			PoolSize:           5,
			MaxUses:            20,
			CleanTimeoutSec:    120,
			AcquireTimeoutSec:  3600,
			VMSize:             "Standard_D2s_v3",
			ProvisionRetries:   3,
			ProvisionBackoffMS: 5000,
		},
		Phases: PhasesConfig{
			CDR: PhaseConfig{
				MaxConcurrency: 8,
				MaxRetries:     0,
				RetryDelaySec:  60,
				SoftTimeoutSec: 3600,
				HardTimeoutSec: 7200,
			},
			AV: PhaseConfig{
				MaxConcurrency: 8,
				MaxRetries:     0,
				RetryDelaySec:  60,
				SoftTimeoutSec: 3600,
				HardTimeoutSec: 7200,
			},
			EDR: PhaseConfig{
				MaxConcurrency: 16,
				MaxRetries:     3,
				RetryDelaySec:  60,
				SoftTimeoutSec: 3600,
				HardTimeoutSec: 7200,
			},
			Breaker: BreakerConfig{
				ErrorPct:       50,
				WindowSec:      120,
				OpenSec:        60,
				HalfOpenProbes: 2,
			},
			InteractionDurationSec: 300,
			SettleDelaySec:         60,
		},
		Observability: ObservabilityConfig{
			Exporter:   "otlp-http",
			Endpoint:   "localhost:4318",
			SampleRate: 1.0,
			LogFormat:  "text",
			LogLevel:   "info",
		},
	}
}

// LoadFromFile loads configuration from a JSON or YAML file, chosen by
// extension, on top of the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	return cfg, nil
}

// LoadFromEnv applies environment variable overrides to the config.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("CLEANROOM_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("CLEANROOM_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("CLEANROOM_POSTGRES_DSN"); v != "" {
		cfg.Postgres.DSN = v
	}
	if v := os.Getenv("CLEANROOM_HTTP_ADDR"); v != "" {
		cfg.Daemon.HTTPAddr = v
	}
	if v := os.Getenv("CLEANROOM_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
	if v := os.Getenv("CLEANROOM_BLOB_PROVIDER"); v != "" {
		cfg.Blob.Provider = v
	}
	if v := os.Getenv("CLEANROOM_BLOB_REGION"); v != "" {
		cfg.Blob.Region = v
	}
	if v := os.Getenv("CLEANROOM_BLOB_ENDPOINT"); v != "" {
		cfg.Blob.Endpoint = v
	}
	if v := os.Getenv("CLEANROOM_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Pool.PoolSize = n
		}
	}
	if v := os.Getenv("CLEANROOM_AZURE_SUBSCRIPTION_ID"); v != "" {
		cfg.Azure.SubscriptionID = v
	}
	if v := os.Getenv("CLEANROOM_AZURE_CLIENT_SECRET"); v != "" {
		cfg.Azure.ClientSecret = v
	}
}
