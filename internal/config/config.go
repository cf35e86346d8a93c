// Package config loads bulk import configuration from YAML with .env and
// environment overrides for secrets.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full importer configuration.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Auth      AuthConfig      `yaml:"auth"`
	Import    ImportConfig    `yaml:"import"`
	Artifacts ArtifactsConfig `yaml:"artifacts"`
	Redis     RedisConfig     `yaml:"redis"`
	Control   ControlConfig   `yaml:"control"`
}

// LogConfig configures zerolog output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// AuthConfig configures the token endpoint.
type AuthConfig struct {
	Mode      string `yaml:"mode"` // "c4r" or "engage"
	TokenURL  string `yaml:"token_url"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	BasicAuth string `yaml:"basic_auth"`
	ClientID  string `yaml:"client_id"`

	TenantHeader string `yaml:"tenant_header"`
	TenantValue  string `yaml:"tenant_value"`

	RefreshBufferMinutes  int `yaml:"refresh_buffer_minutes"`
	DefaultExpiryMinutes  int `yaml:"default_expiry_minutes"`
	RequestTimeoutSeconds int `yaml:"request_timeout_seconds"`
}

// RefreshBuffer returns the refresh window as a duration.
func (c AuthConfig) RefreshBuffer() time.Duration {
	return time.Duration(c.RefreshBufferMinutes) * time.Minute
}

// DefaultExpiry returns the fallback token lifetime.
func (c AuthConfig) DefaultExpiry() time.Duration {
	return time.Duration(c.DefaultExpiryMinutes) * time.Minute
}

// RequestTimeout returns the token request timeout.
func (c AuthConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// ImportConfig configures batching, dispatch and the worker pool.
type ImportConfig struct {
	Endpoint string `yaml:"endpoint"`
	DataKey  string `yaml:"data_key"` // "data" or "households"
	Items    string `yaml:"items"`    // used in artifact directory names

	BatchSize int `yaml:"batch_size"`
	Workers   int `yaml:"workers"`

	MinIntervalMs     int `yaml:"min_interval_ms"`
	MaxRetries        int `yaml:"max_retries"`
	BackoffBaseMs     int `yaml:"backoff_base_ms"`
	MaxBackoffSeconds int `yaml:"max_backoff_seconds"`

	GCEvery                int `yaml:"gc_every"`
	AuthDownPauseThreshold int `yaml:"auth_down_pause_threshold"`

	SuccessTokens []string `yaml:"success_tokens"`
}

// MinInterval returns the minimum spacing between requests.
func (c ImportConfig) MinInterval() time.Duration {
	return time.Duration(c.MinIntervalMs) * time.Millisecond
}

// BackoffBase returns the delay after the first failed attempt.
func (c ImportConfig) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseMs) * time.Millisecond
}

// MaxBackoff returns the backoff cap; zero means uncapped.
func (c ImportConfig) MaxBackoff() time.Duration {
	return time.Duration(c.MaxBackoffSeconds) * time.Second
}

// ArtifactsConfig configures where failure artifacts go.
type ArtifactsConfig struct {
	BaseDir string   `yaml:"base_dir"`
	S3      S3Config `yaml:"s3"`
}

// S3Config configures the optional off-host mirror. Empty bucket disables it.
type S3Config struct {
	Bucket  string `yaml:"bucket"`
	Prefix  string `yaml:"prefix"`
	Region  string `yaml:"region"`
	Profile string `yaml:"profile"`
}

// RedisConfig enables cross-process token sharing, rate limiting and
// progress reporting. Empty URL disables Redis.
type RedisConfig struct {
	URL              string `yaml:"url"`
	RateLimitKey     string `yaml:"rate_limit_key"`
	ProgressPrefix   string `yaml:"progress_prefix"`
	ProgressTTLHours int    `yaml:"progress_ttl_hours"`
	SharedToken      bool   `yaml:"shared_token"`
}

// ProgressTTL returns how long progress keys live.
func (c RedisConfig) ProgressTTL() time.Duration {
	return time.Duration(c.ProgressTTLHours) * time.Hour
}

// ControlConfig configures the operator HTTP API. Empty Listen disables it.
type ControlConfig struct {
	Listen string `yaml:"listen"`
}

// Default returns the configuration used when a field is not set.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads and parses the configuration file. An empty path yields the
// defaults.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}

	if cfg.Auth.Mode == "" {
		cfg.Auth.Mode = "c4r"
	}
	if cfg.Auth.TenantHeader == "" {
		cfg.Auth.TenantHeader = "GK-Passport"
	}
	if cfg.Auth.RefreshBufferMinutes == 0 {
		cfg.Auth.RefreshBufferMinutes = 50
	}
	if cfg.Auth.DefaultExpiryMinutes == 0 {
		cfg.Auth.DefaultExpiryMinutes = 60
	}
	if cfg.Auth.RequestTimeoutSeconds == 0 {
		cfg.Auth.RequestTimeoutSeconds = 30
	}

	if cfg.Import.DataKey == "" {
		cfg.Import.DataKey = "data"
	}
	if cfg.Import.Items == "" {
		if cfg.Import.DataKey == "households" {
			cfg.Import.Items = "households"
		} else {
			cfg.Import.Items = "customers"
		}
	}
	if cfg.Import.BatchSize == 0 {
		cfg.Import.BatchSize = 70
	}
	if cfg.Import.Workers == 0 {
		cfg.Import.Workers = 3
	}
	if cfg.Import.MinIntervalMs == 0 {
		cfg.Import.MinIntervalMs = 500
	}
	if cfg.Import.MaxRetries == 0 {
		cfg.Import.MaxRetries = 3
	}
	if cfg.Import.BackoffBaseMs == 0 {
		cfg.Import.BackoffBaseMs = 1000
	}
	if cfg.Import.GCEvery == 0 {
		cfg.Import.GCEvery = 10
	}
	if cfg.Import.AuthDownPauseThreshold == 0 {
		cfg.Import.AuthDownPauseThreshold = 3
	}

	if cfg.Artifacts.BaseDir == "" {
		cfg.Artifacts.BaseDir = "."
	}

	if cfg.Redis.RateLimitKey == "" {
		cfg.Redis.RateLimitKey = "bulkimport:ratelimit:next_slot"
	}
	if cfg.Redis.ProgressPrefix == "" {
		cfg.Redis.ProgressPrefix = "bulkimport:run"
	}
	if cfg.Redis.ProgressTTLHours == 0 {
		cfg.Redis.ProgressTTLHours = 24
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// A .env file in the working directory is read first if present.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	strs := []struct {
		env string
		dst *string
	}{
		{"BULK_IMPORT_AUTH_MODE", &cfg.Auth.Mode},
		{"BULK_IMPORT_TOKEN_URL", &cfg.Auth.TokenURL},
		{"BULK_IMPORT_USERNAME", &cfg.Auth.Username},
		{"BULK_IMPORT_PASSWORD", &cfg.Auth.Password},
		{"BULK_IMPORT_BASIC_AUTH", &cfg.Auth.BasicAuth},
		{"BULK_IMPORT_CLIENT_ID", &cfg.Auth.ClientID},
		{"BULK_IMPORT_TENANT_VALUE", &cfg.Auth.TenantValue},
		{"BULK_IMPORT_ENDPOINT", &cfg.Import.Endpoint},
		{"BULK_IMPORT_DATA_KEY", &cfg.Import.DataKey},
		{"BULK_IMPORT_LOG_LEVEL", &cfg.Log.Level},
		{"BULK_IMPORT_CONTROL_LISTEN", &cfg.Control.Listen},
		{"BULK_IMPORT_S3_BUCKET", &cfg.Artifacts.S3.Bucket},
		{"REDIS_URL", &cfg.Redis.URL},
	}
	for _, s := range strs {
		if v := os.Getenv(s.env); v != "" {
			*s.dst = v
		}
	}

	ints := []struct {
		env string
		dst *int
	}{
		{"BULK_IMPORT_BATCH_SIZE", &cfg.Import.BatchSize},
		{"BULK_IMPORT_WORKERS", &cfg.Import.Workers},
		{"BULK_IMPORT_MIN_INTERVAL_MS", &cfg.Import.MinIntervalMs},
	}
	for _, i := range ints {
		v := os.Getenv(i.env)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", i.env, err)
		}
		*i.dst = n
	}
	return nil
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error

	switch c.Auth.Mode {
	case "c4r":
		if c.Auth.BasicAuth == "" {
			errs = append(errs, errors.New("auth.basic_auth is required in c4r mode"))
		}
	case "engage":
		if c.Auth.ClientID == "" {
			errs = append(errs, errors.New("auth.client_id is required in engage mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("auth.mode %q is not one of c4r, engage", c.Auth.Mode))
	}
	if c.Auth.TokenURL == "" {
		errs = append(errs, errors.New("auth.token_url is required"))
	}
	if c.Auth.Username == "" || c.Auth.Password == "" {
		errs = append(errs, errors.New("auth.username and auth.password are required"))
	}

	if c.Import.Endpoint == "" {
		errs = append(errs, errors.New("import.endpoint is required"))
	}
	if c.Import.DataKey != "data" && c.Import.DataKey != "households" {
		errs = append(errs, fmt.Errorf("import.data_key %q is not one of data, households", c.Import.DataKey))
	}
	if c.Import.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("import.batch_size must be positive, got %d", c.Import.BatchSize))
	}
	if c.Import.Workers <= 0 {
		errs = append(errs, fmt.Errorf("import.workers must be positive, got %d", c.Import.Workers))
	}
	if c.Import.MinIntervalMs < 0 {
		errs = append(errs, errors.New("import.min_interval_ms must not be negative"))
	}
	if c.Import.MaxRetries <= 0 {
		errs = append(errs, fmt.Errorf("import.max_retries must be positive, got %d", c.Import.MaxRetries))
	}

	return errors.Join(errs...)
}
