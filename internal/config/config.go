// Package config loads and validates daemon configuration from YAML and
// the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Upstream modes.
const (
	// ModeRemote provisions browsers from a hosted provisioning API.
	ModeRemote = "remote"
	// ModeDocker launches browser containers on the local Docker daemon.
	ModeDocker = "docker"
)

// UpstreamConfig locates the browser supplier.
type UpstreamConfig struct {
	Mode       string        `yaml:"mode"`
	BaseURL    string        `yaml:"base_url"`
	APIKey     string        `yaml:"api_key"`
	ProjectID  string        `yaml:"project_id"`
	ContextID  string        `yaml:"context_id"`
	SessionTTL int           `yaml:"session_ttl"`
	Timeout    time.Duration `yaml:"timeout"`
}

// HealthCheckConfig controls the background stale-session sweep.
type HealthCheckConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

// PoolConfig sizes each regional warm pool. Zero-valued ceilings take the
// pool package defaults; negative values disable the ceiling.
type PoolConfig struct {
	Size                   int               `yaml:"size"`
	MaxSessionUses         int               `yaml:"max_session_uses"`
	MaxSessionAge          time.Duration     `yaml:"max_session_age"`
	MaxSessionIdle         time.Duration     `yaml:"max_session_idle"`
	HealthCheck            HealthCheckConfig `yaml:"health_check"`
	DisableWaitQueue       bool              `yaml:"disable_wait_queue"`
	DisableDisconnectWatch bool              `yaml:"disable_disconnect_watch"`
	EagerPageCreation      bool              `yaml:"eager_page_creation"`
	RetryDelay             time.Duration     `yaml:"retry_delay"`
}

// RateLimitConfig bounds API request rates per project.
type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	Burst             int `yaml:"burst"`
}

// ConcurrencyConfig caps simultaneous leases per project.
type ConcurrencyConfig struct {
	MaxSessionsPerProject int64 `yaml:"max_sessions_per_project"`
}

// LeaseConfig bounds lease TTLs. All values are seconds.
type LeaseConfig struct {
	DefaultTTL int `yaml:"default_ttl"`
	Min        int `yaml:"min"`
	Max        int `yaml:"max"`
}

// TelemetryConfig configures the OTLP metrics exporter.
type TelemetryConfig struct {
	Enabled      bool          `yaml:"enabled"`
	OTLPEndpoint string        `yaml:"otlp_endpoint"`
	Insecure     bool          `yaml:"insecure"`
	Interval     time.Duration `yaml:"interval"`
}

// Config is the daemon configuration.
type Config struct {
	Listen        string            `yaml:"listen"`
	Debug         bool              `yaml:"debug"`
	Upstream      UpstreamConfig    `yaml:"upstream"`
	Regions       []string          `yaml:"regions"`
	DefaultRegion string            `yaml:"default_region"`
	Pool          PoolConfig        `yaml:"pool"`
	RateLimit     RateLimitConfig   `yaml:"ratelimit"`
	Concurrency   ConcurrencyConfig `yaml:"concurrency"`
	Lease         LeaseConfig       `yaml:"lease"`
	Telemetry     TelemetryConfig   `yaml:"telemetry"`
}

// Default returns the configuration the daemon runs with when no file or
// environment overrides are present. Remote mode still needs credentials
// before it validates.
func Default() *Config {
	return &Config{
		Listen: ":8080",
		Upstream: UpstreamConfig{
			Mode:       ModeRemote,
			BaseURL:    "https://api.browserbase.com",
			SessionTTL: 3600,
			Timeout:    30 * time.Second,
		},
		Regions:       []string{"us-west-2", "us-east-1", "eu-central-1"},
		DefaultRegion: "us-west-2",
		Pool: PoolConfig{
			Size:           3,
			MaxSessionUses: 50,
			MaxSessionAge:  5 * time.Minute,
			MaxSessionIdle: 2 * time.Minute,
			HealthCheck: HealthCheckConfig{
				Enabled:  false,
				Interval: 30 * time.Second,
			},
			RetryDelay: time.Second,
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 60,
			Burst:             10,
		},
		Concurrency: ConcurrencyConfig{
			MaxSessionsPerProject: 10,
		},
		Lease: LeaseConfig{
			DefaultTTL: 3600,
			Min:        60,
			Max:        21600,
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint: "localhost:4318",
			Insecure:     true,
			Interval:     30 * time.Second,
		},
	}
}

// Load builds the effective configuration: defaults, then the YAML file at
// path when path is non-empty, then environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := cfg.FromEnv(); err != nil {
		return nil, err
	}
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv applies BROWSERPOOL_* environment overrides. The upstream
// credentials also honor the BROWSERBASE_* names that .env files in the
// wild carry.
func (c *Config) FromEnv() error {
	if v, ok := os.LookupEnv("BROWSERPOOL_LISTEN"); ok {
		c.Listen = v
	}
	if v, ok := os.LookupEnv("BROWSERPOOL_DEBUG"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("BROWSERPOOL_DEBUG: %w", err)
		}
		c.Debug = b
	}
	if v, ok := os.LookupEnv("BROWSERPOOL_UPSTREAM_MODE"); ok {
		c.Upstream.Mode = v
	}
	if v, ok := os.LookupEnv("BROWSERPOOL_BASE_URL"); ok {
		c.Upstream.BaseURL = v
	}
	if v, ok := os.LookupEnv("BROWSERPOOL_API_KEY"); ok {
		c.Upstream.APIKey = v
	} else if v, ok := os.LookupEnv("BROWSERBASE_API_KEY"); ok {
		c.Upstream.APIKey = v
	}
	if v, ok := os.LookupEnv("BROWSERPOOL_PROJECT_ID"); ok {
		c.Upstream.ProjectID = v
	} else if v, ok := os.LookupEnv("BROWSERBASE_PROJECT_ID"); ok {
		c.Upstream.ProjectID = v
	}
	if v, ok := os.LookupEnv("BROWSERPOOL_CONTEXT_ID"); ok {
		c.Upstream.ContextID = v
	}
	if v, ok := os.LookupEnv("BROWSERPOOL_REGIONS"); ok {
		c.Regions = strings.Split(v, ",")
	}
	if v, ok := os.LookupEnv("BROWSERPOOL_DEFAULT_REGION"); ok {
		c.DefaultRegion = v
	}
	if v, ok := os.LookupEnv("BROWSERPOOL_POOL_SIZE"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("BROWSERPOOL_POOL_SIZE: %w", err)
		}
		c.Pool.Size = n
	}
	if v, ok := os.LookupEnv("BROWSERPOOL_TELEMETRY"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("BROWSERPOOL_TELEMETRY: %w", err)
		}
		c.Telemetry.Enabled = b
	}
	if v, ok := os.LookupEnv("BROWSERPOOL_OTLP_ENDPOINT"); ok {
		c.Telemetry.OTLPEndpoint = v
	}
	return nil
}

func (c *Config) normalise() {
	c.Listen = strings.TrimSpace(c.Listen)
	c.Upstream.Mode = strings.ToLower(strings.TrimSpace(c.Upstream.Mode))
	c.Upstream.BaseURL = strings.TrimSpace(c.Upstream.BaseURL)
	c.DefaultRegion = strings.TrimSpace(c.DefaultRegion)
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)

	regions := make([]string, 0, len(c.Regions))
	seen := make(map[string]struct{}, len(c.Regions))
	for _, r := range c.Regions {
		trimmed := strings.TrimSpace(r)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		regions = append(regions, trimmed)
	}
	c.Regions = regions

	if c.DefaultRegion == "" && len(c.Regions) > 0 {
		c.DefaultRegion = c.Regions[0]
	}
}

// Validate performs semantic validation on the configuration.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address required")
	}

	switch c.Upstream.Mode {
	case ModeRemote:
		if c.Upstream.BaseURL == "" {
			return fmt.Errorf("upstream base_url required in remote mode")
		}
		if c.Upstream.APIKey == "" {
			return fmt.Errorf("upstream api_key required in remote mode")
		}
		if c.Upstream.ProjectID == "" {
			return fmt.Errorf("upstream project_id required in remote mode")
		}
	case ModeDocker:
	default:
		return fmt.Errorf("upstream mode must be %q or %q", ModeRemote, ModeDocker)
	}

	if len(c.Regions) == 0 {
		return fmt.Errorf("at least one region required")
	}
	found := false
	for _, r := range c.Regions {
		if r == c.DefaultRegion {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("default_region %q is not in regions", c.DefaultRegion)
	}

	if c.Pool.Size <= 0 {
		return fmt.Errorf("pool size must be >0")
	}
	if c.Pool.HealthCheck.Enabled && c.Pool.HealthCheck.Interval <= 0 {
		return fmt.Errorf("pool health_check interval must be >0 when enabled")
	}

	if c.RateLimit.RequestsPerMinute <= 0 {
		return fmt.Errorf("ratelimit requests_per_minute must be >0")
	}
	if c.RateLimit.Burst <= 0 {
		return fmt.Errorf("ratelimit burst must be >0")
	}
	if c.Concurrency.MaxSessionsPerProject <= 0 {
		return fmt.Errorf("concurrency max_sessions_per_project must be >0")
	}

	if c.Lease.Min <= 0 {
		return fmt.Errorf("lease min must be >0")
	}
	if c.Lease.Max < c.Lease.Min {
		return fmt.Errorf("lease max must be >= min")
	}
	if c.Lease.DefaultTTL < c.Lease.Min || c.Lease.DefaultTTL > c.Lease.Max {
		return fmt.Errorf("lease default_ttl must be between min and max")
	}

	if c.Telemetry.Enabled {
		if c.Telemetry.OTLPEndpoint == "" {
			return fmt.Errorf("telemetry otlp_endpoint required when enabled")
		}
		if c.Telemetry.Interval <= 0 {
			return fmt.Errorf("telemetry interval must be >0")
		}
	}

	return nil
}
