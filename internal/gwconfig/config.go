// Package gwconfig loads the gateway's YAML configuration: named targets,
// tenants, provider key pools, and client profiles, per §6. Unlike the
// teacher's flat nested Config struct, this shape is a map of named
// entities — targets/tenants/pools/profiles are each looked up by name at
// request time, not addressed by a fixed field path.
package gwconfig

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Tier bounds fallback-chain length and retry attempts for a tenant,
// generalising spec.md's single free-tier-forbids-fallback rule into a
// small table (§12, grounded on the original's free_tier_restrictions.py).
type Tier string

const (
	TierFree      Tier = "free"
	TierDeveloper Tier = "developer"
	TierPro       Tier = "pro"
)

// MaxFallbackChainLength returns how many fallback hops t may take.
func (t Tier) MaxFallbackChainLength() int {
	switch t {
	case TierFree:
		return 0
	case TierDeveloper:
		return 2
	case TierPro:
		return 5
	default:
		return 0
	}
}

// MaxRetries returns the per-request retry ceiling for t, independent of
// the global retry.GlobalCeiling.
func (t Tier) MaxRetries() int {
	switch t {
	case TierFree:
		return 1
	case TierDeveloper:
		return 3
	case TierPro:
		return 5
	default:
		return 1
	}
}

// Target is one proxyable destination.
type Target struct {
	Name               string        `yaml:"name"`
	Kind               string        `yaml:"kind"` // "http" | "llm"
	BaseURL            string        `yaml:"base_url"`
	Provider           string        `yaml:"provider,omitempty"`
	AllowPost          bool          `yaml:"allow_post"`
	Timeout            time.Duration `yaml:"timeout"`
	CacheTTL           time.Duration `yaml:"cache_ttl"`
	MaxTokensCeiling   int           `yaml:"max_tokens_ceiling,omitempty"`
	TemperatureCeiling float64       `yaml:"temperature_ceiling,omitempty"`
	FallbackTargets    []string      `yaml:"fallback_targets,omitempty"`
	SoftCapUSD         float64       `yaml:"soft_cap_usd,omitempty"`
	HardCapUSD         float64       `yaml:"hard_cap_usd,omitempty"`
	AuthHeader         string        `yaml:"auth_header,omitempty"`
	AuthPrefix         string        `yaml:"auth_prefix,omitempty"`
	StaticAuthSecret   string        `yaml:"static_auth_secret,omitempty"`
}

// Tenant is a billable caller identity.
type Tenant struct {
	Name            string  `yaml:"name"`
	Tier            Tier    `yaml:"tier"`
	ProviderKeyPool string  `yaml:"provider_key_pool,omitempty"`
	MaxQPS          float64 `yaml:"max_qps"`
}

// ProviderKey is one entry in a key pool. Secret holds either a literal
// value or an `env:VAR_NAME` reference resolved at load time.
type ProviderKey struct {
	ID       string  `yaml:"id"`
	Secret   string  `yaml:"secret"`
	QPSLimit float64 `yaml:"qps_limit"`
}

// ProviderKeyPool groups keys for one provider.
type ProviderKeyPool struct {
	Name     string        `yaml:"name"`
	Provider string        `yaml:"provider"`
	Keys     []ProviderKey `yaml:"keys"`
}

// ClientProfile scopes rate limiting and auth for one calling application
// (the X-Client header), distinct from the billing Tenant. A tenant may own
// several profiles (e.g. separate apps or environments sharing a billing
// identity); APIKey uniquely identifies the profile at authentication time.
type ClientProfile struct {
	Name   string  `yaml:"name"`
	Tenant string  `yaml:"tenant"`
	APIKey string  `yaml:"api_key"`
	MaxQPS float64 `yaml:"max_qps"`
}

// ServerConfig holds the listener and shutdown settings for both the main
// API server and the metrics server.
type ServerConfig struct {
	HTTPPort           int           `yaml:"http_port"`
	MetricsPort        int           `yaml:"metrics_port"`
	ReadTimeout        time.Duration `yaml:"read_timeout"`
	WriteTimeout       time.Duration `yaml:"write_timeout"`
	ShutdownTimeout    time.Duration `yaml:"shutdown_timeout"`
	CORSAllowedOrigins []string      `yaml:"cors_allowed_origins,omitempty"`
	RateLimitRPS       float64       `yaml:"rate_limit_rps"`
	RateLimitBurst     int           `yaml:"rate_limit_burst"`
}

// LogConfig controls zap logger construction.
type LogConfig struct {
	Level       string   `yaml:"level"`
	Format      string   `yaml:"format"` // "json" | "console"
	OutputPaths []string `yaml:"output_paths,omitempty"`
}

// RedisConfig is the connection configuration for the kvstore backend.
type RedisConfig struct {
	Addr         string `yaml:"addr"`
	Password     string `yaml:"password,omitempty"`
	DB           int    `yaml:"db"`
	PoolSize     int    `yaml:"pool_size"`
	MinIdleConns int    `yaml:"min_idle_conns"`
}

// TelemetryConfig controls OpenTelemetry trace/metric export.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	OTLPEndpoint string  `yaml:"otlp_endpoint,omitempty"`
	ServiceName  string  `yaml:"service_name,omitempty"`
	SampleRate   float64 `yaml:"sample_rate,omitempty"`
}

// Config is the gateway's full configuration.
type Config struct {
	Server           ServerConfig               `yaml:"server"`
	Log              LogConfig                  `yaml:"log"`
	Redis            RedisConfig                `yaml:"redis"`
	Telemetry        TelemetryConfig            `yaml:"telemetry"`
	Targets          map[string]Target          `yaml:"targets"`
	Tenants          map[string]Tenant          `yaml:"tenants"`
	ProviderKeyPools map[string]ProviderKeyPool `yaml:"provider_key_pools"`
	ClientProfiles   map[string]ClientProfile   `yaml:"client_profiles"`
}

// Loader loads and validates configuration from a YAML file.
type Loader struct {
	configPath string
}

// NewLoader builds a Loader.
func NewLoader() *Loader { return &Loader{} }

// WithConfigPath sets the YAML file path.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// Load reads, resolves secrets in, validates, and returns the config. Any
// failure here is meant to fail gateway startup, per §6: "strict validation
// fails startup on missing env vars/duplicate key IDs/non-positive
// QPS-timeout/invalid profile numbers."
func (l *Loader) Load() (*Config, error) {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	backfillNames(&cfg)

	if err := resolveSecrets(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// backfillNames stamps each named entity's Name field from its map key when
// the YAML document left it blank, so `targets: {jsonplaceholder: {...}}`
// doesn't also require a redundant `name: jsonplaceholder` line.
func backfillNames(cfg *Config) {
	for name, t := range cfg.Targets {
		if t.Name == "" {
			t.Name = name
			cfg.Targets[name] = t
		}
	}
	for name, t := range cfg.Tenants {
		if t.Name == "" {
			t.Name = name
			cfg.Tenants[name] = t
		}
	}
	for name, p := range cfg.ProviderKeyPools {
		if p.Name == "" {
			p.Name = name
			cfg.ProviderKeyPools[name] = p
		}
	}
	for name, p := range cfg.ClientProfiles {
		if p.Name == "" {
			p.Name = name
			cfg.ClientProfiles[name] = p
		}
	}
}

// resolveSecrets replaces every `env:VAR_NAME` secret field with the
// environment variable's value, failing if the variable is unset.
func resolveSecrets(cfg *Config) error {
	for poolName, pool := range cfg.ProviderKeyPools {
		for i, key := range pool.Keys {
			resolved, err := resolveSecret(key.Secret)
			if err != nil {
				return fmt.Errorf("provider_key_pools.%s.keys[%d]: %w", poolName, i, err)
			}
			pool.Keys[i].Secret = resolved
		}
		cfg.ProviderKeyPools[poolName] = pool
	}
	for name, profile := range cfg.ClientProfiles {
		resolved, err := resolveSecret(profile.APIKey)
		if err != nil {
			return fmt.Errorf("client_profiles.%s.api_key: %w", name, err)
		}
		profile.APIKey = resolved
		cfg.ClientProfiles[name] = profile
	}
	for name, target := range cfg.Targets {
		if target.StaticAuthSecret == "" {
			continue
		}
		resolved, err := resolveSecret(target.StaticAuthSecret)
		if err != nil {
			return fmt.Errorf("targets.%s.static_auth_secret: %w", name, err)
		}
		target.StaticAuthSecret = resolved
		cfg.Targets[name] = target
	}
	return nil
}

func resolveSecret(raw string) (string, error) {
	const prefix = "env:"
	if !strings.HasPrefix(raw, prefix) {
		return raw, nil
	}
	varName := strings.TrimPrefix(raw, prefix)
	val, ok := os.LookupEnv(varName)
	if !ok {
		return "", fmt.Errorf("environment variable %s is not set", varName)
	}
	return val, nil
}

// Validate accumulates every configuration error before failing, so a
// startup failure reports everything wrong in one pass.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.HTTPPort <= 0 {
		errs = append(errs, "server.http_port must be positive")
	}
	if c.Server.MetricsPort <= 0 {
		errs = append(errs, "server.metrics_port must be positive")
	}
	if c.Redis.Addr == "" {
		errs = append(errs, "redis.addr is required")
	}

	for name, t := range c.Targets {
		if t.BaseURL == "" {
			errs = append(errs, fmt.Sprintf("target %s: base_url is required", name))
		}
		if t.Kind != "http" && t.Kind != "llm" {
			errs = append(errs, fmt.Sprintf("target %s: kind must be http or llm, got %q", name, t.Kind))
		}
		if t.Timeout <= 0 {
			errs = append(errs, fmt.Sprintf("target %s: timeout must be positive", name))
		}
	}

	for name, t := range c.Tenants {
		switch t.Tier {
		case TierFree, TierDeveloper, TierPro:
		default:
			errs = append(errs, fmt.Sprintf("tenant %s: invalid tier %q", name, t.Tier))
		}
		if t.MaxQPS <= 0 {
			errs = append(errs, fmt.Sprintf("tenant %s: max_qps must be positive", name))
		}
	}

	for name, pool := range c.ProviderKeyPools {
		seen := map[string]bool{}
		for _, key := range pool.Keys {
			if seen[key.ID] {
				errs = append(errs, fmt.Sprintf("provider_key_pools.%s: duplicate key id %q", name, key.ID))
			}
			seen[key.ID] = true
			if key.QPSLimit <= 0 {
				errs = append(errs, fmt.Sprintf("provider_key_pools.%s: key %q qps_limit must be positive", name, key.ID))
			}
		}
	}

	for name, p := range c.ClientProfiles {
		if p.MaxQPS <= 0 {
			errs = append(errs, fmt.Sprintf("client_profiles.%s: max_qps must be positive", name))
		}
		if _, ok := c.Tenants[p.Tenant]; !ok {
			errs = append(errs, fmt.Sprintf("client_profiles.%s: tenant %q is not configured", name, p.Tenant))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}
	return nil
}
