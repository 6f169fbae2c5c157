package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

type RateLimitConfig struct {
	ID                string  `toml:"ID" yaml:"id"`
	RequestsPerMinute float64 `toml:"RequestsPerMinute" yaml:"requestsPerMinute"`
	Burst             int     `toml:"Burst" yaml:"burst"`
}

type ObservabilityConfig struct {
	ServiceName   string `toml:"ServiceName" yaml:"serviceName"`
	Metrics       bool   `toml:"Metrics" yaml:"metrics"`
	Tracing       bool   `toml:"Tracing" yaml:"tracing"`
	LogRequests   bool   `toml:"LogRequests" yaml:"logRequests"`
	MetricsPrefix string `toml:"MetricsPrefix" yaml:"metricsPrefix"`
}

// AuthConfig selects how callers prove their identity. Bearer tokens carry
// the caller address in the sub claim; signed requests recover it from a
// secp256k1 signature over the request.
type AuthConfig struct {
	Enabled        bool          `toml:"Enabled" yaml:"enabled"`
	HMACSecret     string        `toml:"HMACSecret" yaml:"hmacSecret"`
	HMACSecretEnv  string        `toml:"HMACSecretEnv" yaml:"hmacSecretEnv"`
	Issuer         string        `toml:"Issuer" yaml:"issuer"`
	Audience       string        `toml:"Audience" yaml:"audience"`
	ScopeClaim     string        `toml:"ScopeClaim" yaml:"scopeClaim"`
	AdminScope     string        `toml:"AdminScope" yaml:"adminScope"`
	ClockSkew      time.Duration `toml:"ClockSkew" yaml:"clockSkew"`
	SignedRequests bool          `toml:"SignedRequests" yaml:"signedRequests"`
	NonceTTL       time.Duration `toml:"NonceTTL" yaml:"nonceTTL"`
	NonceCapacity  int           `toml:"NonceCapacity" yaml:"nonceCapacity"`
	NonceStorePath string        `toml:"NonceStorePath" yaml:"nonceStorePath"`
}

// Secret resolves the bearer token secret, preferring the environment.
func (a AuthConfig) Secret() string {
	if env := strings.TrimSpace(a.HMACSecretEnv); env != "" {
		if v := strings.TrimSpace(os.Getenv(env)); v != "" {
			return v
		}
	}
	return strings.TrimSpace(a.HMACSecret)
}

type CORSConfig struct {
	AllowedOrigins []string `toml:"AllowedOrigins" yaml:"allowedOrigins"`
}

// Config holds the HTTP surface settings of the escrow daemon.
type Config struct {
	ListenAddress  string              `toml:"ListenAddress" yaml:"listen"`
	ReadTimeout    time.Duration       `toml:"ReadTimeout" yaml:"readTimeout"`
	WriteTimeout   time.Duration       `toml:"WriteTimeout" yaml:"writeTimeout"`
	IdleTimeout    time.Duration       `toml:"IdleTimeout" yaml:"idleTimeout"`
	RequestTimeout time.Duration       `toml:"RequestTimeout" yaml:"requestTimeout"`
	IdempotencyDB  string              `toml:"IdempotencyDB" yaml:"idempotencyDB"`
	RateLimits     []RateLimitConfig   `toml:"RateLimits" yaml:"rateLimits"`
	Observability  ObservabilityConfig `toml:"Observability" yaml:"observability"`
	Auth           AuthConfig          `toml:"Auth" yaml:"auth"`
	CORS           CORSConfig          `toml:"CORS" yaml:"cors"`
}

// Default returns the settings used when a field is left unset.
func Default() Config {
	return Config{
		ListenAddress:  ":8080",
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		IdleTimeout:    120 * time.Second,
		RequestTimeout: 15 * time.Second,
		RateLimits: []RateLimitConfig{
			{ID: "escrow", RequestsPerMinute: 120, Burst: 20},
			{ID: "query", RequestsPerMinute: 600, Burst: 60},
		},
		Observability: ObservabilityConfig{
			ServiceName:   "escrowd",
			Metrics:       true,
			Tracing:       true,
			LogRequests:   true,
			MetricsPrefix: "escrow_gateway",
		},
		Auth: AuthConfig{
			Enabled:        true,
			ScopeClaim:     "scope",
			AdminScope:     "escrow.admin",
			ClockSkew:      2 * time.Minute,
			SignedRequests: true,
			NonceTTL:       10 * time.Minute,
			NonceCapacity:  4096,
		},
	}
}

// ApplyDefaults fills zero values from Default.
func (cfg *Config) ApplyDefaults() {
	def := Default()
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = def.ListenAddress
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.RateLimits == nil {
		cfg.RateLimits = def.RateLimits
	}
	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = def.Observability.ServiceName
	}
	if cfg.Observability.MetricsPrefix == "" {
		cfg.Observability.MetricsPrefix = def.Observability.MetricsPrefix
	}
	if cfg.Auth.ScopeClaim == "" {
		cfg.Auth.ScopeClaim = def.Auth.ScopeClaim
	}
	if cfg.Auth.AdminScope == "" {
		cfg.Auth.AdminScope = def.Auth.AdminScope
	}
	if cfg.Auth.ClockSkew <= 0 {
		cfg.Auth.ClockSkew = def.Auth.ClockSkew
	}
	if cfg.Auth.NonceTTL <= 0 {
		cfg.Auth.NonceTTL = def.Auth.NonceTTL
	}
	if cfg.Auth.NonceCapacity <= 0 {
		cfg.Auth.NonceCapacity = def.Auth.NonceCapacity
	}
}

// RateLimit returns the limit registered under id.
func (cfg *Config) RateLimit(id string) (RateLimitConfig, bool) {
	for _, rl := range cfg.RateLimits {
		if rl.ID == id {
			return rl, true
		}
	}
	return RateLimitConfig{}, false
}

func (cfg *Config) Validate() error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		return fmt.Errorf("gateway.listen is required")
	}
	seen := make(map[string]struct{}, len(cfg.RateLimits))
	for i, rl := range cfg.RateLimits {
		id := strings.TrimSpace(rl.ID)
		if id == "" {
			return fmt.Errorf("gateway.rateLimits[%d].id cannot be empty", i)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("gateway.rateLimits[%d].id %q is duplicated", i, id)
		}
		seen[id] = struct{}{}
		if rl.RequestsPerMinute < 0 || rl.Burst < 0 {
			return fmt.Errorf("gateway.rateLimits[%d] must not be negative", i)
		}
	}
	if cfg.Auth.Enabled && cfg.Auth.Secret() == "" && !cfg.Auth.SignedRequests {
		return fmt.Errorf("gateway.auth requires a bearer secret or signed requests when enabled")
	}
	return nil
}
