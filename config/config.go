package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"escrowledger/crypto"
	gatewayconfig "escrowledger/gateway/config"
	"escrowledger/native/bank"
	"escrowledger/observability/logging"
	"escrowledger/storage"
)

const (
	envEnvironment = "ESCROW_ENV"
	envJWTSecret   = "ESCROW_JWT_SECRET"
	envOTLPEndpt   = "OTEL_EXPORTER_OTLP_ENDPOINT"
	envOTLPHeaders = "OTEL_EXPORTER_OTLP_HEADERS"
)

// LoggingConfig controls the structured logger and optional file rotation.
type LoggingConfig struct {
	Level      string `toml:"Level" yaml:"level"`
	File       string `toml:"File" yaml:"file"`
	MaxSizeMB  int    `toml:"MaxSizeMB" yaml:"maxSizeMB"`
	MaxBackups int    `toml:"MaxBackups" yaml:"maxBackups"`
	MaxAgeDays int    `toml:"MaxAgeDays" yaml:"maxAgeDays"`
	Compress   bool   `toml:"Compress" yaml:"compress"`
}

// TelemetryConfig configures the OTLP exporters.
type TelemetryConfig struct {
	Endpoint string `toml:"Endpoint" yaml:"endpoint"`
	Insecure bool   `toml:"Insecure" yaml:"insecure"`
	Headers  string `toml:"Headers" yaml:"headers"`
	Metrics  bool   `toml:"Metrics" yaml:"metrics"`
	Traces   bool   `toml:"Traces" yaml:"traces"`
}

// Config is the escrowd configuration file.
type Config struct {
	Environment    string               `toml:"Environment" yaml:"environment"`
	DataDir        string               `toml:"DataDir" yaml:"dataDir"`
	StorageBackend string               `toml:"StorageBackend" yaml:"storageBackend"`
	LockDuration   string               `toml:"LockDuration" yaml:"lockDuration"`
	VaultAddress   string               `toml:"VaultAddress" yaml:"vaultAddress"`
	Logging        LoggingConfig        `toml:"Logging" yaml:"logging"`
	Telemetry      TelemetryConfig      `toml:"Telemetry" yaml:"telemetry"`
	Gateway        gatewayconfig.Config `toml:"Gateway" yaml:"gateway"`
}

// Load loads the configuration from the given path. A missing file is created
// with defaults. Files ending in .yaml or .yml are decoded as YAML, everything
// else as TOML.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	cfg := &Config{}
	if isYAML(path) {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	} else {
		meta, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("config file %s has unknown field %s", path, undecoded[0].String())
		}
	}

	cfg.applyEnv()
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration suitable for a single local node.
func Default() *Config {
	return &Config{
		Environment:    "local",
		DataDir:        "./escrow-data",
		StorageBackend: storage.BackendLevelDB,
		LockDuration:   "72h",
		VaultAddress:   crypto.FormatIdentity(bank.DefaultVault()),
		Logging:        LoggingConfig{Level: "info"},
		Gateway:        gatewayconfig.Default(),
	}
}

// ApplyDefaults fills fields left empty by the configuration file.
func (c *Config) ApplyDefaults() {
	def := Default()
	if strings.TrimSpace(c.Environment) == "" {
		c.Environment = def.Environment
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = def.DataDir
	}
	if strings.TrimSpace(c.StorageBackend) == "" {
		c.StorageBackend = def.StorageBackend
	}
	if strings.TrimSpace(c.LockDuration) == "" {
		c.LockDuration = def.LockDuration
	}
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = def.Logging.Level
	}
	c.Gateway.ApplyDefaults()
}

func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv(envEnvironment)); v != "" {
		c.Environment = v
	}
	if v := strings.TrimSpace(os.Getenv(envJWTSecret)); v != "" && strings.TrimSpace(c.Gateway.Auth.HMACSecretEnv) == "" {
		c.Gateway.Auth.HMACSecretEnv = envJWTSecret
	}
	if v := strings.TrimSpace(os.Getenv(envOTLPEndpt)); v != "" {
		c.Telemetry.Endpoint = v
	}
	if v := strings.TrimSpace(os.Getenv(envOTLPHeaders)); v != "" {
		c.Telemetry.Headers = v
	}
}

// LockDurationSeconds parses LockDuration. Plain integers are read as seconds.
func (c *Config) LockDurationSeconds() (uint64, error) {
	raw := strings.TrimSpace(c.LockDuration)
	if raw == "" {
		return 0, fmt.Errorf("lockDuration is required")
	}
	if strings.HasPrefix(raw, "-") {
		return 0, fmt.Errorf("lockDuration %q must not be negative", raw)
	}
	if isDigits(raw) {
		var secs uint64
		if _, err := fmt.Sscan(raw, &secs); err != nil {
			return 0, fmt.Errorf("lockDuration %q: %w", raw, err)
		}
		return secs, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("lockDuration %q: %w", raw, err)
	}
	return uint64(d / time.Second), nil
}

// Vault resolves the custody account, falling back to the derived default.
func (c *Config) Vault() ([20]byte, error) {
	raw := strings.TrimSpace(c.VaultAddress)
	if raw == "" {
		return bank.DefaultVault(), nil
	}
	id, err := crypto.ParseIdentity(raw)
	if err != nil {
		return [20]byte{}, fmt.Errorf("vaultAddress: %w", err)
	}
	return id, nil
}

// LogOptions converts the logging section for logging.SetupWithOptions.
func (c *Config) LogOptions(service string) logging.Options {
	return logging.Options{
		Service:    service,
		Env:        c.Environment,
		Level:      c.Logging.Level,
		File:       c.Logging.File,
		MaxSizeMB:  c.Logging.MaxSizeMB,
		MaxBackups: c.Logging.MaxBackups,
		MaxAgeDays: c.Logging.MaxAgeDays,
		Compress:   c.Logging.Compress,
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	switch strings.ToLower(strings.TrimSpace(c.StorageBackend)) {
	case storage.BackendMemory, storage.BackendLevelDB, storage.BackendBolt:
	default:
		return fmt.Errorf("storageBackend %q must be one of memory, leveldb, bolt", c.StorageBackend)
	}
	if _, err := c.LockDurationSeconds(); err != nil {
		return err
	}
	if _, err := c.Vault(); err != nil {
		return err
	}
	if err := logging.ValidateLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	if c.Logging.MaxSizeMB < 0 || c.Logging.MaxBackups < 0 || c.Logging.MaxAgeDays < 0 {
		return fmt.Errorf("logging rotation limits must not be negative")
	}
	return c.Gateway.Validate()
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := Default()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if isYAML(path) {
		enc := yaml.NewEncoder(f)
		defer enc.Close()
		return enc.Encode(cfg)
	}
	return toml.NewEncoder(f).Encode(cfg)
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	default:
		return false
	}
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
