// Package config holds the process-wide mystic configuration: environment
// tag, storage directories, cache and snapshot limits, and log formatting.
// Values come from defaults, then an optional YAML file, then MYSTIC_*
// environment variables, then programmatic options.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"gopkg.in/yaml.v3"
)

// Environment tags gate environment-aware behavior (mock strategies).
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvTesting     Environment = "testing"
	EnvProduction  Environment = "production"
)

// ErrInvalidEnvironment is returned at init when the environment tag is not
// one of the three known values.
var ErrInvalidEnvironment = fmt.Errorf("config: environment must be development, testing or production")

// ProfileMode selects how much the performance tracker records.
type ProfileMode string

const (
	ProfileOff    ProfileMode = "off"
	ProfileBasic  ProfileMode = "basic"
	ProfileMemory ProfileMode = "memory"
	ProfileFull   ProfileMode = "full"
)

// LogFormat selects the call logger's output rendering.
type LogFormat string

const (
	FormatConsole    LogFormat = "console"
	FormatFile       LogFormat = "file"
	FormatJSONRPC    LogFormat = "json_rpc"
	FormatStructured LogFormat = "structured"
	FormatMCPDebug   LogFormat = "mcp_debug"
)

// Config is the process-wide configuration.
type Config struct {
	Environment Environment `yaml:"environment"`

	DataDir  string `yaml:"data_dir"`
	CacheDir string `yaml:"cache_dir"`
	LogDir   string `yaml:"log_dir"`

	MaxCacheEntries int `yaml:"max_cache_entries"`
	MaxSnapshots    int `yaml:"max_snapshots"`

	LogFormat       LogFormat   `yaml:"log_format"`
	FilterSensitive bool        `yaml:"filter_sensitive"`
	ProfileMode     ProfileMode `yaml:"profile_mode"`

	// MCP transport settings consumed by the server shell.
	MCPTransport string `yaml:"mcp_transport"` // stdio, http, sse
	MCPHost      string `yaml:"mcp_host"`
	MCPPort      int    `yaml:"mcp_port"`

	// Hijacking settings.
	CacheEnabled     bool     `yaml:"cache_enabled"`
	CacheTTL         string   `yaml:"cache_ttl"`
	BlockedFunctions []string `yaml:"blocked_functions"`

	PerformanceTracking bool `yaml:"performance_tracking"`
}

// Option mutates a Config during initialization.
type Option func(*Config)

// WithEnvironment overrides the environment tag.
func WithEnvironment(env Environment) Option {
	return func(c *Config) { c.Environment = env }
}

// WithDataDir overrides the data directory (cache and log dirs follow unless
// also overridden).
func WithDataDir(dir string) Option {
	return func(c *Config) {
		c.DataDir = dir
		c.CacheDir = filepath.Join(dir, "cache")
		c.LogDir = filepath.Join(dir, "logs")
	}
}

// WithFilterSensitive toggles redaction of logged payloads.
func WithFilterSensitive(on bool) Option {
	return func(c *Config) { c.FilterSensitive = on }
}

// Default returns the built-in defaults rooted at .mystic under the working
// directory.
func Default() *Config {
	root, err := os.Getwd()
	if err != nil {
		root = "."
	}
	data := filepath.Join(root, ".mystic", "data")
	return &Config{
		Environment:         EnvDevelopment,
		DataDir:             data,
		CacheDir:            filepath.Join(data, "cache"),
		LogDir:              filepath.Join(data, "logs"),
		MaxCacheEntries:     1000,
		MaxSnapshots:        1000,
		LogFormat:           FormatConsole,
		FilterSensitive:     true,
		ProfileMode:         ProfileBasic,
		MCPTransport:        "stdio",
		MCPHost:             "localhost",
		MCPPort:             8899,
		CacheEnabled:        true,
		CacheTTL:            "1h",
		PerformanceTracking: true,
	}
}

// Load builds a Config from defaults, the optional YAML file at path (skipped
// when path is empty or missing), MYSTIC_* environment variables, and the
// given options, then validates it and creates its directories.
func Load(path string, opts ...Option) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	for _, opt := range opts {
		opt(cfg)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.ensureDirs(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("MYSTIC_ENVIRONMENT"); v != "" {
		c.Environment = Environment(v)
	}
	if v := os.Getenv("MYSTIC_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("MYSTIC_CACHE_DIR"); v != "" {
		c.CacheDir = v
	}
	if v := os.Getenv("MYSTIC_LOG_DIR"); v != "" {
		c.LogDir = v
	}
	if v := os.Getenv("MYSTIC_FILTER_SENSITIVE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.FilterSensitive = b
		}
	}
}

// Validate checks enumerated options. Path problems surface later when the
// directories are created.
func (c *Config) Validate() error {
	switch c.Environment {
	case EnvDevelopment, EnvTesting, EnvProduction:
	default:
		return fmt.Errorf("%w: got %q", ErrInvalidEnvironment, c.Environment)
	}
	switch c.LogFormat {
	case FormatConsole, FormatFile, FormatJSONRPC, FormatStructured, FormatMCPDebug:
	default:
		return fmt.Errorf("config: unknown log format %q", c.LogFormat)
	}
	if c.MaxCacheEntries <= 0 {
		return fmt.Errorf("config: max_cache_entries must be positive, got %d", c.MaxCacheEntries)
	}
	if c.MaxSnapshots <= 0 {
		return fmt.Errorf("config: max_snapshots must be positive, got %d", c.MaxSnapshots)
	}
	return nil
}

func (c *Config) ensureDirs() error {
	for _, dir := range []string{c.DataDir, c.CacheDir, c.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("config: create %s: %w", dir, err)
		}
	}
	return nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: create %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

var (
	globalMu  sync.RWMutex
	globalCfg *Config
)

// SetGlobal installs the process-wide configuration.
func SetGlobal(c *Config) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalCfg = c
}

// Global returns the process-wide configuration, initializing defaults on
// first use.
func Global() *Config {
	globalMu.RLock()
	if globalCfg != nil {
		defer globalMu.RUnlock()
		return globalCfg
	}
	globalMu.RUnlock()

	globalMu.Lock()
	defer globalMu.Unlock()
	if globalCfg == nil {
		globalCfg = Default()
	}
	return globalCfg
}
