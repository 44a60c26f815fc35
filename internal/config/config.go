// ABOUTME: Configuration loading and parsing for storygate
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete storygate configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Sessions SessionsConfig `yaml:"sessions"`
	Sync     SyncConfig     `yaml:"sync"`
	Engine   EngineConfig   `yaml:"engine"`
	Conflict ConflictConfig `yaml:"conflict"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// SessionsConfig holds session lifecycle configuration
type SessionsConfig struct {
	IdleTTL time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	IdleTTLRaw string `yaml:"idle_ttl"`
}

// SyncConfig holds cross-channel synchronization configuration
type SyncConfig struct {
	CoalescingWindow   time.Duration `yaml:"-"`
	PropagationTimeout time.Duration `yaml:"-"`

	// StalenessThreshold is how many canonical versions a channel may fall
	// behind before it gets a full resync instead of incremental deltas.
	StalenessThreshold int64 `yaml:"staleness_threshold"`

	// Raw string values for YAML unmarshaling
	CoalescingWindowRaw   string `yaml:"coalescing_window"`
	PropagationTimeoutRaw string `yaml:"propagation_timeout"`
}

// EngineConfig holds conversation engine timing configuration
type EngineConfig struct {
	RouterTimeout time.Duration `yaml:"-"`
	SwitchTimeout time.Duration `yaml:"-"`

	// StreamChunkSize is the word count per simulated stream chunk when the
	// router has no native streaming.
	StreamChunkSize int `yaml:"stream_chunk_size"`

	// Raw string values for YAML unmarshaling
	RouterTimeoutRaw string `yaml:"router_timeout"`
	SwitchTimeoutRaw string `yaml:"switch_timeout"`
}

// ConflictConfig holds conflict resolution policy configuration
type ConflictConfig struct {
	// Precedence orders channel types from most to least authoritative.
	// Leave empty to resolve scalar conflicts by recency instead.
	Precedence []string `yaml:"precedence"`

	// UserPreferences maps field paths to a channel type whose value always
	// wins for that field.
	UserPreferences map[string]string `yaml:"user_preferences"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills in defaults for optional timing and policy knobs.
func (c *Config) applyDefaults() {
	if c.Sessions.IdleTTL == 0 {
		c.Sessions.IdleTTL = 30 * time.Minute
	}
	if c.Sync.CoalescingWindow == 0 {
		c.Sync.CoalescingWindow = 250 * time.Millisecond
	}
	if c.Sync.StalenessThreshold == 0 {
		c.Sync.StalenessThreshold = 5
	}
	if c.Sync.PropagationTimeout == 0 {
		c.Sync.PropagationTimeout = 2 * time.Second
	}
	if c.Engine.RouterTimeout == 0 {
		c.Engine.RouterTimeout = 10 * time.Second
	}
	if c.Engine.SwitchTimeout == 0 {
		c.Engine.SwitchTimeout = 5 * time.Second
	}
	if c.Engine.StreamChunkSize == 0 {
		c.Engine.StreamChunkSize = 8
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Engine.StreamChunkSize < 0 {
		return fmt.Errorf("engine.stream_chunk_size must be positive")
	}

	if c.Sync.StalenessThreshold < 0 {
		return fmt.Errorf("sync.staleness_threshold must be positive")
	}

	seen := make(map[string]bool, len(c.Conflict.Precedence))
	for _, ch := range c.Conflict.Precedence {
		if seen[ch] {
			return fmt.Errorf("conflict.precedence lists %q twice", ch)
		}
		seen[ch] = true
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"sessions.idle_ttl", cfg.Sessions.IdleTTLRaw, &cfg.Sessions.IdleTTL},
		{"sync.coalescing_window", cfg.Sync.CoalescingWindowRaw, &cfg.Sync.CoalescingWindow},
		{"sync.propagation_timeout", cfg.Sync.PropagationTimeoutRaw, &cfg.Sync.PropagationTimeout},
		{"engine.router_timeout", cfg.Engine.RouterTimeoutRaw, &cfg.Engine.RouterTimeout},
		{"engine.switch_timeout", cfg.Engine.SwitchTimeoutRaw, &cfg.Engine.SwitchTimeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
