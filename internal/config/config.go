// ABOUTME: Configuration loading and parsing for pairlink
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete pairlink configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Session   SessionConfig   `yaml:"session"`
	Hub       HubConfig       `yaml:"hub"`
	Reply     ReplyConfig     `yaml:"reply"`
	Providers ProvidersConfig `yaml:"providers"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Dedupe    DedupeConfig    `yaml:"dedupe"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// SessionConfig holds session lifecycle timing configuration
type SessionConfig struct {
	PairingTimeout  time.Duration `yaml:"-"`
	DegradedTimeout time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	PairingTimeoutRaw  string `yaml:"pairing_timeout"`
	DegradedTimeoutRaw string `yaml:"degraded_timeout"`
}

// HubConfig holds event fan-out configuration
type HubConfig struct {
	QueueSize        int `yaml:"queue_size"`
	SnapshotMessages int `yaml:"snapshot_messages"`
}

// ReplyConfig holds the initial reply settings and generation limits
type ReplyConfig struct {
	Provider      string  `yaml:"provider"`
	AutoReply     bool    `yaml:"auto_reply"`
	SystemPrompt  string  `yaml:"system_prompt"`
	Temperature   float64 `yaml:"temperature"`
	MaxTokens     int     `yaml:"max_tokens"`
	HistoryBudget int     `yaml:"history_budget"`
	Concurrency   int     `yaml:"concurrency"`
}

// ProvidersConfig holds completion backend configuration
type ProvidersConfig struct {
	OpenAI    ProviderConfig `yaml:"openai"`
	Anthropic ProviderConfig `yaml:"anthropic"`
}

// ProviderConfig holds one backend's connection settings
type ProviderConfig struct {
	Enabled bool   `yaml:"enabled"`
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`

	Timeout    time.Duration `yaml:"-"`
	TimeoutRaw string        `yaml:"timeout"`
}

// DispatchConfig holds outbound send retry configuration
type DispatchConfig struct {
	MaxAttempts int     `yaml:"max_attempts"`
	Factor      float64 `yaml:"factor"`

	BaseDelay    time.Duration `yaml:"-"`
	BaseDelayRaw string        `yaml:"base_delay"`
}

// DedupeConfig holds inbound message dedupe cache configuration
type DedupeConfig struct {
	MaxSize int `yaml:"max_size"`

	TTL    time.Duration `yaml:"-"`
	TTLRaw string        `yaml:"ttl"`
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

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	switch c.Reply.Provider {
	case "", "openai", "anthropic":
	default:
		return fmt.Errorf("reply.provider must be openai or anthropic, got %q", c.Reply.Provider)
	}

	if c.Reply.Provider == "openai" && !c.Providers.OpenAI.Enabled {
		return fmt.Errorf("reply.provider is openai but providers.openai is not enabled")
	}
	if c.Reply.Provider == "anthropic" && !c.Providers.Anthropic.Enabled {
		return fmt.Errorf("reply.provider is anthropic but providers.anthropic is not enabled")
	}

	if c.Reply.Temperature < 0 || c.Reply.Temperature > 1 {
		return fmt.Errorf("reply.temperature must be within [0, 1]")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{cfg.Session.PairingTimeoutRaw, &cfg.Session.PairingTimeout, "session.pairing_timeout"},
		{cfg.Session.DegradedTimeoutRaw, &cfg.Session.DegradedTimeout, "session.degraded_timeout"},
		{cfg.Providers.OpenAI.TimeoutRaw, &cfg.Providers.OpenAI.Timeout, "providers.openai.timeout"},
		{cfg.Providers.Anthropic.TimeoutRaw, &cfg.Providers.Anthropic.Timeout, "providers.anthropic.timeout"},
		{cfg.Dispatch.BaseDelayRaw, &cfg.Dispatch.BaseDelay, "dispatch.base_delay"},
		{cfg.Dedupe.TTLRaw, &cfg.Dedupe.TTL, "dedupe.ttl"},
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
