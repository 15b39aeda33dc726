// ABOUTME: Configuration loading and parsing for hearth-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete hearth-gateway configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Auth       AuthConfig       `yaml:"auth"`
	LLM        LLMConfig        `yaml:"llm"`
	Agent      AgentConfig      `yaml:"agent"`
	Bus        BusConfig        `yaml:"bus"`
	Workers    WorkersConfig    `yaml:"workers"`
	Connectors ConnectorsConfig `yaml:"connectors"`
	Dedupe     DedupeConfig     `yaml:"dedupe"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string   `yaml:"jwt_secret"`
	APIKeys   []string `yaml:"api_keys"`
}

// LLMConfig holds model provider configuration
type LLMConfig struct {
	Provider   string `yaml:"provider"` // "openai" or "anthropic"
	Model      string `yaml:"model"`
	APIKey     string `yaml:"api_key"`
	BaseURL    string `yaml:"base_url"`
	MaxRetries int    `yaml:"max_retries"`
	MaxTokens  int    `yaml:"max_tokens"`

	CallTimeout    time.Duration `yaml:"-"`
	CallTimeoutRaw string        `yaml:"call_timeout"`
}

// AgentConfig holds agent loop configuration
type AgentConfig struct {
	Name             string `yaml:"name"`
	Owner            string `yaml:"owner"`
	Identity         string `yaml:"identity"`
	Consumers        int    `yaml:"consumers"`
	MaxIterations    int    `yaml:"max_iterations"`
	HistoryWindow    int    `yaml:"history_window"`
	MaxContextTokens int    `yaml:"max_context_tokens"`

	WakeInterval    time.Duration `yaml:"-"`
	WakeIntervalRaw string        `yaml:"wake_interval"`
}

// BusConfig holds message bus sizing configuration
type BusConfig struct {
	Capacity int `yaml:"capacity"`

	ReplyTimeout    time.Duration `yaml:"-"`
	ReplyTimeoutRaw string        `yaml:"reply_timeout"`
}

// WorkersConfig holds worker pool configuration
type WorkersConfig struct {
	Enabled bool   `yaml:"enabled"`
	Count   int    `yaml:"count"`
	Command string `yaml:"command"`

	TaskTimeout    time.Duration `yaml:"-"`
	TaskTimeoutRaw string        `yaml:"task_timeout"`
}

// ConnectorsConfig holds configuration for all chat surface connectors
type ConnectorsConfig struct {
	HTTP      HTTPConnectorConfig      `yaml:"http"`
	WebSocket WebSocketConnectorConfig `yaml:"websocket"`
}

// HTTPConnectorConfig holds the request/reply HTTP connector configuration
type HTTPConnectorConfig struct {
	Enabled bool `yaml:"enabled"`
}

// WebSocketConnectorConfig holds the streaming WebSocket connector configuration
type WebSocketConnectorConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// DedupeConfig holds platform event dedupe configuration
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

// applyDefaults fills in defaults for fields that are safe to leave unset.
func (c *Config) applyDefaults() {
	if c.LLM.MaxRetries == 0 {
		c.LLM.MaxRetries = 3
	}
	if c.LLM.CallTimeout == 0 {
		c.LLM.CallTimeout = 120 * time.Second
	}
	if c.Agent.Name == "" {
		c.Agent.Name = "hearth"
	}
	if c.Agent.Consumers == 0 {
		c.Agent.Consumers = 4
	}
	if c.Agent.MaxIterations == 0 {
		c.Agent.MaxIterations = 10
	}
	if c.Agent.HistoryWindow == 0 {
		c.Agent.HistoryWindow = 50
	}
	if c.Agent.MaxContextTokens == 0 {
		c.Agent.MaxContextTokens = 8000
	}
	if c.Bus.Capacity == 0 {
		c.Bus.Capacity = 1024
	}
	if c.Bus.ReplyTimeout == 0 {
		c.Bus.ReplyTimeout = 120 * time.Second
	}
	if c.Workers.Count == 0 {
		c.Workers.Count = 2
	}
	if c.Workers.TaskTimeout == 0 {
		c.Workers.TaskTimeout = 300 * time.Second
	}
	if c.Dedupe.MaxSize == 0 {
		c.Dedupe.MaxSize = 10000
	}
	if c.Dedupe.TTL == 0 {
		c.Dedupe.TTL = 10 * time.Minute
	}
	if c.Connectors.WebSocket.Path == "" {
		c.Connectors.WebSocket.Path = "/ws"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
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

	switch c.LLM.Provider {
	case "openai", "anthropic":
	case "":
		return fmt.Errorf("llm.provider is required")
	default:
		return fmt.Errorf("llm.provider must be %q or %q, got %q", "openai", "anthropic", c.LLM.Provider)
	}

	if c.LLM.Model == "" {
		return fmt.Errorf("llm.model is required")
	}

	if c.Workers.Enabled && c.Workers.Command == "" {
		return fmt.Errorf("workers.command is required when workers are enabled")
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
		{"llm.call_timeout", cfg.LLM.CallTimeoutRaw, &cfg.LLM.CallTimeout},
		{"agent.wake_interval", cfg.Agent.WakeIntervalRaw, &cfg.Agent.WakeInterval},
		{"bus.reply_timeout", cfg.Bus.ReplyTimeoutRaw, &cfg.Bus.ReplyTimeout},
		{"workers.task_timeout", cfg.Workers.TaskTimeoutRaw, &cfg.Workers.TaskTimeout},
		{"dedupe.ttl", cfg.Dedupe.TTLRaw, &cfg.Dedupe.TTL},
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
