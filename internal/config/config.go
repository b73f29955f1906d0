// ABOUTME: Configuration loading and parsing for support-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete support-gateway configuration
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Tailscale    TailscaleConfig    `yaml:"tailscale"`
	Database     DatabaseConfig     `yaml:"database"`
	Auth         AuthConfig         `yaml:"auth"`
	Logging      LoggingConfig      `yaml:"logging"`
	Shops        ShopsConfig        `yaml:"shops"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Providers    []ProviderConfig   `yaml:"providers"`
	Push         PushConfig         `yaml:"push"`
	Escalation   EscalationConfig   `yaml:"escalation"`
	Redis        RedisConfig        `yaml:"redis"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	GRPCAddr  string `yaml:"grpc_addr"`
	HTTPAddr  string `yaml:"http_addr"`
	PublicURL string `yaml:"public_url"` // external base URL, used in notification links
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`

	// ConsolePort is the tailnet port serving the agent console (default 80)
	ConsolePort int `yaml:"console_port"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds agent console authentication configuration.
// An empty secret leaves the agent console API disabled.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ShopsConfig points at the shop settings file
type ShopsConfig struct {
	Path string `yaml:"path"`
}

// OrchestratorConfig tunes the conversation orchestrator
type OrchestratorConfig struct {
	HistoryWindow     int    `yaml:"history_window"`
	EscalationMessage string `yaml:"escalation_message"`

	ProviderTimeout time.Duration `yaml:"-"`
	InflightTTL     time.Duration `yaml:"-"`
	HealthInterval  time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	ProviderTimeoutRaw string `yaml:"provider_timeout"`
	InflightTTLRaw     string `yaml:"inflight_ttl"`
	HealthIntervalRaw  string `yaml:"health_interval"`
}

// ProviderConfig declares one completion backend
type ProviderConfig struct {
	Name         string   `yaml:"name"`
	Type         string   `yaml:"type"` // openai, openai_compatible, anthropic
	APIKey       string   `yaml:"api_key"`
	BaseURL      string   `yaml:"base_url"`
	Model        string   `yaml:"model"`
	Priority     int      `yaml:"priority"`
	InputPer1K   float64  `yaml:"input_cost_per_1k"`
	OutputPer1K  float64  `yaml:"output_cost_per_1k"`
	Capabilities []string `yaml:"capabilities"`
}

// PushConfig tunes the widget websocket endpoint
type PushConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`

	PingInterval time.Duration `yaml:"-"`
	WriteTimeout time.Duration `yaml:"-"`

	PingIntervalRaw string `yaml:"ping_interval"`
	WriteTimeoutRaw string `yaml:"write_timeout"`
}

// EscalationConfig holds escalation notification configuration
type EscalationConfig struct {
	Slack SlackConfig `yaml:"slack"`
}

// SlackConfig holds Slack notification configuration
type SlackConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	Channel  string `yaml:"channel"`
}

// RedisConfig enables cross-instance event sharing
type RedisConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Addr          string `yaml:"addr"`
	Password      string `yaml:"password"`
	DB            int    `yaml:"db"`
	ChannelPrefix string `yaml:"channel_prefix"`
}

var knownProviderTypes = map[string]bool{
	"openai":            true,
	"openai_compatible": true,
	"anthropic":         true,
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), &cfg); err != nil {
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
		return os.Getenv(re.FindStringSubmatch(match)[1])
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}
	if c.Tailscale.ConsolePort < 0 || c.Tailscale.ConsolePort > 65535 {
		return fmt.Errorf("tailscale.console_port must be between 0 and 65535")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Orchestrator.HistoryWindow < 0 {
		return fmt.Errorf("orchestrator.history_window must not be negative")
	}

	seen := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("providers[%d].name is required", i)
		}
		if seen[p.Name] {
			return fmt.Errorf("providers[%d]: duplicate name %q", i, p.Name)
		}
		seen[p.Name] = true
		if !knownProviderTypes[strings.ToLower(p.Type)] {
			return fmt.Errorf("providers[%d].type %q is not one of openai, openai_compatible, anthropic", i, p.Type)
		}
	}

	if c.Escalation.Slack.Enabled && (c.Escalation.Slack.BotToken == "" || c.Escalation.Slack.Channel == "") {
		return fmt.Errorf("escalation.slack.bot_token and escalation.slack.channel are required when slack is enabled")
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
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
		{"orchestrator.provider_timeout", cfg.Orchestrator.ProviderTimeoutRaw, &cfg.Orchestrator.ProviderTimeout},
		{"orchestrator.inflight_ttl", cfg.Orchestrator.InflightTTLRaw, &cfg.Orchestrator.InflightTTL},
		{"orchestrator.health_interval", cfg.Orchestrator.HealthIntervalRaw, &cfg.Orchestrator.HealthInterval},
		{"push.ping_interval", cfg.Push.PingIntervalRaw, &cfg.Push.PingInterval},
		{"push.write_timeout", cfg.Push.WriteTimeoutRaw, &cfg.Push.WriteTimeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative", f.name)
		}
		*f.dst = d
	}
	return nil
}
