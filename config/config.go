// Package config provides configuration types and loading for the town
// simulation server. A single YAML file is the entry point; every section
// carries SetDefaults and Validate so a missing file still yields a runnable
// zero-config setup.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ============================================================================
// MAIN CONFIGURATION
// ============================================================================

// Config is the complete runtime configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server,omitempty"`
	LLM        LLMConfig        `yaml:"llm,omitempty"`
	Simulation SimulationConfig `yaml:"simulation,omitempty"`
	Logging    LoggingConfig    `yaml:"logging,omitempty"`
}

// SetDefaults sets default values for any unset fields.
func (c *Config) SetDefaults() {
	c.Server.SetDefaults()
	c.LLM.SetDefaults()
	c.Simulation.SetDefaults()
	c.Logging.SetDefaults()
}

// Validate checks the configuration and returns the first error found.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config validation failed: %w", err)
	}
	if err := c.LLM.Validate(); err != nil {
		return fmt.Errorf("llm config validation failed: %w", err)
	}
	if err := c.Simulation.Validate(); err != nil {
		return fmt.Errorf("simulation config validation failed: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config validation failed: %w", err)
	}
	return nil
}

// Default returns a fully defaulted zero-config setup.
func Default() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

// ============================================================================
// SERVER
// ============================================================================

// ServerConfig configures the WebSocket endpoint.
type ServerConfig struct {
	Host             string `yaml:"host"`
	Port             int    `yaml:"port"`
	MotionIntervalMS int    `yaml:"motion_interval_ms"`
}

// SetDefaults sets default values for the server configuration.
func (c *ServerConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.Port == 0 {
		c.Port = 8765
	}
	if c.MotionIntervalMS == 0 {
		c.MotionIntervalMS = 150
	}
}

// Validate validates the server configuration.
func (c *ServerConfig) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.MotionIntervalMS < 0 {
		return fmt.Errorf("invalid motion interval: %d", c.MotionIntervalMS)
	}
	return nil
}

// Addr returns the listen address.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// MotionInterval returns the motion loop cadence.
func (c *ServerConfig) MotionInterval() time.Duration {
	return time.Duration(c.MotionIntervalMS) * time.Millisecond
}

// ============================================================================
// LLM
// ============================================================================

// LLMConfig configures the streaming text generation endpoint.
type LLMConfig struct {
	Host           string `yaml:"host"`
	Model          string `yaml:"model"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// SetDefaults sets default values for the LLM configuration.
func (c *LLMConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "http://127.0.0.1:11434"
	}
	if c.Model == "" {
		c.Model = "qwen2.5:14b"
	}
	if c.TimeoutSeconds == 0 {
		c.TimeoutSeconds = 300
	}
}

// Validate validates the LLM configuration.
func (c *LLMConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Model == "" {
		return fmt.Errorf("model is required")
	}
	if c.TimeoutSeconds < 0 {
		return fmt.Errorf("invalid timeout: %d", c.TimeoutSeconds)
	}
	return nil
}

// Timeout returns the per-call timeout.
func (c *LLMConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// ============================================================================
// SIMULATION
// ============================================================================

// SimulationConfig points at the on-disk simulation assets.
type SimulationConfig struct {
	// ScheduleFile is the preset schedule store. Empty disables preset mode.
	ScheduleFile string `yaml:"schedule_file"`
	// PersonaDir holds <MBTI>/1.txt persona files. Missing files fall back
	// to the built-in tables.
	PersonaDir string `yaml:"persona_dir"`
}

// SetDefaults sets default values for the simulation configuration.
func (c *SimulationConfig) SetDefaults() {
	if c.ScheduleFile == "" {
		c.ScheduleFile = "schedules.json"
	}
	if c.PersonaDir == "" {
		c.PersonaDir = "personas"
	}
}

// Validate validates the simulation configuration.
func (c *SimulationConfig) Validate() error {
	return nil
}

// ============================================================================
// LOGGING
// ============================================================================

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// SetDefaults sets default values for the logging configuration.
func (c *LoggingConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "text"
	}
}

// Validate validates the logging configuration.
func (c *LoggingConfig) Validate() error {
	switch c.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %q", c.Level)
	}
	switch c.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format: %q", c.Format)
	}
	return nil
}

// ============================================================================
// LOADING
// ============================================================================

// LoadConfig loads, expands and validates the configuration file.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return parseConfig(raw)
}

// LoadConfigFromString loads configuration from a YAML string.
func LoadConfigFromString(yamlContent string) (*Config, error) {
	return parseConfig([]byte(yamlContent))
}

// parseConfig decodes the document, expands environment variables in every
// string leaf and applies defaults before validating.
func parseConfig(raw []byte) (*Config, error) {
	var doc map[string]interface{}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	expanded, err := yaml.Marshal(ExpandEnvVarsInData(doc))
	if err != nil {
		return nil, fmt.Errorf("failed to re-encode config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(expanded, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
