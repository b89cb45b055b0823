// Package config loads and watches the bridge configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full bridge configuration. Loaded once at startup and on
// file change; request handlers receive an immutable snapshot, never a
// shared mutable pointer.
type Config struct {
	// Host and Port bind the inbound HTTP listener.
	Host string `yaml:"host,omitempty" json:"host,omitempty"`
	Port int    `yaml:"port,omitempty" json:"port,omitempty"`

	// AuthTokens lists accepted inbound API keys. Empty disables auth.
	AuthTokens []string `yaml:"auth-tokens,omitempty" json:"auth-tokens,omitempty"`

	// ProjectID is the backend project every wrapper request carries.
	ProjectID string `yaml:"project-id" json:"project-id"`

	// Endpoint overrides the backend base URL, for testing.
	Endpoint string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`

	// ProxyURL routes backend calls through an HTTP(S) proxy.
	ProxyURL string `yaml:"proxy-url,omitempty" json:"proxy-url,omitempty"`

	// RequestsPerSecond throttles outbound backend calls. 0 disables.
	RequestsPerSecond float64 `yaml:"requests-per-second,omitempty" json:"requests-per-second,omitempty"`

	// ModelMap remaps inbound model names to upstream ones.
	ModelMap map[string]string `yaml:"model-map,omitempty" json:"model-map,omitempty"`

	// SearchModel is the fixed model used for built-in web search turns.
	SearchModel string `yaml:"search-model,omitempty" json:"search-model,omitempty"`

	Bridge  BridgeConfig  `yaml:"bridge,omitempty" json:"bridge,omitempty"`
	Logging LoggingConfig `yaml:"logging,omitempty" json:"logging,omitempty"`
	Usage   UsageConfig   `yaml:"usage,omitempty" json:"usage,omitempty"`
}

// BridgeConfig controls the tool-invocation bridge and its switch retry.
type BridgeConfig struct {
	// Enabled turns the in-band tag protocol on for bridged-prefix tools.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// SubstituteModel is the model a switch retry re-issues the turn
	// against. Empty disables every switch-retry code path.
	SubstituteModel string `yaml:"substitute-model,omitempty" json:"substitute-model,omitempty"`

	// RetryDelayMS pauses before the substitute call.
	RetryDelayMS int `yaml:"retry-delay-ms,omitempty" json:"retry-delay-ms,omitempty"`
}

// RetryDelay returns the configured pre-retry pause.
func (b BridgeConfig) RetryDelay() time.Duration {
	return time.Duration(b.RetryDelayMS) * time.Millisecond
}

// LoggingConfig controls log level and optional file output.
type LoggingConfig struct {
	Level      string `yaml:"level,omitempty" json:"level,omitempty"`
	File       string `yaml:"file,omitempty" json:"file,omitempty"`
	MaxSizeMB  int    `yaml:"max-size-mb,omitempty" json:"max-size-mb,omitempty"`
	MaxBackups int    `yaml:"max-backups,omitempty" json:"max-backups,omitempty"`
}

// UsageConfig controls the local usage database.
type UsageConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	DBPath  string `yaml:"db-path,omitempty" json:"db-path,omitempty"`
}

// NewDefaultConfig returns the configuration used when no file exists.
func NewDefaultConfig() *Config {
	return &Config{
		Host:        "127.0.0.1",
		Port:        8317,
		SearchModel: "gemini-2.5-flash",
		Logging:     LoggingConfig{Level: "info", MaxSizeMB: 64, MaxBackups: 3},
		Usage:       UsageConfig{DBPath: "usage.db"},
	}
}

// LoadConfig reads and validates the YAML file at path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := NewDefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfigOptional loads the file when present and falls back to defaults
// when it is missing.
func LoadConfigOptional(path string) (*Config, error) {
	cfg, err := LoadConfig(path)
	if os.IsNotExist(err) {
		return NewDefaultConfig(), nil
	}
	return cfg, err
}

// ApplyEnvOverrides lets the environment take precedence over the file.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("GEMINI_BRIDGE_HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv("GEMINI_BRIDGE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Port = port
		}
	}
	if v := os.Getenv("GEMINI_BRIDGE_PROJECT_ID"); v != "" {
		cfg.ProjectID = v
	}
	if v := os.Getenv("GEMINI_BRIDGE_ENDPOINT"); v != "" {
		cfg.Endpoint = v
	}
	if v := os.Getenv("GEMINI_BRIDGE_PROXY_URL"); v != "" {
		cfg.ProxyURL = v
	}
	if v := os.Getenv("GEMINI_BRIDGE_AUTH_TOKEN"); v != "" {
		cfg.AuthTokens = append(cfg.AuthTokens, v)
	}
	if v := os.Getenv("GEMINI_BRIDGE_SUBSTITUTE_MODEL"); v != "" {
		cfg.Bridge.SubstituteModel = v
	}
	if v := os.Getenv("GEMINI_BRIDGE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.Bridge.SubstituteModel != "" && !c.Bridge.Enabled {
		return fmt.Errorf("bridge.substitute-model requires bridge.enabled")
	}
	return nil
}

// ResolveModel maps an inbound model name through the remap table.
func (c *Config) ResolveModel(model string) string {
	if mapped, ok := c.ModelMap[model]; ok && mapped != "" {
		return mapped
	}
	return model
}
