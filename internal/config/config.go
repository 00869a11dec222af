// Package config handles configuration loading from TOML files and environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"
)

// Config is the root configuration structure.
type Config struct {
	DefaultProvider string                    `toml:"default_provider"`
	Providers       map[string]ProviderConfig `toml:"providers"`
	Agent           AgentConfig               `toml:"agent"`
	MCP             MCPConfig                 `toml:"mcp"`
	Cache           CacheConfig               `toml:"cache"`
	UI              UIConfig                  `toml:"ui"`
}

// AgentConfig holds the agent-loop knobs the core consumes as a typed
// struct: context budgeting, compression, and non-interactive approval.
type AgentConfig struct {
	// ContextLimit is the model's context window in tokens. Zero disables
	// the per-request completion clamp and percentage display.
	ContextLimit int `toml:"context_limit"`
	// MaxOutputTokens caps completion length per request.
	MaxOutputTokens int `toml:"max_output_tokens"`
	// OutputBufferTokens is headroom reserved inside ContextLimit beyond
	// the byte-based input estimate.
	OutputBufferTokens int `toml:"output_buffer_tokens"`
	// CompressionThreshold is the fraction of ContextLimit at which history
	// compression triggers (default 0.8).
	CompressionThreshold float64 `toml:"compression_threshold"`
	// MaxToolRounds bounds tool rounds per user turn (default 60).
	MaxToolRounds int `toml:"max_tool_rounds"`
	// AutoApprove skips every approval prompt; for non-interactive runs.
	AutoApprove bool `toml:"auto_approve"`
}

// CompressionThresholdOrDefault returns the configured threshold or 0.8.
func (a AgentConfig) CompressionThresholdOrDefault() float64 {
	if a.CompressionThreshold <= 0 || a.CompressionThreshold >= 1 {
		return 0.8
	}
	return a.CompressionThreshold
}

// MaxOutputTokensOrDefault returns the configured cap or 8192.
func (a AgentConfig) MaxOutputTokensOrDefault() int {
	if a.MaxOutputTokens <= 0 {
		return 8192
	}
	return a.MaxOutputTokens
}

// UIConfig holds user-interface settings.
type UIConfig struct {
	// SyntaxTheme names a Chroma syntax highlighting theme; see
	// SyntaxThemeOrDefault. The TUI does not read this field: it renders
	// with constants.SyntaxTheme.
	SyntaxTheme string `toml:"syntax_theme"`
}

// SyntaxThemeOrDefault returns the configured syntax theme or "vulcan" if unset.
func (u UIConfig) SyntaxThemeOrDefault() string {
	if u.SyntaxTheme == "" {
		return "vulcan"
	}
	return u.SyntaxTheme
}

// CacheConfig holds web cache settings.
type CacheConfig struct {
	TTLHours int `toml:"ttl_hours"`
}

// CacheTTLOrDefault returns the configured TTL or 24 hours if unset.
func (c CacheConfig) CacheTTLOrDefault() int {
	if c.TTLHours <= 0 {
		return 24
	}
	return c.TTLHours
}

// ProviderConfig holds LLM provider settings.
type ProviderConfig struct {
	// Type selects the transport: ollama, vllm, anthropic, opencode, or
	// zen. Defaults to ollama, the teacher of local setups.
	Type        string  `toml:"type"`
	Endpoint    string  `toml:"endpoint"`
	Model       string  `toml:"model"`
	Temperature float64 `toml:"temperature"`
	// APIKeyName is the credentials.json entry holding this provider's key.
	APIKeyName string `toml:"api_key_name"`
}

// TypeOrDefault returns the configured provider type or "ollama".
func (p ProviderConfig) TypeOrDefault() string {
	if p.Type == "" {
		return "ollama"
	}
	return p.Type
}

// MCPConfig holds MCP proxy settings.
type MCPConfig struct {
	Upstream string `toml:"upstream"`
}

// Load reads configuration from a TOML file and applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Providers: make(map[string]ProviderConfig),
	}

	// Config file is required
	if path == "" {
		return nil, fmt.Errorf("config path is required")
	}

	// File must exist
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	// Load from file
	_, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate returns an error if the configuration is invalid.
func (c *Config) Validate() error {
	var errs []error

	if len(c.Providers) == 0 {
		errs = append(errs, errors.New("providers: at least one provider must be configured"))
	} else {
		for name, providerCfg := range c.Providers {
			errs = append(errs, validateProviderConfig(name, providerCfg)...)
		}
	}

	// Validate default provider if specified
	if c.DefaultProvider != "" {
		if _, ok := c.Providers[c.DefaultProvider]; !ok {
			errs = append(errs, fmt.Errorf("default_provider=%q does not exist in providers", c.DefaultProvider))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

func validateProviderConfig(name string, cfg ProviderConfig) []error {
	var errs []error
	if cfg.Endpoint == "" {
		errs = append(errs, fmt.Errorf("providers.%s.endpoint is required", name))
	} else if err := validateEndpoint(cfg.Endpoint); err != nil {
		errs = append(errs, fmt.Errorf("providers.%s.endpoint=%q is invalid: %v", name, cfg.Endpoint, err))
	}

	if cfg.Model == "" {
		errs = append(errs, fmt.Errorf("providers.%s.model is required", name))
	}

	if cfg.Temperature < 0.0 || cfg.Temperature > 2.0 {
		errs = append(errs, fmt.Errorf("providers.%s.temperature=%v must be between 0.0 and 2.0", name, cfg.Temperature))
	}

	return errs
}

func validateEndpoint(value string) error {
	parsed, err := url.Parse(value)
	if err != nil {
		return err
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return errors.New("missing scheme or host")
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) {
	for _, setter := range []struct {
		env   string
		apply func(string)
	}{
		{"CORTEX_MCP_ENDPOINT", func(v string) {
			if v != "" {
				cfg.MCP.Upstream = v
			}
		}},
		{"CORTEX_CONTEXT_LIMIT", func(v string) {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				cfg.Agent.ContextLimit = n
			}
		}},
		{"CORTEX_MAX_OUTPUT_TOKENS", func(v string) {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				cfg.Agent.MaxOutputTokens = n
			}
		}},
		{"CORTEX_COMPRESSION_THRESHOLD", func(v string) {
			if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 && f < 1 {
				cfg.Agent.CompressionThreshold = f
			}
		}},
		{"CORTEX_AUTO_APPROVE", func(v string) {
			if v == "1" || v == "true" {
				cfg.Agent.AutoApprove = true
			}
		}},
	} {
		setter.apply(os.Getenv(setter.env))
	}
}

// DataDir returns the path to the cortex data directory (~/.config/cortex).
func DataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "cortex"), nil
}

// EnsureDataDir creates the data directory if it doesn't exist.
func EnsureDataDir() (string, error) {
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", err
	}
	return dir, nil
}
