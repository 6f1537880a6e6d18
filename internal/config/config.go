// internal/config/config.go
package config

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// ProviderConfig configures one of the four built-in model providers.
// CLIPath applies to the CLI-backed vendors (Claude, Gemini); APIKey
// and ModelName apply to the HTTP-backed ones (GPT, Grok).
type ProviderConfig struct {
	Enabled     bool   `yaml:"enabled"`
	CLIPath     string `yaml:"cli_path,omitempty"`
	APIKey      string `yaml:"api_key,omitempty"`
	ModelName   string `yaml:"model_name,omitempty"`
	DisplayName string `yaml:"display_name,omitempty"`
}

// DiscussionDefaults seeds discussion.Options for any start request
// that omits its own `options` (spec §6.3).
type DiscussionDefaults struct {
	MaxIterations            int     `yaml:"max_iterations"`
	Temperature              float64 `yaml:"temperature"`
	MaxTokensPerTurn         int     `yaml:"max_tokens_per_turn"`
	TurnTimeoutSeconds       int     `yaml:"turn_timeout_seconds"`
	TotalTimeoutSeconds      int     `yaml:"total_timeout_seconds"`
	RequireBothConsensus     bool    `yaml:"require_both_consensus"`
	MinRoundsBeforeConsensus int     `yaml:"min_rounds_before_consensus"`
}

// WebhookConfig configures the optional fire-and-forget notification
// sink (internal/notify). An empty Endpoint disables it.
type WebhookConfig struct {
	Endpoint string `yaml:"endpoint,omitempty"`
}

// ServerConfig configures the HTTP listener (internal/httpapi).
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type Config struct {
	Providers struct {
		Claude ProviderConfig `yaml:"claude"`
		Gemini ProviderConfig `yaml:"gemini"`
		GPT    ProviderConfig `yaml:"gpt"`
		Grok   ProviderConfig `yaml:"grok"`
	} `yaml:"providers"`
	Discussion DiscussionDefaults `yaml:"discussion"`
	Webhook    WebhookConfig      `yaml:"webhook"`
	Server     ServerConfig       `yaml:"server"`
}

func Load() (*Config, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		configDir = os.ExpandEnv("$HOME/.config")
	}

	path := filepath.Join(configDir, "roundtable", "config.yaml")

	data, err := os.ReadFile(path)
	if err != nil {
		// Return defaults if no config file
		return defaultConfig(), nil
	}

	// Expand environment variables in config
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, err
	}

	// Apply defaults for unset values
	applyDefaults(&cfg)

	return &cfg, nil
}

func defaultConfig() *Config {
	cfg := &Config{}
	cfg.Providers.Claude.Enabled = true
	cfg.Providers.Claude.CLIPath = "claude"
	cfg.Providers.Claude.DisplayName = "Claude"
	cfg.Providers.Gemini.Enabled = true
	cfg.Providers.Gemini.CLIPath = "gemini"
	cfg.Providers.Gemini.DisplayName = "Gemini"
	cfg.Providers.GPT.Enabled = false
	cfg.Providers.GPT.DisplayName = "GPT"
	cfg.Providers.Grok.Enabled = false
	cfg.Providers.Grok.DisplayName = "Grok"
	cfg.Discussion = defaultDiscussionDefaults()
	cfg.Server.Addr = ":8099"
	return cfg
}

func defaultDiscussionDefaults() DiscussionDefaults {
	return DiscussionDefaults{
		MaxIterations:            5,
		Temperature:              0.7,
		MaxTokensPerTurn:         2048,
		TurnTimeoutSeconds:       60,
		TotalTimeoutSeconds:      1200,
		RequireBothConsensus:     true,
		MinRoundsBeforeConsensus: 1,
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Providers.Claude.CLIPath == "" {
		cfg.Providers.Claude.CLIPath = "claude"
	}
	if cfg.Providers.Gemini.CLIPath == "" {
		cfg.Providers.Gemini.CLIPath = "gemini"
	}
	defaults := defaultDiscussionDefaults()
	if cfg.Discussion.MaxIterations == 0 {
		cfg.Discussion.MaxIterations = defaults.MaxIterations
	}
	if cfg.Discussion.Temperature == 0 {
		cfg.Discussion.Temperature = defaults.Temperature
	}
	if cfg.Discussion.MaxTokensPerTurn == 0 {
		cfg.Discussion.MaxTokensPerTurn = defaults.MaxTokensPerTurn
	}
	if cfg.Discussion.TurnTimeoutSeconds == 0 {
		cfg.Discussion.TurnTimeoutSeconds = defaults.TurnTimeoutSeconds
	}
	if cfg.Discussion.TotalTimeoutSeconds == 0 {
		cfg.Discussion.TotalTimeoutSeconds = defaults.TotalTimeoutSeconds
	}
	if cfg.Discussion.MinRoundsBeforeConsensus == 0 {
		cfg.Discussion.MinRoundsBeforeConsensus = defaults.MinRoundsBeforeConsensus
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8099"
	}
}

// TurnTimeout converts the configured seconds into a time.Duration.
func (d DiscussionDefaults) TurnTimeout() time.Duration {
	return time.Duration(d.TurnTimeoutSeconds) * time.Second
}

// TotalTimeout converts the configured seconds into a time.Duration.
func (d DiscussionDefaults) TotalTimeout() time.Duration {
	return time.Duration(d.TotalTimeoutSeconds) * time.Second
}

func ConfigPath() string {
	configDir, _ := os.UserConfigDir()
	if configDir == "" {
		configDir = os.ExpandEnv("$HOME/.config")
	}
	return filepath.Join(configDir, "roundtable", "config.yaml")
}
