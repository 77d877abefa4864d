package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// LLMConfig configures the streaming completion backend.
type LLMConfig struct {
	BaseURL     string  `mapstructure:"base_url"`
	Model       string  `mapstructure:"model"`
	APIKey      string  `mapstructure:"api_key"`
	Timeout     int     `mapstructure:"timeout_seconds"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	Temperature float64 `mapstructure:"temperature"`
	// HistoryTokenBudget caps the token size of assembled conversation
	// history; the oldest turns are dropped to fit.
	HistoryTokenBudget int `mapstructure:"history_token_budget"`
}

// ToolServerConfig configures one external tool server.
type ToolServerConfig struct {
	Name    string `mapstructure:"name"`
	BaseURL string `mapstructure:"base_url"`
	Timeout int    `mapstructure:"timeout_seconds"`
}

// EngineConfig bounds the tool-execution loop.
type EngineConfig struct {
	// MaxIterations caps the number of completion rounds per request. Hitting
	// the cap terminates the loop with whatever content has accumulated and is
	// not an error.
	MaxIterations int `mapstructure:"max_iterations"`
}

// DedupConfig tunes duplicate-submission detection.
type DedupConfig struct {
	// LookbackChats bounds how many recent chats are inspected before creating
	// a new one.
	LookbackChats int `mapstructure:"lookback_chats"`
	// MultimodalWindow is the recency window for multimodal duplicates.
	MultimodalWindow time.Duration `mapstructure:"multimodal_window"`
	// ContainmentWindow is the longer recency window for text-embedded-in-
	// multimodal duplicates.
	ContainmentWindow time.Duration `mapstructure:"containment_window"`
}

// Config is the root configuration for the relay service.
type Config struct {
	Server      ServerConfig       `mapstructure:"server"`
	LLM         LLMConfig          `mapstructure:"llm"`
	ToolServers []ToolServerConfig `mapstructure:"tool_servers"`
	Engine      EngineConfig       `mapstructure:"engine"`
	Dedup       DedupConfig        `mapstructure:"dedup"`
	StorageDir  string             `mapstructure:"storage_dir"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("llm.base_url", "http://localhost:11434/v1")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.timeout_seconds", 120)
	v.SetDefault("llm.max_tokens", 4096)
	v.SetDefault("llm.temperature", 0.7)
	v.SetDefault("llm.history_token_budget", 6000)
	v.SetDefault("engine.max_iterations", 8)
	v.SetDefault("dedup.lookback_chats", 20)
	v.SetDefault("dedup.multimodal_window", 30*time.Second)
	v.SetDefault("dedup.containment_window", 2*time.Minute)
	v.SetDefault("storage_dir", "~/.relay/chats")
}

// Load reads configuration from the given file path (optional) plus RELAY_*
// environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.LLM.BaseURL == "" {
		return fmt.Errorf("llm.base_url is required")
	}
	if c.Engine.MaxIterations <= 0 {
		return fmt.Errorf("engine.max_iterations must be positive, got %d", c.Engine.MaxIterations)
	}
	for i, ts := range c.ToolServers {
		if ts.Name == "" {
			return fmt.Errorf("tool_servers[%d]: name is required", i)
		}
		if ts.BaseURL == "" {
			return fmt.Errorf("tool_servers[%d] (%s): base_url is required", i, ts.Name)
		}
	}
	return nil
}
