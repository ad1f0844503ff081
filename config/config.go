// Package config loads relay configuration with the precedence
// defaults -> YAML file -> environment variables (RELAY_* prefix).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete relay configuration.
type Config struct {
	Log   LogConfig   `yaml:"log"`
	LLM   LLMConfig   `yaml:"llm"`
	Retry RetryConfig `yaml:"retry"`
	Store StoreConfig `yaml:"store"`
	Chat  ChatConfig  `yaml:"chat"`
}

// LogConfig controls the zap logger.
type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// LLMConfig points at the completion endpoint.
type LLMConfig struct {
	BaseURL       string        `yaml:"base_url"`
	APIKey        string        `yaml:"api_key"`
	Model         string        `yaml:"model"`
	Temperature   float32       `yaml:"temperature"`
	StreamTimeout time.Duration `yaml:"stream_timeout"`
}

// RetryConfig mirrors retry.Policy.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	Backend    string      `yaml:"backend"` // sqlite or redis
	SQLitePath string      `yaml:"sqlite_path"`
	Redis      RedisConfig `yaml:"redis"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// ChatConfig pins the orchestrated conversation.
type ChatConfig struct {
	ConversationID   string `yaml:"conversation_id"`
	SystemPrompt     string `yaml:"system_prompt"`
	MaxContextTokens int    `yaml:"max_context_tokens"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info"},
		LLM: LLMConfig{
			BaseURL:       "https://api.openai.com",
			Model:         "gpt-4o-mini",
			Temperature:   0.7,
			StreamTimeout: 60 * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   time.Second,
			MaxDelay:    16 * time.Second,
		},
		Store: StoreConfig{
			Backend:    "sqlite",
			SQLitePath: "relay.db",
			Redis:      RedisConfig{Addr: "localhost:6379", KeyPrefix: "relay:"},
		},
		Chat: ChatConfig{
			ConversationID:   "default",
			MaxContextTokens: 4096,
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file,
// and RELAY_* environment variables, in that order.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.Log.Level, "RELAY_LOG_LEVEL")

	setString(&c.LLM.BaseURL, "RELAY_LLM_BASE_URL")
	setString(&c.LLM.APIKey, "RELAY_LLM_API_KEY")
	setString(&c.LLM.Model, "RELAY_LLM_MODEL")
	setDuration(&c.LLM.StreamTimeout, "RELAY_LLM_STREAM_TIMEOUT")

	setInt(&c.Retry.MaxAttempts, "RELAY_RETRY_MAX_ATTEMPTS")
	setDuration(&c.Retry.BaseDelay, "RELAY_RETRY_BASE_DELAY")
	setDuration(&c.Retry.MaxDelay, "RELAY_RETRY_MAX_DELAY")

	setString(&c.Store.Backend, "RELAY_STORE_BACKEND")
	setString(&c.Store.SQLitePath, "RELAY_STORE_SQLITE_PATH")
	setString(&c.Store.Redis.Addr, "RELAY_REDIS_ADDR")
	setString(&c.Store.Redis.Password, "RELAY_REDIS_PASSWORD")
	setInt(&c.Store.Redis.DB, "RELAY_REDIS_DB")

	setString(&c.Chat.ConversationID, "RELAY_CHAT_CONVERSATION_ID")
	setString(&c.Chat.SystemPrompt, "RELAY_CHAT_SYSTEM_PROMPT")
	setInt(&c.Chat.MaxContextTokens, "RELAY_CHAT_MAX_CONTEXT_TOKENS")
}

func (c *Config) validate() error {
	switch c.Store.Backend {
	case "sqlite", "redis":
	default:
		return fmt.Errorf("unknown store backend %q (want sqlite or redis)", c.Store.Backend)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be >= 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Chat.MaxContextTokens < 1 {
		return fmt.Errorf("chat.max_context_tokens must be >= 1, got %d", c.Chat.MaxContextTokens)
	}
	return nil
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
