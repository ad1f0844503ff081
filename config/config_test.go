package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Retry.BaseDelay)
	assert.Equal(t, 16*time.Second, cfg.Retry.MaxDelay)
	assert.Equal(t, "sqlite", cfg.Store.Backend)
	assert.Equal(t, 4096, cfg.Chat.MaxContextTokens)
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log:
  level: debug
retry:
  max_attempts: 5
store:
  backend: redis
  redis:
    addr: redis.internal:6379
chat:
  system_prompt: "Be terse."
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, "redis", cfg.Store.Backend)
	assert.Equal(t, "redis.internal:6379", cfg.Store.Redis.Addr)
	assert.Equal(t, "Be terse.", cfg.Chat.SystemPrompt)

	// Untouched values keep their defaults.
	assert.Equal(t, "gpt-4o-mini", cfg.LLM.Model)
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte("llm:\n  model: gpt-4o\n"), 0o600))

	t.Setenv("RELAY_LLM_MODEL", "gpt-4o-mini")
	t.Setenv("RELAY_RETRY_MAX_ATTEMPTS", "2")
	t.Setenv("RELAY_RETRY_BASE_DELAY", "500ms")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "gpt-4o-mini", cfg.LLM.Model)
	assert.Equal(t, 2, cfg.Retry.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Retry.BaseDelay)
}

func TestLoad_RejectsInvalid(t *testing.T) {
	t.Setenv("RELAY_STORE_BACKEND", "dynamo")

	_, err := Load("")
	assert.ErrorContains(t, err, "unknown store backend")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/relay.yaml")
	assert.Error(t, err)
}
