package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-cache/types"
)

const sampleConfig = `
name: voiceover-catalog
version: 2.1.0
server:
  port: 9090
cache:
  type: redis
  default_ttl: 30m
  max_entries: 500
rate_limit:
  requests: 20
  window: 10s
middlewares:
  cache:
    enabled: false
catalog:
  seed_items: 12
  languages: [en, de]
`

func TestLoader_YAMLOverDefaults(t *testing.T) {
	config, raw, err := NewLoader().LoadFromBytes([]byte(sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "voiceover-catalog", config.Name)
	assert.Equal(t, 9090, config.Server.Port)
	assert.Equal(t, "localhost", config.Server.Host)
	assert.Equal(t, "redis", config.Cache.Type)
	assert.Equal(t, 30*time.Minute, config.Cache.DefaultTTL)
	assert.Equal(t, 500, config.Cache.MaxEntries)
	assert.Equal(t, 20, config.RateLimit.Requests)
	assert.Equal(t, 10*time.Second, config.RateLimit.Window)
	assert.Equal(t, 6379, config.Redis.Port)
	assert.False(t, config.Middlewares.Cache.Enabled)
	assert.True(t, config.Middlewares.Recovery.Enabled)
	assert.Contains(t, raw, "catalog")
}

func TestLoader_EnvironmentOverrides(t *testing.T) {
	t.Setenv("SAI_CACHE_STORE", "memory")
	t.Setenv("SAI_REDIS_HOST", "cache.internal")
	t.Setenv("SAI_REDIS_PORT", "6380")
	t.Setenv("SAI_LOG_LEVEL", "debug")

	config, _, err := NewLoader().LoadFromBytes([]byte(sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "memory", config.Cache.Type)
	assert.Equal(t, "cache.internal", config.Redis.Host)
	assert.Equal(t, 6380, config.Redis.Port)
	assert.Equal(t, "debug", config.Logger.Level)
}

func TestLoader_Errors(t *testing.T) {
	loader := NewLoader()

	_, _, err := loader.LoadFromBytes([]byte("cache: [unterminated"))
	assert.ErrorIs(t, err, types.ErrConfigParseFailed)

	_, _, err = loader.LoadFromBytes([]byte("rate_limit:\n  requests: 0\n"))
	assert.ErrorIs(t, err, types.ErrConfigValidateFailed)

	_, _, err = loader.LoadFromBytes([]byte("server:\n  port: 70000\n"))
	assert.ErrorIs(t, err, types.ErrConfigValidateFailed)

	_, _, err = loader.LoadFromFile(context.Background(), "")
	assert.ErrorIs(t, err, types.ErrConfigNotFound)

	_, _, err = loader.LoadFromFile(context.Background(), filepath.Join(t.TempDir(), "missing.yml"))
	assert.ErrorIs(t, err, types.ErrConfigNotFound)
}

func TestLoader_DefaultsAreValid(t *testing.T) {
	assert.NoError(t, NewLoader().Validate(Defaults()))
}

func TestConfigurationManager_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o600))

	manager, err := NewConfigurationManager(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, "redis", manager.GetConfig().Cache.Type)
	assert.Equal(t, "redis", manager.GetValue("cache.type", "memory"))
	assert.Equal(t, "fallback", manager.GetValue("cache.unknown", "fallback"))

	var catalog struct {
		SeedItems int      `yaml:"seed_items"`
		Languages []string `yaml:"languages"`
	}
	require.NoError(t, manager.GetAs("catalog", &catalog))
	assert.Equal(t, 12, catalog.SeedItems)
	assert.Equal(t, []string{"en", "de"}, catalog.Languages)

	var cacheConfig types.CacheConfig
	require.NoError(t, manager.GetAs("cache", &cacheConfig))
	assert.Equal(t, 30*time.Minute, cacheConfig.DefaultTTL)

	assert.ErrorIs(t, manager.GetAs("nope", &cacheConfig), types.ErrConfigNotFound)

	require.NoError(t, os.WriteFile(path, []byte("cache:\n  type: memory\n"), 0o600))
	require.NoError(t, manager.Load())
	assert.Equal(t, "memory", manager.GetConfig().Cache.Type)
}

func TestStaticManager(t *testing.T) {
	config := Defaults()
	config.Cache.DefaultTTL = time.Minute

	manager, err := NewStaticManager(config)
	require.NoError(t, err)
	assert.Same(t, config, manager.GetConfig())
	assert.Equal(t, "sai-cache", manager.GetValue("name", ""))

	invalid := Defaults()
	invalid.Name = ""
	_, err = NewStaticManager(invalid)
	assert.ErrorIs(t, err, types.ErrConfigValidateFailed)
}

func TestLoader_ExampleConfig(t *testing.T) {
	cfg, raw, err := NewLoader().LoadFromFile(context.Background(), filepath.Join("..", "config.example.yml"))
	require.NoError(t, err)

	assert.Equal(t, "redis", cfg.Cache.Type)
	assert.Equal(t, "redis", cfg.RateLimit.Backend)
	assert.Equal(t, "prometheus", cfg.Metrics.Type)
	assert.Equal(t, 500*time.Millisecond, cfg.Redis.OperationTimeout)
	assert.Equal(t, 10000, cfg.Cache.MaxEntries)
	assert.Equal(t, "br", cfg.Middlewares.Compression.Params["algorithm"])
	assert.Contains(t, raw, "middlewares")
}
