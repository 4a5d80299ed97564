package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
default_service: openai_main

ai_services:
  openai_main:
    name: openai-main
    api_type: openai
    base_url: https://api.openai.com
    api_key: sk-test
    default_model: gpt-4o
    timeout: 45
    status: active

  gemini_backup:
    api_type: gemini
    base_url: https://generativelanguage.googleapis.com
    api_key: gm-test
    default_model: models/gemini-1.5-pro
    status: testing

  retired:
    api_type: openai
    base_url: https://old.example.com
    api_key: old-key
    status: inactive

settings:
  auto_retry: true
  max_retries: 2
  allow_service_switch: false

cache:
  backend: memory
  capacity: 250
  ttl: 900

server:
  port: 9090
`

func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() {
		require.NoError(t, os.Chdir(old))
	})
}

func writeConfig(t *testing.T, content string) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "configs"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "configs", "config.yaml"), []byte(content), 0o644))
	chdir(t, dir)
}

func TestLoadFullConfig(t *testing.T) {
	writeConfig(t, testConfig)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "openai_main", cfg.DefaultService)
	assert.Len(t, cfg.AIServices, 3)
	assert.Equal(t, 45, cfg.AIServices["openai_main"].Timeout)
	assert.Equal(t, 2, cfg.Settings.MaxRetries)
	assert.False(t, cfg.Settings.AllowServiceSwitch)
	assert.Equal(t, 250, cfg.Cache.Capacity)
	assert.Equal(t, 900, cfg.Cache.TTL)
	assert.Equal(t, 9090, cfg.Server.Port)
}

func TestLoadDefaults(t *testing.T) {
	writeConfig(t, "default_service: x\n")

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.Settings.AutoRetry)
	assert.Equal(t, 3, cfg.Settings.MaxRetries)
	assert.Equal(t, "memory", cfg.Cache.Backend)
	assert.Equal(t, 500, cfg.Cache.Capacity)
	assert.Equal(t, 1800, cfg.Cache.TTL)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 4, cfg.Intent.BatchConcurrency)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestEnvOverride(t *testing.T) {
	writeConfig(t, testConfig)
	t.Setenv("SERVER_PORT", "7001")
	t.Setenv("CACHE_BACKEND", "redis")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 7001, cfg.Server.Port)
	assert.Equal(t, "redis", cfg.Cache.Backend)
}

func TestActiveProvidersOrderAndFiltering(t *testing.T) {
	writeConfig(t, testConfig)

	cfg, err := Load()
	require.NoError(t, err)

	providers, err := cfg.ActiveProviders()
	require.NoError(t, err)

	// Inactive services are skipped; the default service leads.
	require.Len(t, providers, 2)
	assert.Equal(t, "openai-main", providers[0].Name)
	assert.Equal(t, "gemini_backup", providers[1].Name, "unnamed services fall back to their config id")
	assert.Equal(t, "gemini", providers[1].APIType)
}

func TestActiveProvidersDefaultInMiddleKeepsRestSorted(t *testing.T) {
	// The default service sorts between the others; the remaining services
	// must still come out in name order after it.
	writeConfig(t, `
default_service: m_default

ai_services:
  a_first:
    api_type: openai
    base_url: https://a.example.com
    api_key: k
    status: active
  m_default:
    api_type: openai
    base_url: https://m.example.com
    api_key: k
    status: active
  z_last:
    api_type: openai
    base_url: https://z.example.com
    api_key: k
    status: active
`)

	cfg, err := Load()
	require.NoError(t, err)

	providers, err := cfg.ActiveProviders()
	require.NoError(t, err)

	require.Len(t, providers, 3)
	assert.Equal(t, "m_default", providers[0].Name)
	assert.Equal(t, "a_first", providers[1].Name)
	assert.Equal(t, "z_last", providers[2].Name)
}

func TestActiveProvidersRejectsInvalidService(t *testing.T) {
	writeConfig(t, `
ai_services:
  broken:
    api_type: openai
    base_url: https://api.example.com
    status: active
`)

	cfg, err := Load()
	require.NoError(t, err)

	_, err = cfg.ActiveProviders()
	require.Error(t, err, "a service without an api_key must fail validation")
}

func TestActiveProvidersNoneConfigured(t *testing.T) {
	writeConfig(t, "default_service: x\n")

	cfg, err := Load()
	require.NoError(t, err)

	_, err = cfg.ActiveProviders()
	require.Error(t, err)
}
