package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Bind)
	assert.Equal(t, 20, cfg.RateLimit.ControlMessagesPerSecond)
	assert.Equal(t, int64(512*1024*1024), cfg.Cache.CapacityBytes)
	assert.Equal(t, 30*24*time.Hour, cfg.Cache.TTL)
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  bind: ":9090"
cache:
  capacity_bytes: 1024
providers:
  deepgram:
    api_key: from-yaml
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Bind)
	assert.Equal(t, int64(1024), cfg.Cache.CapacityBytes)
	// Untouched keys keep their defaults.
	assert.Equal(t, 20, cfg.RateLimit.ControlMessagesPerSecond)
	assert.Equal(t, "from-yaml", cfg.Providers["deepgram"]["api_key"])
}

func TestLoadEnvOverridesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  bind: \":9090\"\n"), 0o644))

	t.Setenv("GATEWAY_BIND", ":7070")
	t.Setenv("GATEWAY_CACHE_TTL", "1h")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":7070", cfg.Server.Bind)
	assert.Equal(t, time.Hour, cfg.Cache.TTL)
}

func TestLoadProviderCredentialsFromEnv(t *testing.T) {
	t.Setenv("PROVIDER_DEEPGRAM_API_KEY", "dg-secret")
	t.Setenv("PROVIDER_ELEVENLABS_VOICE_ID", "rachel")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "dg-secret", cfg.Providers["deepgram"]["api_key"])
	assert.Equal(t, "rachel", cfg.Providers["elevenlabs"]["voice_id"])
}

func TestCredentialsReturnsCopy(t *testing.T) {
	t.Setenv("PROVIDER_DEEPGRAM_API_KEY", "dg-secret")

	cfg, err := Load("")
	require.NoError(t, err)

	creds := cfg.Credentials("deepgram")
	require.NotNil(t, creds)
	creds["api_key"] = "mutated"
	assert.Equal(t, "dg-secret", cfg.Providers["deepgram"]["api_key"])

	assert.Nil(t, cfg.Credentials("no-such-provider"))
}

func TestLoadMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [not a map"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}
