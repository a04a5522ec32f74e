package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"PORT", "ARK_API_KEY", "ARK_MODEL", "Model", "SPEECH_APP_ID", "SPEECH_ACCESS_TOKEN", "SPEECH_API_KEY", "REDIS_ADDR", "VOICE_CAPTURE_LIMIT", "STORAGE_PATH"} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.False(t, cfg.AI.Enabled())
	assert.False(t, cfg.Speech.Enabled)
	assert.Equal(t, 15*time.Second, cfg.Safety.CaptureLimit)
	assert.Equal(t, "solace.db", cfg.Storage.Path)
	assert.Empty(t, cfg.Cache.RedisAddr)
	assert.Equal(t, 30*time.Second, cfg.Speech.Timeout)
}

func TestLoadServerAddrVariants(t *testing.T) {
	t.Setenv("PORT", "127.0.0.1:9000")
	cfg, err := loadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.Addr)

	t.Setenv("PORT", "90 00")
	_, err = loadServerConfig()
	assert.Error(t, err)
}

func TestAIConfigEnabled(t *testing.T) {
	t.Setenv("ARK_API_KEY", "key")
	t.Setenv("ARK_MODEL", "")
	t.Setenv("Model", "ep-legacy")

	ai, err := loadAIConfig()
	require.NoError(t, err)
	assert.Equal(t, "ep-legacy", ai.Model)
	assert.True(t, ai.Enabled())
}

func TestCaptureLimitCeiling(t *testing.T) {
	t.Setenv("VOICE_CAPTURE_LIMIT", "30s")
	_, err := loadSafetyConfig()
	assert.Error(t, err)

	t.Setenv("VOICE_CAPTURE_LIMIT", "10s")
	safety, err := loadSafetyConfig()
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, safety.CaptureLimit)
}

func TestInvalidNumericEnv(t *testing.T) {
	t.Setenv("ARK_TEMPERATURE", "warm")
	_, err := loadAIConfig()
	assert.Error(t, err)
}
