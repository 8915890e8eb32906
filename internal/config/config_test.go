package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/marketbridge/haggle/internal/app"
	"github.com/marketbridge/haggle/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func unsetEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		t.Setenv(k, "")
		require.NoError(t, os.Unsetenv(k))
	}
}

func TestFromEnv_Defaults(t *testing.T) {
	unsetEnv(t, "PORT", "STORE", "CORS_ORIGINS", "NEGOTIATION_TTL", "QR_TTL", "REDIS_ADDR",
		"RATE_AUTH_LIMIT", "RATE_AUTH_WINDOW", "RATE_API_LIMIT", "RATE_API_WINDOW")
	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, StorePostgres, cfg.Store)
	assert.Equal(t, 30*time.Minute, cfg.NegotiationTTL)
	assert.Equal(t, 5*time.Minute, cfg.QRTTL)
	assert.Equal(t, []string{"http://localhost:5173", "http://127.0.0.1:5173"}, cfg.CORSOrigins)
	assert.Empty(t, cfg.RedisAddr)
	assert.Empty(t, cfg.RatePolicies())
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("STORE", "Memory")
	t.Setenv("CORS_ORIGINS", " https://a.example , ,https://b.example")
	t.Setenv("NEGOTIATION_TTL", "90s")
	t.Setenv("RATE_AUTH_LIMIT", "3")
	t.Setenv("RATE_AUTH_WINDOW", "10m")
	t.Setenv("RATE_VOICE_LIMIT", "7")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, StoreMemory, cfg.Store)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
	assert.Equal(t, 90*time.Second, cfg.NegotiationTTL)
	assert.Equal(t, map[domain.RateCategory]app.RatePolicy{
		domain.RateCategoryAuth: {Limit: 3, Window: 10 * time.Minute},
	}, cfg.RatePolicies(), "voice has no window and keeps its default")
}

func TestFromEnv_RejectsUnknownStore(t *testing.T) {
	t.Setenv("STORE", "sqlite")
	_, err := FromEnv()
	assert.Error(t, err)
}

func TestFromEnv_RejectsBadDuration(t *testing.T) {
	t.Setenv("QR_TTL", "soon")
	_, err := FromEnv()
	assert.Error(t, err)
}

func TestLoadDotEnv_FindsParentFileAndKeepsEnv(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".env"), []byte("HAGGLE_TEST_FROM_FILE=file\nHAGGLE_TEST_PRESET=file\n"), 0o600))

	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(nested))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	t.Setenv("HAGGLE_TEST_PRESET", "env")
	unsetEnv(t, "HAGGLE_TEST_FROM_FILE")

	path, err := LoadDotEnv()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, ".env"), path)
	assert.Equal(t, "file", os.Getenv("HAGGLE_TEST_FROM_FILE"))
	assert.Equal(t, "env", os.Getenv("HAGGLE_TEST_PRESET"))
}
