package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_RequiresSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	t.Setenv("CONFIG_FILE", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET")
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yml := `
server:
  addr: ":9000"
chat:
  delivery_mode: acknowledged
  delivered_after: 2s
story:
  ttl: 12h
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o600))

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("ADDR", ":9100")
	t.Setenv("CORS_ORIGINS", "http://a.test, http://b.test")
	t.Setenv("STORY_TICK_INTERVAL", "100ms")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9100", cfg.Server.Addr)
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, "acknowledged", cfg.Chat.DeliveryMode)
	assert.Equal(t, 2*time.Second, cfg.Chat.DeliveredAfter)
	assert.Equal(t, 12*time.Hour, cfg.Story.TTL)
	assert.Equal(t, 100*time.Millisecond, cfg.Story.TickInterval)
	assert.Equal(t, 50, cfg.Chat.HistoryLimit)
}

func TestLoad_InvalidDuration(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("JWT_SECRET", "x")
	t.Setenv("STORY_TTL", "soon")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STORY_TTL")
}

func TestValidate_DeliveryMode(t *testing.T) {
	cfg := Default()
	cfg.JWT.Secret = "x"
	require.NoError(t, cfg.Validate())

	cfg.Chat.DeliveryMode = "carrier-pigeon"
	assert.Error(t, cfg.Validate())
}
