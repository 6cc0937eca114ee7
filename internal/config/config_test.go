package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("POLYGON_API_KEY", "test-key")
	t.Setenv("MASSIVE_API_KEY", "")
	t.Setenv("PORT", "")
	t.Setenv("NODE_ENV", "")
	t.Setenv("FRONTEND_URL", "")
	t.Setenv("LOG_LEVEL", "")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Server.Port)
	assert.Equal(t, "development", cfg.Environment.Mode)
	assert.Equal(t, "test-key", cfg.Vendor.APIKey)
	assert.Equal(t, "https://api.massive.com", cfg.Vendor.BaseURL)
	assert.Equal(t, "wss://socket.massive.com/options", cfg.Vendor.WSURL)
	assert.Equal(t, DefaultTickers, cfg.Ingest.Tickers)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
environment:
  mode: development
server:
  port: 8080
vendor:
  api_key: file-key
ingest:
  tickers: [SPY, QQQ]
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	t.Setenv("PORT", "9090")
	t.Setenv("NODE_ENV", "production")
	t.Setenv("POLYGON_API_KEY", "env-key")
	t.Setenv("FRONTEND_URL", "https://flow.example.com")
	t.Setenv("LOG_LEVEL", "")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "production", cfg.Environment.Mode)
	assert.Equal(t, "env-key", cfg.Vendor.APIKey)
	assert.Equal(t, []string{"SPY", "QQQ"}, cfg.Ingest.Tickers)
	assert.Equal(t, []string{"https://flow.example.com"}, cfg.AllowedOrigins())
}

func TestMassiveKeyFallback(t *testing.T) {
	t.Setenv("POLYGON_API_KEY", "")
	t.Setenv("MASSIVE_API_KEY", "fallback-key")
	t.Setenv("NODE_ENV", "")
	t.Setenv("PORT", "")
	t.Setenv("LOG_LEVEL", "")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "fallback-key", cfg.Vendor.APIKey)
}

func TestValidateRejectsMissingKey(t *testing.T) {
	t.Setenv("POLYGON_API_KEY", "")
	t.Setenv("MASSIVE_API_KEY", "")
	t.Setenv("NODE_ENV", "")
	t.Setenv("PORT", "")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api_key")
}

func TestAllowedOriginsDevelopment(t *testing.T) {
	cfg := &Config{
		Environment: EnvironmentConfig{Mode: "development"},
		Server:      ServerConfig{Port: 5000},
	}
	origins := cfg.AllowedOrigins()
	assert.Contains(t, origins, "http://localhost:3000")

	cfg.Environment.Mode = "production"
	assert.Empty(t, cfg.AllowedOrigins())
}
