package configstore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultMatchesSpecLiterals(t *testing.T) {
	d := Default()
	assert.Equal(t, 30*time.Second, d.HeartbeatInterval)
	assert.Equal(t, 90*time.Second, d.IdleTimeout)
	assert.Equal(t, time.Second, d.BackoffBase)
	assert.Equal(t, 30*time.Second, d.BackoffCap)
	assert.Equal(t, 2.0, d.BackoffMultiplier)
	assert.Equal(t, 0.2, d.BackoffJitter)
	assert.Equal(t, 10.0, d.OutboundRateLimit)
	assert.Equal(t, 10, d.OutboundRateBurst)
	assert.Equal(t, 30*time.Second, d.EchoTTL)
}

func TestLoadWithNoPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().HeartbeatInterval, cfg.HeartbeatInterval)
	assert.Equal(t, Default().OutboundRateLimit, cfg.OutboundRateLimit)
}

func TestLoadWithMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	require.NoError(t, err)
	assert.Equal(t, Default().IdleTimeout, cfg.IdleTimeout)
}

func TestLoadOverridesFromTOMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "threadkit.toml")
	contents := `
[api]
baseurl = "https://api.example.com"
socketurl = "wss://api.example.com/socket"

[socket]
outboundratelimit = 5.0
outboundrateburst = 2
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com", cfg.APIBaseURL)
	assert.Equal(t, "wss://api.example.com/socket", cfg.SocketURL)
	assert.Equal(t, 5.0, cfg.OutboundRateLimit)
	assert.Equal(t, 2, cfg.OutboundRateBurst)
	// unset values still fall back to defaults.
	assert.Equal(t, Default().HeartbeatInterval, cfg.HeartbeatInterval)
}

func TestLoadOverridesFromEnv(t *testing.T) {
	t.Setenv("THREADKIT_API_BASEURL", "https://env.example.com")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "https://env.example.com", cfg.APIBaseURL)
}

func TestTransportConfigCarriesFields(t *testing.T) {
	cfg := Default()
	cfg.APIBaseURL = "https://api.example.com"
	cfg.UserAgent = "threadkit-go/1.0"

	tc := cfg.TransportConfig("key-1", "tok-1")
	assert.Equal(t, "https://api.example.com", tc.BaseURL)
	assert.Equal(t, "key-1", tc.APIKey)
	assert.Equal(t, "tok-1", tc.Token)
	assert.Equal(t, "threadkit-go/1.0", tc.UserAgent)
}

func TestSocketConfigCarriesFields(t *testing.T) {
	cfg := Default()
	cfg.SocketURL = "wss://api.example.com/socket"

	sc := cfg.SocketConfig("proj-1", "tok-1")
	assert.Equal(t, "wss://api.example.com/socket", sc.URL)
	assert.Equal(t, "proj-1", sc.ProjectID)
	assert.Equal(t, "tok-1", sc.Token)
	assert.Equal(t, cfg.HeartbeatInterval, sc.HeartbeatInterval)
	require.NotNil(t, sc.Backoff)
}
