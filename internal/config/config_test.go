package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, StoreMemory, cfg.Store.Backend)
	assert.Equal(t, time.Hour, cfg.Store.Retention)
	assert.Equal(t, 10*time.Minute, cfg.Store.SweepInterval)
	assert.Equal(t, 1000, cfg.WebSocket.MaxConnections)
	assert.Empty(t, cfg.JWT.Secret)
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("SIGNALING_STORE", "redis")
	t.Setenv("EVENT_RETENTION", "30m")
	t.Setenv("EVENT_SWEEP_INTERVAL", "60")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example.com, https://b.example.com")
	t.Setenv("REDIS_HOST", "redis.internal")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, StoreRedis, cfg.Store.Backend)
	assert.Equal(t, 30*time.Minute, cfg.Store.Retention)
	assert.Equal(t, time.Minute, cfg.Store.SweepInterval)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, "redis.internal", cfg.Redis.Host)
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"unknown store", map[string]string{"SIGNALING_STORE": "postgres"}},
		{"port out of range", map[string]string{"PORT": "70000"}},
		{"production without secret", map[string]string{"ENV": "production"}},
		{"production with short secret", map[string]string{"ENV": "production", "JWT_SECRET": "short"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}

	t.Run("production with strong secret", func(t *testing.T) {
		t.Setenv("ENV", "production")
		t.Setenv("JWT_SECRET", strings.Repeat("s", 32))
		_, err := Load()
		assert.NoError(t, err)
	})
}

func TestClientConfig_Validate(t *testing.T) {
	t.Setenv("SIGNALING_USER_ID", "P1")
	t.Setenv("SIGNALING_TOKEN", "opaque")

	cfg, err := LoadClient()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, TransportPoll, cfg.Transport)
	assert.Equal(t, 2*time.Second, cfg.PollInterval)
	assert.Equal(t, 30*time.Second, cfg.RingTimeout)

	bad := *cfg
	bad.ServerURL = "ftp://example.com"
	assert.Error(t, bad.Validate())

	bad = *cfg
	bad.Transport = "carrier-pigeon"
	assert.Error(t, bad.Validate())

	bad = *cfg
	bad.Token, bad.JWTSecret = "", ""
	assert.Error(t, bad.Validate())

	bad = *cfg
	bad.UserID = ""
	assert.Error(t, bad.Validate())
}
