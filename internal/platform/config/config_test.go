package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("TWITCH_CLIENT_ID", "test-client-id")
}

func TestLoad_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "test-client-id", cfg.TwitchClientID)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "wss://eventsub.wss.twitch.tv/ws", cfg.EventSubWebSocketURL)
	assert.Equal(t, "https://api.twitch.tv/helix", cfg.HelixURL)
	assert.Equal(t, "https://id.twitch.tv", cfg.TwitchIDURL)
	assert.Equal(t, "channel.hype_train", cfg.EventFamily)
	assert.Equal(t, 10*time.Second, cfg.UpstreamHTTPTimeout)
	assert.Equal(t, 5, cfg.MaxConsecutiveReconnects)
	assert.Equal(t, 4, cfg.ValidationConcurrency)
	assert.Empty(t, cfg.RedisURL)
}

func TestLoad_Overrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("REDIS_URL", "redis://localhost:6379")
	t.Setenv("EVENT_FAMILY", "channel.goal")
	t.Setenv("UPSTREAM_HTTP_TIMEOUT", "3s")
	t.Setenv("VALIDATION_CONCURRENCY", "16")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "redis://localhost:6379", cfg.RedisURL)
	assert.Equal(t, "channel.goal", cfg.EventFamily)
	assert.Equal(t, 3*time.Second, cfg.UpstreamHTTPTimeout)
	assert.Equal(t, 16, cfg.ValidationConcurrency)
}

func TestLoad_MissingClientID(t *testing.T) {
	t.Setenv("TWITCH_CLIENT_ID", "")

	_, err := Load()
	require.Error(t, err)
	assert.Equal(t, "TWITCH_CLIENT_ID is required", err.Error())
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		value   string
		wantErr string
	}{
		{"websocket URL with http scheme", "EVENTSUB_WS_URL", "http://example.com/ws", "EVENTSUB_WS_URL must be an absolute ws/wss URL"},
		{"relative helix URL", "HELIX_URL", "/helix", "HELIX_URL must be an absolute http/https URL"},
		{"event family without scope", "EVENT_FAMILY", "hype_train", `EVENT_FAMILY must look like <scope>.<event>, got "hype_train"`},
		{"zero reconnect bound", "MAX_CONSECUTIVE_RECONNECTS", "0", "MAX_CONSECUTIVE_RECONNECTS must be at least 1"},
		{"zero validation concurrency", "VALIDATION_CONCURRENCY", "0", "VALIDATION_CONCURRENCY must be at least 1"},
		{"zero welcome timeout", "WELCOME_TIMEOUT", "0s", "WELCOME_TIMEOUT must be positive"},
		{"short encryption key", "TOKEN_ENCRYPTION_KEY", "abcd", "TOKEN_ENCRYPTION_KEY must be 64 hex characters"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequiredEnv(t)
			t.Setenv(tt.key, tt.value)

			_, err := Load()
			require.Error(t, err)
			assert.Equal(t, tt.wantErr, err.Error())
		})
	}
}

func TestAllowedOrigins(t *testing.T) {
	cfg := &Config{ListenerOrigins: " https://overlay.example.com/ ,, http://localhost:3000"}
	assert.Equal(t, []string{"https://overlay.example.com", "http://localhost:3000"}, cfg.AllowedOrigins())

	assert.Empty(t, (&Config{}).AllowedOrigins())
}
