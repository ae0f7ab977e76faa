package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

type Config struct {
	AppEnv    string `env:"APP_ENV" default:"development"`
	Port      string `env:"PORT" default:"8080"`
	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`

	TwitchClientID string `env:"TWITCH_CLIENT_ID"`
	RedisURL       string `env:"REDIS_URL"`

	// 64 hex chars; tokens are stored in plaintext when empty
	TokenEncryptionKey string `env:"TOKEN_ENCRYPTION_KEY"`

	EventSubWebSocketURL string `env:"EVENTSUB_WS_URL" default:"wss://eventsub.wss.twitch.tv/ws"`
	HelixURL             string `env:"HELIX_URL" default:"https://api.twitch.tv/helix"`
	TwitchIDURL          string `env:"TWITCH_ID_URL" default:"https://id.twitch.tv"`
	EventFamily          string `env:"EVENT_FAMILY" default:"channel.hype_train"`

	UpstreamHTTPTimeout      time.Duration `env:"UPSTREAM_HTTP_TIMEOUT" default:"10s"`
	DialTimeout              time.Duration `env:"DIAL_TIMEOUT" default:"10s"`
	WelcomeTimeout           time.Duration `env:"WELCOME_TIMEOUT" default:"10s"`
	KeepaliveGrace           time.Duration `env:"KEEPALIVE_GRACE" default:"5s"`
	MaxConsecutiveReconnects int           `env:"MAX_CONSECUTIVE_RECONNECTS" default:"5"`
	ValidationConcurrency    int           `env:"VALIDATION_CONCURRENCY" default:"4"`

	MaxListenerConnections int     `env:"MAX_LISTENER_CONNECTIONS" default:"10000"`
	ListenerRatePerSecond  float64 `env:"LISTENER_RATE_PER_SECOND" default:"10"`
	ListenerRateBurst      int     `env:"LISTENER_RATE_BURST" default:"20"`

	// Comma-separated browser origins allowed to open listener sockets.
	// Empty allows any origin.
	ListenerOrigins string `env:"LISTENER_ORIGINS"`
}

func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

// AllowedOrigins splits ListenerOrigins into trimmed, non-empty entries.
func (c *Config) AllowedOrigins() []string {
	var origins []string
	for _, o := range strings.Split(c.ListenerOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, strings.TrimSuffix(o, "/"))
		}
	}
	return origins
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.TwitchClientID == "" {
		return errors.New("TWITCH_CLIENT_ID is required")
	}

	urls := []struct {
		name    string
		value   string
		schemes []string
	}{
		{"EVENTSUB_WS_URL", cfg.EventSubWebSocketURL, []string{"ws", "wss"}},
		{"HELIX_URL", cfg.HelixURL, []string{"http", "https"}},
		{"TWITCH_ID_URL", cfg.TwitchIDURL, []string{"http", "https"}},
	}
	for _, u := range urls {
		if err := validateURL(u.name, u.value, u.schemes); err != nil {
			return err
		}
	}

	if cfg.TokenEncryptionKey != "" && len(cfg.TokenEncryptionKey) != 64 {
		return errors.New("TOKEN_ENCRYPTION_KEY must be 64 hex characters")
	}

	if !strings.Contains(cfg.EventFamily, ".") {
		return fmt.Errorf("EVENT_FAMILY must look like <scope>.<event>, got %q", cfg.EventFamily)
	}

	durations := map[string]time.Duration{
		"UPSTREAM_HTTP_TIMEOUT": cfg.UpstreamHTTPTimeout,
		"DIAL_TIMEOUT":          cfg.DialTimeout,
		"WELCOME_TIMEOUT":       cfg.WelcomeTimeout,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	if cfg.MaxConsecutiveReconnects < 1 {
		return errors.New("MAX_CONSECUTIVE_RECONNECTS must be at least 1")
	}
	if cfg.ValidationConcurrency < 1 {
		return errors.New("VALIDATION_CONCURRENCY must be at least 1")
	}
	if cfg.MaxListenerConnections < 1 {
		return errors.New("MAX_LISTENER_CONNECTIONS must be at least 1")
	}
	if cfg.ListenerRatePerSecond <= 0 || cfg.ListenerRateBurst < 1 {
		return errors.New("LISTENER_RATE_PER_SECOND and LISTENER_RATE_BURST must be positive")
	}

	return nil
}

func validateURL(name, raw string, schemes []string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %w", name, err)
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%s must be an absolute %s URL", name, strings.Join(schemes, "/"))
}
