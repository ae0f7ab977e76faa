package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"

	"github.com/Jair4x/scst-server/internal/adapter/httpserver"
	"github.com/Jair4x/scst-server/internal/adapter/memory"
	"github.com/Jair4x/scst-server/internal/adapter/metrics"
	"github.com/Jair4x/scst-server/internal/adapter/redis"
	"github.com/Jair4x/scst-server/internal/adapter/twitch"
	"github.com/Jair4x/scst-server/internal/app"
	"github.com/Jair4x/scst-server/internal/broadcast"
	"github.com/Jair4x/scst-server/internal/domain"
	"github.com/Jair4x/scst-server/internal/platform/config"
	"github.com/Jair4x/scst-server/internal/platform/correlation"
	"github.com/Jair4x/scst-server/internal/platform/crypto"
	"github.com/Jair4x/scst-server/internal/platform/logging"
	"github.com/Jair4x/scst-server/internal/platform/retry"
	"github.com/Jair4x/scst-server/internal/platform/version"
)

const shutdownTimeout = 10 * time.Second

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

// setupStore returns the Redis store when REDIS_URL is set, otherwise an
// in-memory store whose credentials do not survive a restart.
func setupStore(ctx context.Context, cfg *config.Config, reg prometheus.Registerer) (domain.CredentialStore, func()) {
	if cfg.RedisURL == "" {
		slog.Warn("REDIS_URL not set, credentials are kept in memory only")
		return memory.NewCredentialStore(), func() {}
	}

	cipher, err := crypto.New(cfg.TokenEncryptionKey)
	if err != nil {
		slog.Error("Failed to create token cipher", "error", err)
		os.Exit(1)
	}
	if cfg.TokenEncryptionKey == "" {
		slog.Warn("TOKEN_ENCRYPTION_KEY not set, tokens are stored unencrypted")
	}

	client, err := redis.NewClient(ctx, cfg.RedisURL, metrics.NewRedisMetrics(reg))
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	return redis.NewCredentialStore(client, cipher), func() { closeRedis(client) }
}

func closeRedis(client *goredis.Client) {
	if err := client.Close(); err != nil {
		slog.Error("Failed to close Redis client", "error", err)
	}
}

func runGracefulShutdown(srv *httpserver.Server, registry *app.Registry, hub *broadcast.Hub, cancelRoot context.CancelFunc) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")
		cancelRoot()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		if err := registry.Shutdown(shutdownCtx); err != nil {
			slog.Error("Session registry shutdown error", "error", err)
		}

		hub.Stop()

		close(done)
	}()

	return done
}

func runReconciler(ctx context.Context, reconciler *app.StartupReconciler) {
	ctx = correlation.Ensure(ctx)
	result, err := reconciler.Run(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "Startup reconciliation failed", "error", err)
		return
	}
	slog.InfoContext(ctx, "Startup reconciliation finished",
		"registered", result.Registered, "revoked", result.Revoked, "failed", result.Failed)
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	// Initialize structured logging
	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port, "version", version.Get().Version)

	rootCtx, cancelRoot := context.WithCancel(context.Background())
	defer cancelRoot()

	reg := metrics.NewRegistry()

	store, closeStore := setupStore(rootCtx, cfg, reg)
	defer closeStore()

	twitchClient := twitch.NewClient(cfg.TwitchClientID, cfg.HelixURL, cfg.TwitchIDURL, cfg.UpstreamHTTPTimeout,
		twitch.WithMetrics(metrics.NewTwitchAPIMetrics(reg)))

	subscriptions := app.NewSubscriptionManager(twitchClient, store, cfg.EventFamily, metrics.NewSubscriptionMetrics(reg))
	hub := broadcast.NewHub(clock, metrics.NewBroadcastMetrics(reg), 0)

	upstreamMetrics := metrics.NewUpstreamMetrics(reg)
	redialPolicy := retry.Policy{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		Clock:          clock,
		OnRetry: func(attempt int, err error, backoff time.Duration) {
			slog.Warn("EventSub redial failed, retrying", "attempt", attempt, "backoff", backoff, "error", err)
		},
	}
	registry := app.NewRegistry(app.RegistryConfig{
		EventSubURL:              cfg.EventSubWebSocketURL,
		WelcomeTimeout:           cfg.WelcomeTimeout,
		KeepaliveGrace:           cfg.KeepaliveGrace,
		MaxConsecutiveReconnects: cfg.MaxConsecutiveReconnects,
	}, app.TwitchDialer(cfg.DialTimeout, redialPolicy, upstreamMetrics), subscriptions, hub, upstreamMetrics)

	appSvc := app.NewService(store, registry)
	reconciler := app.NewStartupReconciler(store, twitchClient, registry, cfg.ValidationConcurrency,
		metrics.NewReconcilerMetrics(reg), clock)

	srv := httpserver.NewServer(cfg, appSvc, hub, reg, []httpserver.HealthCheck{
		{Name: "credential_store", Check: appSvc.Ready},
	})

	if err := srv.Listen(); err != nil {
		slog.Error("Failed to bind HTTP port", "error", err)
		os.Exit(1)
	}

	done := runGracefulShutdown(srv, registry, hub, cancelRoot)

	// the port is bound, so sessions started here are reachable by listeners
	go runReconciler(rootCtx, reconciler)

	slog.Info("Server starting", "addr", srv.Addr().String())
	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
}
