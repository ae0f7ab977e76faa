package httpserver

import (
	"context"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/Jair4x/scst-server/internal/adapter/metrics"
	"github.com/Jair4x/scst-server/internal/app"
	"github.com/Jair4x/scst-server/internal/broadcast"
	"github.com/Jair4x/scst-server/internal/platform/config"
)

type mockSessionService struct {
	registerFn   func(ctx context.Context, accountID, token string) (app.RegisterResult, error)
	unregisterFn func(ctx context.Context, accountID string) error
	sessions     []app.SessionInfo
}

func (m *mockSessionService) RegisterSession(ctx context.Context, accountID, token string) (app.RegisterResult, error) {
	if m.registerFn != nil {
		return m.registerFn(ctx, accountID, token)
	}
	return app.RegisterResult{Success: true, ChannelID: accountID}, nil
}

func (m *mockSessionService) UnregisterSession(ctx context.Context, accountID string) error {
	if m.unregisterFn != nil {
		return m.unregisterFn(ctx, accountID)
	}
	return nil
}

func (m *mockSessionService) Sessions() []app.SessionInfo {
	return m.sessions
}

type testServerOption func(*testServerOptions)

type testServerOptions struct {
	cfg          config.Config
	healthChecks []HealthCheck
}

func withHealthChecks(checks ...HealthCheck) testServerOption {
	return func(o *testServerOptions) { o.healthChecks = checks }
}

func withConfig(mutate func(*config.Config)) testServerOption {
	return func(o *testServerOptions) { mutate(&o.cfg) }
}

func testConfig() config.Config {
	return config.Config{
		AppEnv:                 "test",
		Port:                   "0",
		MaxListenerConnections: 100,
		ListenerRatePerSecond:  100,
		ListenerRateBurst:      100,
	}
}

func newTestServer(t *testing.T, sessions sessionService, opts ...testServerOption) (*Server, *broadcast.Hub) {
	t.Helper()

	o := testServerOptions{cfg: testConfig()}
	for _, opt := range opts {
		opt(&o)
	}

	// listener sockets need real write deadlines
	hub := broadcast.NewHub(clockwork.NewRealClock(), metrics.NewBroadcastMetrics(prometheus.NewRegistry()), 0)
	t.Cleanup(hub.Stop)

	srv := NewServer(&o.cfg, sessions, hub, prometheus.NewRegistry(), o.healthChecks)
	require.NotNil(t, srv)
	return srv, hub
}
