package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/Jair4x/scst-server/internal/adapter/metrics"
	"github.com/Jair4x/scst-server/internal/adapter/twitch"
	"github.com/Jair4x/scst-server/internal/domain"
)

var (
	errFakeClosed  = errors.New("fake conn closed")
	errFakeTimeout = errors.New("fake conn read deadline exceeded")
)

// --- Fake upstream ---

type fakeFrame struct {
	msg twitch.Message
	err error
}

type fakeConn struct {
	url    string
	frames chan fakeFrame
	closed chan struct{}
	once   sync.Once
}

func newFakeConn(url string) *fakeConn {
	return &fakeConn{url: url, frames: make(chan fakeFrame, 16), closed: make(chan struct{})}
}

func (c *fakeConn) Next(deadline time.Time) (twitch.Message, error) {
	select {
	case <-c.closed:
		return nil, errFakeClosed
	default:
	}

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case f := <-c.frames:
		return f.msg, f.err
	case <-c.closed:
		return nil, errFakeClosed
	case <-timer.C:
		return nil, errFakeTimeout
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) send(msg twitch.Message) { c.frames <- fakeFrame{msg: msg} }

func (c *fakeConn) fail(err error) { c.frames <- fakeFrame{err: err} }

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

type dialCall struct {
	url    string
	redial bool
}

type fakeUpstream struct {
	mu    sync.Mutex
	calls []dialCall
	conns chan *fakeConn
	err   error
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{conns: make(chan *fakeConn, 16)}
}

func (u *fakeUpstream) dial(ctx context.Context, url string, redial bool) (UpstreamConn, error) {
	u.mu.Lock()
	u.calls = append(u.calls, dialCall{url: url, redial: redial})
	err := u.err
	u.mu.Unlock()

	if err != nil {
		return nil, err
	}
	c := newFakeConn(url)
	u.conns <- c
	return c, nil
}

func (u *fakeUpstream) dials() []dialCall {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]dialCall(nil), u.calls...)
}

// next waits for the next dialed connection.
func (u *fakeUpstream) next(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case c := <-u.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no upstream connection was dialed")
		return nil
	}
}

// --- Mock collaborators ---

type topicCall struct {
	token, accountID, sessionID string
}

type mockTopics struct {
	mu    sync.Mutex
	calls []topicCall
	fn    func(ctx context.Context, token, accountID, sessionID string) error
}

func (m *mockTopics) RegisterTopics(ctx context.Context, token, accountID, sessionID string) error {
	m.mu.Lock()
	m.calls = append(m.calls, topicCall{token, accountID, sessionID})
	fn := m.fn
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, token, accountID, sessionID)
	}
	return nil
}

func (m *mockTopics) recorded() []topicCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]topicCall(nil), m.calls...)
}

type recordingBroadcaster struct {
	mu   sync.Mutex
	envs []domain.NotificationEnvelope
}

func (b *recordingBroadcaster) Broadcast(env domain.NotificationEnvelope) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.envs = append(b.envs, env)
}

func (b *recordingBroadcaster) received() []domain.NotificationEnvelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.NotificationEnvelope(nil), b.envs...)
}

type mockRegistrar struct {
	mu    sync.Mutex
	calls []domain.SubscriptionRequest
	fn    func(req domain.SubscriptionRequest) error
}

func (m *mockRegistrar) CreateSubscription(_ context.Context, _ string, req domain.SubscriptionRequest) error {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	fn := m.fn
	m.mu.Unlock()
	if fn != nil {
		return fn(req)
	}
	return nil
}

func (m *mockRegistrar) recorded() []domain.SubscriptionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.SubscriptionRequest(nil), m.calls...)
}

// --- Fixtures ---

const testEventSubURL = "wss://eventsub.test/ws"

type registryFixture struct {
	registry    *Registry
	upstream    *fakeUpstream
	topics      *mockTopics
	broadcaster *recordingBroadcaster
}

func newRegistryFixture(t *testing.T, maxReconnects int) *registryFixture {
	t.Helper()
	f := &registryFixture{
		upstream:    newFakeUpstream(),
		topics:      &mockTopics{},
		broadcaster: &recordingBroadcaster{},
	}
	f.registry = NewRegistry(RegistryConfig{
		EventSubURL:              testEventSubURL,
		WelcomeTimeout:           2 * time.Second,
		KeepaliveGrace:           time.Second,
		MaxConsecutiveReconnects: maxReconnects,
	}, f.upstream.dial, f.topics, f.broadcaster, metrics.NewUpstreamMetrics(prometheus.NewRegistry()))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		require.NoError(t, f.registry.Shutdown(ctx))
	})
	return f
}

func welcome(sessionID string) *twitch.Welcome {
	return &twitch.Welcome{SessionID: sessionID, KeepaliveTimeout: 10 * time.Second}
}

func notification(subType, event string) *twitch.Notification {
	return &twitch.Notification{SubscriptionType: subType, Event: []byte(event)}
}

func waitForState(t *testing.T, s *Session, want domain.SessionState) {
	t.Helper()
	require.Eventually(t, func() bool { return s.State() == want }, 2*time.Second, time.Millisecond,
		"session stuck in %s, want %s", s.State(), want)
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("session for %s did not finish (state %s)", s.AccountID, s.State())
	}
}
