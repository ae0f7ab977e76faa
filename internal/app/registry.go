package app

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Jair4x/scst-server/internal/adapter/metrics"
	"github.com/Jair4x/scst-server/internal/adapter/twitch"
	"github.com/Jair4x/scst-server/internal/domain"
	"github.com/Jair4x/scst-server/internal/platform/correlation"
	"github.com/Jair4x/scst-server/internal/platform/logging"
	"github.com/Jair4x/scst-server/internal/platform/retry"
)

// DialFunc opens an upstream connection. redial is true when following a
// reconnect directive.
type DialFunc func(ctx context.Context, url string, redial bool) (UpstreamConn, error)

// topicRegistration is the part of SubscriptionManager a session needs.
type topicRegistration interface {
	RegisterTopics(ctx context.Context, token, accountID, sessionID string) error
}

// RegistryConfig carries the upstream endpoint and session timing.
type RegistryConfig struct {
	EventSubURL              string
	WelcomeTimeout           time.Duration
	KeepaliveGrace           time.Duration
	MaxConsecutiveReconnects int
}

// sessionEnv is what every session of a registry shares.
type sessionEnv struct {
	dial           DialFunc
	topics         topicRegistration
	broadcaster    domain.Broadcaster
	metrics        *metrics.UpstreamMetrics
	welcomeTimeout time.Duration
	keepaliveGrace time.Duration
}

// Registry holds at most one live Session per account. Each account has a
// supervisor goroutine that runs its sessions one after another, following
// reconnect directives without recursion.
type Registry struct {
	env           *sessionEnv
	defaultURL    string
	maxReconnects int

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRegistry creates an empty registry. Sessions started on it dial
// through dial and register topics through topics.
func NewRegistry(cfg RegistryConfig, dial DialFunc, topics topicRegistration, broadcaster domain.Broadcaster, m *metrics.UpstreamMetrics) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		env: &sessionEnv{
			dial:           dial,
			topics:         topics,
			broadcaster:    broadcaster,
			metrics:        m,
			welcomeTimeout: cfg.WelcomeTimeout,
			keepaliveGrace: cfg.KeepaliveGrace,
		},
		defaultURL:    cfg.EventSubURL,
		maxReconnects: cfg.MaxConsecutiveReconnects,
		sessions:      make(map[string]*Session),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// TwitchDialer dials EventSub with the given handshake timeout. Redials
// after a reconnect directive retry under policy; first dials do not.
func TwitchDialer(timeout time.Duration, policy retry.Policy, m *metrics.UpstreamMetrics) DialFunc {
	dialOnce := func(ctx context.Context, url string) (UpstreamConn, error) {
		conn, err := twitch.Dial(ctx, url, timeout)
		if err != nil {
			m.Dials.WithLabelValues("error").Inc()
			return nil, err
		}
		m.Dials.WithLabelValues("ok").Inc()
		return conn, nil
	}

	return func(ctx context.Context, url string, redial bool) (UpstreamConn, error) {
		if !redial {
			return dialOnce(ctx, url)
		}
		return retry.Do(ctx, policy, classifyDial, func(ctx context.Context, _ int) (UpstreamConn, error) {
			return dialOnce(ctx, url)
		})
	}
}

func classifyDial(err error) retry.Action {
	if errors.Is(err, context.Canceled) {
		return retry.Stop
	}
	return retry.Retry
}

// RegisterOrReuse returns the account's live session untouched (created
// false) or starts a new one in Connecting (created true). A token that
// differs from the live session's is ignored until that session ends.
func (r *Registry) RegisterOrReuse(ctx context.Context, accountID, token string) (*Session, bool, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, false, domain.ErrRegistryClosed
	}
	if s, ok := r.sessions[accountID]; ok && !s.State().Terminal() {
		r.mu.Unlock()
		slog.DebugContext(ctx, "Reusing existing session", "account_id", accountID, "state", s.State().String())
		return s, false, nil
	}

	s := newSession(accountID, token)
	r.sessions[accountID] = s
	r.env.metrics.ActiveSessions.Set(float64(len(r.sessions)))
	r.env.metrics.Transitions.WithLabelValues(domain.StateConnecting.String()).Inc()
	r.wg.Add(1)
	r.mu.Unlock()

	slog.InfoContext(ctx, "Starting session", "account_id", accountID)
	go r.supervise(s)
	return s, true, nil
}

// Get returns the account's current session, if any.
func (r *Registry) Get(accountID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[accountID]
	return s, ok
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// SessionInfo is a point-in-time view of one session.
type SessionInfo struct {
	AccountID string `json:"accountId"`
	SessionID string `json:"sessionId,omitempty"`
	State     string `json:"state"`
}

// Snapshot lists every registered session ordered by account id.
func (r *Registry) Snapshot() []SessionInfo {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	infos := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, SessionInfo{AccountID: s.AccountID, SessionID: s.SessionID(), State: s.State().String()})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].AccountID < infos[j].AccountID })
	return infos
}

// Close explicitly closes the account's session. It reports whether there was one.
func (r *Registry) Close(accountID string) bool {
	r.mu.Lock()
	s, ok := r.sessions[accountID]
	if ok {
		delete(r.sessions, accountID)
		r.env.metrics.ActiveSessions.Set(float64(len(r.sessions)))
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	s.requestClose(r.env)
	slog.Info("Session close requested", "account_id", accountID)
	return true
}

// Shutdown closes every session and waits for the supervisors to exit.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	sessions := make([]*Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		sessions = append(sessions, s)
		delete(r.sessions, id)
	}
	r.env.metrics.ActiveSessions.Set(0)
	r.mu.Unlock()

	r.cancel()
	for _, s := range sessions {
		s.requestClose(r.env)
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("Session registry stopped", "sessions", len(sessions))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// supervise runs the account's sessions in sequence. Each reconnect
// directive yields a fresh Session that replaces the previous one in the map.
func (r *Registry) supervise(s *Session) {
	defer r.wg.Done()

	url := r.defaultURL
	redial := false
	consecutive := 0

	for {
		ctx, cancel := s.begin(correlation.WithID(r.ctx, correlation.NewID()))
		out := s.run(ctx, r.env, url, redial)
		cancel()

		if !out.reconnect {
			r.remove(s)
			return
		}

		r.env.metrics.Reconnects.Inc()
		if out.reachedActive {
			consecutive = 0
		}
		consecutive++
		if consecutive > r.maxReconnects {
			logging.WithAccount(s.AccountID).WarnContext(ctx, "Too many consecutive reconnects, giving up",
				"reconnects", consecutive-1)
			r.remove(s)
			return
		}

		next := newSession(s.AccountID, s.Token)
		if !r.replace(s, next) {
			return
		}

		url = out.reconnectURL
		if url == "" {
			url = r.defaultURL
		}
		redial = true
		s = next
	}
}

// replace swaps old for next only if old is still the registered session.
func (r *Registry) replace(old, next *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.sessions[old.AccountID] != old {
		return false
	}
	r.sessions[old.AccountID] = next
	r.env.metrics.Transitions.WithLabelValues(domain.StateConnecting.String()).Inc()
	return true
}

// remove drops s if it is still the registered session for its account.
func (r *Registry) remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[s.AccountID] == s {
		delete(r.sessions, s.AccountID)
		r.env.metrics.ActiveSessions.Set(float64(len(r.sessions)))
	}
}
