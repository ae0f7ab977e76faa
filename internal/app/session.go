package app

import (
	"context"
	"sync"
	"time"

	"github.com/Jair4x/scst-server/internal/adapter/twitch"
	"github.com/Jair4x/scst-server/internal/domain"
	apperrors "github.com/Jair4x/scst-server/internal/platform/errors"
	"github.com/Jair4x/scst-server/internal/platform/logging"
)

// defaultKeepalive applies when a welcome does not announce a keepalive timeout.
const defaultKeepalive = 10 * time.Second

// UpstreamConn is the read side of one EventSub websocket. *twitch.Conn satisfies it.
type UpstreamConn interface {
	Next(deadline time.Time) (twitch.Message, error)
	Close() error
}

// Session is one upstream connection for an account. Its token never
// changes; a refreshed token only takes effect in a later Session.
type Session struct {
	AccountID string
	Token     string

	mu             sync.Mutex
	state          domain.SessionState
	sessionID      string
	conn           UpstreamConn
	closeRequested bool
	cancel         context.CancelFunc
	done           chan struct{}
}

func newSession(accountID, token string) *Session {
	return &Session{
		AccountID: accountID,
		Token:     token,
		state:     domain.StateConnecting,
		done:      make(chan struct{}),
	}
}

// State returns the session's current lifecycle state.
func (s *Session) State() domain.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SessionID is the upstream-assigned id, empty until the welcome arrives.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Done is closed once the session's connection has been torn down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// transition moves to next unless the session is already Closed.
func (s *Session) transition(next domain.SessionState, env *sessionEnv) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return false
	}
	s.state = next
	env.metrics.Transitions.WithLabelValues(next.String()).Inc()
	return true
}

func (s *Session) welcome(sessionID string, env *sessionEnv) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return false
	}
	s.sessionID = sessionID
	s.state = domain.StateWelcomed
	env.metrics.Transitions.WithLabelValues(domain.StateWelcomed.String()).Inc()
	return true
}

// begin derives the context for the session's work from parent. Closing
// the session cancels it, which stops dialing and topic registration.
func (s *Session) begin(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancel = cancel
	if s.closeRequested {
		cancel()
	}
	return ctx, cancel
}

// attach records the live connection. It fails if a close was requested
// while the dial was in flight.
func (s *Session) attach(conn UpstreamConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closeRequested || s.state.Terminal() {
		return false
	}
	s.conn = conn
	return true
}

// requestClose is the explicit close path: the state becomes Closed at once
// and the read loop is unblocked by closing the socket.
func (s *Session) requestClose(env *sessionEnv) {
	s.mu.Lock()
	s.closeRequested = true
	conn := s.conn
	cancel := s.cancel
	if !s.state.Terminal() {
		s.state = domain.StateClosed
		env.metrics.Transitions.WithLabelValues(domain.StateClosed.String()).Inc()
	}
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
}

func (s *Session) closeWasRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeRequested
}

// outcome is what a finished session tells its supervisor.
type outcome struct {
	reconnect     bool
	reconnectURL  string
	reachedActive bool
}

// run drives one connection from dial to Closed. It returns when the
// connection is gone; a reconnect directive is reported, not followed.
func (s *Session) run(ctx context.Context, env *sessionEnv, url string, redial bool) outcome {
	defer close(s.done)
	log := logging.WithAccount(s.AccountID)

	conn, err := env.dial(ctx, url, redial)
	if err != nil {
		log.WarnContext(ctx, "Upstream dial failed", "url", url, "error", err)
		s.transition(domain.StateClosed, env)
		return outcome{}
	}
	if !s.attach(conn) {
		_ = conn.Close()
		return outcome{}
	}
	defer conn.Close()
	log.DebugContext(ctx, "Upstream connected", "url", url)

	var (
		out       outcome
		keepalive time.Duration
		deadline  = time.Now().Add(env.welcomeTimeout)
	)

	for {
		msg, err := conn.Next(deadline)
		if err != nil {
			if apperrors.IsType(err, apperrors.TypeProtocol) {
				env.metrics.ProtocolErrors.Inc()
				log.WarnContext(ctx, "Dropping malformed upstream message", "error", err)
				continue
			}
			s.transition(domain.StateClosed, env)
			if s.closeWasRequested() {
				log.InfoContext(ctx, "Session closed", "session_id", s.SessionID())
			} else {
				log.WarnContext(ctx, "Upstream connection lost", "session_id", s.SessionID(), "error", err)
			}
			return out
		}

		switch m := msg.(type) {
		case *twitch.Welcome:
			if s.SessionID() != "" {
				log.WarnContext(ctx, "Ignoring repeated welcome", "session_id", m.SessionID)
				break
			}
			if !s.welcome(m.SessionID, env) {
				return out
			}
			keepalive = m.KeepaliveTimeout
			if keepalive <= 0 {
				keepalive = defaultKeepalive
			}
			log.InfoContext(ctx, "Upstream session welcomed", "session_id", m.SessionID, "keepalive", keepalive)

			if !s.transition(domain.StateSubscribing, env) {
				return out
			}
			if err := env.topics.RegisterTopics(ctx, s.Token, s.AccountID, m.SessionID); err != nil {
				if s.closeWasRequested() {
					log.InfoContext(ctx, "Session closed during topic registration", "session_id", m.SessionID)
					return out
				}
				if apperrors.IsAuth(err) {
					log.WarnContext(ctx, "Credential revoked, closing session", "session_id", m.SessionID, "error", err)
					s.transition(domain.StateClosed, env)
					return out
				}
				log.ErrorContext(ctx, "Topic registration failed", "session_id", m.SessionID, "error", err)
			}
			if s.transition(domain.StateActive, env) {
				out.reachedActive = true
				log.InfoContext(ctx, "Session active", "session_id", m.SessionID)
			}

		case *twitch.Notification:
			env.metrics.Notifications.WithLabelValues(m.SubscriptionType).Inc()
			env.broadcaster.Broadcast(domain.NotificationEnvelope{
				ChannelID: s.AccountID,
				EventType: m.SubscriptionType,
				Event:     m.Event,
				UserID:    m.UserID,
				UserName:  m.UserName,
			})

		case *twitch.Reconnect:
			log.InfoContext(ctx, "Upstream requested reconnect", "session_id", s.SessionID(), "reconnect_url", m.ReconnectURL)
			if !s.transition(domain.StateReconnecting, env) {
				return out
			}
			_ = conn.Close()
			s.transition(domain.StateClosed, env)
			out.reconnect = true
			out.reconnectURL = m.ReconnectURL
			return out

		case *twitch.Revocation:
			log.WarnContext(ctx, "Upstream revoked subscription",
				"session_id", s.SessionID(),
				"subscription_type", m.SubscriptionType,
				"status", m.Status,
			)

		case *twitch.Keepalive:
			log.DebugContext(ctx, "Upstream keepalive", "session_id", s.SessionID())
		}

		if keepalive > 0 {
			deadline = time.Now().Add(keepalive + env.keepaliveGrace)
		}
	}
}
