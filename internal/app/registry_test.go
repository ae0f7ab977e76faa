package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jair4x/scst-server/internal/adapter/memory"
	"github.com/Jair4x/scst-server/internal/adapter/twitch"
	"github.com/Jair4x/scst-server/internal/domain"
	apperrors "github.com/Jair4x/scst-server/internal/platform/errors"
)

func TestRegistry_RegisterOrReuseIsIdempotent(t *testing.T) {
	f := newRegistryFixture(t, 5)
	ctx := context.Background()

	first, created, err := f.registry.RegisterOrReuse(ctx, "42", "abc")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, domain.StateConnecting, first.State())
	f.upstream.next(t)

	second, created, err := f.registry.RegisterOrReuse(ctx, "42", "refreshed")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Same(t, first, second)
	assert.Equal(t, "abc", second.Token)

	assert.Equal(t, 1, f.registry.Len())
	assert.Len(t, f.upstream.dials(), 1)
}

func TestRegistry_WelcomeRegistersTopicsAndActivates(t *testing.T) {
	f := newRegistryFixture(t, 5)

	s, _, err := f.registry.RegisterOrReuse(context.Background(), "42", "abc")
	require.NoError(t, err)
	conn := f.upstream.next(t)
	assert.Equal(t, testEventSubURL, conn.url)
	assert.Empty(t, s.SessionID())

	conn.send(welcome("S1"))

	waitForState(t, s, domain.StateActive)
	assert.Equal(t, "S1", s.SessionID())
	assert.Equal(t, []topicCall{{token: "abc", accountID: "42", sessionID: "S1"}}, f.topics.recorded())
}

func TestRegistry_TopicsWaitForWelcome(t *testing.T) {
	f := newRegistryFixture(t, 5)

	s, _, err := f.registry.RegisterOrReuse(context.Background(), "42", "abc")
	require.NoError(t, err)
	conn := f.upstream.next(t)

	conn.send(&twitch.Keepalive{})
	conn.send(notification("channel.hype_train.begin", `{"level":1}`))

	require.Eventually(t, func() bool { return len(f.broadcaster.received()) == 1 }, time.Second, time.Millisecond)
	assert.Empty(t, f.topics.recorded())
	assert.Equal(t, domain.StateConnecting, s.State())
}

func TestRegistry_NotificationsReachBroadcaster(t *testing.T) {
	f := newRegistryFixture(t, 5)

	s, _, err := f.registry.RegisterOrReuse(context.Background(), "42", "abc")
	require.NoError(t, err)
	conn := f.upstream.next(t)
	conn.send(welcome("S1"))
	waitForState(t, s, domain.StateActive)

	userID, userName := "7", "bob"
	conn.send(&twitch.Notification{
		SubscriptionType: "channel.hype_train.progress",
		Event:            []byte(`{"user_id":"7","user_name":"bob"}`),
		UserID:           &userID,
		UserName:         &userName,
	})
	conn.send(notification("channel.hype_train.end", `{"level":3}`))

	require.Eventually(t, func() bool { return len(f.broadcaster.received()) == 2 }, time.Second, time.Millisecond)
	envs := f.broadcaster.received()

	assert.Equal(t, "42", envs[0].ChannelID)
	assert.Equal(t, "channel.hype_train.progress", envs[0].EventType)
	require.NotNil(t, envs[0].UserID)
	assert.Equal(t, "7", *envs[0].UserID)
	assert.Equal(t, "bob", *envs[0].UserName)

	assert.Equal(t, "channel.hype_train.end", envs[1].EventType)
	assert.Nil(t, envs[1].UserID)
	assert.Nil(t, envs[1].UserName)
	assert.Equal(t, domain.StateActive, s.State())
}

func TestRegistry_ProtocolErrorDoesNotChangeState(t *testing.T) {
	f := newRegistryFixture(t, 5)

	s, _, err := f.registry.RegisterOrReuse(context.Background(), "42", "abc")
	require.NoError(t, err)
	conn := f.upstream.next(t)
	conn.send(welcome("S1"))
	waitForState(t, s, domain.StateActive)

	conn.fail(apperrors.ProtocolError("unknown message type", nil))
	conn.send(notification("channel.hype_train.begin", `{}`))

	require.Eventually(t, func() bool { return len(f.broadcaster.received()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, domain.StateActive, s.State())
	assert.False(t, conn.isClosed())
}

func TestRegistry_ReconnectReplacesSession(t *testing.T) {
	f := newRegistryFixture(t, 5)

	old, _, err := f.registry.RegisterOrReuse(context.Background(), "42", "abc")
	require.NoError(t, err)
	oldConn := f.upstream.next(t)
	oldConn.send(welcome("S1"))
	waitForState(t, old, domain.StateActive)

	oldConn.send(&twitch.Reconnect{ReconnectURL: "wss://eventsub.test/ws?reconnect=1"})

	newConn := f.upstream.next(t)
	waitDone(t, old)
	assert.Equal(t, domain.StateClosed, old.State())
	assert.True(t, oldConn.isClosed())
	assert.Equal(t, "wss://eventsub.test/ws?reconnect=1", newConn.url)

	current, ok := f.registry.Get("42")
	require.True(t, ok)
	assert.NotSame(t, old, current)
	assert.Equal(t, "abc", current.Token)
	assert.Equal(t, 1, f.registry.Len())

	newConn.send(welcome("S2"))
	waitForState(t, current, domain.StateActive)
	assert.Equal(t, "S2", current.SessionID())

	assert.Equal(t, []dialCall{
		{url: testEventSubURL, redial: false},
		{url: "wss://eventsub.test/ws?reconnect=1", redial: true},
	}, f.upstream.dials())
}

func TestRegistry_ReconnectWithoutURLUsesDefault(t *testing.T) {
	f := newRegistryFixture(t, 5)

	_, _, err := f.registry.RegisterOrReuse(context.Background(), "42", "abc")
	require.NoError(t, err)
	conn := f.upstream.next(t)
	conn.send(&twitch.Reconnect{})

	next := f.upstream.next(t)
	assert.Equal(t, testEventSubURL, next.url)
}

func TestRegistry_ReconnectLoopIsBounded(t *testing.T) {
	f := newRegistryFixture(t, 2)

	first, _, err := f.registry.RegisterOrReuse(context.Background(), "42", "abc")
	require.NoError(t, err)

	// never welcomed, so no session reaches Active between directives
	for range 3 {
		f.upstream.next(t).send(&twitch.Reconnect{})
	}

	waitDone(t, first)
	require.Eventually(t, func() bool { return f.registry.Len() == 0 }, 2*time.Second, time.Millisecond)
	assert.Len(t, f.upstream.dials(), 3)
}

func TestRegistry_ActiveSessionResetsReconnectBudget(t *testing.T) {
	f := newRegistryFixture(t, 1)

	_, _, err := f.registry.RegisterOrReuse(context.Background(), "42", "abc")
	require.NoError(t, err)

	for i := range 3 {
		conn := f.upstream.next(t)
		conn.send(welcome("S" + string(rune('1'+i))))
		require.Eventually(t, func() bool {
			s, ok := f.registry.Get("42")
			return ok && s.State() == domain.StateActive
		}, 2*time.Second, time.Millisecond)
		conn.send(&twitch.Reconnect{})
	}

	f.upstream.next(t)
	assert.Equal(t, 1, f.registry.Len())
}

func TestRegistry_AuthFailureClosesAndRemoves(t *testing.T) {
	f := newRegistryFixture(t, 5)
	f.topics.fn = func(context.Context, string, string, string) error {
		return apperrors.AuthError("credential rejected", nil)
	}

	s, _, err := f.registry.RegisterOrReuse(context.Background(), "42", "abc")
	require.NoError(t, err)
	conn := f.upstream.next(t)
	conn.send(welcome("S1"))

	waitDone(t, s)
	assert.Equal(t, domain.StateClosed, s.State())
	assert.True(t, conn.isClosed())
	require.Eventually(t, func() bool { return f.registry.Len() == 0 }, time.Second, time.Millisecond)
}

func TestRegistry_TransientTopicFailureStillActivates(t *testing.T) {
	f := newRegistryFixture(t, 5)
	f.topics.fn = func(context.Context, string, string, string) error {
		return errors.New("unexpected")
	}

	s, _, err := f.registry.RegisterOrReuse(context.Background(), "42", "abc")
	require.NoError(t, err)
	f.upstream.next(t).send(welcome("S1"))

	waitForState(t, s, domain.StateActive)
}

func TestRegistry_ConnectionLossClosesAndRemoves(t *testing.T) {
	f := newRegistryFixture(t, 5)

	s, _, err := f.registry.RegisterOrReuse(context.Background(), "42", "abc")
	require.NoError(t, err)
	conn := f.upstream.next(t)
	conn.send(welcome("S1"))
	waitForState(t, s, domain.StateActive)

	conn.fail(errors.New("unexpected EOF"))

	waitDone(t, s)
	assert.Equal(t, domain.StateClosed, s.State())
	require.Eventually(t, func() bool { return f.registry.Len() == 0 }, time.Second, time.Millisecond)

	// a later registration starts a fresh session
	again, created, err := f.registry.RegisterOrReuse(context.Background(), "42", "abc")
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotSame(t, s, again)
}

func TestRegistry_WelcomeTimeoutCloses(t *testing.T) {
	f := newRegistryFixture(t, 5)
	f.registry.env.welcomeTimeout = 20 * time.Millisecond

	s, _, err := f.registry.RegisterOrReuse(context.Background(), "42", "abc")
	require.NoError(t, err)
	f.upstream.next(t)

	waitDone(t, s)
	assert.Equal(t, domain.StateClosed, s.State())
	assert.Empty(t, f.topics.recorded())
}

func TestRegistry_DialFailureCloses(t *testing.T) {
	f := newRegistryFixture(t, 5)
	f.upstream.err = errors.New("connection refused")

	s, _, err := f.registry.RegisterOrReuse(context.Background(), "42", "abc")
	require.NoError(t, err)

	waitDone(t, s)
	assert.Equal(t, domain.StateClosed, s.State())
	require.Eventually(t, func() bool { return f.registry.Len() == 0 }, time.Second, time.Millisecond)
}

func TestRegistry_ExplicitClose(t *testing.T) {
	f := newRegistryFixture(t, 5)

	s, _, err := f.registry.RegisterOrReuse(context.Background(), "42", "abc")
	require.NoError(t, err)
	conn := f.upstream.next(t)
	conn.send(welcome("S1"))
	waitForState(t, s, domain.StateActive)

	assert.True(t, f.registry.Close("42"))

	assert.Equal(t, domain.StateClosed, s.State())
	_, ok := f.registry.Get("42")
	assert.False(t, ok)
	waitDone(t, s)
	assert.True(t, conn.isClosed())

	assert.False(t, f.registry.Close("42"))
}

func TestRegistry_CloseWhileSubscribingStopsRegistration(t *testing.T) {
	f := newRegistryFixture(t, 5)

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	registrar := &mockRegistrar{fn: func(req domain.SubscriptionRequest) error {
		if req.Type == "channel.hype_train.begin" {
			entered <- struct{}{}
			<-release
			return nil
		}
		return apperrors.AuthError("credential rejected by subscription endpoint", nil)
	}}
	store := memory.NewCredentialStore(domain.Credential{AccountID: "42", Token: "abc"})
	sm, _ := newTestSubscriptionManager(registrar, store)
	f.topics.fn = sm.RegisterTopics

	s, _, err := f.registry.RegisterOrReuse(context.Background(), "42", "abc")
	require.NoError(t, err)
	f.upstream.next(t).send(welcome("S1"))

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("topic registration did not start")
	}
	waitForState(t, s, domain.StateSubscribing)

	require.True(t, f.registry.Close("42"))
	assert.Equal(t, domain.StateClosed, s.State())
	close(release)
	waitDone(t, s)

	assert.Len(t, registrar.recorded(), 1)
	assert.Equal(t, domain.StateClosed, s.State())
	creds, err := store.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []domain.Credential{{AccountID: "42", Token: "abc"}}, creds)
}

func TestRegistry_ClosedSessionNeverReopens(t *testing.T) {
	f := newRegistryFixture(t, 5)

	s, _, err := f.registry.RegisterOrReuse(context.Background(), "42", "abc")
	require.NoError(t, err)
	conn := f.upstream.next(t)
	f.registry.Close("42")

	// a welcome racing the close must not revive the session
	conn.send(welcome("S1"))
	waitDone(t, s)
	assert.Equal(t, domain.StateClosed, s.State())
	assert.Empty(t, f.topics.recorded())
}

func TestRegistry_IndependentAccounts(t *testing.T) {
	f := newRegistryFixture(t, 5)

	a, _, err := f.registry.RegisterOrReuse(context.Background(), "42", "abc")
	require.NoError(t, err)
	connA := f.upstream.next(t)
	b, _, err := f.registry.RegisterOrReuse(context.Background(), "7", "xyz")
	require.NoError(t, err)
	connB := f.upstream.next(t)

	connA.send(welcome("SA"))
	connB.send(welcome("SB"))
	waitForState(t, a, domain.StateActive)
	waitForState(t, b, domain.StateActive)

	connA.fail(errors.New("reset by peer"))
	waitDone(t, a)
	require.Eventually(t, func() bool { return f.registry.Len() == 1 }, time.Second, time.Millisecond)

	assert.Equal(t, domain.StateActive, b.State())
	assert.Equal(t, []SessionInfo{{AccountID: "7", SessionID: "SB", State: "active"}}, f.registry.Snapshot())
}

func TestRegistry_ShutdownRejectsNewSessions(t *testing.T) {
	f := newRegistryFixture(t, 5)

	s, _, err := f.registry.RegisterOrReuse(context.Background(), "42", "abc")
	require.NoError(t, err)
	f.upstream.next(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.registry.Shutdown(ctx))

	assert.Equal(t, domain.StateClosed, s.State())
	assert.Zero(t, f.registry.Len())

	_, _, err = f.registry.RegisterOrReuse(context.Background(), "42", "abc")
	assert.ErrorIs(t, err, domain.ErrRegistryClosed)
}
