package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/Jair4x/scst-server/internal/adapter/metrics"
	"github.com/Jair4x/scst-server/internal/domain"
	apperrors "github.com/Jair4x/scst-server/internal/platform/errors"
)

const (
	subscriptionVersion = "1"
	revokeTimeout       = 5 * time.Second
)

// Topics returns the three topics registered for an event family, in order.
func Topics(family string) []string {
	return []string{family + ".begin", family + ".progress", family + ".end"}
}

// SubscriptionManager registers an account's topics on an upstream session
// and revokes a token when the upstream rejects it.
type SubscriptionManager struct {
	registrar domain.TopicRegistrar
	store     domain.CredentialStore
	topics    []string
	metrics   *metrics.SubscriptionMetrics
}

// NewSubscriptionManager creates a manager registering the begin, progress
// and end topics of family.
func NewSubscriptionManager(registrar domain.TopicRegistrar, store domain.CredentialStore, family string, m *metrics.SubscriptionMetrics) *SubscriptionManager {
	return &SubscriptionManager{
		registrar: registrar,
		store:     store,
		topics:    Topics(family),
		metrics:   m,
	}
}

// RegisterTopics issues one registration per topic, in order, without
// retries. Transient failures are logged and skipped. The first auth
// failure removes every credential carrying the rejected token and is
// returned.
func (m *SubscriptionManager) RegisterTopics(ctx context.Context, token, accountID, sessionID string) error {
	if sessionID == "" {
		return apperrors.ValidationError("session id is required before registering topics").
			WithField("account_id", accountID)
	}

	for _, topic := range m.topics {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := m.registrar.CreateSubscription(ctx, token, domain.SubscriptionRequest{
			Type:      topic,
			Version:   subscriptionVersion,
			AccountID: accountID,
			SessionID: sessionID,
		})
		switch {
		case err == nil:
			m.metrics.Requests.WithLabelValues(topic, "ok").Inc()
			slog.DebugContext(ctx, "Topic registered", "account_id", accountID, "topic", topic)
		case apperrors.IsAuth(err):
			m.metrics.Requests.WithLabelValues(topic, "auth").Inc()
			m.revoke(ctx, accountID, token)
			return err
		default:
			m.metrics.Requests.WithLabelValues(topic, "transient").Inc()
			slog.WarnContext(ctx, "Topic registration failed", "account_id", accountID, "topic", topic, "error", err)
		}
	}
	return nil
}

func (m *SubscriptionManager) revoke(ctx context.Context, accountID, token string) {
	// the removal must happen even when the caller is already shutting down
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), revokeTimeout)
	defer cancel()

	removed, err := m.store.Remove(ctx, domain.MatchToken(token))
	if err != nil {
		slog.ErrorContext(ctx, "Failed to remove rejected credential", "account_id", accountID, "error", err)
		return
	}
	m.metrics.Revocations.Inc()
	slog.WarnContext(ctx, "Removed rejected credential", "account_id", accountID, "removed", removed)
}
