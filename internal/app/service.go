package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Jair4x/scst-server/internal/domain"
	apperrors "github.com/Jair4x/scst-server/internal/platform/errors"
)

// RegisterResult is the ingress acknowledgement.
type RegisterResult struct {
	Success   bool   `json:"success"`
	ChannelID string `json:"channelId"`
}

// Service is the ingress use case: accept a credential, persist it and make
// sure a session is running for it.
type Service struct {
	store    domain.CredentialStore
	sessions *Registry
}

// NewService creates the ingress service over store and the session registry.
func NewService(store domain.CredentialStore, sessions *Registry) *Service {
	return &Service{store: store, sessions: sessions}
}

// RegisterSession upserts the credential and starts a session unless one is
// already live. Missing fields are rejected before anything is touched.
func (s *Service) RegisterSession(ctx context.Context, accountID, token string) (RegisterResult, error) {
	accountID = strings.TrimSpace(accountID)
	token = strings.TrimSpace(token)
	if accountID == "" {
		return RegisterResult{}, apperrors.ValidationError("accountId is required").WithField("field", "accountId")
	}
	if token == "" {
		return RegisterResult{}, apperrors.ValidationError("token is required").WithField("field", "token")
	}

	if err := s.store.Save(ctx, domain.Credential{AccountID: accountID, Token: token}); err != nil {
		return RegisterResult{}, apperrors.InternalError("failed to store credential", err).WithField("account_id", accountID)
	}

	_, created, err := s.sessions.RegisterOrReuse(ctx, accountID, token)
	if err != nil {
		return RegisterResult{}, apperrors.InternalError("failed to start session", err).WithField("account_id", accountID)
	}
	slog.InfoContext(ctx, "Session registered", "account_id", accountID, "created", created)

	return RegisterResult{Success: true, ChannelID: accountID}, nil
}

// UnregisterSession closes the account's session and forgets its credentials.
func (s *Service) UnregisterSession(ctx context.Context, accountID string) error {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return apperrors.ValidationError("accountId is required").WithField("field", "accountId")
	}

	closed := s.sessions.Close(accountID)
	removed, err := s.store.Remove(ctx, domain.MatchAccount(accountID))
	if err != nil {
		return apperrors.InternalError("failed to remove credential", err).WithField("account_id", accountID)
	}
	if !closed && removed == 0 {
		return fmt.Errorf("account %s: %w", accountID, domain.ErrCredentialNotFound)
	}

	slog.InfoContext(ctx, "Session unregistered", "account_id", accountID, "removed", removed)
	return nil
}

// Sessions lists the live sessions.
func (s *Service) Sessions() []SessionInfo {
	return s.sessions.Snapshot()
}

// Ready reports whether the credential store is reachable.
func (s *Service) Ready(ctx context.Context) error {
	return s.store.Ping(ctx)
}
