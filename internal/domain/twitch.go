package domain

import "context"

// TokenInfo is what the upstream auth-check reports about a valid token.
type TokenInfo struct {
	ClientID  string
	Login     string
	UserID    string
	Scopes    []string
	ExpiresIn int
}

// SubscriptionRequest registers one topic for an account on an upstream websocket session.
type SubscriptionRequest struct {
	Type      string
	Version   string
	AccountID string
	SessionID string
}

// TokenValidator checks a token against the upstream auth-check endpoint.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (*TokenInfo, error)
}

// TopicRegistrar issues a single topic registration.
type TopicRegistrar interface {
	CreateSubscription(ctx context.Context, token string, req SubscriptionRequest) error
}
