package domain

import "context"

// Credential is an account's upstream access token, keyed by account id.
type Credential struct {
	AccountID string
	Token     string
}

// CredentialStore persists credentials for the relay. The relay only needs
// to enumerate, upsert and remove them.
type CredentialStore interface {
	List(ctx context.Context) ([]Credential, error)
	Save(ctx context.Context, cred Credential) error
	// Remove deletes every credential matching the predicate and returns how many were removed.
	Remove(ctx context.Context, match func(Credential) bool) (int, error)
	Ping(ctx context.Context) error
}

// MatchAccount matches credentials stored under accountID.
func MatchAccount(accountID string) func(Credential) bool {
	return func(c Credential) bool { return c.AccountID == accountID }
}

// MatchToken matches credentials carrying token, whatever key they are
// stored under. Used on revocation so a refreshed token for the same
// account survives.
func MatchToken(token string) func(Credential) bool {
	return func(c Credential) bool { return c.Token == token }
}
