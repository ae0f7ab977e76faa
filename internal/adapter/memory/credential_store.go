// Package memory holds an in-process CredentialStore, used when no Redis URL
// is configured and by tests.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/Jair4x/scst-server/internal/domain"
)

type CredentialStore struct {
	mu    sync.RWMutex
	creds map[string]string // account id -> token
}

var _ domain.CredentialStore = (*CredentialStore)(nil)

// NewCredentialStore creates a store seeded with initial.
func NewCredentialStore(initial ...domain.Credential) *CredentialStore {
	s := &CredentialStore{creds: make(map[string]string, len(initial))}
	for _, c := range initial {
		s.creds[c.AccountID] = c.Token
	}
	return s
}

// List returns the credentials ordered by account id.
func (s *CredentialStore) List(_ context.Context) ([]domain.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Credential, 0, len(s.creds))
	for id, token := range s.creds {
		out = append(out, domain.Credential{AccountID: id, Token: token})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out, nil
}

func (s *CredentialStore) Save(_ context.Context, cred domain.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[cred.AccountID] = cred.Token
	return nil
}

func (s *CredentialStore) Remove(_ context.Context, match func(domain.Credential) bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, token := range s.creds {
		if match(domain.Credential{AccountID: id, Token: token}) {
			delete(s.creds, id)
			removed++
		}
	}
	return removed, nil
}

func (s *CredentialStore) Ping(_ context.Context) error {
	return nil
}
