package redis

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	goredis "github.com/redis/go-redis/v9"

	"github.com/Jair4x/scst-server/internal/domain"
	"github.com/Jair4x/scst-server/internal/platform/crypto"
)

// credentialsKey is a hash of account id -> sealed token.
const credentialsKey = "scst:credentials"

// removeIfUnchangedScript deletes each field only while it still holds the
// value the caller matched on, so a concurrent Save of a fresh token survives.
// ARGV: field, value pairs
var removeIfUnchangedScript = goredis.NewScript(`
local removed = 0
for i = 1, #ARGV, 2 do
  if redis.call('HGET', KEYS[1], ARGV[i]) == ARGV[i + 1] then
    redis.call('HDEL', KEYS[1], ARGV[i])
    removed = removed + 1
  end
end
return removed
`)

type CredentialStore struct {
	rdb    goredis.UniversalClient
	cipher crypto.Service
	key    string
}

var _ domain.CredentialStore = (*CredentialStore)(nil)

// NewCredentialStore stores tokens sealed with cipher; nil stores plaintext.
func NewCredentialStore(rdb goredis.UniversalClient, cipher crypto.Service) *CredentialStore {
	if cipher == nil {
		cipher = crypto.Plaintext{}
	}
	return &CredentialStore{rdb: rdb, cipher: cipher, key: credentialsKey}
}

// storedCredential is a credential together with its raw hash value.
type storedCredential struct {
	domain.Credential
	raw string
}

func (s *CredentialStore) load(ctx context.Context) ([]storedCredential, error) {
	entries, err := s.rdb.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}

	creds := make([]storedCredential, 0, len(entries))
	for id, raw := range entries {
		token, err := s.cipher.Decrypt(id, raw)
		if err != nil {
			// most likely written under a different key
			slog.Warn("Skipping unreadable credential", "account_id", id, "error", err)
			continue
		}
		creds = append(creds, storedCredential{Credential: domain.Credential{AccountID: id, Token: token}, raw: raw})
	}
	sort.Slice(creds, func(i, j int) bool { return creds[i].AccountID < creds[j].AccountID })
	return creds, nil
}

// List returns the credentials ordered by account id. Entries that cannot be
// decrypted are skipped.
func (s *CredentialStore) List(ctx context.Context) ([]domain.Credential, error) {
	stored, err := s.load(ctx)
	if err != nil {
		return nil, err
	}

	creds := make([]domain.Credential, len(stored))
	for i, c := range stored {
		creds[i] = c.Credential
	}
	return creds, nil
}

func (s *CredentialStore) Save(ctx context.Context, cred domain.Credential) error {
	sealed, err := s.cipher.Encrypt(cred.AccountID, cred.Token)
	if err != nil {
		return fmt.Errorf("failed to seal credential for %s: %w", cred.AccountID, err)
	}
	if err := s.rdb.HSet(ctx, s.key, cred.AccountID, sealed).Err(); err != nil {
		return fmt.Errorf("failed to save credential for %s: %w", cred.AccountID, err)
	}
	return nil
}

func (s *CredentialStore) Remove(ctx context.Context, match func(domain.Credential) bool) (int, error) {
	stored, err := s.load(ctx)
	if err != nil {
		return 0, err
	}

	var args []any
	for _, c := range stored {
		if match(c.Credential) {
			args = append(args, c.AccountID, c.raw)
		}
	}
	if len(args) == 0 {
		return 0, nil
	}

	removed, err := removeIfUnchangedScript.Run(ctx, s.rdb, []string{s.key}, args...).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to remove credentials: %w", err)
	}
	return removed, nil
}

func (s *CredentialStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}
