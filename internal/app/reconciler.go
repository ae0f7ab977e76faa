package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/Jair4x/scst-server/internal/adapter/metrics"
	"github.com/Jair4x/scst-server/internal/domain"
	apperrors "github.com/Jair4x/scst-server/internal/platform/errors"
)

// sessionStarter is the part of Registry the reconciler and service need.
type sessionStarter interface {
	RegisterOrReuse(ctx context.Context, accountID, token string) (*Session, bool, error)
}

// ReconcileResult counts what a reconciliation pass did with each stored credential.
type ReconcileResult struct {
	Registered int `json:"registered"`
	Revoked    int `json:"revoked"`
	Failed     int `json:"failed"`
}

// StartupReconciler validates every stored credential once at startup,
// removing rejected ones and starting sessions for the rest.
type StartupReconciler struct {
	store       domain.CredentialStore
	validator   domain.TokenValidator
	sessions    sessionStarter
	concurrency int
	metrics     *metrics.ReconcilerMetrics
	clock       clockwork.Clock
}

// NewStartupReconciler creates a reconciler validating at most concurrency
// credentials at a time.
func NewStartupReconciler(store domain.CredentialStore, validator domain.TokenValidator, sessions sessionStarter, concurrency int, m *metrics.ReconcilerMetrics, clock clockwork.Clock) *StartupReconciler {
	if concurrency < 1 {
		concurrency = 1
	}
	return &StartupReconciler{
		store:       store,
		validator:   validator,
		sessions:    sessions,
		concurrency: concurrency,
		metrics:     m,
		clock:       clock,
	}
}

// Run validates all credentials with bounded concurrency. Only a failure to
// list the store is returned; per-credential failures are counted.
func (r *StartupReconciler) Run(ctx context.Context) (ReconcileResult, error) {
	start := r.clock.Now()
	defer func() {
		r.metrics.Duration.Observe(r.clock.Since(start).Seconds())
	}()

	creds, err := r.store.List(ctx)
	if err != nil {
		return ReconcileResult{}, fmt.Errorf("failed to list credentials: %w", err)
	}
	slog.InfoContext(ctx, "Reconciling stored credentials", "count", len(creds), "concurrency", r.concurrency)

	var (
		mu     sync.Mutex
		result ReconcileResult
	)
	count := func(field *int, label string) {
		mu.Lock()
		*field++
		mu.Unlock()
		r.metrics.Validations.WithLabelValues(label).Inc()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for _, cred := range creds {
		g.Go(func() error {
			switch r.reconcileOne(gctx, cred) {
			case outcomeRegistered:
				count(&result.Registered, "registered")
			case outcomeRevoked:
				count(&result.Revoked, "revoked")
			default:
				count(&result.Failed, "failed")
			}
			return nil
		})
	}
	_ = g.Wait()

	slog.InfoContext(ctx, "Credential reconciliation finished",
		"registered", result.Registered,
		"revoked", result.Revoked,
		"failed", result.Failed,
	)
	return result, nil
}

type reconcileOutcome int

const (
	outcomeFailed reconcileOutcome = iota
	outcomeRegistered
	outcomeRevoked
)

func (r *StartupReconciler) reconcileOne(ctx context.Context, cred domain.Credential) reconcileOutcome {
	info, err := r.validator.ValidateToken(ctx, cred.Token)
	switch {
	case err == nil:
	case apperrors.IsAuth(err):
		removed, rmErr := r.store.Remove(ctx, func(c domain.Credential) bool {
			return c.AccountID == cred.AccountID && c.Token == cred.Token
		})
		if rmErr != nil {
			slog.ErrorContext(ctx, "Failed to remove invalid credential", "account_id", cred.AccountID, "error", rmErr)
			return outcomeFailed
		}
		slog.InfoContext(ctx, "Removed invalid credential", "account_id", cred.AccountID, "removed", removed)
		return outcomeRevoked
	default:
		slog.WarnContext(ctx, "Credential validation failed, keeping credential", "account_id", cred.AccountID, "error", err)
		return outcomeFailed
	}

	if info.UserID != cred.AccountID {
		slog.InfoContext(ctx, "Stored account id differs from token owner", "stored_account_id", cred.AccountID, "account_id", info.UserID)
	}

	if _, _, err := r.sessions.RegisterOrReuse(ctx, info.UserID, cred.Token); err != nil {
		slog.ErrorContext(ctx, "Failed to start session", "account_id", info.UserID, "error", err)
		return outcomeFailed
	}
	return outcomeRegistered
}
