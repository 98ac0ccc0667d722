package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"gitea.jw6.us/james/taskmirror/internal/metrics"
	"gitea.jw6.us/james/taskmirror/internal/provider"
	"gitea.jw6.us/james/taskmirror/internal/store"
)

// refreshSkew refreshes access tokens this close to expiry rather than
// risking a mid-fetch rejection.
const refreshSkew = 2 * time.Minute

// ErrCredentialMissing marks an account whose vault entry is absent. The
// user must reconnect the account; backoff applies until then.
var ErrCredentialMissing = errors.New("sync: credential missing")

// ErrNoLinkedAccounts is returned by RunForUser when the user has no
// connected accounts for the requested provider.
var ErrNoLinkedAccounts = errors.New("sync: no linked accounts for provider")

// Summary aggregates one orchestrator pass.
type Summary struct {
	Attempted      int `json:"attempted"`
	SkippedBackoff int `json:"skippedBackoff"`
	Success        int `json:"success"`
	Failed         int `json:"failed"`
}

// CredentialSource resolves and updates stored credentials. Implemented by
// vault.Vault.
type CredentialSource interface {
	Get(ctx context.Context, accountID int64) (*store.Credential, error)
	Put(ctx context.Context, accountID int64, accessToken string, refreshToken *string, expiresAt *time.Time, scopes []string) error
}

// ItemWriter ingests normalized items. Implemented by Ingestor.
type ItemWriter interface {
	Upsert(ctx context.Context, userID, accountID int64, providerName string, items []provider.Item) (int, error)
}

// Orchestrator runs one sequential pass over due linked accounts. It holds
// no per-pass state beyond what it reads and writes through the registry
// and health tracker, so a terminated pass is safely re-evaluated by the
// next scheduled invocation.
type Orchestrator struct {
	accounts  store.LinkedAccountRepository
	cursors   store.CursorRepository
	audit     store.AuditLogRepository
	creds     CredentialSource
	providers *provider.Registry
	tracker   *Tracker
	ingest    ItemWriter

	batchLimit     int
	requestTimeout time.Duration
	now            func() time.Time
}

func NewOrchestrator(
	st *store.Store,
	creds CredentialSource,
	providers *provider.Registry,
	tracker *Tracker,
	ingest ItemWriter,
	batchLimit int,
	requestTimeout time.Duration,
) *Orchestrator {
	return &Orchestrator{
		accounts:       st.LinkedAccounts,
		cursors:        st.Cursors,
		audit:          st.AuditLog,
		creds:          creds,
		providers:      providers,
		tracker:        tracker,
		ingest:         ingest,
		batchLimit:     batchLimit,
		requestTimeout: requestTimeout,
		now:            time.Now,
	}
}

// Run executes one scheduled pass. A listing failure aborts the pass; a
// per-account failure is recorded and never does.
func (o *Orchestrator) Run(ctx context.Context) (*Summary, error) {
	start := o.now()

	accounts, err := o.accounts.ListDue(ctx, time.Time{}, "", o.batchLimit)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}

	summary := &Summary{}
	for i := range accounts {
		acc := &accounts[i]

		if !o.tracker.CanAttempt(acc) {
			summary.SkippedBackoff++
			metrics.ObserveSyncOutcome(acc.Provider, "skipped_backoff")
			continue
		}

		summary.Attempted++
		imported, err := o.syncAccount(ctx, acc)
		if err != nil {
			summary.Failed++
			o.recordFailure(ctx, acc, err)
			continue
		}

		summary.Success++
		metrics.ObserveSyncOutcome(acc.Provider, "success")
		metrics.AddItemsIngested(acc.Provider, imported)
		if err := o.tracker.RecordSuccess(ctx, acc); err != nil {
			log.Printf("[WARN] failed to record sync success for account %d: %v", acc.ID, err)
		}
	}

	log.Printf("[INFO] sync pass complete in %s: attempted=%d skipped=%d success=%d failed=%d",
		o.now().Sub(start).Round(time.Millisecond), summary.Attempted, summary.SkippedBackoff, summary.Success, summary.Failed)
	return summary, nil
}

// RunForUser syncs a single user's connections to one provider, regardless
// of backoff state, and returns the number of items imported. Outcomes
// still update health state so scheduled passes see them.
func (o *Orchestrator) RunForUser(ctx context.Context, userID int64, providerName string) (int, error) {
	if _, err := o.providers.Resolve(providerName); err != nil {
		return 0, err
	}

	accounts, err := o.accounts.ListByUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("list accounts: %w", err)
	}

	imported := 0
	matched := false
	succeeded := 0
	var lastErr error
	for i := range accounts {
		acc := &accounts[i]
		if acc.Provider != providerName {
			continue
		}
		matched = true

		n, err := o.syncAccount(ctx, acc)
		if err != nil {
			lastErr = err
			o.recordFailure(ctx, acc, err)
			continue
		}
		succeeded++
		imported += n
		metrics.ObserveSyncOutcome(acc.Provider, "success")
		metrics.AddItemsIngested(acc.Provider, n)
		if err := o.tracker.RecordSuccess(ctx, acc); err != nil {
			log.Printf("[WARN] failed to record sync success for account %d: %v", acc.ID, err)
		}
	}

	if !matched {
		return 0, fmt.Errorf("%w: %s", ErrNoLinkedAccounts, providerName)
	}
	// A success that imported nothing is still a success; only a run where
	// every matching account failed surfaces an error.
	if succeeded == 0 && lastErr != nil {
		return 0, lastErr
	}
	return imported, nil
}

// syncAccount resolves credentials, refreshes them when near expiry,
// fetches one page of recent activity, and ingests it. The provider call
// runs under the configured per-call timeout so one slow provider cannot
// starve the batch.
func (o *Orchestrator) syncAccount(ctx context.Context, acc *store.LinkedAccount) (int, error) {
	client, err := o.providers.Resolve(acc.Provider)
	if err != nil {
		return 0, err
	}

	cred, err := o.creds.Get(ctx, acc.ID)
	if errors.Is(err, store.ErrNotFound) {
		return 0, ErrCredentialMissing
	}
	if err != nil {
		return 0, fmt.Errorf("resolve credential: %w", err)
	}

	cred, err = o.maybeRefresh(ctx, client, acc, cred)
	if err != nil {
		return 0, err
	}

	var cursor *string
	if stored, err := o.cursors.Get(ctx, acc.ID, client.Scope()); err == nil {
		cursor = stored.Cursor
	} else if !errors.Is(err, store.ErrNotFound) {
		return 0, fmt.Errorf("load cursor: %w", err)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, o.requestTimeout)
	defer cancel()

	fetchStart := o.now()
	result, err := client.FetchRecent(fetchCtx, provider.FetchRequest{
		AccessToken:       cred.AccessToken,
		Cursor:            cursor,
		ExternalAccountID: acc.ExternalAccountID,
		Meta:              acc.Meta,
	})
	metrics.ObserveProviderRequest(acc.Provider, "fetch", o.now().Sub(fetchStart))
	if err != nil {
		return 0, err
	}

	written, err := o.ingest.Upsert(ctx, acc.UserID, acc.ID, acc.Provider, result.Items)
	if err != nil {
		return 0, fmt.Errorf("ingest: %w", err)
	}

	if err := o.cursors.Put(ctx, acc.ID, client.Scope(), result.NextCursor); err != nil {
		return 0, fmt.Errorf("store cursor: %w", err)
	}
	return written, nil
}

// maybeRefresh exchanges the refresh token for a fresh access token when
// the stored one is expired or about to expire. Providers without refresh
// support keep their long-lived token.
func (o *Orchestrator) maybeRefresh(ctx context.Context, client provider.Client, acc *store.LinkedAccount, cred *store.Credential) (*store.Credential, error) {
	if cred.ExpiresAt == nil || o.now().Add(refreshSkew).Before(*cred.ExpiresAt) {
		return cred, nil
	}

	refresher, ok := client.(provider.Refresher)
	if !ok || cred.RefreshToken == nil {
		return nil, fmt.Errorf("access token expired and %s does not support refresh: user must reconnect", acc.Provider)
	}

	refreshCtx, cancel := context.WithTimeout(ctx, o.requestTimeout)
	defer cancel()

	refreshStart := o.now()
	tokens, err := refresher.RefreshAccessToken(refreshCtx, *cred.RefreshToken)
	metrics.ObserveProviderRequest(acc.Provider, "refresh", o.now().Sub(refreshStart))
	if err != nil {
		return nil, fmt.Errorf("refresh token: %w", err)
	}

	scopes := tokens.Scopes
	if scopes == nil {
		scopes = cred.Scopes
	}
	if err := o.creds.Put(ctx, acc.ID, tokens.AccessToken, tokens.RefreshToken, tokens.ExpiresAt, scopes); err != nil {
		return nil, fmt.Errorf("store refreshed credential: %w", err)
	}

	return &store.Credential{
		AccountID:    acc.ID,
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		ExpiresAt:    tokens.ExpiresAt,
		Scopes:       scopes,
	}, nil
}

// recordFailure updates health state, bumps metrics, and writes a
// best-effort audit entry. It never propagates errors.
func (o *Orchestrator) recordFailure(ctx context.Context, acc *store.LinkedAccount, cause error) {
	metrics.ObserveSyncOutcome(acc.Provider, "failed")
	log.Printf("[ERROR] sync failed for account %d (%s): %v", acc.ID, acc.Provider, cause)

	if err := o.tracker.RecordFailure(ctx, acc, cause.Error()); err != nil {
		log.Printf("[WARN] failed to record sync failure for account %d: %v", acc.ID, err)
	}

	entry := store.AuditEntry{
		ID:        uuid.NewString(),
		AccountID: &acc.ID,
		UserID:    &acc.UserID,
		Provider:  acc.Provider,
		Stage:     "sync",
		Message:   cause.Error(),
	}
	if err := o.audit.Write(ctx, entry); err != nil {
		log.Printf("[WARN] failed to write audit entry for account %d: %v", acc.ID, err)
	}
}
