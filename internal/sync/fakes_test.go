package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gitea.jw6.us/james/taskmirror/internal/provider"
	"gitea.jw6.us/james/taskmirror/internal/store"
)

// fakeAccountRepo implements store.LinkedAccountRepository in memory.
type fakeAccountRepo struct {
	accounts  []store.LinkedAccount
	healthErr error
	patches   map[int64]store.HealthPatch
}

func newFakeAccountRepo(accounts ...store.LinkedAccount) *fakeAccountRepo {
	return &fakeAccountRepo{accounts: accounts, patches: map[int64]store.HealthPatch{}}
}

func (f *fakeAccountRepo) Upsert(ctx context.Context, acc store.LinkedAccount) (*store.LinkedAccount, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeAccountRepo) GetByID(ctx context.Context, id int64) (*store.LinkedAccount, error) {
	for i := range f.accounts {
		if f.accounts[i].ID == id {
			return &f.accounts[i], nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeAccountRepo) ListByUser(ctx context.Context, userID int64) ([]store.LinkedAccount, error) {
	var out []store.LinkedAccount
	for _, acc := range f.accounts {
		if acc.UserID == userID && acc.DisconnectedAt == nil {
			out = append(out, acc)
		}
	}
	return out, nil
}

func (f *fakeAccountRepo) ListDue(ctx context.Context, cutoff time.Time, providerName string, limit int) ([]store.LinkedAccount, error) {
	var out []store.LinkedAccount
	for _, acc := range f.accounts {
		if acc.DisconnectedAt != nil {
			continue
		}
		if providerName != "" && acc.Provider != providerName {
			continue
		}
		if !cutoff.IsZero() && acc.NextAttemptAt.After(cutoff) {
			continue
		}
		out = append(out, acc)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeAccountRepo) UpdateHealth(ctx context.Context, id int64, patch store.HealthPatch) error {
	if f.healthErr != nil {
		return f.healthErr
	}
	f.patches[id] = patch
	for i := range f.accounts {
		if f.accounts[i].ID == id {
			f.accounts[i].ConsecutiveFailures = patch.ConsecutiveFailures
			f.accounts[i].NextAttemptAt = patch.NextAttemptAt
			if patch.LastSuccessAt != nil {
				f.accounts[i].LastSuccessAt = patch.LastSuccessAt
			}
			f.accounts[i].LastError = patch.LastError
		}
	}
	return nil
}

func (f *fakeAccountRepo) MarkDisconnected(ctx context.Context, id int64) error {
	now := time.Now()
	for i := range f.accounts {
		if f.accounts[i].ID == id {
			f.accounts[i].DisconnectedAt = &now
			return nil
		}
	}
	return store.ErrNotFound
}

func (f *fakeAccountRepo) Delete(ctx context.Context, id int64) error {
	for i := range f.accounts {
		if f.accounts[i].ID == id {
			f.accounts = append(f.accounts[:i], f.accounts[i+1:]...)
			return nil
		}
	}
	return store.ErrNotFound
}

// fakeCursorRepo implements store.CursorRepository in memory.
type fakeCursorRepo struct {
	cursors map[string]*string
	puts    int
}

func newFakeCursorRepo() *fakeCursorRepo {
	return &fakeCursorRepo{cursors: map[string]*string{}}
}

func cursorKey(accountID int64, scope string) string {
	return fmt.Sprintf("%d/%s", accountID, scope)
}

func (f *fakeCursorRepo) Get(ctx context.Context, accountID int64, scope string) (*store.SyncCursor, error) {
	c, ok := f.cursors[cursorKey(accountID, scope)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &store.SyncCursor{AccountID: accountID, Scope: scope, Cursor: c}, nil
}

func (f *fakeCursorRepo) Put(ctx context.Context, accountID int64, scope string, cursor *string) error {
	f.cursors[cursorKey(accountID, scope)] = cursor
	f.puts++
	return nil
}

// fakeAuditRepo implements store.AuditLogRepository in memory.
type fakeAuditRepo struct {
	entries []store.AuditEntry
}

func (f *fakeAuditRepo) Write(ctx context.Context, entry store.AuditEntry) error {
	f.entries = append(f.entries, entry)
	return nil
}

func (f *fakeAuditRepo) ListRecent(ctx context.Context, limit int) ([]store.AuditEntry, error) {
	return f.entries, nil
}

// fakeItemRepo implements store.ExternalItemRepository, keyed the same way
// the database is.
type fakeItemRepo struct {
	rows map[itemKey]store.ExternalItem
	err  error
}

type itemKey struct {
	userID     int64
	provider   string
	itemType   string
	externalID string
}

func newFakeItemRepo() *fakeItemRepo {
	return &fakeItemRepo{rows: map[itemKey]store.ExternalItem{}}
}

func (f *fakeItemRepo) UpsertBatch(ctx context.Context, items []store.ExternalItem) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	for _, item := range items {
		f.rows[itemKey{item.UserID, item.Provider, item.ItemType, item.ExternalID}] = item
	}
	return len(items), nil
}

func (f *fakeItemRepo) ListByUser(ctx context.Context, userID int64, limit int) ([]store.ExternalItem, error) {
	var out []store.ExternalItem
	for _, item := range f.rows {
		if item.UserID == userID {
			out = append(out, item)
		}
	}
	return out, nil
}

// fakeCreds implements CredentialSource in memory.
type fakeCreds struct {
	creds map[int64]*store.Credential
	puts  int
}

func newFakeCreds(creds ...*store.Credential) *fakeCreds {
	m := map[int64]*store.Credential{}
	for _, c := range creds {
		m[c.AccountID] = c
	}
	return &fakeCreds{creds: m}
}

func (f *fakeCreds) Get(ctx context.Context, accountID int64) (*store.Credential, error) {
	c, ok := f.creds[accountID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return c, nil
}

func (f *fakeCreds) Put(ctx context.Context, accountID int64, accessToken string, refreshToken *string, expiresAt *time.Time, scopes []string) error {
	f.creds[accountID] = &store.Credential{
		AccountID:    accountID,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    expiresAt,
		Scopes:       scopes,
	}
	f.puts++
	return nil
}

// fakeClient is a scriptable provider.Client.
type fakeClient struct {
	name       string
	scope      string
	fetch      func(req provider.FetchRequest) (*provider.FetchResult, error)
	refresh    func(refreshToken string) (*provider.TokenSet, error)
	fetchCalls int
}

func (f *fakeClient) Name() string  { return f.name }
func (f *fakeClient) Scope() string { return f.scope }

func (f *fakeClient) AuthorizationURL(redirectURI, state, challenge string) string {
	return "https://example.test/authorize?state=" + state
}

func (f *fakeClient) ExchangeCode(ctx context.Context, code, redirectURI, verifier string) (*provider.TokenSet, *provider.Identity, error) {
	return nil, nil, errors.New("not implemented")
}

func (f *fakeClient) FetchRecent(ctx context.Context, req provider.FetchRequest) (*provider.FetchResult, error) {
	f.fetchCalls++
	if f.fetch == nil {
		return &provider.FetchResult{}, nil
	}
	return f.fetch(req)
}

func (f *fakeClient) RefreshAccessToken(ctx context.Context, refreshToken string) (*provider.TokenSet, error) {
	if f.refresh == nil {
		return nil, errors.New("refresh not scripted")
	}
	return f.refresh(refreshToken)
}
