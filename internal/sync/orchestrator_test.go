package sync

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"gitea.jw6.us/james/taskmirror/internal/provider"
	"gitea.jw6.us/james/taskmirror/internal/store"
)

func newTestOrchestrator(
	repo *fakeAccountRepo,
	cursors *fakeCursorRepo,
	audit *fakeAuditRepo,
	creds *fakeCreds,
	items *fakeItemRepo,
	clients ...provider.Client,
) *Orchestrator {
	st := &store.Store{
		LinkedAccounts: repo,
		Cursors:        cursors,
		AuditLog:       audit,
	}
	tracker := NewTracker(repo, 5*time.Minute, 6*time.Hour)
	return NewOrchestrator(st, creds, provider.NewRegistry(clients...), tracker, NewIngestor(items), 5000, 30*time.Second)
}

func dueAccount(id, userID int64, providerName string) store.LinkedAccount {
	return store.LinkedAccount{
		ID:                id,
		UserID:            userID,
		Provider:          providerName,
		ExternalAccountID: fmt.Sprintf("ext-%d", id),
	}
}

func freshCred(accountID int64) *store.Credential {
	return &store.Credential{AccountID: accountID, AccessToken: fmt.Sprintf("token-%d", accountID)}
}

func TestRunIsolatesAccountFailures(t *testing.T) {
	// Ten due accounts; accounts 3, 6, and 9 fail. The pass completes and
	// every other account still syncs.
	var accounts []store.LinkedAccount
	var creds []*store.Credential
	for i := int64(1); i <= 10; i++ {
		accounts = append(accounts, dueAccount(i, i, "slack"))
		creds = append(creds, freshCred(i))
	}
	repo := newFakeAccountRepo(accounts...)
	items := newFakeItemRepo()

	client := &fakeClient{name: "slack", scope: "mentions"}
	client.fetch = func(req provider.FetchRequest) (*provider.FetchResult, error) {
		switch req.AccessToken {
		case "token-3", "token-6", "token-9":
			return nil, errors.New("slack: rate_limited")
		}
		return &provider.FetchResult{Items: []provider.Item{
			{Type: "mention", ExternalID: req.ExternalAccountID, URL: "https://slack.test"},
		}}, nil
	}

	audit := &fakeAuditRepo{}
	orc := newTestOrchestrator(repo, newFakeCursorRepo(), audit, newFakeCreds(creds...), items, client)

	summary, err := orc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if summary.Attempted != 10 || summary.Success != 7 || summary.Failed != 3 || summary.SkippedBackoff != 0 {
		t.Errorf("summary = %+v, want attempted=10 success=7 failed=3 skipped=0", summary)
	}
	if len(items.rows) != 7 {
		t.Errorf("ingested %d items, want 7", len(items.rows))
	}
	if len(audit.entries) != 3 {
		t.Errorf("wrote %d audit entries, want 3", len(audit.entries))
	}
	for _, entry := range audit.entries {
		if entry.Stage != "sync" || entry.Provider != "slack" || entry.ID == "" {
			t.Errorf("malformed audit entry: %+v", entry)
		}
	}

	// Failed accounts entered backoff; successful ones stayed eligible.
	for _, acc := range repo.accounts {
		failed := acc.ID == 3 || acc.ID == 6 || acc.ID == 9
		if failed && acc.ConsecutiveFailures != 1 {
			t.Errorf("account %d: ConsecutiveFailures = %d, want 1", acc.ID, acc.ConsecutiveFailures)
		}
		if !failed && acc.ConsecutiveFailures != 0 {
			t.Errorf("account %d: ConsecutiveFailures = %d, want 0", acc.ID, acc.ConsecutiveFailures)
		}
	}
}

func TestRunSkipsAccountsInBackoff(t *testing.T) {
	future := time.Now().Add(time.Hour)
	healthy := dueAccount(1, 1, "slack")
	backedOff := dueAccount(2, 2, "slack")
	backedOff.ConsecutiveFailures = 2
	backedOff.NextAttemptAt = future

	repo := newFakeAccountRepo(healthy, backedOff)
	client := &fakeClient{name: "slack", scope: "mentions"}
	orc := newTestOrchestrator(repo, newFakeCursorRepo(), &fakeAuditRepo{}, newFakeCreds(freshCred(1), freshCred(2)), newFakeItemRepo(), client)

	summary, err := orc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Attempted != 1 || summary.SkippedBackoff != 1 || summary.Success != 1 {
		t.Errorf("summary = %+v, want attempted=1 skipped=1 success=1", summary)
	}
	if client.fetchCalls != 1 {
		t.Errorf("provider called %d times, want 1", client.fetchCalls)
	}
}

func TestRunZeroItemsIsSuccess(t *testing.T) {
	repo := newFakeAccountRepo(dueAccount(1, 1, "notion"))
	client := &fakeClient{name: "notion", scope: "pages"}

	orc := newTestOrchestrator(repo, newFakeCursorRepo(), &fakeAuditRepo{}, newFakeCreds(freshCred(1)), newFakeItemRepo(), client)

	summary, err := orc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Success != 1 || summary.Failed != 0 {
		t.Errorf("summary = %+v, want one success", summary)
	}
	if repo.accounts[0].LastSuccessAt == nil {
		t.Error("zero fetched items must still record a successful sync")
	}
}

func TestRunMissingCredentialIsFailure(t *testing.T) {
	repo := newFakeAccountRepo(dueAccount(1, 1, "slack"))
	client := &fakeClient{name: "slack", scope: "mentions"}
	audit := &fakeAuditRepo{}

	orc := newTestOrchestrator(repo, newFakeCursorRepo(), audit, newFakeCreds(), newFakeItemRepo(), client)

	summary, err := orc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Failed != 1 {
		t.Errorf("summary = %+v, want one failure", summary)
	}
	if client.fetchCalls != 0 {
		t.Error("provider must not be called without a credential")
	}
	if repo.accounts[0].LastError == nil {
		t.Fatal("LastError not recorded")
	}
	if len(audit.entries) != 1 {
		t.Fatalf("wrote %d audit entries, want 1", len(audit.entries))
	}
}

func TestRunPassesAndStoresCursor(t *testing.T) {
	repo := newFakeAccountRepo(dueAccount(1, 1, "notion"))
	cursors := newFakeCursorRepo()
	stored := "cursor-from-last-pass"
	cursors.cursors[cursorKey(1, "pages")] = &stored

	var seen *string
	next := "cursor-for-next-pass"
	client := &fakeClient{name: "notion", scope: "pages"}
	client.fetch = func(req provider.FetchRequest) (*provider.FetchResult, error) {
		seen = req.Cursor
		return &provider.FetchResult{NextCursor: &next}, nil
	}

	orc := newTestOrchestrator(repo, cursors, &fakeAuditRepo{}, newFakeCreds(freshCred(1)), newFakeItemRepo(), client)
	if _, err := orc.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if seen == nil || *seen != stored {
		t.Errorf("provider saw cursor %v, want %q", seen, stored)
	}
	got := cursors.cursors[cursorKey(1, "pages")]
	if got == nil || *got != next {
		t.Errorf("stored cursor %v, want %q", got, next)
	}
}

func TestRunRefreshesExpiringToken(t *testing.T) {
	repo := newFakeAccountRepo(dueAccount(1, 1, "asana"))
	soon := time.Now().Add(30 * time.Second)
	refresh := "refresh-1"
	creds := newFakeCreds(&store.Credential{
		AccountID:    1,
		AccessToken:  "stale",
		RefreshToken: &refresh,
		ExpiresAt:    &soon,
	})

	var fetchedWith string
	client := &fakeClient{name: "asana", scope: "my_tasks"}
	client.refresh = func(refreshToken string) (*provider.TokenSet, error) {
		if refreshToken != refresh {
			t.Errorf("refresh called with %q", refreshToken)
		}
		later := time.Now().Add(time.Hour)
		return &provider.TokenSet{AccessToken: "fresh", RefreshToken: &refresh, ExpiresAt: &later}, nil
	}
	client.fetch = func(req provider.FetchRequest) (*provider.FetchResult, error) {
		fetchedWith = req.AccessToken
		return &provider.FetchResult{}, nil
	}

	orc := newTestOrchestrator(repo, newFakeCursorRepo(), &fakeAuditRepo{}, creds, newFakeItemRepo(), client)
	summary, err := orc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Success != 1 {
		t.Fatalf("summary = %+v, want one success", summary)
	}
	if fetchedWith != "fresh" {
		t.Errorf("fetch used token %q, want the refreshed one", fetchedWith)
	}
	if creds.puts != 1 || creds.creds[1].AccessToken != "fresh" {
		t.Error("refreshed credential was not persisted")
	}
}

func TestRunForUser(t *testing.T) {
	repo := newFakeAccountRepo(
		dueAccount(1, 7, "slack"),
		dueAccount(2, 7, "notion"),
		dueAccount(3, 8, "slack"),
	)
	// Account 1 is deep in backoff; manual sync ignores that.
	repo.accounts[0].ConsecutiveFailures = 5
	repo.accounts[0].NextAttemptAt = time.Now().Add(3 * time.Hour)

	slack := &fakeClient{name: "slack", scope: "mentions"}
	slack.fetch = func(req provider.FetchRequest) (*provider.FetchResult, error) {
		return &provider.FetchResult{Items: []provider.Item{
			{Type: "mention", ExternalID: "m1", URL: "u"},
			{Type: "mention", ExternalID: "m2", URL: "u"},
		}}, nil
	}
	notion := &fakeClient{name: "notion", scope: "pages"}

	orc := newTestOrchestrator(repo, newFakeCursorRepo(), &fakeAuditRepo{}, newFakeCreds(freshCred(1), freshCred(2), freshCred(3)), newFakeItemRepo(), slack, notion)

	imported, err := orc.RunForUser(context.Background(), 7, "slack")
	if err != nil {
		t.Fatalf("RunForUser: %v", err)
	}
	if imported != 2 {
		t.Errorf("imported = %d, want 2", imported)
	}
	if slack.fetchCalls != 1 {
		t.Errorf("slack fetched %d times, want 1: other users' accounts excluded", slack.fetchCalls)
	}
	if notion.fetchCalls != 0 {
		t.Error("notion must not be fetched for a slack manual sync")
	}
	if repo.accounts[0].ConsecutiveFailures != 0 {
		t.Error("manual success must reset backoff state")
	}
}

func TestRunForUserUnknownProvider(t *testing.T) {
	repo := newFakeAccountRepo(dueAccount(1, 7, "slack"))
	orc := newTestOrchestrator(repo, newFakeCursorRepo(), &fakeAuditRepo{}, newFakeCreds(freshCred(1)), newFakeItemRepo(), &fakeClient{name: "slack", scope: "mentions"})

	_, err := orc.RunForUser(context.Background(), 7, "jira")
	if !errors.Is(err, provider.ErrUnknown) {
		t.Errorf("got %v, want ErrUnknown", err)
	}
}

func TestRunForUserNoAccounts(t *testing.T) {
	repo := newFakeAccountRepo(dueAccount(1, 7, "notion"))
	orc := newTestOrchestrator(repo, newFakeCursorRepo(), &fakeAuditRepo{}, newFakeCreds(freshCred(1)), newFakeItemRepo(),
		&fakeClient{name: "slack", scope: "mentions"}, &fakeClient{name: "notion", scope: "pages"})

	_, err := orc.RunForUser(context.Background(), 7, "slack")
	if !errors.Is(err, ErrNoLinkedAccounts) {
		t.Errorf("got %v, want ErrNoLinkedAccounts", err)
	}
}

func TestRunForUserReportsFetchError(t *testing.T) {
	repo := newFakeAccountRepo(dueAccount(1, 7, "slack"))
	client := &fakeClient{name: "slack", scope: "mentions"}
	fetchErr := errors.New("slack: token_revoked")
	client.fetch = func(req provider.FetchRequest) (*provider.FetchResult, error) {
		return nil, fetchErr
	}

	orc := newTestOrchestrator(repo, newFakeCursorRepo(), &fakeAuditRepo{}, newFakeCreds(freshCred(1)), newFakeItemRepo(), client)
	_, err := orc.RunForUser(context.Background(), 7, "slack")
	if !errors.Is(err, fetchErr) {
		t.Errorf("got %v, want the fetch error", err)
	}
	if repo.accounts[0].ConsecutiveFailures != 1 {
		t.Error("manual failure must still update health state")
	}
}

func TestRunForUserZeroItemSuccessBeatsSiblingFailure(t *testing.T) {
	// Two slack accounts: one succeeds with an empty window, the other
	// fails. The run succeeded for the first account, so no error surfaces.
	repo := newFakeAccountRepo(
		dueAccount(1, 7, "slack"),
		dueAccount(2, 7, "slack"),
	)
	client := &fakeClient{name: "slack", scope: "mentions"}
	client.fetch = func(req provider.FetchRequest) (*provider.FetchResult, error) {
		if req.ExternalAccountID == "ext-2" {
			return nil, errors.New("slack: token_revoked")
		}
		return &provider.FetchResult{}, nil
	}

	orc := newTestOrchestrator(repo, newFakeCursorRepo(), &fakeAuditRepo{}, newFakeCreds(freshCred(1), freshCred(2)), newFakeItemRepo(), client)
	imported, err := orc.RunForUser(context.Background(), 7, "slack")
	if err != nil {
		t.Fatalf("RunForUser: %v", err)
	}
	if imported != 0 {
		t.Errorf("imported = %d, want 0", imported)
	}
	if repo.accounts[0].LastSuccessAt == nil {
		t.Error("empty-window success not recorded")
	}
	if repo.accounts[1].ConsecutiveFailures != 1 {
		t.Error("sibling failure must still update health state")
	}
}
