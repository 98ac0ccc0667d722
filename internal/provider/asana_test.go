package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"gitea.jw6.us/james/taskmirror/internal/config"
)

// newTestAsana wires both the OAuth token endpoint and the REST API at one
// test server.
func newTestAsana(t *testing.T, handler http.Handler) *Asana {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	a := NewAsana(config.OAuthApp{ClientID: "cid", ClientSecret: "secret"}, srv.Client())
	a.APIBaseURL = srv.URL
	a.SetTokenURL(srv.URL + "/-/oauth_token")
	return a
}

func TestAsanaAuthorizationURLCarriesPKCE(t *testing.T) {
	a := NewAsana(config.OAuthApp{ClientID: "cid"}, http.DefaultClient)
	if !a.UsesPKCE() {
		t.Fatal("asana must require PKCE")
	}

	u, err := url.Parse(a.AuthorizationURL("https://app.test/cb", "state123", "challenge456"))
	if err != nil {
		t.Fatal(err)
	}
	q := u.Query()
	if q.Get("code_challenge") != "challenge456" || q.Get("code_challenge_method") != "S256" {
		t.Errorf("authorization url missing PKCE params: %s", u)
	}
	if q.Get("state") != "state123" || q.Get("client_id") != "cid" {
		t.Errorf("authorization url missing state or client id: %s", u)
	}
}

func TestAsanaExchangeCode(t *testing.T) {
	var gotVerifier string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/-/oauth_token":
			if err := r.ParseForm(); err != nil {
				t.Fatal(err)
			}
			gotVerifier = r.Form.Get("code_verifier")
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{
				"access_token": "asana-access",
				"refresh_token": "asana-refresh",
				"token_type": "bearer",
				"expires_in": 3600,
				"data": {"gid": "user-1", "name": "Jane Doe"}
			}`))
		case "/users/me":
			if r.Header.Get("Authorization") != "Bearer asana-access" {
				t.Errorf("users/me auth = %q", r.Header.Get("Authorization"))
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{
				"data": {"gid": "user-1", "name": "Jane Doe",
					"workspaces": [{"gid": "ws-1", "name": "Acme"}, {"gid": "ws-2", "name": "Side"}]}
			}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	})

	a := newTestAsana(t, handler)
	tokens, identity, err := a.ExchangeCode(context.Background(), "the-code", "https://app.test/cb", "the-verifier")
	if err != nil {
		t.Fatalf("ExchangeCode: %v", err)
	}

	if gotVerifier != "the-verifier" {
		t.Errorf("code_verifier = %q", gotVerifier)
	}
	if tokens.AccessToken != "asana-access" {
		t.Errorf("AccessToken = %q", tokens.AccessToken)
	}
	if tokens.RefreshToken == nil || *tokens.RefreshToken != "asana-refresh" {
		t.Errorf("RefreshToken = %v", tokens.RefreshToken)
	}
	if tokens.ExpiresAt == nil {
		t.Error("ExpiresAt not set from expires_in")
	}
	if identity.ExternalAccountID != "user-1" || identity.DisplayName != "Jane Doe" {
		t.Errorf("identity = %+v", identity)
	}
	if identity.Meta["workspace_gid"] != "ws-1" {
		t.Errorf("workspace_gid = %q, want the first workspace", identity.Meta["workspace_gid"])
	}
}

func TestAsanaExchangeCodeFailure(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": "invalid_grant"}`, http.StatusBadRequest)
	})

	a := newTestAsana(t, handler)
	_, _, err := a.ExchangeCode(context.Background(), "bad", "https://app.test/cb", "v")

	var exchangeErr *ExchangeError
	if !errors.As(err, &exchangeErr) {
		t.Fatalf("got %T, want *ExchangeError", err)
	}
	if exchangeErr.Status != http.StatusBadRequest {
		t.Errorf("Status = %d", exchangeErr.Status)
	}
}

func TestAsanaRefreshAccessToken(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatal(err)
		}
		if r.Form.Get("grant_type") != "refresh_token" || r.Form.Get("refresh_token") != "old-refresh" {
			t.Errorf("form = %v", r.Form)
		}
		w.Header().Set("Content-Type", "application/json")
		// Asana does not rotate the refresh token here.
		_, _ = w.Write([]byte(`{"access_token": "new-access", "token_type": "bearer", "expires_in": 3600}`))
	})

	a := newTestAsana(t, handler)
	tokens, err := a.RefreshAccessToken(context.Background(), "old-refresh")
	if err != nil {
		t.Fatalf("RefreshAccessToken: %v", err)
	}
	if tokens.AccessToken != "new-access" {
		t.Errorf("AccessToken = %q", tokens.AccessToken)
	}
	if tokens.RefreshToken == nil || *tokens.RefreshToken != "old-refresh" {
		t.Errorf("RefreshToken = %v, want the original preserved", tokens.RefreshToken)
	}
}

func TestAsanaFetchRecent(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tasks" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("assignee") != "me" || q.Get("workspace") != "ws-1" || q.Get("completed_since") != "now" {
			t.Errorf("query = %v", q)
		}
		if q.Get("offset") != "off1" {
			t.Errorf("offset = %q", q.Get("offset"))
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"data": [
				{"gid": "t1", "name": "Write report", "notes": "due friday",
				 "completed": false, "due_on": "2025-06-06",
				 "modified_at": "2025-06-01T09:00:00Z",
				 "permalink_url": "https://app.asana.com/t1"}
			],
			"next_page": {"offset": "off2"}
		}`))
	})

	a := newTestAsana(t, handler)
	cursor := "off1"
	result, err := a.FetchRecent(context.Background(), FetchRequest{
		AccessToken: "asana-access",
		Cursor:      &cursor,
		Meta:        map[string]string{"workspace_gid": "ws-1"},
	})
	if err != nil {
		t.Fatalf("FetchRecent: %v", err)
	}

	if len(result.Items) != 1 {
		t.Fatalf("got %d items", len(result.Items))
	}
	item := result.Items[0]
	if item.Type != "task" || item.ExternalID != "t1" {
		t.Errorf("item = %+v", item)
	}
	if item.Title == nil || *item.Title != "Write report" {
		t.Errorf("Title = %v", item.Title)
	}
	if item.Status == nil || *item.Status != "active" {
		t.Errorf("Status = %v", item.Status)
	}
	if item.DueAt == nil || item.DueAt.Format("2006-01-02") != "2025-06-06" {
		t.Errorf("DueAt = %v", item.DueAt)
	}
	if result.NextCursor == nil || *result.NextCursor != "off2" {
		t.Errorf("NextCursor = %v", result.NextCursor)
	}
}

func TestAsanaFetchRecentMissingWorkspace(t *testing.T) {
	a := NewAsana(config.OAuthApp{ClientID: "cid"}, http.DefaultClient)
	_, err := a.FetchRecent(context.Background(), FetchRequest{AccessToken: "tok"})

	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("got %T, want *RequestError", err)
	}
}

func TestRegistryResolve(t *testing.T) {
	a := NewAsana(config.OAuthApp{ClientID: "cid"}, http.DefaultClient)
	n := NewNotion(config.OAuthApp{ClientID: "cid"}, http.DefaultClient)
	reg := NewRegistry(a, n)

	if got := reg.Names(); len(got) != 2 || got[0] != "asana" || got[1] != "notion" {
		t.Errorf("Names = %v", got)
	}
	if c, err := reg.Resolve("asana"); err != nil || c.Name() != "asana" {
		t.Errorf("Resolve(asana) = %v, %v", c, err)
	}
	if _, err := reg.Resolve("jira"); !errors.Is(err, ErrUnknown) {
		t.Errorf("Resolve(jira) = %v, want ErrUnknown", err)
	}
}
