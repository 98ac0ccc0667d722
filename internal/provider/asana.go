package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"

	"gitea.jw6.us/james/taskmirror/internal/config"
)

const (
	asanaAuthorizeURL  = "https://app.asana.com/-/oauth_authorize"
	asanaTokenURL      = "https://app.asana.com/-/oauth_token"
	asanaDefaultAPIURL = "https://app.asana.com/api/1.0"
	asanaDefaultScopes = "default"
)

// Asana syncs the user's assigned incomplete tasks. Asana issues short-lived
// access tokens with refresh tokens and requires PKCE on the authorization
// flow.
type Asana struct {
	conf   *oauth2.Config
	client *http.Client

	// APIBaseURL is overridable for tests.
	APIBaseURL string
}

func NewAsana(app config.OAuthApp, client *http.Client) *Asana {
	return &Asana{
		conf: &oauth2.Config{
			ClientID:     app.ClientID,
			ClientSecret: app.ClientSecret,
			Endpoint: oauth2.Endpoint{
				AuthURL:  asanaAuthorizeURL,
				TokenURL: asanaTokenURL,
			},
			Scopes: []string{asanaDefaultScopes},
		},
		client:     client,
		APIBaseURL: asanaDefaultAPIURL,
	}
}

func (a *Asana) Name() string   { return "asana" }
func (a *Asana) Scope() string  { return "my_tasks" }
func (a *Asana) UsesPKCE() bool { return true }

// SetTokenURL points the token endpoint at a test server.
func (a *Asana) SetTokenURL(u string) { a.conf.Endpoint.TokenURL = u }

func (a *Asana) AuthorizationURL(redirectURI, state, challenge string) string {
	conf := *a.conf
	conf.RedirectURL = redirectURI
	return conf.AuthCodeURL(state,
		oauth2.SetAuthURLParam("code_challenge", challenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	)
}

func (a *Asana) ExchangeCode(ctx context.Context, code, redirectURI, verifier string) (*TokenSet, *Identity, error) {
	conf := *a.conf
	conf.RedirectURL = redirectURI

	ctx = context.WithValue(ctx, oauth2.HTTPClient, a.client)
	tok, err := conf.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, nil, asanaExchangeError(err)
	}

	tokens := asanaTokenSet(tok)

	// The token response embeds the authorizing user under "data".
	gid, name := asanaTokenIdentity(tok)
	if gid == "" {
		return nil, nil, &ExchangeError{Provider: "asana", Reason: "token response missing user data"}
	}

	// Task listing needs a workspace; capture the user's first workspace now
	// so scheduled fetches never have to rediscover it.
	workspaceGID, workspaceName, err := a.fetchDefaultWorkspace(ctx, tok.AccessToken)
	if err != nil {
		return nil, nil, err
	}

	identity := &Identity{
		ExternalAccountID: gid,
		DisplayName:       name,
		Meta: map[string]string{
			"workspace_gid":  workspaceGID,
			"workspace_name": workspaceName,
		},
	}
	return tokens, identity, nil
}

// RefreshAccessToken exchanges a refresh token for a new access token.
func (a *Asana) RefreshAccessToken(ctx context.Context, refreshToken string) (*TokenSet, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, a.client)
	src := a.conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, asanaExchangeError(err)
	}
	tokens := asanaTokenSet(tok)
	if tokens.RefreshToken == nil {
		// Asana keeps the original refresh token valid when it does not
		// rotate it; preserve it for the caller.
		tokens.RefreshToken = &refreshToken
	}
	return tokens, nil
}

func asanaTokenSet(tok *oauth2.Token) *TokenSet {
	ts := &TokenSet{AccessToken: tok.AccessToken}
	if tok.RefreshToken != "" {
		ts.RefreshToken = ptr(tok.RefreshToken)
	}
	if !tok.Expiry.IsZero() {
		expiry := tok.Expiry.UTC()
		ts.ExpiresAt = &expiry
	}
	return ts
}

func asanaTokenIdentity(tok *oauth2.Token) (gid, name string) {
	data, ok := tok.Extra("data").(map[string]any)
	if !ok {
		return "", ""
	}
	gid, _ = data["gid"].(string)
	if gid == "" {
		if id, ok := data["id"].(string); ok {
			gid = id
		}
	}
	name, _ = data["name"].(string)
	return gid, name
}

func asanaExchangeError(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		status := 0
		if retrieveErr.Response != nil {
			status = retrieveErr.Response.StatusCode
		}
		return &ExchangeError{Provider: "asana", Status: status, Reason: string(retrieveErr.Body)}
	}
	return &ExchangeError{Provider: "asana", Reason: err.Error()}
}

type asanaUserResponse struct {
	Data struct {
		GID        string `json:"gid"`
		Name       string `json:"name"`
		Workspaces []struct {
			GID  string `json:"gid"`
			Name string `json:"name"`
		} `json:"workspaces"`
	} `json:"data"`
}

func (a *Asana) fetchDefaultWorkspace(ctx context.Context, accessToken string) (gid, name string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.APIBaseURL+"/users/me", nil)
	if err != nil {
		return "", "", &ExchangeError{Provider: "asana", Reason: err.Error()}
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := a.client.Do(req)
	if err != nil {
		return "", "", &ExchangeError{Provider: "asana", Reason: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", "", &ExchangeError{Provider: "asana", Status: resp.StatusCode, Reason: string(raw)}
	}

	var out asanaUserResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", "", &ExchangeError{Provider: "asana", Reason: "malformed response: " + err.Error()}
	}
	if len(out.Data.Workspaces) == 0 {
		return "", "", &ExchangeError{Provider: "asana", Reason: "user has no workspaces"}
	}
	return out.Data.Workspaces[0].GID, out.Data.Workspaces[0].Name, nil
}

type asanaTasksResponse struct {
	Data     []asanaTask `json:"data"`
	NextPage *struct {
		Offset string `json:"offset"`
	} `json:"next_page"`
}

type asanaTask struct {
	GID          string     `json:"gid"`
	Name         string     `json:"name"`
	Notes        string     `json:"notes"`
	Completed    bool       `json:"completed"`
	DueOn        string     `json:"due_on"`
	DueAt        *time.Time `json:"due_at"`
	ModifiedAt   *time.Time `json:"modified_at"`
	PermalinkURL string     `json:"permalink_url"`
}

func (a *Asana) FetchRecent(ctx context.Context, freq FetchRequest) (*FetchResult, error) {
	workspace := freq.Meta["workspace_gid"]
	if workspace == "" {
		return nil, &RequestError{Provider: "asana", Body: "linked account is missing workspace_gid metadata"}
	}

	q := url.Values{}
	q.Set("assignee", "me")
	q.Set("workspace", workspace)
	q.Set("completed_since", "now")
	q.Set("opt_fields", "name,notes,completed,due_on,due_at,modified_at,permalink_url")
	q.Set("limit", "50")
	if freq.Cursor != nil && *freq.Cursor != "" {
		q.Set("offset", *freq.Cursor)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.APIBaseURL+"/tasks?"+q.Encode(), nil)
	if err != nil {
		return nil, &RequestError{Provider: "asana", Body: err.Error()}
	}
	req.Header.Set("Authorization", "Bearer "+freq.AccessToken)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, &RequestError{Provider: "asana", Body: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &RequestError{Provider: "asana", Status: resp.StatusCode, Body: string(raw)}
	}

	var out asanaTasksResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &RequestError{Provider: "asana", Status: resp.StatusCode, Body: "malformed response: " + err.Error()}
	}

	items := make([]Item, 0, len(out.Data))
	for _, task := range out.Data {
		item := Item{
			Type:       "task",
			ExternalID: task.GID,
			URL:        task.PermalinkURL,
		}
		if task.Name != "" {
			item.Title = ptr(task.Name)
		}
		if task.Notes != "" {
			item.Summary = ptr(task.Notes)
		}
		status := "active"
		if task.Completed {
			status = "completed"
		}
		item.Status = ptr(status)
		if task.DueAt != nil {
			item.DueAt = task.DueAt
		} else if task.DueOn != "" {
			if due, err := time.Parse("2006-01-02", task.DueOn); err == nil {
				item.DueAt = &due
			}
		}
		item.OccurredAt = task.ModifiedAt
		if raw, err := json.Marshal(task); err == nil {
			item.Raw = raw
		}
		items = append(items, item)
	}

	result := &FetchResult{Items: items}
	if out.NextPage != nil && out.NextPage.Offset != "" {
		result.NextCursor = &out.NextPage.Offset
	}
	return result, nil
}
