package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"gitea.jw6.us/james/taskmirror/internal/config"
)

const (
	notionAuthorizeURL  = "https://api.notion.com/v1/oauth/authorize"
	notionDefaultAPIURL = "https://api.notion.com"
	notionVersion       = "2022-06-28"
)

// Notion syncs recently edited pages via the workspace search endpoint.
// Notion integration tokens do not expire and no refresh token is issued.
type Notion struct {
	app    config.OAuthApp
	client *http.Client

	// APIBaseURL is overridable for tests.
	APIBaseURL string
}

func NewNotion(app config.OAuthApp, client *http.Client) *Notion {
	return &Notion{app: app, client: client, APIBaseURL: notionDefaultAPIURL}
}

func (n *Notion) Name() string  { return "notion" }
func (n *Notion) Scope() string { return "pages" }

func (n *Notion) AuthorizationURL(redirectURI, state, _ string) string {
	q := url.Values{}
	q.Set("client_id", n.app.ClientID)
	q.Set("response_type", "code")
	q.Set("owner", "user")
	q.Set("redirect_uri", redirectURI)
	q.Set("state", state)
	return notionAuthorizeURL + "?" + q.Encode()
}

type notionOAuthResponse struct {
	AccessToken   string `json:"access_token"`
	WorkspaceID   string `json:"workspace_id"`
	WorkspaceName string `json:"workspace_name"`
	BotID         string `json:"bot_id"`
}

func (n *Notion) ExchangeCode(ctx context.Context, code, redirectURI, _ string) (*TokenSet, *Identity, error) {
	body, err := json.Marshal(map[string]string{
		"grant_type":   "authorization_code",
		"code":         code,
		"redirect_uri": redirectURI,
	})
	if err != nil {
		return nil, nil, &ExchangeError{Provider: "notion", Reason: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.APIBaseURL+"/v1/oauth/token", bytes.NewReader(body))
	if err != nil {
		return nil, nil, &ExchangeError{Provider: "notion", Reason: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(n.app.ClientID, n.app.ClientSecret)

	resp, err := n.client.Do(req)
	if err != nil {
		return nil, nil, &ExchangeError{Provider: "notion", Reason: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, nil, &ExchangeError{Provider: "notion", Status: resp.StatusCode, Reason: string(raw)}
	}

	var out notionOAuthResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, nil, &ExchangeError{Provider: "notion", Reason: "malformed response: " + err.Error()}
	}
	if out.AccessToken == "" || out.WorkspaceID == "" {
		return nil, nil, &ExchangeError{Provider: "notion", Reason: "response missing token or workspace id"}
	}

	identity := &Identity{
		ExternalAccountID: out.WorkspaceID,
		DisplayName:       out.WorkspaceName,
		Meta: map[string]string{
			"workspace_name": out.WorkspaceName,
			"bot_id":         out.BotID,
		},
	}
	return &TokenSet{AccessToken: out.AccessToken}, identity, nil
}

type notionSearchResponse struct {
	Results    []json.RawMessage `json:"results"`
	NextCursor *string           `json:"next_cursor"`
	HasMore    bool              `json:"has_more"`
}

type notionPage struct {
	Object         string                     `json:"object"`
	ID             string                     `json:"id"`
	URL            string                     `json:"url"`
	LastEditedTime time.Time                  `json:"last_edited_time"`
	Archived       bool                       `json:"archived"`
	Properties     map[string]notionPropValue `json:"properties"`
}

type notionPropValue struct {
	Type  string `json:"type"`
	Title []struct {
		PlainText string `json:"plain_text"`
	} `json:"title"`
}

func (n *Notion) FetchRecent(ctx context.Context, freq FetchRequest) (*FetchResult, error) {
	payload := map[string]any{
		"sort":      map[string]string{"direction": "descending", "timestamp": "last_edited_time"},
		"page_size": 50,
	}
	if freq.Cursor != nil && *freq.Cursor != "" {
		payload["start_cursor"] = *freq.Cursor
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &RequestError{Provider: "notion", Body: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.APIBaseURL+"/v1/search", bytes.NewReader(body))
	if err != nil {
		return nil, &RequestError{Provider: "notion", Body: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+freq.AccessToken)
	req.Header.Set("Notion-Version", notionVersion)

	resp, err := n.client.Do(req)
	if err != nil {
		return nil, &RequestError{Provider: "notion", Body: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &RequestError{Provider: "notion", Status: resp.StatusCode, Body: string(raw)}
	}

	var out notionSearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &RequestError{Provider: "notion", Status: resp.StatusCode, Body: "malformed response: " + err.Error()}
	}

	var items []Item
	for _, raw := range out.Results {
		var page notionPage
		if err := json.Unmarshal(raw, &page); err != nil || page.Object != "page" || page.Archived {
			continue
		}
		item := Item{
			Type:       "page",
			ExternalID: page.ID,
			URL:        page.URL,
			Raw:        raw,
		}
		if title := notionPageTitle(page.Properties); title != "" {
			item.Title = ptr(title)
		}
		edited := page.LastEditedTime
		if !edited.IsZero() {
			item.OccurredAt = &edited
		}
		items = append(items, item)
	}

	result := &FetchResult{Items: items}
	if out.HasMore && out.NextCursor != nil && *out.NextCursor != "" {
		result.NextCursor = out.NextCursor
	}
	return result, nil
}

// notionPageTitle finds the title property; its key varies per database.
func notionPageTitle(props map[string]notionPropValue) string {
	for _, prop := range props {
		if prop.Type != "title" {
			continue
		}
		title := ""
		for _, part := range prop.Title {
			title += part.PlainText
		}
		return title
	}
	return ""
}
