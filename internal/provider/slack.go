package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"gitea.jw6.us/james/taskmirror/internal/config"
)

const (
	slackAuthorizeURL  = "https://slack.com/oauth/v2/authorize"
	slackDefaultAPIURL = "https://slack.com/api"

	// search:read on the user token is what search.messages requires.
	slackUserScopes = "search:read"
)

// Slack syncs messages mentioning the connected user. Slack user tokens are
// long-lived and the app does not opt into token rotation, so there is no
// refresh flow: a revoked token means the user must reconnect.
type Slack struct {
	app    config.OAuthApp
	client *http.Client

	// APIBaseURL is overridable for tests.
	APIBaseURL string
}

func NewSlack(app config.OAuthApp, client *http.Client) *Slack {
	return &Slack{app: app, client: client, APIBaseURL: slackDefaultAPIURL}
}

func (s *Slack) Name() string  { return "slack" }
func (s *Slack) Scope() string { return "mentions" }

func (s *Slack) AuthorizationURL(redirectURI, state, _ string) string {
	q := url.Values{}
	q.Set("client_id", s.app.ClientID)
	q.Set("user_scope", slackUserScopes)
	q.Set("redirect_uri", redirectURI)
	q.Set("state", state)
	return slackAuthorizeURL + "?" + q.Encode()
}

type slackOAuthResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
	Team  struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"team"`
	AuthedUser struct {
		ID          string `json:"id"`
		AccessToken string `json:"access_token"`
		Scope       string `json:"scope"`
	} `json:"authed_user"`
	AccessToken string `json:"access_token"`
}

func (s *Slack) ExchangeCode(ctx context.Context, code, redirectURI, _ string) (*TokenSet, *Identity, error) {
	form := url.Values{}
	form.Set("code", code)
	form.Set("redirect_uri", redirectURI)
	form.Set("client_id", s.app.ClientID)
	form.Set("client_secret", s.app.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.APIBaseURL+"/oauth.v2.access", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, nil, &ExchangeError{Provider: "slack", Reason: err.Error()}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, nil, &ExchangeError{Provider: "slack", Reason: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, nil, &ExchangeError{Provider: "slack", Status: resp.StatusCode, Reason: string(body)}
	}

	var out slackOAuthResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, nil, &ExchangeError{Provider: "slack", Reason: "malformed response: " + err.Error()}
	}
	// Slack reports errors with HTTP 200 and ok=false.
	if !out.OK {
		return nil, nil, &ExchangeError{Provider: "slack", Status: resp.StatusCode, Reason: out.Error}
	}

	token := out.AuthedUser.AccessToken
	scopes := splitScopes(out.AuthedUser.Scope)
	if token == "" {
		token = out.AccessToken
	}
	if token == "" || out.Team.ID == "" {
		return nil, nil, &ExchangeError{Provider: "slack", Reason: "response missing token or team id"}
	}

	identity := &Identity{
		ExternalAccountID: out.Team.ID,
		DisplayName:       out.Team.Name,
		Meta: map[string]string{
			"team_name":      out.Team.Name,
			"authed_user_id": out.AuthedUser.ID,
		},
	}
	return &TokenSet{AccessToken: token, Scopes: scopes}, identity, nil
}

type slackSearchResponse struct {
	OK       bool   `json:"ok"`
	Error    string `json:"error"`
	Messages struct {
		Matches []slackMessage `json:"matches"`
	} `json:"messages"`
	ResponseMetadata struct {
		NextCursor string `json:"next_cursor"`
	} `json:"response_metadata"`
}

type slackMessage struct {
	TS        string `json:"ts"`
	Text      string `json:"text"`
	Username  string `json:"username"`
	Permalink string `json:"permalink"`
	Channel   struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"channel"`
}

func (s *Slack) FetchRecent(ctx context.Context, freq FetchRequest) (*FetchResult, error) {
	q := url.Values{}
	q.Set("query", slackMentionQuery(freq.Meta))
	q.Set("sort", "timestamp")
	q.Set("sort_dir", "desc")
	q.Set("count", "50")
	if freq.Cursor != nil && *freq.Cursor != "" {
		q.Set("cursor", *freq.Cursor)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.APIBaseURL+"/search.messages?"+q.Encode(), nil)
	if err != nil {
		return nil, &RequestError{Provider: "slack", Body: err.Error()}
	}
	req.Header.Set("Authorization", "Bearer "+freq.AccessToken)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &RequestError{Provider: "slack", Body: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &RequestError{Provider: "slack", Status: resp.StatusCode, Body: string(body)}
	}

	var out slackSearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &RequestError{Provider: "slack", Status: resp.StatusCode, Body: "malformed response: " + err.Error()}
	}
	if !out.OK {
		return nil, &RequestError{Provider: "slack", Status: resp.StatusCode, Body: out.Error}
	}

	items := make([]Item, 0, len(out.Messages.Matches))
	for _, m := range out.Messages.Matches {
		item := Item{
			Type:       "message",
			ExternalID: m.Channel.ID + ":" + m.TS,
			URL:        m.Permalink,
		}
		if m.Text != "" {
			item.Summary = ptr(m.Text)
		}
		if m.Username != "" {
			item.Author = ptr(m.Username)
		}
		if m.Channel.Name != "" {
			item.Channel = ptr(m.Channel.Name)
		}
		if ts := parseSlackTS(m.TS); ts != nil {
			item.OccurredAt = ts
		}
		if raw, err := json.Marshal(m); err == nil {
			item.Raw = raw
		}
		items = append(items, item)
	}

	result := &FetchResult{Items: items}
	if nc := out.ResponseMetadata.NextCursor; nc != "" {
		result.NextCursor = &nc
	}
	return result, nil
}

// slackMentionQuery searches for messages mentioning the authed user when
// the user id is known, otherwise falls back to direct message history.
func slackMentionQuery(meta map[string]string) string {
	if uid := meta["authed_user_id"]; uid != "" {
		return fmt.Sprintf("<@%s>", uid)
	}
	return "in:@me"
}

// parseSlackTS converts a Slack "seconds.microseconds" timestamp.
func parseSlackTS(ts string) *time.Time {
	seconds, _, _ := strings.Cut(ts, ".")
	secs, err := strconv.ParseInt(seconds, 10, 64)
	if err != nil {
		return nil
	}
	t := time.Unix(secs, 0).UTC()
	return &t
}

func splitScopes(raw string) []string {
	if raw == "" {
		return nil
	}
	var scopes []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			scopes = append(scopes, s)
		}
	}
	return scopes
}

func ptr[T any](v T) *T { return &v }
