package httpserver

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"gitea.jw6.us/james/taskmirror/internal/auth"
	"gitea.jw6.us/james/taskmirror/internal/config"
	"gitea.jw6.us/james/taskmirror/internal/connect"
	httperrors "gitea.jw6.us/james/taskmirror/internal/http/errors"
	"gitea.jw6.us/james/taskmirror/internal/provider"
	"gitea.jw6.us/james/taskmirror/internal/store"
	syncer "gitea.jw6.us/james/taskmirror/internal/sync"
)

// connectFailureDest is where interactive connect failures land. The user
// only ever sees a generic failure; provider error detail stays in the logs
// and audit trail.
const connectFailureDest = "/settings/integrations?connect=failed"

type apiHandler struct {
	cfg          *config.Config
	store        *store.Store
	connect      *connect.Service
	orchestrator *syncer.Orchestrator
	tokens       *auth.TokenService
}

func newAPIHandler(cfg *config.Config, st *store.Store, connectService *connect.Service, orchestrator *syncer.Orchestrator, tokens *auth.TokenService) *apiHandler {
	return &apiHandler{cfg: cfg, store: st, connect: connectService, orchestrator: orchestrator, tokens: tokens}
}

// TriggerScheduledSync runs one orchestrator pass. It is invoked by an
// external cron caller presenting the shared sync secret; a missing or
// misconfigured secret rejects every invocation rather than allowing any.
func (h *apiHandler) TriggerScheduledSync(w http.ResponseWriter, r *http.Request) {
	bearer := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if h.cfg.Sync.Secret == "" ||
		subtle.ConstantTimeCompare([]byte(bearer), []byte(h.cfg.Sync.Secret)) != 1 {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	summary, err := h.orchestrator.Run(r.Context())
	if err != nil {
		httperrors.InternalError(w, r, err, "scheduled sync pass failed")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// TriggerManualSync syncs the session user's connections to one provider
// immediately, ignoring backoff.
func (h *apiHandler) TriggerManualSync(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	providerName := strings.TrimSpace(r.URL.Query().Get("provider"))
	if providerName == "" {
		http.Error(w, "provider is required", http.StatusBadRequest)
		return
	}

	imported, err := h.orchestrator.RunForUser(r.Context(), user.ID, providerName)
	switch {
	case errors.Is(err, provider.ErrUnknown):
		http.Error(w, "unknown provider", http.StatusBadRequest)
		return
	case errors.Is(err, syncer.ErrNoLinkedAccounts):
		http.Error(w, "no linked accounts for provider", http.StatusNotFound)
		return
	case err != nil:
		httperrors.LogError(r, "manual sync failed", err)
		http.Error(w, "sync failed", http.StatusBadGateway)
		return
	}

	writeJSON(w, http.StatusOK, map[string]int{"imported": imported})
}

// BeginConnect redirects the user to the provider authorization page.
func (h *apiHandler) BeginConnect(w http.ResponseWriter, r *http.Request) {
	providerName := chi.URLParam(r, "provider")

	authURL, err := h.connect.Begin(w, providerName, r.URL.Query().Get("return_to"))
	if errors.Is(err, provider.ErrUnknown) {
		http.Error(w, "unknown provider", http.StatusNotFound)
		return
	}
	if err != nil {
		httperrors.InternalError(w, r, err, "failed to begin connect flow")
		return
	}

	http.Redirect(w, r, authURL, http.StatusFound)
}

// CompleteConnect handles the provider OAuth callback.
func (h *apiHandler) CompleteConnect(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	providerName := chi.URLParam(r, "provider")

	if errParam := r.URL.Query().Get("error"); errParam != "" {
		httperrors.LogInfo(r, "provider authorization denied: "+errParam)
		http.Redirect(w, r, connectFailureDest, http.StatusFound)
		return
	}

	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")
	if code == "" || state == "" {
		http.Redirect(w, r, connectFailureDest, http.StatusFound)
		return
	}

	_, returnTo, err := h.connect.Complete(r.Context(), w, r, user.ID, providerName, code, state)
	if errors.Is(err, connect.ErrStateMismatch) {
		httperrors.LogError(r, "connect callback rejected", err)
		http.Redirect(w, r, connectFailureDest, http.StatusFound)
		return
	}
	if err != nil {
		httperrors.LogError(r, "connect completion failed", err)
		http.Redirect(w, r, connectFailureDest, http.StatusFound)
		return
	}

	http.Redirect(w, r, returnTo, http.StatusFound)
}

// DisconnectAccount deletes an account's credential and marks it
// disconnected.
func (h *apiHandler) DisconnectAccount(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid account id", http.StatusBadRequest)
		return
	}

	err = h.connect.Disconnect(r.Context(), user.ID, id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		httperrors.InternalError(w, r, err, "failed to disconnect account")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type accountResponse struct {
	ID                  int64      `json:"id"`
	Provider            string     `json:"provider"`
	ExternalAccountID   string     `json:"external_account_id"`
	DisplayName         *string    `json:"display_name,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	NextAttemptAt       time.Time  `json:"next_attempt_at"`
	LastSuccessAt       *time.Time `json:"last_success_at,omitempty"`
	LastError           *string    `json:"last_error,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
}

// ListAccounts returns the user's connected accounts with health state.
func (h *apiHandler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())

	accounts, err := h.store.LinkedAccounts.ListByUser(r.Context(), user.ID)
	if err != nil {
		httperrors.InternalError(w, r, err, "failed to list accounts")
		return
	}

	out := make([]accountResponse, 0, len(accounts))
	for _, acc := range accounts {
		out = append(out, accountResponse{
			ID:                  acc.ID,
			Provider:            acc.Provider,
			ExternalAccountID:   acc.ExternalAccountID,
			DisplayName:         acc.DisplayName,
			ConsecutiveFailures: acc.ConsecutiveFailures,
			NextAttemptAt:       acc.NextAttemptAt,
			LastSuccessAt:       acc.LastSuccessAt,
			LastError:           acc.LastError,
			CreatedAt:           acc.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type itemResponse struct {
	ID         int64      `json:"id"`
	Provider   string     `json:"provider"`
	ItemType   string     `json:"item_type"`
	ExternalID string     `json:"external_id"`
	URL        string     `json:"url"`
	Title      *string    `json:"title,omitempty"`
	Summary    *string    `json:"summary,omitempty"`
	Status     *string    `json:"status,omitempty"`
	DueAt      *time.Time `json:"due_at,omitempty"`
	Author     *string    `json:"author,omitempty"`
	Channel    *string    `json:"channel,omitempty"`
	OccurredAt *time.Time `json:"occurred_at,omitempty"`
	SyncedAt   time.Time  `json:"synced_at"`
}

// ListItems returns the user's synced external items, newest first.
func (h *apiHandler) ListItems(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	items, err := h.store.ExternalItems.ListByUser(r.Context(), user.ID, limit)
	if err != nil {
		httperrors.InternalError(w, r, err, "failed to list items")
		return
	}

	out := make([]itemResponse, 0, len(items))
	for _, item := range items {
		out = append(out, itemResponse{
			ID:         item.ID,
			Provider:   item.Provider,
			ItemType:   item.ItemType,
			ExternalID: item.ExternalID,
			URL:        item.URL,
			Title:      item.Title,
			Summary:    item.Summary,
			Status:     item.Status,
			DueAt:      item.DueAt,
			Author:     item.Author,
			Channel:    item.Channel,
			OccurredAt: item.OccurredAt,
			SyncedAt:   item.SyncedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type createTokenRequest struct {
	Label     string     `json:"label"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// CreateToken mints an API token. The plaintext is returned exactly once.
func (h *apiHandler) CreateToken(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())

	var req createTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	req.Label = strings.TrimSpace(req.Label)
	if req.Label == "" {
		http.Error(w, "label is required", http.StatusBadRequest)
		return
	}

	plaintext, token, err := h.tokens.Create(r.Context(), user.ID, req.Label, req.ExpiresAt)
	if err != nil {
		httperrors.InternalError(w, r, err, "failed to create api token")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"id":    token.ID,
		"label": token.Label,
		"token": plaintext,
	})
}

// ListTokens returns the user's API tokens without hashes.
func (h *apiHandler) ListTokens(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())

	tokens, err := h.store.APITokens.ListByUser(r.Context(), user.ID)
	if err != nil {
		httperrors.InternalError(w, r, err, "failed to list api tokens")
		return
	}

	type tokenResponse struct {
		ID         string     `json:"id"`
		Label      string     `json:"label"`
		CreatedAt  time.Time  `json:"created_at"`
		ExpiresAt  *time.Time `json:"expires_at,omitempty"`
		RevokedAt  *time.Time `json:"revoked_at,omitempty"`
		LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	}
	out := make([]tokenResponse, 0, len(tokens))
	for _, t := range tokens {
		out = append(out, tokenResponse{
			ID: t.ID, Label: t.Label, CreatedAt: t.CreatedAt,
			ExpiresAt: t.ExpiresAt, RevokedAt: t.RevokedAt, LastUsedAt: t.LastUsedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// RevokeToken revokes one of the user's API tokens.
func (h *apiHandler) RevokeToken(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())
	id := chi.URLParam(r, "id")

	token, err := h.store.APITokens.GetByID(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) || (err == nil && token.UserID != user.ID) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		httperrors.InternalError(w, r, err, "failed to load api token")
		return
	}

	if err := h.store.APITokens.Revoke(r.Context(), id); err != nil && !errors.Is(err, store.ErrNotFound) {
		httperrors.InternalError(w, r, err, "failed to revoke api token")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
