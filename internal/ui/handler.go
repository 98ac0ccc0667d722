package ui

import (
	"errors"
	"html/template"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"gitea.jw6.us/james/taskmirror/internal/auth"
	"gitea.jw6.us/james/taskmirror/internal/config"
	"gitea.jw6.us/james/taskmirror/internal/connect"
	httperrors "gitea.jw6.us/james/taskmirror/internal/http/errors"
	"gitea.jw6.us/james/taskmirror/internal/store"
)

const recentItemLimit = 20

// Handler serves the server-rendered dashboard pages.
type Handler struct {
	cfg       *config.Config
	store     *store.Store
	connect   *connect.Service
	tokens    *auth.TokenService
	templates map[string]*template.Template
}

func NewHandler(cfg *config.Config, st *store.Store, connectService *connect.Service, tokenService *auth.TokenService) *Handler {
	return &Handler{cfg: cfg, store: st, connect: connectService, tokens: tokenService, templates: templates}
}

func (h *Handler) Dashboard(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())

	accounts, err := h.store.LinkedAccounts.ListByUser(r.Context(), user.ID)
	if err != nil {
		httperrors.InternalError(w, r, err, "failed to load linked accounts")
		return
	}
	items, err := h.store.ExternalItems.ListByUser(r.Context(), user.ID, recentItemLimit)
	if err != nil {
		httperrors.InternalError(w, r, err, "failed to load recent items")
		return
	}

	connected, failing := 0, 0
	for _, acc := range accounts {
		if acc.DisconnectedAt != nil {
			continue
		}
		connected++
		if acc.ConsecutiveFailures > 0 {
			failing++
		}
	}

	data := h.withFlash(r, map[string]any{
		"Title":          "Dashboard",
		"User":           user,
		"ConnectedCount": connected,
		"FailingCount":   failing,
		"Items":          items,
	})
	h.render(w, r, "dashboard.html", data)
}

func (h *Handler) Integrations(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())

	accounts, err := h.store.LinkedAccounts.ListByUser(r.Context(), user.ID)
	if err != nil {
		httperrors.InternalError(w, r, err, "failed to load linked accounts")
		return
	}

	var active []store.LinkedAccount
	for _, acc := range accounts {
		if acc.DisconnectedAt == nil {
			active = append(active, acc)
		}
	}

	available := make([]string, 0, len(h.cfg.Providers))
	for name := range h.cfg.Providers {
		available = append(available, name)
	}
	sort.Strings(available)

	data := h.withFlash(r, map[string]any{
		"Title":     "Integrations",
		"User":      user,
		"Accounts":  active,
		"Providers": available,
	})
	h.render(w, r, "integrations.html", data)
}

func (h *Handler) DisconnectAccount(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())

	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httperrors.BadRequestError(w, r, err, "invalid account id")
		return
	}

	if err := h.connect.Disconnect(r.Context(), user.ID, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		httperrors.InternalError(w, r, err, "failed to disconnect account")
		return
	}
	h.redirect(w, r, "/settings/integrations", map[string]string{"status": "Account disconnected."})
}

func (h *Handler) Tokens(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())

	tokens, err := h.store.APITokens.ListByUser(r.Context(), user.ID)
	if err != nil {
		httperrors.InternalError(w, r, err, "failed to load api tokens")
		return
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i].CreatedAt.After(tokens[j].CreatedAt) })

	now := time.Now()
	var view []map[string]any
	for _, t := range tokens {
		status := "active"
		switch {
		case t.RevokedAt != nil:
			status = "revoked"
		case t.ExpiresAt != nil && t.ExpiresAt.Before(now):
			status = "expired"
		}
		view = append(view, map[string]any{
			"ID":         t.ID,
			"Label":      t.Label,
			"CreatedAt":  t.CreatedAt,
			"ExpiresAt":  t.ExpiresAt,
			"LastUsedAt": t.LastUsedAt,
			"Status":     status,
		})
	}

	data := h.withFlash(r, map[string]any{
		"Title":  "API Tokens",
		"User":   user,
		"Tokens": view,
	})
	h.render(w, r, "tokens.html", data)
}

func (h *Handler) CreateToken(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())

	label := r.FormValue("label")
	if label == "" {
		h.redirect(w, r, "/settings/tokens", map[string]string{"error": "A label is required."})
		return
	}

	var expiresAt *time.Time
	if v := r.FormValue("expires_in_days"); v != "" {
		days, err := strconv.Atoi(v)
		if err != nil || days <= 0 {
			h.redirect(w, r, "/settings/tokens", map[string]string{"error": "Expiry must be a positive number of days."})
			return
		}
		t := time.Now().AddDate(0, 0, days)
		expiresAt = &t
	}

	plaintext, _, err := h.tokens.Create(r.Context(), user.ID, label, expiresAt)
	if err != nil {
		httperrors.InternalError(w, r, err, "failed to create api token")
		return
	}
	h.redirect(w, r, "/settings/tokens", map[string]string{"token": plaintext})
}

func (h *Handler) RevokeToken(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFromContext(r.Context())

	id := chi.URLParam(r, "id")
	token, err := h.store.APITokens.GetByID(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) || (err == nil && token.UserID != user.ID) {
		http.NotFound(w, r)
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
	h.redirect(w, r, "/settings/tokens", map[string]string{"status": "Token revoked."})
}
