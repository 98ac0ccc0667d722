package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"gitea.jw6.us/james/taskmirror/internal/config"
	httperrors "gitea.jw6.us/james/taskmirror/internal/http/errors"
	"gitea.jw6.us/james/taskmirror/internal/store"
)

const loginStateCookie = "taskmirror_login_state"

// Service encapsulates the dashboard OIDC login flow and session checks.
type Service struct {
	cfg      *config.Config
	store    *store.Store
	sessions *SessionManager
	oauth    *oauth2.Config
	verifier *oidc.IDTokenVerifier
	secure   bool
}

func NewService(ctx context.Context, cfg *config.Config, st *store.Store, sessions *SessionManager) (*Service, error) {
	oidcProvider, err := oidc.NewProvider(ctx, cfg.OIDC.IssuerURL)
	if err != nil {
		return nil, err
	}

	secure := true
	if base, err := url.Parse(cfg.BaseURL); err == nil && base.Scheme != "https" {
		secure = false
	}

	return &Service{
		cfg:      cfg,
		store:    st,
		sessions: sessions,
		oauth: &oauth2.Config{
			ClientID:     cfg.OIDC.ClientID,
			ClientSecret: cfg.OIDC.ClientSecret,
			RedirectURL:  strings.TrimRight(cfg.BaseURL, "/") + cfg.OIDC.RedirectPath,
			Endpoint:     oidcProvider.Endpoint(),
			Scopes:       []string{oidc.ScopeOpenID, "email", "profile"},
		},
		verifier: oidcProvider.Verifier(&oidc.Config{ClientID: cfg.OIDC.ClientID}),
		secure:   secure,
	}, nil
}

// BeginLogin starts the OIDC authorization flow.
func (s *Service) BeginLogin(w http.ResponseWriter, r *http.Request) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		httperrors.InternalError(w, r, err, "failed to generate login state")
		return
	}
	state := base64.RawURLEncoding.EncodeToString(buf)

	http.SetCookie(w, &http.Cookie{
		Name:     loginStateCookie,
		Value:    state,
		Path:     "/auth",
		Expires:  time.Now().Add(10 * time.Minute),
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, s.oauth.AuthCodeURL(state), http.StatusFound)
}

// HandleCallback completes the OIDC flow and creates a session.
func (s *Service) HandleCallback(w http.ResponseWriter, r *http.Request) {
	stateCookie, err := r.Cookie(loginStateCookie)
	if err != nil || stateCookie.Value == "" || stateCookie.Value != r.URL.Query().Get("state") {
		http.Error(w, "login state mismatch", http.StatusBadRequest)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:    loginStateCookie,
		Value:   "",
		Path:    "/auth",
		Expires: time.Unix(0, 0),
		Secure:  s.secure,
	})

	token, err := s.oauth.Exchange(r.Context(), r.URL.Query().Get("code"))
	if err != nil {
		httperrors.LogError(r, "oidc code exchange failed", err)
		http.Error(w, "login failed", http.StatusBadGateway)
		return
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		http.Error(w, "login failed", http.StatusBadGateway)
		return
	}
	idToken, err := s.verifier.Verify(r.Context(), rawIDToken)
	if err != nil {
		httperrors.LogError(r, "oidc id token verification failed", err)
		http.Error(w, "login failed", http.StatusUnauthorized)
		return
	}

	var claims struct {
		Email string `json:"email"`
	}
	if err := idToken.Claims(&claims); err != nil {
		httperrors.InternalError(w, r, err, "failed to parse id token claims")
		return
	}

	user, err := s.store.Users.UpsertOIDCUser(r.Context(), idToken.Subject, claims.Email)
	if err != nil {
		httperrors.InternalError(w, r, err, "failed to persist user")
		return
	}

	if err := s.sessions.Issue(w, user.ID); err != nil {
		httperrors.InternalError(w, r, err, "failed to issue session")
		return
	}
	http.Redirect(w, r, "/", http.StatusFound)
}

// Logout clears the session cookie.
func (s *Service) Logout(w http.ResponseWriter, r *http.Request) {
	s.sessions.Clear(w)
	http.Redirect(w, r, "/auth/login", http.StatusFound)
}

// RequireSession resolves the current user from the session cookie and adds
// it to the request context, rejecting unauthenticated requests.
func (s *Service) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := s.sessions.CurrentUserID(r)
		if !ok {
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}

		user, err := s.store.Users.GetByID(r.Context(), userID)
		if errors.Is(err, store.ErrNotFound) {
			s.sessions.Clear(w)
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}
		if err != nil {
			httperrors.InternalError(w, r, err, "failed to load session user")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
	})
}
