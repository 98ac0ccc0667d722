package connect

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"gitea.jw6.us/james/taskmirror/internal/config"
	"gitea.jw6.us/james/taskmirror/internal/provider"
	"gitea.jw6.us/james/taskmirror/internal/store"
)

// ErrStateMismatch indicates the callback state did not match the pending
// handshake: possible CSRF or a stale/replayed callback. The user must
// restart the connect flow.
var ErrStateMismatch = errors.New("connect: oauth state mismatch")

// CredentialStore is the vault surface the connect flow needs.
type CredentialStore interface {
	Put(ctx context.Context, accountID int64, accessToken string, refreshToken *string, expiresAt *time.Time, scopes []string) error
	Delete(ctx context.Context, accountID int64) error
}

// Service drives the interactive OAuth connect/callback flow that seeds the
// linked accounts the sync orchestrator later operates on.
type Service struct {
	cfg        *config.Config
	providers  *provider.Registry
	accounts   store.LinkedAccountRepository
	creds      CredentialStore
	handshakes *HandshakeStore
}

func NewService(cfg *config.Config, providers *provider.Registry, accounts store.LinkedAccountRepository, creds CredentialStore, handshakes *HandshakeStore) *Service {
	return &Service{cfg: cfg, providers: providers, accounts: accounts, creds: creds, handshakes: handshakes}
}

// Begin starts the authorization flow: it generates the state value (and a
// PKCE pair for providers that require one), persists them in the handshake
// cookie, and returns the provider authorization URL to redirect to.
func (s *Service) Begin(w http.ResponseWriter, providerName, returnTo string) (string, error) {
	client, err := s.providers.Resolve(providerName)
	if err != nil {
		return "", err
	}

	state, err := randomToken()
	if err != nil {
		return "", fmt.Errorf("connect: generate state: %w", err)
	}

	verifier, challenge := "", ""
	if pk, ok := client.(provider.UsesPKCE); ok && pk.UsesPKCE() {
		verifier = oauth2.GenerateVerifier()
		challenge = oauth2.S256ChallengeFromVerifier(verifier)
	}

	hs := Handshake{
		Provider: providerName,
		State:    state,
		Verifier: verifier,
		ReturnTo: sanitizeReturnTo(returnTo),
	}
	if err := s.handshakes.Issue(w, hs); err != nil {
		return "", fmt.Errorf("connect: persist handshake: %w", err)
	}

	return client.AuthorizationURL(s.redirectURI(providerName), state, challenge), nil
}

// Complete finishes the flow after the provider callback. On success it
// returns the linked account and the validated return destination. No
// partial account or credential survives a failure: the registry write is
// compensated if the vault write fails.
func (s *Service) Complete(ctx context.Context, w http.ResponseWriter, r *http.Request, userID int64, providerName, code, state string) (*store.LinkedAccount, string, error) {
	hs, err := s.handshakes.Take(w, r)
	if err != nil {
		return nil, "", ErrStateMismatch
	}
	if hs.Provider != providerName ||
		subtle.ConstantTimeCompare([]byte(hs.State), []byte(state)) != 1 {
		return nil, "", ErrStateMismatch
	}

	client, err := s.providers.Resolve(providerName)
	if err != nil {
		return nil, "", err
	}

	tokens, identity, err := client.ExchangeCode(ctx, code, s.redirectURI(providerName), hs.Verifier)
	if err != nil {
		return nil, "", err
	}

	acc, err := s.accounts.Upsert(ctx, store.LinkedAccount{
		UserID:            userID,
		Provider:          providerName,
		ExternalAccountID: identity.ExternalAccountID,
		DisplayName:       optional(identity.DisplayName),
		Meta:              identity.Meta,
	})
	if err != nil {
		return nil, "", fmt.Errorf("connect: register account: %w", err)
	}

	if err := s.creds.Put(ctx, acc.ID, tokens.AccessToken, tokens.RefreshToken, tokens.ExpiresAt, tokens.Scopes); err != nil {
		// Equal created/updated timestamps mean the upsert inserted a new
		// row; roll it back rather than leaving an account with no
		// credential. Re-authorized accounts keep their previous state.
		if acc.CreatedAt.Equal(acc.UpdatedAt) {
			_ = s.accounts.Delete(ctx, acc.ID)
		}
		return nil, "", fmt.Errorf("connect: store credential: %w", err)
	}

	return acc, hs.ReturnTo, nil
}

// Disconnect removes the stored credential and marks the connection
// disconnected. The account row is retained for history; only an explicit
// external cleanup deletes it.
func (s *Service) Disconnect(ctx context.Context, userID, accountID int64) error {
	acc, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		return err
	}
	if acc.UserID != userID {
		return store.ErrNotFound
	}

	if err := s.creds.Delete(ctx, accountID); err != nil {
		return fmt.Errorf("connect: delete credential: %w", err)
	}
	return s.accounts.MarkDisconnected(ctx, accountID)
}

func (s *Service) redirectURI(providerName string) string {
	return strings.TrimRight(s.cfg.BaseURL, "/") + "/connect/" + providerName + "/callback"
}

// sanitizeReturnTo allows only internal paths, preventing open redirects.
func sanitizeReturnTo(p string) string {
	if p == "" || !strings.HasPrefix(p, "/") || strings.HasPrefix(p, "//") ||
		strings.Contains(p, "\\") || strings.Contains(p, "://") {
		return "/"
	}
	return p
}

func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
