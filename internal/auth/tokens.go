package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"gitea.jw6.us/james/taskmirror/internal/store"
)

// ErrInvalidToken covers every API token failure mode so callers cannot
// distinguish a wrong secret from a revoked or unknown token.
var ErrInvalidToken = errors.New("auth: invalid api token")

// TokenService issues and verifies long-lived bearer tokens for
// non-browser clients (CLI tools, personal scripts). The plaintext secret
// is shown once at creation; only a bcrypt hash is stored.
type TokenService struct {
	store *store.Store
}

func NewTokenService(st *store.Store) *TokenService {
	return &TokenService{store: st}
}

// Create mints a token and returns its plaintext form "<id>.<secret>".
func (t *TokenService) Create(ctx context.Context, userID int64, label string, expiresAt *time.Time) (string, *store.APIToken, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", nil, fmt.Errorf("auth: generate token secret: %w", err)
	}
	secret := base64.RawURLEncoding.EncodeToString(buf)

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", nil, fmt.Errorf("auth: hash token secret: %w", err)
	}

	token, err := t.store.APITokens.Create(ctx, store.APIToken{
		ID:        uuid.NewString(),
		UserID:    userID,
		Label:     label,
		TokenHash: string(hash),
		ExpiresAt: expiresAt,
	})
	if err != nil {
		return "", nil, err
	}

	return token.ID + "." + secret, token, nil
}

// Authenticate verifies a plaintext bearer token and returns its user.
func (t *TokenService) Authenticate(ctx context.Context, bearer string) (*store.User, error) {
	id, secret, ok := strings.Cut(bearer, ".")
	if !ok || id == "" || secret == "" {
		return nil, ErrInvalidToken
	}

	token, err := t.store.APITokens.GetByID(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if token.RevokedAt != nil || (token.ExpiresAt != nil && token.ExpiresAt.Before(now)) {
		return nil, ErrInvalidToken
	}
	if bcrypt.CompareHashAndPassword([]byte(token.TokenHash), []byte(secret)) != nil {
		return nil, ErrInvalidToken
	}

	// Best effort; authentication already succeeded.
	if err := t.store.APITokens.TouchLastUsed(ctx, token.ID); err != nil {
		log.Printf("[WARN] failed to touch last_used_at for api token %s: %v", token.ID, err)
	}

	return t.store.Users.GetByID(ctx, token.UserID)
}

// RequireUserAuth accepts either a dashboard session or an API token
// bearer, adding the resolved user to the request context.
func RequireUserAuth(sessions *Service, tokens *TokenService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
				user, err := tokens.Authenticate(r.Context(), strings.TrimPrefix(header, "Bearer "))
				if err != nil {
					http.Error(w, "invalid credentials", http.StatusUnauthorized)
					return
				}
				next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
				return
			}

			sessions.RequireSession(next).ServeHTTP(w, r)
		})
	}
}
