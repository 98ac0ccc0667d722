package connect

import (
	"crypto/sha256"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/securecookie"

	"gitea.jw6.us/james/taskmirror/internal/config"
)

const (
	handshakeCookieName = "taskmirror_connect"
	handshakeTTL        = 10 * time.Minute
)

// ErrHandshakeMissing indicates no pending handshake: the cookie expired,
// was already consumed, or the callback was replayed.
var ErrHandshakeMissing = errors.New("connect: no pending handshake")

// Handshake is the short-lived state persisted between the authorization
// redirect and the provider callback. The PKCE verifier never leaves this
// cookie; only the derived challenge is sent to the provider.
type Handshake struct {
	Provider string `json:"provider"`
	State    string `json:"state"`
	Verifier string `json:"verifier,omitempty"`
	ReturnTo string `json:"return_to"`
}

// HandshakeStore keeps one pending OAuth handshake per browser in a signed,
// httpOnly, short-lived cookie. Take consumes it: a second read fails, which
// makes replayed callbacks fail the state check.
type HandshakeStore struct {
	codec  *securecookie.SecureCookie
	secure bool
}

func NewHandshakeStore(cfg *config.Config) *HandshakeStore {
	// Key derivation mirrors the session manager but is domain-separated so
	// a handshake cookie can never validate as a session.
	hash := sha256.Sum256([]byte(cfg.Session.Secret + ":connect"))
	sc := securecookie.New(hash[:], hash[:])
	sc.MaxAge(int(handshakeTTL.Seconds()))
	sc.SetSerializer(securecookie.JSONEncoder{})

	secure := true
	if base, err := url.Parse(cfg.BaseURL); err == nil && base.Scheme != "https" {
		secure = false
	}

	return &HandshakeStore{codec: sc, secure: secure}
}

// Issue stores the handshake, replacing any pending one.
func (s *HandshakeStore) Issue(w http.ResponseWriter, hs Handshake) error {
	encoded, err := s.codec.Encode(handshakeCookieName, hs)
	if err != nil {
		return err
	}

	http.SetCookie(w, &http.Cookie{
		Name:     handshakeCookieName,
		Value:    encoded,
		Path:     "/connect",
		Expires:  time.Now().Add(handshakeTTL),
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// Take reads the pending handshake and invalidates it in the same step.
func (s *HandshakeStore) Take(w http.ResponseWriter, r *http.Request) (*Handshake, error) {
	c, err := r.Cookie(handshakeCookieName)
	if err != nil {
		return nil, ErrHandshakeMissing
	}

	// Clear before decoding so even a malformed cookie is single-use.
	http.SetCookie(w, &http.Cookie{
		Name:     handshakeCookieName,
		Value:    "",
		Path:     "/connect",
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	})

	var hs Handshake
	if err := s.codec.Decode(handshakeCookieName, c.Value, &hs); err != nil {
		return nil, ErrHandshakeMissing
	}
	return &hs, nil
}
