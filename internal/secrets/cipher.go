package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

// tokenVersion tags the current token layout. Bumping it allows old tokens
// to be recognized and re-encrypted during a future key or format rotation.
const tokenVersion = "v1"

// tokenDelimiter joins the token segments. Every segment is base64url
// encoded, so the delimiter can never appear inside a segment.
const tokenDelimiter = "."

var (
	// ErrInvalidFormat indicates a token that is structurally malformed or
	// carries an unrecognized version tag. Retrying cannot fix it.
	ErrInvalidFormat = errors.New("secrets: invalid token format")

	// ErrAuthenticationFailed indicates the authentication tag did not
	// verify: the token was tampered with or encrypted under another key.
	ErrAuthenticationFailed = errors.New("secrets: authentication failed")
)

// Cipher performs authenticated encryption of secrets at rest using
// AES-256-GCM with a per-call random 96-bit nonce.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher builds a Cipher from a 32-byte key.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("secrets: key must be 32 bytes for AES-256 (got %d)", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("secrets: create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secrets: create gcm: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Encrypt seals plaintext and returns a self-describing text token:
// version, nonce, ciphertext, and authentication tag, each base64url
// encoded and joined by ".". A fresh nonce is drawn on every call.
func (c *Cipher) Encrypt(plaintext []byte) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("secrets: generate nonce: %w", err)
	}

	sealed := c.aead.Seal(nil, nonce, plaintext, nil)

	// Seal appends the tag to the ciphertext; split them so each segment
	// of the token is independently recoverable.
	tagStart := len(sealed) - c.aead.Overhead()
	ciphertext, tag := sealed[:tagStart], sealed[tagStart:]

	enc := base64.RawURLEncoding
	return strings.Join([]string{
		tokenVersion,
		enc.EncodeToString(nonce),
		enc.EncodeToString(ciphertext),
		enc.EncodeToString(tag),
	}, tokenDelimiter), nil
}

// Decrypt opens a token produced by Encrypt. It returns ErrInvalidFormat
// for malformed tokens and ErrAuthenticationFailed when the tag does not
// verify.
func (c *Cipher) Decrypt(token string) ([]byte, error) {
	parts := strings.Split(token, tokenDelimiter)
	if len(parts) != 4 {
		return nil, ErrInvalidFormat
	}
	if parts[0] != tokenVersion {
		return nil, fmt.Errorf("%w: unknown version %q", ErrInvalidFormat, parts[0])
	}

	enc := base64.RawURLEncoding
	nonce, err := enc.DecodeString(parts[1])
	if err != nil || len(nonce) != c.aead.NonceSize() {
		return nil, ErrInvalidFormat
	}
	ciphertext, err := enc.DecodeString(parts[2])
	if err != nil {
		return nil, ErrInvalidFormat
	}
	tag, err := enc.DecodeString(parts[3])
	if err != nil || len(tag) != c.aead.Overhead() {
		return nil, ErrInvalidFormat
	}

	plaintext, err := c.aead.Open(nil, nonce, append(ciphertext, tag...), nil)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return plaintext, nil
}

// EncryptString is a convenience wrapper for string secrets.
func (c *Cipher) EncryptString(plaintext string) (string, error) {
	return c.Encrypt([]byte(plaintext))
}

// DecryptString is a convenience wrapper for string secrets.
func (c *Cipher) DecryptString(token string) (string, error) {
	b, err := c.Decrypt(token)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
