package vault

import (
	"context"
	"fmt"
	"time"

	"gitea.jw6.us/james/taskmirror/internal/secrets"
	"gitea.jw6.us/james/taskmirror/internal/store"
)

// Vault stores OAuth credentials encrypted at rest. Callers only ever hold
// decrypted tokens transiently, for the duration of one outbound request.
type Vault struct {
	cipher *secrets.Cipher
	repo   store.CredentialRepository
}

func New(cipher *secrets.Cipher, repo store.CredentialRepository) *Vault {
	return &Vault{cipher: cipher, repo: repo}
}

// Put encrypts each secret independently and replaces any prior credential
// for the account. Every write uses fresh random nonces.
func (v *Vault) Put(ctx context.Context, accountID int64, accessToken string, refreshToken *string, expiresAt *time.Time, scopes []string) error {
	encAccess, err := v.cipher.EncryptString(accessToken)
	if err != nil {
		return fmt.Errorf("vault: encrypt access token: %w", err)
	}

	var encRefresh *string
	if refreshToken != nil {
		enc, err := v.cipher.EncryptString(*refreshToken)
		if err != nil {
			return fmt.Errorf("vault: encrypt refresh token: %w", err)
		}
		encRefresh = &enc
	}

	return v.repo.Put(ctx, store.EncryptedCredential{
		AccountID:    accountID,
		AccessToken:  encAccess,
		RefreshToken: encRefresh,
		ExpiresAt:    expiresAt,
		Scopes:       scopes,
	})
}

// Get returns the decrypted credential for an account, or store.ErrNotFound.
// Decryption failure means the row was tampered with or encrypted under a
// different key; it is not retryable.
func (v *Vault) Get(ctx context.Context, accountID int64) (*store.Credential, error) {
	enc, err := v.repo.Get(ctx, accountID)
	if err != nil {
		return nil, err
	}

	access, err := v.cipher.DecryptString(enc.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("vault: decrypt access token: %w", err)
	}

	var refresh *string
	if enc.RefreshToken != nil {
		dec, err := v.cipher.DecryptString(*enc.RefreshToken)
		if err != nil {
			return nil, fmt.Errorf("vault: decrypt refresh token: %w", err)
		}
		refresh = &dec
	}

	return &store.Credential{
		AccountID:    accountID,
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    enc.ExpiresAt,
		Scopes:       enc.Scopes,
	}, nil
}

// Delete removes the credential for a disconnected account.
func (v *Vault) Delete(ctx context.Context, accountID int64) error {
	return v.repo.Delete(ctx, accountID)
}
