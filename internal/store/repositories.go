package store

import (
	"context"
	"time"
)

// UserRepository defines persistence operations for dashboard users.
type UserRepository interface {
	UpsertOIDCUser(ctx context.Context, subject, email string) (*User, error)
	GetByID(ctx context.Context, id int64) (*User, error)
}

// HealthPatch carries the sync-health fields updated after an attempt.
type HealthPatch struct {
	ConsecutiveFailures int
	NextAttemptAt       time.Time
	LastSuccessAt       *time.Time
	LastError           *string
}

// LinkedAccountRepository is the durable registry of user<->provider
// connections and their health state.
type LinkedAccountRepository interface {
	// Upsert creates a connection, or refreshes display name and metadata
	// when the same (user, provider, external account id) is re-authorized.
	Upsert(ctx context.Context, acc LinkedAccount) (*LinkedAccount, error)
	GetByID(ctx context.Context, id int64) (*LinkedAccount, error)
	ListByUser(ctx context.Context, userID int64) ([]LinkedAccount, error)
	// ListDue returns connected accounts ordered by id. A zero cutoff means
	// no due filtering; an empty provider means all providers.
	ListDue(ctx context.Context, cutoff time.Time, provider string, limit int) ([]LinkedAccount, error)
	UpdateHealth(ctx context.Context, id int64, patch HealthPatch) error
	MarkDisconnected(ctx context.Context, id int64) error
	// Delete removes a connection outright. Used only to compensate a
	// failed credential write during OAuth completion.
	Delete(ctx context.Context, id int64) error
}

// CredentialRepository stores encrypted OAuth tokens, one row per account.
type CredentialRepository interface {
	// Put replaces any prior credential for the account. No history kept.
	Put(ctx context.Context, cred EncryptedCredential) error
	Get(ctx context.Context, accountID int64) (*EncryptedCredential, error)
	Delete(ctx context.Context, accountID int64) error
}

// CursorRepository stores per-account, per-scope pagination watermarks.
type CursorRepository interface {
	Get(ctx context.Context, accountID int64, scope string) (*SyncCursor, error)
	Put(ctx context.Context, accountID int64, scope string, cursor *string) error
}

// ExternalItemRepository stores normalized external activity.
type ExternalItemRepository interface {
	// UpsertBatch writes items by their idempotency key
	// (user_id, provider, item_type, external_id) and returns the number
	// of rows written.
	UpsertBatch(ctx context.Context, items []ExternalItem) (int, error)
	ListByUser(ctx context.Context, userID int64, limit int) ([]ExternalItem, error)
}

// AuditLogRepository records sync failures. Writes are best-effort; callers
// ignore errors from Write.
type AuditLogRepository interface {
	Write(ctx context.Context, entry AuditEntry) error
	ListRecent(ctx context.Context, limit int) ([]AuditEntry, error)
}

// APITokenRepository stores hashed bearer tokens for non-browser clients.
type APITokenRepository interface {
	Create(ctx context.Context, token APIToken) (*APIToken, error)
	GetByID(ctx context.Context, id string) (*APIToken, error)
	FindValidByUser(ctx context.Context, userID int64) ([]APIToken, error)
	ListByUser(ctx context.Context, userID int64) ([]APIToken, error)
	Revoke(ctx context.Context, id string) error
	TouchLastUsed(ctx context.Context, id string) error
}
