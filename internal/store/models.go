package store

import "time"

// User represents a person authenticated via the dashboard OIDC login.
type User struct {
	ID           int64
	OIDCSubject  string
	PrimaryEmail string
	CreatedAt    time.Time
	LastLoginAt  time.Time
}

// LinkedAccount is one user's authorized connection to an external provider
// account. A user may hold several connections to the same provider.
type LinkedAccount struct {
	ID                int64
	UserID            int64
	Provider          string
	ExternalAccountID string
	DisplayName       *string
	Meta              map[string]string

	// Health fields, mutated by every sync attempt.
	ConsecutiveFailures int
	NextAttemptAt       time.Time
	LastSuccessAt       *time.Time
	LastError           *string

	DisconnectedAt *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Credential holds the decrypted OAuth tokens for one linked account.
// It only ever exists in memory; the stored form is encrypted.
type Credential struct {
	AccountID    int64
	AccessToken  string
	RefreshToken *string
	ExpiresAt    *time.Time
	Scopes       []string
}

// EncryptedCredential is the at-rest form of a Credential. Token fields
// carry secrets.Cipher tokens, never plaintext.
type EncryptedCredential struct {
	AccountID    int64
	AccessToken  string
	RefreshToken *string
	ExpiresAt    *time.Time
	Scopes       []string
	UpdatedAt    time.Time
}

// SyncCursor is an opaque provider-defined watermark for one logical scope
// of one linked account ("mentions", "pages", "my_tasks"). A missing cursor
// means fetch the most recent window.
type SyncCursor struct {
	AccountID int64
	Scope     string
	Cursor    *string
	UpdatedAt time.Time
}

// ExternalItem is the normalized ingestion unit. The tuple
// (user_id, provider, item_type, external_id) is the idempotency key:
// re-ingesting the same external fact overwrites rather than duplicates.
type ExternalItem struct {
	ID              int64
	UserID          int64
	LinkedAccountID *int64
	Provider        string
	ItemType        string
	ExternalID      string
	URL             string
	Title           *string
	Summary         *string
	Status          *string
	DueAt           *time.Time
	Author          *string
	Channel         *string
	OccurredAt      *time.Time
	RawPayload      []byte
	SyncedAt        time.Time
	DeletedAt       *time.Time
}

// AuditEntry is a best-effort record of a sync failure for operability.
type AuditEntry struct {
	ID        string
	AccountID *int64
	UserID    *int64
	Provider  string
	Stage     string
	Message   string
	CreatedAt time.Time
}

// APIToken is a long-lived bearer credential for non-browser clients,
// stored as a bcrypt hash.
type APIToken struct {
	ID         string
	UserID     int64
	Label      string
	TokenHash  string
	CreatedAt  time.Time
	ExpiresAt  *time.Time
	RevokedAt  *time.Time
	LastUsedAt *time.Time
}
