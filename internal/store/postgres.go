package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// userRepo implements UserRepository.
type userRepo struct {
	pool PgxPool
}

func (r *userRepo) UpsertOIDCUser(ctx context.Context, subject, email string) (*User, error) {
	defer observeDB(ctx, "db.users.upsert")()

	const q = `INSERT INTO users (oidc_subject, primary_email, created_at, last_login_at)
VALUES ($1, $2, NOW(), NOW())
ON CONFLICT (oidc_subject) DO UPDATE SET primary_email = EXCLUDED.primary_email, last_login_at = NOW()
RETURNING id, oidc_subject, primary_email, created_at, last_login_at`

	u := &User{}
	err := r.pool.QueryRow(ctx, q, subject, email).Scan(&u.ID, &u.OIDCSubject, &u.PrimaryEmail, &u.CreatedAt, &u.LastLoginAt)
	if err != nil {
		return nil, fmt.Errorf("upsert user: %w", err)
	}
	return u, nil
}

func (r *userRepo) GetByID(ctx context.Context, id int64) (*User, error) {
	defer observeDB(ctx, "db.users.get")()

	const q = `SELECT id, oidc_subject, primary_email, created_at, last_login_at FROM users WHERE id = $1`

	u := &User{}
	err := r.pool.QueryRow(ctx, q, id).Scan(&u.ID, &u.OIDCSubject, &u.PrimaryEmail, &u.CreatedAt, &u.LastLoginAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

// linkedAccountRepo implements LinkedAccountRepository.
type linkedAccountRepo struct {
	pool PgxPool
}

const linkedAccountColumns = `id, user_id, provider, external_account_id, display_name, meta,
consecutive_failures, next_attempt_at, last_success_at, last_error, disconnected_at, created_at, updated_at`

func scanLinkedAccount(row pgx.Row) (*LinkedAccount, error) {
	acc := &LinkedAccount{}
	err := row.Scan(
		&acc.ID, &acc.UserID, &acc.Provider, &acc.ExternalAccountID, &acc.DisplayName, &acc.Meta,
		&acc.ConsecutiveFailures, &acc.NextAttemptAt, &acc.LastSuccessAt, &acc.LastError,
		&acc.DisconnectedAt, &acc.CreatedAt, &acc.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return acc, nil
}

func (r *linkedAccountRepo) Upsert(ctx context.Context, acc LinkedAccount) (*LinkedAccount, error) {
	defer observeDB(ctx, "db.linked_accounts.upsert")()

	meta := acc.Meta
	if meta == nil {
		meta = map[string]string{}
	}

	// Re-authorizing an existing connection refreshes its label and
	// metadata and clears any disconnect marker, instead of duplicating.
	const q = `INSERT INTO linked_accounts
(user_id, provider, external_account_id, display_name, meta, next_attempt_at, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, NOW(), NOW(), NOW())
ON CONFLICT (user_id, provider, external_account_id) DO UPDATE SET
	display_name = EXCLUDED.display_name,
	meta = EXCLUDED.meta,
	disconnected_at = NULL,
	updated_at = NOW()
RETURNING ` + linkedAccountColumns

	out, err := scanLinkedAccount(r.pool.QueryRow(ctx, q, acc.UserID, acc.Provider, acc.ExternalAccountID, acc.DisplayName, meta))
	if err != nil {
		return nil, fmt.Errorf("upsert linked account: %w", err)
	}
	return out, nil
}

func (r *linkedAccountRepo) GetByID(ctx context.Context, id int64) (*LinkedAccount, error) {
	defer observeDB(ctx, "db.linked_accounts.get")()

	q := `SELECT ` + linkedAccountColumns + ` FROM linked_accounts WHERE id = $1`
	acc, err := scanLinkedAccount(r.pool.QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get linked account: %w", err)
	}
	return acc, nil
}

func (r *linkedAccountRepo) ListByUser(ctx context.Context, userID int64) ([]LinkedAccount, error) {
	defer observeDB(ctx, "db.linked_accounts.list_by_user")()

	q := `SELECT ` + linkedAccountColumns + ` FROM linked_accounts
WHERE user_id = $1 AND disconnected_at IS NULL ORDER BY provider, id`

	rows, err := r.pool.Query(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("list linked accounts by user: %w", err)
	}
	defer rows.Close()
	return collectLinkedAccounts(rows)
}

func (r *linkedAccountRepo) ListDue(ctx context.Context, cutoff time.Time, provider string, limit int) ([]LinkedAccount, error) {
	defer observeDB(ctx, "db.linked_accounts.list_due")()

	q := `SELECT ` + linkedAccountColumns + ` FROM linked_accounts WHERE disconnected_at IS NULL`
	args := []any{}
	if !cutoff.IsZero() {
		args = append(args, cutoff)
		q += fmt.Sprintf(" AND next_attempt_at <= $%d", len(args))
	}
	if provider != "" {
		args = append(args, provider)
		q += fmt.Sprintf(" AND provider = $%d", len(args))
	}
	args = append(args, limit)
	q += fmt.Sprintf(" ORDER BY id LIMIT $%d", len(args))

	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list due linked accounts: %w", err)
	}
	defer rows.Close()
	return collectLinkedAccounts(rows)
}

func collectLinkedAccounts(rows pgx.Rows) ([]LinkedAccount, error) {
	var accounts []LinkedAccount
	for rows.Next() {
		acc, err := scanLinkedAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan linked account: %w", err)
		}
		accounts = append(accounts, *acc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate linked accounts: %w", err)
	}
	return accounts, nil
}

func (r *linkedAccountRepo) UpdateHealth(ctx context.Context, id int64, patch HealthPatch) error {
	defer observeDB(ctx, "db.linked_accounts.update_health")()

	const q = `UPDATE linked_accounts SET
	consecutive_failures = $2,
	next_attempt_at = $3,
	last_success_at = COALESCE($4, last_success_at),
	last_error = $5,
	updated_at = NOW()
WHERE id = $1`

	tag, err := r.pool.Exec(ctx, q, id, patch.ConsecutiveFailures, patch.NextAttemptAt, patch.LastSuccessAt, patch.LastError)
	if err != nil {
		return fmt.Errorf("update linked account health: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *linkedAccountRepo) MarkDisconnected(ctx context.Context, id int64) error {
	defer observeDB(ctx, "db.linked_accounts.disconnect")()

	const q = `UPDATE linked_accounts SET disconnected_at = NOW(), updated_at = NOW()
WHERE id = $1 AND disconnected_at IS NULL`

	tag, err := r.pool.Exec(ctx, q, id)
	if err != nil {
		return fmt.Errorf("disconnect linked account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *linkedAccountRepo) Delete(ctx context.Context, id int64) error {
	defer observeDB(ctx, "db.linked_accounts.delete")()

	if _, err := r.pool.Exec(ctx, `DELETE FROM linked_accounts WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete linked account: %w", err)
	}
	return nil
}

// credentialRepo implements CredentialRepository.
type credentialRepo struct {
	pool PgxPool
}

func (r *credentialRepo) Put(ctx context.Context, cred EncryptedCredential) error {
	defer observeDB(ctx, "db.credentials.put")()

	const q = `INSERT INTO linked_account_credentials (account_id, access_token, refresh_token, expires_at, scopes, updated_at)
VALUES ($1, $2, $3, $4, $5, NOW())
ON CONFLICT (account_id) DO UPDATE SET
	access_token = EXCLUDED.access_token,
	refresh_token = EXCLUDED.refresh_token,
	expires_at = EXCLUDED.expires_at,
	scopes = EXCLUDED.scopes,
	updated_at = NOW()`

	if _, err := r.pool.Exec(ctx, q, cred.AccountID, cred.AccessToken, cred.RefreshToken, cred.ExpiresAt, cred.Scopes); err != nil {
		return fmt.Errorf("put credential: %w", err)
	}
	return nil
}

func (r *credentialRepo) Get(ctx context.Context, accountID int64) (*EncryptedCredential, error) {
	defer observeDB(ctx, "db.credentials.get")()

	const q = `SELECT account_id, access_token, refresh_token, expires_at, scopes, updated_at
FROM linked_account_credentials WHERE account_id = $1`

	cred := &EncryptedCredential{}
	err := r.pool.QueryRow(ctx, q, accountID).Scan(
		&cred.AccountID, &cred.AccessToken, &cred.RefreshToken, &cred.ExpiresAt, &cred.Scopes, &cred.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get credential: %w", err)
	}
	return cred, nil
}

func (r *credentialRepo) Delete(ctx context.Context, accountID int64) error {
	defer observeDB(ctx, "db.credentials.delete")()

	if _, err := r.pool.Exec(ctx, `DELETE FROM linked_account_credentials WHERE account_id = $1`, accountID); err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	return nil
}

// cursorRepo implements CursorRepository.
type cursorRepo struct {
	pool PgxPool
}

func (r *cursorRepo) Get(ctx context.Context, accountID int64, scope string) (*SyncCursor, error) {
	defer observeDB(ctx, "db.cursors.get")()

	const q = `SELECT account_id, scope, cursor, updated_at FROM sync_cursors WHERE account_id = $1 AND scope = $2`

	c := &SyncCursor{}
	err := r.pool.QueryRow(ctx, q, accountID, scope).Scan(&c.AccountID, &c.Scope, &c.Cursor, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get cursor: %w", err)
	}
	return c, nil
}

func (r *cursorRepo) Put(ctx context.Context, accountID int64, scope string, cursor *string) error {
	defer observeDB(ctx, "db.cursors.put")()

	const q = `INSERT INTO sync_cursors (account_id, scope, cursor, updated_at)
VALUES ($1, $2, $3, NOW())
ON CONFLICT (account_id, scope) DO UPDATE SET cursor = EXCLUDED.cursor, updated_at = NOW()`

	if _, err := r.pool.Exec(ctx, q, accountID, scope, cursor); err != nil {
		return fmt.Errorf("put cursor: %w", err)
	}
	return nil
}

// externalItemRepo implements ExternalItemRepository.
type externalItemRepo struct {
	pool PgxPool
}

func (r *externalItemRepo) UpsertBatch(ctx context.Context, items []ExternalItem) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}
	defer observeDB(ctx, "db.external_items.upsert_batch")()

	const q = `INSERT INTO external_items
(user_id, linked_account_id, provider, item_type, external_id, url,
 title, summary, status, due_at, author, channel, occurred_at, raw_payload, synced_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
ON CONFLICT (user_id, provider, item_type, external_id) DO UPDATE SET
	linked_account_id = EXCLUDED.linked_account_id,
	url = EXCLUDED.url,
	title = EXCLUDED.title,
	summary = EXCLUDED.summary,
	status = EXCLUDED.status,
	due_at = EXCLUDED.due_at,
	author = EXCLUDED.author,
	channel = EXCLUDED.channel,
	occurred_at = EXCLUDED.occurred_at,
	raw_payload = EXCLUDED.raw_payload,
	synced_at = EXCLUDED.synced_at,
	deleted_at = NULL`

	written := 0
	for _, item := range items {
		payload := item.RawPayload
		if len(payload) == 0 {
			payload = []byte("{}")
		}
		_, err := r.pool.Exec(ctx, q,
			item.UserID, item.LinkedAccountID, item.Provider, item.ItemType, item.ExternalID, item.URL,
			item.Title, item.Summary, item.Status, item.DueAt, item.Author, item.Channel,
			item.OccurredAt, payload, item.SyncedAt,
		)
		if err != nil {
			return written, fmt.Errorf("upsert external item %s/%s: %w", item.Provider, item.ExternalID, err)
		}
		written++
	}
	return written, nil
}

func (r *externalItemRepo) ListByUser(ctx context.Context, userID int64, limit int) ([]ExternalItem, error) {
	defer observeDB(ctx, "db.external_items.list_by_user")()

	const q = `SELECT id, user_id, linked_account_id, provider, item_type, external_id, url,
title, summary, status, due_at, author, channel, occurred_at, raw_payload, synced_at, deleted_at
FROM external_items
WHERE user_id = $1 AND deleted_at IS NULL
ORDER BY COALESCE(occurred_at, synced_at) DESC, id DESC
LIMIT $2`

	rows, err := r.pool.Query(ctx, q, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list external items: %w", err)
	}
	defer rows.Close()

	var items []ExternalItem
	for rows.Next() {
		var item ExternalItem
		if err := rows.Scan(
			&item.ID, &item.UserID, &item.LinkedAccountID, &item.Provider, &item.ItemType, &item.ExternalID, &item.URL,
			&item.Title, &item.Summary, &item.Status, &item.DueAt, &item.Author, &item.Channel,
			&item.OccurredAt, &item.RawPayload, &item.SyncedAt, &item.DeletedAt,
		); err != nil {
			return nil, fmt.Errorf("scan external item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate external items: %w", err)
	}
	return items, nil
}

// auditLogRepo implements AuditLogRepository.
type auditLogRepo struct {
	pool PgxPool
}

func (r *auditLogRepo) Write(ctx context.Context, entry AuditEntry) error {
	defer observeDB(ctx, "db.audit_log.write")()

	const q = `INSERT INTO sync_audit_log (id, account_id, user_id, provider, stage, message, created_at)
VALUES ($1, $2, $3, $4, $5, $6, NOW())`

	if _, err := r.pool.Exec(ctx, q, entry.ID, entry.AccountID, entry.UserID, entry.Provider, entry.Stage, entry.Message); err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	return nil
}

func (r *auditLogRepo) ListRecent(ctx context.Context, limit int) ([]AuditEntry, error) {
	defer observeDB(ctx, "db.audit_log.list_recent")()

	const q = `SELECT id, account_id, user_id, provider, stage, message, created_at
FROM sync_audit_log ORDER BY created_at DESC LIMIT $1`

	rows, err := r.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.AccountID, &e.UserID, &e.Provider, &e.Stage, &e.Message, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}
	return entries, nil
}

// apiTokenRepo implements APITokenRepository.
type apiTokenRepo struct {
	pool PgxPool
}

const apiTokenColumns = `id, user_id, label, token_hash, created_at, expires_at, revoked_at, last_used_at`

func (r *apiTokenRepo) Create(ctx context.Context, token APIToken) (*APIToken, error) {
	defer observeDB(ctx, "db.api_tokens.create")()

	const q = `INSERT INTO api_tokens (id, user_id, label, token_hash, created_at, expires_at)
VALUES ($1, $2, $3, $4, NOW(), $5)
RETURNING ` + apiTokenColumns

	t := &APIToken{}
	err := r.pool.QueryRow(ctx, q, token.ID, token.UserID, token.Label, token.TokenHash, token.ExpiresAt).Scan(
		&t.ID, &t.UserID, &t.Label, &t.TokenHash, &t.CreatedAt, &t.ExpiresAt, &t.RevokedAt, &t.LastUsedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("create api token: %w", err)
	}
	return t, nil
}

func (r *apiTokenRepo) GetByID(ctx context.Context, id string) (*APIToken, error) {
	defer observeDB(ctx, "db.api_tokens.get")()

	q := `SELECT ` + apiTokenColumns + ` FROM api_tokens WHERE id = $1`

	t := &APIToken{}
	err := r.pool.QueryRow(ctx, q, id).Scan(&t.ID, &t.UserID, &t.Label, &t.TokenHash, &t.CreatedAt, &t.ExpiresAt, &t.RevokedAt, &t.LastUsedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get api token: %w", err)
	}
	return t, nil
}

func (r *apiTokenRepo) FindValidByUser(ctx context.Context, userID int64) ([]APIToken, error) {
	defer observeDB(ctx, "db.api_tokens.find_valid")()

	q := `SELECT ` + apiTokenColumns + ` FROM api_tokens
WHERE user_id = $1 AND revoked_at IS NULL AND (expires_at IS NULL OR expires_at > NOW())`

	return r.queryTokens(ctx, q, userID)
}

func (r *apiTokenRepo) ListByUser(ctx context.Context, userID int64) ([]APIToken, error) {
	defer observeDB(ctx, "db.api_tokens.list")()

	q := `SELECT ` + apiTokenColumns + ` FROM api_tokens WHERE user_id = $1 ORDER BY created_at DESC`
	return r.queryTokens(ctx, q, userID)
}

func (r *apiTokenRepo) queryTokens(ctx context.Context, q string, args ...any) ([]APIToken, error) {
	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query api tokens: %w", err)
	}
	defer rows.Close()

	var tokens []APIToken
	for rows.Next() {
		var t APIToken
		if err := rows.Scan(&t.ID, &t.UserID, &t.Label, &t.TokenHash, &t.CreatedAt, &t.ExpiresAt, &t.RevokedAt, &t.LastUsedAt); err != nil {
			return nil, fmt.Errorf("scan api token: %w", err)
		}
		tokens = append(tokens, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate api tokens: %w", err)
	}
	return tokens, nil
}

func (r *apiTokenRepo) Revoke(ctx context.Context, id string) error {
	defer observeDB(ctx, "db.api_tokens.revoke")()

	tag, err := r.pool.Exec(ctx, `UPDATE api_tokens SET revoked_at = NOW() WHERE id = $1 AND revoked_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("revoke api token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *apiTokenRepo) TouchLastUsed(ctx context.Context, id string) error {
	defer observeDB(ctx, "db.api_tokens.touch")()

	if _, err := r.pool.Exec(ctx, `UPDATE api_tokens SET last_used_at = NOW() WHERE id = $1`, id); err != nil {
		return fmt.Errorf("touch api token: %w", err)
	}
	return nil
}
