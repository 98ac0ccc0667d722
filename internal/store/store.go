package store

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PgxPool is the subset of pgxpool.Pool the store uses. Narrowing the
// dependency lets tests supply lightweight mock implementations.
type PgxPool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
	Ping(ctx context.Context) error
}

// Store aggregates repositories backed by PostgreSQL.
type Store struct {
	pool PgxPool

	Users          UserRepository
	LinkedAccounts LinkedAccountRepository
	Credentials    CredentialRepository
	Cursors        CursorRepository
	ExternalItems  ExternalItemRepository
	AuditLog       AuditLogRepository
	APITokens      APITokenRepository
}

// New wires concrete repository implementations with a shared connection pool.
func New(pool PgxPool) *Store {
	return &Store{
		pool:           pool,
		Users:          &userRepo{pool: pool},
		LinkedAccounts: &linkedAccountRepo{pool: pool},
		Credentials:    &credentialRepo{pool: pool},
		Cursors:        &cursorRepo{pool: pool},
		ExternalItems:  &externalItemRepo{pool: pool},
		AuditLog:       &auditLogRepo{pool: pool},
		APITokens:      &apiTokenRepo{pool: pool},
	}
}

// HealthCheck verifies that the underlying database is reachable.
func (s *Store) HealthCheck(ctx context.Context) error {
	defer observeDB(ctx, "db.healthcheck")()
	return s.pool.Ping(ctx)
}
