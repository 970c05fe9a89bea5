package keys

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore handles key metadata persistence using PostgreSQL
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore creates a new PostgreSQL-backed key metadata store
func NewPGStore(ctx context.Context, databaseURL string) (*PGStore, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	// Connection pooling configuration
	config.MaxConns = 25
	config.MinConns = 5
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database unreachable: %w", err)
	}

	s := &PGStore{pool: pool}

	// Create tables if they don't exist
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	return s, nil
}

func (s *PGStore) migrate(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS encryption_keys (
			id UUID PRIMARY KEY,
			purpose TEXT NOT NULL,
			algorithm TEXT NOT NULL,
			key_size_bits INT NOT NULL,
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			activated_at TIMESTAMPTZ,
			expires_at TIMESTAMPTZ,
			retired_at TIMESTAMPTZ,
			previous_key_id UUID,
			fingerprint TEXT NOT NULL,
			status_reason TEXT NOT NULL DEFAULT ''
		);

		CREATE INDEX IF NOT EXISTS idx_encryption_keys_purpose
			ON encryption_keys (purpose);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_encryption_keys_one_active
			ON encryption_keys (purpose)
			WHERE status = 'active';
	`

	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create encryption_keys table: %w", err)
	}

	return nil
}

// Ping checks database connectivity
func (s *PGStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the database connection pool
func (s *PGStore) Close() error {
	s.pool.Close()
	return nil
}

// Verify interface compliance
var _ Store = (*PGStore)(nil)
