package keys

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const keyColumns = `id, purpose, algorithm, key_size_bits, status, created_at,
	activated_at, expires_at, retired_at, previous_key_id, fingerprint, status_reason`

// Put inserts or replaces a key snapshot.
// The partial unique index on (purpose) WHERE status='active' enforces the
// single-active invariant at the database level; a violation surfaces as
// ErrActiveKeyExists.
func (s *PGStore) Put(ctx context.Context, key EncryptionKey) error {
	query := `
		INSERT INTO encryption_keys (` + keyColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			activated_at = EXCLUDED.activated_at,
			expires_at = EXCLUDED.expires_at,
			retired_at = EXCLUDED.retired_at,
			previous_key_id = EXCLUDED.previous_key_id,
			status_reason = EXCLUDED.status_reason
	`

	_, err := s.pool.Exec(ctx, query,
		key.ID,
		key.Purpose,
		key.Algorithm,
		key.KeySizeBits,
		key.Status,
		key.CreatedAt,
		key.ActivatedAt,
		key.ExpiresAt,
		key.RetiredAt,
		key.PreviousKeyID,
		key.Fingerprint,
		key.StatusReason,
	)

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: purpose %q", ErrActiveKeyExists, key.Purpose)
	}
	if err != nil {
		return fmt.Errorf("failed to store key %s: %w", key.ID, err)
	}

	return nil
}

// Get retrieves a key by ID regardless of status
func (s *PGStore) Get(ctx context.Context, id uuid.UUID) (EncryptionKey, error) {
	query := `SELECT ` + keyColumns + ` FROM encryption_keys WHERE id = $1`

	key, err := scanKey(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return EncryptionKey{}, fmt.Errorf("%w: %s", ErrKeyNotFound, id)
	}
	if err != nil {
		return EncryptionKey{}, fmt.Errorf("failed to get key %s: %w", id, err)
	}

	return key, nil
}

// GetActiveByPurpose returns the active key for a purpose
func (s *PGStore) GetActiveByPurpose(ctx context.Context, purpose string) (EncryptionKey, error) {
	query := `SELECT ` + keyColumns + ` FROM encryption_keys
		WHERE purpose = $1 AND status = 'active'`

	key, err := scanKey(s.pool.QueryRow(ctx, query, purpose))
	if errors.Is(err, pgx.ErrNoRows) {
		return EncryptionKey{}, fmt.Errorf("%w: no active key for purpose %q", ErrKeyNotFound, purpose)
	}
	if err != nil {
		return EncryptionKey{}, fmt.Errorf("failed to get active key for %q: %w", purpose, err)
	}

	return key, nil
}

// ListByPurpose returns all keys for a purpose
func (s *PGStore) ListByPurpose(ctx context.Context, purpose string) ([]EncryptionKey, error) {
	query := `SELECT ` + keyColumns + ` FROM encryption_keys
		WHERE purpose = $1 ORDER BY created_at DESC`

	rows, err := s.pool.Query(ctx, query, purpose)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys for %q: %w", purpose, err)
	}
	defer rows.Close()

	return collectKeys(rows)
}

// List returns all keys
func (s *PGStore) List(ctx context.Context) ([]EncryptionKey, error) {
	query := `SELECT ` + keyColumns + ` FROM encryption_keys ORDER BY created_at DESC`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	defer rows.Close()

	return collectKeys(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanKey(row rowScanner) (EncryptionKey, error) {
	var key EncryptionKey
	err := row.Scan(
		&key.ID,
		&key.Purpose,
		&key.Algorithm,
		&key.KeySizeBits,
		&key.Status,
		&key.CreatedAt,
		&key.ActivatedAt,
		&key.ExpiresAt,
		&key.RetiredAt,
		&key.PreviousKeyID,
		&key.Fingerprint,
		&key.StatusReason,
	)
	return key, err
}

func collectKeys(rows pgx.Rows) ([]EncryptionKey, error) {
	var result []EncryptionKey
	for rows.Next() {
		key, err := scanKey(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		result = append(result, key)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating keys: %w", err)
	}

	return result, nil
}
