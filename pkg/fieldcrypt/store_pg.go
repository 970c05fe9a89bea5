package fieldcrypt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dd0wney/cluso-dataprotect/pkg/encryption"
)

// PGRecordStore handles record persistence using PostgreSQL. A side
// table tracks which keys each record's ciphertext references, so
// CountByKeyID is an index lookup instead of a full envelope scan.
type PGRecordStore struct {
	pool *pgxpool.Pool
}

// NewPGRecordStore creates a new PostgreSQL-backed record store
func NewPGRecordStore(ctx context.Context, databaseURL string) (*PGRecordStore, error) {
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

	s := &PGRecordStore{pool: pool}

	// Create tables if they don't exist
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	return s, nil
}

func (s *PGRecordStore) migrate(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS protected_records (
			id UUID PRIMARY KEY,
			entity_type TEXT NOT NULL,
			fields JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);

		CREATE TABLE IF NOT EXISTS protected_record_keys (
			record_id UUID NOT NULL REFERENCES protected_records(id) ON DELETE CASCADE,
			key_id UUID NOT NULL,
			PRIMARY KEY (record_id, key_id)
		);

		CREATE INDEX IF NOT EXISTS idx_protected_record_keys_key
			ON protected_record_keys (key_id);
	`

	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create record tables: %w", err)
	}

	return nil
}

// Fetch retrieves a record by ID
func (s *PGRecordStore) Fetch(ctx context.Context, id uuid.UUID) (Record, error) {
	var record Record
	var rawFields []byte

	err := s.pool.QueryRow(ctx,
		`SELECT id, entity_type, fields FROM protected_records WHERE id = $1`,
		id,
	).Scan(&record.ID, &record.EntityType, &rawFields)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
		}
		return Record{}, fmt.Errorf("failed to fetch record %s: %w", id, err)
	}

	if err := json.Unmarshal(rawFields, &record.Fields); err != nil {
		return Record{}, fmt.Errorf("failed to decode record fields: %w", err)
	}
	return record, nil
}

// Save inserts or replaces a record and rebuilds its key references,
// all inside one transaction.
func (s *PGRecordStore) Save(ctx context.Context, record Record) error {
	if record.ID == uuid.Nil {
		return fmt.Errorf("record has no id")
	}

	rawFields, err := json.Marshal(record.Fields)
	if err != nil {
		return fmt.Errorf("failed to encode record fields: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO protected_records (id, entity_type, fields, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			entity_type = EXCLUDED.entity_type,
			fields = EXCLUDED.fields,
			updated_at = EXCLUDED.updated_at
	`, record.ID, record.EntityType, rawFields, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save record %s: %w", record.ID, err)
	}

	if _, err := tx.Exec(ctx,
		`DELETE FROM protected_record_keys WHERE record_id = $1`, record.ID); err != nil {
		return fmt.Errorf("failed to clear key references: %w", err)
	}
	for keyID := range recordKeyIDs(record) {
		if _, err := tx.Exec(ctx,
			`INSERT INTO protected_record_keys (record_id, key_id) VALUES ($1, $2)`,
			record.ID, keyID); err != nil {
			return fmt.Errorf("failed to save key reference: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// CountByKeyID counts records with fields encrypted under a key
func (s *PGRecordStore) CountByKeyID(ctx context.Context, keyID uuid.UUID) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(DISTINCT record_id) FROM protected_record_keys WHERE key_id = $1`,
		keyID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count records for key %s: %w", keyID, err)
	}
	return count, nil
}

// Ping checks database connectivity
func (s *PGRecordStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the database connection pool
func (s *PGRecordStore) Close() error {
	s.pool.Close()
	return nil
}

// Verify interface compliance
var _ RecordStore = (*PGRecordStore)(nil)
var _ encryption.TaggedCounter = (*PGRecordStore)(nil)
