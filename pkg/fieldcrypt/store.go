package fieldcrypt

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/dd0wney/cluso-dataprotect/pkg/encryption"
)

// ErrRecordNotFound means the record store has no record with that ID
var ErrRecordNotFound = fmt.Errorf("record not found")

// Record is an entity instance as the protection layer sees it: an
// identity, a type for classification lookup, and a flat field map.
// Encrypted fields hold ENCFIELD envelopes in place of their values.
type Record struct {
	ID         uuid.UUID      `json:"id"`
	EntityType string         `json:"entity_type"`
	Fields     map[string]any `json:"fields"`
}

// Clone returns a deep-enough copy: the field map is copied so callers
// can mutate the result without aliasing the original.
func (r Record) Clone() Record {
	fields := make(map[string]any, len(r.Fields))
	for k, v := range r.Fields {
		fields[k] = v
	}
	return Record{ID: r.ID, EntityType: r.EntityType, Fields: fields}
}

// RecordStore is the persistence boundary for protected records. It also
// answers the key manager's rotation question: how many records still
// carry ciphertext under a given key.
type RecordStore interface {
	// Fetch retrieves a record. Returns ErrRecordNotFound if absent.
	Fetch(ctx context.Context, id uuid.UUID) (Record, error)

	// Save inserts or replaces a record as one unit
	Save(ctx context.Context, record Record) error

	// CountByKeyID counts records with at least one field still
	// encrypted under the given key
	CountByKeyID(ctx context.Context, keyID uuid.UUID) (int64, error)
}

// recordKeyIDs extracts the set of key IDs referenced by a record's
// encrypted fields.
func recordKeyIDs(record Record) map[uuid.UUID]bool {
	ids := make(map[uuid.UUID]bool)
	for _, value := range record.Fields {
		if !IsFieldMarker(value) {
			continue
		}
		env, err := decodeEnvelope(value.(string))
		if err != nil {
			continue
		}
		data, err := encryption.Deserialize(env.Value)
		if err != nil {
			continue
		}
		ids[data.KeyID] = true
	}
	return ids
}

// MemoryRecordStore is an in-memory RecordStore
type MemoryRecordStore struct {
	mu      sync.RWMutex
	records map[uuid.UUID]Record
}

// NewMemoryRecordStore creates an empty in-memory record store
func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{records: make(map[uuid.UUID]Record)}
}

// Fetch retrieves a record by ID
func (s *MemoryRecordStore) Fetch(ctx context.Context, id uuid.UUID) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.records[id]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	return record.Clone(), nil
}

// Save inserts or replaces a record
func (s *MemoryRecordStore) Save(ctx context.Context, record Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if record.ID == uuid.Nil {
		return fmt.Errorf("record has no id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.ID] = record.Clone()
	return nil
}

// CountByKeyID counts records with fields encrypted under a key
func (s *MemoryRecordStore) CountByKeyID(ctx context.Context, keyID uuid.UUID) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	for _, record := range s.records {
		if recordKeyIDs(record)[keyID] {
			count++
		}
	}
	return count, nil
}

// Verify interface compliance
var _ RecordStore = (*MemoryRecordStore)(nil)
var _ encryption.TaggedCounter = (*MemoryRecordStore)(nil)
