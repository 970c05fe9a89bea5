package keys

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Store is the persistence boundary for key metadata.
// Implementations never see raw key material.
type Store interface {
	// Put inserts or replaces a key snapshot
	Put(ctx context.Context, key EncryptionKey) error

	// Get retrieves a key by ID regardless of status.
	// Returns ErrKeyNotFound if the key does not exist.
	Get(ctx context.Context, id uuid.UUID) (EncryptionKey, error)

	// GetActiveByPurpose returns the single active key for a purpose.
	// Returns ErrKeyNotFound if no active key exists.
	GetActiveByPurpose(ctx context.Context, purpose string) (EncryptionKey, error)

	// ListByPurpose returns all keys for a purpose, any status
	ListByPurpose(ctx context.Context, purpose string) ([]EncryptionKey, error)

	// List returns all keys
	List(ctx context.Context) ([]EncryptionKey, error)
}

// MemoryStore is an in-memory Store. Snapshots are stored by value, so
// readers can never observe a partially applied transition.
type MemoryStore struct {
	mu     sync.RWMutex
	byID   map[uuid.UUID]EncryptionKey
	active map[string]uuid.UUID // purpose -> active key ID
}

// NewMemoryStore creates an empty in-memory key store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:   make(map[uuid.UUID]EncryptionKey),
		active: make(map[string]uuid.UUID),
	}
}

// Put inserts or replaces a key snapshot. A second active key for the
// same purpose is rejected with ErrActiveKeyExists.
func (s *MemoryStore) Put(ctx context.Context, key EncryptionKey) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if key.Status == KeyStatusActive {
		if existing, ok := s.active[key.Purpose]; ok && existing != key.ID {
			return fmt.Errorf("%w: purpose %q already served by key %s",
				ErrActiveKeyExists, key.Purpose, existing)
		}
	}

	prev, existed := s.byID[key.ID]
	s.byID[key.ID] = key

	// Maintain the purpose index
	if existed && prev.Status == KeyStatusActive && key.Status != KeyStatusActive {
		if s.active[key.Purpose] == key.ID {
			delete(s.active, key.Purpose)
		}
	}
	if key.Status == KeyStatusActive {
		s.active[key.Purpose] = key.ID
	}

	return nil
}

// Get retrieves a key by ID regardless of status
func (s *MemoryStore) Get(ctx context.Context, id uuid.UUID) (EncryptionKey, error) {
	if err := ctx.Err(); err != nil {
		return EncryptionKey{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	key, ok := s.byID[id]
	if !ok {
		return EncryptionKey{}, fmt.Errorf("%w: %s", ErrKeyNotFound, id)
	}
	return key, nil
}

// GetActiveByPurpose returns the active key for a purpose
func (s *MemoryStore) GetActiveByPurpose(ctx context.Context, purpose string) (EncryptionKey, error) {
	if err := ctx.Err(); err != nil {
		return EncryptionKey{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.active[purpose]
	if !ok {
		return EncryptionKey{}, fmt.Errorf("%w: no active key for purpose %q", ErrKeyNotFound, purpose)
	}
	return s.byID[id], nil
}

// ListByPurpose returns all keys for a purpose
func (s *MemoryStore) ListByPurpose(ctx context.Context, purpose string) ([]EncryptionKey, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []EncryptionKey
	for _, key := range s.byID {
		if key.Purpose == purpose {
			result = append(result, key)
		}
	}
	return result, nil
}

// List returns all keys
func (s *MemoryStore) List(ctx context.Context) ([]EncryptionKey, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]EncryptionKey, 0, len(s.byID))
	for _, key := range s.byID {
		result = append(result, key)
	}
	return result, nil
}

// Verify interface compliance
var _ Store = (*MemoryStore)(nil)
