package keys

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// FileStore persists key metadata as a single JSON file. Suited to the
// admin CLI and single-process deployments; use PGStore when more than
// one process manages keys.
type FileStore struct {
	path string
	mu   sync.RWMutex
	byID map[uuid.UUID]EncryptionKey
}

// fileStoreState is the on-disk layout
type fileStoreState struct {
	Keys []EncryptionKey `json:"keys"`
}

// NewFileStore opens (or creates) a JSON-backed key store
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("file store path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	s := &FileStore{
		path: path,
		byID: make(map[uuid.UUID]EncryptionKey),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) load() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read key store: %w", err)
	}

	var state fileStoreState
	if err := json.Unmarshal(raw, &state); err != nil {
		return fmt.Errorf("failed to parse key store: %w", err)
	}
	for _, key := range state.Keys {
		s.byID[key.ID] = key
	}
	return nil
}

// flush writes the full state atomically: temp file then rename.
// Caller holds the write lock.
func (s *FileStore) flush() error {
	state := fileStoreState{Keys: make([]EncryptionKey, 0, len(s.byID))}
	for _, key := range s.byID {
		state.Keys = append(state.Keys, key)
	}

	raw, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode key store: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0600); err != nil {
		return fmt.Errorf("failed to write key store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace key store: %w", err)
	}
	return nil
}

// Put inserts or replaces a key snapshot. A second active key for the
// same purpose is rejected with ErrActiveKeyExists.
func (s *FileStore) Put(ctx context.Context, key EncryptionKey) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if key.Status == KeyStatusActive {
		for _, existing := range s.byID {
			if existing.Purpose == key.Purpose &&
				existing.Status == KeyStatusActive &&
				existing.ID != key.ID {
				return fmt.Errorf("%w: purpose %q already served by key %s",
					ErrActiveKeyExists, key.Purpose, existing.ID)
			}
		}
	}

	prev, existed := s.byID[key.ID]
	s.byID[key.ID] = key

	if err := s.flush(); err != nil {
		// Roll the in-memory state back so memory and disk agree
		if existed {
			s.byID[key.ID] = prev
		} else {
			delete(s.byID, key.ID)
		}
		return err
	}
	return nil
}

// Get retrieves a key by ID regardless of status
func (s *FileStore) Get(ctx context.Context, id uuid.UUID) (EncryptionKey, error) {
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
func (s *FileStore) GetActiveByPurpose(ctx context.Context, purpose string) (EncryptionKey, error) {
	if err := ctx.Err(); err != nil {
		return EncryptionKey{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, key := range s.byID {
		if key.Purpose == purpose && key.Status == KeyStatusActive {
			return key, nil
		}
	}
	return EncryptionKey{}, fmt.Errorf("%w: no active key for purpose %q", ErrKeyNotFound, purpose)
}

// ListByPurpose returns all keys for a purpose
func (s *FileStore) ListByPurpose(ctx context.Context, purpose string) ([]EncryptionKey, error) {
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
func (s *FileStore) List(ctx context.Context) ([]EncryptionKey, error) {
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
var _ Store = (*FileStore)(nil)
