package hsm

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// MasterKeySize is the size of the wrapping master key (AES-256)
	MasterKeySize = 32
	// KeyMaterialSize is the size of generated data-protection keys
	KeyMaterialSize = 32
	wrapNonceSize   = 12
	saltSize        = 32
	// PBKDF2Iterations follows the OWASP recommended minimum
	PBKDF2Iterations = 600000
)

// wrappedKey is key material encrypted under the master key.
// This is the only form in which the soft gateway holds or persists material.
type wrappedKey struct {
	KeyID     uuid.UUID `json:"key_id"`
	Algorithm string    `json:"algorithm"`
	Nonce     []byte    `json:"nonce"`
	Wrapped   []byte    `json:"wrapped"` // ciphertext + tag
}

// SoftGateway is a software stand-in for a hardware security module.
// Generated material is wrapped AES-256-GCM under a master key and held
// only in wrapped form; plaintext exists transiently during a single call.
type SoftGateway struct {
	masterKey []byte
	keys      map[uuid.UUID]wrappedKey
	keyDir    string // optional on-disk persistence of wrapped material
	escrow    Escrow // optional disaster-recovery escrow
	mu        sync.RWMutex
}

// SoftGatewayConfig holds configuration for the soft gateway
type SoftGatewayConfig struct {
	MasterKey  []byte // 32-byte wrapping key; mutually exclusive with Passphrase
	Passphrase string
	Salt       []byte // required with Passphrase
	KeyDir     string // persist wrapped keys as files when non-empty
	Escrow     Escrow
}

// NewSoftGateway creates a software HSM gateway
func NewSoftGateway(config SoftGatewayConfig) (*SoftGateway, error) {
	masterKey := config.MasterKey
	if masterKey == nil && config.Passphrase != "" {
		if len(config.Salt) != saltSize {
			return nil, fmt.Errorf("salt must be %d bytes", saltSize)
		}
		masterKey = pbkdf2.Key([]byte(config.Passphrase), config.Salt, PBKDF2Iterations, MasterKeySize, sha256.New)
	}
	if len(masterKey) != MasterKeySize {
		return nil, ErrInvalidMasterKey
	}

	// Copy to avoid external mutation
	key := make([]byte, MasterKeySize)
	copy(key, masterKey)

	g := &SoftGateway{
		masterKey: key,
		keys:      make(map[uuid.UUID]wrappedKey),
		keyDir:    config.KeyDir,
		escrow:    config.Escrow,
	}

	if g.keyDir != "" {
		if err := os.MkdirAll(g.keyDir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create key directory: %w", err)
		}
		if err := g.loadWrappedKeys(); err != nil {
			return nil, fmt.Errorf("failed to load wrapped keys: %w", err)
		}
	}

	return g, nil
}

// GenerateKey creates fresh random material for a key, stores it wrapped,
// and returns the plaintext once. The caller owns zeroing the returned buffer.
func (g *SoftGateway) GenerateKey(ctx context.Context, keyID uuid.UUID, algorithm string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	material := make([]byte, KeyMaterialSize)
	if _, err := rand.Read(material); err != nil {
		return nil, fmt.Errorf("failed to generate key material: %w", err)
	}

	wrapped, err := g.wrap(keyID, algorithm, material)
	if err != nil {
		Zero(material)
		return nil, err
	}

	g.mu.Lock()
	g.keys[keyID] = wrapped
	g.mu.Unlock()

	if g.keyDir != "" {
		if err := g.saveWrappedKey(wrapped); err != nil {
			Zero(material)
			return nil, err
		}
	}

	return material, nil
}

// GetKeyMaterial unwraps and returns the material for a key.
// The caller owns zeroing the returned buffer.
func (g *SoftGateway) GetKeyMaterial(ctx context.Context, keyID uuid.UUID) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	g.mu.RLock()
	wrapped, ok := g.keys[keyID]
	g.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyMaterialNotFound, keyID)
	}

	return g.unwrap(wrapped)
}

// DeleteKeyMaterial permanently removes a key's material
func (g *SoftGateway) DeleteKeyMaterial(ctx context.Context, keyID uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	g.mu.Lock()
	_, ok := g.keys[keyID]
	delete(g.keys, keyID)
	g.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrKeyMaterialNotFound, keyID)
	}

	if g.keyDir != "" {
		os.Remove(g.wrappedKeyPath(keyID))
	}

	return nil
}

// BackupKey sends the wrapped material to the configured escrow.
// Plaintext material never leaves the gateway.
func (g *SoftGateway) BackupKey(ctx context.Context, keyID uuid.UUID) error {
	if g.escrow == nil {
		return fmt.Errorf("no escrow configured")
	}

	g.mu.RLock()
	wrapped, ok := g.keys[keyID]
	g.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrKeyMaterialNotFound, keyID)
	}

	bundle, err := json.Marshal(wrapped)
	if err != nil {
		return fmt.Errorf("failed to marshal escrow bundle: %w", err)
	}

	return g.escrow.Store(ctx, keyID, bundle)
}

// RestoreKey recovers escrowed wrapped material back into the gateway
func (g *SoftGateway) RestoreKey(ctx context.Context, keyID uuid.UUID) error {
	if g.escrow == nil {
		return fmt.Errorf("no escrow configured")
	}

	bundle, err := g.escrow.Load(ctx, keyID)
	if err != nil {
		return err
	}

	var wrapped wrappedKey
	if err := json.Unmarshal(bundle, &wrapped); err != nil {
		return fmt.Errorf("failed to unmarshal escrow bundle: %w", err)
	}
	if wrapped.KeyID != keyID {
		return fmt.Errorf("escrow bundle key ID mismatch: got %s, want %s", wrapped.KeyID, keyID)
	}

	g.mu.Lock()
	g.keys[keyID] = wrapped
	g.mu.Unlock()

	if g.keyDir != "" {
		return g.saveWrappedKey(wrapped)
	}

	return nil
}

// Close zeroes the master key and drops all wrapped material from memory
func (g *SoftGateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	Zero(g.masterKey)
	g.keys = nil

	return nil
}

// GenerateMasterKey generates a random wrapping key
func GenerateMasterKey() ([]byte, error) {
	key := make([]byte, MasterKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate master key: %w", err)
	}
	return key, nil
}

// GenerateSalt generates a random salt for passphrase derivation
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

func (g *SoftGateway) wrap(keyID uuid.UUID, algorithm string, material []byte) (wrappedKey, error) {
	block, err := aes.NewCipher(g.masterKey)
	if err != nil {
		return wrappedKey{}, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return wrappedKey{}, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, wrapNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return wrappedKey{}, fmt.Errorf("failed to generate nonce: %w", err)
	}

	// Bind the key ID into the tag so bundles cannot be swapped between keys
	return wrappedKey{
		KeyID:     keyID,
		Algorithm: algorithm,
		Nonce:     nonce,
		Wrapped:   gcm.Seal(nil, nonce, material, keyID[:]),
	}, nil
}

func (g *SoftGateway) unwrap(wrapped wrappedKey) ([]byte, error) {
	block, err := aes.NewCipher(g.masterKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	material, err := gcm.Open(nil, wrapped.Nonce, wrapped.Wrapped, wrapped.KeyID[:])
	if err != nil {
		return nil, fmt.Errorf("failed to unwrap key %s: %w", wrapped.KeyID, err)
	}

	return material, nil
}

func (g *SoftGateway) wrappedKeyPath(keyID uuid.UUID) string {
	return filepath.Join(g.keyDir, fmt.Sprintf("wrapped_%s.json", keyID))
}

func (g *SoftGateway) saveWrappedKey(wrapped wrappedKey) error {
	data, err := json.MarshalIndent(wrapped, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal wrapped key: %w", err)
	}

	// Write with restrictive permissions
	if err := os.WriteFile(g.wrappedKeyPath(wrapped.KeyID), data, 0600); err != nil {
		return fmt.Errorf("failed to write wrapped key file: %w", err)
	}

	return nil
}

func (g *SoftGateway) loadWrappedKeys() error {
	entries, err := os.ReadDir(g.keyDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read key directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}

		data, err := os.ReadFile(filepath.Join(g.keyDir, entry.Name()))
		if err != nil {
			return fmt.Errorf("failed to read wrapped key file %s: %w", entry.Name(), err)
		}

		var wrapped wrappedKey
		if err := json.Unmarshal(data, &wrapped); err != nil {
			return fmt.Errorf("failed to unmarshal wrapped key file %s: %w", entry.Name(), err)
		}

		g.keys[wrapped.KeyID] = wrapped
	}

	return nil
}

// Verify interface compliance
var _ Gateway = (*SoftGateway)(nil)
