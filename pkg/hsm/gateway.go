// Package hsm is the boundary that owns raw key material. Everything
// above this package handles metadata and fingerprints only; bytes
// returned from a Gateway must not be cached or persisted by callers.
package hsm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrKeyMaterialNotFound = fmt.Errorf("key material not found")
	ErrInvalidMasterKey    = fmt.Errorf("invalid master key")
	ErrUnavailable         = fmt.Errorf("hsm unavailable")
)

// Gateway generates and serves key material. Implementations must be
// safe for concurrent reads of the same or different keys.
type Gateway interface {
	// GenerateKey creates material for a new key and returns it once.
	// The material is retained internally (in wrapped form only for
	// software implementations) so GetKeyMaterial can serve it later.
	GenerateKey(ctx context.Context, keyID uuid.UUID, algorithm string) ([]byte, error)

	// GetKeyMaterial returns the raw material for a key.
	// Returns ErrKeyMaterialNotFound if the gateway has no such key.
	GetKeyMaterial(ctx context.Context, keyID uuid.UUID) ([]byte, error)

	// DeleteKeyMaterial permanently removes material. Used after a key
	// is retired and all data has been re-encrypted off it.
	DeleteKeyMaterial(ctx context.Context, keyID uuid.UUID) error

	// BackupKey escrows the key's wrapped material for disaster recovery
	BackupKey(ctx context.Context, keyID uuid.UUID) error

	// RestoreKey recovers escrowed material back into the gateway
	RestoreKey(ctx context.Context, keyID uuid.UUID) error
}

// Fingerprint returns a one-way hash of key material, used to verify a
// key's identity without ever storing the material itself.
func Fingerprint(material []byte) string {
	sum := sha256.Sum256(material)
	return hex.EncodeToString(sum[:])
}

// Zero overwrites a buffer in place. Callers zero key material as soon
// as a cryptographic operation completes.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
