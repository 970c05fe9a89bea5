// Package encryption implements the authenticated encryption engine and
// the key lifecycle manager it depends on. Raw key material is borrowed
// from the hsm gateway for the duration of a single operation and zeroed
// before return; only metadata and fingerprints live here.
package encryption

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// KeySize is the AES-256 key size in bytes
	KeySize = 32
	// NonceSize is the GCM standard 96-bit IV size
	NonceSize = 12
	// TagSize is the GCM 128-bit authentication tag size
	TagSize = 16
)

// EncryptedData is the immutable result of an encrypt operation.
// The embedded KeyID is what decrypt resolves against, never the
// purpose's current key, so data remains decryptable across rotations.
type EncryptedData struct {
	Ciphertext  []byte
	IV          []byte
	AuthTag     []byte
	KeyID       uuid.UUID
	Algorithm   string
	EncryptedAt time.Time
	// AdditionalAuthenticatedData is bound into the tag but not encrypted.
	// It is not carried by the serialized form; callers using AAD must
	// re-attach it before decrypting deserialized data.
	AdditionalAuthenticatedData []byte
}

// Context is the request-scoped value object for a single encrypt call.
// Not persisted.
type Context struct {
	// KeyID, when set, overrides purpose-based key resolution
	KeyID *uuid.UUID
	// Purpose selects the active key when no explicit KeyID is given
	Purpose string
	// AAD is authenticated but not encrypted
	AAD map[string]string
	// Metadata is passed through to audit events
	Metadata map[string]string
}

// canonicalAAD renders the AAD map deterministically so the same map
// always authenticates, regardless of iteration order.
func (c Context) canonicalAAD() []byte {
	if len(c.AAD) == 0 {
		return nil
	}

	keys := make([]string, 0, len(c.AAD))
	for k := range c.AAD {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(c.AAD[k])
	}
	return []byte(sb.String())
}

// CreateKeyRequest describes a key to create
type CreateKeyRequest struct {
	Purpose     string
	Algorithm   string // defaults to AES-256-GCM
	KeySizeBits int    // defaults to 256
	// Activate makes the key active immediately instead of pending
	Activate bool
	// RotateCurrent atomically demotes the purpose's current active key
	// to decrypt-only and links it via PreviousKeyID
	RotateCurrent bool
	// TTL sets ExpiresAt relative to creation when positive
	TTL time.Duration
}

// RotationOptions controls rotate behavior
type RotationOptions struct {
	// AutoReEncrypt enqueues a re-encryption job intent for data still
	// tagged with the old key
	AutoReEncrypt bool
	Reason        string
}

// RotationResult reports the outcome of a rotation
type RotationResult struct {
	NewKey           uuid.UUID
	PreviousKeyID    *uuid.UUID
	ItemsToReEncrypt int64
	// JobID is non-empty when a re-encryption job intent was emitted
	JobID string
}

// TaggedCounter counts stored items still encrypted under a given key.
// The record store implements this; a nil counter counts zero.
type TaggedCounter interface {
	CountByKeyID(ctx context.Context, keyID uuid.UUID) (int64, error)
}
