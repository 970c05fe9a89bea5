// Package keys defines encryption key metadata and the key lifecycle
// state machine. Key material itself never appears in this package:
// only identifiers, status, and a fingerprint of the material are held.
package keys

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrKeyNotFound       = fmt.Errorf("key not found")
	ErrIllegalTransition = fmt.Errorf("illegal key status transition")
	ErrActiveKeyExists   = fmt.Errorf("an active key already exists for this purpose")
)

// KeyStatus represents the lifecycle status of a key
type KeyStatus string

const (
	// KeyStatusPending is a created key that has not been activated yet
	KeyStatusPending KeyStatus = "pending"
	// KeyStatusActive is the single key per purpose used for new encryption
	KeyStatusActive KeyStatus = "active"
	// KeyStatusDecrypt is a rotated-out key that retains decrypt capability only
	KeyStatusDecrypt KeyStatus = "decrypt"
	// KeyStatusCompromised blocks new encryption but still permits decryption
	// so that urgent re-encryption can drain data off the key
	KeyStatusCompromised KeyStatus = "compromised"
	// KeyStatusRetired is terminal: the key is permanently unresolvable
	KeyStatusRetired KeyStatus = "retired"
)

// AlgorithmAES256GCM is the only algorithm this core produces new keys for.
const AlgorithmAES256GCM = "AES-256-GCM"

// EncryptionKey is an immutable metadata snapshot of a managed key.
// Status transitions produce a new snapshot via WithStatus rather than
// mutating a shared record in place.
type EncryptionKey struct {
	ID            uuid.UUID  `json:"id"`
	Purpose       string     `json:"purpose"`
	Algorithm     string     `json:"algorithm"`
	KeySizeBits   int        `json:"key_size_bits"`
	Status        KeyStatus  `json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
	ActivatedAt   *time.Time `json:"activated_at,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	RetiredAt     *time.Time `json:"retired_at,omitempty"`
	PreviousKeyID *uuid.UUID `json:"previous_key_id,omitempty"`
	Fingerprint   string     `json:"fingerprint"`
	StatusReason  string     `json:"status_reason,omitempty"`
}

// transitions is the legal state machine:
// Pending -> Active -> {Decrypt -> Retired | Compromised -> Retired},
// with Active -> Compromised as a direct emergency transition and
// Pending/Decrypt -> Compromised permitted as non-terminal sources.
var transitions = map[KeyStatus][]KeyStatus{
	KeyStatusPending:     {KeyStatusActive, KeyStatusCompromised},
	KeyStatusActive:      {KeyStatusDecrypt, KeyStatusCompromised},
	KeyStatusDecrypt:     {KeyStatusRetired, KeyStatusCompromised},
	KeyStatusCompromised: {KeyStatusRetired},
	KeyStatusRetired:     {},
}

// CanTransition reports whether a status change is legal.
// Self-transitions are not legal: idempotent no-ops are rejected so that
// callers see conflicts instead of silent success.
func CanTransition(from, to KeyStatus) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions are possible.
func (s KeyStatus) IsTerminal() bool {
	return len(transitions[s]) == 0
}

// CanEncrypt reports whether the key may be used for new encryption.
func (k EncryptionKey) CanEncrypt() bool {
	return k.Status == KeyStatusActive
}

// CanDecrypt reports whether the key may still be used for decryption.
// Compromised keys decrypt so data can be urgently re-encrypted off them.
func (k EncryptionKey) CanDecrypt() bool {
	switch k.Status {
	case KeyStatusActive, KeyStatusDecrypt, KeyStatusCompromised:
		return true
	default:
		return false
	}
}

// WithStatus returns a new snapshot with the status changed.
// Returns ErrIllegalTransition if the state machine forbids the change.
// PreviousKeyID, once set, is never altered by a transition.
func (k EncryptionKey) WithStatus(to KeyStatus, reason string) (EncryptionKey, error) {
	if !CanTransition(k.Status, to) {
		return EncryptionKey{}, fmt.Errorf("%w: %s -> %s for key %s",
			ErrIllegalTransition, k.Status, to, k.ID)
	}

	next := k
	next.Status = to
	next.StatusReason = reason

	now := time.Now().UTC()
	switch to {
	case KeyStatusActive:
		next.ActivatedAt = &now
	case KeyStatusRetired:
		next.RetiredAt = &now
	}

	return next, nil
}

// Age returns how long ago the key was created.
func (k EncryptionKey) Age() time.Duration {
	return time.Since(k.CreatedAt)
}
