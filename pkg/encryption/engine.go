package encryption

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/dd0wney/cluso-dataprotect/pkg/audit"
	"github.com/dd0wney/cluso-dataprotect/pkg/hsm"
	"github.com/dd0wney/cluso-dataprotect/pkg/keys"
	"github.com/dd0wney/cluso-dataprotect/pkg/logging"
	"github.com/dd0wney/cluso-dataprotect/pkg/metrics"
)

// CryptoEngine performs authenticated encryption. It is stateless apart
// from its collaborators; key resolution is delegated to the KeyManager
// and material is borrowed per operation and zeroed before return.
type CryptoEngine struct {
	manager *KeyManager
	auditor audit.Recorder
	logger  logging.Logger
	metrics *metrics.Registry
}

// EngineOption customizes a CryptoEngine
type EngineOption func(*CryptoEngine)

// WithEngineAuditor sets the audit sink
func WithEngineAuditor(r audit.Recorder) EngineOption {
	return func(e *CryptoEngine) { e.auditor = r }
}

// WithEngineLogger sets the logger
func WithEngineLogger(l logging.Logger) EngineOption {
	return func(e *CryptoEngine) { e.logger = l }
}

// WithEngineMetrics sets the metrics registry
func WithEngineMetrics(r *metrics.Registry) EngineOption {
	return func(e *CryptoEngine) { e.metrics = r }
}

// NewCryptoEngine creates an engine bound to a key manager
func NewCryptoEngine(manager *KeyManager, opts ...EngineOption) (*CryptoEngine, error) {
	if manager == nil {
		return nil, fmt.Errorf("key manager is required")
	}
	e := &CryptoEngine{
		manager: manager,
		auditor: audit.NopRecorder{},
		logger:  logging.NewNopLogger(),
		metrics: metrics.DefaultRegistry(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(logging.Component("crypto-engine"))
	return e, nil
}

// Encrypt encrypts plaintext under the key the context resolves to:
// an explicit key ID if set, otherwise the purpose's active key. A
// fresh random IV is generated per call, and the result is tagged with
// the resolved key's ID so it stays decryptable across rotations.
func (e *CryptoEngine) Encrypt(ctx context.Context, plaintext []byte, ec Context) (*EncryptedData, error) {
	start := time.Now()

	key, err := e.resolveEncryptKey(ctx, ec)
	if err != nil {
		e.metrics.RecordCryptoOperation("encrypt", "error", time.Since(start), 0)
		return nil, err
	}

	material, err := e.manager.GetKeyMaterial(ctx, key.ID)
	if err != nil {
		e.metrics.RecordCryptoOperation("encrypt", "error", time.Since(start), 0)
		return nil, err
	}
	defer hsm.Zero(material)

	gcm, err := newGCM(material)
	if err != nil {
		e.metrics.RecordCryptoOperation("encrypt", "error", time.Since(start), 0)
		return nil, err
	}

	iv := make([]byte, NonceSize)
	if _, err := rand.Read(iv); err != nil {
		e.metrics.RecordCryptoOperation("encrypt", "error", time.Since(start), 0)
		return nil, fmt.Errorf("generating iv: %w", err)
	}

	aad := ec.canonicalAAD()
	sealed := gcm.Seal(nil, iv, plaintext, aad)

	// GCM appends the tag; split it back out so the tag travels as its
	// own segment in the serialized form
	ciphertext := sealed[:len(sealed)-TagSize]
	tag := sealed[len(sealed)-TagSize:]

	e.metrics.RecordCryptoOperation("encrypt", "success", time.Since(start), len(plaintext))

	return &EncryptedData{
		Ciphertext:                  ciphertext,
		IV:                          iv,
		AuthTag:                     tag,
		KeyID:                       key.ID,
		Algorithm:                   key.Algorithm,
		EncryptedAt:                 time.Now().UTC(),
		AdditionalAuthenticatedData: aad,
	}, nil
}

// Decrypt authenticates and decrypts. The key is resolved from the data's
// own KeyID, never the current active key. Tag verification failure is
// audited and returned as ErrIntegrityViolation with no partial output.
func (e *CryptoEngine) Decrypt(ctx context.Context, data *EncryptedData) ([]byte, error) {
	start := time.Now()

	if data == nil {
		return nil, fmt.Errorf("encrypted data is nil")
	}
	if len(data.IV) != NonceSize {
		return nil, fmt.Errorf("%w: iv must be %d bytes, got %d", ErrUnsupportedFormat, NonceSize, len(data.IV))
	}
	if len(data.AuthTag) != TagSize {
		return nil, fmt.Errorf("%w: auth tag must be %d bytes, got %d", ErrUnsupportedFormat, TagSize, len(data.AuthTag))
	}

	key, err := e.manager.GetKey(ctx, data.KeyID)
	if err != nil {
		e.metrics.RecordCryptoOperation("decrypt", "error", time.Since(start), 0)
		return nil, err
	}
	if !key.CanDecrypt() {
		e.metrics.RecordCryptoOperation("decrypt", "error", time.Since(start), 0)
		return nil, fmt.Errorf("%w: key %s status %s does not permit decryption",
			ErrKeyUnavailable, key.ID, key.Status)
	}

	material, err := e.manager.GetKeyMaterial(ctx, key.ID)
	if err != nil {
		e.metrics.RecordCryptoOperation("decrypt", "error", time.Since(start), 0)
		return nil, err
	}
	defer hsm.Zero(material)

	gcm, err := newGCM(material)
	if err != nil {
		e.metrics.RecordCryptoOperation("decrypt", "error", time.Since(start), 0)
		return nil, err
	}

	sealed := make([]byte, 0, len(data.Ciphertext)+len(data.AuthTag))
	sealed = append(sealed, data.Ciphertext...)
	sealed = append(sealed, data.AuthTag...)

	plaintext, err := gcm.Open(nil, data.IV, sealed, data.AdditionalAuthenticatedData)
	if err != nil {
		e.metrics.RecordCryptoOperation("decrypt", "error", time.Since(start), 0)
		e.metrics.IntegrityViolationsTotal.Inc()
		e.recordViolation(data, err)
		return nil, fmt.Errorf("%w: %v", ErrIntegrityViolation, err)
	}

	e.metrics.RecordCryptoOperation("decrypt", "success", time.Since(start), len(plaintext))
	return plaintext, nil
}

// ReEncrypt decrypts data and re-encrypts it under the key the context
// resolves to: an explicit new key ID, or the purpose's current active
// key. The intermediate plaintext is zeroed before return. Used by
// re-encryption workers draining data off old keys.
func (e *CryptoEngine) ReEncrypt(ctx context.Context, data *EncryptedData, ec Context) (*EncryptedData, error) {
	start := time.Now()

	plaintext, err := e.Decrypt(ctx, data)
	if err != nil {
		e.metrics.RecordCryptoOperation("reencrypt", "error", time.Since(start), 0)
		return nil, err
	}
	defer hsm.Zero(plaintext)

	reencrypted, err := e.Encrypt(ctx, plaintext, ec)
	if err != nil {
		e.metrics.RecordCryptoOperation("reencrypt", "error", time.Since(start), 0)
		return nil, err
	}

	e.metrics.RecordCryptoOperation("reencrypt", "success", time.Since(start), len(plaintext))
	return reencrypted, nil
}

// resolveEncryptKey picks the key for an encrypt call
func (e *CryptoEngine) resolveEncryptKey(ctx context.Context, ec Context) (keys.EncryptionKey, error) {
	if ec.KeyID != nil {
		key, err := e.manager.GetKey(ctx, *ec.KeyID)
		if err != nil {
			return keys.EncryptionKey{}, err
		}
		if !key.CanEncrypt() {
			return keys.EncryptionKey{}, fmt.Errorf("%w: key %s status %s does not permit encryption",
				ErrKeyUnavailable, key.ID, key.Status)
		}
		return key, nil
	}
	return e.manager.GetCurrentKey(ctx, ec.Purpose)
}

// recordViolation audits a failed tag verification
func (e *CryptoEngine) recordViolation(data *EncryptedData, cause error) {
	event := audit.NewEvent(audit.ActionIntegrityViolation, audit.StatusFailure)
	event.KeyID = data.KeyID.String()
	event.ErrorMessage = cause.Error()
	e.auditor.Record(event)

	e.logger.Error("integrity violation on decrypt",
		logging.KeyID(data.KeyID),
		logging.Error(cause))
}

// newGCM builds an AES-GCM AEAD from raw material
func newGCM(material []byte) (cipher.AEAD, error) {
	if len(material) != KeySize {
		return nil, fmt.Errorf("%w: key material must be %d bytes, got %d",
			ErrKeyUnavailable, KeySize, len(material))
	}
	block, err := aes.NewCipher(material)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating gcm: %w", err)
	}
	return gcm, nil
}
