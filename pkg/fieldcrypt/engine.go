package fieldcrypt

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dd0wney/cluso-dataprotect/pkg/classification"
	"github.com/dd0wney/cluso-dataprotect/pkg/encryption"
	"github.com/dd0wney/cluso-dataprotect/pkg/logging"
	"github.com/dd0wney/cluso-dataprotect/pkg/metrics"
)

// Engine applies field-level encryption to records according to
// classification rules. Each field gets its own key purpose, derived as
// <entity>.<field> unless a rule overrides it, so fields rotate
// independently.
type Engine struct {
	crypto   *encryption.CryptoEngine
	manager  *encryption.KeyManager
	provider classification.Provider
	schema   *Schema
	store    RecordStore
	logger   logging.Logger
	metrics  *metrics.Registry
}

// Option customizes an Engine
type Option func(*Engine)

// WithSchema replaces the default codec schema
func WithSchema(s *Schema) Option {
	return func(e *Engine) { e.schema = s }
}

// WithRecordStore sets the store used by ReEncryptFields
func WithRecordStore(s RecordStore) Option {
	return func(e *Engine) { e.store = s }
}

// WithLogger sets the logger
func WithLogger(l logging.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics sets the metrics registry
func WithMetrics(r *metrics.Registry) Option {
	return func(e *Engine) { e.metrics = r }
}

// NewEngine creates a field encryption engine
func NewEngine(crypto *encryption.CryptoEngine, manager *encryption.KeyManager, provider classification.Provider, opts ...Option) (*Engine, error) {
	if crypto == nil {
		return nil, fmt.Errorf("crypto engine is required")
	}
	if manager == nil {
		return nil, fmt.Errorf("key manager is required")
	}
	if provider == nil {
		return nil, fmt.Errorf("classification provider is required")
	}

	e := &Engine{
		crypto:   crypto,
		manager:  manager,
		provider: provider,
		schema:   NewSchema(),
		logger:   logging.NewNopLogger(),
		metrics:  metrics.DefaultRegistry(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(logging.Component("fieldcrypt"))
	return e, nil
}

// fieldPurpose derives the key purpose for a field
func fieldPurpose(entityType, fieldName, override string) string {
	if override != "" {
		return override
	}
	return entityType + "." + fieldName
}

// EncryptFields returns a copy of the record with every field the
// classification rules mark for encryption replaced by an envelope.
// All-or-nothing: any failure returns an error and the original record
// is untouched. Fields already carrying an envelope are left as-is.
func (e *Engine) EncryptFields(ctx context.Context, record Record) (Record, error) {
	rules, err := e.provider.GetPropertyRules(ctx, record.EntityType)
	if err != nil {
		return Record{}, fmt.Errorf("resolving classification rules for %q: %w", record.EntityType, err)
	}

	out := record.Clone()
	encrypted := 0
	for _, rule := range rules {
		if !rule.RequiresEncryption {
			continue
		}
		value, present := out.Fields[rule.FieldName]
		if !present || value == nil {
			continue
		}
		if IsFieldMarker(value) {
			continue // already encrypted
		}

		env, err := e.encryptField(ctx, record.EntityType, rule, value)
		if err != nil {
			return Record{}, fmt.Errorf("encrypting field %s.%s: %w",
				record.EntityType, rule.FieldName, err)
		}
		out.Fields[rule.FieldName] = env
		encrypted++
	}

	if encrypted > 0 {
		e.metrics.FieldsEncryptedTotal.WithLabelValues(record.EntityType).Add(float64(encrypted))
		e.logger.Debug("fields encrypted",
			logging.EntityType(record.EntityType),
			logging.Count(encrypted))
	}
	return out, nil
}

// encryptField runs one field through codec, crypto, and envelope
func (e *Engine) encryptField(ctx context.Context, entityType string, rule classification.PropertyRule, value any) (string, error) {
	codec := e.schema.CodecForValue(value)
	canonical, err := codec.Encode(value)
	if err != nil {
		return "", err
	}

	data, err := e.crypto.Encrypt(ctx, []byte(canonical), encryption.Context{
		Purpose: fieldPurpose(entityType, rule.FieldName, rule.KeyPurposeOverride),
	})
	if err != nil {
		return "", err
	}

	serialized, err := encryption.Serialize(data)
	if err != nil {
		return "", err
	}

	return encodeEnvelope(envelope{
		Value:        serialized,
		OriginalType: codec.TypeName,
		EncryptedAt:  data.EncryptedAt,
	})
}

// DecryptFields returns a copy of the record with every enveloped field
// restored to its original typed value. Plain fields pass through
// unchanged. All-or-nothing, same as EncryptFields.
func (e *Engine) DecryptFields(ctx context.Context, record Record) (Record, error) {
	out := record.Clone()
	decrypted := 0
	passthrough := 0

	for name, value := range out.Fields {
		if !IsFieldMarker(value) {
			passthrough++
			continue
		}

		restored, err := e.decryptField(ctx, value.(string))
		if err != nil {
			return Record{}, fmt.Errorf("decrypting field %s.%s: %w",
				record.EntityType, name, err)
		}
		out.Fields[name] = restored
		decrypted++
	}

	if decrypted > 0 {
		e.metrics.FieldsDecryptedTotal.WithLabelValues(record.EntityType).Add(float64(decrypted))
	}
	if passthrough > 0 {
		e.metrics.FieldPassthroughTotal.Add(float64(passthrough))
	}
	return out, nil
}

// decryptField runs one envelope back through crypto and codec
func (e *Engine) decryptField(ctx context.Context, marked string) (any, error) {
	env, err := decodeEnvelope(marked)
	if err != nil {
		return nil, err
	}

	data, err := encryption.Deserialize(env.Value)
	if err != nil {
		return nil, err
	}

	plaintext, err := e.crypto.Decrypt(ctx, data)
	if err != nil {
		return nil, err
	}

	codec, err := e.schema.CodecFor(env.OriginalType)
	if err != nil {
		e.metrics.TypeRestorationErrors.Inc()
		return nil, err
	}
	restored, err := codec.Decode(string(plaintext))
	if err != nil {
		e.metrics.TypeRestorationErrors.Inc()
		return nil, err
	}
	return restored, nil
}

// ReEncryptFields moves a stored record's ciphertext off an old key:
// every field encrypted under oldKeyID is decrypted and re-encrypted
// under the current active key for its purpose (or newKeyID when given).
// The store is updated once, after all fields succeed; any failure
// leaves the stored record untouched. Returns the number of fields moved.
func (e *Engine) ReEncryptFields(ctx context.Context, recordID, oldKeyID uuid.UUID, newKeyID *uuid.UUID) (int, error) {
	if e.store == nil {
		return 0, fmt.Errorf("no record store configured")
	}

	record, err := e.store.Fetch(ctx, recordID)
	if err != nil {
		return 0, err
	}

	moved := 0
	for name, value := range record.Fields {
		if !IsFieldMarker(value) {
			continue
		}
		env, err := decodeEnvelope(value.(string))
		if err != nil {
			return 0, fmt.Errorf("re-encrypting field %s: %w", name, err)
		}
		data, err := encryption.Deserialize(env.Value)
		if err != nil {
			return 0, fmt.Errorf("re-encrypting field %s: %w", name, err)
		}
		if data.KeyID != oldKeyID {
			continue
		}

		plaintext, err := e.crypto.Decrypt(ctx, data)
		if err != nil {
			return 0, fmt.Errorf("re-encrypting field %s: %w", name, err)
		}

		ec := encryption.Context{Purpose: e.purposeForField(ctx, record.EntityType, name)}
		if newKeyID != nil {
			ec.KeyID = newKeyID
		}
		fresh, err := e.crypto.Encrypt(ctx, plaintext, ec)
		if err != nil {
			return 0, fmt.Errorf("re-encrypting field %s: %w", name, err)
		}

		serialized, err := encryption.Serialize(fresh)
		if err != nil {
			return 0, err
		}
		marked, err := encodeEnvelope(envelope{
			Value:        serialized,
			OriginalType: env.OriginalType,
			EncryptedAt:  fresh.EncryptedAt,
		})
		if err != nil {
			return 0, err
		}
		record.Fields[name] = marked
		moved++
	}

	if moved == 0 {
		return 0, nil
	}
	if err := e.store.Save(ctx, record); err != nil {
		return 0, fmt.Errorf("saving re-encrypted record %s: %w", recordID, err)
	}

	e.logger.Info("record re-encrypted",
		logging.String("record_id", recordID.String()),
		logging.KeyID(oldKeyID),
		logging.Count(moved))
	return moved, nil
}

// purposeForField resolves a field's purpose through classification,
// falling back to the derived name when rules are unavailable
func (e *Engine) purposeForField(ctx context.Context, entityType, fieldName string) string {
	rules, err := e.provider.GetPropertyRules(ctx, entityType)
	if err == nil {
		for _, rule := range rules {
			if rule.FieldName == fieldName {
				return fieldPurpose(entityType, fieldName, rule.KeyPurposeOverride)
			}
		}
	}
	return fieldPurpose(entityType, fieldName, "")
}

// FieldStatus describes the protection state of one field
type FieldStatus struct {
	IsEncrypted bool
	KeyID       uuid.UUID
	EncryptedAt time.Time
	// OriginalType is the declared type the field restores to
	OriginalType string
	// NeedsReEncryption is true when the field's key is no longer the
	// active key for its purpose
	NeedsReEncryption bool
}

// GetFieldStatus inspects a field without decrypting it
func (e *Engine) GetFieldStatus(ctx context.Context, record Record, fieldName string) (FieldStatus, error) {
	value, present := record.Fields[fieldName]
	if !present {
		return FieldStatus{}, fmt.Errorf("field %q not present on record", fieldName)
	}
	if !IsFieldMarker(value) {
		return FieldStatus{}, nil
	}

	env, err := decodeEnvelope(value.(string))
	if err != nil {
		return FieldStatus{}, err
	}
	data, err := encryption.Deserialize(env.Value)
	if err != nil {
		return FieldStatus{}, err
	}

	status := FieldStatus{
		IsEncrypted:  true,
		KeyID:        data.KeyID,
		EncryptedAt:  env.EncryptedAt,
		OriginalType: env.OriginalType,
	}

	// PeekCurrentKey, not GetCurrentKey: a status read must never mint a
	// key for a purpose that has none
	current, err := e.manager.PeekCurrentKey(ctx, e.purposeForField(ctx, record.EntityType, fieldName))
	switch {
	case err == nil:
		status.NeedsReEncryption = current.ID != data.KeyID
	case errors.Is(err, encryption.ErrKeyUnavailable):
		// No active key for the purpose (compromised and not yet
		// rotated): the field has nowhere current to sit
		status.NeedsReEncryption = true
	default:
		return FieldStatus{}, err
	}

	return status, nil
}
