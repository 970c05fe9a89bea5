package fieldcrypt

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/dd0wney/cluso-dataprotect/pkg/classification"
	"github.com/dd0wney/cluso-dataprotect/pkg/encryption"
	"github.com/dd0wney/cluso-dataprotect/pkg/hsm"
	"github.com/dd0wney/cluso-dataprotect/pkg/keys"
)

func newTestStack(t *testing.T, opts ...Option) (*Engine, *encryption.KeyManager, *MemoryRecordStore) {
	t.Helper()

	gateway, err := hsm.NewSoftGateway(hsm.SoftGatewayConfig{
		MasterKey: make([]byte, hsm.MasterKeySize),
	})
	if err != nil {
		t.Fatalf("NewSoftGateway() error = %v", err)
	}

	store := NewMemoryRecordStore()
	manager, err := encryption.NewKeyManager(keys.NewMemoryStore(), gateway,
		encryption.KeyManagerConfig{DefaultPurpose: "graph-data"},
		encryption.WithTaggedCounter(store),
	)
	if err != nil {
		t.Fatalf("NewKeyManager() error = %v", err)
	}

	crypto, err := encryption.NewCryptoEngine(manager)
	if err != nil {
		t.Fatalf("NewCryptoEngine() error = %v", err)
	}

	provider := classification.NewStaticProvider()
	provider.SetRules("Person", []classification.PropertyRule{
		{FieldName: "ssn", RequiresEncryption: true},
		{FieldName: "email", RequiresEncryption: true, KeyPurposeOverride: "contact-data"},
		{FieldName: "age", RequiresEncryption: true},
		{FieldName: "balance", RequiresEncryption: true},
		{FieldName: "verified", RequiresEncryption: true},
		{FieldName: "account_id", RequiresEncryption: true},
		{FieldName: "joined_at", RequiresEncryption: true},
		{FieldName: "display_name", RequiresEncryption: false},
	})

	engine, err := NewEngine(crypto, manager, provider, append([]Option{WithRecordStore(store)}, opts...)...)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	return engine, manager, store
}

func newPersonRecord() Record {
	return Record{
		ID:         uuid.New(),
		EntityType: "Person",
		Fields: map[string]any{
			"ssn":          "123-45-6789",
			"email":        "ada@example.com",
			"age":          int64(37),
			"balance":      1234.56,
			"verified":     true,
			"account_id":   uuid.MustParse("7f6b7fbc-2d71-44d1-a25e-0a0f2f8a3c1d"),
			"joined_at":    time.Date(2024, 3, 9, 12, 30, 0, 0, time.UTC),
			"display_name": "Ada",
		},
	}
}

func TestEncryptDecryptFieldsRoundTrip(t *testing.T) {
	engine, _, _ := newTestStack(t)
	ctx := context.Background()
	record := newPersonRecord()

	encrypted, err := engine.EncryptFields(ctx, record)
	if err != nil {
		t.Fatalf("EncryptFields() error = %v", err)
	}

	// Classified fields are replaced by envelopes
	for _, field := range []string{"ssn", "email", "age", "balance", "verified", "account_id", "joined_at"} {
		if !IsFieldMarker(encrypted.Fields[field]) {
			t.Errorf("field %q should be enveloped, got %v", field, encrypted.Fields[field])
		}
	}
	// Unclassified and not-requiring fields pass through
	if encrypted.Fields["display_name"] != "Ada" {
		t.Errorf("display_name = %v, want Ada untouched", encrypted.Fields["display_name"])
	}
	// Original record is untouched
	if IsFieldMarker(record.Fields["ssn"]) {
		t.Error("EncryptFields mutated its input")
	}

	decrypted, err := engine.DecryptFields(ctx, encrypted)
	if err != nil {
		t.Fatalf("DecryptFields() error = %v", err)
	}

	if got := decrypted.Fields["ssn"]; got != "123-45-6789" {
		t.Errorf("ssn = %v (%T), want string 123-45-6789", got, got)
	}
	if got := decrypted.Fields["age"]; got != int64(37) {
		t.Errorf("age = %v (%T), want int64 37", got, got)
	}
	if got := decrypted.Fields["balance"]; got != 1234.56 {
		t.Errorf("balance = %v (%T), want float64 1234.56", got, got)
	}
	if got := decrypted.Fields["verified"]; got != true {
		t.Errorf("verified = %v (%T), want bool true", got, got)
	}
	if got := decrypted.Fields["account_id"]; got != uuid.MustParse("7f6b7fbc-2d71-44d1-a25e-0a0f2f8a3c1d") {
		t.Errorf("account_id = %v (%T), want original uuid", got, got)
	}
	if got, ok := decrypted.Fields["joined_at"].(time.Time); !ok || !got.Equal(record.Fields["joined_at"].(time.Time)) {
		t.Errorf("joined_at = %v, want original time", decrypted.Fields["joined_at"])
	}
}

func TestEncryptFieldsPurposeDerivation(t *testing.T) {
	engine, manager, _ := newTestStack(t)
	ctx := context.Background()

	encrypted, err := engine.EncryptFields(ctx, newPersonRecord())
	if err != nil {
		t.Fatalf("EncryptFields() error = %v", err)
	}

	ssnStatus, err := engine.GetFieldStatus(ctx, encrypted, "ssn")
	if err != nil {
		t.Fatalf("GetFieldStatus(ssn) error = %v", err)
	}
	ssnKey, err := manager.GetCurrentKey(ctx, "Person.ssn")
	if err != nil {
		t.Fatalf("GetCurrentKey(Person.ssn) error = %v", err)
	}
	if ssnStatus.KeyID != ssnKey.ID {
		t.Errorf("ssn key = %s, want derived-purpose key %s", ssnStatus.KeyID, ssnKey.ID)
	}

	// The email rule overrides its purpose
	emailStatus, err := engine.GetFieldStatus(ctx, encrypted, "email")
	if err != nil {
		t.Fatalf("GetFieldStatus(email) error = %v", err)
	}
	emailKey, err := manager.GetCurrentKey(ctx, "contact-data")
	if err != nil {
		t.Fatalf("GetCurrentKey(contact-data) error = %v", err)
	}
	if emailStatus.KeyID != emailKey.ID {
		t.Errorf("email key = %s, want override-purpose key %s", emailStatus.KeyID, emailKey.ID)
	}
}

func TestEncryptFieldsIdempotent(t *testing.T) {
	engine, _, _ := newTestStack(t)
	ctx := context.Background()

	once, err := engine.EncryptFields(ctx, newPersonRecord())
	if err != nil {
		t.Fatalf("EncryptFields() error = %v", err)
	}
	twice, err := engine.EncryptFields(ctx, once)
	if err != nil {
		t.Fatalf("EncryptFields() second pass error = %v", err)
	}

	// Already-enveloped fields are not double-encrypted
	if once.Fields["ssn"] != twice.Fields["ssn"] {
		t.Error("second EncryptFields re-encrypted an already enveloped field")
	}
}

func TestDecryptFieldsPassthrough(t *testing.T) {
	engine, _, _ := newTestStack(t)
	ctx := context.Background()

	record := Record{
		ID:         uuid.New(),
		EntityType: "Unclassified",
		Fields: map[string]any{
			"plain":  "not encrypted",
			"number": int64(7),
		},
	}

	out, err := engine.DecryptFields(ctx, record)
	if err != nil {
		t.Fatalf("DecryptFields() error = %v", err)
	}
	if out.Fields["plain"] != "not encrypted" || out.Fields["number"] != int64(7) {
		t.Errorf("passthrough fields changed: %+v", out.Fields)
	}
}

func TestDecryptFieldsUnknownEnvelopeVersion(t *testing.T) {
	engine, _, _ := newTestStack(t)
	ctx := context.Background()

	encrypted, err := engine.EncryptFields(ctx, newPersonRecord())
	if err != nil {
		t.Fatalf("EncryptFields() error = %v", err)
	}

	bumped := strings.Replace(encrypted.Fields["ssn"].(string), "ENCFIELD:v1:", "ENCFIELD:v9:", 1)
	encrypted.Fields["ssn"] = bumped

	_, err = engine.DecryptFields(ctx, encrypted)
	if !errors.Is(err, encryption.ErrUnsupportedFormat) {
		t.Errorf("DecryptFields(v9) error = %v, want ErrUnsupportedFormat", err)
	}
}

func TestDecryptFieldsTypeRestorationFails(t *testing.T) {
	engine, _, _ := newTestStack(t)
	ctx := context.Background()

	record := Record{ID: uuid.New(), EntityType: "Person", Fields: map[string]any{"ssn": "x"}}
	encrypted, err := engine.EncryptFields(ctx, record)
	if err != nil {
		t.Fatalf("EncryptFields() error = %v", err)
	}

	// Rewrite the declared type to one this process has no codec for
	env, err := decodeEnvelope(encrypted.Fields["ssn"].(string))
	if err != nil {
		t.Fatalf("decodeEnvelope() error = %v", err)
	}
	env.OriginalType = "exotic"
	remarked, err := encodeEnvelope(env)
	if err != nil {
		t.Fatalf("encodeEnvelope() error = %v", err)
	}
	encrypted.Fields["ssn"] = remarked

	_, err = engine.DecryptFields(ctx, encrypted)
	if !errors.Is(err, ErrTypeRestoration) {
		t.Errorf("DecryptFields() error = %v, want ErrTypeRestoration", err)
	}
}

func TestReEncryptFieldsMovesOffOldKey(t *testing.T) {
	engine, manager, store := newTestStack(t)
	ctx := context.Background()

	record := Record{
		ID:         uuid.New(),
		EntityType: "Person",
		Fields:     map[string]any{"ssn": "123-45-6789", "display_name": "Ada"},
	}
	encrypted, err := engine.EncryptFields(ctx, record)
	if err != nil {
		t.Fatalf("EncryptFields() error = %v", err)
	}
	if err := store.Save(ctx, encrypted); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	oldStatus, err := engine.GetFieldStatus(ctx, encrypted, "ssn")
	if err != nil {
		t.Fatalf("GetFieldStatus() error = %v", err)
	}

	// The store reports the record as tagged with the old key
	count, err := store.CountByKeyID(ctx, oldStatus.KeyID)
	if err != nil || count != 1 {
		t.Fatalf("CountByKeyID() = %d, %v, want 1, nil", count, err)
	}

	result, err := manager.RotateKey(ctx, "Person.ssn", encryption.RotationOptions{})
	if err != nil {
		t.Fatalf("RotateKey() error = %v", err)
	}

	moved, err := engine.ReEncryptFields(ctx, record.ID, oldStatus.KeyID, nil)
	if err != nil {
		t.Fatalf("ReEncryptFields() error = %v", err)
	}
	if moved != 1 {
		t.Errorf("moved = %d, want 1", moved)
	}

	fresh, err := store.Fetch(ctx, record.ID)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	status, err := engine.GetFieldStatus(ctx, fresh, "ssn")
	if err != nil {
		t.Fatalf("GetFieldStatus() after re-encrypt error = %v", err)
	}
	if status.KeyID != result.NewKey {
		t.Errorf("key after re-encrypt = %s, want %s", status.KeyID, result.NewKey)
	}
	if status.NeedsReEncryption {
		t.Error("field should not need re-encryption under the new key")
	}

	// Nothing is tagged with the old key anymore
	count, err = store.CountByKeyID(ctx, oldStatus.KeyID)
	if err != nil || count != 0 {
		t.Errorf("CountByKeyID(old) = %d, %v, want 0, nil", count, err)
	}

	// And the plaintext is still recoverable
	decrypted, err := engine.DecryptFields(ctx, fresh)
	if err != nil {
		t.Fatalf("DecryptFields() error = %v", err)
	}
	if decrypted.Fields["ssn"] != "123-45-6789" {
		t.Errorf("ssn = %v, want original value", decrypted.Fields["ssn"])
	}
}

func TestReEncryptFieldsUnknownRecord(t *testing.T) {
	engine, _, _ := newTestStack(t)

	_, err := engine.ReEncryptFields(context.Background(), uuid.New(), uuid.New(), nil)
	if !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("ReEncryptFields() error = %v, want ErrRecordNotFound", err)
	}
}

func TestGetFieldStatusNeedsReEncryptionAfterRotation(t *testing.T) {
	engine, manager, _ := newTestStack(t)
	ctx := context.Background()

	record := Record{ID: uuid.New(), EntityType: "Person", Fields: map[string]any{"ssn": "x"}}
	encrypted, err := engine.EncryptFields(ctx, record)
	if err != nil {
		t.Fatalf("EncryptFields() error = %v", err)
	}

	before, err := engine.GetFieldStatus(ctx, encrypted, "ssn")
	if err != nil {
		t.Fatalf("GetFieldStatus() error = %v", err)
	}
	if !before.IsEncrypted || before.NeedsReEncryption {
		t.Errorf("before rotation: %+v, want encrypted and current", before)
	}
	if before.OriginalType != TypeString {
		t.Errorf("original type = %q, want %q", before.OriginalType, TypeString)
	}

	if _, err := manager.RotateKey(ctx, "Person.ssn", encryption.RotationOptions{}); err != nil {
		t.Fatalf("RotateKey() error = %v", err)
	}

	after, err := engine.GetFieldStatus(ctx, encrypted, "ssn")
	if err != nil {
		t.Fatalf("GetFieldStatus() after rotation error = %v", err)
	}
	if !after.NeedsReEncryption {
		t.Error("field should need re-encryption after rotation")
	}
}

func TestGetFieldStatusWithNoActiveKeyDoesNotProvision(t *testing.T) {
	engine, manager, _ := newTestStack(t)
	ctx := context.Background()

	record := Record{ID: uuid.New(), EntityType: "Person", Fields: map[string]any{"ssn": "x"}}
	encrypted, err := engine.EncryptFields(ctx, record)
	if err != nil {
		t.Fatalf("EncryptFields() error = %v", err)
	}

	status, err := engine.GetFieldStatus(ctx, encrypted, "ssn")
	if err != nil {
		t.Fatalf("GetFieldStatus() error = %v", err)
	}

	// Compromise the field's key without rotating: the purpose now has
	// no active key at all
	if _, err := manager.CompromiseKey(ctx, status.KeyID, "exposure"); err != nil {
		t.Fatalf("CompromiseKey() error = %v", err)
	}

	after, err := engine.GetFieldStatus(ctx, encrypted, "ssn")
	if err != nil {
		t.Fatalf("GetFieldStatus() with no active key error = %v", err)
	}
	if !after.NeedsReEncryption {
		t.Error("field under a compromised key should need re-encryption")
	}

	// The status read must not have minted a replacement key
	all, err := manager.ListKeys(ctx, "Person.ssn")
	if err != nil {
		t.Fatalf("ListKeys() error = %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("key count = %d, want 1 (the compromised key only)", len(all))
	}
	if all[0].Status != keys.KeyStatusCompromised {
		t.Errorf("key status = %s, want compromised", all[0].Status)
	}
}

func TestGetFieldStatusPlainField(t *testing.T) {
	engine, _, _ := newTestStack(t)

	record := Record{ID: uuid.New(), EntityType: "Person", Fields: map[string]any{"display_name": "Ada"}}
	status, err := engine.GetFieldStatus(context.Background(), record, "display_name")
	if err != nil {
		t.Fatalf("GetFieldStatus(plain) error = %v", err)
	}
	if status.IsEncrypted {
		t.Error("plain field reported as encrypted")
	}
}
