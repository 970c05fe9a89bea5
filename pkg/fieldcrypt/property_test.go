package fieldcrypt

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/dd0wney/cluso-dataprotect/pkg/classification"
	"github.com/dd0wney/cluso-dataprotect/pkg/encryption"
	"github.com/dd0wney/cluso-dataprotect/pkg/hsm"
	"github.com/dd0wney/cluso-dataprotect/pkg/keys"
)

// TestFieldRoundTripProperties verifies that decrypt restores exactly
// what encrypt consumed, for arbitrary field values
func TestFieldRoundTripProperties(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping property-based test in short mode")
	}

	gateway, err := hsm.NewSoftGateway(hsm.SoftGatewayConfig{
		MasterKey: make([]byte, hsm.MasterKeySize),
	})
	if err != nil {
		t.Fatalf("NewSoftGateway() error = %v", err)
	}
	manager, err := encryption.NewKeyManager(keys.NewMemoryStore(), gateway,
		encryption.KeyManagerConfig{DefaultPurpose: "graph-data"})
	if err != nil {
		t.Fatalf("NewKeyManager() error = %v", err)
	}
	crypto, err := encryption.NewCryptoEngine(manager)
	if err != nil {
		t.Fatalf("NewCryptoEngine() error = %v", err)
	}

	provider := classification.NewStaticProvider()
	provider.SetRules("Sample", []classification.PropertyRule{
		{FieldName: "text", RequiresEncryption: true},
		{FieldName: "number", RequiresEncryption: true},
		{FieldName: "flag", RequiresEncryption: true},
	})

	engine, err := NewEngine(crypto, manager, provider)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	ctx := context.Background()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30

	properties := gopter.NewProperties(parameters)

	properties.Property("typed fields survive the round trip", prop.ForAll(
		func(text string, number int64, flag bool) bool {
			record := Record{
				ID:         uuid.New(),
				EntityType: "Sample",
				Fields: map[string]any{
					"text":   text,
					"number": number,
					"flag":   flag,
				},
			}

			encrypted, err := engine.EncryptFields(ctx, record)
			if err != nil {
				return false
			}
			decrypted, err := engine.DecryptFields(ctx, encrypted)
			if err != nil {
				return false
			}

			return decrypted.Fields["text"] == text &&
				decrypted.Fields["number"] == number &&
				decrypted.Fields["flag"] == flag
		},
		gen.AnyString(),
		gen.Int64(),
		gen.Bool(),
	))

	properties.Property("unclassified fields pass through untouched", prop.ForAll(
		func(value string) bool {
			record := Record{
				ID:         uuid.New(),
				EntityType: "Sample",
				Fields:     map[string]any{"unlisted": value},
			}

			encrypted, err := engine.EncryptFields(ctx, record)
			if err != nil {
				return false
			}
			return encrypted.Fields["unlisted"] == value
		},
		gen.AnyString(),
	))

	properties.TestingRun(t)
}
