package encryption

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestCryptoProperties verifies invariants that must hold for any input
func TestCryptoProperties(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping property-based test in short mode")
	}

	e, _ := newTestEngine(t)
	ctx := context.Background()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30

	properties := gopter.NewProperties(parameters)

	// Property 1: decrypt(encrypt(p)) == p for any payload
	properties.Property("round trip recovers plaintext", prop.ForAll(
		func(plaintext []byte) bool {
			data, err := e.Encrypt(ctx, plaintext, Context{Purpose: "graph-data"})
			if err != nil {
				return false
			}
			got, err := e.Decrypt(ctx, data)
			if err != nil {
				return false
			}
			return bytes.Equal(got, plaintext)
		},
		gen.SliceOf(gen.UInt8()),
	))

	// Property 2: flipping any single bit fails authentication
	properties.Property("any bit flip is detected", prop.ForAll(
		func(plaintext []byte, bitIndex uint) bool {
			if len(plaintext) == 0 {
				return true
			}
			data, err := e.Encrypt(ctx, plaintext, Context{Purpose: "graph-data"})
			if err != nil {
				return false
			}

			tampered := *data
			tampered.Ciphertext = bytes.Clone(data.Ciphertext)
			bit := bitIndex % uint(len(tampered.Ciphertext)*8)
			tampered.Ciphertext[bit/8] ^= 1 << (bit % 8)

			_, err = e.Decrypt(ctx, &tampered)
			return errors.Is(err, ErrIntegrityViolation)
		},
		gen.SliceOfN(32, gen.UInt8()),
		gen.UInt(),
	))

	// Property 3: serialization round trip preserves decryptability
	properties.Property("serialize then deserialize still decrypts", prop.ForAll(
		func(plaintext []byte) bool {
			data, err := e.Encrypt(ctx, plaintext, Context{Purpose: "graph-data"})
			if err != nil {
				return false
			}
			s, err := Serialize(data)
			if err != nil {
				return false
			}
			parsed, err := Deserialize(s)
			if err != nil {
				return false
			}
			got, err := e.Decrypt(ctx, parsed)
			if err != nil {
				return false
			}
			return bytes.Equal(got, plaintext)
		},
		gen.SliceOf(gen.UInt8()),
	))

	// Property 4: arbitrary strings never deserialize by accident unless
	// they carry a full well-formed envelope
	properties.Property("plain strings fail deserialization closed", prop.ForAll(
		func(s string) bool {
			if IsEncryptedMarker(s) {
				return true // generator produced a marked string, skip
			}
			_, err := Deserialize(s)
			return errors.Is(err, ErrUnsupportedFormat)
		},
		gen.AnyString(),
	))

	properties.TestingRun(t)
}
