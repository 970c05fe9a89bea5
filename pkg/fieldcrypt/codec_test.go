package fieldcrypt

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestBuiltinCodecsRoundTrip(t *testing.T) {
	schema := NewSchema()

	tests := []struct {
		name     string
		value    any
		typeName string
	}{
		{"string", "hello", TypeString},
		{"int", 42, TypeInt64},
		{"int64", int64(-9000), TypeInt64},
		{"float64", 3.14159, TypeFloat64},
		{"bool", true, TypeBool},
		{"uuid", uuid.MustParse("7f6b7fbc-2d71-44d1-a25e-0a0f2f8a3c1d"), TypeUUID},
		{"time", time.Date(2025, 6, 1, 8, 0, 0, 123456789, time.UTC), TypeTime},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			codec := schema.CodecForValue(tt.value)
			if codec.TypeName != tt.typeName {
				t.Fatalf("CodecForValue() picked %q, want %q", codec.TypeName, tt.typeName)
			}

			encoded, err := codec.Encode(tt.value)
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}
			decoded, err := codec.Decode(encoded)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}

			// Integers normalize to int64 on the way back
			want := tt.value
			if n, ok := want.(int); ok {
				want = int64(n)
			}
			if tm, ok := want.(time.Time); ok {
				if !decoded.(time.Time).Equal(tm) {
					t.Errorf("Decode() = %v, want %v", decoded, tm)
				}
				return
			}
			if decoded != want {
				t.Errorf("Decode() = %v (%T), want %v (%T)", decoded, decoded, want, want)
			}
		})
	}
}

func TestJSONFallbackCodec(t *testing.T) {
	schema := NewSchema()

	value := map[string]any{"nested": []any{"a", "b"}, "n": float64(3)}
	codec := schema.CodecForValue(value)
	if codec.TypeName != TypeJSON {
		t.Fatalf("CodecForValue(map) picked %q, want json fallback", codec.TypeName)
	}

	encoded, err := codec.Encode(value)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	decoded, err := codec.Decode(encoded)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	m, ok := decoded.(map[string]any)
	if !ok {
		t.Fatalf("Decode() = %T, want map", decoded)
	}
	if m["n"] != float64(3) {
		t.Errorf("n = %v, want 3", m["n"])
	}
}

func TestCodecDecodeBadInput(t *testing.T) {
	schema := NewSchema()

	tests := []struct {
		typeName string
		input    string
	}{
		{TypeInt64, "not a number"},
		{TypeFloat64, "NaN-ish"},
		{TypeBool, "maybe"},
		{TypeUUID, "not-a-uuid"},
		{TypeTime, "yesterday"},
		{TypeJSON, "{broken"},
	}

	for _, tt := range tests {
		t.Run(tt.typeName, func(t *testing.T) {
			codec, err := schema.CodecFor(tt.typeName)
			if err != nil {
				t.Fatalf("CodecFor(%q) error = %v", tt.typeName, err)
			}
			if _, err := codec.Decode(tt.input); !errors.Is(err, ErrTypeRestoration) {
				t.Errorf("Decode(%q) error = %v, want ErrTypeRestoration", tt.input, err)
			}
		})
	}
}

func TestCodecForUnknownType(t *testing.T) {
	schema := NewSchema()
	if _, err := schema.CodecFor("exotic"); !errors.Is(err, ErrTypeRestoration) {
		t.Errorf("CodecFor(exotic) error = %v, want ErrTypeRestoration", err)
	}
}

func TestRegisterCustomCodec(t *testing.T) {
	schema := NewSchema()

	err := schema.Register(FieldCodec{
		TypeName: "upper",
		Encode:   func(v any) (string, error) { return v.(string), nil },
		Decode:   func(s string) (any, error) { return s, nil },
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if _, err := schema.CodecFor("upper"); err != nil {
		t.Errorf("CodecFor(upper) error = %v after registration", err)
	}

	if err := schema.Register(FieldCodec{TypeName: "incomplete"}); err == nil {
		t.Error("Register() should reject a codec without encode/decode")
	}
}
