// Package fieldcrypt transforms records between their plain form and a
// partially-encrypted representation, driven by classification rules.
// Field values round-trip through an explicit codec registry so decrypt
// restores the original Go type, not a stringly-typed approximation.
package fieldcrypt

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// ErrTypeRestoration means a decrypted value could not be restored to
// its declared original type.
var ErrTypeRestoration = fmt.Errorf("cannot restore field to original type")

// Type names recorded in field envelopes
const (
	TypeString  = "string"
	TypeInt64   = "int64"
	TypeFloat64 = "float64"
	TypeBool    = "bool"
	TypeUUID    = "uuid"
	TypeTime    = "time"
	// TypeJSON is the fallback for values with no dedicated codec
	TypeJSON = "json"
)

// FieldCodec converts a field value to and from its canonical string
// form. Encode runs before encryption, Decode after decryption.
type FieldCodec struct {
	TypeName string
	Encode   func(value any) (string, error)
	Decode   func(s string) (any, error)
}

// Schema is a codec registry. The zero value is unusable; NewSchema
// returns one preloaded with the built-in codecs.
type Schema struct {
	codecs map[string]FieldCodec
}

// NewSchema creates a schema with the built-in codecs registered
func NewSchema() *Schema {
	s := &Schema{codecs: make(map[string]FieldCodec)}
	for _, c := range builtinCodecs() {
		s.codecs[c.TypeName] = c
	}
	return s
}

// Register adds or replaces a codec. Custom codecs let callers carry
// domain types through encryption without falling back to JSON.
func (s *Schema) Register(codec FieldCodec) error {
	if codec.TypeName == "" || codec.Encode == nil || codec.Decode == nil {
		return fmt.Errorf("codec must have a type name, encoder, and decoder")
	}
	s.codecs[codec.TypeName] = codec
	return nil
}

// CodecFor returns the codec registered for a type name.
// Returns ErrTypeRestoration for unknown names so a decrypt of data
// written with a codec this process lacks fails loudly.
func (s *Schema) CodecFor(typeName string) (FieldCodec, error) {
	c, ok := s.codecs[typeName]
	if !ok {
		return FieldCodec{}, fmt.Errorf("%w: no codec for type %q", ErrTypeRestoration, typeName)
	}
	return c, nil
}

// CodecForValue picks the codec for a Go value by its dynamic type,
// falling back to the JSON codec.
func (s *Schema) CodecForValue(value any) FieldCodec {
	var name string
	switch value.(type) {
	case string:
		name = TypeString
	case int, int32, int64:
		name = TypeInt64
	case float32, float64:
		name = TypeFloat64
	case bool:
		name = TypeBool
	case uuid.UUID:
		name = TypeUUID
	case time.Time:
		name = TypeTime
	default:
		name = TypeJSON
	}
	return s.codecs[name]
}

func builtinCodecs() []FieldCodec {
	return []FieldCodec{
		{
			TypeName: TypeString,
			Encode: func(v any) (string, error) {
				s, ok := v.(string)
				if !ok {
					return "", fmt.Errorf("expected string, got %T", v)
				}
				return s, nil
			},
			Decode: func(s string) (any, error) { return s, nil },
		},
		{
			TypeName: TypeInt64,
			Encode: func(v any) (string, error) {
				switch n := v.(type) {
				case int:
					return strconv.FormatInt(int64(n), 10), nil
				case int32:
					return strconv.FormatInt(int64(n), 10), nil
				case int64:
					return strconv.FormatInt(n, 10), nil
				default:
					return "", fmt.Errorf("expected integer, got %T", v)
				}
			},
			Decode: func(s string) (any, error) {
				n, err := strconv.ParseInt(s, 10, 64)
				if err != nil {
					return nil, fmt.Errorf("%w: %q is not an int64", ErrTypeRestoration, s)
				}
				return n, nil
			},
		},
		{
			TypeName: TypeFloat64,
			Encode: func(v any) (string, error) {
				switch f := v.(type) {
				case float32:
					return strconv.FormatFloat(float64(f), 'g', -1, 64), nil
				case float64:
					return strconv.FormatFloat(f, 'g', -1, 64), nil
				default:
					return "", fmt.Errorf("expected float, got %T", v)
				}
			},
			Decode: func(s string) (any, error) {
				f, err := strconv.ParseFloat(s, 64)
				if err != nil {
					return nil, fmt.Errorf("%w: %q is not a float64", ErrTypeRestoration, s)
				}
				return f, nil
			},
		},
		{
			TypeName: TypeBool,
			Encode: func(v any) (string, error) {
				b, ok := v.(bool)
				if !ok {
					return "", fmt.Errorf("expected bool, got %T", v)
				}
				return strconv.FormatBool(b), nil
			},
			Decode: func(s string) (any, error) {
				b, err := strconv.ParseBool(s)
				if err != nil {
					return nil, fmt.Errorf("%w: %q is not a bool", ErrTypeRestoration, s)
				}
				return b, nil
			},
		},
		{
			TypeName: TypeUUID,
			Encode: func(v any) (string, error) {
				id, ok := v.(uuid.UUID)
				if !ok {
					return "", fmt.Errorf("expected uuid, got %T", v)
				}
				return id.String(), nil
			},
			Decode: func(s string) (any, error) {
				id, err := uuid.Parse(s)
				if err != nil {
					return nil, fmt.Errorf("%w: %q is not a uuid", ErrTypeRestoration, s)
				}
				return id, nil
			},
		},
		{
			TypeName: TypeTime,
			Encode: func(v any) (string, error) {
				t, ok := v.(time.Time)
				if !ok {
					return "", fmt.Errorf("expected time, got %T", v)
				}
				return t.Format(time.RFC3339Nano), nil
			},
			Decode: func(s string) (any, error) {
				t, err := time.Parse(time.RFC3339Nano, s)
				if err != nil {
					return nil, fmt.Errorf("%w: %q is not an RFC3339 time", ErrTypeRestoration, s)
				}
				return t, nil
			},
		},
		{
			TypeName: TypeJSON,
			Encode: func(v any) (string, error) {
				raw, err := json.Marshal(v)
				if err != nil {
					return "", fmt.Errorf("marshaling field value: %w", err)
				}
				return string(raw), nil
			},
			Decode: func(s string) (any, error) {
				var v any
				if err := json.Unmarshal([]byte(s), &v); err != nil {
					return nil, fmt.Errorf("%w: invalid json payload", ErrTypeRestoration)
				}
				return v, nil
			},
		},
	}
}
