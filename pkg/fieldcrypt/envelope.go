package fieldcrypt

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dd0wney/cluso-dataprotect/pkg/encryption"
)

// Field envelope form: ENCFIELD:v1:<b64 json>. The JSON payload carries
// the serialized ciphertext plus what decrypt needs to restore the
// original type.
const (
	fieldPrefix  = "ENCFIELD"
	fieldVersion = "v1"
)

// envelope is the JSON payload inside a field marker
type envelope struct {
	// Value is the serialized ENC:v1 string for the field's ciphertext
	Value        string    `json:"value"`
	OriginalType string    `json:"original_type"`
	EncryptedAt  time.Time `json:"encrypted_at"`
}

// encodeEnvelope renders an envelope as a storable field value
func encodeEnvelope(env envelope) (string, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshaling field envelope: %w", err)
	}
	return fieldPrefix + ":" + fieldVersion + ":" + base64.StdEncoding.EncodeToString(raw), nil
}

// decodeEnvelope parses a marked field value. Unknown versions fail
// closed with ErrUnsupportedFormat, never pass through as plaintext.
func decodeEnvelope(s string) (envelope, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 || parts[0] != fieldPrefix {
		return envelope{}, fmt.Errorf("%w: not a field envelope", encryption.ErrUnsupportedFormat)
	}
	if parts[1] != fieldVersion {
		return envelope{}, fmt.Errorf("%w: unknown field envelope version %q",
			encryption.ErrUnsupportedFormat, parts[1])
	}

	raw, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return envelope{}, fmt.Errorf("%w: bad envelope encoding: %v", encryption.ErrUnsupportedFormat, err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return envelope{}, fmt.Errorf("%w: bad envelope payload: %v", encryption.ErrUnsupportedFormat, err)
	}
	if env.Value == "" || env.OriginalType == "" {
		return envelope{}, fmt.Errorf("%w: envelope missing value or original type", encryption.ErrUnsupportedFormat)
	}
	return env, nil
}

// IsFieldMarker reports whether a value is a marked encrypted field.
// Only string values can carry a marker.
func IsFieldMarker(value any) bool {
	s, ok := value.(string)
	return ok && strings.HasPrefix(s, fieldPrefix+":")
}
