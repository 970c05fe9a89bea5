package encryption

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Serialized form: ENC:v1:<b64 ct>:<b64 iv>:<b64 tag>:<key-id>:<algorithm>
// Base64 is the standard alphabet, which never emits ':', so a plain
// colon split is unambiguous.
const (
	encPrefix  = "ENC"
	encVersion = "v1"

	serializedSegments = 7
)

// Serialize renders encrypted data as a single storable string.
// AAD is not carried: callers that authenticated additional data must
// re-attach it to the deserialized value before decrypting.
func Serialize(data *EncryptedData) (string, error) {
	if data == nil {
		return "", fmt.Errorf("encrypted data is nil")
	}
	if data.KeyID == uuid.Nil {
		return "", fmt.Errorf("encrypted data has no key id")
	}

	enc := base64.StdEncoding
	return strings.Join([]string{
		encPrefix,
		encVersion,
		enc.EncodeToString(data.Ciphertext),
		enc.EncodeToString(data.IV),
		enc.EncodeToString(data.AuthTag),
		data.KeyID.String(),
		data.Algorithm,
	}, ":"), nil
}

// Deserialize parses a serialized string back into EncryptedData.
// Unknown versions fail closed with ErrUnsupportedFormat: a string that
// looks encrypted is never passed through as plaintext.
func Deserialize(s string) (*EncryptedData, error) {
	parts := strings.Split(s, ":")
	if len(parts) != serializedSegments {
		return nil, fmt.Errorf("%w: expected %d segments, got %d",
			ErrUnsupportedFormat, serializedSegments, len(parts))
	}
	if parts[0] != encPrefix {
		return nil, fmt.Errorf("%w: missing %s prefix", ErrUnsupportedFormat, encPrefix)
	}
	if parts[1] != encVersion {
		return nil, fmt.Errorf("%w: unknown version %q", ErrUnsupportedFormat, parts[1])
	}

	enc := base64.StdEncoding
	ciphertext, err := enc.DecodeString(parts[2])
	if err != nil {
		return nil, fmt.Errorf("%w: bad ciphertext encoding: %v", ErrUnsupportedFormat, err)
	}
	iv, err := enc.DecodeString(parts[3])
	if err != nil {
		return nil, fmt.Errorf("%w: bad iv encoding: %v", ErrUnsupportedFormat, err)
	}
	tag, err := enc.DecodeString(parts[4])
	if err != nil {
		return nil, fmt.Errorf("%w: bad auth tag encoding: %v", ErrUnsupportedFormat, err)
	}
	keyID, err := uuid.Parse(parts[5])
	if err != nil {
		return nil, fmt.Errorf("%w: bad key id: %v", ErrUnsupportedFormat, err)
	}
	if len(iv) != NonceSize {
		return nil, fmt.Errorf("%w: iv must be %d bytes, got %d", ErrUnsupportedFormat, NonceSize, len(iv))
	}
	if len(tag) != TagSize {
		return nil, fmt.Errorf("%w: auth tag must be %d bytes, got %d", ErrUnsupportedFormat, TagSize, len(tag))
	}

	return &EncryptedData{
		Ciphertext:  ciphertext,
		IV:          iv,
		AuthTag:     tag,
		KeyID:       keyID,
		Algorithm:   parts[6],
		EncryptedAt: time.Time{},
	}, nil
}

// IsEncryptedMarker reports whether a string carries the serialized
// prefix. It is a cheap routing check, not validation: a marked string
// can still fail Deserialize.
func IsEncryptedMarker(s string) bool {
	return strings.HasPrefix(s, encPrefix+":")
}
