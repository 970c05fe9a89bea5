package encryption

import (
	"fmt"

	"github.com/dd0wney/cluso-dataprotect/pkg/keys"
)

var (
	// ErrKeyUnavailable means no key could be resolved for the request:
	// the purpose has no active key (with auto-provisioning disabled),
	// an explicit key ID does not exist, or the key is retired.
	ErrKeyUnavailable = fmt.Errorf("no resolvable encryption key")

	// ErrHsmUnavailable is a transient infrastructure failure talking to
	// the key material gateway. Retry policy belongs to the caller.
	ErrHsmUnavailable = fmt.Errorf("hsm unavailable")

	// ErrIntegrityViolation means authentication tag verification failed:
	// the data was tampered with or the wrong key was used. Never retried,
	// always audited, and no partial plaintext is ever returned.
	ErrIntegrityViolation = fmt.Errorf("integrity violation - data may be tampered or key mismatch")

	// ErrUnsupportedFormat means the serialized form carries an unknown
	// version token. Fails closed: never passed through as plaintext.
	ErrUnsupportedFormat = fmt.Errorf("unsupported serialization format")

	// ErrIllegalTransition is a key lifecycle state machine violation
	ErrIllegalTransition = keys.ErrIllegalTransition
)
