// Provides common matstore error definitions.
package materrs

import "errors"

var (
	ErrClosed      = errors.New("matstore: store is not open")
	ErrNoSuchNode  = errors.New("matstore: unknown node")
	ErrNoSuchIndex = errors.New("matstore: unknown index")

	// ErrConstraintViolation signals a unique-index duplicate key.
	// It is an upstream consistency bug, never retried here.
	ErrConstraintViolation = errors.New("matstore: unique constraint violation")
	// ErrRowAbsent signals removal of a row that is not present.
	ErrRowAbsent = errors.New("matstore: removed row is absent")

	// ErrStorageIO wraps failures of the durable medium. Fatal for the
	// affected node until resolved.
	ErrStorageIO = errors.New("matstore: durable storage failure")
	// ErrRecoveryInconsistency means the on-disk checkpoint and data
	// disagree. Surfaced at startup, never auto-repaired.
	ErrRecoveryInconsistency = errors.New("matstore: checkpoint/data mismatch on recovery")

	ErrBadValue  = errors.New("matstore: bad value encoding")
	ErrBadSchema = errors.New("matstore: bad schema")
	ErrKeyWidth  = errors.New("matstore: key width does not match the index")
	ErrNotRanged = errors.New("matstore: index does not support range lookups")
)
