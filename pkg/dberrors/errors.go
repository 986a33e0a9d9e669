package dberrors

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidKey and ErrInvalidValue reject malformed input before any
	// state is touched. Never retried automatically.
	ErrInvalidKey   = errors.New("amdb: invalid key")
	ErrInvalidValue = errors.New("amdb: invalid value")

	// ErrCapacity is returned when the write buffer's byte ceiling would be
	// exceeded; a batch stops at the boundary rather than dropping entries.
	ErrCapacity = errors.New("amdb: buffer capacity exceeded")

	// ErrDurability wraps a WAL append or sync failure.
	ErrDurability = errors.New("amdb: durability failure")

	// ErrIntegrity signals a Merkle or version-chain mismatch on read-back.
	// Always surfaced, never swallowed.
	ErrIntegrity = errors.New("amdb: integrity violation")

	// ErrFlushTimeout is returned when a synchronous flush exhausted its
	// bounded wait for an in-flight pass. It means "not yet complete",
	// not data failure.
	ErrFlushTimeout = errors.New("amdb: flush wait timed out")

	ErrClosed = errors.New("amdb: closed")
)

// PersistenceError reports a single failed flush sub-step. Sub-steps are
// isolated: one failing never aborts its siblings, so callers inspect the
// aggregated flush status rather than a single error.
type PersistenceError struct {
	Step string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("amdb: persistence step %q failed: %v", e.Step, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// NewPersistenceError tags err with the flush sub-step that produced it.
func NewPersistenceError(step string, err error) *PersistenceError {
	return &PersistenceError{Step: step, Err: err}
}
