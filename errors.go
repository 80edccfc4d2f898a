package botstate

import (
	"errors"
	"fmt"
)

// Sentinel errors of the state layer. Callers match them with [errors.Is].
var (
	// ErrNotFound reports an expected file or record that is absent. Most
	// callers degrade to a documented default instead of failing.
	ErrNotFound = errors.New("not found")

	// ErrConflict reports an optimistic-concurrency failure: the persisted
	// snapshot advanced underneath the caller since it was restored. The
	// caller decides whether to re-run against the newer snapshot; this
	// package never retries on its own.
	ErrConflict = errors.New("snapshot advanced since restore")

	// ErrSourceUnavailable reports that the broker balance could not be
	// obtained. The reconciliation cycle is aborted without mutating the
	// position store.
	ErrSourceUnavailable = errors.New("broker balance unavailable")
)

// ValidationError reports a malformed entry rejected on append. The record
// was not written; it is the caller's responsibility to fix and retry.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalidf(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
