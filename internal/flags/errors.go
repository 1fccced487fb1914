package flags

import (
	"errors"
	"fmt"
)

// InconclusiveError signals that a condition or flag cannot be decided with
// the inputs available locally. It is control flow, not a fault: callers
// catch it at the flag-evaluation boundary and fall back to remote
// evaluation. It must never reach the public API.
type InconclusiveError struct {
	Reason string
}

func (e *InconclusiveError) Error() string {
	return fmt.Sprintf("cannot evaluate locally: %s", e.Reason)
}

// Inconclusive builds an InconclusiveError with a formatted reason.
func Inconclusive(format string, args ...any) *InconclusiveError {
	return &InconclusiveError{Reason: fmt.Sprintf(format, args...)}
}

// IsInconclusive reports whether err is (or wraps) an InconclusiveError.
func IsInconclusive(err error) bool {
	var target *InconclusiveError
	return errors.As(err, &target)
}
