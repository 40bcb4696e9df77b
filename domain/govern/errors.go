package govern

import (
	"errors"
	"fmt"
)

// FailKind names the terminal failure modes a caller can observe.
type FailKind string

const (
	// FailBackpressure: the admission wait was exceeded before the call
	// could start. The caller should retry later.
	FailBackpressure FailKind = "backpressure"
	// FailFatal: non-retryable provider error.
	FailFatal FailKind = "fatal"
	// FailRetriesExhausted: transient failures persisted past the retry
	// budget. The last transient error is wrapped.
	FailRetriesExhausted FailKind = "retries_exhausted"
)

// Error is the terminal error surfaced by the governor. Admission and
// retry decisions stay internal; only terminal outcomes cross the
// component boundary.
type Error struct {
	Fail   FailKind
	Kind   string // API kind
	Action string
	Err    error // Underlying cause, nil for backpressure
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("govern: %s call %q: %s", e.Kind, e.Action, e.Fail)
	}
	return fmt.Sprintf("govern: %s call %q: %s: %v", e.Kind, e.Action, e.Fail, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsBackpressure reports whether err is a governor backpressure rejection.
func IsBackpressure(err error) bool {
	ge, ok := AsError(err)
	return ok && ge.Fail == FailBackpressure
}

// AsError unwraps a governor error from err.
func AsError(err error) (*Error, bool) {
	var ge *Error
	if errors.As(err, &ge) {
		return ge, true
	}
	return nil, false
}
