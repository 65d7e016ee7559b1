package browser

import "fmt"

// ErrorKind classifies driver failures for the orchestrator's skip and halt
// logic.
type ErrorKind string

const (
	ErrNotReady       ErrorKind = "not_ready"
	ErrSelectorMissed ErrorKind = "selector_missed"
	ErrSendFailed     ErrorKind = "send_failed"
)

// Error is a classified driver failure.
type Error struct {
	Kind  ErrorKind
	Op    string
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("driver %s (%s): %v", e.Op, e.Kind, e.cause)
	}
	return fmt.Sprintf("driver %s (%s)", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.cause }

func newError(kind ErrorKind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, cause: cause}
}
