package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures for the retry supervisor.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	// KindValidation is malformed input to an agent. Never retried.
	KindValidation
	// KindTransient is I/O or timeout. Retried with backoff.
	KindTransient
	// KindExternalService is a well formed failure from a dependency.
	// Retried up to a small bound, then fatal.
	KindExternalService
	// KindStateConflict is a stale transition attempt. Logged and dropped.
	KindStateConflict
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindTransient:
		return "transient"
	case KindExternalService:
		return "external_service"
	case KindStateConflict:
		return "state_conflict"
	default:
		return "unknown"
	}
}

// Error is the typed failure carried through the engine.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func ValidationError(op, format string, args ...any) error {
	return &Error{Kind: KindValidation, Op: op, Err: fmt.Errorf(format, args...)}
}

func TransientError(op string, err error) error {
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

func ExternalServiceError(op string, err error) error {
	return &Error{Kind: KindExternalService, Op: op, Err: err}
}

// KindOf extracts the ErrorKind of err, KindUnknown when untyped.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsStateConflict reports whether err is a stale or illegal transition.
func IsStateConflict(err error) bool {
	return KindOf(err) == KindStateConflict
}

var (
	ErrWorkflowNotFound  = errors.New("workflow not found")
	ErrWorkflowExists    = errors.New("workflow already exists")
	ErrJobNotFound       = errors.New("job not found")
	ErrJobNotRunning     = errors.New("job is not running")
	ErrNoJob             = errors.New("no job available")
	ErrUnknownAgent      = errors.New("unknown agent type")
	ErrNotAwaitingQuotes = errors.New("workflow is not awaiting quotes")
)
