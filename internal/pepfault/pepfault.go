// Package pepfault defines the typed error kinds shared across the Access
// Manager, Transcryptor, and Storage Facility, so that callers at a
// transport boundary (HTTP status codes, gRPC codes, CLI exit codes) can
// map a single Kind consistently rather than string-matching error text.
package pepfault

import "fmt"

// Kind classifies a PEP-level error, per spec.md §7's error taxonomy.
type Kind uint8

const (
	// KindInvalid marks malformed input: a request that could never
	// succeed regardless of state or permissions.
	KindInvalid Kind = iota
	// KindAccessDenied marks a request rejected by a policy check.
	KindAccessDenied
	// KindNotFound marks a reference to an entity that does not exist or
	// has been removed.
	KindNotFound
	// KindConflict marks a request that collides with concurrent state,
	// such as a stale checksum-chain checkpoint.
	KindConflict
	// KindTransient marks a failure a caller may reasonably retry, such as
	// a downstream peer timeout.
	KindTransient
	// KindRefused marks a request a component understood but declined
	// to perform, distinct from a hard access-control denial.
	KindRefused
	// KindFatal marks an internal invariant violation that should not be
	// retried and should page an operator.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindInvalid:
		return "invalid"
	case KindAccessDenied:
		return "access_denied"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindTransient:
		return "transient"
	case KindRefused:
		return "refused"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is a Kind-tagged error carrying an operation name and an optional
// wrapped cause.
type Error struct {
	Kind      Kind
	Operation string
	Message   string
	Cause     error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Operation, e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s: %s", e.Operation, e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
func (e *Error) Unwrap() error { return e.Cause }

// New constructs an *Error with no wrapped cause.
func New(kind Kind, operation, message string) *Error {
	return &Error{Kind: kind, Operation: operation, Message: message}
}

// Wrap constructs an *Error wrapping cause.
func Wrap(kind Kind, operation, message string, cause error) *Error {
	return &Error{Kind: kind, Operation: operation, Message: message, Cause: cause}
}

// KindOf extracts the Kind from err if it (or something it wraps) is a
// *Error, defaulting to KindFatal for untyped errors so that unexpected
// failures fail closed rather than being treated as retryable.
func KindOf(err error) Kind {
	for err != nil {
		if pe, ok := err.(*Error); ok {
			return pe.Kind
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = unwrapper.Unwrap()
	}
	return KindFatal
}
