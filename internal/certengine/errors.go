package certengine

import (
	"errors"
	"fmt"
)

// Kind classifies an engine failure. A Kind is itself an error so callers
// can test with errors.Is(err, certengine.ParseFailure).
type Kind string

func (k Kind) Error() string { return string(k) }

// Failure kinds returned by every public engine operation.
const (
	KeyGenerationFailure Kind = "key generation failure"
	KeyImportFailure     Kind = "key import failure"
	EncodingFailure      Kind = "encoding failure"
	SigningFailure       Kind = "signing failure"
	ParseFailure         Kind = "parse failure"
	VerificationFailure  Kind = "verification failure"
)

// Error is the single classified error an engine operation returns.
type Error struct {
	Kind Kind
	Op   string // operation that failed, e.g. "build certificate"
	Err  error  // underlying cause, may be nil
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// fail wraps err under kind unless it is already classified, in which case
// the original classification wins and only the operation is prefixed.
func fail(kind Kind, op string, err error) error {
	var ce *Error
	if errors.As(err, &ce) {
		if ce.Op == op {
			return ce
		}
		cause := errors.New(ce.Op)
		if ce.Err != nil {
			cause = fmt.Errorf("%s: %w", ce.Op, ce.Err)
		}
		return &Error{Kind: ce.Kind, Op: op, Err: cause}
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// failf is fail with a formatted cause.
func failf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the classification of err, or "" if it has none.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}
