package expand

import (
	"errors"
	"fmt"
)

// Kind classifies expansion failures. The values match the orchestrator's
// error taxonomy so submitters can inspect failures programmatically.
type Kind string

const (
	// KindInvalidTemplate covers template parsing and substitution failures.
	KindInvalidTemplate Kind = "INVALID_TEMPLATE"
	// KindCyclicTemplate means the expanded graph contains a cycle.
	KindCyclicTemplate Kind = "CYCLIC_TEMPLATE"
	// KindAmbiguousReference means a scalar field references a multiplied
	// label without a matching index relationship.
	KindAmbiguousReference Kind = "AMBIGUOUS_REFERENCE"
	// KindDanglingReference means a reference points at a non-existent or
	// zero-count label.
	KindDanglingReference Kind = "DANGLING_REFERENCE"
	// KindIDCollision means the identifier generator produced a duplicate id.
	KindIDCollision Kind = "ID_COLLISION"
)

// Error is a structured expansion failure.
type Error struct {
	Kind Kind
	msg  string
	err  error
}

// Errorf builds an expansion error of the given kind.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches an underlying cause to an expansion error of the given kind.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, msg: fmt.Sprintf(format, args...), err: err}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.msg, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.msg)
}

// Unwrap exposes the underlying cause, if any.
func (e *Error) Unwrap() error { return e.err }

// KindOf extracts the expansion kind from an error chain. The second return
// is false when err is not an expansion error.
func KindOf(err error) (Kind, bool) {
	var ee *Error
	if errors.As(err, &ee) {
		return ee.Kind, true
	}
	return "", false
}
