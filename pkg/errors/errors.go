// Package errors provides error wrapping utilities for context-aware error messages
// and the failure taxonomy shared by every stage of a flash job.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Wrap wraps an error with additional context information.
// If err is nil, it returns nil without wrapping.
func Wrap(err error, context string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", context, err)
}

// Kind classifies a failure so callers can decide on retry, exit code and
// whether the target device has already been touched.
type Kind string

const (
	KindInvalidImage      Kind = "invalid_image"
	KindDeviceTooSmall    Kind = "device_too_small"
	KindUnsupportedLayout Kind = "unsupported_layout"
	KindUnsafeTarget      Kind = "unsafe_target"
	KindNotConfirmed      Kind = "not_confirmed"
	KindDeviceBusy        Kind = "device_busy"
	KindPrivilege         Kind = "privilege_error"
	KindWriteFailure      Kind = "write_failure"
	KindVerifyFailure     Kind = "verify_failure"
	KindCancelled         Kind = "cancelled"
)

// Sentinels for errors.Is matching. Any *Error with the same Kind matches.
var (
	ErrInvalidImage      = &Error{Kind: KindInvalidImage}
	ErrDeviceTooSmall    = &Error{Kind: KindDeviceTooSmall}
	ErrUnsupportedLayout = &Error{Kind: KindUnsupportedLayout}
	ErrUnsafeTarget      = &Error{Kind: KindUnsafeTarget}
	ErrNotConfirmed      = &Error{Kind: KindNotConfirmed}
	ErrDeviceBusy        = &Error{Kind: KindDeviceBusy}
	ErrPrivilege         = &Error{Kind: KindPrivilege}
	ErrWriteFailure      = &Error{Kind: KindWriteFailure}
	ErrVerifyFailure     = &Error{Kind: KindVerifyFailure}
	ErrCancelled         = &Error{Kind: KindCancelled}
)

// Error is a classified failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// New returns a classified error for operation op.
func New(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf is New with a formatted cause.
func Newf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the sentinel for e's Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

// KindOf returns the outermost Kind in err's chain, or "" when unclassified.
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Classify returns err unchanged when it already carries a Kind, otherwise
// wraps it as kind.
func Classify(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != "" {
		return err
	}
	return New(kind, op, err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool { return stderrors.Is(err, target) }

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool { return stderrors.As(err, target) }

// Join returns an error that wraps the given errors.
func Join(errs ...error) error { return stderrors.Join(errs...) }
