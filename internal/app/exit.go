package app

import (
	"fmt"

	"github.com/ruuf/ruuf/pkg/errors"
)

// Process exit codes shared by every entry point.
const (
	ExitOK        = 0
	ExitFailure   = 1
	ExitUsage     = 2
	ExitPrivilege = 77
)

// UsageError marks a bad invocation: unknown flags, missing or
// conflicting arguments.
type UsageError struct {
	Err error
}

func (e *UsageError) Error() string { return e.Err.Error() }

func (e *UsageError) Unwrap() error { return e.Err }

// Usage wraps err as a UsageError.
func Usage(err error) error {
	if err == nil {
		return nil
	}
	return &UsageError{Err: err}
}

// Usagef builds a UsageError from a message.
func Usagef(format string, args ...any) error {
	return &UsageError{Err: fmt.Errorf(format, args...)}
}

// ExitCode maps an error to the process exit status.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var usage *UsageError
	if errors.As(err, &usage) {
		return ExitUsage
	}
	if errors.KindOf(err) == errors.KindPrivilege {
		return ExitPrivilege
	}
	return ExitFailure
}
