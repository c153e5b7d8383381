// Package errors contains the error helpers used throughout psync. Errors are
// annotated with context as they propagate up the stack so that the final
// message reads like a trace of what was being attempted, e.g.
// "serve: upload: open: permission denied".
package errors

import (
	stderrs "errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// New returns an error with the given message. Unlike `github.com/pkg/errors`,
// it doesn't record a stack trace, so two errors created with the same message
// compare as equal.
func New(format string, args ...interface{}) error {
	if len(args) == 0 {
		return baseError{format}
	}
	return baseError{fmt.Sprintf(format, args...)}
}

type baseError struct {
	msg string
}

func (err baseError) Error() string {
	return err.msg
}

// WithContext annotates `err` with `context`. Returns nil if `err` is nil.
func WithContext(err error, context string) error {
	return pkgerrors.WithMessage(err, context)
}

// RootCause returns the error that was originally returned before any
// context was added.
func RootCause(err error) error {
	return pkgerrors.Cause(err)
}

// Is reports whether any error in `err`'s chain matches `target`.
func Is(err, target error) bool {
	return stderrs.Is(err, target)
}

// As finds the first error in `err`'s chain that matches `target`.
func As(err error, target interface{}) bool {
	return stderrs.As(err, target)
}

// FriendlyError is an error whose message is meant to be shown directly to the
// user, without any of the context added while propagating it.
type FriendlyError struct {
	msg string
}

// NewFriendlyError creates a new FriendlyError.
func NewFriendlyError(format string, args ...interface{}) error {
	return FriendlyError{fmt.Sprintf(format, args...)}
}

func (err FriendlyError) Error() string {
	return err.msg
}

// FriendlyMessage returns the message that should be shown to the user.
func (err FriendlyError) FriendlyMessage() string {
	return err.msg
}
