package errors

import (
	"errors"
	"fmt"
)

// Wrap creates a new error that wraps the given error with additional context.
// If err is nil, returns nil.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf creates a new error that wraps the given error with formatted context.
// If err is nil, returns nil.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	message := fmt.Sprintf(format, args...)
	return fmt.Errorf("%s: %w", message, err)
}

// Is reports whether any error in err's tree matches target.
// Convenience wrapper around errors.Is from the standard library.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's tree that matches target type.
// Convenience wrapper around errors.As from the standard library.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// Unwrap returns the result of calling the Unwrap method on err, if any.
func Unwrap(err error) error {
	return errors.Unwrap(err)
}

// New returns an error that formats as the given text.
func New(text string) error {
	return errors.New(text)
}

// retryable is implemented by error types that may recover on retry.
type retryable interface {
	Retryable() bool
}

// IsRetryable reports whether any error in err's tree declares itself
// retryable. Policy and integrity violations are never retryable even
// when wrapped around a retryable cause, so the outermost declaration
// wins.
func IsRetryable(err error) bool {
	for err != nil {
		var policy *PolicyViolationError
		var integrity *IntegrityError
		if errors.As(err, &policy) || errors.As(err, &integrity) {
			return false
		}
		if r, ok := err.(retryable); ok {
			return r.Retryable()
		}
		err = errors.Unwrap(err)
	}
	return false
}
