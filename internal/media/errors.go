package media

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when an asset is unknown to the status store.
var ErrNotFound = errors.New("asset not found")

// ValidationError rejects a malformed request synchronously. It is never retried.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// Validationf builds a ValidationError from a format string.
func Validationf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a request validation failure.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// PermanentError marks a processing failure that will not succeed on retry,
// such as corrupt or unsupported input. The worker fails the asset immediately.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so the worker treats it as a terminal failure.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Permanentf builds a PermanentError from a format string.
func Permanentf(format string, args ...any) error {
	return &PermanentError{Err: fmt.Errorf(format, args...)}
}

// IsPermanent reports whether err is a permanent processing failure. Anything
// not marked permanent is treated as transient and retried with backoff.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
