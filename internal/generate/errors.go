package generate

import "errors"

// TransientError marks a failure that may succeed on retry.
type TransientError struct {
	err error
}

func (e *TransientError) Error() string { return e.err.Error() }

func (e *TransientError) Unwrap() error { return e.err }

func NewTransientError(err error) error {
	return &TransientError{err: err}
}

// FatalError marks a failure that must not be retried.
type FatalError struct {
	err error
}

func (e *FatalError) Error() string { return e.err.Error() }

func (e *FatalError) Unwrap() error { return e.err }

func NewFatalError(err error) error {
	return &FatalError{err: err}
}

func IsTransient(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient)
}

func IsFatal(err error) bool {
	var fatal *FatalError
	return errors.As(err, &fatal)
}
