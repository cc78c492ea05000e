package cmn

import (
	stderrors "errors"

	"github.com/pkg/errors"
)

// StatusError pairs a Status with a stack-annotated cause, the way the
// teacher wraps transport errors with github.com/pkg/errors before handing
// them to a caller or logging them.
type StatusError struct {
	Status Status
	cause  error
}

func (e *StatusError) Error() string {
	if e.cause == nil {
		return e.Status.String()
	}
	return e.Status.String() + ": " + e.cause.Error()
}

func (e *StatusError) Unwrap() error { return e.cause }

func NewStatusError(status Status, msg string) *StatusError {
	return &StatusError{Status: status, cause: errors.New(msg)}
}

func WrapStatusError(status Status, cause error) *StatusError {
	if cause == nil {
		return &StatusError{Status: status}
	}
	return &StatusError{Status: status, cause: errors.WithStack(cause)}
}

// AsStatus unwraps err to its Status, or Aborted if err is not a *StatusError.
func AsStatus(err error) Status {
	if err == nil {
		return Success
	}
	var se *StatusError
	if stderrors.As(err, &se) {
		return se.Status
	}
	return Aborted
}
