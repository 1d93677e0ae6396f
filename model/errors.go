package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrNotFound        = "NOT_FOUND"
	ErrIllegalState    = "ILLEGAL_STATE"
	ErrIllegalArgument = "ILLEGAL_ARGUMENT"
	ErrEvaluationError = "EVALUATION_ERROR"
	ErrConflict        = "CONFLICT"
	ErrInternalError   = "INTERNAL_ERROR"
)

// ErrorEnvelope is the standard error value produced by the engine. It
// implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewIllegalStateError returns an ILLEGAL_STATE error. It is produced when an
// operation is applied to a case or plan item whose current state does not
// permit it; the operation performs no mutation.
func NewIllegalStateError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrIllegalState, Message: msg}
}

// NewIllegalArgumentError returns an ILLEGAL_ARGUMENT error.
func NewIllegalArgumentError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrIllegalArgument, Message: msg}
}

// NewIllegalArgumentErrorWithDetails returns an ILLEGAL_ARGUMENT error with
// field-level details, as produced by the definition validator.
func NewIllegalArgumentErrorWithDetails(msg string, details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrIllegalArgument, Message: msg, Details: details}
}

// NewEvaluationError returns an EVALUATION_ERROR. A guard expression that
// fails to evaluate, or evaluates to a non-boolean where a boolean is
// required, is a hard error rather than a silent false.
func NewEvaluationError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrEvaluationError, Message: msg}
}

// NewConflictError returns a CONFLICT error, raised on optimistic-lock
// version mismatches.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewInternalError returns an INTERNAL_ERROR, reserved for programming
// invariant violations such as double plan-item initialization.
func NewInternalError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrInternalError, Message: msg}
}

// ErrorCode extracts the envelope code from an error, or INTERNAL_ERROR when
// the error is not an ErrorEnvelope.
func ErrorCode(err error) string {
	var env *ErrorEnvelope
	if errors.As(err, &env) {
		return env.Code
	}
	return ErrInternalError
}

// IsCode reports whether err is an ErrorEnvelope carrying the given code.
func IsCode(err error, code string) bool {
	return err != nil && ErrorCode(err) == code
}
