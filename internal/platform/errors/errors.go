// Package errors provides coded errors shared by every layer of the approvals
// service. Each error carries a machine-readable code and a human-readable
// message; transports translate codes into HTTP or gRPC statuses.
package errors

import (
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
)

// Code is a machine-readable error classification.
type Code string

const (
	ErrCodeValidation   Code = "VALIDATION_FAILED"
	ErrCodeNotFound     Code = "NOT_FOUND"
	ErrCodeUnauthorized Code = "UNAUTHORIZED_APPROVAL"
	ErrCodeNoPending    Code = "NO_PENDING_STEP"
	ErrCodeConflict     Code = "STATE_CONFLICT"
	ErrCodeDependency   Code = "DEPENDENCY_UNAVAILABLE"
	ErrCodeInternal     Code = "INTERNAL"
)

// Error is the concrete error type returned across package boundaries.
type Error struct {
	Code    Code
	Message string
	Details map[string]string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error carrying the same code, so callers can write
// errors.Is(err, &Error{Code: ErrCodeNotFound}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// New creates an error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// NotFound reports a missing resource.
func NotFound(resource, id string) *Error {
	return &Error{
		Code:    ErrCodeNotFound,
		Message: fmt.Sprintf("%s not found", resource),
		Details: map[string]string{"resource": resource, "id": id},
	}
}

// InvalidInput reports a single invalid field.
func InvalidInput(field, message string) *Error {
	return Validation(map[string]string{field: message})
}

// Validation reports every violated field at once. The message lists the
// fields in a stable order.
func Validation(violations map[string]string) *Error {
	fields := make([]string, 0, len(violations))
	for f := range violations {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return &Error{
		Code:    ErrCodeValidation,
		Message: "invalid fields: " + strings.Join(fields, ", "),
		Details: violations,
	}
}

// Unauthorized reports a maker-checker or role violation.
func Unauthorized(message string) *Error {
	return New(ErrCodeUnauthorized, message)
}

// Conflict reports an operation against a workflow no longer in the expected state.
func Conflict(message string) *Error {
	return New(ErrCodeConflict, message)
}

// Dependency wraps a failure of the store, the role oracle or another collaborator.
func Dependency(err error, message string) *Error {
	return Wrap(err, ErrCodeDependency, message)
}

// CodeOf returns the code of the first *Error in err's chain, or
// ErrCodeInternal for foreign errors. A nil error has no code.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// As re-exports the standard library helper so callers need a single import.
func As(err error, target any) bool { return stderrors.As(err, target) }

// Is re-exports the standard library helper.
func Is(err, target error) bool { return stderrors.Is(err, target) }
