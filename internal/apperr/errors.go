// Package apperr defines the error taxonomy shared by the services, the job
// dispatcher and the HTTP layer.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrPoolExhausted is returned when an IP pool has no free address left.
	ErrPoolExhausted = errors.New("ip pool exhausted")
	// ErrVMIDExhausted is returned when a guest kind has used up its vmid range.
	ErrVMIDExhausted = errors.New("vmid range exhausted")
)

// ValidationError reports bad input rejected before any remote call.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

// NotFoundError reports a missing entity or one not owned by the caller.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

// ForbiddenError reports a failed entitlement check.
type ForbiddenError struct {
	Reason string
}

func (e *ForbiddenError) Error() string {
	return "forbidden: " + e.Reason
}

// ConflictError reports state on the hypervisor or in the database that
// contradicts the requested operation.
type ConflictError struct {
	Reason string
}

func (e *ConflictError) Error() string {
	return "conflict: " + e.Reason
}

// Validation builds a ValidationError.
func Validation(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// NotFound builds a NotFoundError.
func NotFound(resource, id string) error {
	return &NotFoundError{Resource: resource, ID: id}
}

// Forbidden builds a ForbiddenError.
func Forbidden(format string, args ...any) error {
	return &ForbiddenError{Reason: fmt.Sprintf(format, args...)}
}

// Conflict builds a ConflictError.
func Conflict(format string, args ...any) error {
	return &ConflictError{Reason: fmt.Sprintf(format, args...)}
}

// IsPermanent reports whether retrying the operation cannot change the outcome.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var v *ValidationError
	var n *NotFoundError
	var f *ForbiddenError
	var c *ConflictError
	return errors.As(err, &v) || errors.As(err, &n) || errors.As(err, &f) || errors.As(err, &c) ||
		errors.Is(err, ErrPoolExhausted) || errors.Is(err, ErrVMIDExhausted)
}

// StatusCode maps an error to the HTTP status the operator surface returns.
func StatusCode(err error) int {
	var v *ValidationError
	var n *NotFoundError
	var f *ForbiddenError
	var c *ConflictError
	var s interface{ HTTPStatus() int }
	switch {
	case errors.As(err, &v):
		return http.StatusBadRequest
	case errors.As(err, &n):
		return http.StatusNotFound
	case errors.As(err, &f):
		return http.StatusForbidden
	case errors.As(err, &c), errors.Is(err, ErrPoolExhausted), errors.Is(err, ErrVMIDExhausted):
		return http.StatusConflict
	case errors.As(err, &s):
		return s.HTTPStatus()
	default:
		return http.StatusInternalServerError
	}
}
