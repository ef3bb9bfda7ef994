// Package apperrors provides structured application errors with HTTP status mapping.
package apperrors

import (
	"errors"
	"fmt"
)

// Generic sentinels, matched with errors.Is.
var (
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrInternal   = errors.New("internal error")
)

// Precondition sentinels for starting a job. None of them has a ledger side effect.
var (
	ErrInsufficientCredits  = errors.New("insufficient credits")
	ErrServiceNotConfigured = errors.New("service not configured")
	ErrInputNotFound        = errors.New("input not found")
	ErrRuntimeNotFound      = errors.New("runtime not found")
)

// Error carries a sentinel plus the context needed to report it.
type Error struct {
	Sentinel error  // matched by errors.Is
	Message  string // human-readable, safe to return to callers
	Field    string // validation: offending field
	Resource string // not found / conflict: resource kind, e.g. "job"
	Op       string // internal: failing operation
	Cause    error
}

func (e *Error) Error() string {
	return e.Message
}

// Unwrap exposes the sentinel for errors.Is.
func (e *Error) Unwrap() error {
	return e.Sentinel
}

// Validation reports a bad request field.
func Validation(field, message string) error {
	return &Error{
		Sentinel: ErrValidation,
		Message:  message,
		Field:    field,
	}
}

// NotFound reports a missing resource.
func NotFound(resource, id string) error {
	return &Error{
		Sentinel: ErrNotFound,
		Message:  fmt.Sprintf("%s %s not found", resource, id),
		Resource: resource,
	}
}

// Conflict reports a state conflict on a resource.
func Conflict(resource, id, reason string) error {
	return &Error{
		Sentinel: ErrConflict,
		Message:  reason,
		Resource: resource,
	}
}

// Internal wraps an unexpected failure.
func Internal(op string, cause error) error {
	return &Error{
		Sentinel: ErrInternal,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// InsufficientCredits reports that a user's balance cannot cover a reservation.
func InsufficientCredits(userID string, required, available int64) error {
	return &Error{
		Sentinel: ErrInsufficientCredits,
		Message:  fmt.Sprintf("insufficient credits: %d required, %d available", required, available),
		Resource: "user",
	}
}

// ServiceNotConfigured reports an unknown or disabled automation service.
func ServiceNotConfigured(serviceID string) error {
	return &Error{
		Sentinel: ErrServiceNotConfigured,
		Message:  fmt.Sprintf("service %s is not configured", serviceID),
		Field:    "serviceId",
		Resource: "service",
	}
}

// InputNotFound reports an input file missing from the upload area.
func InputNotFound(name string) error {
	return &Error{
		Sentinel: ErrInputNotFound,
		Message:  fmt.Sprintf("input file %s not found", name),
		Field:    "files",
		Resource: "file",
	}
}

// RuntimeNotFound reports a missing interpreter, with the remedy in the message.
func RuntimeNotFound(runtime, remedy string) error {
	msg := fmt.Sprintf("runtime %s not found", runtime)
	if remedy != "" {
		msg += ": " + remedy
	}
	return &Error{
		Sentinel: ErrRuntimeNotFound,
		Message:  msg,
		Resource: "runtime",
	}
}
