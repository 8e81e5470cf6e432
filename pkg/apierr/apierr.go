// Package apierr defines the engine's error taxonomy. Every engine
// operation returns errors of these kinds (never bare strings), so that a
// facade can render them however its wire convention demands without the
// engine knowing about HTTP or any other transport.
package apierr

import (
	"errors"
	"fmt"
)

// Code is a stable machine-readable error code, per spec §7: "every failure
// carries a stable error code and the entity id that failed."
type Code string

const (
	CodeTaskNotFound           Code = "TASK_NOT_FOUND"
	CodeLeaseNotFound          Code = "LEASE_NOT_FOUND"
	CodeReceiptNotFound        Code = "RECEIPT_NOT_FOUND"
	CodeInvalidStateTransition Code = "INVALID_STATE_TRANSITION"
	CodeUnauthorized           Code = "UNAUTHORIZED"
	CodeIdempotencyConflict    Code = "IDEMPOTENCY_CONFLICT"
	CodeLeaseInvalidOrExpired  Code = "LEASE_INVALID_OR_EXPIRED"
	CodeRenewalLimitExceeded   Code = "RENEWAL_LIMIT_EXCEEDED"
	CodeLifetimeExceeded       Code = "LIFETIME_EXCEEDED"
	CodeValidationError        Code = "VALIDATION_ERROR"
	CodeRateLimited            Code = "RATE_LIMITED"
)

// Error is the engine's error type. It always names the entity that failed
// so a caller never has to parse Message to find out what went wrong.
type Error struct {
	Code     Code
	EntityID string
	Message  string
	Err      error // wrapped framework-level cause, if any
}

func (e *Error) Error() string {
	if e.EntityID != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.EntityID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is allows errors.Is(err, apierr.TaskNotFound(id)) style comparisons to
// work by code alone, ignoring message/cause.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Code == other.Code
}

func newErr(code Code, entityID, message string, cause error) *Error {
	return &Error{Code: code, EntityID: entityID, Message: message, Err: cause}
}

func TaskNotFound(taskID string) *Error {
	return newErr(CodeTaskNotFound, taskID, "task not found", nil)
}

func LeaseNotFound(leaseID string) *Error {
	return newErr(CodeLeaseNotFound, leaseID, "lease not found", nil)
}

func ReceiptNotFound(receiptID string) *Error {
	return newErr(CodeReceiptNotFound, receiptID, "receipt not found", nil)
}

func InvalidStateTransition(taskID, from, to string) *Error {
	return newErr(CodeInvalidStateTransition, taskID,
		fmt.Sprintf("cannot transition from %s to %s", from, to), nil)
}

func Unauthorized(entityID, reason string) *Error {
	return newErr(CodeUnauthorized, entityID, reason, nil)
}

func IdempotencyConflict(key string, cause error) *Error {
	return newErr(CodeIdempotencyConflict, key, "idempotency key race, retry in a fresh snapshot", cause)
}

func LeaseInvalidOrExpired(leaseID string) *Error {
	return newErr(CodeLeaseInvalidOrExpired, leaseID, "lease is invalid, expired, or not held by caller", nil)
}

func RenewalLimitExceeded(leaseID string) *Error {
	return newErr(CodeRenewalLimitExceeded, leaseID, "lease has reached its maximum renewal count", nil)
}

func LifetimeExceeded(leaseID string) *Error {
	return newErr(CodeLifetimeExceeded, leaseID, "renewal would exceed the lease's maximum lifetime", nil)
}

func Validation(entityID, reason string) *Error {
	return newErr(CodeValidationError, entityID, reason, nil)
}

func RateLimited(entityID string) *Error {
	return newErr(CodeRateLimited, entityID, "rate limit exceeded", nil)
}

// Internal wraps an unexpected framework-level error (I/O, driver) without
// inventing a taxonomy code for it — it is not one of the named failure
// modes the spec enumerates, so callers should log it and treat it as a
// 500-class failure rather than branch on it.
func Internal(cause error) error {
	return fmt.Errorf("asyncgate: internal error: %w", cause)
}

// CodeOf extracts the Code from err, if err is (or wraps) an *Error.
func CodeOf(err error) (Code, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return "", false
}
