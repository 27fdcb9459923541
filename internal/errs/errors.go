// Package errs defines the error taxonomy shared by the payment core.
// Handlers map these onto transport codes; services never inspect error
// strings, only types.
package errs

import (
	"errors"
	"fmt"
)

// ValidationError indicates malformed or out-of-range input. Never retried.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return e.Msg
}

func Validation(format string, args ...interface{}) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// ConflictError indicates a state conflict, e.g. a duplicate active
// subscription or a lost compare-and-swap race.
type ConflictError struct {
	Msg string
}

func (e *ConflictError) Error() string {
	return e.Msg
}

func Conflict(format string, args ...interface{}) error {
	return &ConflictError{Msg: fmt.Sprintf(format, args...)}
}

// NotFoundError indicates an unknown transaction, subscription, plan or user.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

func NotFound(resource, id string) error {
	return &NotFoundError{Resource: resource, ID: id}
}

// SecurityError indicates a failed signature check or a risk block. Always
// logged at elevated severity by the caller, never swallowed.
type SecurityError struct {
	Msg string
}

func (e *SecurityError) Error() string {
	return e.Msg
}

func Security(format string, args ...interface{}) error {
	return &SecurityError{Msg: fmt.Sprintf(format, args...)}
}

// RateLimitError indicates a source exceeded its sliding-window budget.
type RateLimitError struct {
	Source string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s", e.Source)
}

func RateLimit(source string) error {
	return &RateLimitError{Source: source}
}

// GatewayError wraps a provider rejection. Retryable errors feed the webhook
// backoff path; non-retryable ones fail the transaction immediately.
type GatewayError struct {
	Gateway   string
	Code      string
	Retryable bool
	Err       error
}

func (e *GatewayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("gateway %s: %s: %v", e.Gateway, e.Code, e.Err)
	}
	return fmt.Sprintf("gateway %s: %s", e.Gateway, e.Code)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// DatabaseError wraps a persistence failure. The enclosing transactional
// unit has been rolled back by the time this surfaces.
type DatabaseError struct {
	Op  string
	Err error
}

func (e *DatabaseError) Error() string {
	return fmt.Sprintf("database: %s: %v", e.Op, e.Err)
}

func (e *DatabaseError) Unwrap() error {
	return e.Err
}

func Database(op string, err error) error {
	return &DatabaseError{Op: op, Err: err}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var e *ValidationError
	return errors.As(err, &e)
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var e *ConflictError
	return errors.As(err, &e)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var e *NotFoundError
	return errors.As(err, &e)
}

// IsSecurity reports whether err is a SecurityError.
func IsSecurity(err error) bool {
	var e *SecurityError
	return errors.As(err, &e)
}

// IsRateLimit reports whether err is a RateLimitError.
func IsRateLimit(err error) bool {
	var e *RateLimitError
	return errors.As(err, &e)
}

// IsRetryable reports whether err is a GatewayError tagged retryable.
func IsRetryable(err error) bool {
	var e *GatewayError
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// IsDatabase reports whether err is a DatabaseError.
func IsDatabase(err error) bool {
	var e *DatabaseError
	return errors.As(err, &e)
}
