// Package errs defines the platform error taxonomy shared by the HTTP layer,
// the chat fabric, and the sync engine. Every error that crosses a component
// boundary is an *Error carrying a stable machine code, an HTTP status for the
// API layer, and a retryable flag consumed by the retry/circuit-breaker
// utilities.
package errs

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"gorm.io/gorm"
)

// Stable machine codes. These appear on the wire and in logs; do not rename.
const (
	CodeValidation       = "validation_error"
	CodeAuthentication   = "authentication_error"
	CodePermissionDenied = "permission_denied"
	CodeNotFound         = "resource_not_found"
	CodeBusinessRule     = "business_rule_violation"
	CodeRateLimited      = "rate_limit_exceeded"
	CodeSecurity         = "security_error"
	CodeDatabase         = "database_error"
	CodeConfiguration    = "configuration_error"
	CodeNetwork          = "network_error"
	CodeUnavailable      = "service_unavailable"
	CodeInternal         = "internal_error"
)

// Error is the platform error type.
type Error struct {
	Code       string
	Message    string
	Details    map[string]interface{}
	HTTPStatus int
	Retryable  bool
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is / errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// WithDetail returns e with one detail field set. The receiver is mutated;
// errors are not shared across requests.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = map[string]interface{}{}
	}
	e.Details[key] = value
	return e
}

// FieldError is one field-level validation failure.
type FieldError struct {
	Loc  string `json:"loc"`
	Msg  string `json:"msg"`
	Type string `json:"type"`
}

// Validation builds a 422 error aggregating field-level failures.
func Validation(message string, fields []FieldError) *Error {
	e := &Error{
		Code:       CodeValidation,
		Message:    message,
		HTTPStatus: 422,
	}
	if len(fields) > 0 {
		e.Details = map[string]interface{}{"fields": fields}
	}
	return e
}

// Authentication builds a 401 error.
func Authentication(message string) *Error {
	return &Error{Code: CodeAuthentication, Message: message, HTTPStatus: 401}
}

// PermissionDenied builds a 403 error.
func PermissionDenied(message string) *Error {
	return &Error{Code: CodePermissionDenied, Message: message, HTTPStatus: 403}
}

// NotFound builds a 404 error for a missing resource.
func NotFound(resource, id string) *Error {
	return &Error{
		Code:       CodeNotFound,
		Message:    fmt.Sprintf("%s not found", resource),
		Details:    map[string]interface{}{"resource": resource, "id": id},
		HTTPStatus: 404,
	}
}

// BusinessRule builds a 400 error carrying a rule code.
func BusinessRule(rule, message string) *Error {
	return &Error{
		Code:       CodeBusinessRule,
		Message:    message,
		Details:    map[string]interface{}{"rule": rule},
		HTTPStatus: 400,
	}
}

// RateLimited builds a 429 error. The limit/remaining/reset details feed the
// X-RateLimit response headers.
func RateLimited(limit, remaining int, reset time.Time) *Error {
	return &Error{
		Code:    CodeRateLimited,
		Message: "Rate limit exceeded",
		Details: map[string]interface{}{
			"limit":     limit,
			"remaining": remaining,
			"reset":     reset.Unix(),
		},
		HTTPStatus: 429,
	}
}

// Security builds an error for SQL-guard rejections, token tampering, and
// encryption failures. Status is 403 unless the failure is internal in
// origin, in which case pass 500.
func Security(message string, status int) *Error {
	if status == 0 {
		status = 403
	}
	return &Error{Code: CodeSecurity, Message: message, HTTPStatus: status}
}

// Database wraps a driver error. Retryable: transient driver faults are
// worth one more transaction attempt; callers converting to per-record
// errors must only do so for idempotent work.
func Database(message string, err error) *Error {
	return &Error{
		Code:       CodeDatabase,
		Message:    message,
		HTTPStatus: 500,
		Retryable:  true,
		Err:        err,
	}
}

// Configuration builds a configuration error. Fatal at startup; at runtime
// the affected service degrades instead.
func Configuration(message string) *Error {
	return &Error{Code: CodeConfiguration, Message: message, HTTPStatus: 500}
}

// Network wraps a transport fault.
func Network(message string, err error) *Error {
	return &Error{
		Code:       CodeNetwork,
		Message:    message,
		HTTPStatus: 502,
		Retryable:  true,
		Err:        err,
	}
}

// Unavailable signals an open circuit breaker or an exhausted dependency.
func Unavailable(message string) *Error {
	return &Error{Code: CodeUnavailable, Message: message, HTTPStatus: 503, Retryable: true}
}

// Internal wraps an unclassified error.
func Internal(message string, err error) *Error {
	return &Error{Code: CodeInternal, Message: message, HTTPStatus: 500, Err: err}
}

// IsRetryable reports whether err opted in to retries. Anything that is not
// a platform error is not retried.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// HTTPStatus returns the mapped status for err, defaulting to 500.
func HTTPStatus(err error) int {
	var e *Error
	if errors.As(err, &e) && e.HTTPStatus != 0 {
		return e.HTTPStatus
	}
	return 500
}

// Code returns the machine code for err, defaulting to internal_error.
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// Classify maps foreign errors into the taxonomy. Platform errors pass
// through unchanged.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return &Error{Code: CodeNotFound, Message: "record not found", HTTPStatus: 404, Err: err}
	case errors.Is(err, context.DeadlineExceeded):
		return Network("operation timed out", err)
	case isNetError(err):
		return Network("network failure", err)
	default:
		return Internal("unexpected error", err)
	}
}

func isNetError(err error) bool {
	var ne net.Error
	return errors.As(err, &ne)
}
