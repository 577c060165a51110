// Package dErrors defines the code-carrying error type shared by every
// subsystem. Services never return bare errors: each failure carries one of
// the enumerated codes so callers and transports can branch on kind instead
// of string-matching messages.
package dErrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code classifies a failure. The set mirrors the operation surface's error
// taxonomy: validation, precondition, arithmetic, delegated-service, and
// infrastructure failures.
type Code string

const (
	// CodeValidation marks malformed input: oversized strings, zero
	// quantities, out-of-range dates or scores. Fully recoverable by the
	// caller resubmitting corrected input.
	CodeValidation Code = "validation"
	// CodeBadRequest marks a structurally broken request (undecodable body,
	// missing identifier).
	CodeBadRequest Code = "bad_request"
	// CodeNotFound marks a reference to a record that does not exist.
	CodeNotFound Code = "not_found"
	// CodeConflict marks creation of a record whose derived identifier
	// already exists.
	CodeConflict Code = "conflict"
	// CodeInvariantViolation marks a state-machine or precondition failure:
	// listing not active, request not pending, challenge not open, project
	// not verified, insufficient credits.
	CodeInvariantViolation Code = "invariant_violation"
	// CodeOverflow marks checked-arithmetic failure. Never saturated or
	// wrapped; the operation fails.
	CodeOverflow Code = "overflow"
	// CodeTransferFailed marks an asset-transfer service failure. The
	// underlying cause is wrapped verbatim and the enclosing operation rolls
	// back with no counter or status change.
	CodeTransferFailed Code = "transfer_failed"
	// CodeUnauthorized marks a missing or invalid actor credential.
	CodeUnauthorized Code = "unauthorized"
	// CodeForbidden marks an actor that is authenticated but not permitted,
	// e.g. a non-authority calling an authority-only operation.
	CodeForbidden Code = "forbidden"
	// CodeTimeout marks a transaction aborted by context cancellation.
	CodeTimeout Code = "timeout"
	// CodeInternal marks everything else. Callers should not branch on it.
	CodeInternal Code = "internal"
)

// GatewayError is the concrete error type returned by services. It carries a
// code, a human message, and an optional wrapped cause.
type GatewayError struct {
	Code    Code
	Message string
	cause   error
}

func (e GatewayError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e GatewayError) Unwrap() error { return e.cause }

// Is lets errors.Is match two GatewayErrors by code.
func (e GatewayError) Is(target error) bool {
	var ge GatewayError
	if errors.As(target, &ge) {
		return e.Code == ge.Code
	}
	return false
}

// New builds a GatewayError with the given code and message.
func New(code Code, message string) error {
	return GatewayError{Code: code, Message: message}
}

// Newf builds a GatewayError with a formatted message.
func Newf(code Code, format string, args ...any) error {
	return GatewayError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying cause. The cause remains
// reachable through errors.Unwrap so delegated-service failures propagate
// verbatim.
func Wrap(err error, code Code, message string) error {
	if err == nil {
		return nil
	}
	return GatewayError{Code: code, Message: message, cause: err}
}

// HasCode reports whether err or anything it wraps carries the given code.
func HasCode(err error, code Code) bool {
	var ge GatewayError
	if errors.As(err, &ge) {
		return ge.Code == code
	}
	return false
}

// CodeOf extracts the code from err, defaulting to CodeInternal for foreign
// errors.
func CodeOf(err error) Code {
	var ge GatewayError
	if errors.As(err, &ge) {
		return ge.Code
	}
	return CodeInternal
}

// MessageOf returns the domain message of err, or the raw error text when
// err is not a GatewayError.
func MessageOf(err error) string {
	var ge GatewayError
	if errors.As(err, &ge) {
		return ge.Message
	}
	if err != nil {
		return err.Error()
	}
	return ""
}

// ToHTTPStatus maps a code onto the transport status used by the JSON error
// envelope.
func ToHTTPStatus(code Code) int {
	switch code {
	case CodeValidation, CodeBadRequest, CodeOverflow:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeInvariantViolation:
		return http.StatusUnprocessableEntity
	case CodeTransferFailed:
		return http.StatusBadGateway
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
