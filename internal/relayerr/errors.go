// Package relayerr defines the error taxonomy shared across the relay.
// Codes are stable surface names; HTTP statuses are what the inbound
// client observes when the error reaches the edge.
package relayerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies an error class.
type Code string

const (
	// Inbound key resolution / request failures.
	CodeInvalidFormat     Code = "invalid-format"
	CodeNotFound          Code = "not-found"
	CodeDisabled          Code = "disabled"
	CodeExpired           Code = "expired"
	CodeRateLimitExceeded Code = "rate-limit-exceeded"
	CodeConcurrencyLimit  Code = "concurrency-limit"

	// Upstream classifications.
	CodeUpstreamRateLimited  Code = "upstream-rate-limited"
	CodeUpstreamUnauthorized Code = "upstream-unauthorized"
	CodeUpstreamForbidden    Code = "upstream-forbidden"
	CodeUpstreamServerError  Code = "upstream-server-error"
	CodeUpstreamTimeout      Code = "upstream-timeout"
	CodeUpstreamNetwork      Code = "upstream-network"

	// Scheduling / infrastructure.
	CodeAllAccountsExhausted Code = "all-accounts-exhausted"
	CodeLockContended        Code = "lock-contended"
	CodePoolDegraded         Code = "pool-degraded"
)

// Error is the typed error carried through the relay pipeline.
type Error struct {
	Code       Code
	HTTPStatus int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error with an explicit status.
func New(code Code, status int, message string) *Error {
	return &Error{Code: code, HTTPStatus: status, Message: message}
}

// Wrap attaches a cause to a new Error.
func Wrap(code Code, status int, message string, err error) *Error {
	return &Error{Code: code, HTTPStatus: status, Message: message, Err: err}
}

// StatusFor maps a code to its default inbound HTTP status.
func StatusFor(code Code) int {
	switch code {
	case CodeInvalidFormat:
		return http.StatusBadRequest
	case CodeNotFound, CodeDisabled, CodeExpired:
		return http.StatusUnauthorized
	case CodeRateLimitExceeded, CodeConcurrencyLimit, CodeUpstreamRateLimited:
		return http.StatusTooManyRequests
	case CodeUpstreamUnauthorized:
		return http.StatusUnauthorized
	case CodeUpstreamForbidden:
		return http.StatusForbidden
	case CodeUpstreamTimeout:
		return http.StatusGatewayTimeout
	case CodeUpstreamServerError, CodeUpstreamNetwork, CodePoolDegraded:
		return http.StatusBadGateway
	case CodeAllAccountsExhausted:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// HTTPStatusOf returns the inbound status carried by an error chain,
// falling back to the code's default, then to 500 for untyped errors.
func HTTPStatusOf(err error) int {
	var re *Error
	if errors.As(err, &re) {
		if re.HTTPStatus != 0 {
			return re.HTTPStatus
		}
		return StatusFor(re.Code)
	}
	return http.StatusInternalServerError
}

// CodeOf extracts the Code from an error chain, or "" when untyped.
func CodeOf(err error) Code {
	var re *Error
	if errors.As(err, &re) {
		return re.Code
	}
	return ""
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}
