package errors

import (
	"errors"
	"fmt"
)

// Code is a stable, machine-readable error type mapped to process exit codes.
type Code int

const (
	CodeSuccess         Code = 0
	CodeInternal        Code = 1
	CodeUsage           Code = 2
	CodeAuth            Code = 10
	CodeRateLimited     Code = 11
	CodeUnavailable     Code = 12
	CodeUnsupported     Code = 13
	CodeStale           Code = 14
	CodePartialStrict   Code = 15
	CodeBlocked         Code = 16
	CodeBusy            Code = 17
	CodeUserRejected    Code = 20
	CodeNetworkMismatch Code = 21
	CodePaymentCeiling  Code = 22
	CodePaymentAuth     Code = 23
	CodeUpstream        Code = 24
	CodePartialData     Code = 25
)

// Error is a typed CLI error that carries a stable error code.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

func As(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code Code) bool {
	cliErr, ok := As(err)
	return ok && cliErr.Code == code
}

func ExitCode(err error) int {
	if err == nil {
		return int(CodeSuccess)
	}
	if cliErr, ok := As(err); ok {
		return int(cliErr.Code)
	}
	return int(CodeInternal)
}

// TypeName returns the envelope error type for a code.
func TypeName(code Code) string {
	switch code {
	case CodeUsage:
		return "usage_error"
	case CodeAuth:
		return "auth_error"
	case CodeRateLimited:
		return "rate_limited"
	case CodeUnavailable:
		return "provider_unavailable"
	case CodeUnsupported:
		return "unsupported_network"
	case CodeStale:
		return "stale_data"
	case CodePartialStrict:
		return "partial_results"
	case CodeBlocked:
		return "command_blocked"
	case CodeBusy:
		return "busy"
	case CodeUserRejected:
		return "user_rejected"
	case CodeNetworkMismatch:
		return "network_mismatch"
	case CodePaymentCeiling:
		return "payment_ceiling_exceeded"
	case CodePaymentAuth:
		return "payment_authorization_failed"
	case CodeUpstream:
		return "upstream_error"
	case CodePartialData:
		return "partial_data"
	default:
		return "internal_error"
	}
}
