// Package errs defines the error taxonomy shared by the ledger, the matching
// engine and the surfaces built on top of them.
package errs

import (
	"errors"
	"fmt"
)

// Code classifies an error for callers (HTTP mapping, metrics labels).
type Code string

const (
	InvalidRequest     Code = "invalid_request"
	InvalidMarket      Code = "invalid_market"
	InsufficientFunds  Code = "insufficient_funds"
	NoLiquidity        Code = "no_liquidity"
	NotFound           Code = "not_found"
	Forbidden          Code = "forbidden"
	AlreadyTerminal    Code = "already_terminal"
	InvariantViolation Code = "invariant_violation"
	Internal           Code = "internal"
)

// Error is a classified error. Two *Error values match under errors.Is when
// their codes are equal, so the sentinels below work with wrapped errors.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Message == "" && e.Err == nil:
		return string(e.Code)
	case e.Err == nil:
		return e.Message
	case e.Message == "":
		return e.Err.Error()
	default:
		return e.Message + ": " + e.Err.Error()
	}
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is checks.
var (
	ErrInvalidRequest     = &Error{Code: InvalidRequest}
	ErrInvalidMarket      = &Error{Code: InvalidMarket}
	ErrInsufficientFunds  = &Error{Code: InsufficientFunds}
	ErrNoLiquidity        = &Error{Code: NoLiquidity}
	ErrNotFound           = &Error{Code: NotFound}
	ErrForbidden          = &Error{Code: Forbidden}
	ErrAlreadyTerminal    = &Error{Code: AlreadyTerminal}
	ErrInvariantViolation = &Error{Code: InvariantViolation}
)

// New builds a classified error with a formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err, keeping it reachable through errors.Unwrap.
func Wrap(code Code, err error, msg string) *Error {
	return &Error{Code: code, Message: msg, Err: err}
}

// CodeOf returns the code of the first classified error in err's chain,
// or Internal for unclassified errors.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Internal
}
