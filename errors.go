package authx

import (
	"errors"
	"fmt"
)

// ErrorCode represents token service error categories.
type ErrorCode string

const (
	ErrCodeInvalidClaims    ErrorCode = "invalid_claims"
	ErrCodeMalformedToken   ErrorCode = "malformed_token"
	ErrCodeInvalidSignature ErrorCode = "invalid_signature"
	ErrCodeMalformedClaims  ErrorCode = "malformed_claims"
	ErrCodeExpired          ErrorCode = "token_expired"
	ErrCodeRevoked          ErrorCode = "token_revoked"
	ErrCodeInternal         ErrorCode = "internal_error"
)

var errorMessages = map[ErrorCode]string{
	ErrCodeInvalidClaims:    "Invalid claims",
	ErrCodeMalformedToken:   "Malformed token",
	ErrCodeInvalidSignature: "Invalid signature",
	ErrCodeMalformedClaims:  "Malformed claims",
	ErrCodeExpired:          "Token expired",
	ErrCodeRevoked:          "Token revoked",
	ErrCodeInternal:         "Internal error",
}

// Error wraps token service errors with a stable code and message.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	base := e.Message
	if base == "" {
		base = string(e.Code)
	}
	if e.Err == nil {
		return base
	}
	return fmt.Sprintf("%s: %v", base, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// CodeOf returns the code carried by err, or "" when err is not an *Error.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

func newError(code ErrorCode, err error) error {
	msg, ok := errorMessages[code]
	if !ok {
		msg = string(code)
	}
	return &Error{Code: code, Message: msg, Err: err}
}
