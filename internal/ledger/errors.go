package ledger

import "errors"

// Code is the numeric error identifier surfaced to message-passing
// collaborators. Values are stable across releases.
type Code uint16

const (
	CodeVaultInsufficientBalance Code = 101
	CodeVaultInvalidAmount       Code = 102
	CodeVaultUnauthorized        Code = 103
	CodeVaultPaused              Code = 104

	CodeTraderUnauthorized Code = 201
	CodeTraderInvalidTrade Code = 202

	CodeLoggerUnauthorized Code = 301
)

// Kind groups codes by how a caller should react to them.
type Kind uint8

const (
	KindUnknown Kind = iota
	// KindAuthorization: caller is not the required identity. Never retried.
	KindAuthorization
	// KindValidation: bad input. Safe to retry with corrected input.
	KindValidation
	// KindLiveness: component paused. Retry once it is active again.
	KindLiveness
)

func (k Kind) String() string {
	switch k {
	case KindAuthorization:
		return "authorization"
	case KindValidation:
		return "validation"
	case KindLiveness:
		return "liveness"
	}
	return "unknown"
}

// Kind classifies the code.
func (c Code) Kind() Kind {
	switch c {
	case CodeVaultUnauthorized, CodeTraderUnauthorized, CodeLoggerUnauthorized:
		return KindAuthorization
	case CodeVaultInsufficientBalance, CodeVaultInvalidAmount, CodeTraderInvalidTrade:
		return KindValidation
	case CodeVaultPaused:
		return KindLiveness
	}
	return KindUnknown
}

// Error is a sentinel error carrying an external code. Components declare
// their sentinels with NewError and wrap them with fmt.Errorf("%w: ...").
type Error struct {
	Code Code
	msg  string
}

// NewError creates a coded sentinel.
func NewError(code Code, msg string) *Error {
	return &Error{Code: code, msg: msg}
}

func (e *Error) Error() string { return e.msg }

// CodeOf extracts the external code from err, if any.
func CodeOf(err error) (Code, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return 0, false
}
