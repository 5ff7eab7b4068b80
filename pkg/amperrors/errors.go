// Package amperrors defines the categorical, wire-visible error codes used
// across the AMP core: wire envelope, validator, transport wrappers and the
// relay state engine all fail through this single type. The codec returns
// plain errors, which its callers convert to INVALID_MESSAGE.
package amperrors

import "fmt"

// Stable wire-visible error codes.
const (
	CodeInvalidMessage      = 1001
	CodeInvalidSignature    = 1002
	CodeInvalidTimestamp    = 1003
	CodeUnsupportedVersion  = 1004
	CodeRecipientNotFound   = 2001
	CodeEndpointUnavailable = 2002
	CodeRelayRejected       = 2003
	CodeMessageExpired      = 2004
	CodeUnauthorized        = 3001
)

var codeNames = map[int]string{
	CodeInvalidMessage:      "INVALID_MESSAGE",
	CodeInvalidSignature:    "INVALID_SIGNATURE",
	CodeInvalidTimestamp:    "INVALID_TIMESTAMP",
	CodeUnsupportedVersion:  "UNSUPPORTED_VERSION",
	CodeRecipientNotFound:   "RECIPIENT_NOT_FOUND",
	CodeEndpointUnavailable: "ENDPOINT_UNAVAILABLE",
	CodeRelayRejected:       "RELAY_REJECTED",
	CodeMessageExpired:      "MESSAGE_EXPIRED",
	CodeUnauthorized:        "UNAUTHORIZED",
}

// Error is the categorical failure type returned by every fallible
// operation in the AMP core. It is a plain value, not a wrapped error tree:
// callers compare Code, not error identity.
type Error struct {
	Code   int
	Name   string
	Detail string
}

func (e *Error) Error() string {
	return fmt.Sprintf("amp error [%d] %s: %s", e.Code, e.Name, e.Detail)
}

func newError(code int, detail string) *Error {
	return &Error{Code: code, Name: codeNames[code], Detail: detail}
}

func InvalidMessage(detail string) *Error      { return newError(CodeInvalidMessage, detail) }
func InvalidSignature(detail string) *Error    { return newError(CodeInvalidSignature, detail) }
func InvalidTimestamp(detail string) *Error    { return newError(CodeInvalidTimestamp, detail) }
func UnsupportedVersion(detail string) *Error  { return newError(CodeUnsupportedVersion, detail) }
func RecipientNotFound(detail string) *Error   { return newError(CodeRecipientNotFound, detail) }
func EndpointUnavailable(detail string) *Error { return newError(CodeEndpointUnavailable, detail) }
func RelayRejected(detail string) *Error       { return newError(CodeRelayRejected, detail) }
func MessageExpired(detail string) *Error      { return newError(CodeMessageExpired, detail) }
func Unauthorized(detail string) *Error        { return newError(CodeUnauthorized, detail) }

// Is reports whether err is an *Error with the given code.
func Is(err error, code int) bool {
	ae, ok := err.(*Error)
	return ok && ae.Code == code
}
