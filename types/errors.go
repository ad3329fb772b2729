package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies errors crossing the protocol boundary.
type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindProtocol
	KindAuth
	KindPermissionDenied
	KindResourceUnknown
	KindExternalService
	KindValidation
)

// Error is an error with a stable, client-visible code. Message is optional and sent to the client;
// Cause is only logged.
type Error struct {
	Kind    ErrorKind
	Code    string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	s := e.Code
	if e.Message != "" {
		s += ": " + e.Message
	}
	if e.Cause != nil {
		s += ": " + e.Cause.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Cause }

func ProtocolError(code string) *Error {
	return &Error{Kind: KindProtocol, Code: code}
}

func AuthError(code string, cause error) *Error {
	return &Error{Kind: KindAuth, Code: code, Cause: cause}
}

// PermissionDenied is returned when the user lacks a permission. The code defaults to protocol.denied.
func PermissionDenied(code string) *Error {
	if code == "" {
		code = "protocol.denied"
	}
	return &Error{Kind: KindPermissionDenied, Code: code}
}

func ResourceUnknown(code string) *Error {
	return &Error{Kind: KindResourceUnknown, Code: code}
}

func ExternalServiceFailure(code string, cause error) *Error {
	return &Error{Kind: KindExternalService, Code: code, Cause: cause}
}

func ValidationError(code, message string) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: message}
}

func InternalError(cause error) *Error {
	return &Error{Kind: KindInternal, Code: "server.error", Cause: cause}
}

// AsError converts any error into an *Error; unknown errors become internal errors.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return InternalError(err)
}

// Payload is what the client sees of the error.
func (e *Error) Payload() map[string]interface{} {
	d := map[string]interface{}{"code": e.Code}
	if e.Message != "" && e.Kind != KindInternal && e.Kind != KindExternalService {
		d["message"] = e.Message
	}
	return d
}

// Errorf creates a validation error with a formatted message.
func Errorf(code, format string, args ...interface{}) *Error {
	return ValidationError(code, fmt.Sprintf(format, args...))
}
