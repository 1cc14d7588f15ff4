// Package rpc implements the dual-protocol front door: the JSON-RPC style
// envelope surface and the path-per-procedure typed surface. Both dispatch
// into the procedure catalog through one shared code path, so a behavioral
// difference between them is a bug.
package rpc

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind is the gateway error taxonomy. Every kind maps to a numeric
// envelope code and an HTTP status on the typed surface.
type ErrorKind string

const (
	KindParse          ErrorKind = "parse"
	KindInvalidRequest ErrorKind = "invalid_request"
	KindMethodNotFound ErrorKind = "method_not_found"
	KindInvalidParams  ErrorKind = "invalid_params"
	KindInternal       ErrorKind = "internal"
	KindUnauthorized   ErrorKind = "unauthorized"
	KindForbidden      ErrorKind = "forbidden"
	KindRateLimited    ErrorKind = "rate_limited"

	KindQuotaExceeded        ErrorKind = "quota_exceeded"
	KindModelNotAllowed      ErrorKind = "model_not_allowed"
	KindNoCredentials        ErrorKind = "no_credentials"
	KindUpstreamUnauthorized ErrorKind = "upstream_unauthorized"
	KindUpstreamRateLimited  ErrorKind = "upstream_rate_limited"
	KindUpstreamTimeout      ErrorKind = "upstream_timeout"
	KindUpstream             ErrorKind = "upstream_error"
)

// Envelope error codes. The JSON-RPC reserved range plus the gateway's
// server-defined extensions.
const (
	CodeParse          = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603
	CodeUnauthorized   = -32001
	CodeForbidden      = -32002
	CodeRateLimited    = -32003
)

// Error is the gateway error surfaced to callers. Message is human readable;
// Data is structured detail that never contains secrets.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Data    any       `json:"data,omitempty"`

	// cause is server-side context only, never serialized.
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Code returns the numeric envelope code for the error.
func (e *Error) Code() int {
	switch e.Kind {
	case KindParse:
		return CodeParse
	case KindInvalidRequest:
		return CodeInvalidRequest
	case KindMethodNotFound:
		return CodeMethodNotFound
	case KindInvalidParams, KindModelNotAllowed, KindNoCredentials:
		return CodeInvalidParams
	case KindUnauthorized, KindUpstreamUnauthorized:
		return CodeUnauthorized
	case KindForbidden, KindQuotaExceeded:
		return CodeForbidden
	case KindRateLimited, KindUpstreamRateLimited:
		return CodeRateLimited
	default:
		return CodeInternal
	}
}

// HTTPStatus returns the status used on the typed surface.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindParse, KindInvalidRequest, KindInvalidParams, KindModelNotAllowed, KindNoCredentials:
		return http.StatusBadRequest
	case KindMethodNotFound:
		return http.StatusNotFound
	case KindUnauthorized, KindUpstreamUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden, KindQuotaExceeded:
		return http.StatusForbidden
	case KindRateLimited, KindUpstreamRateLimited:
		return http.StatusTooManyRequests
	case KindUpstreamTimeout:
		return http.StatusGatewayTimeout
	case KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Errorf builds a gateway error from a kind and format string.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithData attaches structured detail to the error.
func (e *Error) WithData(data any) *Error {
	e.Data = data
	return e
}

// Wrap builds an internal-class error keeping the cause server-side. The
// caller sees only the generic message; the cause goes to the log.
func Wrap(kind ErrorKind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, cause: cause}
}

// AsError coerces any error into a gateway *Error. Unknown errors become
// KindInternal with a generic message so their detail stays server-side.
func AsError(err error) *Error {
	var ge *Error
	if errors.As(err, &ge) {
		return ge
	}
	return &Error{Kind: KindInternal, Message: "internal error", cause: err}
}
