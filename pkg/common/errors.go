//
//  Copyright © Manetu Inc. All rights reserved.
//

// Package common provides shared types and utilities used across the
// FlowPilot packages.
//
// # Error Handling
//
// The [Error] type provides structured error information for service
// failures, carrying a [Kind] classification and a stable reason code
// suitable for AuthZEN responses and HTTP error bodies.
package common

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an [Error] so transports and the authorization engine can
// map it to an HTTP status or a reason-code family without string matching.
type Kind int

// Error classifications.
const (
	KindUnknown Kind = iota
	KindInvalidArgument
	KindNotFound
	KindAlreadyExists
	KindUnauthenticated
	KindPermissionDenied
	KindStorage
	KindUpstream
	KindSizeExceeded
)

// String returns the lowercase name of the kind.
func (k Kind) String() string {
	switch k {
	case KindInvalidArgument:
		return "invalid_argument"
	case KindNotFound:
		return "not_found"
	case KindAlreadyExists:
		return "already_exists"
	case KindUnauthenticated:
		return "unauthenticated"
	case KindPermissionDenied:
		return "permission_denied"
	case KindStorage:
		return "storage_error"
	case KindUpstream:
		return "upstream_error"
	case KindSizeExceeded:
		return "size_exceeded"
	default:
		return "unknown"
	}
}

// Error represents a structured FlowPilot error.
//
// Error carries a machine-readable reason code alongside the human-readable
// message so that callers can surface stable codes in AuthZEN reason_codes
// and HTTP error bodies while keeping prose free to change.
type Error struct {
	// Kind is the error classification.
	Kind Kind
	// ReasonCode is the machine-readable error code, e.g. "invalid_subject".
	ReasonCode string
	// Reason is a human-readable description of the error.
	Reason string
	// Cause is the wrapped underlying error, if any.
	Cause error
}

// Error implements the error interface, returning a formatted string
// containing both the reason message and the reason code.
func (e *Error) Error() string {
	return fmt.Sprintf("%s(code-%s)", e.Reason, e.ReasonCode)
}

// Unwrap exposes the underlying cause for errors.Is/As chains.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new [Error] with the specified kind, reason code and message.
func NewError(kind Kind, code string, msg string) *Error {
	return &Error{Kind: kind, ReasonCode: code, Reason: msg}
}

// NewErrorf creates a new [Error] with a formatted message.
func NewErrorf(kind Kind, code string, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, ReasonCode: code, Reason: fmt.Sprintf(format, args...)}
}

// WrapError creates a new [Error] that wraps cause.
func WrapError(kind Kind, code string, cause error, msg string) *Error {
	return &Error{Kind: kind, ReasonCode: code, Reason: msg, Cause: cause}
}

// KindOf returns the [Kind] of err, unwrapping as needed. Errors outside the
// [Error] family report [KindUnknown].
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// ReasonCodeOf returns the reason code of err, or fallback when err is not a
// structured [Error].
func ReasonCodeOf(err error, fallback string) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.ReasonCode
	}
	return fallback
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HTTPStatus maps an error kind to the HTTP status the services use for it.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindInvalidArgument:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindAlreadyExists:
		return http.StatusConflict
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindPermissionDenied:
		return http.StatusForbidden
	case KindSizeExceeded:
		return http.StatusRequestEntityTooLarge
	case KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
