// Package apperr classifies domain errors so transports can map them
// without knowing every sentinel.
package apperr

import (
	"errors"
	"net/http"
)

// Kind is the failure class of an error.
type Kind string

const (
	KindInternal      Kind = "internal"
	KindValidation    Kind = "validation"
	KindAuthorization Kind = "unauthorized"
	KindStateConflict Kind = "state_conflict"
	KindNotYetMet     Kind = "not_yet"
	KindExpired       Kind = "expired"
	KindNotFound      Kind = "not_found"
)

// Error is a sentinel carrying a Kind. Compare with errors.Is against the
// package-level sentinels declared by each domain package.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string { return e.Message }

// New creates a classified sentinel error.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// KindOf returns the Kind of the first classified error in err's chain,
// or KindInternal when none is found.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HTTPStatus maps an error to the status code handlers respond with.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthorization:
		return http.StatusForbidden
	case KindStateConflict:
		return http.StatusConflict
	case KindNotYetMet:
		return http.StatusTooEarly
	case KindExpired:
		return http.StatusGone
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// Code returns the short machine-readable code used in JSON error bodies.
func Code(err error) string {
	k := KindOf(err)
	if k == "" {
		return ""
	}
	return string(k)
}
