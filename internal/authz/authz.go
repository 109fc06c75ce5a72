// Package authz is the single caller-identity guard used by every mutating
// operation. The transport has already proven who the caller is; this only
// compares that principal against the addresses stored on a record.
package authz

import (
	"strings"

	"github.com/mbd888/covenant/internal/apperr"
)

// ErrForbidden is returned when the caller is none of the expected principals.
var ErrForbidden = apperr.New(apperr.KindAuthorization, "caller is not authorized for this operation")

// Require succeeds if caller matches any of the allowed principals.
// Address comparison is case-insensitive; empty entries never match.
func Require(caller string, allowed ...string) error {
	if caller == "" {
		return ErrForbidden
	}
	for _, a := range allowed {
		if a != "" && strings.EqualFold(caller, a) {
			return nil
		}
	}
	return ErrForbidden
}

// RequireAny is Require over a group of principal sets, e.g. the depositor,
// the beneficiary and every signer.
func RequireAny(caller string, groups ...[]string) error {
	for _, g := range groups {
		if Require(caller, g...) == nil {
			return nil
		}
	}
	return ErrForbidden
}

// Normalize lowercases and trims an address so stored principals compare
// consistently.
func Normalize(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}
