// Package idgen provides the sequential entity ids and random correlation
// ids used across the service.
package idgen

import (
	"encoding/hex"
	"sync/atomic"

	"github.com/google/uuid"
)

// Sequence hands out strictly increasing ids starting at 1. The zero value
// is ready to use. Safe for concurrent use.
type Sequence struct {
	last atomic.Uint64
}

// Next returns the next id.
func (s *Sequence) Next() uint64 {
	return s.last.Add(1)
}

// Last returns the most recently issued id, or 0 if none.
func (s *Sequence) Last() uint64 {
	return s.last.Load()
}

// New generates a random UUIDv4 string for request and event ids.
func New() string {
	return uuid.NewString()
}

// WithPrefix generates a random id with a prefix (e.g. "evt_", "req_").
func WithPrefix(prefix string) string {
	u := uuid.New()
	return prefix + hex.EncodeToString(u[:])
}
