// Package idgen provides injectable identifier generators. Every component
// that mints ids takes a Generator so independent instances (and tests) never
// share a package-level counter.
package idgen

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// Generator mints unique identifiers with a kind prefix ("lane", "sess", ...).
type Generator interface {
	NewID(prefix string) string
}

// UUID generates prefix-<uuid v4> identifiers.
type UUID struct{}

// NewID implements Generator.
func (UUID) NewID(prefix string) string {
	if prefix == "" {
		return uuid.NewString()
	}
	return prefix + "-" + uuid.NewString()
}

// Sequence generates prefix-1, prefix-2, ... from a counter owned by the
// instance. Deterministic; used by tests and by tooling that wants readable ids.
type Sequence struct {
	n atomic.Uint64
}

// NewSequence returns a fresh sequence generator.
func NewSequence() *Sequence {
	return &Sequence{}
}

// NewID implements Generator.
func (s *Sequence) NewID(prefix string) string {
	n := s.n.Add(1)
	if prefix == "" {
		return fmt.Sprintf("%d", n)
	}
	return fmt.Sprintf("%s-%d", prefix, n)
}
