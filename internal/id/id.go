// Package id provides message identifier generation for bridge traffic.
//
// Every message crossing a bridge carries a unique, host-scoped identifier.
// A Generator combines a ULID instance token minted at construction with a
// monotonically increasing sequence number, so identifiers sort in creation
// order within an instance and never collide across instances or processes.
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
)

// Generator produces prefixed, monotonically increasing message identifiers.
type Generator struct {
	prefix   string
	instance string
	seq      atomic.Uint64
}

// New creates a generator with the given type prefix (e.g. "host", "sbx").
func New(prefix string) *Generator {
	return NewWithEntropy(prefix, rand.Reader)
}

// NewWithEntropy creates a generator with a custom entropy source.
// Useful for testing with deterministic entropy.
func NewWithEntropy(prefix string, entropy io.Reader) *Generator {
	return &Generator{
		prefix:   prefix,
		instance: ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String(),
	}
}

// Next returns the next identifier in this instance's sequence.
func (g *Generator) Next() string {
	n := g.seq.Add(1)
	return fmt.Sprintf("%s_%s_%08d", g.prefix, g.instance, n)
}

// Instance returns the instance token shared by all ids from this generator.
func (g *Generator) Instance() string {
	return g.instance
}
