package core

import (
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// IDGenerator produces unique identifiers for requests, steps and sessions.
type IDGenerator interface {
	NewID() string
}

// UUIDv7Generator generates time-sortable UUIDv7 strings (36 characters).
//
// Thread-safety: stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// NewID panics only if the system random source fails.
func (UUIDv7Generator) NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// FixedGenerator returns predetermined ids in order, then falls back to
// numbered ids with the given prefix. Used by tests and golden scenarios.
type FixedGenerator struct {
	mu     sync.Mutex
	ids    []string
	prefix string
	n      int
}

// NewFixedGenerator creates a generator returning ids, then prefix-1, prefix-2...
func NewFixedGenerator(prefix string, ids ...string) *FixedGenerator {
	return &FixedGenerator{ids: ids, prefix: prefix}
}

func (g *FixedGenerator) NewID() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.ids) > 0 {
		id := g.ids[0]
		g.ids = g.ids[1:]
		return id
	}
	g.n++
	return g.prefix + "-" + strconv.Itoa(g.n)
}

// Sequence is a monotonic counter stamping outgoing control events.
//
// Thread-safety: safe for concurrent use (atomic operations).
type Sequence struct {
	n atomic.Uint64
}

// Next returns the next value. The first call returns 1.
func (s *Sequence) Next() uint64 {
	return s.n.Add(1)
}

// Current returns the last value handed out.
func (s *Sequence) Current() uint64 {
	return s.n.Load()
}
