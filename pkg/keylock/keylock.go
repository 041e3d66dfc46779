// Package keylock provides striped mutexes keyed by string.
//
// Keys are hashed onto a fixed set of stripes, so two keys may share a stripe.
// That only costs throughput, never correctness: holders of the same key are
// always serialized.
package keylock

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

// DefaultStripes is used when New is given a non-positive count.
const DefaultStripes = 256

// Striped is a fixed array of mutexes indexed by key hash.
type Striped struct {
	stripes []sync.Mutex
}

// New creates a Striped lock with n stripes.
func New(n int) *Striped {
	if n <= 0 {
		n = DefaultStripes
	}
	return &Striped{stripes: make([]sync.Mutex, n)}
}

// Lock acquires the stripe for key and returns its unlock function.
func (s *Striped) Lock(key string) func() {
	m := &s.stripes[s.index(key)]
	m.Lock()
	return m.Unlock
}

// With runs fn while holding the stripe for key.
func (s *Striped) With(key string, fn func() error) error {
	unlock := s.Lock(key)
	defer unlock()
	return fn()
}

func (s *Striped) index(key string) int {
	return int(xxhash.Sum64String(key) % uint64(len(s.stripes)))
}
