// Package guard provides a process-wide reentrancy guard keyed by operation
// strings, preventing two concurrent invocations of the same mutating
// operation on the same target.
package guard

import (
	"errors"
	"sync"
)

// ErrHeld signals that the keyed operation is already in flight.
var ErrHeld = errors.New("guard: operation already in progress")

// Guard tracks the set of operation keys currently executing. Acquire fails
// fast instead of blocking so callers can surface a duplicate operation
// immediately.
type Guard struct {
	mu       sync.Mutex
	inflight map[string]struct{}
}

func New() *Guard {
	return &Guard{inflight: make(map[string]struct{})}
}

// Acquire reserves the key and returns its release func. The release func must
// run on every exit path (defer it right away); extra calls are no-ops.
func (g *Guard) Acquire(key string) (func(), error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, held := g.inflight[key]; held {
		return nil, ErrHeld
	}
	g.inflight[key] = struct{}{}

	var once sync.Once
	release := func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.inflight, key)
			g.mu.Unlock()
		})
	}
	return release, nil
}
