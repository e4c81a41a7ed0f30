package importer

import (
	"errors"
	"sync"
)

// ErrAlreadyPolling is returned when a poll for the same step and execution is already running.
var ErrAlreadyPolling = errors.New("a status poll for this execution is already running")

// PollGuard is the set of polling loops currently running. Membership is
// checked and set atomically.
type PollGuard struct {
	mu     sync.Mutex
	active map[string]struct{}
}

func NewPollGuard() *PollGuard {
	return &PollGuard{active: make(map[string]struct{})}
}

// Acquire marks key as polling. It returns false when key is already taken.
func (g *PollGuard) Acquire(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.active[key]; ok {
		return false
	}
	g.active[key] = struct{}{}
	return true
}

func (g *PollGuard) Release(key string) {
	g.mu.Lock()
	delete(g.active, key)
	g.mu.Unlock()
}

func (g *PollGuard) Active(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.active[key]
	return ok
}

func (g *PollGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.active)
}
