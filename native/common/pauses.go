package common

import "sync"

// PauseSet is a concurrency-safe PauseView backed by an explicit module set.
// Operators seed it from configuration and may flip switches at runtime.
type PauseSet struct {
	mu     sync.RWMutex
	paused map[string]struct{}
}

// NewPauseSet builds a pause view with the given modules already paused.
func NewPauseSet(modules ...string) *PauseSet {
	set := &PauseSet{paused: make(map[string]struct{}, len(modules))}
	for _, m := range modules {
		set.paused[m] = struct{}{}
	}
	return set
}

// Pause disables the module's mutating operations.
func (p *PauseSet) Pause(module string) {
	p.mu.Lock()
	p.paused[module] = struct{}{}
	p.mu.Unlock()
}

// Resume re-enables the module.
func (p *PauseSet) Resume(module string) {
	p.mu.Lock()
	delete(p.paused, module)
	p.mu.Unlock()
}

// IsPaused satisfies PauseView.
func (p *PauseSet) IsPaused(module string) bool {
	p.mu.RLock()
	_, ok := p.paused[module]
	p.mu.RUnlock()
	return ok
}
