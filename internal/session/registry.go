package session

import "sync"

// Registry is the process-wide map of live session ids to controllers. The
// registry holds non-owning references: a controller adds itself on accept
// and removes itself during teardown.
type Registry struct {
	mu          sync.RWMutex
	controllers map[string]*Controller
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{controllers: make(map[string]*Controller)}
}

// Add registers a controller under its session id. A second connection for
// the same id replaces the first in the registry; the returned previous
// controller (if any) should be closed by the caller.
func (r *Registry) Add(c *Controller) *Controller {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.controllers[c.SessionID()]
	r.controllers[c.SessionID()] = c
	return prev
}

// Remove drops the mapping for the controller, but only if the id still
// points at it: a replaced controller must not unregister its successor
// during its own teardown.
func (r *Registry) Remove(c *Controller) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.controllers[c.SessionID()] == c {
		delete(r.controllers, c.SessionID())
	}
}

// Get returns the controller for a session id, or nil.
func (r *Registry) Get(sessionID string) *Controller {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.controllers[sessionID]
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.controllers)
}

// Snapshot returns a stable copy of the live controllers. Iterating the copy
// never blocks Add/Remove.
func (r *Registry) Snapshot() []*Controller {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Controller, 0, len(r.controllers))
	for _, c := range r.controllers {
		out = append(out, c)
	}
	return out
}

// Shutdown closes every live controller and waits for each to finish its
// teardown, so no analysis run outlives the process.
func (r *Registry) Shutdown() {
	for _, c := range r.Snapshot() {
		c.Close()
		<-c.Done()
	}
}
