package workflow

import "sync"

// Registry tracks the live status of runs executing in this process.
// Status queries read it without touching the workspace; only the Runner
// writes it, at phase boundaries.
type Registry struct {
	mu   sync.RWMutex
	runs map[string]Status
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{runs: make(map[string]Status)}
}

// Set records a run's current status.
func (r *Registry) Set(runID string, status Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[runID] = status
}

// Get returns a run's status and whether it is known.
func (r *Registry) Get(runID string) (Status, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.runs[runID]
	return s, ok
}

// List returns a snapshot of all known runs.
func (r *Registry) List() map[string]Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Status, len(r.runs))
	for id, s := range r.runs {
		out[id] = s
	}
	return out
}
