package guard

import (
	"os"
	"sync"
)

// Registry is the process-wide unlink-on-exit list staged GCDA files
// are registered with. It is modeled as an explicit, constructible
// singleton rather than ambient package state, so dispatch callers can
// inject either the process-wide instance or a recording fake in
// tests. Register is safe for concurrent use.
type Registry struct {
	mu    sync.Mutex
	paths []string
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register appends path to the list. It never fails in this
// implementation, but returns an error to satisfy callers that need to
// treat registration as fallible (e.g. a bounded-capacity registry).
func (r *Registry) Register(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paths = append(r.paths, path)
	return nil
}

// Drain removes every registered path, best-effort, and empties the
// list. Call once at process exit (or at the end of a test).
func (r *Registry) Drain() {
	r.mu.Lock()
	paths := r.paths
	r.paths = nil
	r.mu.Unlock()

	for _, p := range paths {
		_ = os.Remove(p)
	}
}

// process is the registry shared by the running process. Callers can
// wire a registry in explicitly through dispatch.Options.Registry;
// Dispatch falls back to this one when that field is nil.
var process = NewRegistry()

// Process returns the process-wide cleanup registry.
func Process() *Registry {
	return process
}
