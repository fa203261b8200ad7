// Package health aggregates readiness checks for the server's
// dependencies: the database, and whatever else registers one.
package health

import (
	"context"
	"sync"
)

// Status is one dependency's verdict.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Check probes one dependency. It should respect ctx deadlines; a check
// that hangs blocks the whole readiness endpoint.
type Check func(ctx context.Context) Status

// Registry holds named checks and runs them on demand. Registration
// order is preserved in CheckAll's output.
type Registry struct {
	mu     sync.RWMutex
	order  []string
	checks map[string]Check
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{checks: make(map[string]Check)}
}

// Register adds a check under name, replacing any previous one.
func (r *Registry) Register(name string, check Check) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.checks[name]; !exists {
		r.order = append(r.order, name)
	}
	r.checks[name] = check
}

// CheckAll runs every check. The aggregate is healthy only when all
// dependencies are.
func (r *Registry) CheckAll(ctx context.Context) (bool, []Status) {
	r.mu.RLock()
	names := make([]string, len(r.order))
	copy(names, r.order)
	checks := make([]Check, 0, len(names))
	for _, name := range names {
		checks = append(checks, r.checks[name])
	}
	r.mu.RUnlock()

	healthy := true
	statuses := make([]Status, len(checks))
	for i, check := range checks {
		statuses[i] = check(ctx)
		if !statuses[i].Healthy {
			healthy = false
		}
	}
	return healthy, statuses
}
