package resilience

import (
	"log/slog"
	"sync"
)

// Registry is a named collection of circuit breakers. It is the single place
// the orchestrator and the management surface look breakers up, so every
// breaker guarding a dependency should be registered exactly once.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{breakers: make(map[string]*CircuitBreaker)}
}

// Register adds cb under its configured name. Registering a name that
// already exists is logged and ignored; the existing breaker stays in place.
func (r *Registry) Register(cb *CircuitBreaker) {
	name := cb.Name()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.breakers[name]; ok {
		slog.Warn("circuit breaker already registered, ignoring", "name", name)
		return
	}
	r.breakers[name] = cb
}

// Get returns the breaker registered under name, or nil when absent.
func (r *Registry) Get(name string) *CircuitBreaker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.breakers[name]
}

// Len returns the number of registered breakers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.breakers)
}

// AllSnapshots returns a point-in-time snapshot of every registered breaker,
// keyed by name.
func (r *Registry) AllSnapshots() map[string]Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Snapshot, len(r.breakers))
	for name, cb := range r.breakers {
		out[name] = cb.Snapshot()
	}
	return out
}

// HealthStatus summarises breaker health. A breaker is healthy iff its
// state is closed.
type HealthStatus struct {
	Healthy   int             `json:"healthy"`
	Unhealthy int             `json:"unhealthy"`
	Breakers  map[string]bool `json:"breakers"`
}

// HealthStatus reports per-breaker health and the healthy/unhealthy totals.
func (r *Registry) HealthStatus() HealthStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	hs := HealthStatus{Breakers: make(map[string]bool, len(r.breakers))}
	for name, cb := range r.breakers {
		ok := cb.State() == StateClosed
		hs.Breakers[name] = ok
		if ok {
			hs.Healthy++
		} else {
			hs.Unhealthy++
		}
	}
	return hs
}

// ResetAll resets every registered breaker to closed with cleared counters.
func (r *Registry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, cb := range r.breakers {
		cb.Reset()
	}
	slog.Info("all circuit breakers reset", "count", len(r.breakers))
}

// Remove deletes the breaker registered under name. Removing an unknown name
// is a no-op.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.breakers, name)
}

// Clear removes every registered breaker.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.breakers)
}
