package resilience

import "sync"

// Registry owns one circuit breaker per logical dependency, keyed by a stable
// name such as "axelar:ethereum" or "price-oracle". Callers share breaker
// state per dependency instead of each holding their own.
type Registry struct {
	mu       sync.Mutex
	cfg      Config
	breakers map[string]*CircuitBreaker

	// onStateChange, when set, receives transitions for every breaker.
	onStateChange func(dependency string, from, to State)
}

// NewRegistry creates a registry applying cfg to every breaker it mints.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		cfg:      cfg,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// OnStateChange installs a transition observer for all breakers, present and
// future. Must be called before the first Breaker lookup to cover everything.
func (r *Registry) OnStateChange(fn func(dependency string, from, to State)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onStateChange = fn
}

// Breaker returns the breaker for a dependency, creating it on first use.
func (r *Registry) Breaker(dependency string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[dependency]; ok {
		return cb
	}

	cfg := BreakerConfig{
		FailureThreshold: r.cfg.FailureThreshold,
		SuccessThreshold: r.cfg.SuccessThreshold,
		ResetTimeout:     r.cfg.ResetTimeout,
	}
	if fn := r.onStateChange; fn != nil {
		dep := dependency
		cfg.OnStateChange = func(from, to State) { fn(dep, from, to) }
	}

	cb := NewCircuitBreaker(cfg)
	r.breakers[dependency] = cb
	return cb
}

// States snapshots the current state of every registered breaker.
func (r *Registry) States() map[string]State {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]State, len(r.breakers))
	for dep, cb := range r.breakers {
		out[dep] = cb.State()
	}
	return out
}
