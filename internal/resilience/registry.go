package resilience

import (
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// Registry hands out one rate limiter and one circuit breaker per named
// endpoint group, creating each on first use. All callers hitting the
// same group share the same instances, which is what makes the limits
// hold process-wide.
type Registry struct {
	mu       sync.Mutex
	limiters map[string]*RateLimiter
	breakers map[string]*CircuitBreaker
	logger   *log.Logger
}

// NewRegistry creates an empty [Registry].
func NewRegistry(logger *log.Logger) *Registry {
	return &Registry{
		limiters: make(map[string]*RateLimiter),
		breakers: make(map[string]*CircuitBreaker),
		logger:   logger,
	}
}

// Limiter returns the rate limiter for the named group, creating it with
// the given parameters on first call. Later calls ignore the parameters.
func (r *Registry) Limiter(name string, limit int, period time.Duration) *RateLimiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.limiters[name]; ok {
		return l
	}

	r.logger.Debug("creating rate limiter", "name", name, "limit", limit, "period", period)
	l := NewRateLimiter(limit, period)
	r.limiters[name] = l
	return l
}

// Breaker returns the circuit breaker for the named group, creating it
// with the given parameters on first call. Later calls ignore the
// parameters.
func (r *Registry) Breaker(name string, threshold int, recovery time.Duration) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[name]; ok {
		return b
	}

	r.logger.Debug("creating circuit breaker", "name", name, "threshold", threshold, "recovery", recovery)
	b := NewCircuitBreaker(name, threshold, recovery)
	r.breakers[name] = b
	return b
}

// ResetBreaker closes the named breaker if it exists. Returns false when
// no breaker by that name has been created.
func (r *Registry) ResetBreaker(name string) bool {
	r.mu.Lock()
	b, ok := r.breakers[name]
	r.mu.Unlock()

	if !ok {
		return false
	}

	b.Reset()
	r.logger.Info("circuit breaker reset", "name", name)
	return true
}

// BreakerStates returns the current state of every created breaker.
func (r *Registry) BreakerStates() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()

	states := make(map[string]string, len(r.breakers))
	for name, b := range r.breakers {
		states[name] = b.State()
	}
	return states
}
