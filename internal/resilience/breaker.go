package resilience

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/desertthunder/podsync/internal/shared"
)

// permanentError marks a failure that should not count toward tripping
// the breaker. Client-side mistakes (4xx responses other than 429) say
// nothing about the remote service's health.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the circuit breaker treats it as a success for
// health-tracking purposes while still returning it to the caller.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// CircuitBreaker guards calls to one remote endpoint group. After
// threshold consecutive countable failures it opens and fails fast
// without touching the network; after the recovery timeout a single
// probe call is allowed through, and success closes the circuit again.
type CircuitBreaker struct {
	mu        sync.Mutex
	cb        *gobreaker.CircuitBreaker[any]
	name      string
	threshold int
	recovery  time.Duration
}

// NewCircuitBreaker creates a breaker that opens after threshold
// consecutive failures and probes again after the recovery timeout.
func NewCircuitBreaker(name string, threshold int, recovery time.Duration) *CircuitBreaker {
	b := &CircuitBreaker{name: name, threshold: threshold, recovery: recovery}
	b.cb = gobreaker.NewCircuitBreaker[any](b.settings())
	return b
}

func (b *CircuitBreaker) settings() gobreaker.Settings {
	return gobreaker.Settings{
		Name:        b.name,
		MaxRequests: 1,
		Timeout:     b.recovery,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(b.threshold)
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var perm *permanentError
			return errors.As(err, &perm)
		},
	}
}

// Execute runs fn through the breaker. An open circuit returns a
// [shared.ErrCircuitOpen] wrap immediately; permanent-wrapped errors
// come back unwrapped.
func (b *CircuitBreaker) Execute(fn func() error) error {
	b.mu.Lock()
	cb := b.cb
	b.mu.Unlock()

	_, err := cb.Execute(func() (any, error) {
		return nil, fn()
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s", shared.ErrCircuitOpen, b.name)
	}

	var perm *permanentError
	if errors.As(err, &perm) {
		return perm.err
	}

	return err
}

// State returns the current breaker state as a string.
func (b *CircuitBreaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cb.State().String()
}

// Reset closes the circuit and clears all failure counts by swapping in
// a fresh breaker.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cb = gobreaker.NewCircuitBreaker[any](b.settings())
}
