package resilience

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when a call is rejected by an open breaker.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerState is the circuit breaker state.
type BreakerState string

const (
	BreakerClosed   BreakerState = "CLOSED"
	BreakerOpen     BreakerState = "OPEN"
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

// CircuitBreaker halts calls to a failing dependency for a cooldown window.
// CLOSED passes calls through. After threshold consecutive failures the
// breaker opens and rejects calls until timeout elapses, then allows exactly
// one trial call in HALF_OPEN: success closes the breaker, failure re-opens
// it for another timeout.
type CircuitBreaker struct {
	mu          sync.Mutex
	threshold   int
	timeout     time.Duration
	state       BreakerState
	failures    int
	nextAttempt time.Time

	// trialInFlight latches the single HALF_OPEN trial so concurrent
	// callers cannot all slip through before its outcome is recorded.
	trialInFlight bool

	now func() time.Time
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(threshold int, timeout time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &CircuitBreaker{
		threshold: threshold,
		timeout:   timeout,
		state:     BreakerClosed,
		now:       time.Now,
	}
}

// Execute runs fn if the breaker allows it and records the outcome.
func (b *CircuitBreaker) Execute(fn func() error) error {
	if err := b.allow(); err != nil {
		return err
	}

	err := fn()
	b.record(err)
	return err
}

// State returns the current breaker state.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *CircuitBreaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerOpen:
		if b.now().Before(b.nextAttempt) {
			return ErrCircuitOpen
		}
		// Cooldown elapsed: allow a single trial call.
		b.state = BreakerHalfOpen
		b.trialInFlight = true
	case BreakerHalfOpen:
		if b.trialInFlight {
			return ErrCircuitOpen
		}
		b.trialInFlight = true
	}
	return nil
}

func (b *CircuitBreaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.trialInFlight = false

	if err == nil {
		b.failures = 0
		b.state = BreakerClosed
		return
	}

	if b.state == BreakerHalfOpen {
		// Trial call failed: re-arm the cooldown.
		b.state = BreakerOpen
		b.nextAttempt = b.now().Add(b.timeout)
		return
	}

	b.failures++
	if b.failures >= b.threshold {
		b.state = BreakerOpen
		b.nextAttempt = b.now().Add(b.timeout)
	}
}
