package ledger

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned while the breaker rejects calls.
var ErrCircuitOpen = errors.New("ledger: circuit breaker is open")

// BreakerState is the circuit breaker state.
type BreakerState int

const (
	BreakerClosed   BreakerState = 0 // calls pass through
	BreakerOpen     BreakerState = 1 // calls rejected until the cool-down ends
	BreakerHalfOpen BreakerState = 2 // one probe call allowed
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker trips after maxFailures consecutive failures and rejects
// calls for coolDown. The first call after the cool-down is a probe: success
// closes the breaker, failure reopens it.
type CircuitBreaker struct {
	mu          sync.Mutex
	state       BreakerState
	failures    int
	maxFailures int
	coolDown    time.Duration
	openedAt    time.Time
	now         func() time.Time

	// OnStateChange is called on transitions, with the breaker lock held.
	OnStateChange func(from, to BreakerState)
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(maxFailures int, coolDown time.Duration) *CircuitBreaker {
	if maxFailures <= 0 {
		maxFailures = 1
	}
	return &CircuitBreaker{
		maxFailures: maxFailures,
		coolDown:    coolDown,
		now:         time.Now,
	}
}

// Execute runs fn unless the breaker is open.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.mu.Lock()
	if cb.state == BreakerOpen {
		if cb.now().Sub(cb.openedAt) <= cb.coolDown {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		cb.transition(BreakerHalfOpen)
	}
	cb.mu.Unlock()

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err != nil {
		cb.failures++
		if cb.state == BreakerHalfOpen || cb.failures >= cb.maxFailures {
			cb.openedAt = cb.now()
			cb.transition(BreakerOpen)
		}
		return err
	}
	if cb.state != BreakerClosed {
		cb.transition(BreakerClosed)
	}
	cb.failures = 0
	return nil
}

// State returns the current state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) transition(to BreakerState) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	if to == BreakerClosed {
		cb.failures = 0
	}
	if cb.OnStateChange != nil {
		cb.OnStateChange(from, to)
	}
}
