package embeddings

import (
	"math"
	"sync/atomic"
	"time"
)

const (
	circuitClosed   uint32 = 0
	circuitOpen     uint32 = 1
	circuitHalfOpen uint32 = 2
)

// CircuitBreaker stops calling a gateway after consecutive failures and
// lets a single probe call through once resetAfter has passed.
type CircuitBreaker struct {
	failures    atomic.Int32
	threshold   int32
	resetAfter  time.Duration
	state       atomic.Uint32 // 0=closed, 1=open, 2=half-open
	lastFailure atomic.Int64  // Unix nano timestamp
}

// NewCircuitBreaker creates a new circuit breaker.
func NewCircuitBreaker(threshold int32, resetAfter time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if resetAfter <= 0 {
		resetAfter = 30 * time.Second
	}
	return &CircuitBreaker{
		threshold:  threshold,
		resetAfter: resetAfter,
	}
}

// Allow returns true if the operation is allowed.
func (cb *CircuitBreaker) Allow() bool {
	for {
		state := cb.state.Load()
		switch state {
		case circuitOpen:
			lastFail := time.Unix(0, cb.lastFailure.Load())
			if time.Since(lastFail) > cb.resetAfter {
				// CAS: only one goroutine transitions to half-open
				if cb.state.CompareAndSwap(circuitOpen, circuitHalfOpen) {
					return true
				}
				continue
			}
			return false
		case circuitHalfOpen:
			return false
		default:
			return true
		}
	}
}

// RecordSuccess closes the circuit.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.failures.Store(0)
	cb.state.Store(circuitClosed)
}

// RecordFailure counts a failure and opens the circuit at the threshold.
// A failed half-open probe reopens it immediately.
func (cb *CircuitBreaker) RecordFailure() {
	if cb.state.Load() == circuitHalfOpen {
		cb.lastFailure.Store(time.Now().UnixNano())
		if cb.state.CompareAndSwap(circuitHalfOpen, circuitOpen) {
			return
		}
	}
	for {
		n := cb.failures.Load()
		if n == math.MaxInt32 {
			return
		}
		if !cb.failures.CompareAndSwap(n, n+1) {
			continue
		}
		if n+1 >= cb.threshold && cb.state.Load() == circuitClosed {
			// lastFailure is stored before the state flips so Allow never
			// sees an open circuit with a zero timestamp.
			cb.lastFailure.Store(time.Now().UnixNano())
			cb.state.CompareAndSwap(circuitClosed, circuitOpen)
		}
		return
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() string {
	switch cb.state.Load() {
	case circuitClosed:
		return "closed"
	case circuitOpen:
		return "open"
	case circuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}
