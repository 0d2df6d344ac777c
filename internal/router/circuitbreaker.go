package router

import (
	"sync"
	"time"
)

// breakerState is the circuit breaker's three-value state machine (spec §5).
type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// circuitBreaker guards one shard: after failureThreshold consecutive fatal
// failures it opens and rejects calls for recoveryTimeout, then admits a
// single half-open probe before deciding whether to close or re-open.
type circuitBreaker struct {
	mu               sync.Mutex
	state            breakerState
	consecutiveFails int
	openedAt         time.Time
	probeInFlight    bool

	failureThreshold int
	recoveryTimeout  time.Duration
}

func newCircuitBreaker(failureThreshold int, recoveryTimeout time.Duration) *circuitBreaker {
	return &circuitBreaker{
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
	}
}

// allow reports whether a call may proceed, and if so whether it is the
// half-open probe (the caller must report its outcome via recordProbe).
func (cb *circuitBreaker) allow() (ok bool, isProbe bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case breakerClosed:
		return true, false
	case breakerOpen:
		if time.Since(cb.openedAt) < cb.recoveryTimeout {
			return false, false
		}
		if cb.probeInFlight {
			return false, false
		}
		cb.state = breakerHalfOpen
		cb.probeInFlight = true
		return true, true
	case breakerHalfOpen:
		// Only the already-admitted probe may proceed; concurrent callers
		// are rejected until it resolves.
		return false, false
	default:
		return true, false
	}
}

func (cb *circuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.consecutiveFails = 0
	cb.probeInFlight = false
	cb.state = breakerClosed
}

func (cb *circuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.probeInFlight = false
	if cb.state == breakerHalfOpen {
		cb.state = breakerOpen
		cb.openedAt = time.Now()
		cb.consecutiveFails = cb.failureThreshold
		return
	}

	cb.consecutiveFails++
	if cb.consecutiveFails >= cb.failureThreshold {
		cb.state = breakerOpen
		cb.openedAt = time.Now()
	}
}

func (cb *circuitBreaker) currentState() breakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
