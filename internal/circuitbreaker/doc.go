// Package circuitbreaker implements the circuit breaker pattern used to stop
// a crash-looping backend from being relaunched on every request.
//
// The breaker has three states:
//
//   - CLOSED: attempts pass through
//   - OPEN: too many consecutive failures, attempts are refused
//   - HALF-OPEN: the reset timeout passed and a single trial attempt runs
//
// Usage:
//
//	cb := circuitbreaker.NewCircuitBreaker(3, 30*time.Second)
//	if cb.Allow() {
//	    if err := start(); err != nil {
//	        cb.RecordFailure()
//	    } else {
//	        cb.RecordSuccess()
//	    }
//	}
package circuitbreaker
