// Package reliability provides the failure-handling policies shared by the bridge.
//
//   - ExponentialBackoff and Retry drive broker reconnect loops (jittered, capped,
//     optionally unlimited).
//   - CircuitBreaker guards the downstream HTTP dependency so an unreachable openHAB
//     instance fails fast instead of stalling every command for the full timeout.
//
// Example usage:
//
//	cb := NewCircuitBreaker(
//	    WithFailureThreshold(5),
//	    WithTimeout(30 * time.Second),
//	)
//
//	err := cb.Execute(ctx, func() error {
//	    return callDownstream()
//	})
package reliability
