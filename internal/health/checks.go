package health

import "fmt"

// Check names registered by the relay.
const (
	CheckListener       = "listener"
	CheckCircuitBreaker = "circuit_breaker"
	CheckCapacity       = "capacity"
)

// ListenerCheck is unhealthy until the listen socket is bound.
func ListenerCheck(bound func() bool) CheckFunc {
	return func() Check {
		if !bound() {
			return Check{Status: StatusUnhealthy, Message: "listener not bound"}
		}
		return Check{Status: StatusHealthy}
	}
}

// CircuitBreakerCheck is unhealthy while the backend breaker is open.
func CircuitBreakerCheck(open func() bool) CheckFunc {
	return func() Check {
		if open() {
			return Check{Status: StatusUnhealthy, Message: "backend circuit breaker open"}
		}
		return Check{Status: StatusHealthy}
	}
}

// CapacityCheck is degraded when active sessions reach maxSessions.
// maxSessions <= 0 means unbounded and the check always passes.
func CapacityCheck(active func() int, maxSessions int) CheckFunc {
	return func() Check {
		n := active()
		if maxSessions > 0 && n >= maxSessions {
			return Check{
				Status:  StatusDegraded,
				Message: fmt.Sprintf("%d of %d sessions in use", n, maxSessions),
			}
		}
		return Check{Status: StatusHealthy}
	}
}
