package health

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/glimte/mmate-edge/internal/reliability"
)

// ConnectionReporter is anything that knows whether its broker connection is up
type ConnectionReporter interface {
	IsConnected() bool
}

// TransportChecker reports unhealthy while the broker connection is down
type TransportChecker struct {
	name      string
	transport ConnectionReporter
}

// NewTransportChecker creates a transport checker. name defaults to "transport".
func NewTransportChecker(name string, transport ConnectionReporter) *TransportChecker {
	if name == "" {
		name = "transport"
	}
	return &TransportChecker{name: name, transport: transport}
}

func (c *TransportChecker) Name() string {
	return c.name
}

func (c *TransportChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   map[string]any{},
	}

	connected := c.transport.IsConnected()
	result.Details["connected"] = connected
	if connected {
		result.Status = StatusHealthy
		result.Message = "broker connection is up"
	} else {
		result.Status = StatusUnhealthy
		result.Message = "broker connection is down"
	}

	result.Duration = time.Since(start)
	return result
}

// CircuitChecker reflects the downstream circuit breaker: open is unhealthy,
// half-open is degraded
type CircuitChecker struct {
	breaker *reliability.CircuitBreaker
}

// NewCircuitChecker creates a checker for breaker
func NewCircuitChecker(breaker *reliability.CircuitBreaker) *CircuitChecker {
	return &CircuitChecker{breaker: breaker}
}

func (c *CircuitChecker) Name() string {
	return "downstream_circuit"
}

func (c *CircuitChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	state := c.breaker.State()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]any{
			"breaker":  c.breaker.Name(),
			"state":    state.String(),
			"failures": c.breaker.Failures(),
		},
	}

	switch state {
	case reliability.StateOpen:
		result.Status = StatusUnhealthy
		result.Message = "downstream circuit is open"
	case reliability.StateHalfOpen:
		result.Status = StatusDegraded
		result.Message = "downstream circuit is probing"
	default:
		result.Status = StatusHealthy
		result.Message = "downstream circuit is closed"
	}

	result.Duration = time.Since(start)
	return result
}

// RuntimeChecker flags goroutine leaks, which on an edge device usually mean
// stuck downstream calls
type RuntimeChecker struct {
	degradedAt  int
	unhealthyAt int
}

// NewRuntimeChecker creates a checker with goroutine count thresholds
func NewRuntimeChecker(degradedAt, unhealthyAt int) *RuntimeChecker {
	return &RuntimeChecker{degradedAt: degradedAt, unhealthyAt: unhealthyAt}
}

func (c *RuntimeChecker) Name() string {
	return "runtime"
}

func (c *RuntimeChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   map[string]any{},
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	goroutines := runtime.NumGoroutine()

	result.Details["memory_used_mb"] = float64(m.Sys) / 1024 / 1024
	result.Details["gc_runs"] = m.NumGC
	result.Details["goroutines"] = goroutines

	switch {
	case c.unhealthyAt > 0 && goroutines > c.unhealthyAt:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("too many goroutines: %d", goroutines)
	case c.degradedAt > 0 && goroutines > c.degradedAt:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("high goroutine count: %d", goroutines)
	default:
		result.Status = StatusHealthy
		result.Message = "runtime is normal"
	}

	result.Duration = time.Since(start)
	return result
}

// CheckerFunc adapts a function to Checker
type CheckerFunc struct {
	name string
	fn   func(ctx context.Context) CheckResult
}

// NewCheckerFunc creates a named function checker
func NewCheckerFunc(name string, fn func(ctx context.Context) CheckResult) *CheckerFunc {
	return &CheckerFunc{name: name, fn: fn}
}

func (c *CheckerFunc) Name() string {
	return c.name
}

func (c *CheckerFunc) Check(ctx context.Context) CheckResult {
	result := c.fn(ctx)
	if result.Name == "" {
		result.Name = c.name
	}
	return result
}
