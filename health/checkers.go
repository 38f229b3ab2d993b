package health

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/glimte/mmate-lite/internal/reliability"
	"github.com/glimte/mmate-lite/messaging"
)

// ConnectionStatus reports whether the broker connection is up
type ConnectionStatus interface {
	IsConnected() bool
}

// BrokerChecker checks that the broker connection is up and a channel can be obtained
type BrokerChecker struct {
	conn     ConnectionStatus
	channels messaging.ChannelProvider
}

// NewBrokerChecker creates a new broker health checker
func NewBrokerChecker(conn ConnectionStatus, channels messaging.ChannelProvider) *BrokerChecker {
	return &BrokerChecker{
		conn:     conn,
		channels: channels,
	}
}

func (c *BrokerChecker) Name() string {
	return "broker"
}

func (c *BrokerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	connected := c.conn.IsConnected()
	result.Details["connected"] = connected
	if !connected {
		result.Status = StatusUnhealthy
		result.Message = "Not connected to broker"
		result.Duration = time.Since(start)
		return result
	}

	ch, err := c.channels.Channel(ctx)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Failed to obtain channel"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}

	result.Status = StatusHealthy
	result.Message = "Connection is healthy"
	result.Duration = time.Since(start)
	result.Details["channel_generation"] = ch.Generation()
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// BreakerChecker reports the state of a circuit breaker. An open breaker is
// unhealthy and a half-open one degraded.
type BreakerChecker struct {
	breaker *reliability.CircuitBreaker
}

// NewBreakerChecker creates a checker for breaker
func NewBreakerChecker(breaker *reliability.CircuitBreaker) *BreakerChecker {
	return &BreakerChecker{breaker: breaker}
}

func (c *BreakerChecker) Name() string {
	return fmt.Sprintf("breaker_%s", c.breaker.Name())
}

func (c *BreakerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	state := c.breaker.State()
	failures, successes := c.breaker.Counts()

	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]interface{}{
			"state":                state.String(),
			"consecutive_failures": failures,
			"total_successes":      successes,
		},
	}

	switch state {
	case reliability.StateOpen:
		result.Status = StatusUnhealthy
		result.Message = "Circuit breaker is open"
	case reliability.StateHalfOpen:
		result.Status = StatusDegraded
		result.Message = "Circuit breaker is probing"
	default:
		result.Status = StatusHealthy
		result.Message = "Circuit breaker is closed"
	}

	result.Duration = time.Since(start)
	return result
}

// GoroutineChecker flags runaway goroutine growth, e.g. leaked consumers
type GoroutineChecker struct {
	warningThreshold  int
	criticalThreshold int
}

// NewGoroutineChecker creates a checker with the given goroutine thresholds
func NewGoroutineChecker(warningThreshold, criticalThreshold int) *GoroutineChecker {
	return &GoroutineChecker{
		warningThreshold:  warningThreshold,
		criticalThreshold: criticalThreshold,
	}
}

func (c *GoroutineChecker) Name() string {
	return "goroutines"
}

func (c *GoroutineChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	goroutines := runtime.NumGoroutine()

	result.Details["memory_used_mb"] = float64(m.Sys) / 1024 / 1024
	result.Details["gc_runs"] = m.NumGC
	result.Details["goroutines"] = goroutines

	switch {
	case goroutines > c.criticalThreshold:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Too many goroutines: %d", goroutines)
	case goroutines > c.warningThreshold:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("High goroutine count: %d", goroutines)
	default:
		result.Status = StatusHealthy
		result.Message = "Goroutine count is normal"
	}

	result.Duration = time.Since(start)
	return result
}

// ComponentChecker allows checking custom components
type ComponentChecker struct {
	name    string
	checker func(ctx context.Context) (Status, string, map[string]interface{}, error)
}

// NewComponentChecker creates a checker for custom components
func NewComponentChecker(name string, checker func(ctx context.Context) (Status, string, map[string]interface{}, error)) *ComponentChecker {
	return &ComponentChecker{
		name:    name,
		checker: checker,
	}
}

func (c *ComponentChecker) Name() string {
	return c.name
}

func (c *ComponentChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	status, message, details, err := c.checker(ctx)

	result.Status = status
	result.Message = message
	if details != nil {
		result.Details = details
	}
	if err != nil {
		result.Error = err.Error()
	}
	result.Duration = time.Since(start)

	return result
}
