// Package health runs named health checks and serves their results over HTTP.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Status represents the health status
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// worse reports whether s is a worse status than other
func (s Status) worse(other Status) bool {
	return s.rank() > other.rank()
}

func (s Status) rank() int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}

// CheckResult represents the result of a health check
type CheckResult struct {
	Name      string                 `json:"name"`
	Status    Status                 `json:"status"`
	Message   string                 `json:"message,omitempty"`
	Duration  time.Duration          `json:"duration"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Error     string                 `json:"error,omitempty"`
}

// OverallHealth represents the combined result of every check
type OverallHealth struct {
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Duration  time.Duration          `json:"duration"`
	Checks    map[string]CheckResult `json:"checks"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Checker defines the interface for health checks
type Checker interface {
	Check(ctx context.Context) CheckResult
	Name() string
}

// CheckerFunc is a function adapter for Checker
type CheckerFunc struct {
	name string
	fn   func(ctx context.Context) CheckResult
}

func NewCheckerFunc(name string, fn func(ctx context.Context) CheckResult) *CheckerFunc {
	return &CheckerFunc{name: name, fn: fn}
}

func (c *CheckerFunc) Check(ctx context.Context) CheckResult {
	return c.fn(ctx)
}

func (c *CheckerFunc) Name() string {
	return c.name
}

// Registry manages health checks
type Registry struct {
	mu       sync.RWMutex
	checkers map[string]Checker
	metadata map[string]interface{}
}

// NewRegistry creates a new health check registry
func NewRegistry() *Registry {
	return &Registry{
		checkers: make(map[string]Checker),
		metadata: make(map[string]interface{}),
	}
}

// Register adds a checker, replacing one with the same name
func (r *Registry) Register(checker Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkers[checker.Name()] = checker
}

// Unregister removes a health checker
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.checkers, name)
}

// SetMetadata sets a value reported with every result
func (r *Registry) SetMetadata(key string, value interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metadata[key] = value
}

func (r *Registry) snapshot() (map[string]Checker, map[string]interface{}) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	checkers := make(map[string]Checker, len(r.checkers))
	for k, v := range r.checkers {
		checkers[k] = v
	}
	metadata := make(map[string]interface{}, len(r.metadata))
	for k, v := range r.metadata {
		metadata[k] = v
	}
	return checkers, metadata
}

// Check runs all checks concurrently. Checks still running when ctx is done
// are reported unhealthy.
func (r *Registry) Check(ctx context.Context) OverallHealth {
	start := time.Now()
	checkers, metadata := r.snapshot()

	type named struct {
		name   string
		result CheckResult
	}
	results := make(chan named, len(checkers))
	for name, checker := range checkers {
		go func(name string, checker Checker) {
			results <- named{name: name, result: checker.Check(ctx)}
		}(name, checker)
	}

	overall := OverallHealth{
		Status:   StatusHealthy,
		Checks:   make(map[string]CheckResult, len(checkers)),
		Metadata: metadata,
	}

wait:
	for len(overall.Checks) < len(checkers) {
		select {
		case res := <-results:
			overall.Checks[res.name] = res.result
			if res.result.Status.worse(overall.Status) {
				overall.Status = res.result.Status
			}
		case <-ctx.Done():
			for name := range checkers {
				if _, done := overall.Checks[name]; done {
					continue
				}
				overall.Checks[name] = CheckResult{
					Name:      name,
					Status:    StatusUnhealthy,
					Message:   "Check timed out",
					Duration:  time.Since(start),
					Timestamp: time.Now(),
					Error:     ctx.Err().Error(),
				}
			}
			overall.Status = StatusUnhealthy
			break wait
		}
	}

	overall.Timestamp = time.Now()
	overall.Duration = time.Since(start)
	return overall
}

// Handler serves the full health report as JSON
type Handler struct {
	registry *Registry
	timeout  time.Duration
}

// NewHandler creates a new health check HTTP handler
func NewHandler(registry *Registry, timeout time.Duration) *Handler {
	return &Handler{
		registry: registry,
		timeout:  timeout,
	}
}

// ServeHTTP implements http.Handler. Degraded still answers 200.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	report := h.registry.Check(ctx)

	statusCode := http.StatusOK
	if report.Status == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	_ = encoder.Encode(report)
}

// ReadinessHandler answers 503 while any check is unhealthy
func ReadinessHandler(registry *Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		if registry.Check(ctx).Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	}
}

// LivenessHandler always answers 200
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("alive"))
	}
}
