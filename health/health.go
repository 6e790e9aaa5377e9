// Package health reports whether the broker and the queues a process
// depends on are reachable.
package health

import (
	"context"
	"sort"
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

// CheckResult represents the result of a health check
type CheckResult struct {
	Name      string         `json:"name"`
	Status    Status         `json:"status"`
	Message   string         `json:"message,omitempty"`
	Duration  time.Duration  `json:"duration"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Error     string         `json:"error,omitempty"`
}

// Report is the combined result of every registered check
type Report struct {
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Duration  time.Duration          `json:"duration"`
	Checks    map[string]CheckResult `json:"checks"`
}

// Checker defines the interface for health checks
type Checker interface {
	Check(ctx context.Context) CheckResult
	Name() string
}

// Registry manages health checks
type Registry struct {
	mu       sync.RWMutex
	checkers map[string]Checker
}

// NewRegistry creates a new health check registry
func NewRegistry() *Registry {
	return &Registry{checkers: make(map[string]Checker)}
}

// Register adds a health checker, replacing any checker with the same name
func (r *Registry) Register(checkers ...Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range checkers {
		r.checkers[c.Name()] = c
	}
}

// Names returns the registered checker names in sorted order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.checkers))
	for name := range r.checkers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Check runs every registered check concurrently. Checks still running when
// ctx is done are reported unhealthy.
func (r *Registry) Check(ctx context.Context) Report {
	start := time.Now()

	r.mu.RLock()
	checkers := make(map[string]Checker, len(r.checkers))
	for k, v := range r.checkers {
		checkers[k] = v
	}
	r.mu.RUnlock()

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

	report := Report{
		Status:    StatusHealthy,
		Timestamp: start,
		Checks:    make(map[string]CheckResult, len(checkers)),
	}

collect:
	for range checkers {
		select {
		case res := <-results:
			report.Checks[res.name] = res.result
		case <-ctx.Done():
			break collect
		}
	}

	for name := range checkers {
		if _, ok := report.Checks[name]; !ok {
			report.Checks[name] = CheckResult{
				Name:      name,
				Status:    StatusUnhealthy,
				Message:   "Check did not complete",
				Error:     ctx.Err().Error(),
				Timestamp: start,
			}
		}
	}

	for _, result := range report.Checks {
		report.Status = worse(report.Status, result.Status)
	}
	report.Duration = time.Since(start)
	return report
}

func worse(a, b Status) Status {
	rank := map[Status]int{StatusHealthy: 0, StatusDegraded: 1, StatusUnhealthy: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}
