// Package health provides readiness checks over the service's backing
// stores.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Status represents a check outcome.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// CheckResult is one dependency's result.
type CheckResult struct {
	Name    string `json:"name"`
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// Response is the readiness response body.
type Response struct {
	Status  Status        `json:"status"`
	Checks  []CheckResult `json:"checks,omitempty"`
	Version string        `json:"version,omitempty"`
}

// Checker probes one dependency.
type Checker func(ctx context.Context) CheckResult

// Registry runs the registered checkers.
type Registry struct {
	checkers map[string]Checker
	version  string
	mu       sync.RWMutex
}

// NewRegistry creates an empty check registry.
func NewRegistry(version string) *Registry {
	return &Registry{
		checkers: make(map[string]Checker),
		version:  version,
	}
}

// Register adds a named checker.
func (r *Registry) Register(name string, checker Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkers[name] = checker
}

// Check runs every checker and folds the results into an overall status.
// Any unhealthy dependency makes the service unhealthy; a degraded one only
// downgrades it.
func (r *Registry) Check(ctx context.Context) Response {
	r.mu.RLock()
	checkers := make(map[string]Checker, len(r.checkers))
	for k, v := range r.checkers {
		checkers[k] = v
	}
	r.mu.RUnlock()

	results := make([]CheckResult, 0, len(checkers))
	overall := StatusHealthy

	for name, checker := range checkers {
		start := time.Now()
		result := checker(ctx)
		result.Name = name
		result.Latency = time.Since(start).String()
		results = append(results, result)

		if result.Status == StatusUnhealthy {
			overall = StatusUnhealthy
		} else if result.Status == StatusDegraded && overall != StatusUnhealthy {
			overall = StatusDegraded
		}
	}

	return Response{Status: overall, Checks: results, Version: r.version}
}

// Handler returns the readiness HTTP handler.
func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), 5*time.Second)
		defer cancel()

		response := r.Check(ctx)

		w.Header().Set("Content-Type", "application/json")
		if response.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		json.NewEncoder(w).Encode(response)
	}
}

// DatabaseChecker probes the session store. The database is the source of
// truth, so a failure is unhealthy.
func DatabaseChecker(ping func(ctx context.Context) error) Checker {
	return func(ctx context.Context) CheckResult {
		if err := ping(ctx); err != nil {
			return CheckResult{Status: StatusUnhealthy, Message: "session store unavailable: " + err.Error()}
		}
		return CheckResult{Status: StatusHealthy, Message: "session store connected"}
	}
}

// IndexChecker probes the chunk index. Chunk ingest cannot reserve slots
// without it, so a failure is unhealthy.
func IndexChecker(ping func(ctx context.Context) error) Checker {
	return func(ctx context.Context) CheckResult {
		if err := ping(ctx); err != nil {
			return CheckResult{Status: StatusUnhealthy, Message: "chunk index unavailable: " + err.Error()}
		}
		return CheckResult{Status: StatusHealthy, Message: "chunk index connected"}
	}
}

// StoreChecker probes the object store.
func StoreChecker(ping func(ctx context.Context) error) Checker {
	return func(ctx context.Context) CheckResult {
		if err := ping(ctx); err != nil {
			return CheckResult{Status: StatusUnhealthy, Message: "object store unavailable: " + err.Error()}
		}
		return CheckResult{Status: StatusHealthy, Message: "object store accessible"}
	}
}
