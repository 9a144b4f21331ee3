package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Per-dependency budget. A pod lookup or database ping slower than this
// counts as a failure for readiness purposes.
const healthCheckTimeout = 3 * time.Second

// Pinger is the probe shape both storage backends and the cluster
// executor expose.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthChecker answers the liveness and readiness endpoints. Liveness
// only says the process is up; readiness probes every registered
// workspace dependency so a gateway is not routed traffic while its
// activity store or sandbox cluster is unreachable.
type HealthChecker struct {
	mu      sync.Mutex
	checks  []HealthCheck
	logger  *slog.Logger
	started time.Time
}

// HealthCheck is a named dependency check.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// HealthStatus is the JSON response for health/readiness endpoints.
type HealthStatus struct {
	Status        string                 `json:"status"` // "ok" or "degraded"
	UptimeSeconds int64                  `json:"uptime_seconds"`
	Checks        map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult is the status of a single dependency check.
type CheckResult struct {
	Status    string `json:"status"`            // "ok" or "fail"
	LatencyMS int64  `json:"latency_ms"`        // Time the probe took.
	Message   string `json:"message,omitempty"` // Error message on failure.
}

// NewHealthChecker creates a HealthChecker with no checks registered.
func NewHealthChecker(logger *slog.Logger) *HealthChecker {
	return &HealthChecker{logger: logger, started: time.Now()}
}

// AddCheck registers a named readiness check.
func (h *HealthChecker) AddCheck(name string, check func(ctx context.Context) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, HealthCheck{Name: name, Check: check})
}

// AddDatabase registers the activity store under the canonical
// "database" check name.
func (h *HealthChecker) AddDatabase(p Pinger) {
	h.AddCheck("database", p.Ping)
}

// AddCluster registers the sandbox cluster connection under the
// canonical "cluster" check name.
func (h *HealthChecker) AddCluster(p Pinger) {
	h.AddCheck("cluster", p.Ping)
}

// CheckHealth returns liveness status. Always "ok" while the process runs.
func (h *HealthChecker) CheckHealth() HealthStatus {
	return HealthStatus{Status: "ok", UptimeSeconds: int64(time.Since(h.started).Seconds())}
}

// CheckReady probes all registered dependencies concurrently, each under
// its own timeout, and reports "degraded" if any fail. With nothing
// registered it reports "ok" so dev-mode instances stay routable.
func (h *HealthChecker) CheckReady(ctx context.Context) HealthStatus {
	h.mu.Lock()
	checks := make([]HealthCheck, len(h.checks))
	copy(checks, h.checks)
	h.mu.Unlock()

	status := HealthStatus{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
	}
	if len(checks) == 0 {
		return status
	}
	status.Checks = make(map[string]CheckResult, len(checks))

	type outcome struct {
		name string
		res  CheckResult
	}
	results := make(chan outcome, len(checks))
	for _, c := range checks {
		go func(c HealthCheck) {
			probeCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
			defer cancel()

			start := time.Now()
			err := c.Check(probeCtx)
			res := CheckResult{Status: "ok", LatencyMS: time.Since(start).Milliseconds()}
			if err != nil {
				res.Status = "fail"
				res.Message = err.Error()
			}
			results <- outcome{name: c.Name, res: res}
		}(c)
	}

	for range checks {
		out := <-results
		status.Checks[out.name] = out.res
		if out.res.Status != "ok" {
			status.Status = "degraded"
			if h.logger != nil {
				h.logger.Warn("readiness check failed",
					slog.String("check", out.name),
					slog.String("error", out.res.Message),
				)
			}
		}
	}
	return status
}
