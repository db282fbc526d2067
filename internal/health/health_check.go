package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mawiseman/portal-sync/internal/service"
	"github.com/mawiseman/portal-sync/internal/storage"
)

// Status is the aggregate health of the sync core.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult represents the result of a single health check
type CheckResult struct {
	Name      string    `json:"name"`
	Status    Status    `json:"status"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthCheckConfig holds configuration for health checks
type HealthCheckConfig struct {
	RecordsKey string
	Interval   time.Duration

	// MaxLockAge marks the check degraded when a lock has been held longer.
	MaxLockAge time.Duration
}

// HealthChecker periodically probes the store, the lifecycle tracker and the
// lock table and keeps the latest results for the readiness endpoint.
type HealthChecker struct {
	config      *HealthCheckConfig
	store       storage.Store
	lifecycle   *service.LifecycleService
	consistency *service.ConsistencyService
	logger      *zap.Logger

	mu        sync.RWMutex
	status    Status
	checks    map[string]CheckResult
	lastCheck time.Time
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(
	cfg *HealthCheckConfig,
	store storage.Store,
	lifecycle *service.LifecycleService,
	consistency *service.ConsistencyService,
	logger *zap.Logger,
) *HealthChecker {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.MaxLockAge <= 0 {
		cfg.MaxLockAge = 30 * time.Second
	}
	if cfg.RecordsKey == "" {
		cfg.RecordsKey = "organizations"
	}

	return &HealthChecker{
		config:      cfg,
		store:       store,
		lifecycle:   lifecycle,
		consistency: consistency,
		logger:      logger,
		status:      StatusHealthy,
		checks:      make(map[string]CheckResult),
	}
}

// Start runs health checks until the context is cancelled.
func (h *HealthChecker) Start(ctx context.Context) {
	ticker := time.NewTicker(h.config.Interval)
	defer ticker.Stop()

	h.RunChecks(ctx)

	for {
		select {
		case <-ticker.C:
			h.RunChecks(ctx)
		case <-ctx.Done():
			h.logger.Info("Health checker stopped")
			return
		}
	}
}

// RunChecks executes all checks once and updates the snapshot.
func (h *HealthChecker) RunChecks(ctx context.Context) {
	results := []CheckResult{
		h.checkStore(ctx),
		h.checkTracker(),
		h.checkLocks(),
	}

	status := StatusHealthy
	for _, r := range results {
		switch r.Status {
		case StatusUnhealthy:
			status = StatusUnhealthy
		case StatusDegraded:
			if status == StatusHealthy {
				status = StatusDegraded
			}
		}
	}

	h.mu.Lock()
	h.status = status
	h.lastCheck = time.Now()
	for _, r := range results {
		h.checks[r.Name] = r
	}
	h.mu.Unlock()

	if status != StatusHealthy {
		h.logger.Warn("Health degraded", zap.String("status", string(status)))
	}
}

// checkStore verifies the persisted store answers reads.
func (h *HealthChecker) checkStore(ctx context.Context) CheckResult {
	result := CheckResult{Name: "store", Status: StatusHealthy, Timestamp: time.Now()}

	readCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if _, err := h.store.Get(readCtx, []string{h.config.RecordsKey}); err != nil {
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("store read failed: %v", err)
	}
	return result
}

// checkTracker reports pending/history pressure from the lifecycle tracker.
func (h *HealthChecker) checkTracker() CheckResult {
	result := CheckResult{Name: "tracker", Status: StatusHealthy, Timestamp: time.Now()}

	stats := h.lifecycle.Stats()
	result.Message = fmt.Sprintf("pending=%d history=%d", stats.Pending, stats.HistorySize)
	return result
}

// checkLocks flags locks held suspiciously long. The auto-release timer will
// clear them; a long-held lock usually means a stuck update.
func (h *HealthChecker) checkLocks() CheckResult {
	result := CheckResult{Name: "locks", Status: StatusHealthy, Timestamp: time.Now()}

	now := time.Now()
	for _, lock := range h.consistency.ActiveLocks() {
		if age := now.Sub(lock.AcquiredAt); age > h.config.MaxLockAge {
			result.Status = StatusDegraded
			result.Message = fmt.Sprintf("lock on %q held for %s by %s", lock.Key, age, lock.Operation)
			break
		}
	}
	return result
}

// Snapshot returns the aggregate status and the latest per-check results.
func (h *HealthChecker) Snapshot() (Status, []CheckResult) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	results := make([]CheckResult, 0, len(h.checks))
	for _, r := range h.checks {
		results = append(results, r)
	}
	return h.status, results
}

// Healthy reports whether the latest check round passed.
func (h *HealthChecker) Healthy() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status != StatusUnhealthy
}
