package service

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mawiseman/portal-sync/internal/metrics"
	"github.com/mawiseman/portal-sync/internal/model"
)

// LifecycleConfig holds request lifecycle tracker configuration
type LifecycleConfig struct {
	// RequestTimeout is the per-request timeout; a request still pending
	// when it elapses is transitioned to timeout automatically.
	RequestTimeout time.Duration

	// CleanupInterval is how often the stale sweep runs.
	CleanupInterval time.Duration

	// HistoryGrace is the delay between a terminal transition and the move
	// into history, so late diagnostic queries still find the request.
	HistoryGrace time.Duration

	// HistoryRetention is how long finished requests stay in history.
	HistoryRetention time.Duration

	// MaxHistory caps the history size; oldest entries are dropped first.
	MaxHistory int

	// ShutdownGrace bounds how long graceful shutdown waits for pending
	// history moves before completing anyway.
	ShutdownGrace time.Duration
}

type archivedRequest struct {
	request    *model.TrackedRequest
	archivedAt time.Time
}

// RequestMeta carries the contextual metadata supplied at registration.
type RequestMeta struct {
	Type  model.RequestType
	URL   string
	TabID int
}

// LifecycleService tracks in-flight logical requests: registration with
// monotonically increasing sequence numbers, status transitions into exactly
// one terminal state, per-request timeouts, a stale-cleanup safety net, and a
// bounded history for diagnostics.
type LifecycleService struct {
	config  *LifecycleConfig
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	active   map[string]*model.TrackedRequest
	history  map[string]archivedRequest
	timers   map[string]*time.Timer
	sequence atomic.Uint64

	shutdown     bool
	shutdownOnce sync.Once
	stopChan     chan struct{}

	now func() time.Time
}

// NewLifecycleService creates a lifecycle tracker and starts its periodic
// cleanup sweep.
func NewLifecycleService(cfg *LifecycleConfig, m *metrics.Metrics, logger *zap.Logger) *LifecycleService {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 60 * time.Second
	}
	if cfg.HistoryGrace <= 0 {
		cfg.HistoryGrace = 5 * time.Second
	}
	if cfg.HistoryRetention <= 0 {
		cfg.HistoryRetention = 10 * cfg.CleanupInterval
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 500
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 5 * time.Second
	}

	s := &LifecycleService{
		config:   cfg,
		logger:   logger,
		metrics:  m,
		active:   make(map[string]*model.TrackedRequest),
		history:  make(map[string]archivedRequest),
		timers:   make(map[string]*time.Timer),
		stopChan: make(chan struct{}),
		now:      time.Now,
	}

	go s.cleanupLoop()

	return s
}

// RegisterRequest registers an observed request and arms its timeout timer.
// Registering an id that is already pending signals a duplicate registration
// upstream; it is logged and the existing record returned rather than
// treated as fatal.
func (s *LifecycleService) RegisterRequest(id string, meta RequestMeta) *model.TrackedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.active[id]; ok {
		if existing.Status == model.RequestStatusPending {
			s.logger.Warn("Duplicate request registration",
				zap.String("request_id", id),
				zap.Uint64("sequence", existing.Sequence),
				zap.String("status", string(existing.Status)))
			return existing
		}
		// A finished request with the same id is still in its history grace
		// window. Archive it now so the reused id tracks the new request.
		delete(s.active, id)
		s.history[id] = archivedRequest{request: existing, archivedAt: s.now()}
		s.enforceHistoryCapLocked()
	}

	now := s.now()
	req := &model.TrackedRequest{
		ID:        id,
		Sequence:  s.sequence.Add(1),
		Type:      meta.Type,
		URL:       meta.URL,
		TabID:     meta.TabID,
		Status:    model.RequestStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.active[id] = req

	if !s.shutdown {
		s.timers[id] = time.AfterFunc(s.config.RequestTimeout, func() {
			s.onRequestTimeout(id)
		})
	}

	if s.metrics != nil {
		s.metrics.RequestsRegistered.Inc()
		s.metrics.ActiveRequests.Set(float64(s.pendingCountLocked()))
	}

	s.logger.Debug("Request registered",
		zap.String("request_id", id),
		zap.Uint64("sequence", req.Sequence),
		zap.String("type", string(meta.Type)),
		zap.Int("tab_id", meta.TabID))

	return req
}

// UpdateStatus transitions a tracked request. Returns false when the id is
// unknown, the request is already terminal, or shutdown has frozen status
// churn (the cancellation path stays open during shutdown).
func (s *LifecycleService) UpdateStatus(id string, status model.RequestStatus, reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(id, status, reason)
}

// transitionLocked applies a status transition. Caller holds s.mu.
func (s *LifecycleService) transitionLocked(id string, status model.RequestStatus, reason string) bool {
	req, ok := s.active[id]
	if !ok {
		return false
	}
	if req.Status.IsTerminal() {
		return false
	}
	if s.shutdown && status != model.RequestStatusCancelled {
		return false
	}

	now := s.now()
	req.Status = status
	req.UpdatedAt = now
	req.Reason = reason

	if status.IsTerminal() {
		req.Duration = now.Sub(req.CreatedAt)

		if timer, ok := s.timers[id]; ok {
			timer.Stop()
			delete(s.timers, id)
		}

		if s.metrics != nil {
			s.metrics.RequestsByStatus.WithLabelValues(string(status)).Inc()
			s.metrics.RequestDuration.Observe(req.Duration.Seconds())
			s.metrics.ActiveRequests.Set(float64(s.pendingCountLocked()))
		}

		// Hold in the active map for a short grace so late diagnostic
		// lookups still see the request, then archive it.
		time.AfterFunc(s.config.HistoryGrace, func() {
			s.archive(id)
		})
	}

	s.logger.Debug("Request status updated",
		zap.String("request_id", id),
		zap.String("status", string(status)),
		zap.Duration("duration", req.Duration))

	return true
}

// onRequestTimeout fires when a request's individual timer elapses.
func (s *LifecycleService) onRequestTimeout(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.active[id]
	if !ok || req.Status != model.RequestStatusPending {
		return
	}

	if s.transitionLocked(id, model.RequestStatusTimeout, "request timeout") {
		if s.metrics != nil {
			s.metrics.RequestTimeouts.Inc()
		}
		s.logger.Warn("Request timed out",
			zap.String("request_id", id),
			zap.Uint64("sequence", req.Sequence),
			zap.Duration("timeout", s.config.RequestTimeout))
	}
}

// archive moves a finished request from the active map into history.
func (s *LifecycleService) archive(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.active[id]
	if !ok || !req.Status.IsTerminal() {
		return
	}

	delete(s.active, id)
	s.history[id] = archivedRequest{request: req, archivedAt: s.now()}
	s.enforceHistoryCapLocked()

	if s.metrics != nil {
		s.metrics.ActiveRequests.Set(float64(s.pendingCountLocked()))
		s.metrics.RequestHistorySize.Set(float64(len(s.history)))
	}
}

// GetRequest returns a request by id, looking at in-flight requests first and
// the history second.
func (s *LifecycleService) GetRequest(id string) (*model.TrackedRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if req, ok := s.active[id]; ok {
		return req, true
	}
	if arch, ok := s.history[id]; ok {
		return arch.request, true
	}
	return nil, false
}

// HasActiveRequests reports whether any tracked request is still pending.
func (s *LifecycleService) HasActiveRequests() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingCountLocked() > 0
}

func (s *LifecycleService) pendingCountLocked() int {
	count := 0
	for _, req := range s.active {
		if req.Status == model.RequestStatusPending {
			count++
		}
	}
	return count
}

// PerformSafeCleanup transitions pending requests older than twice the
// request timeout to stale_cleanup (a safety net for timers that never fired,
// e.g. after host suspension) and prunes aged history entries. Genuinely
// in-flight requests are never removed.
func (s *LifecycleService) PerformSafeCleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	staleCutoff := now.Add(-2 * s.config.RequestTimeout)

	for id, req := range s.active {
		if req.Status == model.RequestStatusPending && req.CreatedAt.Before(staleCutoff) {
			if s.transitionLocked(id, model.RequestStatusStaleCleanup, "stale cleanup sweep") {
				s.logger.Warn("Stale pending request cleaned up",
					zap.String("request_id", id),
					zap.Uint64("sequence", req.Sequence),
					zap.Duration("age", now.Sub(req.CreatedAt)))
			}
		}
	}

	historyCutoff := now.Add(-s.config.HistoryRetention)
	pruned := 0
	for id, arch := range s.history {
		if arch.archivedAt.Before(historyCutoff) {
			delete(s.history, id)
			pruned++
		}
	}

	if pruned > 0 {
		s.logger.Debug("History pruned",
			zap.Int("pruned", pruned),
			zap.Int("remaining", len(s.history)))
	}

	if s.metrics != nil {
		s.metrics.RequestHistorySize.Set(float64(len(s.history)))
	}
}

// enforceHistoryCapLocked drops the oldest history entries beyond MaxHistory.
func (s *LifecycleService) enforceHistoryCapLocked() {
	for len(s.history) > s.config.MaxHistory {
		var oldestID string
		var oldestAt time.Time
		for id, arch := range s.history {
			if oldestID == "" || arch.archivedAt.Before(oldestAt) {
				oldestID = id
				oldestAt = arch.archivedAt
			}
		}
		delete(s.history, oldestID)
	}
}

// InitiateGracefulShutdown freezes status churn, stops the cleanup sweep,
// cancels all pending requests and waits a bounded grace period for the
// archive timers. Idempotent: the second call returns immediately.
func (s *LifecycleService) InitiateGracefulShutdown(ctx context.Context) {
	s.shutdownOnce.Do(func() {
		s.mu.Lock()
		s.shutdown = true
		close(s.stopChan)

		cancelled := 0
		for id, req := range s.active {
			if req.Status == model.RequestStatusPending {
				if s.transitionLocked(id, model.RequestStatusCancelled, "graceful shutdown") {
					cancelled++
				}
			}
		}
		s.mu.Unlock()

		s.logger.Info("Graceful shutdown initiated",
			zap.Int("cancelled_requests", cancelled))

		select {
		case <-time.After(s.config.ShutdownGrace):
		case <-ctx.Done():
		}

		s.logger.Info("Graceful shutdown complete")
	})
}

// Stats is a point-in-time snapshot of tracker state for diagnostics.
type Stats struct {
	Active       int
	Pending      int
	HistorySize  int
	ByStatus     map[model.RequestStatus]int
	LastSequence uint64
}

// Stats returns lifecycle statistics over active and archived requests.
func (s *LifecycleService) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := Stats{
		Active:       len(s.active),
		Pending:      s.pendingCountLocked(),
		HistorySize:  len(s.history),
		ByStatus:     make(map[model.RequestStatus]int),
		LastSequence: s.sequence.Load(),
	}
	for _, req := range s.active {
		stats.ByStatus[req.Status]++
	}
	for _, arch := range s.history {
		stats.ByStatus[arch.request.Status]++
	}
	return stats
}

func (s *LifecycleService) cleanupLoop() {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.PerformSafeCleanup()
		case <-s.stopChan:
			return
		}
	}
}
