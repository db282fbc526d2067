package service

import (
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/mawiseman/portal-sync/internal/metrics"
)

// DedupConfig holds deduplicator configuration
type DedupConfig struct {
	// Window is the span during which structurally identical requests are
	// treated as repeats and suppressed.
	Window time.Duration

	// SweepInterval is how often expired entries are purged.
	SweepInterval time.Duration
}

// DedupService suppresses requests that repeat a very recent request with
// the same method, URL and (for POST) body. A hash collision merely causes an
// unrelated request to be spuriously deduplicated; given the short window and
// low request volume that is an accepted tradeoff.
type DedupService struct {
	config  *DedupConfig
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	lastSeen map[uint64]time.Time

	stopOnce sync.Once
	stopChan chan struct{}

	// test seam
	now func() time.Time
}

// NewDedupService creates a deduplicator and starts its periodic sweep.
func NewDedupService(cfg *DedupConfig, m *metrics.Metrics, logger *zap.Logger) *DedupService {
	if cfg.Window <= 0 {
		cfg.Window = 5 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}

	s := &DedupService{
		config:   cfg,
		logger:   logger,
		metrics:  m,
		lastSeen: make(map[uint64]time.Time),
		stopChan: make(chan struct{}),
		now:      time.Now,
	}

	go s.sweeper()

	return s
}

// ShouldDeduplicate reports whether a request with the given shape repeats a
// recent one and should be dropped. On a within-window hit the original
// timestamp is NOT refreshed; repeats are always measured against the first
// occurrence so a steady stream of repeats cannot extend the window forever.
func (s *DedupService) ShouldDeduplicate(url, method, body string) bool {
	hash := requestHash(url, method, body)
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if seen, ok := s.lastSeen[hash]; ok && now.Sub(seen) < s.config.Window {
		if s.metrics != nil {
			s.metrics.RequestsDeduplicated.Inc()
		}
		s.logger.Debug("Request deduplicated",
			zap.String("method", method),
			zap.String("url", url),
			zap.Duration("age", now.Sub(seen)))
		return true
	}

	s.lastSeen[hash] = now
	return false
}

// Stop terminates the periodic sweep. Idempotent.
func (s *DedupService) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
}

// EntryCount returns the number of tracked hashes, for diagnostics.
func (s *DedupService) EntryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.lastSeen)
}

// Sweep removes entries older than twice the dedup window. Called
// periodically; exported for deterministic tests.
func (s *DedupService) Sweep() {
	cutoff := s.now().Add(-2 * s.config.Window)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for hash, seen := range s.lastSeen {
		if seen.Before(cutoff) {
			delete(s.lastSeen, hash)
			removed++
		}
	}

	if removed > 0 {
		s.logger.Debug("Dedup sweep completed",
			zap.Int("removed", removed),
			zap.Int("remaining", len(s.lastSeen)))
	}
}

func (s *DedupService) sweeper() {
	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Sweep()
		case <-s.stopChan:
			return
		}
	}
}

// requestHash computes a fast non-cryptographic hash over method and URL,
// including the body for POST requests so distinct GraphQL queries to the
// same endpoint hash differently.
func requestHash(url, method, body string) uint64 {
	d := xxhash.New()
	d.WriteString(strings.ToUpper(method))
	d.WriteString(":")
	d.WriteString(url)
	if strings.EqualFold(method, "POST") && body != "" {
		d.WriteString(":")
		d.WriteString(body)
	}
	return d.Sum64()
}
