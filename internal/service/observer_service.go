package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mawiseman/portal-sync/internal/metrics"
	"github.com/mawiseman/portal-sync/internal/model"
	"github.com/mawiseman/portal-sync/internal/util/workerpool"
)

// ObservationSource is the seam to the host platform's network interception.
// Exactly one concrete adapter exists per platform; the core never probes or
// patches host primitives at runtime.
type ObservationSource interface {
	// Subscribe registers the handlers for request/response observations and
	// returns a release function that unregisters them. The release function
	// is safe to call on every exit path.
	Subscribe(onRequest func(model.RequestObservation), onResponse func(model.ResponseObservation)) (release func(), err error)
}

// PayloadCapturer fetches the actual payload behind a completed response.
// The fetch itself (and any retry policy) is outside the core.
type PayloadCapturer interface {
	Capture(ctx context.Context, req *model.TrackedRequest) ([]model.Organization, error)
}

// ClassifierRule maps a request shape to a logical request type. A rule
// matches when the URL contains URLContains and, if BodyContains is set, the
// body contains it too.
type ClassifierRule struct {
	Type         model.RequestType
	URLContains  string
	BodyContains string
}

// ObserverConfig holds observer orchestration configuration
type ObserverConfig struct {
	// RecordsKey is the store key holding the merged organization records.
	RecordsKey string

	// Classifiers map observed requests to logical operations; unmatched
	// requests are ignored entirely.
	Classifiers []ClassifierRule

	// FailureCoalesce rate-limits repeated identical sync failure logs.
	FailureCoalesce time.Duration
}

// ObserverService wires the observation flow together: request observed →
// deduplicate → register; response observed → transition → capture payload →
// merge → atomic update. Capture and merge run on the worker pool so the
// observation handlers never block.
type ObserverService struct {
	config      *ObserverConfig
	dedup       *DedupService
	lifecycle   *LifecycleService
	consistency *ConsistencyService
	merge       *MergeService
	capturer    PayloadCapturer
	pool        *workerpool.WorkerPool
	logger      *zap.Logger
	metrics     *metrics.Metrics

	release func()

	failMu       sync.Mutex
	lastFailure  map[string]time.Time
	failureCount map[string]int
}

// NewObserverService creates the observer orchestration layer.
func NewObserverService(
	cfg *ObserverConfig,
	dedup *DedupService,
	lifecycle *LifecycleService,
	consistency *ConsistencyService,
	merge *MergeService,
	capturer PayloadCapturer,
	pool *workerpool.WorkerPool,
	m *metrics.Metrics,
	logger *zap.Logger,
) *ObserverService {
	if cfg.RecordsKey == "" {
		cfg.RecordsKey = "organizations"
	}
	if cfg.FailureCoalesce <= 0 {
		cfg.FailureCoalesce = time.Minute
	}

	return &ObserverService{
		config:       cfg,
		dedup:        dedup,
		lifecycle:    lifecycle,
		consistency:  consistency,
		merge:        merge,
		capturer:     capturer,
		pool:         pool,
		logger:       logger,
		metrics:      m,
		lastFailure:  make(map[string]time.Time),
		failureCount: make(map[string]int),
	}
}

// Start subscribes to the observation source.
func (s *ObserverService) Start(source ObservationSource) error {
	release, err := source.Subscribe(s.HandleRequest, s.HandleResponse)
	if err != nil {
		return err
	}
	s.release = release
	s.logger.Info("Observer subscribed to observation source")
	return nil
}

// HandleRequest processes a request-observed event.
func (s *ObserverService) HandleRequest(obs model.RequestObservation) {
	reqType, ok := s.classify(obs)
	if !ok {
		return
	}

	if s.dedup.ShouldDeduplicate(obs.URL, obs.Method, obs.Body) {
		return
	}

	s.lifecycle.RegisterRequest(obs.ID, RequestMeta{
		Type:  reqType,
		URL:   obs.URL,
		TabID: obs.TabID,
	})
}

// HandleResponse processes a response-observed event correlated by id.
func (s *ObserverService) HandleResponse(obs model.ResponseObservation) {
	req, ok := s.lifecycle.GetRequest(obs.ID)
	if !ok {
		return
	}

	if obs.StatusCode < 200 || obs.StatusCode >= 300 {
		s.lifecycle.UpdateStatus(obs.ID, model.RequestStatusFailed,
			fmt.Sprintf("http status %d", obs.StatusCode))
		return
	}

	if !s.lifecycle.UpdateStatus(obs.ID, model.RequestStatusCompleted, "") {
		return
	}

	task := workerpool.Task{
		ID: fmt.Sprintf("sync-%s-%d", req.Type, req.Sequence),
		Fn: func(ctx context.Context) error {
			return s.syncRecords(ctx, req)
		},
	}
	if !s.pool.TrySubmit(task) {
		s.logger.Warn("Sync task rejected, running inline",
			zap.String("request_id", obs.ID))
		if err := s.syncRecords(context.Background(), req); err != nil {
			s.reportSyncFailure(req, err)
		}
	}
}

// syncRecords captures the payload behind a completed request and merges it
// into the persisted records under the consistency manager's lock and
// version discipline.
func (s *ObserverService) syncRecords(ctx context.Context, req *model.TrackedRequest) error {
	incoming, err := s.capturer.Capture(ctx, req)
	if err != nil {
		s.reportSyncFailure(req, err)
		return err
	}
	if len(incoming) == 0 {
		return nil
	}

	_, err = s.consistency.AtomicUpdate(ctx, s.config.RecordsKey,
		func(payload json.RawMessage) (json.RawMessage, error) {
			existing, err := model.DecodeOrganizations(payload)
			if err != nil {
				return nil, err
			}
			merged := s.merge.Merge(existing, incoming)
			return model.EncodeOrganizations(merged)
		},
		UpdateOptions{
			Operation: fmt.Sprintf("sync-%s", req.Type),
			Validate:  s.merge.ValidateCandidate,
		})
	if err != nil {
		s.reportSyncFailure(req, err)
		return err
	}

	s.logger.Debug("Records synced",
		zap.String("request_id", req.ID),
		zap.String("type", string(req.Type)),
		zap.Int("incoming", len(incoming)))
	return nil
}

// reportSyncFailure logs a sync failure, coalescing repeats of the same
// failure within the coalescing window into a single entry with a count.
func (s *ObserverService) reportSyncFailure(req *model.TrackedRequest, err error) {
	if s.metrics != nil {
		s.metrics.SyncFailuresTotal.Inc()
	}

	key := fmt.Sprintf("%s:%v", req.Type, err)

	s.failMu.Lock()
	s.failureCount[key]++
	count := s.failureCount[key]
	last, seen := s.lastFailure[key]
	now := time.Now()
	if seen && now.Sub(last) < s.config.FailureCoalesce {
		s.failMu.Unlock()
		return
	}
	s.lastFailure[key] = now
	s.failureCount[key] = 0
	s.failMu.Unlock()

	s.logger.Error("Record sync failed",
		zap.String("request_id", req.ID),
		zap.String("type", string(req.Type)),
		zap.Int("repeats_since_last_report", count-1),
		zap.Error(err))
}

// classify maps an observation to a logical request type.
func (s *ObserverService) classify(obs model.RequestObservation) (model.RequestType, bool) {
	for _, rule := range s.config.Classifiers {
		if !strings.Contains(obs.URL, rule.URLContains) {
			continue
		}
		if rule.BodyContains != "" && !strings.Contains(obs.Body, rule.BodyContains) {
			continue
		}
		return rule.Type, true
	}
	return "", false
}

// Shutdown releases the observation subscription and drains the pipeline:
// lifecycle shutdown cancels everything pending, then the dedup sweep and the
// worker pool stop.
func (s *ObserverService) Shutdown(ctx context.Context) {
	if s.release != nil {
		s.release()
		s.release = nil
	}

	s.lifecycle.InitiateGracefulShutdown(ctx)
	s.dedup.Stop()
	s.pool.Stop()

	s.logger.Info("Observer shut down")
}
