package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mawiseman/portal-sync/internal/errors"
	"github.com/mawiseman/portal-sync/internal/metrics"
	"github.com/mawiseman/portal-sync/internal/model"
	"github.com/mawiseman/portal-sync/internal/storage"
)

// ConsistencyConfig holds storage consistency manager configuration
type ConsistencyConfig struct {
	// LockTimeout is both the default caller-side wait budget for lock
	// acquisition and the lock's own auto-release deadline.
	LockTimeout time.Duration

	// LockPoll is the polling interval while waiting for a held lock.
	LockPoll time.Duration

	// MaxRetries bounds transparent conflict retries per atomic update.
	MaxRetries int

	// RetryBackoff is the base of the exponential conflict backoff
	// (base * 2^attempt).
	RetryBackoff time.Duration
}

// UpdateFn computes the next payload from a private copy of the current one.
type UpdateFn func(payload json.RawMessage) (json.RawMessage, error)

// ValidateFn vets the candidate payload against the previous one before the
// write. A validation failure aborts the update without retry.
type ValidateFn func(next, previous json.RawMessage) error

// UpdateOptions tunes a single atomic update.
type UpdateOptions struct {
	Operation   string
	Validate    ValidateFn
	MaxRetries  int           // 0 means the configured default
	LockTimeout time.Duration // 0 means the configured default
}

// UpdateResult is the outcome of a successful atomic update.
type UpdateResult struct {
	Version       int64
	Data          json.RawMessage
	TransactionID string
	Backup        model.Backup
}

// IntegrityIssue is a single problem found by an integrity scan.
type IntegrityIssue struct {
	Key     string
	Path    string
	Problem string
}

// IntegrityReport is the result of a read-only integrity scan.
type IntegrityReport struct {
	Passed      bool
	IssuesFound int
	Issues      []IntegrityIssue
}

// ConsistencyService provides optimistic-locking atomic read-modify-write
// cycles over the persisted store: per-key advisory locks with auto-release,
// monotonic version counters, pre-update backups, rollback as a forward
// write, and periodic integrity scanning.
type ConsistencyService struct {
	config  *ConsistencyConfig
	store   storage.Store
	backups *BackupRing
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	locks    map[string]*model.Lock
	expected map[string]int64

	txnSeq atomic.Uint64

	now func() time.Time
}

// NewConsistencyService creates a consistency manager over the given store.
func NewConsistencyService(
	cfg *ConsistencyConfig,
	store storage.Store,
	backups *BackupRing,
	m *metrics.Metrics,
	logger *zap.Logger,
) *ConsistencyService {
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 10 * time.Second
	}
	if cfg.LockPoll <= 0 {
		cfg.LockPoll = 25 * time.Millisecond
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 50 * time.Millisecond
	}

	return &ConsistencyService{
		config:   cfg,
		store:    store,
		backups:  backups,
		logger:   logger,
		metrics:  m,
		locks:    make(map[string]*model.Lock),
		expected: make(map[string]int64),
		now:      time.Now,
	}
}

// AcquireLock waits until no lock is held for key, up to timeout, then
// stores a new lock with an auto-release timer of the same duration. The
// auto-release does not require holder cooperation, so a crashed holder
// cannot permanently wedge the key.
func (s *ConsistencyService) AcquireLock(ctx context.Context, key, operation string, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = s.config.LockTimeout
	}

	start := s.now()
	deadline := start.Add(timeout)

	for {
		if lockID, ok := s.tryAcquire(key, operation, timeout); ok {
			return lockID, nil
		}

		if s.now().After(deadline) {
			if s.metrics != nil {
				s.metrics.LockTimeoutsTotal.Inc()
			}
			waited := s.now().Sub(start)
			s.logger.Warn("Lock acquisition timed out",
				zap.String("key", key),
				zap.String("operation", operation),
				zap.Duration("waited", waited))
			return "", errors.LockTimeout(key, operation, waited)
		}

		select {
		case <-time.After(s.config.LockPoll):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// tryAcquire attempts a single lock acquisition.
func (s *ConsistencyService) tryAcquire(key, operation string, timeout time.Duration) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, held := s.locks[key]; held {
		return "", false
	}

	lock := &model.Lock{
		Key:        key,
		LockID:     uuid.NewString(),
		Operation:  operation,
		AcquiredAt: s.now(),
		Timeout:    timeout,
	}
	s.locks[key] = lock

	if s.metrics != nil {
		s.metrics.LocksHeld.Set(float64(len(s.locks)))
	}

	lockID := lock.LockID
	time.AfterFunc(timeout, func() {
		s.autoRelease(key, lockID)
	})

	return lockID, true
}

// ReleaseLock releases the lock on key if lockID matches the holder.
// Mismatches are logged and ignored rather than raised; double releases race
// with the auto-release timer by design.
func (s *ConsistencyService) ReleaseLock(key, lockID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, held := s.locks[key]
	if !held {
		return false
	}
	if lock.LockID != lockID {
		s.logger.Warn("Lock release with mismatched id ignored",
			zap.String("key", key),
			zap.String("operation", lock.Operation))
		return false
	}

	delete(s.locks, key)
	if s.metrics != nil {
		s.metrics.LocksHeld.Set(float64(len(s.locks)))
	}
	return true
}

// autoRelease force-releases a lock whose holder never released it.
func (s *ConsistencyService) autoRelease(key, lockID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, held := s.locks[key]
	if !held || lock.LockID != lockID {
		return
	}

	delete(s.locks, key)
	if s.metrics != nil {
		s.metrics.LocksHeld.Set(float64(len(s.locks)))
	}

	s.logger.Warn("Lock auto-released after timeout",
		zap.String("key", key),
		zap.String("operation", lock.Operation),
		zap.Duration("held_for", s.now().Sub(lock.AcquiredAt)))
}

// ActiveLocks returns a snapshot of currently held locks.
func (s *ConsistencyService) ActiveLocks() []model.Lock {
	s.mu.Lock()
	defer s.mu.Unlock()

	locks := make([]model.Lock, 0, len(s.locks))
	for _, lock := range s.locks {
		locks = append(locks, *lock)
	}
	return locks
}

// AtomicUpdate performs an all-or-nothing versioned update of key: acquire
// the per-key lock, read the current record, detect concurrent modification
// against the internally tracked expected version, snapshot the payload into
// the backup ring, apply updateFn to a private copy, optionally validate,
// write version+1 and verify the write before releasing the lock.
//
// Conflicts are retried transparently with exponential backoff up to
// MaxRetries, then surfaced. Validation and write-verification failures are
// never retried.
func (s *ConsistencyService) AtomicUpdate(ctx context.Context, key string, updateFn UpdateFn, opts UpdateOptions) (*UpdateResult, error) {
	if updateFn == nil {
		return nil, errors.InvalidArgument("updateFn is required", nil)
	}

	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = s.config.MaxRetries
	}

	start := s.now()
	var lastConflict error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			if s.metrics != nil {
				s.metrics.ConflictRetriesTotal.Inc()
			}
			backoff := s.config.RetryBackoff * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		result, err := s.attemptUpdate(ctx, key, updateFn, opts, attempt)
		if err != nil {
			if errors.HasCode(err, errors.ErrCodeConflict) {
				lastConflict = err
				continue
			}
			return nil, err
		}

		if s.metrics != nil {
			s.metrics.AtomicUpdatesTotal.Inc()
			s.metrics.UpdateDuration.Observe(s.now().Sub(start).Seconds())
			s.metrics.BackupsRetained.Set(float64(s.backups.TotalCount()))
		}
		return result, nil
	}

	s.logger.Error("Atomic update failed after retries",
		zap.String("key", key),
		zap.String("operation", opts.Operation),
		zap.Int("attempts", maxRetries+1),
		zap.Error(lastConflict))
	return nil, lastConflict
}

// attemptUpdate runs one lock-read-modify-write-verify cycle. A version
// conflict comes back as a conflict-coded error so the caller can retry; all
// other failures are final.
func (s *ConsistencyService) attemptUpdate(
	ctx context.Context,
	key string,
	updateFn UpdateFn,
	opts UpdateOptions,
	attempt int,
) (*UpdateResult, error) {
	lockID, err := s.AcquireLock(ctx, key, opts.Operation, opts.LockTimeout)
	if err != nil {
		return nil, err
	}
	defer s.ReleaseLock(key, lockID)

	txnID := fmt.Sprintf("txn-%d-%d", s.txnSeq.Add(1), s.now().UnixMilli())
	s.logger.Debug("Transaction started",
		zap.String("txn_id", txnID),
		zap.String("key", key),
		zap.String("operation", opts.Operation),
		zap.Int("attempt", attempt))

	current, err := s.readRecord(ctx, key)
	if err != nil {
		return nil, err
	}

	// The expected version is what this manager last observed or wrote for
	// the key. A persisted version ahead of it means another writer got in
	// between; adopt the observed version and report a conflict.
	s.mu.Lock()
	expectedVersion, tracked := s.expected[key]
	if !tracked {
		s.expected[key] = current.Version
		expectedVersion = current.Version
	}
	if expectedVersion != current.Version {
		s.expected[key] = current.Version
		s.mu.Unlock()

		if s.metrics != nil {
			s.metrics.UpdateConflictsTotal.Inc()
		}
		s.logger.Warn("Version conflict detected",
			zap.String("txn_id", txnID),
			zap.String("key", key),
			zap.Int64("expected_version", expectedVersion),
			zap.Int64("persisted_version", current.Version),
			zap.Int("attempt", attempt))
		return nil, errors.Conflict(key, expectedVersion, current.Version, attempt+1)
	}
	s.mu.Unlock()

	backup := s.backups.Add(key, current.Version, current.Payload)

	workingCopy := make(json.RawMessage, len(current.Payload))
	copy(workingCopy, current.Payload)

	next, err := updateFn(workingCopy)
	if err != nil {
		return nil, errors.InternalError(fmt.Sprintf("update function failed for %q", key), err)
	}

	if opts.Validate != nil {
		if err := opts.Validate(next, current.Payload); err != nil {
			s.logger.Warn("Atomic update aborted by validation",
				zap.String("txn_id", txnID),
				zap.String("key", key),
				zap.Error(err))
			if errors.IsSyncError(err) {
				return nil, err
			}
			return nil, errors.Validation(fmt.Sprintf("candidate payload for %q rejected", key), err)
		}
	}

	newVersion := current.Version + 1
	record := model.VersionedRecord{
		Payload:       next,
		Version:       newVersion,
		LastModified:  s.now(),
		TransactionID: txnID,
	}
	if err := s.writeRecord(ctx, key, &record); err != nil {
		return nil, err
	}

	// Read back and verify. A mismatch here is a storage malfunction, not a
	// conflict; retrying a write whose fate is unknown risks double
	// application, so it is surfaced without retry.
	verify, err := s.readRecord(ctx, key)
	if err != nil {
		return nil, err
	}
	if verify.Version != newVersion {
		if s.metrics != nil {
			s.metrics.WriteVerifyFailsTotal.Inc()
		}
		s.logger.Error("Write verification failed",
			zap.String("txn_id", txnID),
			zap.String("key", key),
			zap.Int64("expected_version", newVersion),
			zap.Int64("actual_version", verify.Version))
		return nil, errors.WriteVerificationFailed(key, newVersion, verify.Version)
	}

	s.mu.Lock()
	s.expected[key] = newVersion
	s.mu.Unlock()

	s.logger.Info("Transaction committed",
		zap.String("txn_id", txnID),
		zap.String("key", key),
		zap.String("operation", opts.Operation),
		zap.Int64("version", newVersion))

	return &UpdateResult{
		Version:       newVersion,
		Data:          next,
		TransactionID: txnID,
		Backup:        backup,
	}, nil
}

// Rollback restores key's payload to the snapshot taken at targetVersion.
// The restore is itself a versioned atomic update, never a direct overwrite,
// so version monotonicity is preserved. A missing backup is a normal,
// reportable error, not a bug: the ring only retains a bounded history.
func (s *ConsistencyService) Rollback(ctx context.Context, key string, targetVersion int64) (*UpdateResult, error) {
	backup, found := s.backups.Find(key, targetVersion)
	if !found {
		return nil, errors.BackupNotFound(key, targetVersion)
	}

	result, err := s.AtomicUpdate(ctx, key, func(json.RawMessage) (json.RawMessage, error) {
		snapshot := make(json.RawMessage, len(backup.Snapshot))
		copy(snapshot, backup.Snapshot)
		return snapshot, nil
	}, UpdateOptions{Operation: fmt.Sprintf("rollback-to-v%d", targetVersion)})
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.RollbacksTotal.Inc()
	}
	s.logger.Info("Rollback completed",
		zap.String("key", key),
		zap.Int64("restored_version", targetVersion),
		zap.Int64("new_version", result.Version))
	return result, nil
}

// CurrentRecord reads the persisted record for key without taking a lock.
// Readers accept a possibly stale snapshot; all mutation goes through
// AtomicUpdate.
func (s *ConsistencyService) CurrentRecord(ctx context.Context, key string) (*model.VersionedRecord, error) {
	return s.readRecord(ctx, key)
}

// PerformIntegrityCheck runs a read-only scan over the given keys (all
// stored keys when none are given), validating that each record decodes as
// an organization collection with non-empty, unique identifiers at every
// nesting level. Issues are logged and reported, never repaired; repair is
// an operator action.
func (s *ConsistencyService) PerformIntegrityCheck(ctx context.Context, keys []string) (*IntegrityReport, error) {
	if len(keys) == 0 {
		var err error
		keys, err = s.store.Keys(ctx, "")
		if err != nil {
			return nil, err
		}
	}

	report := &IntegrityReport{Passed: true}
	addIssue := func(key, path, problem string) {
		report.Issues = append(report.Issues, IntegrityIssue{Key: key, Path: path, Problem: problem})
	}

	for _, key := range keys {
		record, err := s.readRecord(ctx, key)
		if err != nil {
			addIssue(key, "", fmt.Sprintf("unreadable record: %v", err))
			continue
		}
		if record.Version < 0 {
			addIssue(key, "", fmt.Sprintf("negative version %d", record.Version))
		}

		orgs, err := model.DecodeOrganizations(record.Payload)
		if err != nil {
			addIssue(key, "payload", fmt.Sprintf("payload is not an organization collection: %v", err))
			continue
		}

		orgIDs := make(map[string]struct{}, len(orgs))
		for i, org := range orgs {
			orgPath := fmt.Sprintf("organizations[%d]", i)
			if org.ID == "" {
				addIssue(key, orgPath, "empty organization id")
			} else if _, dup := orgIDs[org.ID]; dup {
				addIssue(key, orgPath, fmt.Sprintf("duplicate organization id %q", org.ID))
			} else {
				orgIDs[org.ID] = struct{}{}
			}

			groupIDs := make(map[string]struct{}, len(org.Groups))
			for j, group := range org.Groups {
				groupPath := fmt.Sprintf("%s.groups[%d]", orgPath, j)
				if group.ID == "" {
					addIssue(key, groupPath, "empty group id")
				} else if _, dup := groupIDs[group.ID]; dup {
					addIssue(key, groupPath, fmt.Sprintf("duplicate group id %q", group.ID))
				} else {
					groupIDs[group.ID] = struct{}{}
				}

				tenantIDs := make(map[string]struct{}, len(group.Tenants))
				for k, tenant := range group.Tenants {
					tenantPath := fmt.Sprintf("%s.tenants[%d]", groupPath, k)
					if tenant.ID == "" {
						addIssue(key, tenantPath, "empty tenant id")
					} else if _, dup := tenantIDs[tenant.ID]; dup {
						addIssue(key, tenantPath, fmt.Sprintf("duplicate tenant id %q", tenant.ID))
					} else {
						tenantIDs[tenant.ID] = struct{}{}
					}
				}
			}
		}
	}

	report.IssuesFound = len(report.Issues)
	report.Passed = report.IssuesFound == 0

	if s.metrics != nil {
		s.metrics.IntegrityChecksTotal.Inc()
		s.metrics.IntegrityIssuesFound.Set(float64(report.IssuesFound))
	}

	if report.Passed {
		s.logger.Debug("Integrity check passed", zap.Int("keys", len(keys)))
	} else {
		for _, issue := range report.Issues {
			s.logger.Warn("Integrity issue found",
				zap.String("key", issue.Key),
				zap.String("path", issue.Path),
				zap.String("problem", issue.Problem))
		}
	}

	return report, nil
}

// readRecord reads the versioned record for key. An absent key reads as
// version 0 with an empty payload.
func (s *ConsistencyService) readRecord(ctx context.Context, key string) (*model.VersionedRecord, error) {
	values, err := s.store.Get(ctx, []string{key})
	if err != nil {
		return nil, err
	}

	raw, ok := values[key]
	if !ok {
		return &model.VersionedRecord{Version: 0}, nil
	}

	var record model.VersionedRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, errors.CorruptedData(fmt.Sprintf("record %q does not decode", key), err).
			WithDetail("key", key)
	}
	return &record, nil
}

func (s *ConsistencyService) writeRecord(ctx context.Context, key string, record *model.VersionedRecord) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return errors.InternalError(fmt.Sprintf("record %q does not encode", key), err)
	}
	return s.store.Set(ctx, map[string][]byte{key: raw})
}
