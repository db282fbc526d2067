package health

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mawiseman/portal-sync/internal/service"
	"github.com/mawiseman/portal-sync/internal/storage"
)

type failingStore struct {
	storage.Store
	fail bool
}

func (f *failingStore) Get(ctx context.Context, keys []string) (map[string][]byte, error) {
	if f.fail {
		return nil, fmt.Errorf("store offline")
	}
	return f.Store.Get(ctx, keys)
}

func newHealthFixture(store storage.Store, maxLockAge time.Duration) (*HealthChecker, *service.ConsistencyService) {
	logger := zap.NewNop()
	lifecycle := service.NewLifecycleService(&service.LifecycleConfig{
		RequestTimeout:  time.Hour,
		CleanupInterval: time.Hour,
	}, nil, logger)
	consistency := service.NewConsistencyService(&service.ConsistencyConfig{
		LockTimeout: time.Minute,
	}, store, service.NewBackupRing(5), nil, logger)

	checker := NewHealthChecker(&HealthCheckConfig{
		Interval:   time.Hour,
		MaxLockAge: maxLockAge,
	}, store, lifecycle, consistency, logger)
	return checker, consistency
}

func TestHealthChecker_AllHealthy(t *testing.T) {
	checker, _ := newHealthFixture(storage.NewMemoryStore(), time.Minute)

	checker.RunChecks(context.Background())

	status, results := checker.Snapshot()
	assert.Equal(t, StatusHealthy, status)
	assert.True(t, checker.Healthy())
	assert.Len(t, results, 3)
}

func TestHealthChecker_StoreFailureIsUnhealthy(t *testing.T) {
	store := &failingStore{Store: storage.NewMemoryStore(), fail: true}
	checker, _ := newHealthFixture(store, time.Minute)

	checker.RunChecks(context.Background())

	status, _ := checker.Snapshot()
	assert.Equal(t, StatusUnhealthy, status)
	assert.False(t, checker.Healthy())

	// Recovery on the next round.
	store.fail = false
	checker.RunChecks(context.Background())
	assert.True(t, checker.Healthy())
}

func TestHealthChecker_LongHeldLockDegrades(t *testing.T) {
	checker, consistency := newHealthFixture(storage.NewMemoryStore(), 10*time.Millisecond)

	lockID, err := consistency.AcquireLock(context.Background(), "records", "update", time.Minute)
	require.NoError(t, err)
	defer consistency.ReleaseLock("records", lockID)

	time.Sleep(20 * time.Millisecond)
	checker.RunChecks(context.Background())

	status, _ := checker.Snapshot()
	assert.Equal(t, StatusDegraded, status)
	assert.True(t, checker.Healthy(), "degraded still serves")
}
