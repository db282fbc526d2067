package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mawiseman/portal-sync/internal/model"
	"github.com/mawiseman/portal-sync/internal/storage"
	"github.com/mawiseman/portal-sync/internal/util/workerpool"
	"github.com/mawiseman/portal-sync/internal/validation"
)

type fakeSource struct {
	released bool
}

func (f *fakeSource) Subscribe(onRequest func(model.RequestObservation), onResponse func(model.ResponseObservation)) (func(), error) {
	return func() { f.released = true }, nil
}

type fakeCapturer struct {
	mu   sync.Mutex
	orgs []model.Organization
	err  error
}

func (f *fakeCapturer) Capture(ctx context.Context, req *model.TrackedRequest) ([]model.Organization, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.orgs, f.err
}

type observerFixture struct {
	observer    *ObserverService
	lifecycle   *LifecycleService
	consistency *ConsistencyService
	capturer    *fakeCapturer
	pool        *workerpool.WorkerPool
}

func newObserverFixture(t *testing.T) *observerFixture {
	t.Helper()
	logger := zap.NewNop()

	dedup := NewDedupService(&DedupConfig{Window: time.Second, SweepInterval: time.Hour}, nil, logger)
	lifecycle := NewLifecycleService(&LifecycleConfig{
		RequestTimeout:  time.Hour,
		CleanupInterval: time.Hour,
		HistoryGrace:    time.Hour,
		ShutdownGrace:   time.Millisecond,
	}, nil, logger)
	consistency := newTestConsistency(storage.NewMemoryStore())
	merge := NewMergeService(validation.NewValidator(), nil, logger)
	capturer := &fakeCapturer{}
	pool := workerpool.NewWorkerPool(&workerpool.Config{Name: "sync", MaxWorkers: 2, QueueSize: 16, Logger: logger})

	observer := NewObserverService(&ObserverConfig{
		RecordsKey: "organizations",
		Classifiers: []ClassifierRule{
			{Type: model.RequestTypeOrganizations, URLContains: "/api/identity/v1/user/organizations"},
			{Type: model.RequestTypeTenants, URLContains: "/graphql", BodyContains: "GetTenants"},
		},
	}, dedup, lifecycle, consistency, merge, capturer, pool, nil, logger)

	t.Cleanup(func() {
		observer.Shutdown(context.Background())
	})

	return &observerFixture{
		observer:    observer,
		lifecycle:   lifecycle,
		consistency: consistency,
		capturer:    capturer,
		pool:        pool,
	}
}

func orgRequest(id string) model.RequestObservation {
	return model.RequestObservation{
		ID:     id,
		URL:    "https://portal.example.com/api/identity/v1/user/organizations",
		Method: "GET",
		TabID:  1,
	}
}

func TestObserver_ClassifiedRequestIsRegistered(t *testing.T) {
	fx := newObserverFixture(t)

	fx.observer.HandleRequest(orgRequest("req-1"))

	req, ok := fx.lifecycle.GetRequest("req-1")
	require.True(t, ok)
	assert.Equal(t, model.RequestTypeOrganizations, req.Type)
	assert.Equal(t, model.RequestStatusPending, req.Status)
}

func TestObserver_UnclassifiedRequestIsIgnored(t *testing.T) {
	fx := newObserverFixture(t)

	fx.observer.HandleRequest(model.RequestObservation{
		ID:     "req-other",
		URL:    "https://portal.example.com/static/logo.png",
		Method: "GET",
	})

	_, ok := fx.lifecycle.GetRequest("req-other")
	assert.False(t, ok)
}

func TestObserver_BodyClassifierMatchesGraphQL(t *testing.T) {
	fx := newObserverFixture(t)

	fx.observer.HandleRequest(model.RequestObservation{
		ID:     "req-gql",
		URL:    "https://portal.example.com/graphql",
		Method: "POST",
		Body:   `{"operationName":"GetTenants"}`,
	})
	fx.observer.HandleRequest(model.RequestObservation{
		ID:     "req-gql-other",
		URL:    "https://portal.example.com/graphql",
		Method: "POST",
		Body:   `{"operationName":"GetUser"}`,
	})

	req, ok := fx.lifecycle.GetRequest("req-gql")
	require.True(t, ok)
	assert.Equal(t, model.RequestTypeTenants, req.Type)

	_, ok = fx.lifecycle.GetRequest("req-gql-other")
	assert.False(t, ok)
}

func TestObserver_DuplicateRequestIsDropped(t *testing.T) {
	fx := newObserverFixture(t)

	fx.observer.HandleRequest(orgRequest("req-1"))
	fx.observer.HandleRequest(orgRequest("req-2"))

	_, ok := fx.lifecycle.GetRequest("req-1")
	assert.True(t, ok)
	_, ok = fx.lifecycle.GetRequest("req-2")
	assert.False(t, ok, "identical request within the window must be suppressed")
}

func TestObserver_SuccessfulResponseTriggersSync(t *testing.T) {
	fx := newObserverFixture(t)
	fx.capturer.orgs = []model.Organization{{
		ID:   "org-1",
		Name: "Org One",
		URL:  "https://portal.example.com/org/org-1",
	}}

	fx.observer.HandleRequest(orgRequest("req-1"))
	fx.observer.HandleResponse(model.ResponseObservation{ID: "req-1", StatusCode: 200})

	req, ok := fx.lifecycle.GetRequest("req-1")
	require.True(t, ok)
	assert.Equal(t, model.RequestStatusCompleted, req.Status)

	require.Eventually(t, func() bool {
		record, err := fx.consistency.CurrentRecord(context.Background(), "organizations")
		if err != nil || record.Version == 0 {
			return false
		}
		orgs, err := model.DecodeOrganizations(record.Payload)
		return err == nil && len(orgs) == 1 && orgs[0].ID == "org-1"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestObserver_ErrorResponseMarksFailed(t *testing.T) {
	fx := newObserverFixture(t)

	fx.observer.HandleRequest(orgRequest("req-1"))
	fx.observer.HandleResponse(model.ResponseObservation{ID: "req-1", StatusCode: 503})

	req, ok := fx.lifecycle.GetRequest("req-1")
	require.True(t, ok)
	assert.Equal(t, model.RequestStatusFailed, req.Status)
	assert.Contains(t, req.Reason, "503")

	// No sync ever ran.
	record, err := fx.consistency.CurrentRecord(context.Background(), "organizations")
	require.NoError(t, err)
	assert.Equal(t, int64(0), record.Version)
}

func TestObserver_UncorrelatedResponseIsIgnored(t *testing.T) {
	fx := newObserverFixture(t)
	fx.observer.HandleResponse(model.ResponseObservation{ID: "ghost", StatusCode: 200})
	assert.False(t, fx.lifecycle.HasActiveRequests())
}

func TestObserver_EmptyCaptureLeavesStoreUntouched(t *testing.T) {
	fx := newObserverFixture(t)
	fx.capturer.orgs = nil

	fx.observer.HandleRequest(orgRequest("req-1"))
	fx.observer.HandleResponse(model.ResponseObservation{ID: "req-1", StatusCode: 200})

	require.Eventually(t, func() bool {
		return fx.pool.CompletedTasks() == 1
	}, 2*time.Second, 10*time.Millisecond)

	record, err := fx.consistency.CurrentRecord(context.Background(), "organizations")
	require.NoError(t, err)
	assert.Equal(t, int64(0), record.Version)
}

func TestObserver_SyncMergePreservesCustomNames(t *testing.T) {
	fx := newObserverFixture(t)
	ctx := context.Background()

	seeded := []model.Organization{{
		ID:         "org-1",
		Name:       "Org One",
		CustomName: "My Org",
		URL:        "https://portal.example.com/org/org-1",
	}}
	payload, err := model.EncodeOrganizations(seeded)
	require.NoError(t, err)
	_, err = fx.consistency.AtomicUpdate(ctx, "organizations",
		func(json.RawMessage) (json.RawMessage, error) { return payload, nil },
		UpdateOptions{Operation: "seed"})
	require.NoError(t, err)

	fx.capturer.orgs = []model.Organization{{
		ID:   "org-1",
		Name: "Org One Renamed",
		URL:  "https://portal.example.com/org/org-1",
	}}

	fx.observer.HandleRequest(orgRequest("req-1"))
	fx.observer.HandleResponse(model.ResponseObservation{ID: "req-1", StatusCode: 200})

	require.Eventually(t, func() bool {
		record, err := fx.consistency.CurrentRecord(ctx, "organizations")
		if err != nil || record.Version < 2 {
			return false
		}
		orgs, err := model.DecodeOrganizations(record.Payload)
		if err != nil || len(orgs) != 1 {
			return false
		}
		return orgs[0].CustomName == "My Org" && orgs[0].Name == "Org One Renamed"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestObserver_SyncRejectsInvalidCandidatePayload(t *testing.T) {
	fx := newObserverFixture(t)
	ctx := context.Background()

	// Seed a corrupted persisted record (duplicate organization ids) behind
	// the merge validator's back.
	corrupted, err := model.EncodeOrganizations([]model.Organization{
		{ID: "org-1", Name: "A", URL: "https://portal.example.com/org/org-1"},
		{ID: "org-1", Name: "B", URL: "https://portal.example.com/org/org-1"},
	})
	require.NoError(t, err)
	_, err = fx.consistency.AtomicUpdate(ctx, "organizations",
		func(json.RawMessage) (json.RawMessage, error) { return corrupted, nil },
		UpdateOptions{Operation: "seed"})
	require.NoError(t, err)

	// A valid capture merged over the corrupted state still yields an
	// invalid collection; the candidate validation must abort the write.
	fx.capturer.orgs = []model.Organization{{
		ID:   "org-2",
		Name: "Org Two",
		URL:  "https://portal.example.com/org/org-2",
	}}

	fx.observer.HandleRequest(orgRequest("req-1"))
	fx.observer.HandleResponse(model.ResponseObservation{ID: "req-1", StatusCode: 200})

	req, ok := fx.lifecycle.GetRequest("req-1")
	require.True(t, ok)
	assert.Equal(t, model.RequestStatusCompleted, req.Status)

	time.Sleep(50 * time.Millisecond)

	record, err := fx.consistency.CurrentRecord(ctx, "organizations")
	require.NoError(t, err)
	assert.Equal(t, int64(1), record.Version, "rejected candidate must not be written")
	assert.JSONEq(t, string(corrupted), string(record.Payload))
}

func TestObserver_SyncFailureLeavesRecordsIntact(t *testing.T) {
	fx := newObserverFixture(t)
	fx.capturer.err = fmt.Errorf("capture endpoint unreachable")

	fx.observer.HandleRequest(orgRequest("req-1"))
	fx.observer.HandleResponse(model.ResponseObservation{ID: "req-1", StatusCode: 200})

	time.Sleep(50 * time.Millisecond)

	record, err := fx.consistency.CurrentRecord(context.Background(), "organizations")
	require.NoError(t, err)
	assert.Equal(t, int64(0), record.Version)
}

func TestObserver_ShutdownReleasesSubscription(t *testing.T) {
	fx := newObserverFixture(t)
	source := &fakeSource{}
	require.NoError(t, fx.observer.Start(source))

	fx.observer.Shutdown(context.Background())
	assert.True(t, source.released)

	// Safe to call again.
	fx.observer.Shutdown(context.Background())
}
