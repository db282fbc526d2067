package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mawiseman/portal-sync/internal/errors"
)

func newTestBadger(t *testing.T) *BadgerStore {
	t.Helper()
	store, err := NewBadgerStore(BadgerOptions{InMemory: true}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})
	return store
}

func TestBadgerStore_SetGetRoundTrip(t *testing.T) {
	store := newTestBadger(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, map[string][]byte{
		"a": []byte("alpha"),
		"b": []byte(`{"nested":{"json":true}}`),
	}))

	values, err := store.Get(ctx, []string{"a", "b", "missing"})
	require.NoError(t, err)
	assert.Equal(t, []byte("alpha"), values["a"])
	assert.Equal(t, []byte(`{"nested":{"json":true}}`), values["b"])
	_, ok := values["missing"]
	assert.False(t, ok)
}

func TestBadgerStore_RemoveIsIdempotent(t *testing.T) {
	store := newTestBadger(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, map[string][]byte{"k": []byte("v")}))
	require.NoError(t, store.Remove(ctx, []string{"k"}))
	require.NoError(t, store.Remove(ctx, []string{"k"}))

	values, err := store.Get(ctx, []string{"k"})
	require.NoError(t, err)
	assert.Empty(t, values)
}

func TestBadgerStore_KeysByPrefix(t *testing.T) {
	store := newTestBadger(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, map[string][]byte{
		"org:a":  []byte("1"),
		"org:b":  []byte("2"),
		"tenant": []byte("3"),
	}))

	keys, err := store.Keys(ctx, "org:")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"org:a", "org:b"}, keys)
}

func TestBadgerStore_QuotaEnforced(t *testing.T) {
	store, err := NewBadgerStore(BadgerOptions{InMemory: true, MaxValueBytes: 8}, zap.NewNop())
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.Set(ctx, map[string][]byte{"small": []byte("12345678")}))

	err = store.Set(ctx, map[string][]byte{"large": []byte("123456789")})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeStorageQuota))
}

func TestBadgerStore_EmptyValueRoundTrip(t *testing.T) {
	store := newTestBadger(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, map[string][]byte{"empty": nil}))

	values, err := store.Get(ctx, []string{"empty"})
	require.NoError(t, err)
	v, ok := values["empty"]
	assert.True(t, ok)
	assert.Empty(t, v)
}

func TestBadgerStore_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := NewBadgerStore(BadgerOptions{DataDir: dir}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, store.Set(ctx, map[string][]byte{"k": []byte("survives")}))
	require.NoError(t, store.Close())

	reopened, err := NewBadgerStore(BadgerOptions{DataDir: dir}, zap.NewNop())
	require.NoError(t, err)
	defer reopened.Close()

	values, err := reopened.Get(ctx, []string{"k"})
	require.NoError(t, err)
	assert.Equal(t, []byte("survives"), values["k"])
}
