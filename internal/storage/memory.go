package storage

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/mawiseman/portal-sync/internal/errors"
)

// MemoryStore is a map-backed Store used in tests and in-memory runs.
// Safe for concurrent use.
type MemoryStore struct {
	mu            sync.RWMutex
	entries       map[string][]byte
	maxValueBytes int
}

// MemoryStoreOption configures a MemoryStore.
type MemoryStoreOption func(*MemoryStore)

// WithMaxValueBytes caps the size of a single stored value. Oversized writes
// fail with a storage-quota error, mirroring the host store's quota behavior.
func WithMaxValueBytes(n int) MemoryStoreOption {
	return func(s *MemoryStore) {
		s.maxValueBytes = n
	}
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{
		entries: make(map[string][]byte),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, keys []string) (map[string][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string][]byte, len(keys))
	for _, key := range keys {
		if value, ok := s.entries[key]; ok {
			cp := make([]byte, len(value))
			copy(cp, value)
			result[key] = cp
		}
	}
	return result, nil
}

// Set implements Store.
func (s *MemoryStore) Set(ctx context.Context, entries map[string][]byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if s.maxValueBytes > 0 {
		for _, value := range entries {
			if len(value) > s.maxValueBytes {
				return errors.StorageQuotaExceeded(len(value), s.maxValueBytes)
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for key, value := range entries {
		cp := make([]byte, len(value))
		copy(cp, value)
		s.entries[key] = cp
	}
	return nil
}

// Remove implements Store.
func (s *MemoryStore) Remove(ctx context.Context, keys []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range keys {
		delete(s.entries, key)
	}
	return nil
}

// Keys implements Store.
func (s *MemoryStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []string
	for key := range s.entries {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	return nil
}

// Len returns the number of stored entries.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
