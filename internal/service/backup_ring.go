package service

import (
	"sync"
	"time"

	"github.com/mawiseman/portal-sync/internal/model"
)

// BackupRing keeps a bounded per-key history of pre-update payload snapshots
// for rollback. Oldest snapshots are evicted first once a key reaches the
// retention count.
type BackupRing struct {
	mu        sync.RWMutex
	retention int
	backups   map[string][]model.Backup
}

// NewBackupRing creates a backup ring with the given per-key retention.
func NewBackupRing(retention int) *BackupRing {
	if retention <= 0 {
		retention = 5
	}
	return &BackupRing{
		retention: retention,
		backups:   make(map[string][]model.Backup),
	}
}

// Add records a snapshot of key's payload as it was at the given version.
// The snapshot is copied, so callers may reuse the slice.
func (r *BackupRing) Add(key string, version int64, snapshot []byte) model.Backup {
	cp := make([]byte, len(snapshot))
	copy(cp, snapshot)

	backup := model.Backup{
		Key:       key,
		Version:   version,
		Snapshot:  cp,
		CreatedAt: time.Now(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ring := append(r.backups[key], backup)
	if len(ring) > r.retention {
		ring = ring[len(ring)-r.retention:]
	}
	r.backups[key] = ring

	return backup
}

// Find returns the most recent backup of key whose recorded version matches.
func (r *BackupRing) Find(key string, version int64) (model.Backup, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ring := r.backups[key]
	for i := len(ring) - 1; i >= 0; i-- {
		if ring[i].Version == version {
			return ring[i], true
		}
	}
	return model.Backup{}, false
}

// Latest returns the most recent backup for key.
func (r *BackupRing) Latest(key string) (model.Backup, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ring := r.backups[key]
	if len(ring) == 0 {
		return model.Backup{}, false
	}
	return ring[len(ring)-1], true
}

// Count returns the number of retained backups for key.
func (r *BackupRing) Count(key string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.backups[key])
}

// TotalCount returns the number of retained backups across all keys.
func (r *BackupRing) TotalCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total := 0
	for _, ring := range r.backups {
		total += len(ring)
	}
	return total
}
