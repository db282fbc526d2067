package storage

import (
	"context"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/mawiseman/portal-sync/internal/errors"
	"github.com/mawiseman/portal-sync/internal/util"
)

// BadgerStore is a BadgerDB-backed Store. Each value is stored with a
// trailing CRC32 checksum so torn or tampered entries are detected on read.
type BadgerStore struct {
	db            *badger.DB
	maxValueBytes int
	logger        *zap.Logger
}

// BadgerOptions configures a BadgerStore.
type BadgerOptions struct {
	// DataDir is the on-disk location. Ignored when InMemory is set.
	DataDir string

	// InMemory runs Badger without disk persistence (testing).
	InMemory bool

	// SyncWrites trades write speed for durability on every write.
	SyncWrites bool

	// MaxValueBytes caps a single stored value; oversized writes fail with
	// a storage-quota error. Zero means no cap.
	MaxValueBytes int
}

// NewBadgerStore opens a Badger-backed store.
func NewBadgerStore(opts BadgerOptions, logger *zap.Logger) (*BadgerStore, error) {
	badgerOpts := badger.DefaultOptions(opts.DataDir).
		WithLogger(nil)

	if opts.InMemory {
		badgerOpts = badgerOpts.WithInMemory(true).WithDir("").WithValueDir("")
	}
	if opts.SyncWrites {
		badgerOpts = badgerOpts.WithSyncWrites(true)
	}

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, errors.Unavailable("failed to open badger store", err)
	}

	return &BadgerStore{
		db:            db,
		maxValueBytes: opts.MaxValueBytes,
		logger:        logger,
	}, nil
}

// Get implements Store.
func (s *BadgerStore) Get(ctx context.Context, keys []string) (map[string][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result := make(map[string][]byte, len(keys))
	err := s.db.View(func(txn *badger.Txn) error {
		for _, key := range keys {
			item, err := txn.Get([]byte(key))
			if err == badger.ErrKeyNotFound {
				continue
			}
			if err != nil {
				return err
			}

			raw, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}

			value, ok := util.ValidateAndStripChecksum(raw)
			if !ok {
				s.logger.Error("Checksum mismatch on stored entry",
					zap.String("key", key))
				return errors.CorruptedData("stored entry failed checksum validation", nil).
					WithDetail("key", key)
			}
			result[key] = value
		}
		return nil
	})
	if err != nil {
		if errors.IsSyncError(err) {
			return nil, err
		}
		return nil, errors.Unavailable("badger read failed", err)
	}
	return result, nil
}

// Set implements Store.
func (s *BadgerStore) Set(ctx context.Context, entries map[string][]byte) error {
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

	err := s.db.Update(func(txn *badger.Txn) error {
		for key, value := range entries {
			if err := txn.Set([]byte(key), util.AppendChecksum(value)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return errors.Unavailable("badger write failed", err)
	}
	return nil
}

// Remove implements Store.
func (s *BadgerStore) Remove(ctx context.Context, keys []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		for _, key := range keys {
			if err := txn.Delete([]byte(key)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return errors.Unavailable("badger delete failed", err)
	}
	return nil
}

// Keys implements Store.
func (s *BadgerStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var keys []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			keys = append(keys, string(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	if err != nil {
		return nil, errors.Unavailable("badger key scan failed", err)
	}
	return keys, nil
}

// Close implements Store.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}
