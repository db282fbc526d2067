// Package storage provides the persistent key-value store behind the
// consistency manager: a thin async get/set/remove surface with two
// implementations, an in-memory map store and a BadgerDB-backed store.
package storage

import "context"

// Store is the persisted key-value interface. Implementations propagate
// errors unchanged; the only logic they own is entry integrity checking and
// quota enforcement.
//
// Values are opaque byte slices. A missing key is simply absent from the Get
// result, not an error.
type Store interface {
	// Get returns the values for the requested keys. Keys with no stored
	// value are omitted from the result map.
	Get(ctx context.Context, keys []string) (map[string][]byte, error)

	// Set stores all entries. Entries exceeding the store's value quota fail
	// the whole call with a storage-quota error.
	Set(ctx context.Context, entries map[string][]byte) error

	// Remove deletes the given keys. Removing an absent key is not an error.
	Remove(ctx context.Context, keys []string) error

	// Keys lists stored keys with the given prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Close releases the underlying resources.
	Close() error
}
