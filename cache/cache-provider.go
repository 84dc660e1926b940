// Package cache holds the named, origin-scoped stores the offline cache reads from
// and writes to. A Registry hands out Store handles by name; every store is a
// plain key/bytes table and knows nothing about HTTP.
package cache

import (
	"context"
	"errors"
)

var (
	// ErrClosed is returned by every operation on a closed registry.
	ErrClosed = errors.New("cache: registry closed")
	// ErrStoreDeleted is returned when a Store handle is used after its store
	// was deleted from the registry.
	ErrStoreDeleted = errors.New("cache: store deleted")
)

// Registry is the store registry of an origin.
// It creates, enumerates and deletes whole named stores.
//
// Implementations must be thread-safe!
type Registry interface {
	// Open returns the store with the given name, creating it if absent.
	Open(ctx context.Context, name string) (Store, error)
	// Lookup returns the store with the given name if it exists.
	// Unlike Open it never creates a store.
	Lookup(ctx context.Context, name string) (Store, bool, error)
	// Has reports whether a store with the given name exists.
	Has(ctx context.Context, name string) (bool, error)
	// Names returns the names of all stores, oldest first.
	Names(ctx context.Context) ([]string, error)
	// Delete removes the named store and all of its entries.
	// It reports whether a store was actually removed.
	Delete(ctx context.Context, name string) (bool, error)
	// Close releases the resources held by the registry.
	Close() error
}

// Store is a single named key/response table.
// Stores are byte transparent: Match returns exactly the bytes given to Put.
// Concurrent puts to the same key are last-write-wins.
//
// Implementations must be thread-safe!
type Store interface {
	// Name returns the name the store was opened with.
	Name() string
	// Match returns the value stored under key.
	// The boolean is false on a miss, in which case the error is nil.
	Match(ctx context.Context, key string) ([]byte, bool, error)
	// Put stores value under key, replacing any previous value.
	Put(ctx context.Context, key string, value []byte) error
	// Delete removes a single entry and reports whether it existed.
	Delete(ctx context.Context, key string) (bool, error)
	// Keys returns all keys in the store.
	Keys(ctx context.Context) ([]string, error)
}
