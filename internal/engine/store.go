// Package engine is the record store behind the overseer authority.
//
// Records are opaque byte values addressed by (collection, key). Collections
// are a closed set so that every backend can map them to fixed storage
// (files, tables) without interpolating caller input.
package engine

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrNotFound is returned when a key does not exist in a collection.
	ErrNotFound = errors.New("record not found")
	// ErrUnknownCollection is returned for collection names outside Collections.
	ErrUnknownCollection = errors.New("unknown collection")
)

// Logical collections.
const (
	ModulesConfig   = "modules_config"
	ModuleLocks     = "module_locks"
	AuditLog        = "audit_log"
	ServiceRegistry = "service_registry"
	Snapshots       = "guild_snapshots"
	Diffs           = "guild_diffs"
)

// Collections lists every collection a Store accepts.
var Collections = []string{ModulesConfig, ModuleLocks, AuditLog, ServiceRegistry, Snapshots, Diffs}

// KnownCollection reports whether name is one of Collections.
func KnownCollection(name string) bool {
	for _, c := range Collections {
		if c == name {
			return true
		}
	}
	return false
}

// Record is one stored key/value pair.
type Record struct {
	Key   string
	Value []byte
}

// Query selects a key range of a collection.
type Query struct {
	// Prefix restricts results to keys starting with it.
	Prefix string
	// Before, when set, restricts results to keys strictly less than it.
	Before string
	// Limit caps the number of results; zero means no cap.
	Limit int
	// Descending returns the greatest keys first.
	Descending bool
}

func (q Query) match(key string) bool {
	if !strings.HasPrefix(key, q.Prefix) {
		return false
	}
	return q.Before == "" || key < q.Before
}

// UpdateFunc computes the new value of a record from its current value.
// Returning an error aborts the update; nothing is written and Update returns
// that error unchanged.
type UpdateFunc func(current []byte, exists bool) ([]byte, error)

// Reader is the read side of a Store.
type Reader interface {
	// Get returns the value stored under key or ErrNotFound.
	Get(ctx context.Context, collection, key string) ([]byte, error)
	// List returns the records matching q ordered by key.
	List(ctx context.Context, collection string, q Query) ([]Record, error)
}

// Writer is the write side of a Store. Every method is atomic per key.
type Writer interface {
	// Put upserts value under key.
	Put(ctx context.Context, collection, key string, value []byte) error
	// Update applies fn to the current value under key atomically and stores
	// the result. It returns the stored value.
	Update(ctx context.Context, collection, key string, fn UpdateFunc) ([]byte, error)
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, collection, key string) error
}

// Store is the full record store contract implemented by MemStore and
// SQLiteStore.
type Store interface {
	Reader
	Writer
	Close() error
}

// Last returns the greatest record with the given prefix whose key sorts
// strictly before `before` (no upper bound when empty).
func Last(ctx context.Context, r Reader, collection, prefix, before string) (Record, error) {
	recs, err := r.List(ctx, collection, Query{Prefix: prefix, Before: before, Limit: 1, Descending: true})
	if err != nil {
		return Record{}, err
	}
	if len(recs) == 0 {
		return Record{}, ErrNotFound
	}
	return recs[0], nil
}
