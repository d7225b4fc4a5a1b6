// Package state defines the per-partition keyed state stores and the
// transactional byte-store contract they are built on. One Backend instance
// exists per (store name, partition) pair; it is only ever mutated by that
// partition's worker goroutine, so implementations need no internal locking
// beyond what their storage engine requires.
package state

import (
	"context"
	"errors"
	"fmt"
	"iter"
)

var (
	// ErrKeyNotFound is returned by byte-level reads for absent keys.
	ErrKeyNotFound = errors.New("store: key not found")

	// ErrTxnClosed is returned when a committed or rolled-back transaction
	// is used again.
	ErrTxnClosed = errors.New("store: transaction already closed")
)

// Key namespaces. Every key in a backend carries a single marker byte so
// that store metadata, window data and bookkeeping indexes never collide
// with application keys. The markers are part of the persisted layout and
// of every changelog record's key.
const (
	NSData      byte = 'd' // plain keyed state
	NSWindow    byte = 'w' // window aggregates, composite window keys
	NSTimestamp byte = 't' // per-key (or global) max observed timestamp
	NSExpired   byte = 'e' // per-key latest emitted window end
	NSMeta      byte = 'm' // backend metadata: changelog position, flush version
)

// NamespacedKey prepends the namespace marker to a key.
func NamespacedKey(ns byte, key []byte) []byte {
	out := make([]byte, 1+len(key))
	out[0] = ns
	copy(out[1:], key)
	return out
}

// Appender mirrors state mutations to the changelog channel. Append must
// not return until the record is accepted for production; if the channel
// cannot keep up, Append blocks, which stalls the commit path rather than
// losing a changelog write. A nil value is a tombstone.
type Appender interface {
	Append(key, value []byte) error
}

// Txn is a transaction over a Backend. All mutations of one input record's
// processing are grouped into one Txn; Commit appends every mutation to the
// changelog (write-ahead) and then applies them to local storage
// atomically. A failed or rolled-back Txn leaves the store untouched.
//
// Reads observe the transaction's own uncommitted writes.
type Txn interface {
	Get(key []byte) ([]byte, error)
	Set(key, value []byte) error
	Delete(key []byte) error
	Exists(key []byte) (bool, error)

	// Range iterates [lower, upper) in byte order, merging uncommitted
	// transaction writes with committed data.
	Range(lower, upper []byte) iter.Seq2[[]byte, []byte]

	Commit(ctx context.Context) error
	Rollback() error
}

// Backend is the low-level byte-oriented store. Implemented by the pebble
// and memory backends.
type Backend interface {
	Name() string
	Partition() int32

	// Persistent reports whether the backend survives a process restart.
	// Non-persistent backends are never trusted by recovery: their
	// changelog position is always treated as unknown.
	Persistent() bool

	Begin() (Txn, error)

	// Get reads committed data only.
	Get(key []byte) ([]byte, error)

	// Range iterates committed data in [lower, upper) byte order.
	Range(lower, upper []byte) iter.Seq2[[]byte, []byte]

	// All iterates every committed data key, excluding backend metadata.
	All() iter.Seq2[[]byte, []byte]

	// Position returns the last-applied changelog offset recorded in the
	// store's metadata. ok is false if no position has ever been recorded.
	// An error indicates unreadable metadata; callers must treat the store
	// as corrupt and rebuild it.
	Position() (offset int64, ok bool, err error)

	// SetPosition records the last-applied changelog offset. The position
	// becomes durable together with the next Flush.
	SetPosition(offset int64) error

	// Flush pushes all committed data and metadata to durable storage and
	// returns a monotonically increasing flush version.
	Flush(ctx context.Context) (uint64, error)

	// Apply writes a single key directly, bypassing transactions and the
	// changelog. Used only during recovery replay. A nil value deletes.
	Apply(key, value []byte) error

	// Snapshot exports a consistent copy of the store into dir.
	Snapshot(dir string) error

	// Restore replaces the store's contents, metadata included, with a
	// snapshot previously exported by Snapshot.
	Restore(dir string) error

	// Wipe discards all local data and metadata, leaving an empty store.
	Wipe() error

	Close() error
}

// BackendBuilder constructs a Backend for a (store, partition) pair. The
// appender may be nil for stores with the changelog disabled.
type BackendBuilder func(name string, partition int32, appender Appender) (Backend, error)

// CorruptionError marks a store whose local data or metadata cannot be
// trusted. Recovery reacts by wiping the store and replaying its changelog
// from the start.
type CorruptionError struct {
	Store string
	Err   error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("store %s corrupted: %v", e.Store, e.Err)
}

func (e *CorruptionError) Unwrap() error { return e.Err }

// IsCorruption reports whether err marks unrecoverable local store damage.
func IsCorruption(err error) bool {
	var ce *CorruptionError
	return errors.As(err, &ce)
}
