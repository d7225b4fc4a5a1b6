// Package memory provides a volatile state store backend. It is used for
// tests and for stores explicitly configured with the in-memory backend;
// because nothing survives a restart it reports Persistent() == false and
// recovery always replays its changelog from the start.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"iter"
	"sort"

	"github.com/rivulet-io/rivulet/state"
)

type Store struct {
	name      string
	partition int32
	appender  state.Appender

	committed map[string][]byte

	position    int64
	positionSet bool
	flushVer    uint64
}

// New returns a BackendBuilder for in-memory stores.
func New() state.BackendBuilder {
	return func(name string, partition int32, appender state.Appender) (state.Backend, error) {
		return &Store{
			name:      name,
			partition: partition,
			appender:  appender,
			committed: make(map[string][]byte),
		}, nil
	}
}

func (s *Store) Name() string     { return s.name }
func (s *Store) Partition() int32 { return s.partition }
func (s *Store) Persistent() bool { return false }

func (s *Store) Begin() (state.Txn, error) {
	return &txn{
		store:   s,
		updated: make(map[string][]byte),
		deleted: make(map[string]struct{}),
	}, nil
}

func (s *Store) Get(key []byte) ([]byte, error) {
	v, ok := s.committed[string(key)]
	if !ok {
		return nil, state.ErrKeyNotFound
	}
	res := make([]byte, len(v))
	copy(res, v)
	return res, nil
}

func (s *Store) Range(lower, upper []byte) iter.Seq2[[]byte, []byte] {
	keys := s.sortedKeys(lower, upper)
	return func(yield func([]byte, []byte) bool) {
		for _, k := range keys {
			if !yield([]byte(k), s.committed[k]) {
				return
			}
		}
	}
}

func (s *Store) All() iter.Seq2[[]byte, []byte] {
	return s.Range(nil, nil)
}

func (s *Store) Position() (int64, bool, error) {
	return s.position, s.positionSet, nil
}

func (s *Store) SetPosition(offset int64) error {
	s.position = offset
	s.positionSet = true
	return nil
}

func (s *Store) Flush(ctx context.Context) (uint64, error) {
	s.flushVer++
	return s.flushVer, nil
}

func (s *Store) Apply(key, value []byte) error {
	if value == nil {
		delete(s.committed, string(key))
		return nil
	}
	v := make([]byte, len(value))
	copy(v, value)
	s.committed[string(key)] = v
	return nil
}

func (s *Store) Snapshot(dir string) error {
	return fmt.Errorf("memory store %s: snapshots not supported", s.name)
}

func (s *Store) Restore(dir string) error {
	return fmt.Errorf("memory store %s: snapshots not supported", s.name)
}

func (s *Store) Wipe() error {
	s.committed = make(map[string][]byte)
	s.position = 0
	s.positionSet = false
	return nil
}

func (s *Store) Close() error { return nil }

func (s *Store) sortedKeys(lower, upper []byte) []string {
	keys := make([]string, 0, len(s.committed))
	for k := range s.committed {
		if inRange([]byte(k), lower, upper) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func inRange(key, lower, upper []byte) bool {
	if lower != nil && bytes.Compare(key, lower) < 0 {
		return false
	}
	if upper != nil && bytes.Compare(key, upper) >= 0 {
		return false
	}
	return true
}

// mutation preserves the order of writes within a transaction so changelog
// appends replay in mutation order.
type mutation struct {
	key   []byte
	value []byte // nil = tombstone
}

type txn struct {
	store     *Store
	updated   map[string][]byte
	deleted   map[string]struct{}
	mutations []mutation
	closed    bool
}

func (t *txn) Get(key []byte) ([]byte, error) {
	if t.closed {
		return nil, state.ErrTxnClosed
	}
	if _, ok := t.deleted[string(key)]; ok {
		return nil, state.ErrKeyNotFound
	}
	if v, ok := t.updated[string(key)]; ok {
		res := make([]byte, len(v))
		copy(res, v)
		return res, nil
	}
	return t.store.Get(key)
}

func (t *txn) Set(key, value []byte) error {
	if t.closed {
		return state.ErrTxnClosed
	}
	v := make([]byte, len(value))
	copy(v, value)
	t.updated[string(key)] = v
	delete(t.deleted, string(key))
	t.mutations = append(t.mutations, mutation{key: append([]byte(nil), key...), value: v})
	return nil
}

func (t *txn) Delete(key []byte) error {
	if t.closed {
		return state.ErrTxnClosed
	}
	delete(t.updated, string(key))
	t.deleted[string(key)] = struct{}{}
	t.mutations = append(t.mutations, mutation{key: append([]byte(nil), key...)})
	return nil
}

func (t *txn) Exists(key []byte) (bool, error) {
	_, err := t.Get(key)
	if err != nil {
		if err == state.ErrKeyNotFound {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Range merges the transaction's uncommitted writes with committed data.
func (t *txn) Range(lower, upper []byte) iter.Seq2[[]byte, []byte] {
	if t.closed {
		return func(yield func([]byte, []byte) bool) {}
	}

	// Snapshot both sides up front; mutation during iteration is not
	// supported.
	committedKeys := t.store.sortedKeys(lower, upper)
	overlayKeys := make([]string, 0, len(t.updated))
	for k := range t.updated {
		if inRange([]byte(k), lower, upper) {
			overlayKeys = append(overlayKeys, k)
		}
	}
	sort.Strings(overlayKeys)

	return func(yield func([]byte, []byte) bool) {
		ci, oi := 0, 0
		for ci < len(committedKeys) || oi < len(overlayKeys) {
			var k string
			var v []byte
			switch {
			case ci >= len(committedKeys):
				k = overlayKeys[oi]
				v = t.updated[k]
				oi++
			case oi >= len(overlayKeys):
				k = committedKeys[ci]
				v = t.store.committed[k]
				ci++
			case overlayKeys[oi] < committedKeys[ci]:
				k = overlayKeys[oi]
				v = t.updated[k]
				oi++
			case overlayKeys[oi] == committedKeys[ci]:
				// Overlay shadows committed.
				k = overlayKeys[oi]
				v = t.updated[k]
				oi++
				ci++
			default:
				k = committedKeys[ci]
				v = t.store.committed[k]
				ci++
			}

			if _, del := t.deleted[k]; del {
				continue
			}
			if !yield([]byte(k), v) {
				return
			}
		}
	}
}

// Commit appends every mutation to the changelog in order, then applies the
// transaction to the store. The changelog write happens first: a mutation
// acknowledged locally but absent from the changelog would be unrecoverable.
func (t *txn) Commit(ctx context.Context) error {
	if t.closed {
		return state.ErrTxnClosed
	}
	t.closed = true

	if t.store.appender != nil {
		for _, m := range t.mutations {
			if err := t.store.appender.Append(m.key, m.value); err != nil {
				return fmt.Errorf("changelog append: %w", err)
			}
		}
	}

	for k, v := range t.updated {
		stored := make([]byte, len(v))
		copy(stored, v)
		t.store.committed[k] = stored
	}
	for k := range t.deleted {
		delete(t.store.committed, k)
	}
	return nil
}

func (t *txn) Rollback() error {
	if t.closed {
		return state.ErrTxnClosed
	}
	t.closed = true
	return nil
}

var _ state.Backend = (*Store)(nil)
