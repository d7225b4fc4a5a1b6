// Package pebble implements the persistent state store backend on top of
// cockroachdb/pebble. Each store partition owns its own database under
// <stateDir>/<store>/partition-<n>. The changelog position and flush version
// live inside the database under the metadata namespace so they move
// atomically with the data they describe.
package pebble

import (
	"context"
	"encoding/binary"
	"fmt"
	"iter"
	"os"
	"path/filepath"

	"github.com/cockroachdb/pebble"

	"github.com/rivulet-io/rivulet/state"
)

var (
	positionKey = state.NamespacedKey(state.NSMeta, []byte("changelog_position"))
	flushVerKey = state.NamespacedKey(state.NSMeta, []byte("flush_version"))
)

type Store struct {
	name      string
	partition int32
	dir       string
	appender  state.Appender

	db       *pebble.DB
	flushVer uint64
}

// New returns a BackendBuilder rooted at stateDir.
func New(stateDir string) state.BackendBuilder {
	return func(name string, partition int32, appender state.Appender) (state.Backend, error) {
		dir := filepath.Join(stateDir, name, fmt.Sprintf("partition-%d", partition))
		s := &Store{
			name:      name,
			partition: partition,
			dir:       dir,
			appender:  appender,
		}
		if err := s.open(); err != nil {
			if !state.IsCorruption(err) {
				return nil, err
			}
			// Corrupt local data is discarded, not repaired. The empty
			// store carries no position, so recovery replays the full
			// changelog.
			if rmErr := os.RemoveAll(dir); rmErr != nil {
				return nil, fmt.Errorf("remove corrupt store %s: %w", name, rmErr)
			}
			if err := s.open(); err != nil {
				return nil, err
			}
		}
		return s, nil
	}
}

func (s *Store) open() error {
	db, err := pebble.Open(s.dir, &pebble.Options{})
	if err != nil {
		if pebble.IsCorruptionError(err) {
			return &state.CorruptionError{Store: s.name, Err: err}
		}
		return fmt.Errorf("open pebble store %s: %w", s.name, err)
	}
	s.db = db

	ver, err := s.getMetaUint64(flushVerKey)
	if err != nil {
		db.Close()
		return err
	}
	s.flushVer = ver
	return nil
}

func (s *Store) Name() string     { return s.name }
func (s *Store) Partition() int32 { return s.partition }
func (s *Store) Persistent() bool { return true }

func (s *Store) Begin() (state.Txn, error) {
	return &txn{store: s, batch: s.db.NewIndexedBatch()}, nil
}

func (s *Store) Get(key []byte) ([]byte, error) {
	v, closer, err := s.db.Get(key)
	if err != nil {
		if err == pebble.ErrNotFound {
			return nil, state.ErrKeyNotFound
		}
		return nil, err
	}
	res := make([]byte, len(v))
	copy(res, v)
	closer.Close()
	return res, nil
}

func (s *Store) Range(lower, upper []byte) iter.Seq2[[]byte, []byte] {
	return rangeSeq(func() (*pebble.Iterator, error) {
		return s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	})
}

// All skips the metadata namespace so callers only see replicated data.
func (s *Store) All() iter.Seq2[[]byte, []byte] {
	return func(yield func([]byte, []byte) bool) {
		for k, v := range s.Range(nil, nil) {
			if len(k) > 0 && k[0] == state.NSMeta {
				continue
			}
			if !yield(k, v) {
				return
			}
		}
	}
}

func (s *Store) Position() (int64, bool, error) {
	v, err := s.Get(positionKey)
	if err != nil {
		if err == state.ErrKeyNotFound {
			return 0, false, nil
		}
		return 0, false, err
	}
	if len(v) != 8 {
		return 0, false, &state.CorruptionError{
			Store: s.name,
			Err:   fmt.Errorf("malformed changelog position: %d bytes", len(v)),
		}
	}
	return int64(binary.BigEndian.Uint64(v)), true, nil
}

func (s *Store) SetPosition(offset int64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(offset))
	return s.db.Set(positionKey, buf[:], pebble.NoSync)
}

// Flush persists all applied writes, including the changelog position, and
// returns a version number that increases with every successful flush.
func (s *Store) Flush(ctx context.Context) (uint64, error) {
	next := s.flushVer + 1
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], next)
	if err := s.db.Set(flushVerKey, buf[:], pebble.NoSync); err != nil {
		return 0, err
	}
	if err := s.db.Flush(); err != nil {
		return 0, err
	}
	s.flushVer = next
	return next, nil
}

func (s *Store) Apply(key, value []byte) error {
	if value == nil {
		return s.db.Delete(key, pebble.NoSync)
	}
	return s.db.Set(key, value, pebble.NoSync)
}

func (s *Store) Snapshot(dir string) error {
	return s.db.Checkpoint(dir)
}

// Restore replaces all local state with a snapshot previously exported by
// Snapshot. The changelog position inside the snapshot comes with it.
func (s *Store) Restore(dir string) error {
	if err := s.db.Close(); err != nil {
		return err
	}
	if err := os.RemoveAll(s.dir); err != nil {
		return err
	}
	if err := os.CopyFS(s.dir, os.DirFS(dir)); err != nil {
		return fmt.Errorf("copy snapshot into store %s: %w", s.name, err)
	}
	return s.open()
}

// Wipe discards all local state, leaving an empty store ready for changelog
// replay from the beginning.
func (s *Store) Wipe() error {
	if err := s.db.Close(); err != nil {
		return err
	}
	if err := os.RemoveAll(s.dir); err != nil {
		return err
	}
	return s.open()
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) getMetaUint64(key []byte) (uint64, error) {
	v, err := s.Get(key)
	if err != nil {
		if err == state.ErrKeyNotFound {
			return 0, nil
		}
		return 0, err
	}
	if len(v) != 8 {
		return 0, &state.CorruptionError{
			Store: s.name,
			Err:   fmt.Errorf("malformed metadata value: %d bytes", len(v)),
		}
	}
	return binary.BigEndian.Uint64(v), nil
}

type mutation struct {
	key   []byte
	value []byte // nil = tombstone
}

type txn struct {
	store     *Store
	batch     *pebble.Batch
	mutations []mutation
	closed    bool
}

func (t *txn) Get(key []byte) ([]byte, error) {
	if t.closed {
		return nil, state.ErrTxnClosed
	}
	v, closer, err := t.batch.Get(key)
	if err != nil {
		if err == pebble.ErrNotFound {
			return nil, state.ErrKeyNotFound
		}
		return nil, err
	}
	res := make([]byte, len(v))
	copy(res, v)
	closer.Close()
	return res, nil
}

func (t *txn) Set(key, value []byte) error {
	if t.closed {
		return state.ErrTxnClosed
	}
	if err := t.batch.Set(key, value, nil); err != nil {
		return err
	}
	v := append([]byte(nil), value...)
	t.mutations = append(t.mutations, mutation{key: append([]byte(nil), key...), value: v})
	return nil
}

func (t *txn) Delete(key []byte) error {
	if t.closed {
		return state.ErrTxnClosed
	}
	if err := t.batch.Delete(key, nil); err != nil {
		return err
	}
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

// Range sees the transaction's own writes merged with committed data; the
// indexed batch takes care of the merge.
func (t *txn) Range(lower, upper []byte) iter.Seq2[[]byte, []byte] {
	if t.closed {
		return func(yield func([]byte, []byte) bool) {}
	}
	return rangeSeq(func() (*pebble.Iterator, error) {
		return t.batch.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	})
}

// Commit appends every mutation to the changelog in order, then applies the
// batch locally. An append failure leaves the store untouched so the
// transaction can be retried or abandoned without diverging from the
// changelog.
func (t *txn) Commit(ctx context.Context) error {
	if t.closed {
		return state.ErrTxnClosed
	}
	t.closed = true
	defer t.batch.Close()

	if t.store.appender != nil {
		for _, m := range t.mutations {
			if err := t.store.appender.Append(m.key, m.value); err != nil {
				return fmt.Errorf("changelog append: %w", err)
			}
		}
	}

	return t.batch.Commit(pebble.NoSync)
}

func (t *txn) Rollback() error {
	if t.closed {
		return state.ErrTxnClosed
	}
	t.closed = true
	return t.batch.Close()
}

func rangeSeq(newIter func() (*pebble.Iterator, error)) iter.Seq2[[]byte, []byte] {
	return func(yield func([]byte, []byte) bool) {
		it, err := newIter()
		if err != nil {
			return
		}
		defer it.Close()
		for it.First(); it.Valid(); it.Next() {
			k := append([]byte(nil), it.Key()...)
			v := append([]byte(nil), it.Value()...)
			if !yield(k, v) {
				return
			}
		}
	}
}

var _ state.Backend = (*Store)(nil)
