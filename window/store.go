package window

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/rivulet-io/rivulet/serde"
	"github.com/rivulet-io/rivulet/state"
)

// Entry is one live window of one key.
type Entry[K, S any] struct {
	Key  K
	Span Span
	Agg  S
}

// Store is the typed view over a Backend for windowed state. It keeps three
// key families inside the backend: the window aggregates themselves, the
// maximum observed timestamp (per key and global), and the end of the latest
// expired window per key, which guards against re-emitting a closed window.
type Store[K, S any] struct {
	name     string
	keySerde serde.Serde[K]
	aggSerde serde.Serde[S]
	winSer   serde.Serializer[serde.WindowKey[K]]
	winDe    serde.Deserializer[serde.WindowKey[K]]
}

func NewStore[K, S any](name string, keySerde serde.Serde[K], aggSerde serde.Serde[S]) *Store[K, S] {
	return &Store[K, S]{
		name:     name,
		keySerde: keySerde,
		aggSerde: aggSerde,
		winSer:   serde.WindowKeySerializer(keySerde.Serializer),
		winDe:    serde.WindowKeyDeserializer(keySerde.Deserializer),
	}
}

func (s *Store[K, S]) Name() string { return s.name }

func (s *Store[K, S]) aggKey(key K, span Span) ([]byte, error) {
	wk, err := s.winSer(serde.WindowKey[K]{Key: key, Start: span.Start, End: span.End})
	if err != nil {
		return nil, fmt.Errorf("encode window key: %w", err)
	}
	return state.NamespacedKey(state.NSWindow, wk), nil
}

// perKeyKey builds a length-prefixed per-key metadata key. The prefix keeps
// application keys from colliding with the single-byte global key.
func (s *Store[K, S]) perKeyKey(ns byte, key K) ([]byte, error) {
	kb, err := s.keySerde.Serializer(key)
	if err != nil {
		return nil, fmt.Errorf("encode key: %w", err)
	}
	suffix := make([]byte, 2+len(kb))
	binary.BigEndian.PutUint16(suffix, uint16(len(kb)))
	copy(suffix[2:], kb)
	return state.NamespacedKey(ns, suffix), nil
}

func (s *Store[K, S]) Get(txn state.Txn, key K, span Span) (S, bool, error) {
	var zero S
	k, err := s.aggKey(key, span)
	if err != nil {
		return zero, false, err
	}
	raw, err := txn.Get(k)
	if err != nil {
		if errors.Is(err, state.ErrKeyNotFound) {
			return zero, false, nil
		}
		return zero, false, err
	}
	agg, err := s.aggSerde.Deserializer(raw)
	if err != nil {
		return zero, false, fmt.Errorf("decode aggregate: %w", err)
	}
	return agg, true, nil
}

func (s *Store[K, S]) Set(txn state.Txn, key K, span Span, agg S) error {
	k, err := s.aggKey(key, span)
	if err != nil {
		return err
	}
	v, err := s.aggSerde.Serializer(agg)
	if err != nil {
		return fmt.Errorf("encode aggregate: %w", err)
	}
	return txn.Set(k, v)
}

func (s *Store[K, S]) Delete(txn state.Txn, key K, span Span) error {
	k, err := s.aggKey(key, span)
	if err != nil {
		return err
	}
	return txn.Delete(k)
}

// Windows returns all live windows of one key in start-ascending order via a
// single bounded range scan.
func (s *Store[K, S]) Windows(txn state.Txn, key K) ([]Entry[K, S], error) {
	kb, err := s.keySerde.Serializer(key)
	if err != nil {
		return nil, fmt.Errorf("encode key: %w", err)
	}
	prefix := state.NamespacedKey(state.NSWindow, serde.WindowKeyPrefix(kb))
	return s.scan(txn, prefix, serde.PrefixUpperBound(prefix))
}

// All returns every live window of every key, ordered by encoded key bytes.
// Used by the optional low-traffic sweep only.
func (s *Store[K, S]) All(txn state.Txn) ([]Entry[K, S], error) {
	lower := []byte{state.NSWindow}
	return s.scan(txn, lower, serde.PrefixUpperBound(lower))
}

func (s *Store[K, S]) scan(txn state.Txn, lower, upper []byte) ([]Entry[K, S], error) {
	var entries []Entry[K, S]
	var decodeErr error
	for kb, vb := range txn.Range(lower, upper) {
		wk, err := s.winDe(kb[1:])
		if err != nil {
			decodeErr = fmt.Errorf("decode window key: %w", err)
			break
		}
		agg, err := s.aggSerde.Deserializer(vb)
		if err != nil {
			decodeErr = fmt.Errorf("decode aggregate: %w", err)
			break
		}
		entries = append(entries, Entry[K, S]{
			Key:  wk.Key,
			Span: Span{Start: wk.Start, End: wk.End},
			Agg:  agg,
		})
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	return entries, nil
}

func (s *Store[K, S]) MaxTimestamp(txn state.Txn, key K) (int64, bool, error) {
	k, err := s.perKeyKey(state.NSTimestamp, key)
	if err != nil {
		return 0, false, err
	}
	return s.getInt64(txn, k)
}

func (s *Store[K, S]) SetMaxTimestamp(txn state.Txn, key K, ts int64) error {
	k, err := s.perKeyKey(state.NSTimestamp, key)
	if err != nil {
		return err
	}
	return s.setInt64(txn, k, ts)
}

func (s *Store[K, S]) GlobalMaxTimestamp(txn state.Txn) (int64, bool, error) {
	return s.getInt64(txn, []byte{state.NSTimestamp})
}

func (s *Store[K, S]) SetGlobalMaxTimestamp(txn state.Txn, ts int64) error {
	return s.setInt64(txn, []byte{state.NSTimestamp}, ts)
}

// LatestExpired returns the end of the most recent window already closed and
// emitted for the key.
func (s *Store[K, S]) LatestExpired(txn state.Txn, key K) (int64, bool, error) {
	k, err := s.perKeyKey(state.NSExpired, key)
	if err != nil {
		return 0, false, err
	}
	return s.getInt64(txn, k)
}

func (s *Store[K, S]) SetLatestExpired(txn state.Txn, key K, end int64) error {
	k, err := s.perKeyKey(state.NSExpired, key)
	if err != nil {
		return err
	}
	return s.setInt64(txn, k, end)
}

func (s *Store[K, S]) getInt64(txn state.Txn, key []byte) (int64, bool, error) {
	raw, err := txn.Get(key)
	if err != nil {
		if errors.Is(err, state.ErrKeyNotFound) {
			return 0, false, nil
		}
		return 0, false, err
	}
	if len(raw) != 8 {
		return 0, false, fmt.Errorf("store %s: malformed timestamp value", s.name)
	}
	return int64(binary.BigEndian.Uint64(raw)), true, nil
}

func (s *Store[K, S]) setInt64(txn state.Txn, key []byte, v int64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(v))
	return txn.Set(key, buf[:])
}
