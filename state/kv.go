package state

import (
	"errors"
	"fmt"
	"iter"

	"github.com/rivulet-io/rivulet/serde"
)

// KeyValueStore is the typed view over a Backend for plain keyed state.
// All operations run inside the caller's transaction so that every mutation
// of one input record commits or rolls back as a unit.
type KeyValueStore[K, V any] struct {
	name     string
	keySerde serde.Serde[K]
	valSerde serde.Serde[V]
}

func NewKeyValueStore[K, V any](name string, keySerde serde.Serde[K], valSerde serde.Serde[V]) *KeyValueStore[K, V] {
	return &KeyValueStore[K, V]{
		name:     name,
		keySerde: keySerde,
		valSerde: valSerde,
	}
}

func (s *KeyValueStore[K, V]) Name() string { return s.name }

// Get returns (value, true, nil) when found and (zero, false, nil) when
// absent. Errors are reserved for genuine I/O and codec failures.
func (s *KeyValueStore[K, V]) Get(txn Txn, key K) (V, bool, error) {
	var zero V

	kb, err := s.keySerde.Serializer(key)
	if err != nil {
		return zero, false, fmt.Errorf("encode key: %w", err)
	}

	raw, err := txn.Get(NamespacedKey(NSData, kb))
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return zero, false, nil
		}
		return zero, false, err
	}

	v, err := s.valSerde.Deserializer(raw)
	if err != nil {
		return zero, false, fmt.Errorf("decode value: %w", err)
	}
	return v, true, nil
}

func (s *KeyValueStore[K, V]) Set(txn Txn, key K, value V) error {
	kb, err := s.keySerde.Serializer(key)
	if err != nil {
		return fmt.Errorf("encode key: %w", err)
	}
	vb, err := s.valSerde.Serializer(value)
	if err != nil {
		return fmt.Errorf("encode value: %w", err)
	}
	return txn.Set(NamespacedKey(NSData, kb), vb)
}

func (s *KeyValueStore[K, V]) Delete(txn Txn, key K) error {
	kb, err := s.keySerde.Serializer(key)
	if err != nil {
		return fmt.Errorf("encode key: %w", err)
	}
	return txn.Delete(NamespacedKey(NSData, kb))
}

func (s *KeyValueStore[K, V]) Exists(txn Txn, key K) (bool, error) {
	kb, err := s.keySerde.Serializer(key)
	if err != nil {
		return false, fmt.Errorf("encode key: %w", err)
	}
	return txn.Exists(NamespacedKey(NSData, kb))
}

// Range iterates keys in [from, to) in byte order of the encoded keys.
func (s *KeyValueStore[K, V]) Range(txn Txn, from, to K) (iter.Seq2[K, V], error) {
	fromBytes, err := s.keySerde.Serializer(from)
	if err != nil {
		return nil, fmt.Errorf("encode range start: %w", err)
	}
	toBytes, err := s.keySerde.Serializer(to)
	if err != nil {
		return nil, fmt.Errorf("encode range end: %w", err)
	}

	raw := txn.Range(NamespacedKey(NSData, fromBytes), NamespacedKey(NSData, toBytes))
	return s.decodeSeq(raw), nil
}

// All iterates every key of this store.
func (s *KeyValueStore[K, V]) All(txn Txn) iter.Seq2[K, V] {
	lower := []byte{NSData}
	upper := serde.PrefixUpperBound(lower)
	return s.decodeSeq(txn.Range(lower, upper))
}

func (s *KeyValueStore[K, V]) decodeSeq(raw iter.Seq2[[]byte, []byte]) iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		for kb, vb := range raw {
			k, err := s.keySerde.Deserializer(kb[1:]) // strip namespace marker
			if err != nil {
				return
			}
			v, err := s.valSerde.Deserializer(vb)
			if err != nil {
				return
			}
			if !yield(k, v) {
				return
			}
		}
	}
}
