package state_test

import (
	"context"
	"testing"

	"github.com/alecthomas/assert/v2"

	"github.com/rivulet-io/rivulet/serde"
	"github.com/rivulet-io/rivulet/state"
	"github.com/rivulet-io/rivulet/state/memory"
)

func newTxn(t *testing.T) state.Txn {
	t.Helper()
	backend, err := memory.New()("counts", 0, nil)
	assert.NoError(t, err)
	t.Cleanup(func() { backend.Close() })

	txn, err := backend.Begin()
	assert.NoError(t, err)
	t.Cleanup(func() { txn.Rollback() })
	return txn
}

func TestKeyValueStore(t *testing.T) {
	kv := state.NewKeyValueStore("counts", serde.String, serde.Int64)
	assert.Equal(t, "counts", kv.Name())
	txn := newTxn(t)

	t.Run("absent key", func(t *testing.T) {
		_, found, err := kv.Get(txn, "missing")
		assert.NoError(t, err)
		assert.False(t, found)

		ok, err := kv.Exists(txn, "missing")
		assert.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("set get delete", func(t *testing.T) {
		assert.NoError(t, kv.Set(txn, "a", 1))

		v, found, err := kv.Get(txn, "a")
		assert.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, int64(1), v)

		assert.NoError(t, kv.Delete(txn, "a"))
		_, found, err = kv.Get(txn, "a")
		assert.NoError(t, err)
		assert.False(t, found)
	})
}

func TestKeyValueStoreRange(t *testing.T) {
	kv := state.NewKeyValueStore("counts", serde.String, serde.Int64)
	txn := newTxn(t)

	for i, key := range []string{"a", "b", "c", "d"} {
		assert.NoError(t, kv.Set(txn, key, int64(i)))
	}

	var keys []string
	var values []int64
	seq, err := kv.Range(txn, "b", "d")
	assert.NoError(t, err)
	for k, v := range seq {
		keys = append(keys, k)
		values = append(values, v)
	}
	assert.Equal(t, []string{"b", "c"}, keys)
	assert.Equal(t, []int64{1, 2}, values)

	keys = nil
	for k := range kv.All(txn) {
		keys = append(keys, k)
	}
	assert.Equal(t, []string{"a", "b", "c", "d"}, keys)
}

func TestKeyValueStoreIsolatedFromWindowKeys(t *testing.T) {
	kv := state.NewKeyValueStore("counts", serde.String, serde.Int64)
	txn := newTxn(t)

	assert.NoError(t, kv.Set(txn, "a", 1))

	// Keys written outside the data namespace never surface through the
	// typed store.
	assert.NoError(t, txn.Set(state.NamespacedKey(state.NSWindow, []byte("a")), []byte("x")))
	assert.NoError(t, txn.Set(state.NamespacedKey(state.NSMeta, []byte("a")), []byte("y")))

	var keys []string
	for k := range kv.All(txn) {
		keys = append(keys, k)
	}
	assert.Equal(t, []string{"a"}, keys)
}

func TestTxnCommitVisibility(t *testing.T) {
	backend, err := memory.New()("counts", 0, nil)
	assert.NoError(t, err)
	defer backend.Close()

	kv := state.NewKeyValueStore("counts", serde.String, serde.Int64)

	txn, err := backend.Begin()
	assert.NoError(t, err)
	assert.NoError(t, kv.Set(txn, "a", 42))
	assert.NoError(t, txn.Commit(context.Background()))

	txn, err = backend.Begin()
	assert.NoError(t, err)
	defer txn.Rollback()

	v, found, err := kv.Get(txn, "a")
	assert.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(42), v)
}
