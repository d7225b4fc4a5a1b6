package window

import (
	"context"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"

	"github.com/rivulet-io/rivulet/pkg/log"
	"github.com/rivulet-io/rivulet/serde"
	"github.com/rivulet-io/rivulet/state"
	"github.com/rivulet-io/rivulet/state/memory"
)

func newTestTxn(t *testing.T) state.Txn {
	t.Helper()
	backend, err := memory.New()("clicks", 0, nil)
	assert.NoError(t, err)
	t.Cleanup(func() { backend.Close() })

	txn, err := backend.Begin()
	assert.NoError(t, err)
	return txn
}

func sumAggregator(t *testing.T, def Def, scope Scope) *Aggregator[string, int64, int64, int64] {
	t.Helper()
	store := NewStore[string, int64]("clicks", serde.String, serde.Int64)
	return NewAggregator(store, def, Sum[int64](), scope, *log.Nop(), nil)
}

func TestAggregatorTumblingSum(t *testing.T) {
	def, err := Tumbling(10*time.Millisecond, 0)
	assert.NoError(t, err)
	agg := sumAggregator(t, def, ScopePerKey)
	txn := newTestTxn(t)

	for _, r := range []struct {
		ts    int64
		value int64
	}{{0, 1}, {3, 2}, {6, 3}, {9, 4}} {
		outcome, results, err := agg.Process(txn, "a", r.value, r.ts)
		assert.NoError(t, err)
		assert.Equal(t, Accepted, outcome)
		assert.Equal(t, 0, len(results))
	}

	// The record at t=10 starts the next window and closes [0,10).
	outcome, results, err := agg.Process(txn, "a", int64(5), 10)
	assert.NoError(t, err)
	assert.Equal(t, Accepted, outcome)
	assert.Equal(t, []Result[string, int64]{
		{Key: "a", Span: Span{Start: 0, End: 10}, Value: 10},
	}, results)

	assert.NoError(t, txn.Commit(context.Background()))
}

func TestAggregatorEmitsExactlyOnce(t *testing.T) {
	def, err := Tumbling(10*time.Millisecond, 0)
	assert.NoError(t, err)
	agg := sumAggregator(t, def, ScopePerKey)
	txn := newTestTxn(t)

	_, _, err = agg.Process(txn, "a", int64(7), 5)
	assert.NoError(t, err)
	_, results, err := agg.Process(txn, "a", int64(1), 10)
	assert.NoError(t, err)
	assert.Equal(t, 1, len(results))

	// A late record for the emitted window must not recreate or re-emit it.
	outcome, results, err := agg.Process(txn, "a", int64(9), 5)
	assert.NoError(t, err)
	assert.Equal(t, Dropped, outcome)
	assert.Equal(t, 0, len(results))

	store := NewStore[string, int64]("clicks", serde.String, serde.Int64)
	_, found, err := store.Get(txn, "a", Span{Start: 0, End: 10})
	assert.NoError(t, err)
	assert.False(t, found)
}

func TestAggregatorGracePeriod(t *testing.T) {
	def, err := Tumbling(10*time.Millisecond, 2*time.Millisecond)
	assert.NoError(t, err)
	agg := sumAggregator(t, def, ScopePerKey)
	txn := newTestTxn(t)

	// Watermark moves to 13; [0,10) stays open for grace but 13-10 >= 2
	// already closes it.
	outcome, _, err := agg.Process(txn, "a", int64(1), 13)
	assert.NoError(t, err)
	assert.Equal(t, Accepted, outcome)

	outcome, _, err = agg.Process(txn, "a", int64(2), 1)
	assert.NoError(t, err)
	assert.Equal(t, Dropped, outcome)

	t.Run("inside grace is accepted", func(t *testing.T) {
		def, err := Tumbling(10*time.Millisecond, 5*time.Millisecond)
		assert.NoError(t, err)
		agg := sumAggregator(t, def, ScopePerKey)
		txn := newTestTxn(t)

		_, _, err = agg.Process(txn, "a", int64(1), 13)
		assert.NoError(t, err)

		// 13 - 10 = 3 < 5, the late record still lands in [0,10).
		outcome, _, err := agg.Process(txn, "a", int64(2), 1)
		assert.NoError(t, err)
		assert.Equal(t, Accepted, outcome)

		// Once the watermark exhausts the grace the window emits.
		_, results, err := agg.Process(txn, "a", int64(1), 15)
		assert.NoError(t, err)
		assert.Equal(t, []Result[string, int64]{
			{Key: "a", Span: Span{Start: 0, End: 10}, Value: 2},
		}, results)
	})
}

func TestAggregatorHopping(t *testing.T) {
	def, err := Hopping(time.Minute, 20*time.Second, 0)
	assert.NoError(t, err)
	store := NewStore[string, int64]("clicks", serde.String, serde.Int64)
	agg := NewAggregator(store, def, Count[int64](), ScopePerKey, *log.Nop(), nil)
	txn := newTestTxn(t)

	// Both records fall into the same three overlapping windows.
	_, _, err = agg.Process(txn, "a", 0, 65_000)
	assert.NoError(t, err)
	_, _, err = agg.Process(txn, "a", 0, 70_000)
	assert.NoError(t, err)

	// A far-future record closes all three, emitted end-ascending.
	_, results, err := agg.Process(txn, "a", 0, 180_000)
	assert.NoError(t, err)
	assert.Equal(t, []Result[string, int64]{
		{Key: "a", Span: Span{Start: 20_000, End: 80_000}, Value: 2},
		{Key: "a", Span: Span{Start: 40_000, End: 100_000}, Value: 2},
		{Key: "a", Span: Span{Start: 60_000, End: 120_000}, Value: 2},
	}, results)
}

func TestAggregatorSliding(t *testing.T) {
	def, err := Sliding(10*time.Millisecond, 0)
	assert.NoError(t, err)
	store := NewStore[string, int64]("clicks", serde.String, serde.Int64)
	agg := NewAggregator(store, def, Count[int64](), ScopePerKey, *log.Nop(), nil)
	txn := newTestTxn(t)

	_, _, err = agg.Process(txn, "a", 0, 95)
	assert.NoError(t, err)

	// An out-of-order record joins the existing window containing its
	// timestamp; its own record-aligned window is already closed under the
	// key's watermark and is not created.
	outcome, _, err := agg.Process(txn, "a", 0, 90)
	assert.NoError(t, err)
	assert.Equal(t, Accepted, outcome)

	entries, err := store.Windows(txn, "a")
	assert.NoError(t, err)
	assert.Equal(t, []Entry[string, int64]{
		{Key: "a", Span: Span{Start: 86, End: 96}, Agg: 2},
	}, entries)

	// A record past the window closes it and opens its own.
	_, results, err := agg.Process(txn, "a", 0, 105)
	assert.NoError(t, err)
	assert.Equal(t, []Result[string, int64]{
		{Key: "a", Span: Span{Start: 86, End: 96}, Value: 2},
	}, results)

	entries, err = store.Windows(txn, "a")
	assert.NoError(t, err)
	assert.Equal(t, []Entry[string, int64]{
		{Key: "a", Span: Span{Start: 96, End: 106}, Agg: 1},
	}, entries)
}

func TestAggregatorWatermarkScope(t *testing.T) {
	def, err := Tumbling(10*time.Second, 0)
	assert.NoError(t, err)

	t.Run("per key", func(t *testing.T) {
		agg := sumAggregator(t, def, ScopePerKey)
		txn := newTestTxn(t)

		_, _, err := agg.Process(txn, "a", int64(1), 50_000)
		assert.NoError(t, err)

		// Key b has its own watermark; a's traffic does not close its windows.
		outcome, _, err := agg.Process(txn, "b", int64(1), 5_000)
		assert.NoError(t, err)
		assert.Equal(t, Accepted, outcome)
	})

	t.Run("global", func(t *testing.T) {
		agg := sumAggregator(t, def, ScopeGlobal)
		txn := newTestTxn(t)

		_, _, err := agg.Process(txn, "a", int64(1), 50_000)
		assert.NoError(t, err)

		// The partition-wide watermark is 50s; b's [0,10s) window is long gone.
		outcome, _, err := agg.Process(txn, "b", int64(1), 5_000)
		assert.NoError(t, err)
		assert.Equal(t, Dropped, outcome)
	})
}

func TestAggregatorSweep(t *testing.T) {
	def, err := Tumbling(10*time.Millisecond, 0)
	assert.NoError(t, err)
	agg := sumAggregator(t, def, ScopeGlobal)
	txn := newTestTxn(t)

	_, _, err = agg.Process(txn, "a", int64(1), 3)
	assert.NoError(t, err)
	_, _, err = agg.Process(txn, "b", int64(2), 5)
	assert.NoError(t, err)

	// Traffic on an unrelated key advances the global watermark past [0,10)
	// but a and b see no further records; only the sweep can close them.
	_, _, err = agg.Process(txn, "z", int64(1), 50)
	assert.NoError(t, err)

	results, err := agg.Sweep(txn)
	assert.NoError(t, err)
	assert.Equal(t, []Result[string, int64]{
		{Key: "a", Span: Span{Start: 0, End: 10}, Value: 1},
		{Key: "b", Span: Span{Start: 0, End: 10}, Value: 2},
	}, results)

	// The sweep is idempotent.
	results, err = agg.Sweep(txn)
	assert.NoError(t, err)
	assert.Equal(t, 0, len(results))
}
