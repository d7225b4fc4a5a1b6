package window

import "golang.org/x/exp/constraints"

// Reducer folds record values into a window aggregate. S is the stored
// accumulator, R the emitted result. Update must be insensitive to record
// order within a window since retries can replay records.
type Reducer[V, S, R any] interface {
	Initialize(value V) S
	Update(agg S, value V) S
	Finalize(agg S) R
}

type Number interface {
	constraints.Integer | constraints.Float
}

type countReducer[V any] struct{}

func (countReducer[V]) Initialize(V) int64          { return 1 }
func (countReducer[V]) Update(agg int64, _ V) int64 { return agg + 1 }
func (countReducer[V]) Finalize(agg int64) int64    { return agg }

// Count counts records per window.
func Count[V any]() Reducer[V, int64, int64] {
	return countReducer[V]{}
}

type sumReducer[V Number] struct{}

func (sumReducer[V]) Initialize(v V) V  { return v }
func (sumReducer[V]) Update(agg, v V) V { return agg + v }
func (sumReducer[V]) Finalize(agg V) V  { return agg }

// Sum adds record values per window.
func Sum[V Number]() Reducer[V, V, V] {
	return sumReducer[V]{}
}

type minReducer[V constraints.Ordered] struct{}

func (minReducer[V]) Initialize(v V) V { return v }
func (minReducer[V]) Update(agg, v V) V {
	if v < agg {
		return v
	}
	return agg
}
func (minReducer[V]) Finalize(agg V) V { return agg }

// Min keeps the smallest value per window.
func Min[V constraints.Ordered]() Reducer[V, V, V] {
	return minReducer[V]{}
}

type maxReducer[V constraints.Ordered] struct{}

func (maxReducer[V]) Initialize(v V) V { return v }
func (maxReducer[V]) Update(agg, v V) V {
	if v > agg {
		return v
	}
	return agg
}
func (maxReducer[V]) Finalize(agg V) V { return agg }

// Max keeps the largest value per window.
func Max[V constraints.Ordered]() Reducer[V, V, V] {
	return maxReducer[V]{}
}

type foldReducer[V, S, R any] struct {
	initialize func(V) S
	update     func(S, V) S
	finalize   func(S) R
}

func (f foldReducer[V, S, R]) Initialize(v V) S    { return f.initialize(v) }
func (f foldReducer[V, S, R]) Update(agg S, v V) S { return f.update(agg, v) }
func (f foldReducer[V, S, R]) Finalize(agg S) R    { return f.finalize(agg) }

// Fold builds a reducer from plain functions for arbitrary aggregations.
func Fold[V, S, R any](initialize func(V) S, update func(S, V) S, finalize func(S) R) Reducer[V, S, R] {
	return foldReducer[V, S, R]{initialize: initialize, update: update, finalize: finalize}
}
