package window

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/rivulet-io/rivulet/metrics"
	"github.com/rivulet-io/rivulet/state"
)

// Scope selects which watermark closes windows: the key's own maximum
// timestamp or the partition-wide maximum.
type Scope int

const (
	ScopePerKey Scope = iota
	ScopeGlobal
)

// ParseScope maps a configuration value to a Scope.
func ParseScope(s string) (Scope, error) {
	switch s {
	case "key":
		return ScopePerKey, nil
	case "global":
		return ScopeGlobal, nil
	default:
		return ScopePerKey, fmt.Errorf("unknown watermark scope %q", s)
	}
}

// Outcome reports what happened to a processed record. Lateness is a normal
// result, not an error.
type Outcome int

const (
	Accepted Outcome = iota
	Dropped
)

func (o Outcome) String() string {
	if o == Dropped {
		return "dropped"
	}
	return "accepted"
}

// Result is one closed window emitted downstream.
type Result[K, R any] struct {
	Key   K
	Span  Span
	Value R
}

// Aggregator maintains per-key time windows inside a window store. It holds
// no state of its own; everything lives in the store so crash recovery and
// partition migration need no aggregator cooperation.
type Aggregator[K, V, S, R any] struct {
	def     Def
	reducer Reducer[V, S, R]
	store   *Store[K, S]
	scope   Scope
	log     zerolog.Logger
	metrics *metrics.Metrics
}

func NewAggregator[K, V, S, R any](store *Store[K, S], def Def, reducer Reducer[V, S, R], scope Scope, logger zerolog.Logger, m *metrics.Metrics) *Aggregator[K, V, S, R] {
	if m == nil {
		m = metrics.Nop()
	}
	return &Aggregator[K, V, S, R]{
		def:     def,
		reducer: reducer,
		store:   store,
		scope:   scope,
		log: logger.With().
			Str("component", "window-aggregator").
			Str("store", store.Name()).
			Logger(),
		metrics: m,
	}
}

// Process applies one record inside the caller's transaction. It updates
// every open window the record falls into, advances the watermark, and
// returns the windows the advance closed, in end-then-key ascending order.
// A record whose windows are all closed is Dropped and counted, never
// aggregated; reopening an emitted window would break downstream exactly-once
// expectations.
func (a *Aggregator[K, V, S, R]) Process(txn state.Txn, key K, value V, ts int64) (Outcome, []Result[K, R], error) {
	watermark, err := a.watermark(txn, key)
	if err != nil {
		return Dropped, nil, err
	}
	if ts > watermark {
		watermark = ts
	}

	latestExpired, _, err := a.store.LatestExpired(txn, key)
	if err != nil {
		return Dropped, nil, err
	}

	spans, err := a.spansFor(txn, key, ts)
	if err != nil {
		return Dropped, nil, err
	}

	accepted := false
	for _, span := range spans {
		if a.def.Closed(span.End, watermark) || span.End <= latestExpired {
			continue
		}
		if err := a.update(txn, key, span, value); err != nil {
			return Dropped, nil, err
		}
		accepted = true
	}

	if err := a.advanceWatermark(txn, key, ts); err != nil {
		return Dropped, nil, err
	}

	results, err := a.expireKey(txn, key, watermark, latestExpired)
	if err != nil {
		return Dropped, nil, err
	}

	if !accepted {
		a.metrics.LateRecordsDropped.WithLabelValues(a.store.Name()).Inc()
		a.log.Debug().Int64("timestamp", ts).Int64("watermark", watermark).Msg("late record dropped")
		return Dropped, results, nil
	}
	return Accepted, results, nil
}

// spansFor computes the windows a record belongs to. Sliding windows are
// resolved against the store: the record joins every existing window that
// contains its timestamp plus its own record-aligned window.
func (a *Aggregator[K, V, S, R]) spansFor(txn state.Txn, key K, ts int64) ([]Span, error) {
	if a.def.Kind() != KindSliding {
		return a.def.WindowsFor(ts), nil
	}

	own := a.def.WindowsFor(ts)[0]
	entries, err := a.store.Windows(txn, key)
	if err != nil {
		return nil, err
	}

	spans := make([]Span, 0, len(entries)+1)
	ownExists := false
	for _, e := range entries {
		if e.Span.Contains(ts) {
			spans = append(spans, e.Span)
			if e.Span == own {
				ownExists = true
			}
		}
	}
	if !ownExists {
		spans = append(spans, own)
	}
	return spans, nil
}

func (a *Aggregator[K, V, S, R]) update(txn state.Txn, key K, span Span, value V) error {
	agg, found, err := a.store.Get(txn, key, span)
	if err != nil {
		return err
	}
	if found {
		agg = a.reducer.Update(agg, value)
	} else {
		agg = a.reducer.Initialize(value)
	}
	return a.store.Set(txn, key, span, agg)
}

func (a *Aggregator[K, V, S, R]) watermark(txn state.Txn, key K) (int64, error) {
	var (
		wm  int64
		err error
	)
	if a.scope == ScopeGlobal {
		wm, _, err = a.store.GlobalMaxTimestamp(txn)
	} else {
		wm, _, err = a.store.MaxTimestamp(txn, key)
	}
	return wm, err
}

func (a *Aggregator[K, V, S, R]) advanceWatermark(txn state.Txn, key K, ts int64) error {
	prev, ok, err := a.store.MaxTimestamp(txn, key)
	if err != nil {
		return err
	}
	if !ok || ts > prev {
		if err := a.store.SetMaxTimestamp(txn, key, ts); err != nil {
			return err
		}
	}

	prev, ok, err = a.store.GlobalMaxTimestamp(txn)
	if err != nil {
		return err
	}
	if !ok || ts > prev {
		return a.store.SetGlobalMaxTimestamp(txn, ts)
	}
	return nil
}

// expireKey closes and emits every window of one key that the watermark has
// passed. Windows are deleted on emission; the latest-expired marker is what
// prevents a late record from recreating and re-emitting them.
func (a *Aggregator[K, V, S, R]) expireKey(txn state.Txn, key K, watermark, latestExpired int64) ([]Result[K, R], error) {
	entries, err := a.store.Windows(txn, key)
	if err != nil {
		return nil, err
	}

	var results []Result[K, R]
	maxEnd := latestExpired
	for _, e := range entries {
		if !a.def.Closed(e.Span.End, watermark) {
			continue
		}
		if e.Span.End > latestExpired {
			results = append(results, Result[K, R]{Key: e.Key, Span: e.Span, Value: a.reducer.Finalize(e.Agg)})
		}
		if err := a.store.Delete(txn, key, e.Span); err != nil {
			return nil, err
		}
		if e.Span.End > maxEnd {
			maxEnd = e.Span.End
		}
	}
	if maxEnd > latestExpired {
		if err := a.store.SetLatestExpired(txn, key, maxEnd); err != nil {
			return nil, err
		}
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Span.End < results[j].Span.End })
	a.metrics.WindowsEmitted.WithLabelValues(a.store.Name()).Add(float64(len(results)))
	return results, nil
}

// Sweep closes windows across all keys of the partition under the current
// watermarks. Processing alone closes windows lazily as records arrive;
// Sweep exists for low-traffic stores whose keys would otherwise stay open
// indefinitely. Results are ordered by window end, then key bytes.
func (a *Aggregator[K, V, S, R]) Sweep(txn state.Txn) ([]Result[K, R], error) {
	entries, err := a.store.All(txn)
	if err != nil {
		return nil, err
	}

	type sortable struct {
		result   Result[K, R]
		keyBytes []byte
	}
	var closed []sortable
	latestByKey := make(map[string]int64)

	for _, e := range entries {
		kb, err := a.store.keySerde.Serializer(e.Key)
		if err != nil {
			return nil, fmt.Errorf("encode key: %w", err)
		}

		watermark, err := a.watermark(txn, e.Key)
		if err != nil {
			return nil, err
		}
		if !a.def.Closed(e.Span.End, watermark) {
			continue
		}

		latestExpired, _, err := a.store.LatestExpired(txn, e.Key)
		if err != nil {
			return nil, err
		}
		if prev, ok := latestByKey[string(kb)]; ok && prev > latestExpired {
			latestExpired = prev
		}

		if e.Span.End > latestExpired {
			closed = append(closed, sortable{
				result:   Result[K, R]{Key: e.Key, Span: e.Span, Value: a.reducer.Finalize(e.Agg)},
				keyBytes: kb,
			})
			latestByKey[string(kb)] = e.Span.End
		}
		if err := a.store.Delete(txn, e.Key, e.Span); err != nil {
			return nil, err
		}
	}

	for kb, end := range latestByKey {
		key, err := a.store.keySerde.Deserializer([]byte(kb))
		if err != nil {
			return nil, fmt.Errorf("decode key: %w", err)
		}
		if err := a.store.SetLatestExpired(txn, key, end); err != nil {
			return nil, err
		}
	}

	sort.Slice(closed, func(i, j int) bool {
		if closed[i].result.Span.End != closed[j].result.Span.End {
			return closed[i].result.Span.End < closed[j].result.Span.End
		}
		return bytes.Compare(closed[i].keyBytes, closed[j].keyBytes) < 0
	})

	results := make([]Result[K, R], 0, len(closed))
	for _, c := range closed {
		results = append(results, c.result)
	}
	a.metrics.WindowsEmitted.WithLabelValues(a.store.Name()).Add(float64(len(results)))
	return results, nil
}
