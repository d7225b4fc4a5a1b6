package recovery

import (
	"context"
	"fmt"
	"testing"

	"github.com/alecthomas/assert/v2"

	"github.com/rivulet-io/rivulet/checkpoint"
	"github.com/rivulet-io/rivulet/pkg/log"
	"github.com/rivulet-io/rivulet/state"
	"github.com/rivulet-io/rivulet/state/memory"
)

type fakeSource struct {
	end     int64
	endErr  error
	records []replayRecord
	replays []replayCall
}

type replayRecord struct {
	key, value []byte
	offset     int64
}

type replayCall struct {
	start, end int64
}

func (s *fakeSource) EndOffset(context.Context, string, int32) (int64, error) {
	if s.endErr != nil {
		return 0, s.endErr
	}
	return s.end, nil
}

func (s *fakeSource) Replay(_ context.Context, _ string, _ int32, start, end int64, apply func(key, value []byte, offset int64) error) (int64, error) {
	s.replays = append(s.replays, replayCall{start: start, end: end})
	var applied int64
	for _, r := range s.records {
		if r.offset < start || r.offset >= end {
			continue
		}
		if err := apply(r.key, r.value, r.offset); err != nil {
			return applied, err
		}
		applied++
	}
	return applied, nil
}

type fakeStore struct {
	name       string
	persistent bool
	position   int64
	positioned bool
	posErr     error

	data    map[string][]byte
	wipes   int
	flushes int
}

func newFakeStore(name string, persistent bool) *fakeStore {
	return &fakeStore{name: name, persistent: persistent, data: make(map[string][]byte)}
}

func (s *fakeStore) Name() string     { return s.name }
func (s *fakeStore) Persistent() bool { return s.persistent }

func (s *fakeStore) Position() (int64, bool, error) {
	if s.posErr != nil {
		return 0, false, s.posErr
	}
	return s.position, s.positioned, nil
}

func (s *fakeStore) SetPosition(offset int64) error {
	s.position = offset
	s.positioned = true
	return nil
}

func (s *fakeStore) Apply(key, value []byte) error {
	if value == nil {
		delete(s.data, string(key))
		return nil
	}
	s.data[string(key)] = value
	return nil
}

func (s *fakeStore) Flush(context.Context) (uint64, error) {
	s.flushes++
	return uint64(s.flushes), nil
}

func (s *fakeStore) Wipe() error {
	s.wipes++
	s.data = make(map[string][]byte)
	s.position = 0
	s.positioned = false
	s.posErr = nil
	return nil
}

var changelogTP = checkpoint.TopicPartition{Topic: "app-counts-changelog", Partition: 1}

func runRecovery(t *testing.T, source *fakeSource, store *fakeStore, fileOffsets map[checkpoint.TopicPartition]int64) *Manager {
	t.Helper()
	m := NewManager(1, source, *log.Nop(), nil)
	err := m.Recover(context.Background(),
		map[string]Store{"counts": store},
		map[string]checkpoint.TopicPartition{"counts": changelogTP},
		fileOffsets)
	assert.NoError(t, err)
	assert.Equal(t, PhaseReady, m.Phase())
	return m
}

func TestRecoverFreshStore(t *testing.T) {
	source := &fakeSource{
		end: 3,
		records: []replayRecord{
			{key: []byte("a"), value: []byte("1"), offset: 0},
			{key: []byte("b"), value: []byte("2"), offset: 1},
			{key: []byte("a"), value: nil, offset: 2}, // tombstone wins
		},
	}
	store := newFakeStore("counts", true)

	runRecovery(t, source, store, nil)

	assert.Equal(t, []replayCall{{start: 0, end: 3}}, source.replays)
	assert.Equal(t, map[string][]byte{"b": []byte("2")}, store.data)
	assert.Equal(t, int64(2), store.position)
	assert.Equal(t, 1, store.flushes)
	assert.Equal(t, 0, store.wipes)
}

func TestRecoverSkipsConsistentStore(t *testing.T) {
	source := &fakeSource{end: 5}
	store := newFakeStore("counts", true)
	assert.NoError(t, store.SetPosition(4))

	runRecovery(t, source, store, map[checkpoint.TopicPartition]int64{changelogTP: 4})

	assert.Equal(t, 0, len(source.replays))
	assert.Equal(t, 0, store.wipes)
	assert.Equal(t, 0, store.flushes)
}

func TestRecoverReplaysGapOnly(t *testing.T) {
	source := &fakeSource{
		end: 6,
		records: []replayRecord{
			{key: []byte("old"), value: []byte("x"), offset: 2},
			{key: []byte("new"), value: []byte("y"), offset: 4},
		},
	}
	store := newFakeStore("counts", true)
	assert.NoError(t, store.SetPosition(3))

	runRecovery(t, source, store, map[checkpoint.TopicPartition]int64{changelogTP: 3})

	assert.Equal(t, []replayCall{{start: 4, end: 6}}, source.replays)
	assert.Equal(t, map[string][]byte{"new": []byte("y")}, store.data)
	assert.Equal(t, int64(5), store.position)
	assert.Equal(t, 0, store.wipes)
}

func TestRecoverWipes(t *testing.T) {
	t.Run("volatile store always replays from start", func(t *testing.T) {
		source := &fakeSource{end: 2, records: []replayRecord{
			{key: []byte("a"), value: []byte("1"), offset: 0},
			{key: []byte("b"), value: []byte("2"), offset: 1},
		}}
		store := newFakeStore("cache", false)
		assert.NoError(t, store.SetPosition(1)) // stale claim, not trusted

		runRecovery(t, source, store, nil)
		assert.Equal(t, 1, store.wipes)
		assert.Equal(t, []replayCall{{start: 0, end: 2}}, source.replays)
	})

	t.Run("position behind checkpoint file", func(t *testing.T) {
		source := &fakeSource{end: 10}
		store := newFakeStore("counts", true)
		assert.NoError(t, store.SetPosition(3))

		runRecovery(t, source, store, map[checkpoint.TopicPartition]int64{changelogTP: 7})
		assert.Equal(t, 1, store.wipes)
		assert.Equal(t, []replayCall{{start: 0, end: 10}}, source.replays)
	})

	t.Run("no position but checkpoint file promises one", func(t *testing.T) {
		source := &fakeSource{end: 4}
		store := newFakeStore("counts", true)

		runRecovery(t, source, store, map[checkpoint.TopicPartition]int64{changelogTP: 3})
		assert.Equal(t, 1, store.wipes)
		assert.Equal(t, []replayCall{{start: 0, end: 4}}, source.replays)
	})

	t.Run("corrupt position metadata", func(t *testing.T) {
		source := &fakeSource{end: 1, records: []replayRecord{
			{key: []byte("a"), value: []byte("1"), offset: 0},
		}}
		store := newFakeStore("counts", true)
		store.posErr = &state.CorruptionError{Store: "counts", Err: fmt.Errorf("bad block")}

		runRecovery(t, source, store, nil)
		assert.Equal(t, 1, store.wipes)
		assert.Equal(t, map[string][]byte{"a": []byte("1")}, store.data)
	})
}

func TestRecoverUnknownFileOffsetIgnored(t *testing.T) {
	source := &fakeSource{end: 2}
	store := newFakeStore("counts", true)
	assert.NoError(t, store.SetPosition(1))

	// OffsetUnknown entries carry no position claim; the store is trusted.
	runRecovery(t, source, store, map[checkpoint.TopicPartition]int64{changelogTP: checkpoint.OffsetUnknown})
	assert.Equal(t, 0, store.wipes)
	assert.Equal(t, 0, len(source.replays))
}

func TestRecoverSkipsUnloggedStores(t *testing.T) {
	source := &fakeSource{end: 5}
	store := newFakeStore("scratch", true)

	m := NewManager(1, source, *log.Nop(), nil)
	err := m.Recover(context.Background(),
		map[string]Store{"scratch": store},
		map[string]checkpoint.TopicPartition{},
		nil)
	assert.NoError(t, err)
	assert.Equal(t, 0, len(source.replays))
}

// sourceAppender records changelog appends into a fakeSource so a later
// recovery can replay exactly what a live store wrote.
type sourceAppender struct {
	source *fakeSource
}

func (a *sourceAppender) Append(key, value []byte) error {
	var v []byte
	if value != nil {
		v = append([]byte(nil), value...)
	}
	a.source.records = append(a.source.records, replayRecord{
		key:    append([]byte(nil), key...),
		value:  v,
		offset: a.source.end,
	})
	a.source.end++
	return nil
}

func TestRecoveredStoreMatchesUninterruptedProcessing(t *testing.T) {
	ctx := context.Background()
	source := &fakeSource{}
	live, err := memory.New()("counts", 1, &sourceAppender{source: source})
	assert.NoError(t, err)

	txn, err := live.Begin()
	assert.NoError(t, err)
	assert.NoError(t, txn.Set([]byte("a"), []byte("1")))
	assert.NoError(t, txn.Set([]byte("b"), []byte("2")))
	assert.NoError(t, txn.Commit(ctx))

	txn, err = live.Begin()
	assert.NoError(t, err)
	assert.NoError(t, txn.Set([]byte("a"), []byte("3")))
	assert.NoError(t, txn.Delete([]byte("b")))
	assert.NoError(t, txn.Set([]byte("c"), []byte("4")))
	assert.NoError(t, txn.Commit(ctx))

	// A rolled-back transaction reaches neither the store nor the changelog.
	txn, err = live.Begin()
	assert.NoError(t, err)
	assert.NoError(t, txn.Set([]byte("d"), []byte("5")))
	assert.NoError(t, txn.Rollback())

	contents := func(s state.Backend) map[string]string {
		out := make(map[string]string)
		for k, v := range s.All() {
			out[string(k)] = string(v)
		}
		return out
	}
	want := contents(live)
	assert.Equal(t, map[string]string{"a": "3", "c": "4"}, want)

	// The replacement after a crash starts empty and rebuilds from the
	// changelog alone.
	restored, err := memory.New()("counts", 1, nil)
	assert.NoError(t, err)

	m := NewManager(1, source, *log.Nop(), nil)
	recoverRestored := func() {
		t.Helper()
		err := m.Recover(ctx,
			map[string]Store{"counts": restored},
			map[string]checkpoint.TopicPartition{"counts": changelogTP},
			nil)
		assert.NoError(t, err)
	}

	recoverRestored()
	assert.Equal(t, want, contents(restored))
	pos, ok, err := restored.Position()
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, source.end-1, pos)

	// Replaying the same changelog again lands on the identical state.
	recoverRestored()
	assert.Equal(t, want, contents(restored))
}

func TestRecoverLifecycle(t *testing.T) {
	m := NewManager(1, &fakeSource{}, *log.Nop(), nil)
	assert.Equal(t, PhaseUnassigned, m.Phase())

	assert.NoError(t, m.Recover(context.Background(), nil, nil, nil))
	assert.Equal(t, PhaseReady, m.Phase())

	m.Revoke()
	assert.Equal(t, PhaseRevoking, m.Phase())
	m.Released()
	assert.Equal(t, PhaseUnassigned, m.Phase())
}
