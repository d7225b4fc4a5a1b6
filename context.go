package rivulet

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/rivulet-io/rivulet/state"
)

// PartitionContext is the view a processor gets of its partition: its stores,
// opened transactionally per record. Components address each other through
// the (topic, partition) identity carried here, never through back-pointers.
//
// It is used only from the partition's worker goroutine.
type PartitionContext struct {
	topic     string
	partition int32
	backends  map[string]state.Backend
	log       zerolog.Logger

	txns   map[string]state.Txn
	sweeps []sweepHook
}

type sweepHook struct {
	store string
	fn    func(txn state.Txn) error
}

func newPartitionContext(topic string, partition int32, backends map[string]state.Backend, log zerolog.Logger) *PartitionContext {
	return &PartitionContext{
		topic:     topic,
		partition: partition,
		backends:  backends,
		log:       log,
		txns:      make(map[string]state.Txn),
	}
}

func (pc *PartitionContext) Topic() string          { return pc.topic }
func (pc *PartitionContext) Partition() int32       { return pc.partition }
func (pc *PartitionContext) Logger() zerolog.Logger { return pc.log }

// Txn returns the current record's transaction on the named store, beginning
// one on first use. All stores touched while processing one record commit or
// roll back together.
func (pc *PartitionContext) Txn(store string) (state.Txn, error) {
	if txn, ok := pc.txns[store]; ok {
		return txn, nil
	}
	backend, ok := pc.backends[store]
	if !ok {
		return nil, fmt.Errorf("unknown store %q on partition %d", store, pc.partition)
	}
	txn, err := backend.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin transaction on store %q: %w", store, err)
	}
	pc.txns[store] = txn
	return txn, nil
}

// OnSweep registers a timer-driven hook against one store, typically a window
// aggregator's Sweep. Hooks run inside their own transaction between records.
func (pc *PartitionContext) OnSweep(store string, fn func(txn state.Txn) error) {
	pc.sweeps = append(pc.sweeps, sweepHook{store: store, fn: fn})
}

// commitTxns commits every transaction opened for the current record. The
// changelog append inside each commit happens before the local apply, so a
// failure here leaves no acknowledged-but-unlogged mutation.
func (pc *PartitionContext) commitTxns(ctx context.Context) error {
	for store, txn := range pc.txns {
		if err := txn.Commit(ctx); err != nil {
			pc.rollbackTxns()
			return fmt.Errorf("commit transaction on store %q: %w", store, err)
		}
		delete(pc.txns, store)
	}
	return nil
}

func (pc *PartitionContext) rollbackTxns() {
	for store, txn := range pc.txns {
		if err := txn.Rollback(); err != nil {
			pc.log.Warn().Err(err).Str("store", store).Msg("transaction rollback failed")
		}
		delete(pc.txns, store)
	}
}
