package rivulet

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/multierr"

	"github.com/rivulet-io/rivulet/changelog"
	"github.com/rivulet-io/rivulet/checkpoint"
	"github.com/rivulet-io/rivulet/metrics"
	"github.com/rivulet-io/rivulet/recovery"
	"github.com/rivulet-io/rivulet/state"
)

const processAttempts = 3

// Task owns one assigned (topic, partition): its state store backends, their
// changelog writers, the checkpoint coordinator, and the recovery manager.
// All methods run on the worker goroutine that owns the partition.
type Task struct {
	topic     string
	partition int32

	backends    map[string]state.Backend
	writers     map[string]*changelog.Writer
	changelogs  map[string]checkpoint.TopicPartition
	coordinator *checkpoint.Coordinator
	recovery    *recovery.Manager
	file        *checkpoint.File

	pc        *PartitionContext
	processor Processor

	deadLetters DeadLetterSink
	log         zerolog.Logger
	metrics     *metrics.Metrics
}

// DeadLetterSink receives records that failed with a dead-letter error.
type DeadLetterSink interface {
	Send(ctx context.Context, rec Record, cause error) error
}

// Recover replays changelogs until every store matches its changelog end
// offset, then builds the processor. Records must not be delivered before
// Recover returns nil.
func (t *Task) Recover(ctx context.Context, init InitProcessor) error {
	fileOffsets, err := t.file.Read()
	if err != nil {
		// A torn checkpoint file is not trusted: recovery falls back to the
		// positions recorded inside the stores.
		t.log.Warn().Err(err).Msg("checkpoint file unreadable, ignoring it")
		fileOffsets = nil
	}

	stores := make(map[string]recovery.Store, len(t.backends))
	for name, backend := range t.backends {
		stores[name] = backend
	}
	if err := t.recovery.Recover(ctx, stores, t.changelogs, fileOffsets); err != nil {
		return err
	}

	processor, err := init(t.pc)
	if err != nil {
		return fmt.Errorf("init processor for %s-%d: %w", t.topic, t.partition, err)
	}
	t.processor = processor
	return nil
}

// Process runs one record through the processor inside a fresh set of
// transactions. A failed attempt rolls back entirely and retries from the
// top; a dead-letter failure routes the record aside instead of failing the
// partition.
func (t *Task) Process(ctx context.Context, rec Record) error {
	bo := backoff.NewExponentialBackOff()
	var err error
	for attempt := 0; attempt < processAttempts; attempt++ {
		if attempt > 0 {
			// A delivery failure poisons the store's changelog writer until
			// it is reset; the rolled-back attempt's appends are absorbed by
			// changelog compaction.
			for _, writer := range t.writers {
				writer.Reset()
			}
			select {
			case <-time.After(bo.NextBackOff()):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err = t.processOnce(ctx, rec)
		if err == nil {
			t.coordinator.MarkProcessed(rec.Offset)
			t.metrics.RecordsProcessed.WithLabelValues(t.topic).Inc()
			return nil
		}
		if IsDeadLetter(err) {
			break
		}
		t.log.Warn().Err(err).Int64("offset", rec.Offset).Int("attempt", attempt+1).Msg("record processing failed")
	}

	if IsDeadLetter(err) && t.deadLetters != nil {
		if dlqErr := t.deadLetters.Send(ctx, rec, err); dlqErr != nil {
			return fmt.Errorf("dead-letter record at offset %d: %w", rec.Offset, dlqErr)
		}
		t.log.Warn().Err(err).Int64("offset", rec.Offset).Msg("record routed to dead-letter topic")
		t.coordinator.MarkProcessed(rec.Offset)
		return nil
	}
	return fmt.Errorf("process record at %s-%d offset %d: %w", t.topic, t.partition, rec.Offset, err)
}

func (t *Task) processOnce(ctx context.Context, rec Record) error {
	if err := t.processor.Process(ctx, t.pc, rec); err != nil {
		t.pc.rollbackTxns()
		return err
	}
	return t.pc.commitTxns(ctx)
}

// MaybeCommit runs a checkpoint cycle if a commit trigger fired.
func (t *Task) MaybeCommit(ctx context.Context) error {
	return t.coordinator.MaybeCommit(ctx)
}

// Sweep runs the registered timer-driven hooks, each in its own transaction.
func (t *Task) Sweep(ctx context.Context) error {
	for _, hook := range t.pc.sweeps {
		backend, ok := t.backends[hook.store]
		if !ok {
			return fmt.Errorf("sweep hook references unknown store %q", hook.store)
		}
		txn, err := backend.Begin()
		if err != nil {
			return err
		}
		if err := hook.fn(txn); err != nil {
			txn.Rollback()
			return fmt.Errorf("sweep store %q: %w", hook.store, err)
		}
		if err := txn.Commit(ctx); err != nil {
			return fmt.Errorf("commit sweep on store %q: %w", hook.store, err)
		}
		t.coordinator.MarkDirty()
	}
	return nil
}

// releaseStores closes every backend without committing, for teardown when
// an assignment fails partway through.
func (t *Task) releaseStores() {
	for name, backend := range t.backends {
		if err := backend.Close(); err != nil {
			t.log.Error().Err(err).Str("store", name).Msg("close store failed")
		}
	}
}

// Revoke abandons any pending checkpoint cycle and releases store resources.
// The next owner of the partition recovers from the last committed
// checkpoint.
func (t *Task) Revoke(ctx context.Context) error {
	t.recovery.Revoke()
	t.pc.rollbackTxns()
	t.coordinator.Abandon()

	var errs error
	for name, backend := range t.backends {
		if err := backend.Close(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("close store %s: %w", name, err))
		}
	}
	t.recovery.Released()
	return errs
}

// Close commits a final checkpoint and releases resources, for clean
// shutdown as opposed to revocation.
func (t *Task) Close(ctx context.Context) error {
	var errs error
	if err := t.coordinator.Close(ctx); err != nil {
		errs = multierr.Append(errs, err)
	}
	for name, backend := range t.backends {
		if err := backend.Close(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("close store %s: %w", name, err))
		}
	}
	return errs
}

// deadLetterProducer publishes failed records to a dead-letter topic on the
// shared producer client. The record keeps its source partition; the
// dead-letter topic must have at least as many partitions as the source.
type deadLetterProducer struct {
	topic    string
	producer changelog.Producer
}

func (d *deadLetterProducer) Send(ctx context.Context, rec Record, cause error) error {
	result := make(chan error, 1)
	d.producer.Produce(ctx, &kgo.Record{
		Topic:     d.topic,
		Partition: rec.Partition,
		Key:       rec.Key,
		Value:     rec.Value,
		Headers: []kgo.RecordHeader{
			{Key: "error", Value: []byte(cause.Error())},
			{Key: "source-topic", Value: []byte(rec.Topic)},
			{Key: "source-offset", Value: []byte(fmt.Sprintf("%d", rec.Offset))},
		},
	}, func(_ *kgo.Record, err error) {
		result <- err
	})
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
