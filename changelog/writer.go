package changelog

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/rivulet-io/rivulet/metrics"
)

// Producer is the slice of the Kafka client the writer needs. The production
// client must be configured with a manual partitioner so Record.Partition is
// honored.
type Producer interface {
	Produce(ctx context.Context, r *kgo.Record, promise func(*kgo.Record, error))
}

// Writer appends state mutations to a single changelog partition. Appends are
// asynchronous; Flush is the barrier that waits for every outstanding append
// to be acknowledged before a checkpoint can advance.
//
// After a delivery failure the writer is poisoned: Append and Flush return the
// first error until Reset is called. The commit cycle that observes the error
// must abort without advancing offsets.
type Writer struct {
	topic     string
	partition int32
	producer  Producer
	log       zerolog.Logger
	metrics   *metrics.Metrics

	mu         sync.Mutex
	cond       *sync.Cond
	inflight   int
	lastOffset int64
	firstErr   error
}

func NewWriter(producer Producer, topic string, partition int32, logger zerolog.Logger, m *metrics.Metrics) *Writer {
	if m == nil {
		m = metrics.Nop()
	}
	w := &Writer{
		topic:      topic,
		partition:  partition,
		producer:   producer,
		metrics:    m,
		lastOffset: -1,
		log: logger.With().
			Str("component", "changelog-writer").
			Str("topic", topic).
			Int32("partition", partition).
			Logger(),
	}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// Append enqueues a changelog record. A nil value produces a tombstone.
func (w *Writer) Append(key, value []byte) error {
	w.mu.Lock()
	if w.firstErr != nil {
		err := w.firstErr
		w.mu.Unlock()
		return err
	}
	w.inflight++
	w.mu.Unlock()

	rec := &kgo.Record{
		Topic:     w.topic,
		Partition: w.partition,
		Key:       key,
		Value:     value,
	}
	w.producer.Produce(context.Background(), rec, w.onDelivery)
	w.metrics.ChangelogAppends.Inc()
	return nil
}

func (w *Writer) onDelivery(r *kgo.Record, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.inflight--
	if err != nil {
		if w.firstErr == nil {
			w.firstErr = err
			w.log.Error().Err(err).Msg("changelog append failed")
		}
	} else if r.Offset > w.lastOffset {
		w.lastOffset = r.Offset
	}
	w.cond.Broadcast()
}

// Flush blocks until all outstanding appends are acknowledged, then reports
// the first delivery error if any occurred.
func (w *Writer) Flush(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		w.mu.Lock()
		w.cond.Broadcast()
		w.mu.Unlock()
	})
	defer stop()

	w.mu.Lock()
	defer w.mu.Unlock()
	for w.inflight > 0 && ctx.Err() == nil {
		w.cond.Wait()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return w.firstErr
}

// LastOffset returns the highest acknowledged changelog offset, and false if
// nothing has been acknowledged yet.
func (w *Writer) LastOffset() (int64, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastOffset, w.lastOffset >= 0
}

// Reset clears a previous delivery error so the writer can be reused after
// the failed commit cycle has been rolled back.
func (w *Writer) Reset() {
	w.mu.Lock()
	w.firstErr = nil
	w.mu.Unlock()
}

var _ interface {
	Append(key, value []byte) error
} = (*Writer)(nil)
