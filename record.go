// Package rivulet is a stateful stream-processing engine over Kafka-style
// partitioned logs: per-partition keyed state stores backed by compacted
// changelog topics, checkpointed offset commits, changelog-based recovery on
// rebalance, and windowed aggregation on top of the stores.
package rivulet

import (
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
)

// TimestampMode selects which timestamp drives windowing.
type TimestampMode int

const (
	// EventTime uses the record's producer timestamp.
	EventTime TimestampMode = iota
	// IngestTime stamps records when the worker polls them.
	IngestTime
)

// Record is one input record as seen by processors. Timestamp is Unix
// milliseconds.
type Record struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Timestamp int64
}

func fromKgo(rec *kgo.Record, mode TimestampMode, now func() time.Time) Record {
	ts := rec.Timestamp.UnixMilli()
	if mode == IngestTime {
		ts = now().UnixMilli()
	}
	return Record{
		Topic:     rec.Topic,
		Partition: rec.Partition,
		Offset:    rec.Offset,
		Key:       rec.Key,
		Value:     rec.Value,
		Timestamp: ts,
	}
}
