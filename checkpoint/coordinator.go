package checkpoint

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/zoobzio/clockz"
	"go.uber.org/multierr"

	"github.com/rivulet-io/rivulet/metrics"
)

// State tracks a partition's position in the commit cycle.
type State int

const (
	// StateClean means everything processed so far is durable and committed.
	StateClean State = iota
	// StateDirty means at least one store mutation is not yet checkpointed.
	StateDirty
	// StateFlushing means a commit cycle is in progress.
	StateFlushing
)

func (s State) String() string {
	switch s {
	case StateClean:
		return "clean"
	case StateDirty:
		return "dirty"
	case StateFlushing:
		return "flushing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Store is the slice of a state store the coordinator needs.
type Store interface {
	Name() string
	Persistent() bool
	Flush(ctx context.Context) (uint64, error)
	SetPosition(offset int64) error
}

// ChangelogWriter is the flush barrier for a store's changelog partition.
type ChangelogWriter interface {
	Flush(ctx context.Context) error
	LastOffset() (int64, bool)
	Reset()
}

// OffsetCommitter commits the source partition's consumer offset. Implemented
// by the worker on top of the group client.
type OffsetCommitter interface {
	CommitOffset(ctx context.Context, topic string, partition int32, offset int64) error
}

type registeredStore struct {
	store     Store
	writer    ChangelogWriter // nil when changelogging is disabled
	changelog TopicPartition
}

// Coordinator owns the commit cycle for one source partition: flush every
// dirty store, then commit the consumer offset, then record changelog
// positions in the checkpoint file. The ordering guarantees that a committed
// offset never gets ahead of durable state.
//
// All methods are called from the partition's worker goroutine; no locking.
type Coordinator struct {
	topic     string
	partition int32
	committer OffsetCommitter
	file      *File
	clock     clockz.Clock
	log       zerolog.Logger
	metrics   *metrics.Metrics

	interval   time.Duration
	maxRecords int

	state           State
	stores          []registeredStore
	processedOffset int64 // last fully processed source offset
	recordsSince    int
	lastCommit      time.Time
}

type CoordinatorConfig struct {
	Topic          string
	Partition      int32
	File           *File
	Committer      OffsetCommitter
	Clock          clockz.Clock
	Logger         zerolog.Logger
	Metrics        *metrics.Metrics
	CommitInterval time.Duration
	CommitRecords  int
}

func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	clock := cfg.Clock
	if clock == nil {
		clock = clockz.RealClock
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.Nop()
	}
	return &Coordinator{
		topic:     cfg.Topic,
		partition: cfg.Partition,
		committer: cfg.Committer,
		file:      cfg.File,
		clock:     clock,
		log: cfg.Logger.With().
			Str("component", "checkpoint").
			Str("topic", cfg.Topic).
			Int32("partition", cfg.Partition).
			Logger(),
		metrics:         m,
		interval:        cfg.CommitInterval,
		maxRecords:      cfg.CommitRecords,
		processedOffset: -1,
		lastCommit:      clock.Now(),
	}
}

func (c *Coordinator) RegisterStore(store Store, writer ChangelogWriter, changelog TopicPartition) {
	c.stores = append(c.stores, registeredStore{store: store, writer: writer, changelog: changelog})
}

func (c *Coordinator) State() State { return c.state }

// MarkProcessed records that the source record at offset has been fully
// processed and its mutations sit in local stores and in-flight changelog
// appends.
func (c *Coordinator) MarkProcessed(offset int64) {
	c.processedOffset = offset
	c.recordsSince++
	if c.state == StateClean {
		c.state = StateDirty
	}
}

// MarkDirty flags store mutations that are not tied to a new source offset,
// such as timer-driven window sweeps.
func (c *Coordinator) MarkDirty() {
	if c.state == StateClean {
		c.state = StateDirty
	}
}

// ShouldCommit reports whether either commit trigger has fired: the commit
// interval elapsed or the record-count threshold reached.
func (c *Coordinator) ShouldCommit() bool {
	if c.state != StateDirty {
		return false
	}
	if c.maxRecords > 0 && c.recordsSince >= c.maxRecords {
		return true
	}
	return c.interval > 0 && c.clock.Now().Sub(c.lastCommit) >= c.interval
}

// MaybeCommit runs a commit cycle if a trigger has fired.
func (c *Coordinator) MaybeCommit(ctx context.Context) error {
	if !c.ShouldCommit() {
		return nil
	}
	return c.Commit(ctx)
}

// Commit runs one full cycle: changelog flush barrier, store positions, store
// flushes, offset commit, checkpoint file. Any failure aborts the cycle
// without advancing the committed offset; the already-flushed changelog
// records are harmless under last-write-wins and the cycle retries on the
// next trigger.
func (c *Coordinator) Commit(ctx context.Context) error {
	if c.state != StateDirty {
		return nil
	}
	c.state = StateFlushing
	commitOffset := c.processedOffset

	if err := c.runCycle(ctx, commitOffset); err != nil {
		c.metrics.CheckpointFailures.Inc()
		c.state = StateDirty
		for _, s := range c.stores {
			if s.writer != nil {
				s.writer.Reset()
			}
		}
		return err
	}

	c.metrics.CheckpointCommits.Inc()
	c.recordsSince = 0
	c.lastCommit = c.clock.Now()
	c.state = StateClean
	c.log.Debug().Int64("offset", commitOffset).Msg("checkpoint committed")
	return nil
}

func (c *Coordinator) runCycle(ctx context.Context, commitOffset int64) error {
	// Barrier: every changelog append must be acknowledged before local
	// flushes record a position that includes it.
	for _, s := range c.stores {
		if s.writer == nil {
			continue
		}
		if err := s.writer.Flush(ctx); err != nil {
			return fmt.Errorf("changelog flush for store %s: %w", s.store.Name(), err)
		}
		if offset, ok := s.writer.LastOffset(); ok {
			if err := s.store.SetPosition(offset); err != nil {
				return fmt.Errorf("set position for store %s: %w", s.store.Name(), err)
			}
		}
	}

	// Flush every store, collecting errors rather than stopping at the
	// first so all stores get a chance to persist.
	var flushErr error
	for _, s := range c.stores {
		if _, err := s.store.Flush(ctx); err != nil {
			flushErr = multierr.Append(flushErr, fmt.Errorf("flush store %s: %w", s.store.Name(), err))
		}
	}
	if flushErr != nil {
		return flushErr
	}

	// Offset commits are "next offset to consume". A cycle triggered before
	// any record was processed (sweep-only dirt) has no offset to commit.
	if commitOffset >= 0 {
		if err := c.committer.CommitOffset(ctx, c.topic, c.partition, commitOffset+1); err != nil {
			return fmt.Errorf("commit offset: %w", err)
		}
	}

	return c.writeCheckpointFile()
}

func (c *Coordinator) writeCheckpointFile() error {
	if c.file == nil {
		return nil
	}
	offsets := make(map[TopicPartition]int64)
	for _, s := range c.stores {
		if s.writer == nil || !s.store.Persistent() {
			continue
		}
		if offset, ok := s.writer.LastOffset(); ok {
			offsets[s.changelog] = offset
		} else {
			offsets[s.changelog] = OffsetUnknown
		}
	}
	if len(offsets) == 0 {
		return nil
	}
	if err := c.file.Write(offsets); err != nil {
		return fmt.Errorf("write checkpoint file: %w", err)
	}
	return nil
}

// Abandon discards an in-progress or pending cycle without committing, used
// when the partition is revoked. The next owner resumes from the last
// committed checkpoint.
func (c *Coordinator) Abandon() {
	if c.state != StateClean {
		c.log.Info().Int64("offset", c.processedOffset).Msg("abandoning checkpoint cycle")
	}
	c.state = StateClean
	c.recordsSince = 0
}

// Close attempts a final commit so a clean shutdown does not reprocess.
func (c *Coordinator) Close(ctx context.Context) error {
	if c.state != StateDirty {
		return nil
	}
	return c.Commit(ctx)
}
