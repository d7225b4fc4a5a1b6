// Package recovery rebuilds state stores from their changelog partitions when
// a partition is assigned, deciding per store between skipping replay,
// replaying only the gap, or wiping and replaying from the start.
package recovery

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/rivulet-io/rivulet/checkpoint"
	"github.com/rivulet-io/rivulet/metrics"
	"github.com/rivulet-io/rivulet/state"
)

// Phase is the recovery lifecycle of one partition.
type Phase int

const (
	PhaseUnassigned Phase = iota
	PhaseRecovering
	PhaseReady
	PhaseRevoking
)

func (p Phase) String() string {
	switch p {
	case PhaseUnassigned:
		return "unassigned"
	case PhaseRecovering:
		return "recovering"
	case PhaseReady:
		return "ready"
	case PhaseRevoking:
		return "revoking"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// ReplaySource reads a changelog partition, typically changelog.Reader.
type ReplaySource interface {
	EndOffset(ctx context.Context, topic string, partition int32) (int64, error)
	Replay(ctx context.Context, topic string, partition int32, start, end int64, apply func(key, value []byte, offset int64) error) (int64, error)
}

// Store is the slice of a state store backend that recovery operates on.
type Store interface {
	Name() string
	Persistent() bool
	Position() (int64, bool, error)
	SetPosition(offset int64) error
	Apply(key, value []byte) error
	Flush(ctx context.Context) (uint64, error)
	Wipe() error
}

// Manager drives recovery for one partition. It is used by the partition's
// worker goroutine only; concurrent partitions get independent managers.
type Manager struct {
	partition int32
	source    ReplaySource
	log       zerolog.Logger
	metrics   *metrics.Metrics

	phase Phase
}

func NewManager(partition int32, source ReplaySource, logger zerolog.Logger, m *metrics.Metrics) *Manager {
	if m == nil {
		m = metrics.Nop()
	}
	return &Manager{
		partition: partition,
		source:    source,
		log: logger.With().
			Str("component", "recovery").
			Int32("partition", partition).
			Logger(),
		metrics: m,
	}
}

func (m *Manager) Phase() Phase { return m.phase }

// Recover brings every store up to its changelog's end offset. Checkpoint
// offsets from the task's checkpoint file cross-check the position recorded
// inside each store. Processing must not start until Recover returns nil.
func (m *Manager) Recover(ctx context.Context, stores map[string]Store, changelogs map[string]checkpoint.TopicPartition, fileOffsets map[checkpoint.TopicPartition]int64) error {
	m.phase = PhaseRecovering

	for name, store := range stores {
		tp, logged := changelogs[name]
		if !logged {
			continue
		}
		fileOffset, hasFile := fileOffsets[tp]
		if hasFile && fileOffset == checkpoint.OffsetUnknown {
			hasFile = false
		}
		if err := m.recoverStore(ctx, store, tp, fileOffset, hasFile); err != nil {
			m.phase = PhaseUnassigned
			return fmt.Errorf("recover store %s: %w", name, err)
		}
	}

	m.phase = PhaseReady
	return nil
}

func (m *Manager) recoverStore(ctx context.Context, store Store, tp checkpoint.TopicPartition, fileOffset int64, hasFile bool) error {
	begin := time.Now()
	log := m.log.With().Str("store", store.Name()).Str("changelog", tp.String()).Logger()

	start, err := m.replayStart(log, store, fileOffset, hasFile)
	if err != nil {
		return err
	}

	end, err := m.endOffset(ctx, tp)
	if err != nil {
		return err
	}

	if start >= end {
		log.Info().Int64("position", start-1).Msg("store already consistent, skipping replay")
		return nil
	}

	applied, err := m.source.Replay(ctx, tp.Topic, tp.Partition, start, end, func(key, value []byte, offset int64) error {
		return store.Apply(key, value)
	})
	m.metrics.RestoreRecords.Add(float64(applied))
	if err != nil {
		return err
	}

	if err := store.SetPosition(end - 1); err != nil {
		return err
	}
	if _, err := store.Flush(ctx); err != nil {
		return fmt.Errorf("flush after replay: %w", err)
	}

	m.metrics.RestoreDuration.Observe(time.Since(begin).Seconds())
	log.Info().
		Int64("records", applied).
		Int64("position", end-1).
		Dur("took", time.Since(begin)).
		Msg("store restored")
	return nil
}

// replayStart decides where replay begins. The position stored inside the
// store moves atomically with its data, so it is the source of truth; the
// checkpoint file only detects a store that lost data after the checkpoint
// was written.
func (m *Manager) replayStart(log zerolog.Logger, store Store, fileOffset int64, hasFile bool) (int64, error) {
	if !store.Persistent() {
		if err := store.Wipe(); err != nil {
			return 0, err
		}
		log.Info().Msg("volatile store, replaying changelog from start")
		return 0, nil
	}

	pos, known, err := store.Position()
	if err != nil {
		if state.IsCorruption(err) {
			log.Warn().Err(err).Msg("store corrupted, wiping and replaying from start")
			if werr := store.Wipe(); werr != nil {
				return 0, werr
			}
			return 0, nil
		}
		return 0, err
	}

	switch {
	case !known && hasFile:
		// The checkpoint file promises state the store does not have.
		log.Warn().Int64("checkpoint", fileOffset).Msg("store behind checkpoint with no position, wiping")
		if err := store.Wipe(); err != nil {
			return 0, err
		}
		return 0, nil
	case !known:
		return 0, nil
	case hasFile && pos < fileOffset:
		log.Warn().
			Int64("position", pos).
			Int64("checkpoint", fileOffset).
			Msg("store position behind checkpoint, wiping")
		if err := store.Wipe(); err != nil {
			return 0, err
		}
		return 0, nil
	default:
		return pos + 1, nil
	}
}

// endOffset fetches the changelog high watermark with backoff; broker
// unavailability during a rebalance is common and transient.
func (m *Manager) endOffset(ctx context.Context, tp checkpoint.TopicPartition) (int64, error) {
	var end int64
	op := func() error {
		var err error
		end, err = m.source.EndOffset(ctx, tp.Topic, tp.Partition)
		return err
	}
	policy := backoff.WithContext(backoff.NewExponentialBackOff(
		backoff.WithMaxElapsedTime(time.Minute),
	), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return 0, fmt.Errorf("changelog end offset for %s: %w", tp, err)
	}
	return end, nil
}

// Revoke marks the partition as leaving service. No new mutations may be
// accepted after this; in-flight replay must be cancelled via its context.
func (m *Manager) Revoke() {
	m.phase = PhaseRevoking
}

// Released completes revocation once store resources are closed.
func (m *Manager) Released() {
	m.phase = PhaseUnassigned
}
