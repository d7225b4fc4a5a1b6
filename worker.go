package rivulet

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
	"github.com/zoobzio/clockz"
	"golang.org/x/sync/errgroup"

	"github.com/rivulet-io/rivulet/changelog"
	"github.com/rivulet-io/rivulet/checkpoint"
	"github.com/rivulet-io/rivulet/config"
	"github.com/rivulet-io/rivulet/metrics"
	"github.com/rivulet-io/rivulet/recovery"
	"github.com/rivulet-io/rivulet/state"
)

type workerState string

const (
	workerCreated        workerState = "created"
	workerAssigned       workerState = "assigned"
	workerRunning        workerState = "running"
	workerCloseRequested workerState = "close-requested"
	workerClosed         workerState = "closed"
)

type assignedOrRevoked struct {
	assigned map[string][]int32
	revoked  map[string][]int32
}

type taskKey struct {
	topic     string
	partition int32
}

// Worker drives one consumer group member: a state machine that reacts to
// partition assignment, recovers tasks, processes polled records in offset
// order per partition, and triggers checkpoint commits.
type Worker struct {
	cfg      config.Config
	client   *kgo.Client
	producer changelog.Producer
	topics   []string
	stores   []StoreDef
	builder  state.BackendBuilder
	init     InitProcessor
	tsMode   TimestampMode
	clock    clockz.Clock
	log      zerolog.Logger
	metrics  *metrics.Metrics

	state         workerState
	events        chan assignedOrRevoked
	newlyAssigned map[string][]int32
	newlyRevoked  map[string][]int32

	tasks map[taskKey]*Task

	closeRequested chan struct{}
	done           chan struct{}
	err            error

	lastSweep time.Time
}

func newWorker(cfg config.Config, producer changelog.Producer, topics []string, stores []StoreDef, builder state.BackendBuilder, init InitProcessor, tsMode TimestampMode, clock clockz.Clock, logger zerolog.Logger, m *metrics.Metrics) (*Worker, error) {
	w := &Worker{
		cfg:            cfg,
		producer:       producer,
		topics:         topics,
		stores:         stores,
		builder:        builder,
		init:           init,
		tsMode:         tsMode,
		clock:          clock,
		log:            logger.With().Str("component", "worker").Logger(),
		metrics:        m,
		state:          workerCreated,
		events:         make(chan assignedOrRevoked),
		tasks:          make(map[taskKey]*Task),
		closeRequested: make(chan struct{}, 1),
		done:           make(chan struct{}),
		lastSweep:      clock.Now(),
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.ApplicationID),
		kgo.ConsumeTopics(topics...),
		kgo.DisableAutoCommit(),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			w.events <- assignedOrRevoked{assigned: assigned}
		}),
		kgo.OnPartitionsRevoked(func(_ context.Context, _ *kgo.Client, revoked map[string][]int32) {
			w.events <- assignedOrRevoked{revoked: revoked}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create consumer: %w", err)
	}
	w.client = client
	return w, nil
}

// Run executes the worker loop until Close is called or a fatal error occurs.
func (w *Worker) Run() error {
	defer close(w.done)
	for {
		switch w.state {
		case workerCreated:
			w.handleCreated()
		case workerAssigned:
			w.handleAssigned()
		case workerRunning:
			w.handleRunning()
		case workerCloseRequested:
			w.handleCloseRequested()
		case workerClosed:
			return w.err
		}
	}
}

func (w *Worker) changeState(next workerState) {
	w.log.Info().Str("from", string(w.state)).Str("to", string(next)).Msg("worker state change")
	w.state = next
}

func (w *Worker) fail(err error) {
	if w.err == nil {
		w.err = err
	}
	w.changeState(workerCloseRequested)
}

func (w *Worker) handleCreated() {
	select {
	case ev := <-w.events:
		w.newlyAssigned = ev.assigned
		w.newlyRevoked = ev.revoked
		w.changeState(workerAssigned)
	case <-w.closeRequested:
		w.changeState(workerCloseRequested)
	}
}

func (w *Worker) handleAssigned() {
	ctx := context.Background()

	for topic, partitions := range w.newlyRevoked {
		for _, partition := range partitions {
			key := taskKey{topic: topic, partition: partition}
			task, ok := w.tasks[key]
			if !ok {
				continue
			}
			if err := task.Revoke(ctx); err != nil {
				w.log.Error().Err(err).Str("topic", topic).Int32("partition", partition).Msg("revoke failed")
			}
			delete(w.tasks, key)
		}
	}

	// Recover newly assigned partitions concurrently; each blocks only its
	// own partition's processing.
	recoverCtx, cancel := context.WithTimeout(ctx, w.cfg.RecoveryTimeout)
	defer cancel()

	g, gctx := errgroup.WithContext(recoverCtx)
	var created []*Task
	for topic, partitions := range w.newlyAssigned {
		for _, partition := range partitions {
			task, err := w.newTask(topic, partition)
			if err != nil {
				for _, c := range created {
					c.releaseStores()
				}
				w.fail(err)
				return
			}
			created = append(created, task)
			g.Go(func() error {
				return task.Recover(gctx, w.init)
			})
		}
	}
	if err := g.Wait(); err != nil {
		for _, c := range created {
			c.releaseStores()
		}
		w.fail(fmt.Errorf("recovery: %w", err))
		return
	}
	for _, task := range created {
		w.tasks[taskKey{topic: task.topic, partition: task.partition}] = task
	}

	w.newlyAssigned = nil
	w.newlyRevoked = nil
	if len(w.tasks) > 0 {
		w.changeState(workerRunning)
	} else {
		w.changeState(workerCreated)
	}
}

func (w *Worker) newTask(topic string, partition int32) (*Task, error) {
	log := w.log.With().Str("topic", topic).Int32("partition", partition).Logger()

	writers := make(map[string]*changelog.Writer, len(w.stores))
	backends := make(map[string]state.Backend, len(w.stores))
	changelogs := make(map[string]checkpoint.TopicPartition, len(w.stores))

	for _, def := range w.stores {
		var appender state.Appender
		if def.Logged {
			writer := changelog.NewWriter(w.producer, changelog.TopicFor(w.cfg.ApplicationID, def.Name), partition, log, w.metrics)
			writers[def.Name] = writer
			changelogs[def.Name] = checkpoint.TopicPartition{
				Topic:     changelog.TopicFor(w.cfg.ApplicationID, def.Name),
				Partition: partition,
			}
			appender = writer
		}
		backend, err := w.builder(def.Name, partition, appender)
		if err != nil {
			for _, opened := range backends {
				opened.Close()
			}
			return nil, fmt.Errorf("open store %s for %s-%d: %w", def.Name, topic, partition, err)
		}
		backends[def.Name] = backend
	}

	file := checkpoint.NewFile(filepath.Join(w.cfg.StateDir, fmt.Sprintf("%s-%d.checkpoint", topic, partition)))
	coordinator := checkpoint.NewCoordinator(checkpoint.CoordinatorConfig{
		Topic:          topic,
		Partition:      partition,
		File:           file,
		Committer:      w,
		Clock:          w.clock,
		Logger:         log,
		Metrics:        w.metrics,
		CommitInterval: w.cfg.CommitInterval,
		CommitRecords:  w.cfg.CommitRecords,
	})
	for _, def := range w.stores {
		var writer checkpoint.ChangelogWriter
		if wr, ok := writers[def.Name]; ok {
			writer = wr
		}
		coordinator.RegisterStore(backends[def.Name], writer, changelogs[def.Name])
	}

	reader := changelog.NewReader(w.cfg.Brokers, log)
	manager := recovery.NewManager(partition, reader, log, w.metrics)

	task := &Task{
		topic:       topic,
		partition:   partition,
		backends:    backends,
		writers:     writers,
		changelogs:  changelogs,
		coordinator: coordinator,
		recovery:    manager,
		file:        file,
		pc:          newPartitionContext(topic, partition, backends, log),
		log:         log,
		metrics:     w.metrics,
	}
	if w.cfg.DeadLetterTopic != "" {
		task.deadLetters = &deadLetterProducer{topic: w.cfg.DeadLetterTopic, producer: w.producer}
	}
	return task, nil
}

func (w *Worker) handleRunning() {
	select {
	case ev := <-w.events:
		w.newlyAssigned = ev.assigned
		w.newlyRevoked = ev.revoked
		w.changeState(workerAssigned)
		return
	default:
	}
	select {
	case <-w.closeRequested:
		w.changeState(workerCloseRequested)
		return
	default:
	}

	pollCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	fetches := w.client.PollRecords(pollCtx, w.cfg.MaxPollRecords)
	cancel()

	if fetches.IsClientClosed() {
		w.changeState(workerCloseRequested)
		return
	}
	if err := fetches.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		for _, fetchErr := range fetches.Errors() {
			if errors.Is(fetchErr.Err, context.DeadlineExceeded) || errors.Is(fetchErr.Err, context.Canceled) {
				continue
			}
			w.fail(fmt.Errorf("fetch %s-%d: %w", fetchErr.Topic, fetchErr.Partition, fetchErr.Err))
			return
		}
	}

	var processErr error
	fetches.EachPartition(func(fetch kgo.FetchTopicPartition) {
		if processErr != nil {
			return
		}
		task, ok := w.tasks[taskKey{topic: fetch.Topic, partition: fetch.Partition}]
		if !ok {
			processErr = fmt.Errorf("no task for %s-%d", fetch.Topic, fetch.Partition)
			return
		}
		for _, rec := range fetch.Records {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			err := task.Process(ctx, fromKgo(rec, w.tsMode, w.clock.Now))
			cancel()
			if err != nil {
				processErr = err
				return
			}
		}
	})
	if processErr != nil {
		w.fail(processErr)
		return
	}

	w.maybeSweep()

	commitCtx, cancelCommit := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelCommit()
	for _, task := range w.tasks {
		if err := task.MaybeCommit(commitCtx); err != nil {
			// Aborted cycles retry on the next trigger; only surface the
			// failure.
			w.log.Error().Err(err).Msg("checkpoint cycle aborted")
		}
	}
}

func (w *Worker) maybeSweep() {
	if w.cfg.SweepInterval <= 0 {
		return
	}
	now := w.clock.Now()
	if now.Sub(w.lastSweep) < w.cfg.SweepInterval {
		return
	}
	w.lastSweep = now

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, task := range w.tasks {
		if err := task.Sweep(ctx); err != nil {
			w.log.Error().Err(err).Str("topic", task.topic).Int32("partition", task.partition).Msg("window sweep failed")
		}
	}
}

func (w *Worker) handleCloseRequested() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for key, task := range w.tasks {
		if err := task.Close(ctx); err != nil {
			w.log.Error().Err(err).Str("topic", key.topic).Int32("partition", key.partition).Msg("task close failed")
		}
		delete(w.tasks, key)
	}

	drained := make(chan struct{})
	go func() {
		for range w.events {
		}
		close(drained)
	}()
	w.client.Close()
	close(w.events)
	<-drained

	w.changeState(workerClosed)
}

// Close requests shutdown and waits for the loop to finish.
func (w *Worker) Close() error {
	select {
	case w.closeRequested <- struct{}{}:
	default:
	}
	<-w.done
	return nil
}

// CommitOffset commits the consumer group offset for one partition
// synchronously, surfacing per-partition error codes from the response.
func (w *Worker) CommitOffset(ctx context.Context, topic string, partition int32, offset int64) error {
	var commitErr error
	w.client.CommitOffsetsSync(ctx,
		map[string]map[int32]kgo.EpochOffset{
			topic: {partition: {Offset: offset, Epoch: -1}},
		},
		func(_ *kgo.Client, _ *kmsg.OffsetCommitRequest, resp *kmsg.OffsetCommitResponse, err error) {
			if err != nil {
				commitErr = err
				return
			}
			for _, t := range resp.Topics {
				for _, p := range t.Partitions {
					if ec := kerr.ErrorForCode(p.ErrorCode); ec != nil {
						commitErr = fmt.Errorf("commit %s-%d: %w", t.Topic, p.Partition, ec)
					}
				}
			}
		},
	)
	return commitErr
}
