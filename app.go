package rivulet

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/zoobzio/clockz"
	"golang.org/x/sync/errgroup"

	"github.com/rivulet-io/rivulet/changelog"
	"github.com/rivulet-io/rivulet/config"
	"github.com/rivulet-io/rivulet/metrics"
	"github.com/rivulet-io/rivulet/pkg/log"
	"github.com/rivulet-io/rivulet/state"
	"github.com/rivulet-io/rivulet/state/memory"
	"github.com/rivulet-io/rivulet/state/pebble"
)

// App wires the engine together: consumer group worker, changelog producer,
// state backends, and topic provisioning.
type App struct {
	cfg      config.Config
	registry *Registry
	topics   []string
	init     InitProcessor

	log     zerolog.Logger
	promReg prometheus.Registerer
	clock   clockz.Clock
	tsMode  TimestampMode
}

type Option func(*App)

func WithLogger(logger zerolog.Logger) Option {
	return func(a *App) { a.log = logger }
}

func WithPrometheus(reg prometheus.Registerer) Option {
	return func(a *App) { a.promReg = reg }
}

func WithClock(clock clockz.Clock) Option {
	return func(a *App) { a.clock = clock }
}

func WithTimestampMode(mode TimestampMode) Option {
	return func(a *App) { a.tsMode = mode }
}

// New assembles an application from its configuration, registry of stores
// and serdes, source topics, and per-partition processor constructor.
func New(cfg config.Config, registry *Registry, topics []string, init InitProcessor, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(topics) == 0 {
		return nil, fmt.Errorf("at least one source topic is required")
	}
	if init == nil {
		return nil, fmt.Errorf("an InitProcessor is required")
	}

	a := &App{
		cfg:      cfg,
		registry: registry,
		topics:   topics,
		init:     init,
		log:      *log.New(),
		promReg:  prometheus.NewRegistry(),
		clock:    clockz.RealClock,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.log = a.log.With().Str("app", cfg.ApplicationID).Logger()
	return a, nil
}

// Run provisions changelog topics, starts the worker, and blocks until ctx
// is cancelled or the worker fails.
func (a *App) Run(ctx context.Context) error {
	producer, err := kgo.NewClient(
		kgo.SeedBrokers(a.cfg.Brokers...),
		// Changelog writers address their partition explicitly.
		kgo.RecordPartitioner(kgo.ManualPartitioner()),
	)
	if err != nil {
		return fmt.Errorf("create producer: %w", err)
	}
	defer producer.Close()

	if err := a.provisionChangelogs(ctx, producer); err != nil {
		return err
	}

	builder, err := a.backendBuilder()
	if err != nil {
		return err
	}

	workerName := fmt.Sprintf("worker-%s", uuid.NewString()[:8])
	worker, err := newWorker(
		a.cfg,
		producer,
		a.topics,
		a.registry.Stores(),
		builder,
		a.init,
		a.tsMode,
		a.clock,
		a.log.With().Str("worker", workerName).Logger(),
		metrics.New(a.promReg),
	)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(worker.Run)
	g.Go(func() error {
		<-gctx.Done()
		return worker.Close()
	})
	return g.Wait()
}

// provisionChangelogs creates one compacted changelog topic per logged store
// with the same partition count as the source topics.
func (a *App) provisionChangelogs(ctx context.Context, client *kgo.Client) error {
	logged := false
	for _, def := range a.registry.Stores() {
		if def.Logged {
			logged = true
			break
		}
	}
	if !logged {
		return nil
	}

	admin := kadm.NewClient(client)
	details, err := admin.ListTopics(ctx, a.topics...)
	if err != nil {
		return fmt.Errorf("list source topics: %w", err)
	}

	partitions := 0
	for _, topic := range a.topics {
		detail, ok := details[topic]
		if !ok || detail.Err != nil {
			return fmt.Errorf("source topic %s not available", topic)
		}
		if n := len(detail.Partitions); n > partitions {
			partitions = n
		}
	}
	if partitions == 0 {
		return fmt.Errorf("source topics report no partitions")
	}

	for _, def := range a.registry.Stores() {
		if !def.Logged {
			continue
		}
		topic := changelog.TopicFor(a.cfg.ApplicationID, def.Name)
		if err := changelog.EnsureTopic(ctx, admin, topic, int32(partitions), a.cfg.ChangelogReplication, a.cfg.ChangelogRetention); err != nil {
			return err
		}
		a.log.Info().Str("topic", topic).Int("partitions", partitions).Msg("changelog topic ready")
	}
	return nil
}

func (a *App) backendBuilder() (state.BackendBuilder, error) {
	switch a.cfg.StoreBackend {
	case config.BackendPebble:
		return pebble.New(a.cfg.StateDir), nil
	case config.BackendMemory:
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", a.cfg.StoreBackend)
	}
}
