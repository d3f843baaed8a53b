package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/flowforge/taskflow/pkg/apiserver"
	"github.com/flowforge/taskflow/pkg/changefeed"
	"github.com/flowforge/taskflow/pkg/config"
	"github.com/flowforge/taskflow/pkg/engine"
	"github.com/flowforge/taskflow/pkg/eventbus"
	"github.com/flowforge/taskflow/pkg/lease"
	"github.com/flowforge/taskflow/pkg/logging"
	"github.com/flowforge/taskflow/pkg/metrics"
	"github.com/flowforge/taskflow/pkg/pruner"
	"github.com/flowforge/taskflow/pkg/store"
	"github.com/flowforge/taskflow/pkg/store/memory"
	"github.com/flowforge/taskflow/pkg/store/postgres"
	redisclient "github.com/flowforge/taskflow/pkg/store/redis"
)

const (
	kafkaTargetID = "kafka-forwarder"
	logTargetID   = "audit-log"
)

func main() {
	os.Exit(start())
}

// start runs the orchestrator and returns the process exit code once every deferred
// cleanup has run.
func start() int {
	configDir := flag.String("config", "", "directory containing config.yaml")
	flag.Parse()

	var paths []string
	if *configDir != "" {
		paths = append(paths, *configDir)
	}
	cfg, err := config.Load(paths...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}

	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("orchestrator stopped with error", zap.Error(err))
		return 1
	}
	logger.Info("orchestrator stopped")
	return 0
}

// components holds the backends selected by configuration.
type components struct {
	tasks       store.TaskStore
	executions  engine.ExecutionStore
	deadLetters eventbus.DeadLetterStore
	leaser      lease.Leaser
	deduper     eventbus.Deduper

	// background loops owned by the selected backends
	loops   []func(context.Context) error
	closers []func() error
}

func (c *components) close(logger *zap.Logger) {
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			logger.Warn("failed to close component", zap.Error(err))
		}
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	parts, err := buildComponents(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer parts.close(logger)

	bus := eventbus.NewBus(eventbus.Config{
		Workers:     cfg.Bus.Workers,
		QueueSize:   cfg.Bus.QueueSize,
		MaxRetries:  cfg.Bus.MaxRetries,
		BaseBackoff: cfg.Bus.BaseBackoff,
		MaxBackoff:  cfg.Bus.MaxBackoff,
	}, logger.Named("eventbus"),
		eventbus.WithDeduper(parts.deduper),
		eventbus.WithDeadLetterStore(parts.deadLetters),
	)

	wf := engine.NewEngine(engine.Config{
		PollInterval:    cfg.Engine.PollInterval,
		MaxApprovalWait: cfg.Engine.MaxApprovalWait,
		LeaseTTL:        cfg.Engine.LeaseTTL,
		StrictPriority:  cfg.Engine.StrictPriority,
	}, parts.tasks, parts.executions, parts.leaser, bus, logger.Named("engine"))

	bus.RegisterTarget(wf)
	bus.RegisterTarget(eventbus.NewLogTarget(logTargetID, logger.Named("audit")))
	if cfg.Kafka.Enabled() && cfg.Kafka.EventTopic != "" {
		forwarder := eventbus.NewKafkaTarget(kafkaTargetID, eventbus.KafkaConfig{
			Brokers:  cfg.Kafka.Brokers,
			ClientID: cfg.Kafka.ClientID,
			Topic:    cfg.Kafka.EventTopic,
		})
		defer forwarder.Close()
		bus.RegisterTarget(forwarder)
	}

	if err := registerRules(cfg, bus, logger); err != nil {
		return err
	}

	collector := metrics.NewCollector()
	collector.Observe("active_executions", "Executions driven by this replica", func() float64 {
		return float64(wf.Active())
	})
	collector.Observe("bus_backlog", "Deliveries waiting for a worker or a retry backoff", func() float64 {
		return float64(bus.Backlog())
	})
	if err := prometheus.Register(collector); err != nil {
		return fmt.Errorf("register collector: %w", err)
	}
	defer prometheus.Unregister(collector)

	g, gctx := errgroup.WithContext(ctx)

	bus.Start(gctx)
	defer bus.Close()

	// The feed subscribes before anything can write: recovered executions and the API
	// server both mutate tasks.
	feed := changefeed.New(parts.tasks, bus, logger.Named("changefeed"))
	feed.Attach(gctx)

	if err := wf.Start(gctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	for _, loop := range parts.loops {
		g.Go(func() error { return loop(gctx) })
	}
	g.Go(func() error { return feed.Run(gctx) })

	gc := pruner.New(parts.tasks, pruner.Config{
		Interval:        cfg.Store.PruneInterval,
		ChangeRetention: cfg.Store.ChangeRetention,
	}, logger.Named("pruner"))
	g.Go(func() error { return gc.Run(gctx) })

	if cfg.Kafka.Enabled() && cfg.Kafka.IngestTopic != "" {
		source := eventbus.NewKafkaSource(eventbus.KafkaConfig{
			Brokers:  cfg.Kafka.Brokers,
			ClientID: cfg.Kafka.ClientID,
			Topic:    cfg.Kafka.IngestTopic,
			GroupID:  cfg.Kafka.GroupID,
		}, bus, logger.Named("kafka-ingest"))
		g.Go(func() error {
			if err := source.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("kafka ingest: %w", err)
			}
			return nil
		})
	}

	server := apiserver.NewServer(cfg, parts.tasks, bus, wf, logger.Named("api"))
	g.Go(func() error { return server.Run(gctx) })

	logger.Info("orchestrator started",
		zap.String("store", cfg.Store.Backend),
		zap.Bool("redis", cfg.Redis.Enabled()),
		zap.Bool("kafka", cfg.Kafka.Enabled()),
	)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func buildComponents(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*components, error) {
	parts := &components{}

	switch cfg.Store.Backend {
	case "postgres":
		db, err := postgres.Open(&cfg.Database)
		if err != nil {
			return nil, err
		}
		parts.closers = append(parts.closers, db.Close)
		if err := db.AutoMigrate(); err != nil {
			parts.close(logger)
			return nil, fmt.Errorf("migrate database: %w", err)
		}

		tasks := postgres.NewTaskStore(db.Gorm(), postgres.TaskStoreConfig{
			PollInterval: cfg.Store.ChangePollInterval,
			BatchSize:    cfg.Store.ChangeBatchSize,
			PageSize:     cfg.Store.QueryPageSize,
		}, logger.Named("store"))
		if err := tasks.Prime(ctx); err != nil {
			parts.close(logger)
			return nil, fmt.Errorf("read change position: %w", err)
		}
		parts.tasks = tasks
		parts.loops = append(parts.loops, tasks.Run)
		parts.executions = postgres.NewExecutionRepository(db.Gorm())
		parts.deadLetters = postgres.NewDeadLetterRepository(db.Gorm())
	default:
		tasks := memory.NewStore(logger.Named("store"))
		parts.tasks = tasks
		parts.closers = append(parts.closers, tasks.Close)
		parts.executions = engine.NewMemoryExecutionStore()
		parts.deadLetters = eventbus.NewMemoryDeadLetterStore()
	}

	if cfg.Redis.Enabled() {
		client, err := redisclient.NewClient(ctx, &cfg.Redis)
		if err != nil {
			parts.close(logger)
			return nil, err
		}
		parts.closers = append(parts.closers, client.Close)
		parts.leaser = lease.NewRedisLeaser(client.Client(), client.Key())
		parts.deduper = eventbus.NewRedisDeduper(client.Client(), client.Key(), cfg.Bus.DedupeTTL)
	} else {
		parts.leaser = lease.NewMemoryLeaser()
		parts.deduper = eventbus.NewMemoryDeduper(cfg.Bus.DedupeTTL)
	}

	return parts, nil
}

// registerRules installs the engine's trigger routes plus any rules from the rules file.
func registerRules(cfg *config.Config, bus *eventbus.Bus, logger *zap.Logger) error {
	for _, spec := range engine.Rules() {
		if _, err := bus.RegisterSpec(spec); err != nil {
			return fmt.Errorf("register rule %s: %w", spec.Name, err)
		}
	}

	if cfg.Bus.RulesFile == "" {
		return nil
	}
	file, err := eventbus.LoadRulesFile(cfg.Bus.RulesFile)
	if err != nil {
		return err
	}
	ids, err := file.Apply(bus)
	if err != nil {
		return err
	}
	logger.Info("rules file applied", zap.String("path", cfg.Bus.RulesFile), zap.Int("rules", len(ids)))
	return nil
}
