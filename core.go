// Package mediator wires the mediation core's components (adapter registry,
// cache engine, ledger, per-provider circuit breakers, router/dispatcher)
// into a single [Core] lifecycle exposed as a thin top-level entry point.
package mediator

import (
	"context"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/llmcore/mediator/adapter"
	"github.com/llmcore/mediator/cache"
	"github.com/llmcore/mediator/cache/distributed"
	"github.com/llmcore/mediator/cache/durable"
	"github.com/llmcore/mediator/cache/memory"
	"github.com/llmcore/mediator/cache/similarity"
	"github.com/llmcore/mediator/circuit"
	"github.com/llmcore/mediator/config"
	"github.com/llmcore/mediator/event"
	"github.com/llmcore/mediator/internal/database"
	"github.com/llmcore/mediator/internal/metrics"
	"github.com/llmcore/mediator/internal/migrate"
	"github.com/llmcore/mediator/internal/telemetry"
	"github.com/llmcore/mediator/ledger"
	"github.com/llmcore/mediator/router"
)

// Core is the mediation core's running instance: one adapter registry, one
// cache engine, one ledger, and one dispatcher fronting all of them.
type Core struct {
	cfg    config.Config
	logger *zap.Logger

	Cache      *cache.Engine
	Ledger     *ledger.Ledger
	Dispatcher *router.Dispatcher
	Health     *router.HealthChecker
	Retention  *ledger.RetentionScheduler
	Prefix     *router.PrefixRouter
	Events     *event.Bus
	Metrics    *metrics.Collector
	Telemetry  *telemetry.Providers

	priceBook   *ledger.PriceBook
	distStore   *distributed.Store
	durablePool *database.PoolManager
	ledgerPool  *database.PoolManager
	mongoClient *mongo.Client
}

// New builds a Core from cfg: it runs schema migrations, opens the durable
// cache and ledger sqlite stores, constructs the cache engine and ledger,
// and wires the event bus into every component's OnEvent hook. Providers
// must be registered afterward with [Core.RegisterProvider].
func New(cfg config.Config, logger *zap.Logger) (*Core, error) {
	bus := event.NewBus()
	if err := wireEventSink(bus, cfg.Events, logger); err != nil {
		return nil, fmt.Errorf("mediator: wire event sink: %w", err)
	}

	providers, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("telemetry init failed, continuing without it", zap.Error(err))
	}

	memStore := memory.NewStore(cfg.Cache.Memory.MaxEntries, millis(cfg.Cache.Memory.TTLMs))

	var durStore *durable.Store
	var durPool *database.PoolManager
	if cfg.Cache.Durable.Path != "" {
		durPool, err = openSQLitePool(migrate.StoreCache, cfg.Cache.Durable.Path, logger)
		if err != nil {
			return nil, fmt.Errorf("mediator: open durable cache store: %w", err)
		}
		durStore = durable.Open(durPool, millis(cfg.Cache.Durable.TTLMs), logger)
	}

	var distStore *distributed.Store
	if cfg.Cache.Distributed.Enabled {
		distStore = distributed.Open(distributed.Config{
			Addr: cfg.Cache.Distributed.Endpoint,
			TTL:  millis(cfg.Cache.Distributed.TTLMs),
		}, logger)
	}

	keyStrategy := cache.Strategy(cache.FingerprintStrategy{})
	if cfg.Cache.KeyStrategy == "hierarchical" {
		keyStrategy = cache.HierarchicalStrategy{}
	}

	cacheEngine := cache.New(memStore, durStore, distStore, cache.SimilarityConfig{
		Enabled:   cfg.Cache.Similarity.Enabled,
		Algorithm: similarity.Algorithm(cfg.Cache.Similarity.Algorithm),
		Threshold: cfg.Cache.Similarity.Threshold,
	}, keyStrategy, logger)
	cacheEngine.OnEvent = bus.Emit

	ledgerPool, err := openSQLitePool(migrate.StoreLedger, cfg.Ledger.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("mediator: open ledger store: %w", err)
	}

	priceBook := ledger.NewPriceBook()
	led := ledger.New(ledgerPool, priceBook, ledger.Config{
		AlertThreshold:   cfg.Ledger.Budgets.AlertThreshold,
		DailyLimit:       cfg.Ledger.Budgets.Daily,
		MonthlyLimit:     cfg.Ledger.Budgets.Monthly,
		DefaultUserLimit: cfg.Ledger.Budgets.PerUser,
		RetentionDays:    cfg.Ledger.RetentionDays,
	}, nil, logger)
	led.OnEvent = bus.Emit

	initialDelay, maxDelay := cfg.Retry.RetryDuration()
	selector := router.NewSelector(router.StrategyName(cfg.Strategy), priceBook, 0)
	dispatcher := router.NewDispatcher(cacheEngine, led, selector, router.RetryConfig{
		MaxRetries:   cfg.Retry.MaxRetries,
		InitialDelay: initialDelay,
		MaxDelay:     maxDelay,
		Multiplier:   cfg.Retry.BackoffMultiplier,
	}, logger)
	dispatcher.OnEvent = bus.Emit

	interval, timeout := cfg.HealthCheck.HealthCheckDurations()
	health := router.NewHealthChecker(dispatcher, interval, timeout, logger)

	var mongoClient *mongo.Client
	var archiver *ledger.Archiver
	if cfg.Ledger.Archive.Enabled {
		mongoClient, err = mongo.Connect(options.Client().ApplyURI(cfg.Ledger.Archive.MongoURI))
		if err != nil {
			return nil, fmt.Errorf("mediator: connect archive mongo: %w", err)
		}
		collection := mongoClient.Database(cfg.Ledger.Archive.Database).Collection(cfg.Ledger.Archive.Collection)
		archiver = ledger.NewArchiver(collection, logger)
	}
	retention := ledger.NewRetentionScheduler(led, archiver, cfg.Ledger.Archive.Interval(), logger)

	var rules []router.PrefixRule
	for _, r := range cfg.PrefixRules {
		rules = append(rules, router.PrefixRule{Prefix: r.Prefix, Provider: r.Provider})
	}

	collector := metrics.NewCollector("mediator", logger)

	return &Core{
		cfg:         cfg,
		logger:      logger,
		Cache:       cacheEngine,
		Ledger:      led,
		Dispatcher:  dispatcher,
		Health:      health,
		Retention:   retention,
		Prefix:      router.NewPrefixRouter(rules),
		Events:      bus,
		Metrics:     collector,
		Telemetry:   providers,
		priceBook:   priceBook,
		distStore:   distStore,
		durablePool: durPool,
		ledgerPool:  ledgerPool,
		mongoClient: mongoClient,
	}, nil
}

// RegisterProvider adds prov to the routing table under name, seeding the
// ledger's price book from prov's static model catalog, and configuring its
// circuit breaker/load limiter from the matching §6 provider entry.
func (c *Core) RegisterProvider(name string, prov adapter.Provider) *router.ProviderEntry {
	c.priceBook.LoadFromDescribe(prov.Describe())

	pc := c.cfg.Providers[name]
	maxConcurrent := pc.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 10
	}

	entry := c.Dispatcher.Register(name, prov, circuit.Config{
		FailureThreshold: c.cfg.CircuitBreaker.FailureThreshold,
		OpenTimeout:      c.cfg.CircuitBreaker.OpenTimeout(),
		SuccessThreshold: c.cfg.CircuitBreaker.SuccessThreshold,
		ProbeCap:         c.cfg.CircuitBreaker.HalfOpenProbes,
		OnStateChange: func(provider string, from, to circuit.State) {
			c.Events.Emit("circuit:state_change", map[string]any{"provider": provider, "from": from.String(), "to": to.String()})
			gauge := metrics.CircuitClosed
			switch to {
			case circuit.StateOpen:
				gauge = metrics.CircuitOpen
			case circuit.StateHalfOpen:
				gauge = metrics.CircuitHalfOpen
			}
			c.Metrics.SetCircuitState(provider, gauge)
		},
	}, maxConcurrent, pc.Weight)
	return entry
}

// Serve starts the background health-check loop and the ledger's retention
// sweep. It returns once ctx is canceled.
func (c *Core) Serve(ctx context.Context) {
	go c.Retention.Start(ctx)
	c.Health.Start(ctx)
	<-ctx.Done()
	c.Health.Stop()
	c.Retention.Stop()
}

// Close releases the distributed cache connection, the archive mongo client
// and flushes telemetry exporters. The sqlite pools are left open; callers
// that embed Core into a longer-lived process own their shutdown ordering.
func (c *Core) Close(ctx context.Context) error {
	var firstErr error
	if c.distStore != nil {
		if err := c.distStore.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if c.mongoClient != nil {
		if err := c.mongoClient.Disconnect(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if c.Telemetry != nil {
		if err := c.Telemetry.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func wireEventSink(bus *event.Bus, cfg config.EventConfig, logger *zap.Logger) error {
	switch cfg.Sink {
	case "", "log":
		bus.Add(event.NewLogSink(logger))
	case "callback":
		// Callers wire their own event.CallbackSink via bus.Add after New
		// returns; nothing to do here.
	case "collector":
		sink := event.NewCollectorSink(cfg.CollectorEndpoint, logger)
		bus.Add(sink)
		go sink.Run(context.Background())
	default:
		return fmt.Errorf("unrecognized event sink %q", cfg.Sink)
	}
	return nil
}

func openSQLitePool(store migrate.Store, path string, logger *zap.Logger) (*database.PoolManager, error) {
	if err := migrate.Up(store, path); err != nil {
		return nil, err
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	return database.NewPoolManager(db, database.DefaultPoolConfig(), logger)
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
