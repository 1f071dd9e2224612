// Package control wires the indexer's components together and manages the
// application lifecycle.
package control

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/chainpulse/indexer/internal/core/config"
	"github.com/chainpulse/indexer/internal/core/tier"
	"github.com/chainpulse/indexer/internal/indexing/chunk"
	"github.com/chainpulse/indexer/internal/indexing/deployment"
	"github.com/chainpulse/indexer/internal/indexing/fetcher"
	"github.com/chainpulse/indexer/internal/indexing/health"
	"github.com/chainpulse/indexer/internal/indexing/manager"
	"github.com/chainpulse/indexer/internal/indexing/notify"
	"github.com/chainpulse/indexer/internal/infra/resilience"
	"github.com/chainpulse/indexer/internal/infra/rpc"
	"github.com/chainpulse/indexer/internal/infra/storage"
	filestore "github.com/chainpulse/indexer/internal/infra/storage/file"
	"github.com/chainpulse/indexer/internal/infra/storage/memory"
	"github.com/chainpulse/indexer/internal/infra/storage/postgres"
	redisstore "github.com/chainpulse/indexer/internal/infra/storage/redis"
)

// App is the composed indexer service.
type App struct {
	cfg *config.AppConfig
	log *slog.Logger

	pool         *rpc.EndpointPool
	manager      *manager.IndexerManager
	healthServer *health.Server
	sink         *notify.ChannelSink
	downstream   []notify.Sink
	store        storage.SnapshotStore

	drainCancel context.CancelFunc
}

// New initializes every component from configuration.
func New(cfg *config.AppConfig, log *slog.Logger) (*App, error) {
	if log == nil {
		log = slog.Default()
	}

	pool := rpc.NewEndpointPool(rpc.PoolConfig{}, log)
	for _, ch := range cfg.Chains {
		if err := pool.InitializeChain(ch.ChainID, ch.Endpoints); err != nil {
			return nil, fmt.Errorf("initialize chain %s: %w", ch.ChainID, err)
		}
	}

	fetch := fetcher.New(pool, fetcher.Config{
		Retry: resilience.RetryConfig{MaxRetries: cfg.Indexer.MaxRetries},
	}, log)

	explorers := make(map[string]deployment.ExplorerConfig)
	for _, ch := range cfg.Chains {
		if ch.Explorer.BaseURL != "" {
			explorers[ch.ChainID] = deployment.ExplorerConfig{
				BaseURL: ch.Explorer.BaseURL,
				APIKey:  ch.Explorer.APIKey,
			}
		}
	}
	var lookup deployment.CreationLookup
	if len(explorers) > 0 {
		lookup = deployment.NewExplorerClient(explorers, fetch)
	}
	finder := deployment.NewFinder(fetch, lookup, log)

	chunks := chunk.NewManager(fetch, cfg.Indexer.ChunkSize, log)

	store, downstream, err := buildStorage(cfg, log)
	if err != nil {
		return nil, err
	}

	sink := notify.NewChannelSink(cfg.Indexer.EventBuffer)

	blockSeconds := make(map[string]float64)
	for _, ch := range cfg.Chains {
		if ch.BlockSeconds > 0 {
			blockSeconds[ch.ChainID] = ch.BlockSeconds
		}
	}

	mgr := manager.New(manager.Options{
		Store:        store,
		Tiers:        tier.NewResolver(cfg.TierOverrides()),
		Chain:        fetch,
		Finder:       finder,
		Chunks:       chunks,
		Sink:         sink,
		PollInterval: cfg.Indexer.PollInterval,
		BlockSeconds: blockSeconds,
		Log:          log,
		OnShutdown:   pool.StopHealthChecks,
	})

	monitor := health.NewMonitor(pool, mgr)
	server := health.NewServer(fmt.Sprintf(":%d", cfg.Server.Port), monitor, log)

	return &App{
		cfg:          cfg,
		log:          log,
		pool:         pool,
		manager:      mgr,
		healthServer: server,
		sink:         sink,
		downstream:   downstream,
		store:        store,
	}, nil
}

// buildStorage selects the snapshot backend. The redis backend additionally
// publishes progress events on its connection.
func buildStorage(cfg *config.AppConfig, log *slog.Logger) (storage.SnapshotStore, []notify.Sink, error) {
	downstream := []notify.Sink{&notify.LogSink{Log: log}}

	switch cfg.Storage.Backend {
	case "postgres":
		store, err := postgres.NewStore(context.Background(), cfg.Storage.Postgres)
		if err != nil {
			return nil, nil, fmt.Errorf("init postgres storage: %w", err)
		}
		log.Info("using postgres snapshot storage")
		return store, downstream, nil
	case "redis":
		store, err := redisstore.NewStore(cfg.Storage.Redis)
		if err != nil {
			return nil, nil, fmt.Errorf("init redis storage: %w", err)
		}
		downstream = append(downstream, notify.NewRedisPublisher(store.Client(), log))
		log.Info("using redis snapshot storage")
		return store, downstream, nil
	case "memory":
		log.Info("using in-memory snapshot storage")
		return memory.NewStore(), downstream, nil
	default:
		store, err := filestore.NewStore(cfg.Storage.Dir)
		if err != nil {
			return nil, nil, fmt.Errorf("init file storage: %w", err)
		}
		log.Info("using file snapshot storage", "dir", cfg.Storage.Dir)
		return store, downstream, nil
	}
}

// Start launches health checking, event draining, the HTTP surface and the
// configured watch sessions.
func (a *App) Start(ctx context.Context) error {
	a.pool.StartHealthChecks(ctx, a.cfg.Indexer.HealthCheckInterval)

	drainCtx, cancel := context.WithCancel(context.Background())
	a.drainCancel = cancel
	go a.sink.Drain(drainCtx, a.downstream...)

	go func() {
		if err := a.healthServer.Start(); err != nil {
			a.log.Error("health server failed", "error", err)
		}
	}()

	for _, w := range a.cfg.Watch {
		tierName := w.Tier
		if tierName == "" {
			tierName = "free"
		}
		_, err := a.manager.StartIndexing(ctx, w.UserID, common.HexToAddress(w.Contract), w.ChainID, tierName)
		if err != nil {
			a.log.Error("start watch session failed",
				"user", w.UserID,
				"contract", w.Contract,
				"chain", w.ChainID,
				"error", err,
			)
			continue
		}
		a.log.Info("watch session started",
			"user", w.UserID,
			"contract", w.Contract,
			"chain", w.ChainID,
			"tier", tierName,
		)
	}

	return nil
}

// Stop drains sessions, the HTTP server and the event pipeline within ctx.
func (a *App) Stop(ctx context.Context) error {
	err := a.manager.Shutdown(ctx)

	if herr := a.healthServer.Shutdown(ctx); herr != nil && err == nil {
		err = herr
	}
	if a.drainCancel != nil {
		a.drainCancel()
	}
	if cerr := a.store.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// Manager exposes the session registry.
func (a *App) Manager() *manager.IndexerManager {
	return a.manager
}
