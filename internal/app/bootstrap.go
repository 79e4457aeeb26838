package app

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"matchcore/internal/book"
	"matchcore/internal/broadcast"
	"matchcore/internal/bus"
	"matchcore/internal/engine"
	"matchcore/internal/infra"
	"matchcore/internal/infra/binance"
	"matchcore/internal/infra/upbit"
	"matchcore/internal/ledger"
	"matchcore/internal/stats"
	"matchcore/internal/storage"
)

const (
	snapshotInterval = 60 * time.Second
	snapshotKeep     = 5
)

// FeedWorker is the common surface of venue adapters managed by the
// bootstrap.
type FeedWorker interface {
	Start(ctx context.Context)
	Stop()
	State() infra.ConnState
	SubscribeDepth(ctx context.Context, pair string) error
}

// Bootstrap assembles the full pipeline: feeds -> bus -> matching ->
// broadcast/storage/stats/export.
type Bootstrap struct {
	Config *infra.Config
	Bus    *bus.Bus
	Arena  *engine.Arena
	Store  *storage.Store
	Stats  *stats.Service
	Server *broadcast.Server

	hub       *broadcast.Hub
	sink      *broadcast.ExportSink
	snapshots *storage.SnapshotManager
	feeds     []FeedWorker
	unlock    func()

	feedSeq uint64
	snapSeq uint64
}

// NewBootstrap creates an empty Bootstrap; call Initialize next.
func NewBootstrap() *Bootstrap {
	return &Bootstrap{}
}

// Initialize loads config and constructs every component. Nothing is
// running yet when it returns; Run starts the pipeline.
func (b *Bootstrap) Initialize() error {
	cfg, err := infra.LoadConfig(infra.ResolveConfigPath())
	if err != nil {
		return err
	}
	b.Config = cfg

	logger := infra.NewLogger(cfg)
	slog.SetDefault(logger)
	slog.Info("BOOTSTRAP_START", slog.String("app", cfg.App.Name), slog.String("env", cfg.App.Env))

	workDir := infra.GetWorkspaceDir()
	dataDir := filepath.Join(workDir, "data")
	if err := infra.EnsureDir(dataDir); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	// Single-writer SQLite: block a second process on the same data.
	unlock, err := infra.CreateLockFile(workDir)
	if err != nil {
		return err
	}
	b.unlock = unlock

	if cfg.Storage.Enabled {
		dbPath := cfg.Storage.Path
		if dbPath == "" {
			dbPath = filepath.Join(dataDir, "matchcore.db")
		}
		store, err := storage.NewStore(dbPath)
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		b.Store = store
		slog.Info("STORE_READY", slog.String("path", dbPath))
	}

	snapDir := filepath.Join(workDir, "snapshots")
	if err := infra.EnsureDir(snapDir); err != nil {
		return fmt.Errorf("failed to create snapshot dir: %w", err)
	}
	b.snapshots = storage.NewSnapshotManager(snapDir)
	if snap, err := b.snapshots.LoadLatest(); err != nil {
		slog.Warn("SNAPSHOT_LOAD_FAILED", slog.String("err", err.Error()))
	} else if snap != nil {
		// Resume the snapshot sequence so file names keep sorting.
		b.snapSeq = snap.Seq
		slog.Info("SNAPSHOT_RESUMED",
			slog.Uint64("seq", snap.Seq),
			slog.Int64("ts", snap.TsUnix),
			slog.Int("pairs", len(snap.Books)))
	}

	b.Bus = bus.New()

	pairs, err := cfg.TradingPairs()
	if err != nil {
		return err
	}
	minDelay, maxDelay := cfg.PendingDelayBounds()
	mcfg := engine.MatchingConfig{
		StalenessWindow: cfg.StalenessWindow(),
		PendingDelayMin: minDelay,
		PendingDelayMax: maxDelay,
	}
	b.Arena = engine.NewArena(pairs, b.Bus, ledger.Permissive{}, mcfg, cfg.Matching.SequencerInboxSize)

	var depthFeeds []broadcast.DepthRequester
	if cfg.Feeds.Binance.Enabled {
		w := binance.NewWorker(cfg.Feeds.Binance.WSURL, cfg.Feeds.Binance.Symbols, b.Bus, &b.feedSeq)
		b.feeds = append(b.feeds, w)
		depthFeeds = append(depthFeeds, w)
		slog.Info("FEED_CONFIGURED", slog.String("venue", w.Venue()), slog.Int("symbols", len(cfg.Feeds.Binance.Symbols)))
	}
	if cfg.Feeds.Upbit.Enabled {
		w := upbit.NewWorker(cfg.Feeds.Upbit.WSURL, cfg.Feeds.Upbit.Symbols, b.Bus, &b.feedSeq)
		b.feeds = append(b.feeds, w)
		depthFeeds = append(depthFeeds, w)
		slog.Info("FEED_CONFIGURED", slog.String("venue", w.Venue()), slog.Int("symbols", len(cfg.Feeds.Upbit.Symbols)))
	}

	b.Stats = stats.NewService(0)

	b.hub = broadcast.NewHub(cfg.Broadcast.ClientQueueSize)
	b.Server = broadcast.NewServer(b.Arena, b.hub, cfg.Broadcast.ListenAddr, cfg.Broadcast.AllowedOrigins, depthFeeds...).
		WithStats(b.Stats)
	if b.Store != nil {
		b.Server.WithStore(b.Store)
	}

	if cfg.Kafka.Enabled {
		b.sink = broadcast.NewExportSink(cfg.Kafka.Brokers, cfg.Kafka.TradeTopic, cfg.Kafka.OrderTopic)
		slog.Info("EXPORT_SINK_READY", slog.Any("brokers", cfg.Kafka.Brokers))
	}

	return nil
}

// Run starts every component and blocks until ctx is canceled, then
// shuts the pipeline down in dependency order.
func (b *Bootstrap) Run(ctx context.Context) error {
	cfg := b.Config

	// Internal cancel so a gateway failure tears the pipeline down even
	// when the parent context is still live.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Feed events supersede each other, so the matching group tolerates
	// drops under pressure. Trade and order streams must not be lost.
	matchCh, err := b.Bus.Subscribe("matching", cfg.Bus.MatchingQueueSize, bus.DropOldest)
	if err != nil {
		return err
	}
	castCh, err := b.Bus.Subscribe("broadcast", cfg.Bus.BroadcastQueueSize, bus.DropOldest)
	if err != nil {
		return err
	}
	statsCh, err := b.Bus.Subscribe("stats", cfg.Bus.StatsQueueSize, bus.DropOldest)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	start := func(f func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f()
		}()
	}

	if b.Store != nil {
		storeCh, err := b.Bus.Subscribe("storage", cfg.Bus.StorageQueueSize, bus.Reject)
		if err != nil {
			return err
		}
		start(func() { b.Store.Run(ctx, storeCh) })
	}
	if b.sink != nil {
		sinkCh, err := b.Bus.Subscribe("export", cfg.Bus.StorageQueueSize, bus.Reject)
		if err != nil {
			return err
		}
		start(func() { b.sink.Run(ctx, sinkCh) })
	}

	b.Arena.Start(ctx)
	start(func() { b.Arena.PumpFeed(ctx, matchCh) })
	start(func() { b.Stats.Run(ctx, statsCh) })
	start(func() { b.hub.Run(ctx) })
	start(func() { b.Server.Pump(ctx, castCh) })
	start(func() { b.snapshotLoop(ctx) })

	for _, f := range b.feeds {
		f.Start(ctx)
	}

	serverErr := make(chan error, 1)
	go func() { serverErr <- b.Server.Start(ctx) }()

	slog.Info("MATCHCORE_RUNNING", slog.Int("pairs", len(b.Arena.Pairs())), slog.Int("feeds", len(b.feeds)))

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serverErr:
		if runErr != nil {
			slog.Error("GATEWAY_FAILED", slog.Any("error", runErr))
		}
	}
	cancel()

	for _, f := range b.feeds {
		f.Stop()
	}
	b.Arena.Stop()
	b.Bus.Close()
	wg.Wait()

	if b.sink != nil {
		b.sink.Close()
	}
	if b.Store != nil {
		b.Store.Close()
	}
	if b.unlock != nil {
		b.unlock()
	}

	slog.Info("MATCHCORE_STOPPED")
	return runErr
}

// snapshotLoop periodically captures every pair's visible depth.
func (b *Bootstrap) snapshotLoop(ctx context.Context) {
	ticker := time.NewTicker(snapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.saveSnapshot(ctx)
		}
	}
}

func (b *Bootstrap) saveSnapshot(ctx context.Context) {
	books := make(map[string]book.DepthSnapshot)
	for _, pair := range b.Arena.Pairs() {
		snap, err := b.Arena.Depth(ctx, pair, 20)
		if err != nil {
			continue
		}
		books[pair] = snap
	}
	if len(books) == 0 {
		return
	}

	b.snapSeq++
	snap := &storage.Snapshot{
		Seq:    b.snapSeq,
		TsUnix: time.Now().Unix(),
		Books:  books,
	}
	if err := b.snapshots.Save(snap); err != nil {
		slog.Error("SNAPSHOT_SAVE_FAILED", slog.Any("error", err))
		return
	}
	if err := b.snapshots.Prune(snapshotKeep); err != nil {
		slog.Warn("SNAPSHOT_PRUNE_FAILED", slog.Any("error", err))
	}
}
