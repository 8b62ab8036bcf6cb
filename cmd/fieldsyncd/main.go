package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/fieldbook/sync-core/internal/config"
	"github.com/fieldbook/sync-core/internal/conflict"
	"github.com/fieldbook/sync-core/internal/engine"
	"github.com/fieldbook/sync-core/internal/events"
	"github.com/fieldbook/sync-core/internal/httpapi"
	"github.com/fieldbook/sync-core/internal/lifecycle"
	"github.com/fieldbook/sync-core/internal/logging"
	"github.com/fieldbook/sync-core/internal/media"
	"github.com/fieldbook/sync-core/internal/netmon"
	"github.com/fieldbook/sync-core/internal/queue"
	"github.com/fieldbook/sync-core/internal/remote"
	"github.com/fieldbook/sync-core/internal/store"
	"github.com/fieldbook/sync-core/internal/uploader"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogFile)
	logger.Info("fieldsyncd starting",
		slog.String("version", Version),
		slog.String("device", cfg.DeviceName),
		slog.String("remote", cfg.RemoteURL),
		slog.Any("collections", cfg.TableNames()),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return runSync(ctx, cfg, logger)
}

func runSync(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}

	st, err := store.Open(cfg.DatabasePath())
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	deviceID, err := st.DeviceID()
	if err != nil {
		return fmt.Errorf("reading device id: %w", err)
	}

	logger.Info("local store ready",
		slog.String("device_id", deviceID),
		slog.String("path", cfg.DatabasePath()),
	)

	bus := events.NewBus()
	q := queue.New(st)
	client := remote.NewClient(cfg.RemoteURL, cfg.Token, deviceID, nil)

	// A daemon host has no OS connectivity callbacks, so reachability is
	// probed against the backend; the wired/wifi link is trusted.
	monitor := netmon.NewProbeMonitor(
		cfg.RemoteURL+"/healthz",
		cfg.ProbeInterval,
		netmon.TransportWifi,
		netmon.QualityHigh,
	)

	proc := uploader.New(uploader.Config{
		Store:            st,
		Client:           client,
		Monitor:          monitor,
		Source:           lifecycle.NewManualSource(lifecycle.Foreground),
		Bus:              bus,
		Tables:           cfg.MediaTables(),
		Policy:           cfg.TransferPolicy(),
		ChunkThreshold:   cfg.ChunkThreshold,
		ChunkSize:        cfg.ChunkSize,
		PollInterval:     cfg.PollInterval,
		StabilityDelay:   cfg.StabilityDelay,
		SnapshotInterval: cfg.SnapshotInterval,
		PartTimeout:      cfg.PartTimeout,
	}, logger)

	eng := engine.New(engine.Config{
		Store:       st,
		Queue:       q,
		Remote:      client,
		Resolver:    conflict.NewResolver(st),
		Bus:         bus,
		Tables:      cfg.PullTables(),
		MaxAttempts: cfg.MaxAttempts,
	}, logger)

	feed := remote.NewFeed(cfg.ResolvedFeedURL(), cfg.Token, deviceID, logger)

	sched, err := engine.NewScheduler(eng, engine.SchedulerConfig{
		Interval:     cfg.SyncInterval,
		DeepSchedule: cfg.DeepSchedule,
		Hints:        feed.Hints(),
		HintDebounce: cfg.HintDebounce,
	}, logger)
	if err != nil {
		return fmt.Errorf("building scheduler: %w", err)
	}

	// Resolutions can produce records whose media has never uploaded
	// (keep_both duplicates); wake the processor so they move promptly.
	unsubscribe := bus.Subscribe(func(ev events.Event) {
		if ev.Type == events.TypeConflictResolved {
			proc.Kick()
		}
	})
	defer unsubscribe()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return monitor.Run(gctx) })
	g.Go(func() error { return proc.Run(gctx) })
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error { return feed.Run(gctx) })

	if cfg.SpoolDir != "" {
		watcher := media.NewWatcher(cfg.SpoolDir, proc, logger)
		g.Go(func() error { return watcher.Watch(gctx) })
	}

	if cfg.StatusAddr != "" {
		handler := httpapi.NewHandler(httpapi.Config{
			Store:       st,
			Queue:       q,
			Engine:      eng,
			Uploader:    proc,
			Logger:      logger,
			MaxAttempts: cfg.MaxAttempts,
		})
		g.Go(func() error { return httpapi.Serve(gctx, cfg.StatusAddr, handler, logger) })
	}

	proc.Start()

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.Info("fieldsyncd stopped")

	return nil
}
