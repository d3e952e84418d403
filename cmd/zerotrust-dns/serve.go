package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"zerotrust-dns/pkg/config"
	"zerotrust-dns/pkg/dns"
	"zerotrust-dns/pkg/forwarder"
	"zerotrust-dns/pkg/geo"
	"zerotrust-dns/pkg/logging"
	"zerotrust-dns/pkg/notify"
	"zerotrust-dns/pkg/policy"
	"zerotrust-dns/pkg/resolver"
	"zerotrust-dns/pkg/storage"
	"zerotrust-dns/pkg/telemetry"
)

const shutdownTimeout = 5 * time.Second

// runServe wires every component and blocks until a signal arrives or a
// component fails. Configuration and bind errors are returned.
func runServe(ctx context.Context, configPath string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Close() }()
	logging.SetGlobal(logger)

	logger.Info("zerotrust-dns starting", "version", version, "build_time", buildTime, "config", configPath)

	watcher, err := config.NewWatcher(configPath, logger.Logger)
	if err != nil {
		return fmt.Errorf("watch config: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	telem, err := telemetry.New(ctx, &cfg.Telemetry, logger)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := telem.Shutdown(sctx); err != nil {
			logger.Error("Telemetry shutdown failed", "error", err)
		}
	}()
	metrics, err := telem.InitMetrics()
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	store, err := storage.Open(ctx, storage.Config{
		Path:         cfg.Storage.DatabasePath,
		BusyTimeout:  cfg.Storage.BusyTimeout,
		MaxOpenConns: cfg.Storage.MaxOpenConns,
		WALMode:      cfg.Storage.WAL(),
	})
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer func() { _ = store.Close() }()

	if err := store.Seed(ctx, cfg.Policy.Seed.BlockedDomains, cfg.Policy.Seed.BlockedCountries); err != nil {
		logger.Warn("Some seed entries were rejected", "error", err)
	}
	warnInertCountryBlocks(ctx, store, cfg.Geo, logger)

	lookup := resolver.New(cfg.Geo.Resolvers, logger)
	geoResolver := geo.New(geo.Options{
		HTTPClient:   lookup.NewHTTPClient(cfg.Geo.Timeout),
		Metrics:      metrics,
		Logger:       logger,
		URL:          cfg.Geo.URL,
		SkipNetworks: cfg.Geo.SkipNetworks,
		Timeout:      cfg.Geo.Timeout,
		Enabled:      cfg.Geo.Enabled,
	})

	engine := policy.NewEngine(store, geoResolver,
		policy.WithLocation(cfg.Location()),
		policy.WithLogger(logger),
	)
	upstream := forwarder.New(cfg.Upstream, logger)

	alerts, err := notify.New(cfg.Alerts, notify.Options{
		HTTPClient: lookup.NewHTTPClient(cfg.Alerts.Webhook.Timeout),
		Metrics:    metrics,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("init alerts: %w", err)
	}
	defer alerts.Close()

	tasks := dns.NewTaskQueue(cfg.SideEffects.Workers, cfg.SideEffects.QueueSize, cfg.SideEffects.TaskTimeout, logger, metrics)
	defer tasks.Close()

	handler := dns.NewHandler(engine, upstream, cfg.Policy)
	handler.SetGeo(geoResolver)
	handler.SetLedger(store)
	handler.SetAlerts(alerts)
	handler.SetTaskQueue(tasks)
	handler.SetMetrics(metrics)
	handler.SetLogger(logger)

	server := dns.NewServer(cfg.Server, handler, logger)
	if err := server.Listen(); err != nil {
		return err
	}

	watcher.OnChange(func(_, updated *config.Config) {
		logger.SetLevel(updated.Logging.Level)
		if err := alerts.Apply(updated.Alerts); err != nil {
			logger.Error("Keeping previous alert settings", "error", err)
		}
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(gctx)
	})
	g.Go(func() error {
		return watcher.Start(gctx)
	})

	logger.Info("zerotrust-dns is running",
		"address", server.Addr().String(),
		"upstream", upstream.Address(),
		"database", cfg.Storage.DatabasePath,
		"metrics", telem.MetricsAddr(),
		"geo", cfg.Geo.Enabled,
		"alerts", cfg.Alerts.Enabled,
	)

	err = g.Wait()

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := server.Shutdown(sctx); serr != nil {
		logger.Error("DNS server shutdown failed", "error", serr)
	}

	if err != nil {
		return err
	}
	logger.Info("zerotrust-dns stopped")
	return nil
}

type countryBlocks interface {
	HasBlockedCountries(ctx context.Context) (bool, error)
}

// warnInertCountryBlocks reports country blocks that can never match because
// geolocation is off. It returns true when it warned.
func warnInertCountryBlocks(ctx context.Context, store countryBlocks, geoCfg config.GeoConfig, logger *logging.Logger) bool {
	if geoCfg.Enabled {
		return false
	}
	blocked, err := store.HasBlockedCountries(ctx)
	if err != nil || !blocked {
		return false
	}
	logger.Warn("Country blocks are configured but geo.enabled is false; they will never apply")
	return true
}
