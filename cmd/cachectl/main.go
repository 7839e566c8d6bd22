// Command cachectl runs the recursive DNS cache manager as a standalone
// process: it loads configuration, wires up logging and telemetry, and
// drives the cache's periodic eviction and snapshot lifecycle.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"dnscache/pkg/config"
	"dnscache/pkg/dnscache"
	"dnscache/pkg/logging"
	"dnscache/pkg/telemetry"
)

var (
	configPath     = flag.String("config", "config.yml", "Path to configuration file")
	showVersion    = flag.Bool("version", false, "Show version information and exit")
	validateConfig = flag.Bool("validate-config", false, "Validate configuration file and exit")

	// Build-time variables set via ldflags
	// Example: go build -ldflags "-X main.version=$(git describe --tags) -X main.buildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("dnscache cache manager\n")
		fmt.Printf("Version:     %s\n", version)
		fmt.Printf("Git Commit:  %s\n", gitCommit)
		fmt.Printf("Build Time:  %s\n", buildTime)
		fmt.Printf("Go Version:  %s\n", runtime.Version())
		os.Exit(0)
	}

	if *validateConfig {
		if _, err := config.Load(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Configuration invalid: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Configuration valid.")
		return
	}

	ctx := context.Background()

	cfgWatcher, err := config.NewWatcher(*configPath, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize config watcher: %v\n", err)
		os.Exit(1)
	}
	cfg := cfgWatcher.Config()

	logger, err := logging.New(&cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logging.SetGlobal(logger)

	// Recreate the watcher now that a logger exists so fsnotify errors
	// get logged instead of silently dropped.
	cfgWatcher, err = config.NewWatcher(*configPath, logger.Logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to reinitialize config watcher with logger: %v\n", err)
		os.Exit(1)
	}
	cfg = cfgWatcher.Config()

	watcherCtx, watcherCancel := context.WithCancel(ctx)
	defer watcherCancel()

	go func() {
		if watcherErr := cfgWatcher.Start(watcherCtx); watcherErr != nil {
			logger.Error("Config watcher stopped", "error", watcherErr)
		}
	}()

	logger.Info("dnscache starting",
		"version", version,
		"build_time", buildTime,
	)

	telem, err := telemetry.New(ctx, &cfg.Telemetry, logger)
	if err != nil {
		logger.Error("Failed to initialize telemetry", "error", err)
		os.Exit(1)
	}

	metrics, err := telem.InitMetrics()
	if err != nil {
		logger.Error("Failed to initialize metrics", "error", err)
		os.Exit(1)
	}

	manager := dnscache.NewManager(
		dnscache.WithMaximumEntries(int64(cfg.Cache.MaxEntries)),
		dnscache.WithServeStale(cfg.Cache.ServeStale),
	)

	if cfg.Cache.SnapshotPath != "" {
		if _, err := os.Stat(cfg.Cache.SnapshotPath); err == nil {
			if err := manager.Load(cfg.Cache.SnapshotPath); err != nil {
				logger.Error("Failed to load cache snapshot", "path", cfg.Cache.SnapshotPath, "error", err)
			} else {
				logger.Info("Cache snapshot loaded", "path", cfg.Cache.SnapshotPath, "entries", manager.TotalEntries())
			}
		}
	}

	metrics.CacheSize.Add(ctx, manager.TotalEntries())

	cfgWatcher.OnChange(func(newCfg *config.Config) {
		logger.Info("Configuration reloaded",
			"max_entries", newCfg.Cache.MaxEntries,
			"serve_stale", newCfg.Cache.ServeStale,
		)

		if !equalLoggingConfig(&cfg.Logging, &newCfg.Logging) {
			newLogger, err := logging.New(&newCfg.Logging)
			if err != nil {
				logger.Error("Failed to reload logger", "error", err)
			} else {
				logging.SetGlobal(newLogger)
				logger = newLogger
			}
		}

		cfg = newCfg
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	serverCtx, serverCancel := context.WithCancel(ctx)
	defer serverCancel()

	go runEvictionLoop(serverCtx, manager, &cfg.Cache, logger, metrics)
	go runSnapshotLoop(serverCtx, manager, &cfg.Cache, logger, metrics)

	logger.Info("dnscache is running",
		"max_entries", manager.MaximumEntries(),
		"serve_stale", cfg.Cache.ServeStale,
		"snapshot_path", cfg.Cache.SnapshotPath,
	)

	sig := <-sigChan
	logger.Info("Received shutdown signal", "signal", sig.String())
	serverCancel()

	if cfg.Cache.SnapshotPath != "" {
		if err := manager.Save(cfg.Cache.SnapshotPath); err != nil {
			logger.Error("Failed to save final cache snapshot", "error", err)
		} else {
			logger.Info("Final cache snapshot saved", "path", cfg.Cache.SnapshotPath)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := telem.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during telemetry shutdown", "error", err)
	}

	logger.Info("dnscache stopped")
}

// runEvictionLoop periodically sweeps expired, stale, and (if over
// capacity) least-recently-used records out of the cache.
func runEvictionLoop(ctx context.Context, m *dnscache.Manager, cfg *config.CacheConfig, logger *logging.Logger, metrics *telemetry.Metrics) {
	period := cfg.EvictionPeriod
	if period <= 0 {
		period = time.Minute
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	prevTotal := m.TotalEntries()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed := m.RemoveExpiredRecords(time.Now())
			if removed > 0 {
				logger.Debug("Eviction pass completed", "removed", removed, "total_entries", m.TotalEntries())
				metrics.CacheEvictionsTotal.Add(ctx, int64(removed))
			}
			total := m.TotalEntries()
			metrics.CacheSize.Add(ctx, total-prevTotal)
			prevTotal = total
		}
	}
}

// runSnapshotLoop periodically persists the cache to disk so a restart
// doesn't cold-start an empty cache.
func runSnapshotLoop(ctx context.Context, m *dnscache.Manager, cfg *config.CacheConfig, logger *logging.Logger, metrics *telemetry.Metrics) {
	if cfg.SnapshotPath == "" || cfg.SnapshotPeriod <= 0 {
		return
	}
	ticker := time.NewTicker(cfg.SnapshotPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			if err := m.Save(cfg.SnapshotPath); err != nil {
				logger.Error("Periodic snapshot save failed", "error", err)
				metrics.SnapshotFailures.Add(ctx, 1)
				continue
			}
			metrics.SnapshotDuration.Record(ctx, float64(time.Since(start).Milliseconds()))
			logger.Debug("Snapshot saved", "path", cfg.SnapshotPath)
		}
	}
}

func equalLoggingConfig(a, b *config.LoggingConfig) bool {
	return a.Level == b.Level &&
		a.Format == b.Format &&
		a.Output == b.Output &&
		a.FilePath == b.FilePath &&
		a.AddSource == b.AddSource
}
