// Command possync is the ChefCloud POS offline sync gateway. It runs
// next to a POS terminal, queues mutating actions while the network is
// down, and reconciles them with the ChefCloud server on reconnect.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/chefcloud/possync/internal/action"
	"github.com/chefcloud/possync/internal/api"
	"github.com/chefcloud/possync/internal/bridge"
	"github.com/chefcloud/possync/internal/config"
	"github.com/chefcloud/possync/internal/connectivity"
	"github.com/chefcloud/possync/internal/printer"
	"github.com/chefcloud/possync/internal/queue"
	"github.com/chefcloud/possync/internal/scheduler"
	"github.com/chefcloud/possync/internal/syncer"
	"github.com/chefcloud/possync/internal/synclog"
)

var (
	version   = "0.1.0"
	buildTime = "dev"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "possync.toml", "path to config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("possync %s (%s)\n", version, buildTime)
		return 0
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Server.LogLevel),
	}))
	slog.SetDefault(logger)

	if err := os.MkdirAll(cfg.Server.DataDir, 0o750); err != nil {
		logger.Error("failed to create data dir", "dir", cfg.Server.DataDir, "error", err)
		return 1
	}

	rules := action.DefaultRules()
	if cfg.Sync.RulesFile != "" {
		rules, err = action.LoadRules(cfg.Sync.RulesFile)
		if err != nil {
			logger.Error("failed to load rules file", "path", cfg.Sync.RulesFile, "error", err)
			return 1
		}
	}

	log, err := synclog.Open(filepath.Join(cfg.Server.DataDir, "synclog.db"), logger)
	if err != nil {
		logger.Error("failed to open sync log", "error", err)
		return 1
	}
	defer log.Close()

	q, err := queue.Open(filepath.Join(cfg.Server.DataDir, "queue.db"), rules, log, logger)
	if err != nil {
		logger.Error("failed to open queue", "error", err)
		return 1
	}
	defer q.Close()

	client := syncer.NewDefaultHTTPClient(time.Duration(cfg.ChefCloud.RequestTimeoutSeconds) * time.Second)
	engine := syncer.New(q, log, rules, client, cfg.ChefCloud.BaseURL, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	monitor := connectivity.NewMonitor(logger)
	// Sync-on-reconnect policy lives here, not in the monitor.
	monitor.Subscribe(func(online bool) {
		if online {
			go engine.SyncQueue(ctx)
		}
	})

	br := bridge.New(
		cfg.MQTT.Host, cfg.MQTT.Port, cfg.MQTT.Username, cfg.MQTT.Password,
		cfg.Sync.TerminalID,
		func() { engine.SyncQueue(ctx) },
		monitor, logger,
	)
	if err := br.Start(ctx); err != nil {
		// The broker being down is the situation this gateway exists
		// for; keep running and let the client's connect retry catch up.
		logger.Warn("service-worker bridge unavailable at startup", "error", err)
	}
	defer br.Stop()

	sched := scheduler.New(logger)
	if err := sched.AddJob("sync-pass", cfg.Sync.Schedule, func() {
		if monitor.IsOnline() {
			engine.SyncQueue(ctx)
		}
	}); err != nil {
		logger.Error("failed to schedule sync pass", "error", err)
		return 1
	}
	sched.Start()
	defer sched.Stop()

	p := printer.New(cfg.Printer, logger)
	server := api.NewServer(cfg.Server.Port, q, log, engine, monitor, p, logger)

	logger.Info("possync starting",
		"version", version,
		"terminal", cfg.Sync.TerminalID,
		"server", cfg.ChefCloud.BaseURL,
		"queued", q.Len(),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(gctx)
	})
	g.Go(func() error {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-sigCh:
			logger.Info("shutdown signal received", "signal", sig)
			cancel()
		case <-gctx.Done():
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("gateway exited with error", "error", err)
		return 1
	}

	logger.Info("possync stopped")
	return 0
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
