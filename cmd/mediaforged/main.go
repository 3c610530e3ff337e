// Command mediaforged runs the media transcoding service: a websocket
// channel that accepts start_job/cancel_job requests, a fixed worker
// pool that runs ffmpeg jobs, and a health endpoint for probes.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/oceanline/mediaforge/internal/config"
	"github.com/oceanline/mediaforge/internal/jobs"
	"github.com/oceanline/mediaforge/internal/logger"
	"github.com/oceanline/mediaforge/internal/server"
	"github.com/oceanline/mediaforge/internal/store"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	port := flag.Int("port", 0, "override the channel (websocket) port")
	workRoot := flag.String("work-root", "", "override the job work directory root")
	flag.Parse()

	if v := os.Getenv("CONFIG_PATH"); v != "" {
		*configPath = v
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to load config from %s: %v, using defaults\n", *configPath, err)
		cfg = config.DefaultConfig()
	}

	if *port != 0 {
		cfg.ChannelPort = *port
	}
	if *workRoot != "" {
		cfg.WorkRoot = *workRoot
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.LogLevel)
	logger.Info("mediaforge starting",
		"channel_addr", fmt.Sprintf("%s:%d", cfg.ChannelHost, cfg.ChannelPort),
		"health_port", cfg.HealthPort,
		"workers", cfg.Workers,
		"queue_store", cfg.QueueStore,
		"work_root", cfg.WorkRoot,
	)

	if err := os.MkdirAll(cfg.WorkRoot, 0755); err != nil {
		logger.Error("failed to create work root", "path", cfg.WorkRoot, "err", err)
		os.Exit(1)
	}

	jobStore, err := openStore(cfg)
	if err != nil {
		logger.Error("failed to open job store", "err", err)
		os.Exit(1)
	}

	manager := jobs.NewManager(cfg, jobStore)

	ctx, cancel := context.WithCancel(context.Background())

	manager.Start(ctx)
	srv := server.New(cfg, manager)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("shutdown signal received", "signal", sig.String())
		cancel()
	}()

	if err := srv.Run(ctx); err != nil {
		logger.Error("server exited with error", "err", err)
	}

	manager.Wait()
	logger.Info("mediaforge stopped")
}

// openStore selects the job persistence backend named by
// Config.QueueStore. An unrecognized value falls back to the
// in-memory store rather than failing startup.
func openStore(cfg *config.Config) (jobs.Store, error) {
	switch cfg.QueueStore {
	case "sqlite":
		path := cfg.QueueStorePath
		if path == "" {
			path = "mediaforge.db"
		}
		return store.NewSQLiteStore(path)
	case "memory", "":
		return store.NewMemoryStore(), nil
	default:
		logger.Warn("unrecognized queue_store, falling back to memory", "queue_store", cfg.QueueStore)
		return store.NewMemoryStore(), nil
	}
}
