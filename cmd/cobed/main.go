// cobed is the coordination backend for a swarm of specialist workers:
// it decomposes submitted projects, dispatches ready subtasks, arbitrates
// conflicts, and serves the JSON-RPC and WebSocket surfaces.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/cobehq/cobe/pkg/api"
	"github.com/cobehq/cobe/pkg/config"
	"github.com/cobehq/cobe/pkg/events"
	"github.com/cobehq/cobe/pkg/hooks"
	"github.com/cobehq/cobe/pkg/instance"
	"github.com/cobehq/cobe/pkg/sampling"
	"github.com/cobehq/cobe/pkg/sink"
	"github.com/cobehq/cobe/pkg/store"
	"github.com/cobehq/cobe/pkg/swarm"
	"github.com/cobehq/cobe/pkg/taskqueue"
	"github.com/cobehq/cobe/pkg/version"
)

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
}

func main() {
	envPath := flag.String("env", ".env", "Path to .env file")
	flag.Parse()

	if err := godotenv.Load(*envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", *envPath, "error", err)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}
	setupLogging(cfg.LogLevel)

	slog.Info("Starting cobed",
		"version", version.Full(),
		"http_port", cfg.Server.Port,
		"store_addr", cfg.Store.Addr)

	ctx := context.Background()

	// Store is the coordination authority; without it there is nothing
	// to serve.
	st, err := store.New(ctx, cfg.Store)
	if err != nil {
		slog.Error("Failed to connect to store", "addr", cfg.Store.Addr, "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("Error closing store", "error", err)
		}
	}()
	slog.Info("Connected to store")

	// The sink is the durable archive. Running without it degrades
	// (no archival, no postgres methods) but still coordinates.
	var sk *sink.Sink
	sk, err = sink.New(cfg.Sink)
	if err != nil {
		slog.Warn("Relational sink unavailable, continuing without archival", "error", err)
		sk = nil
	} else {
		defer func() {
			if err := sk.Close(); err != nil {
				slog.Error("Error closing sink", "error", err)
			}
		}()
		slog.Info("Connected to relational sink")
	}

	// Event fan-out: journal + live pub/sub into the WebSocket manager.
	bus := events.NewBus(st.Client(), cfg.Events.StreamMaxLen)
	connManager := events.NewConnectionManager(bus, cfg.Server.WSWriteTimeout)
	listener := events.NewListener(st.Client(), connManager.Deliver)
	if err := listener.Start(ctx); err != nil {
		slog.Error("Failed to start event listener", "error", err)
		os.Exit(1)
	}
	defer listener.Stop()
	slog.Info("Event listener started")

	provider := sampling.New(cfg.Sampling)
	if err := provider.Health(ctx); err != nil {
		// Non-fatal: every provider phase has a deterministic fallback.
		slog.Warn("Sampling provider unreachable at startup", "endpoint", cfg.Sampling.Endpoint, "error", err)
	}

	coordinator := swarm.NewCoordinator(st, provider, bus)
	validator := hooks.NewValidator(cfg.Hooks, bus, st)
	queue := taskqueue.New(st, cfg.Queue)

	// The sweeper runs a recovery pass first, reclaiming subtasks held by
	// instances that went stale while the process was down.
	sweeper := instance.NewManager(st, cfg.Instance)
	if err := sweeper.Start(ctx); err != nil {
		slog.Error("Failed to start instance sweeper", "error", err)
		os.Exit(1)
	}
	defer sweeper.Stop()
	slog.Info("Instance sweeper started", "interval", cfg.Instance.SweepInterval)

	server := api.NewServer(cfg, api.Deps{
		Store:       st,
		Sink:        sk,
		Bus:         bus,
		ConnManager: connManager,
		Coordinator: coordinator,
		Validator:   validator,
		Queue:       queue,
		Instances:   sweeper,
	})

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", ":"+cfg.Server.Port,
			"methods", len(server.Registry().Methods()))
		if err := server.Start(); err != nil {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP server shutdown exceeded timeout", "error", err)
	} else {
		slog.Info("HTTP server stopped")
	}

	// Give in-flight long polls a moment to observe cancellation before
	// the deferred component stops run.
	time.Sleep(100 * time.Millisecond)
	slog.Info("cobed stopped")
}
