// Command resolvix is the per-host monitoring agent daemon. It tails
// configured log files for error events and publishes them to the broker,
// samples host telemetry into a durable spool, raises alert tickets on
// sustained threshold breaches, and exposes the local control API and live
// WebSocket streams.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/resolvix/agent/internal/config"
	"github.com/resolvix/agent/internal/daemon"
	"github.com/resolvix/agent/internal/hostid"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to the local config file (default "+config.DefaultPaths().ConfigFile+")")
	stateDir := flag.String("state-dir", "/var/lib/resolvix", "directory for persistent agent state")
	backendURL := flag.String("backend", os.Getenv("RESOLVIX_BACKEND_URL"), "backend base URL for config sync (empty disables sync)")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	level := new(slog.LevelVar)
	logger := newLogger(os.Stderr, level)
	slog.SetDefault(logger)

	if err := run(*configPath, *stateDir, *backendURL, level); err != nil {
		logger.Error("resolvix: fatal", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("resolvix: exited cleanly")
}

func run(configPath, stateDir, backendURL string, level *slog.LevelVar) error {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	nodeID, err := hostid.NodeID(stateDir)
	if err != nil {
		return fmt.Errorf("derive node id: %w", err)
	}

	paths := config.DefaultPaths()
	if configPath != "" {
		paths.ConfigFile = configPath
	}
	store, err := config.New(nodeID, backendURL, paths, slog.Default())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	snap := store.Snapshot()
	level.Set(daemon.ParseLevel(snap.String("logging.level", "INFO")))
	logger := newLogger(logDestination(snap.String("logging.path", "")), level)
	slog.SetDefault(logger)

	id := daemon.Identity{
		NodeID:   nodeID,
		SystemIP: hostid.PrimaryIP(),
		Hostname: hostid.Hostname(),
	}
	sup := daemon.New(store, id, logger,
		daemon.WithVersion(version),
		daemon.WithLevelVar(level))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return sup.Run(ctx)
}

// newLogger builds the agent's JSON logger. Every record carries the app
// attribute so the agent recognises its own lines when it tails its own log
// file.
func newLogger(w io.Writer, level *slog.LevelVar) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(handler).With(slog.String("app", "resolvix"))
}

// logDestination tees log output to the configured file alongside stderr.
// A file that cannot be opened degrades to stderr only.
func logDestination(path string) io.Writer {
	if path == "" {
		return os.Stderr
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		slog.Warn("resolvix: cannot open log file, logging to stderr",
			slog.String("path", path), slog.Any("error", err))
		return os.Stderr
	}
	return io.MultiWriter(os.Stderr, f)
}
