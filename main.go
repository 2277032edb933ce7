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

	"wschat/internal/auth"
	"wschat/internal/config"
	"wschat/internal/core"
	"wschat/internal/httpapi"
	"wschat/internal/metrics"
	"wschat/internal/store"
)

// Version is injected at build time with -ldflags.
var Version = "0.1.0-dev"

func main() {
	configPath := flag.String("config", "", "JSON settings file path (defaults apply when empty)")
	dbPath := flag.String("db", "", "SQLite database path for statistics persistence (disabled when empty)")
	statsInterval := flag.Duration("stats-interval", time.Minute, "Statistics flush interval")
	debug := flag.Bool("debug", false, "Enable debug logging (auto-enabled for dev builds)")
	flag.Parse()

	level := slog.LevelInfo
	if *debug || strings.Contains(Version, "dev") {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			slog.Error("load settings", "err", err)
			os.Exit(1)
		}
	}
	slog.Info("starting server", "version", Version, "addr", cfg.ListenAddr(), "endpoint", cfg.Server.Endpoint)

	authn, err := auth.FromConfig(cfg.Auth)
	if err != nil {
		slog.Error("configure authentication", "err", err)
		os.Exit(1)
	}

	reg := metrics.NewRegistry()
	obs := metrics.NewChatObserver(reg)

	chat, err := core.NewChatServer(cfg, authn, obs)
	if err != nil {
		slog.Error("initialize chat server", "err", err)
		os.Exit(1)
	}

	var sqliteStore *store.Store
	if *dbPath != "" {
		sqliteStore, err = store.Open(*dbPath)
		if err != nil {
			slog.Error("open sqlite store", "err", err)
			os.Exit(1)
		}
		defer func() {
			if closeErr := sqliteStore.Close(); closeErr != nil {
				slog.Error("close sqlite store", "err", closeErr)
			}
		}()

		persisted, err := sqliteStore.LoadStats(context.Background())
		if err != nil {
			slog.Error("load persisted statistics", "err", err)
			os.Exit(1)
		}
		chat.Stats().Load(persisted)
	}

	if cfg.Server.Watchdog.Enabled {
		chat.StartWatchdog()
	}

	server, err := httpapi.New(chat, cfg, metrics.Handler(reg))
	if err != nil {
		slog.Error("initialize http server", "err", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if sqliteStore != nil {
		go flushStatsLoop(ctx, chat, sqliteStore, *statsInterval)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("received interrupt, shutting down")
		cancel()
	}()

	slog.Info("listening", "addr", cfg.ListenAddr(), "secure", cfg.Server.Secure.Enabled)
	runErr := server.Run(ctx, cfg.ListenAddr())

	chat.Stop()
	if sqliteStore != nil {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := sqliteStore.SaveStats(flushCtx, chat.Stats().Snapshot()); err != nil {
			slog.Error("final statistics flush", "err", err)
		}
		flushCancel()
	}

	if runErr != nil {
		slog.Error("server error", "err", runErr)
		os.Exit(1)
	}
	slog.Info("server stopped")
}

func flushStatsLoop(ctx context.Context, chat *core.ChatServer, st *store.Store, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := st.SaveStats(ctx, chat.Stats().Snapshot()); err != nil {
				slog.Warn("periodic statistics flush", "err", err)
			}
		}
	}
}
