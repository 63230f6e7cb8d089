package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/heartwatch/heartwatch/watchdog/internal/config"
	"github.com/heartwatch/heartwatch/watchdog/internal/dedup"
	"github.com/heartwatch/heartwatch/watchdog/internal/fanout"
	"github.com/heartwatch/heartwatch/watchdog/internal/poller"
	"github.com/heartwatch/heartwatch/watchdog/internal/source"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	logLevel := flag.String("log-level", "info", "log level: debug|info|warn|error")
	flag.Parse()

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		fmt.Fprintf(os.Stderr, "invalid -log-level %q: %v\n", *logLevel, err)
		os.Exit(2)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("heartwatch starting", "config", *configPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	w := cfg.Watchdog
	slog.Info("config loaded",
		"source", w.Source.Type,
		"addresses", len(w.Source.Addresses),
		"endpoints", len(w.Endpoints),
		"default_endpoint", w.DefaultEndpoint,
		"poll_interval", w.PollInterval,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := buildStore(ctx, w.State)
	if err != nil {
		slog.Error("failed to build state store", "err", err)
		os.Exit(1)
	}

	dispatcher, err := fanout.NewDispatcher(w)
	if err != nil {
		slog.Error("failed to build endpoints", "err", err)
		os.Exit(1)
	}
	defer dispatcher.Close()

	connector, err := source.New(w.Source)
	if err != nil {
		slog.Error("failed to build data source", "err", err)
		os.Exit(1)
	}
	for _, cs := range source.CheckCerts(ctx, w.Source) {
		if cs.State == source.CertUnreachable {
			slog.Warn("data source certificate", "address", cs.Address, "state", cs.State, "err", cs.Err)
			continue
		}
		attrs := []any{"address", cs.Address, "state", cs.State, "issuer", cs.Issuer, "days_left", cs.DaysLeft}
		if cs.State == source.CertValid {
			slog.Info("data source certificate", attrs...)
		} else {
			slog.Warn("data source certificate", attrs...)
		}
	}

	// Endpoints and categories follow the config file; source, state and
	// timing changes need a restart.
	go func() {
		if err := config.Watch(ctx, *configPath, func(updated *config.Config) {
			if err := dispatcher.Reload(updated.Watchdog); err != nil {
				slog.Error("config hot-reload rejected", "err", err)
				return
			}
			slog.Info("config hot-reloaded",
				"endpoints", len(updated.Watchdog.Endpoints),
				"categories", len(updated.Watchdog.Categories))
		}); err != nil {
			slog.Error("config watcher stopped", "err", err)
		}
	}()

	deduper := dedup.New(store, w.Dedup.Window)
	slog.Info("deduplicator ready", "window", deduper.Window(), "state_backend", w.State.Backend)

	p := poller.New(connector, deduper, dispatcher, poller.OptionsFrom(w))
	p.Run(ctx)

	slog.Info("heartwatch shutting down")
}

// buildStore returns the configured host state store. The memory store's
// eviction loop runs until ctx is cancelled.
func buildStore(ctx context.Context, sc config.StateConfig) (dedup.Store, error) {
	switch sc.Backend {
	case "redis":
		client, err := dedup.ConnectRedis(ctx, sc.RedisAddr, sc.RedisPassword(), sc.RedisDB)
		if err != nil {
			return nil, err
		}
		go func() {
			<-ctx.Done()
			client.Close()
		}()
		slog.Info("state store: redis", "addr", sc.RedisAddr, "db", sc.RedisDB)
		return dedup.NewRedisStore(client, sc.KeyPrefix, sc.TTL), nil
	default:
		store, err := dedup.NewMemoryStore(sc.MaxEntries, sc.TTL)
		if err != nil {
			return nil, err
		}
		go store.Run(ctx)
		slog.Info("state store: memory", "max_entries", sc.MaxEntries, "ttl", sc.TTL)
		return store, nil
	}
}
