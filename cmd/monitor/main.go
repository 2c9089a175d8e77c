package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"replsvc/internal/http"
	"replsvc/internal/services/configkey"
	"replsvc/pkg/cluster"
	"replsvc/pkg/config"
	"replsvc/pkg/kvstore"
	"replsvc/pkg/monitor"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := initConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	initLogger(&cfg)

	if err := run(ctx, cfg); err != nil {
		slog.Error("monitor failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	store, err := kvstore.Open(cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	mon, err := monitor.New(cfg, store)
	if err != nil {
		_ = store.Close()
		return err
	}
	mon.Register(configkey.New())
	mon.Start(ctx)
	defer func() {
		if err := mon.Close(); err != nil {
			slog.Error("close monitor", "error", err)
		}
	}()

	server := http.NewServer(mon, cfg.Server.Port, cfg.Server.RequestTimeout)
	if err := server.Start(); err != nil {
		return err
	}
	defer func() {
		if err := server.Stop(); err != nil {
			slog.Error("stop http server", "error", err)
		}
	}()

	if len(cfg.Zookeeper.Servers) > 0 {
		membership, err := joinZookeeper(ctx, cfg, mon)
		if err != nil {
			return err
		}
		defer membership.Close()
	}

	slog.Info("monitor is running", "id", cfg.Raft.ID, "port", cfg.Server.Port)
	<-ctx.Done()
	slog.Info("monitor stopping")
	return nil
}

// joinZookeeper publishes this monitor and keeps raft membership in line
// with the registered monitors.
func joinZookeeper(ctx context.Context, cfg config.Config, mon *monitor.Monitor) (*cluster.ZKMembership, error) {
	self := selfAddr(cfg)
	membership, err := cluster.NewZKMembership(cfg.Zookeeper.Servers, cfg.Zookeeper.Root, cfg.Raft.ID, self)
	if err != nil {
		return nil, err
	}
	if err := membership.RegisterSelf(); err != nil {
		_ = membership.Close()
		return nil, fmt.Errorf("register in zookeeper: %w", err)
	}

	membership.Watch(ctx, func(peers map[uint64]string) {
		if err := mon.SyncPeers(ctx, peers); err != nil {
			slog.Warn("sync peers", "error", err)
		}
	})
	return membership, nil
}

func selfAddr(cfg config.Config) string {
	for _, p := range cfg.Raft.Peers {
		if p.ID == cfg.Raft.ID {
			return p.Address
		}
	}
	return fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
}
