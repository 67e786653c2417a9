package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	serverhttp "raftmap/internal/http"
	"raftmap/pkg/cluster"
	"raftmap/pkg/config"
	"raftmap/pkg/raftadapter"
	"raftmap/pkg/statemachine"
)

const joinTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		slog.Error("raftmap stopped with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := initConfig(parseFlags(os.Args[1:]))
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := initLogger(&cfg); err != nil {
		return err
	}

	if cfg.Storage.Clean {
		slog.Warn("removing storage directory", "dir", cfg.Storage.DataDir)
		if err := os.RemoveAll(cfg.Storage.DataDir); err != nil {
			return fmt.Errorf("clean storage: %w", err)
		}
	}

	join := cfg.Raft.Join != ""
	if join {
		if err := joinPeers(ctx, &cfg); err != nil {
			return err
		}
	}

	node, err := raftadapter.NewNode(&cfg, statemachine.New(), join)
	if err != nil {
		return fmt.Errorf("create raft node: %w", err)
	}

	slog.Info("raftmap starting", "id", node.ID, "addr", node.Addr, "data_dir", cfg.Storage.DataDir)

	server := serverhttp.NewServer(node, &cfg)
	if err := server.Start(); err != nil {
		_ = node.Stop()
		return err
	}

	if cfg.ZooKeeper.Enabled {
		registry, err := register(ctx, &cfg, node.ID, node.Addr)
		if err != nil {
			_ = server.Stop()
			return err
		}
		defer func() {
			_ = registry.Deregister()
			_ = registry.Close()
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-server.Err():
	}

	if err := server.Stop(); err != nil {
		slog.Error("Error stopping server", "error", err)
	}
	slog.Info("raftmap stopped")
	return runErr
}

// joinPeers добавляет ноду в работающий кластер и берёт оттуда список пиров.
func joinPeers(ctx context.Context, cfg *config.Config) error {
	addr := cfg.Server.AdvertiseURL()
	id := cfg.Raft.ID
	if id == 0 {
		id = raftadapter.IDFromAddress(addr)
		cfg.Raft.ID = id
	}

	jctx, cancel := context.WithTimeout(ctx, joinTimeout)
	defer cancel()
	peers, err := serverhttp.JoinClusterRetry(jctx, cfg.Raft.Join, id, addr)
	if err != nil {
		return fmt.Errorf("join %s: %w", cfg.Raft.Join, err)
	}

	ids := make([]uint64, 0, len(peers))
	for pid := range peers {
		ids = append(ids, pid)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	cfg.Raft.Peers = cfg.Raft.Peers[:0]
	for _, pid := range ids {
		cfg.Raft.Peers = append(cfg.Raft.Peers, config.RaftPeerConfig{ID: pid, Address: peers[pid]})
	}
	slog.Info("joined cluster", "seed", cfg.Raft.Join, "id", id, "peers", len(ids))
	return nil
}

func register(ctx context.Context, cfg *config.Config, id uint64, addr string) (*cluster.ZKRegistry, error) {
	zk := cfg.ZooKeeper
	registry, err := cluster.NewZKRegistry(zk.Servers, zk.Root, zk.SessionTimeout, id, addr)
	if err != nil {
		return nil, fmt.Errorf("connect to zookeeper: %w", err)
	}
	rctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := registry.RegisterSelf(rctx); err != nil {
		_ = registry.Close()
		return nil, fmt.Errorf("register in zookeeper: %w", err)
	}
	return registry, nil
}
