// Package bootstrap wires one storage node's Chunk Store, WAL, Local
// Storage Node, Discovery source, and Cluster Storage from a loaded
// config.Config, the shared construction sequence cmd/storagenode's
// server and cmd/ctl's operator commands both start from.
package bootstrap

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/akumaburn/crdtstore/internal/chunkstore"
	"github.com/akumaburn/crdtstore/internal/cluster"
	"github.com/akumaburn/crdtstore/internal/config"
	"github.com/akumaburn/crdtstore/internal/crdt"
	"github.com/akumaburn/crdtstore/internal/discovery"
	"github.com/akumaburn/crdtstore/internal/diskguard"
	"github.com/akumaburn/crdtstore/internal/localnode"
	"github.com/akumaburn/crdtstore/internal/metrics"
	"github.com/akumaburn/crdtstore/internal/model"
	"github.com/akumaburn/crdtstore/internal/wal"
	"github.com/akumaburn/crdtstore/internal/wire"
	"github.com/akumaburn/crdtstore/internal/workerpool"
)

// MergeFunctionFor resolves the configured CRDT merge function by name.
func MergeFunctionFor(name string) (crdt.Function, error) {
	switch name {
	case "lww":
		return crdt.LastWriteWins{}, nil
	case "gcounter":
		return crdt.GCounter{}, nil
	default:
		return nil, fmt.Errorf("unknown crdt function %q", name)
	}
}

// Node bundles one partition's local storage with the metrics sink it
// was built against and how to release everything it opened.
type Node struct {
	Storage *localnode.Node
	Metrics *metrics.Metrics
	Close   func() error
}

// BuildNode opens the WAL and Chunk Store, replays any uncommitted WAL
// segments into the Chunk Store, and wraps both as a localnode.Storage.
// It does not start the wire server or join the cluster: callers that
// only need local storage (consolidate, cleanup) stop here.
func BuildNode(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Node, error) {
	merge, err := MergeFunctionFor(cfg.Crdt.Function)
	if err != nil {
		return nil, err
	}

	m := metrics.New(cfg.Server.NodeID)

	guard := diskguard.New(cfg.Storage.Path, diskguard.DefaultThresholds(), 0, logger, m)

	pool := workerpool.New(workerpool.Options{Name: "chunkstore-" + cfg.Server.NodeID, Workers: 4, Queue: 64})

	chunks, err := chunkstore.Open(cfg.Storage.Path, merge, chunkstore.Options{
		Compress: cfg.Consolidate.Compression == "snappy",
		Logger:   logger,
		Pool:     pool,
		Metrics:  m,
	})
	if err != nil {
		pool.Stop(5 * time.Second)
		return nil, fmt.Errorf("bootstrap: open chunk store: %w", err)
	}

	w, err := wal.Open(cfg.WAL.Path, wal.Options{
		SegmentSize:   cfg.WAL.SegmentSize,
		MaxAge:        cfg.WAL.MaxAge,
		SyncWrites:    cfg.WAL.SyncWrites,
		DrainInterval: cfg.WAL.DrainInterval,
		Merge:         merge,
		Sink:          chunks,
		Logger:        logger,
		Metrics:       m,
	})
	if err != nil {
		chunks.Close()
		pool.Stop(5 * time.Second)
		return nil, fmt.Errorf("bootstrap: open wal: %w", err)
	}

	storage, err := localnode.New(localnode.Options{
		ChunkStore: chunks,
		WAL:        w,
		Guard:      guard,
		Logger:     logger,
	})
	if err != nil {
		w.Close()
		chunks.Close()
		pool.Stop(5 * time.Second)
		return nil, fmt.Errorf("bootstrap: build local node: %w", err)
	}

	if err := storage.Recover(ctx); err != nil {
		logger.Error("wal recovery failed", zap.Error(err))
	}

	closeFn := func() error {
		err := storage.Close()
		pool.Stop(5 * time.Second)
		return err
	}
	return &Node{Storage: storage, Metrics: m, Close: closeFn}, nil
}

// BuildDiscoverySource builds the discovery.Source a node's cluster uses
// to learn the current partition scheme, per cfg.Discovery.Mode.
func BuildDiscoverySource(cfg *config.Config, logger *zap.Logger, m *metrics.Metrics) (discovery.Source, error) {
	switch cfg.Discovery.Mode {
	case "static":
		groups := make([]model.Group, 0, len(cfg.Cluster.Groups))
		addrs := make(map[model.PartitionID]string)
		for _, g := range cfg.Cluster.Groups {
			ids := make([]model.PartitionID, 0, len(g.Partitions))
			for _, p := range g.Partitions {
				ids = append(ids, model.PartitionID(p.ID))
				addrs[model.PartitionID(p.ID)] = p.Addr
			}
			groups = append(groups, model.Group{
				ID:          g.ID,
				Partitions:  ids,
				Replication: g.Replication,
				MinActive:   g.MinActive,
				Active:      true,
			})
		}
		return discovery.NewStatic(groups, addrs, cfg.Cluster.Buckets)
	case "gossip":
		policies := make([]discovery.GroupPolicy, 0, len(cfg.Cluster.Groups))
		for _, g := range cfg.Cluster.Groups {
			policies = append(policies, discovery.GroupPolicy{ID: g.ID, Replication: g.Replication, MinActive: g.MinActive})
		}
		self := discovery.NodeMeta{
			PartitionID: cfg.Server.NodeID,
			Addr:        fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
			GroupID:     cfg.Server.GroupID,
		}
		gossipCfg := discovery.GossipConfig{BindPort: cfg.Discovery.Gossip.BindPort, SeedNodes: cfg.Discovery.Gossip.Seeds}
		return discovery.NewGossip(gossipCfg, policies, cfg.Cluster.Buckets, self, logger, m)
	default:
		return nil, fmt.Errorf("unknown discovery mode %q", cfg.Discovery.Mode)
	}
}

// BuildCluster wraps an already-built local node as the cluster-wide
// Storage, connecting to remote partitions over the wire protocol.
func BuildCluster(ctx context.Context, cfg *config.Config, logger *zap.Logger, n *Node) (*cluster.Storage, error) {
	source, err := BuildDiscoverySource(cfg, logger, n.Metrics)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: build discovery source: %w", err)
	}

	merge, err := MergeFunctionFor(cfg.Crdt.Function)
	if err != nil {
		return nil, err
	}

	connect := func(id model.PartitionID, addr string) localnode.Storage {
		return wire.NewClient(addr, logger)
	}

	return cluster.New(ctx, cluster.Options{
		Source:  source,
		Merge:   merge,
		Connect: connect,
		LocalID: model.PartitionID(cfg.Server.NodeID),
		Local:   n.Storage,
		Logger:  logger,
		Metrics: n.Metrics,
	})
}

// NewLogger builds a zap production logger at the configured level,
// falling back to info if the level string doesn't parse.
func NewLogger(level string) (*zap.Logger, error) {
	zapCfg := zap.NewProductionConfig()
	var zapLevel zap.AtomicLevel
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		zapLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	zapCfg.Level = zapLevel
	return zapCfg.Build()
}

// ResolveConfigPath applies the same precedence the teacher's main.go
// uses for locating its config file: an explicit flag value first, then
// $CONFIG_PATH, then a sane default.
func ResolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv("CONFIG_PATH"); env != "" {
		return env
	}
	return "./config.yaml"
}
