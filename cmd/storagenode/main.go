package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/akumaburn/crdtstore/internal/bootstrap"
	"github.com/akumaburn/crdtstore/internal/config"
	"github.com/akumaburn/crdtstore/internal/wire"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := bootstrap.NewLogger(cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("configuration loaded",
		zap.String("node_id", cfg.Server.NodeID),
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.String("discovery_mode", cfg.Discovery.Mode))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	node, err := bootstrap.BuildNode(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to build local storage", zap.Error(err))
	}
	defer node.Close()

	// Joining the cluster (rather than only opening local storage) keeps
	// this node's gossip membership live and its partition-reachability
	// gauges (crdtstore_cluster_partitions_*) populated, even though
	// incoming wire requests are served directly off node.Storage.
	clusterStorage, err := bootstrap.BuildCluster(ctx, cfg, logger, node)
	if err != nil {
		logger.Fatal("failed to join cluster", zap.Error(err))
	}
	logger.Info("joined cluster", zap.Int("reachable_partitions", len(clusterStorage.Connections())))

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Fatal("failed to listen", zap.Error(err))
	}
	server := wire.NewServer(listener, node.Storage, logger).WithMetrics(node.Metrics)

	go runConsolidationLoop(ctx, cfg, node, logger)

	var metricsServer *http.Server
	if cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{Addr: cfg.Metrics.Listen, Handler: mux}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
		logger.Info("metrics server started", zap.String("address", cfg.Metrics.Listen))
	}

	logger.Info("storage node serving", zap.String("address", addr))

	serveErr := server.Serve(ctx)

	logger.Info("shutting down")
	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		metricsServer.Shutdown(shutdownCtx)
		cancel()
	}
	if serveErr != nil {
		logger.Error("wire server stopped with error", zap.Error(serveErr))
	}
	logger.Info("storage node stopped", zap.String("node_id", cfg.Server.NodeID))
	if serveErr != nil {
		node.Close()
		logger.Sync()
		os.Exit(2)
	}
}

// runConsolidationLoop periodically runs a chunk store consolidation pass
// in the background while the node serves traffic. It does not run
// CleanupIrrelevant; that pass is run by `ctl cleanup`.
func runConsolidationLoop(ctx context.Context, cfg *config.Config, node *bootstrap.Node, logger *zap.Logger) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(cfg.Consolidate.InitialDelay):
	}

	ticker := time.NewTicker(cfg.Consolidate.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := node.Storage.Consolidate(ctx); err != nil {
				logger.Warn("consolidation pass failed", zap.Error(err))
			}
		}
	}
}
