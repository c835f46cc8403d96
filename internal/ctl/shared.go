package ctl

import (
	"context"

	"go.uber.org/zap"

	"github.com/akumaburn/crdtstore/internal/bootstrap"
	"github.com/akumaburn/crdtstore/internal/cluster"
	"github.com/akumaburn/crdtstore/internal/config"
)

// withLocalNode loads config, opens this node's local storage, runs fn,
// then releases everything it opened.
func withLocalNode(root *RootOptions, fn func(ctx context.Context, cfg *config.Config, n *bootstrap.Node, logger *zap.Logger) error) error {
	cfg, err := config.Load(bootstrap.ResolveConfigPath(root.ConfigPath))
	if err != nil {
		return err
	}

	logger, err := bootstrap.NewLogger(cfg.Logging.Level)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx := context.Background()
	n, err := bootstrap.BuildNode(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer n.Close()

	return fn(ctx, cfg, n, logger)
}

// withCluster does what withLocalNode does, then also joins the cluster
// so fn can fan writes out to the other partitions a scheme names.
func withCluster(root *RootOptions, fn func(ctx context.Context, n *bootstrap.Node, c *cluster.Storage, logger *zap.Logger) error) error {
	var result error
	err := withLocalNode(root, func(ctx context.Context, cfg *config.Config, n *bootstrap.Node, logger *zap.Logger) error {
		c, err := bootstrap.BuildCluster(ctx, cfg, logger, n)
		if err != nil {
			return err
		}
		result = fn(ctx, n, c, logger)
		return result
	})
	if err != nil {
		return err
	}
	return result
}
