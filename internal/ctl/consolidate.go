package ctl

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/akumaburn/crdtstore/internal/bootstrap"
	"github.com/akumaburn/crdtstore/internal/config"
)

func newConsolidateCommand(root *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "consolidate",
		Short: "Run one chunk store consolidation pass against this node's data directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLocalNode(root, func(ctx context.Context, cfg *config.Config, n *bootstrap.Node, logger *zap.Logger) error {
				if err := n.Storage.Consolidate(ctx); err != nil {
					return fmt.Errorf("consolidate: %w", err)
				}
				logger.Info("consolidation pass complete", zap.String("node_id", cfg.Server.NodeID))
				return nil
			})
		},
	}
}
