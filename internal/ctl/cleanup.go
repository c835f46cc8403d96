package ctl

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/akumaburn/crdtstore/internal/bootstrap"
	"github.com/akumaburn/crdtstore/internal/config"
)

func newCleanupCommand(root *RootOptions) *cobra.Command {
	var retain time.Duration

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Drop tombstones older than --retain from this node's data directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLocalNode(root, func(ctx context.Context, cfg *config.Config, n *bootstrap.Node, logger *zap.Logger) error {
				if err := n.Storage.Cleanup(ctx, retain); err != nil {
					return fmt.Errorf("cleanup: %w", err)
				}
				logger.Info("cleanup pass complete", zap.String("node_id", cfg.Server.NodeID), zap.Duration("retain", retain))
				return nil
			})
		},
	}

	cmd.Flags().DurationVar(&retain, "retain", 24*time.Hour, "drop tombstones older than this")
	return cmd
}
