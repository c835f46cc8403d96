package ctl

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/akumaburn/crdtstore/internal/bootstrap"
	"github.com/akumaburn/crdtstore/internal/cluster"
	"github.com/akumaburn/crdtstore/internal/model"
	"github.com/akumaburn/crdtstore/internal/repartition"
)

func newRepartitionCommand(root *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "repartition <partition-id>",
		Short: "Drain one partition's data and re-upload it through the cluster's current scheme",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCluster(root, func(ctx context.Context, n *bootstrap.Node, c *cluster.Storage, logger *zap.Logger) error {
				stats, err := repartition.Repartition(ctx, c, model.PartitionID(args[0]), n.Metrics)
				if err != nil {
					return fmt.Errorf("repartition: %w", err)
				}
				logger.Info("repartition complete",
					zap.String("source", args[0]),
					zap.Int64("keys_moved", stats.KeysMoved),
					zap.Int64("bytes_moved", stats.BytesMoved))
				return nil
			})
		},
	}
}
