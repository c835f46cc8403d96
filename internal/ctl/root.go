// Package ctl is the operator-facing command surface for a storage
// node's data directory: one-shot consolidation, tombstone cleanup, and
// cluster repartitioning, run against the same config.yaml the node
// itself serves from.
package ctl

import (
	"github.com/spf13/cobra"
)

// RootOptions holds flags shared by every subcommand.
type RootOptions struct {
	ConfigPath string
}

// NewRootCommand creates the ctl CLI's root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "ctl",
		Short: "Operator commands for a CRDT storage node",
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "path to config.yaml (defaults to $CONFIG_PATH or ./config.yaml)")

	cmd.AddCommand(newConsolidateCommand(opts))
	cmd.AddCommand(newCleanupCommand(opts))
	cmd.AddCommand(newRepartitionCommand(opts))

	return cmd
}
