// Package repartition implements the Repartitioner: draining one
// partition's entire contents and re-uploading them through the
// cluster's normal sharded write path, so every key lands wherever the
// current scheme says it belongs. Grounded directly on
// ClusterCrdtStorage#repartition's guard-clause ordering.
package repartition

import (
	"context"
	"fmt"
	"time"

	"github.com/akumaburn/crdtstore/internal/cluster"
	"github.com/akumaburn/crdtstore/internal/crdt"
	internalerrors "github.com/akumaburn/crdtstore/internal/errors"
	"github.com/akumaburn/crdtstore/internal/metrics"
	"github.com/akumaburn/crdtstore/internal/model"
)

// Stats reports how much a Repartition call moved, the Go-idiomatic
// replacement for the teacher's JMX-style StreamMetrics.
type Stats struct {
	KeysMoved  int64
	BytesMoved int64
}

// Repartition drains source's Take stream and re-uploads every entry
// through cluster, which reshards each key via the currently active
// Sharder. The guard clauses below are checked in the exact order
// ClusterCrdtStorage#repartition checks them:
//  1. source must be a partition the cluster can currently reach.
//  2. there must be somewhere else to upload to.
//  3. the source's Take must actually succeed.
//  4. the cluster's scheme must still be sharder-valid.
func Repartition(ctx context.Context, c *cluster.Storage, source model.PartitionID, m *metrics.Metrics) (Stats, error) {
	start := time.Now()
	stats, err := repartition(ctx, c, source)
	m.RecordRepartition(time.Since(start).Seconds(), stats.KeysMoved, stats.BytesMoved, err)
	return stats, err
}

func repartition(ctx context.Context, c *cluster.Storage, source model.PartitionID) (Stats, error) {
	sourceStorage, ok := c.Partition(source)
	if !ok {
		return Stats{}, internalerrors.New(internalerrors.KindNotFound, "could not upload to local storage")
	}

	conns := c.Connections()
	if len(conns) <= 1 {
		return Stats{}, internalerrors.New(internalerrors.KindIncompleteCluster, "nowhere to upload")
	}

	entries, commit, err := sourceStorage.Take(ctx)
	if err != nil {
		return Stats{}, internalerrors.Wrap(internalerrors.KindIoError, "could not download local data", err)
	}

	if c.Sharder() == nil {
		commit(internalerrors.ErrIncompleteCluster)
		return Stats{}, internalerrors.New(internalerrors.KindIncompleteCluster, "incomplete cluster")
	}

	stats := Stats{}
	counted := make(chan crdt.Entry, 64)
	go func() {
		defer close(counted)
		for e := range entries {
			stats.KeysMoved++
			stats.BytesMoved += int64(len(e.State))
			counted <- e
		}
	}()

	if err := c.Upload(ctx, counted); err != nil {
		commit(err)
		return stats, fmt.Errorf("repartition: upload: %w", err)
	}
	if err := commit(nil); err != nil {
		return stats, fmt.Errorf("repartition: commit: %w", err)
	}
	return stats, nil
}
