// Package localnode composes a Write-Ahead Log and a Chunk Store behind
// the one Storage interface every other layer (wire client/server,
// cluster fan-out) treats uniformly, whether the partition behind it is
// local or remote.
package localnode

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/akumaburn/crdtstore/internal/chunkstore"
	"github.com/akumaburn/crdtstore/internal/crdt"
	"github.com/akumaburn/crdtstore/internal/diskguard"
	"github.com/akumaburn/crdtstore/internal/wal"
)

// Storage is the five-operation contract shared by the local node, the
// wire client's remote proxy, and cluster fan-out. Download's second
// return is only meaningful once the entry channel has been fully
// drained (closed); calling it earlier may block. It reports an error
// only when the stream itself failed partway through — an in-process
// Node never fails mid-stream and always returns a func reporting nil.
type Storage interface {
	Upload(ctx context.Context, entries <-chan crdt.Entry) error
	Download(ctx context.Context, since uint64) (<-chan crdt.Entry, func() error, error)
	Take(ctx context.Context) (<-chan crdt.Entry, chunkstore.CommitFunc, error)
	Remove(ctx context.Context, tombstones <-chan crdt.Tombstone) error
	Ping(ctx context.Context) error
}

// estimatedEntryOverhead is a conservative flat per-record estimate used
// to ask the disk guard whether a batch is safe to write, since a WAL
// record's exact on-disk size isn't known until it's framed.
const estimatedEntryOverhead = 64

// Node is the concrete Storage backing a single partition: writes go
// through the WAL first, reads and takes go straight to the Chunk Store
// the WAL's drainer feeds.
type Node struct {
	wal    *wal.WAL
	chunks *chunkstore.Store
	guard  *diskguard.Guard
	logger *zap.Logger
}

// Options bundles a Node's already-constructed dependencies; Chunk Store
// and WAL are built first by the caller (per the dependency order the
// rest of this engine follows) and handed in already open.
type Options struct {
	ChunkStore *chunkstore.Store
	WAL        *wal.WAL
	Guard      *diskguard.Guard
	Logger     *zap.Logger
}

// New wraps an already-open Chunk Store and WAL as a Storage.
func New(opts Options) (*Node, error) {
	if opts.ChunkStore == nil {
		return nil, fmt.Errorf("localnode: chunk store is required")
	}
	if opts.WAL == nil {
		return nil, fmt.Errorf("localnode: wal is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Node{wal: opts.WAL, chunks: opts.ChunkStore, guard: opts.Guard, logger: logger}, nil
}

// Upload appends every entry to the WAL, which durably owns it the moment
// Append returns; the WAL's own background drainer merges and uploads it
// into the Chunk Store asynchronously.
func (n *Node) Upload(ctx context.Context, entries <-chan crdt.Entry) error {
	count := 0
	for e := range entries {
		if n.guard != nil {
			if err := n.guard.CheckWrite(uint64(len(e.State) + estimatedEntryOverhead)); err != nil {
				return err
			}
		}
		if err := n.wal.Append(ctx, e); err != nil {
			return fmt.Errorf("localnode: upload: %w", err)
		}
		count++
	}
	n.logger.Debug("uploaded entries", zap.Int("count", count))
	return nil
}

// Download reads merged state directly from the Chunk Store. Entries
// still sitting in the WAL's undrained backlog are not yet visible here;
// spec §5 accepts this as the node's internal read-after-write latency,
// bounded by the WAL's drain interval.
func (n *Node) Download(ctx context.Context, since uint64) (<-chan crdt.Entry, func() error, error) {
	out, err := n.chunks.Download(ctx, since)
	return out, func() error { return nil }, err
}

// Take hands the Chunk Store's take-then-commit contract straight
// through, unmodified.
func (n *Node) Take(ctx context.Context) (<-chan crdt.Entry, chunkstore.CommitFunc, error) {
	return n.chunks.Take(ctx)
}

// Remove appends every tombstone to the WAL, same durability contract as
// Upload.
func (n *Node) Remove(ctx context.Context, tombstones <-chan crdt.Tombstone) error {
	count := 0
	for t := range tombstones {
		if err := n.wal.AppendTombstone(ctx, t); err != nil {
			return fmt.Errorf("localnode: remove: %w", err)
		}
		count++
	}
	n.logger.Debug("removed tombstones", zap.Int("count", count))
	return nil
}

// Ping is a liveness check: it refreshes the Chunk Store's size statistics
// and always returns nil. It does not probe the WAL or the chunk
// directory, so an unreadable directory does not make it fail.
func (n *Node) Ping(ctx context.Context) error {
	n.chunks.Stats()
	return nil
}

// Recover replays any WAL segments left over from an unclean shutdown
// into the Chunk Store. Callers must run this once before accepting
// traffic.
func (n *Node) Recover(ctx context.Context) error {
	return n.wal.Recover(ctx)
}

// Consolidate runs one Chunk Store consolidation pass.
func (n *Node) Consolidate(ctx context.Context) error {
	return n.chunks.Consolidate(ctx)
}

// Cleanup runs one Chunk Store irrelevant-tombstone cleanup pass,
// dropping tombstones older than retain.
func (n *Node) Cleanup(ctx context.Context, retain time.Duration) error {
	return n.chunks.CleanupIrrelevant(ctx, retain)
}

// Close releases the WAL and Chunk Store.
func (n *Node) Close() error {
	if err := n.wal.Close(); err != nil {
		return err
	}
	return n.chunks.Close()
}
