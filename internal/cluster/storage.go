// Package cluster fans a Storage operation out across every partition a
// discovery.Source currently reports, routes writes through a rendezvous
// Sharder, and reduces reads back into one merged stream. It is the
// direct analogue of ClusterCrdtStorage: what that class does with
// promises and StreamSplitter/StreamReducer, this does with goroutines,
// channels, and errgroup.
package cluster

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/akumaburn/crdtstore/internal/chunkstore"
	"github.com/akumaburn/crdtstore/internal/crdt"
	internalerrors "github.com/akumaburn/crdtstore/internal/errors"
	"github.com/akumaburn/crdtstore/internal/discovery"
	"github.com/akumaburn/crdtstore/internal/localnode"
	"github.com/akumaburn/crdtstore/internal/metrics"
	"github.com/akumaburn/crdtstore/internal/model"
	"github.com/akumaburn/crdtstore/internal/partition"
)

// Connector builds a Storage for a partition given its address. Local
// partitions are handed in pre-built (the *localnode.Node itself);
// remote ones are built via this factory (normally wire.NewClient) as
// soon as a scheme names them or their address changes.
type Connector func(id model.PartitionID, addr string) localnode.Storage

// Storage is the cluster-wide Storage: every operation fans out to all
// partitions a scheme names, shards writes by key, and merges reads.
type Storage struct {
	source   discovery.Source
	merge    crdt.Function
	connect  Connector
	localID  model.PartitionID
	local    localnode.Storage
	logger   *zap.Logger
	metrics  *metrics.Metrics

	mu     sync.RWMutex
	conns  map[model.PartitionID]connEntry
	scheme *partition.Scheme
}

type connEntry struct {
	addr    string
	storage localnode.Storage
}

// Options bundles a Storage's dependencies.
type Options struct {
	Source  discovery.Source
	Merge   crdt.Function
	Connect Connector
	LocalID model.PartitionID
	Local   localnode.Storage
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// New builds a Storage and starts tracking discovery.Source's scheme
// stream in the background. The background watcher stops when ctx is
// canceled; there is no separate Close.
func New(ctx context.Context, opts Options) (*Storage, error) {
	if opts.Source == nil {
		return nil, fmt.Errorf("cluster: source is required")
	}
	if opts.Merge == nil {
		return nil, fmt.Errorf("cluster: merge function is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Storage{
		source:  opts.Source,
		merge:   opts.Merge,
		connect: opts.Connect,
		localID: opts.LocalID,
		local:   opts.Local,
		logger:  logger,
		metrics: opts.Metrics,
		conns:   make(map[model.PartitionID]connEntry),
	}

	schemes, err := opts.Source.Schemes(ctx)
	if err != nil {
		return nil, fmt.Errorf("cluster: initial discovery: %w", err)
	}
	first, ok := <-schemes
	if !ok {
		return nil, fmt.Errorf("cluster: discovery closed before producing a scheme")
	}
	s.updateScheme(first)

	go s.watchSchemes(ctx, schemes)
	return s, nil
}

func (s *Storage) watchSchemes(ctx context.Context, schemes <-chan *partition.Scheme) {
	for {
		select {
		case <-ctx.Done():
			return
		case scheme, ok := <-schemes:
			if !ok {
				return
			}
			s.updateScheme(scheme)
		}
	}
}

// updateScheme retains connections keyed by partition-id across scheme
// changes (per the decision recorded for the partition-identity open
// question), reconnecting only a partition whose address changed and
// dropping ones no longer named by the new scheme.
func (s *Storage) updateScheme(scheme *partition.Scheme) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scheme = scheme

	wanted := make(map[model.PartitionID]struct{})
	for _, id := range scheme.Partitions() {
		wanted[id] = struct{}{}
		addr, _ := s.source.Addr(id)
		existing, has := s.conns[id]
		if has && existing.addr == addr {
			continue
		}
		if id == s.localID {
			s.conns[id] = connEntry{addr: addr, storage: s.local}
			continue
		}
		if s.connect == nil {
			continue
		}
		s.conns[id] = connEntry{addr: addr, storage: s.connect(id, addr)}
	}
	for id := range s.conns {
		if _, ok := wanted[id]; !ok {
			delete(s.conns, id)
		}
	}
	s.metrics.SetPartitions(len(s.conns), len(wanted))
}

func (s *Storage) snapshot() (*partition.Scheme, map[model.PartitionID]localnode.Storage) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[model.PartitionID]localnode.Storage, len(s.conns))
	for id, c := range s.conns {
		out[id] = c.storage
	}
	return s.scheme, out
}

// execute runs fn against every partition currently known, in parallel,
// and returns only the ones that succeeded, mirroring the Java
// original's execute() (a failed partition is dropped from the result
// map, not treated as a hard error for the whole operation).
func execute[T any](ctx context.Context, partitions map[model.PartitionID]localnode.Storage, fn func(context.Context, localnode.Storage) (T, error)) map[model.PartitionID]T {
	var mu sync.Mutex
	results := make(map[model.PartitionID]T, len(partitions))

	g, gctx := errgroup.WithContext(ctx)
	for id, st := range partitions {
		id, st := id, st
		g.Go(func() error {
			v, err := fn(gctx, st)
			if err != nil {
				return nil
			}
			mu.Lock()
			results[id] = v
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Upload shards entries by key across every alive partition's replicas
// and fans each shard out concurrently. If any replica's Upload fails,
// the fan-out aborts: remaining input is drained (not routed) so the
// caller's producer never blocks on a channel nobody reads, and the
// first replica error is returned once every goroutine has unwound.
func (s *Storage) Upload(ctx context.Context, entries <-chan crdt.Entry) error {
	scheme, partitions := s.snapshot()
	sharder := scheme.Sharder(aliveIDsFromKeys(partitions))
	if sharder == nil {
		return internalerrors.New(internalerrors.KindIncompleteCluster, "upload: incomplete cluster")
	}

	perPartition := make(map[model.PartitionID]chan crdt.Entry, len(partitions))
	for id := range partitions {
		perPartition[id] = make(chan crdt.Entry, 64)
	}

	abortCtx, abort := context.WithCancel(ctx)
	defer abort()

	var wg sync.WaitGroup
	errs := make(chan error, len(partitions))
	for id, st := range partitions {
		wg.Add(1)
		go func(id model.PartitionID, st localnode.Storage) {
			defer wg.Done()
			if err := st.Upload(ctx, perPartition[id]); err != nil {
				errs <- fmt.Errorf("cluster: upload to %s: %w", id, err)
				abort()
			}
		}(id, st)
	}

	var items int
	aborted := false
	for e := range entries {
		items++
		if aborted {
			continue
		}
		for _, target := range sharder.Shard(e.Key) {
			ch, ok := perPartition[target]
			if !ok {
				continue
			}
			select {
			case ch <- e:
			case <-abortCtx.Done():
				aborted = true
			}
			if aborted {
				break
			}
		}
	}
	for _, ch := range perPartition {
		close(ch)
	}
	wg.Wait()
	close(errs)
	s.metrics.RecordClusterUpload(items)
	for err := range errs {
		return err
	}
	return nil
}

// Remove shards tombstones by key the same way Upload shards entries,
// aborting and draining on the same partial-failure terms.
func (s *Storage) Remove(ctx context.Context, tombstones <-chan crdt.Tombstone) error {
	scheme, partitions := s.snapshot()
	sharder := scheme.Sharder(aliveIDsFromKeys(partitions))
	if sharder == nil {
		return internalerrors.New(internalerrors.KindIncompleteCluster, "remove: incomplete cluster")
	}

	perPartition := make(map[model.PartitionID]chan crdt.Tombstone, len(partitions))
	for id := range partitions {
		perPartition[id] = make(chan crdt.Tombstone, 64)
	}

	abortCtx, abort := context.WithCancel(ctx)
	defer abort()

	var wg sync.WaitGroup
	errs := make(chan error, len(partitions))
	for id, st := range partitions {
		wg.Add(1)
		go func(id model.PartitionID, st localnode.Storage) {
			defer wg.Done()
			if err := st.Remove(ctx, perPartition[id]); err != nil {
				errs <- fmt.Errorf("cluster: remove from %s: %w", id, err)
				abort()
			}
		}(id, st)
	}

	var items int
	aborted := false
	for t := range tombstones {
		items++
		if aborted {
			continue
		}
		for _, target := range sharder.Shard(t.Key) {
			ch, ok := perPartition[target]
			if !ok {
				continue
			}
			select {
			case ch <- t:
			case <-abortCtx.Done():
				aborted = true
			}
			if aborted {
				break
			}
		}
	}
	for _, ch := range perPartition {
		close(ch)
	}
	wg.Wait()
	close(errs)
	s.metrics.RecordClusterRemove(items)
	for err := range errs {
		return err
	}
	return nil
}

// Download fans out to every partition, requires the read-validity
// threshold per scheme group, and reduces the per-partition streams into
// one CRDT-merged stream keyed by key. The returned func reports an
// error, once the merged stream is fully drained, if enough replicas
// failed mid-stream to drop the surviving set below read-validity —
// spec §4.7's "terminate early with error" past that threshold. A
// replica glitch that the remaining replicas still cover is tolerated
// and not surfaced, matching Download's best-effort merge semantics.
func (s *Storage) Download(ctx context.Context, since uint64) (<-chan crdt.Entry, func() error, error) {
	type downloadResult struct {
		entries <-chan crdt.Entry
		err     func() error
	}
	scheme, partitions := s.snapshot()
	results := execute(ctx, partitions, func(ctx context.Context, st localnode.Storage) (downloadResult, error) {
		entries, errFn, err := st.Download(ctx, since)
		return downloadResult{entries: entries, err: errFn}, err
	})
	if !scheme.IsReadValid(aliveIDsFromKeys(results)) {
		return nil, nil, internalerrors.New(internalerrors.KindIncompleteCluster, "download: incomplete cluster")
	}

	streams := make(map[model.PartitionID]<-chan crdt.Entry, len(results))
	for id, r := range results {
		streams[id] = r.entries
	}
	merged := s.countEntries(reduce(ctx, streams, s.merge), s.metrics.RecordClusterDownload)

	errFn := func() error {
		alive := aliveIDsFromKeys(results)
		var first error
		for id, r := range results {
			if err := r.err(); err != nil {
				delete(alive, id)
				if first == nil {
					first = err
				}
			}
		}
		if first != nil && !scheme.IsReadValid(alive) {
			return internalerrors.New(internalerrors.KindIncompleteCluster, "download: too many replicas failed mid-stream")
		}
		return nil
	}
	return merged, errFn, nil
}

// Take fans out Take to every partition and reduces the same way
// Download does, returning a CommitFunc that commits (or aborts) every
// partition's take in parallel.
func (s *Storage) Take(ctx context.Context) (<-chan crdt.Entry, chunkstore.CommitFunc, error) {
	scheme, partitions := s.snapshot()
	type takeResult struct {
		entries <-chan crdt.Entry
		commit  chunkstore.CommitFunc
	}
	results := execute(ctx, partitions, func(ctx context.Context, st localnode.Storage) (takeResult, error) {
		entries, commit, err := st.Take(ctx)
		return takeResult{entries: entries, commit: commit}, err
	})
	if !scheme.IsReadValid(aliveIDsFromKeys(results)) {
		for _, r := range results {
			r.commit(internalerrors.ErrIncompleteCluster)
		}
		return nil, nil, internalerrors.New(internalerrors.KindIncompleteCluster, "take: incomplete cluster")
	}

	streams := make(map[model.PartitionID]<-chan crdt.Entry, len(results))
	for id, r := range results {
		streams[id] = r.entries
	}
	out := s.countEntries(reduce(ctx, streams, s.merge), s.metrics.RecordClusterTake)

	commit := func(err error) error {
		var wg sync.WaitGroup
		for _, r := range results {
			wg.Add(1)
			go func(r takeResult) {
				defer wg.Done()
				r.commit(err)
			}(r)
		}
		wg.Wait()
		return nil
	}
	return out, commit, nil
}

func aliveIDsFromKeys[T any](m map[model.PartitionID]T) map[model.PartitionID]bool {
	alive := make(map[model.PartitionID]bool, len(m))
	for id := range m {
		alive[id] = true
	}
	return alive
}

// countEntries wraps a reduced entry stream so the number of entries it
// actually delivers to the caller can be recorded once it's fully drained,
// without buffering the stream or delaying delivery.
func (s *Storage) countEntries(in <-chan crdt.Entry, record func(int)) <-chan crdt.Entry {
	if s.metrics == nil {
		return in
	}
	out := make(chan crdt.Entry, 64)
	go func() {
		defer close(out)
		n := 0
		for e := range in {
			n++
			out <- e
		}
		record(n)
	}()
	return out
}

// reduce is the streaming equivalent of StreamReducer +
// BinaryAccumulatorReducer: merge every partition's stream by key,
// folding duplicates with fn and keeping the max timestamp, same combine
// rule as internal/chunkstore and internal/wal use independently.
func reduce(ctx context.Context, streams map[model.PartitionID]<-chan crdt.Entry, fn crdt.Function) <-chan crdt.Entry {
	out := make(chan crdt.Entry, 64)
	go func() {
		defer close(out)

		merged := make(map[string]crdt.Entry)
		var mu sync.Mutex
		var wg sync.WaitGroup
		for _, stream := range streams {
			wg.Add(1)
			go func(stream <-chan crdt.Entry) {
				defer wg.Done()
				for e := range stream {
					mu.Lock()
					if existing, ok := merged[e.Key]; ok {
						merged[e.Key] = crdt.MergeEntries(fn, existing, e)
					} else {
						merged[e.Key] = e
					}
					mu.Unlock()
				}
			}(stream)
		}
		wg.Wait()

		keys := make([]string, 0, len(merged))
		for k := range merged {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			select {
			case out <- merged[k]:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Ping requires every group to meet its read-validity threshold among
// partitions that answer successfully.
func (s *Storage) Ping(ctx context.Context) error {
	scheme, partitions := s.snapshot()
	results := execute(ctx, partitions, func(ctx context.Context, st localnode.Storage) (struct{}, error) {
		return struct{}{}, st.Ping(ctx)
	})
	if !scheme.IsReadValid(aliveIDsFromKeys(results)) {
		return internalerrors.New(internalerrors.KindIncompleteCluster, "ping: incomplete cluster")
	}
	return nil
}

// Partition returns the live Storage for a partition id, used by
// internal/repartition to address the one local partition it drains.
func (s *Storage) Partition(id model.PartitionID) (localnode.Storage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conns[id]
	return c.storage, ok
}

// Scheme returns the currently active partition scheme.
func (s *Storage) Scheme() *partition.Scheme {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scheme
}

// Sharder builds a Sharder over every currently connected partition.
func (s *Storage) Sharder() *partition.Sharder {
	scheme, partitions := s.snapshot()
	return scheme.Sharder(aliveIDsFromKeys(partitions))
}

// Connections returns a snapshot of every currently connected partition,
// used by internal/repartition to check that the source is reachable and
// that there is somewhere to upload to.
func (s *Storage) Connections() map[model.PartitionID]localnode.Storage {
	_, partitions := s.snapshot()
	return partitions
}
