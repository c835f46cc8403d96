package chunkstore

import (
	"container/heap"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"

	internalerrors "github.com/akumaburn/crdtstore/internal/errors"
	"github.com/akumaburn/crdtstore/internal/workerpool"
)

// maxConsolidateInput caps how many chunks one pass merges, so a single
// consolidation never holds open more file descriptors than the process
// budget allows.
const maxConsolidateInput = 32

// Consolidate merges a batch of small, unlocked chunks into one larger
// chunk, alternating which end of the chunk list it draws from so that
// consolidation load doesn't concentrate on the newest (hot) or oldest
// (cold) data exclusively.
func (s *Store) Consolidate(ctx context.Context) error {
	if !s.consolidating.CompareAndSwap(false, true) {
		return internalerrors.New(internalerrors.KindChunksAlreadyLocked, "a consolidation pass is already running")
	}
	defer s.consolidating.Store(false)

	start := time.Now()
	hot := s.toggleHotCold()
	candidates := s.selectCandidates(hot)
	if len(candidates) < 2 {
		return nil
	}

	ids := chunkIDs(candidates)
	if err := s.locker.TryLock(ids); err != nil {
		return err
	}
	defer s.locker.Unlock(ids)

	jobID := fmt.Sprintf("consolidate-%d", candidates[0].id)
	if err := s.runOnPool(jobID, func(ctx context.Context) error {
		_, err := s.mergeAndReplace(ctx, candidates, nil)
		return err
	}); err != nil {
		return fmt.Errorf("chunkstore: consolidate: %w", err)
	}
	s.metrics.RecordConsolidation(time.Since(start).Seconds())
	s.logger.Info("consolidated chunks", zap.Int("input_chunks", len(candidates)), zap.Bool("hot", hot))
	return nil
}

// toggleHotCold alternates which subset of chunks Consolidate prefers
// between calls; it is not persisted, since losing the preference across
// a restart only costs one skipped alternation, not correctness.
func (s *Store) toggleHotCold() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hotTurn = !s.hotTurn
	return s.hotTurn
}

func (s *Store) selectCandidates(hot bool) []*chunk {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var eligible []*chunk
	for _, c := range s.chunks {
		if c.refs == 0 && !s.locker.IsLocked(c.id) {
			eligible = append(eligible, c)
		}
	}
	if len(eligible) <= maxConsolidateInput {
		return eligible
	}
	if hot {
		return eligible[len(eligible)-maxConsolidateInput:]
	}
	return eligible[:maxConsolidateInput]
}

// runOnPool submits fn to the store's worker pool and blocks until it
// finishes, so the blocking chunk-file I/O that consolidation and
// cleanup do runs under the pool's bounded worker count rather than
// directly on the caller's goroutine (spec §5).
func (s *Store) runOnPool(jobID string, fn func(context.Context) error) error {
	done := make(chan error, 1)
	if err := s.pool.Submit(workerpool.Job{
		ID: jobID,
		Fn: func(ctx context.Context) error {
			err := fn(ctx)
			done <- err
			return err
		},
	}); err != nil {
		return err
	}
	return <-done
}

func chunkIDs(chunks []*chunk) []uint64 {
	ids := make([]uint64, len(chunks))
	for i, c := range chunks {
		ids[i] = c.id
	}
	return ids
}

// CleanupIrrelevant merges the same way Consolidate does, but additionally
// drops tombstones (and the entries they shadow) older than retain, since
// a tombstone that age has almost certainly already reached every
// replica it needed to.
func (s *Store) CleanupIrrelevant(ctx context.Context, retain time.Duration) error {
	if !s.consolidating.CompareAndSwap(false, true) {
		return internalerrors.New(internalerrors.KindChunksAlreadyLocked, "a consolidation pass is already running")
	}
	defer s.consolidating.Store(false)

	s.mu.RLock()
	var candidates []*chunk
	for _, c := range s.chunks {
		if c.refs == 0 && !s.locker.IsLocked(c.id) {
			candidates = append(candidates, c)
		}
	}
	s.mu.RUnlock()
	if len(candidates) == 0 {
		return nil
	}

	ids := chunkIDs(candidates)
	if err := s.locker.TryLock(ids); err != nil {
		return err
	}
	defer s.locker.Unlock(ids)

	before := chunkBytes(candidates)
	cutoff := retentionCutoff(retain)

	var after int64
	jobID := fmt.Sprintf("cleanup-%d", candidates[0].id)
	if err := s.runOnPool(jobID, func(ctx context.Context) error {
		a, err := s.mergeAndReplace(ctx, candidates, &cutoff)
		after = a
		return err
	}); err != nil {
		return fmt.Errorf("chunkstore: cleanup: %w", err)
	}
	if before > after {
		s.metrics.RecordCleanup(before - after)
	}
	s.logger.Info("cleaned up irrelevant tombstones", zap.Int("input_chunks", len(candidates)))
	return nil
}

func chunkBytes(chunks []*chunk) int64 {
	var total int64
	for _, c := range chunks {
		if fi, err := os.Stat(c.path); err == nil {
			total += fi.Size()
		}
	}
	return total
}

// retentionCutoff converts a retention window into the timestamp
// (milliseconds since epoch; CleanupIrrelevant reads crdt timestamps as
// Unix milliseconds) below which tombstones are dropped rather than kept.
func retentionCutoff(retain time.Duration) uint64 {
	now := time.Now().UnixMilli()
	cutoff := now - retain.Milliseconds()
	if cutoff < 0 {
		return 0
	}
	return uint64(cutoff)
}

// mergeAndReplace k-way-merges chunks into a single new chunk (dropping
// tombstones older than dropTombstonesOlderThan, if set) and atomically
// swaps it in for the inputs. It returns the size in bytes of whatever
// chunk replaced them, or 0 if the merge dropped every record.
func (s *Store) mergeAndReplace(ctx context.Context, chunks []*chunk, dropTombstonesOlderThan *uint64) (int64, error) {
	var closers []func() error
	defer func() {
		for _, c := range closers {
			c()
		}
	}()

	mh := &mergeHeap{}
	heap.Init(mh)
	for _, c := range chunks {
		body, closeFn, err := openChunkBody(c.path)
		if err != nil {
			return 0, fmt.Errorf("open chunk %d: %w", c.id, err)
		}
		closers = append(closers, closeFn)
		rec, err := body.Next()
		if err != nil {
			continue
		}
		heap.Push(mh, &mergeItem{rec: rec, src: body})
	}

	var out []entryOrTombstone
	var pendingKey string
	var pending entryOrTombstone
	havePending := false

	flush := func() {
		if !havePending {
			return
		}
		if pending.tombstone && dropTombstonesOlderThan != nil && pending.timestamp() < *dropTombstonesOlderThan {
			havePending = false
			return
		}
		out = append(out, pending)
		havePending = false
	}

	for mh.Len() > 0 {
		item := heap.Pop(mh).(*mergeItem)
		rec := item.rec

		next, err := item.src.Next()
		if err == nil {
			heap.Push(mh, &mergeItem{rec: next, src: item.src})
		}

		if havePending && rec.key() == pendingKey {
			pending = combine(pending, rec, s.merge)
			continue
		}
		flush()
		pending = rec
		pendingKey = rec.key()
		havePending = true
	}
	flush()

	oldIDs := chunkIDs(chunks)
	if len(out) == 0 {
		return 0, s.swapChunks(oldIDs, nil)
	}

	id, err := s.allocateID()
	if err != nil {
		return 0, err
	}
	path := filepath.Join(s.dir, strconv.FormatUint(id, 10))
	tmp := path + ".tmp"

	minKey, maxKey, err := writeChunkFile(tmp, out, s.compress)
	if err != nil {
		os.Remove(tmp)
		return 0, err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return 0, err
	}
	newChunk := &chunk{id: id, path: path, minKey: minKey, maxKey: maxKey, count: uint32(len(out))}

	newSize := int64(0)
	if fi, err := os.Stat(path); err == nil {
		newSize = fi.Size()
	}
	return newSize, s.swapChunks(oldIDs, newChunk)
}

// swapChunks removes oldIDs from the live set and inserts replacement (if
// non-nil) in one critical section, then unlinks the old files. A chunk
// still held by a reader (refs > 0) is left in place; this should not
// happen for candidates selected under the consolidation lock, but is
// handled defensively since a Take snapshot taken just before the lock
// was acquired could still be draining.
func (s *Store) swapChunks(oldIDs []uint64, replacement *chunk) error {
	oldSet := make(map[uint64]struct{}, len(oldIDs))
	for _, id := range oldIDs {
		oldSet[id] = struct{}{}
	}

	s.mu.Lock()
	var kept []*chunk
	var removable []*chunk
	for _, c := range s.chunks {
		if _, match := oldSet[c.id]; match && c.refs == 0 {
			removable = append(removable, c)
			continue
		}
		kept = append(kept, c)
	}
	if replacement != nil {
		kept = append(kept, replacement)
	}
	s.chunks = kept
	s.mu.Unlock()

	var firstErr error
	for _, c := range removable {
		if err := os.Remove(c.path); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("remove superseded chunk %d: %w", c.id, err)
		}
	}
	return firstErr
}
