// Package chunkstore is the bottom layer of a storage node: an append-only,
// content-addressed set of immutable chunk files, each holding a
// sorted-by-key run of entries and tombstones. It is read by the local
// storage node (internal/localnode) on download/take, and written by the
// WAL drainer on upload/remove and by its own background consolidator.
package chunkstore

import (
	"bufio"
	"container/heap"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/akumaburn/crdtstore/internal/crdt"
	internalerrors "github.com/akumaburn/crdtstore/internal/errors"
	"github.com/akumaburn/crdtstore/internal/metrics"
	"github.com/akumaburn/crdtstore/internal/workerpool"
)

const nextIDFileName = "NEXT_ID"

// Store is a directory of immutable chunk files plus the metadata needed
// to stream merged reads across them and to consolidate or clean them up
// in the background.
type Store struct {
	dir      string
	merge    crdt.Function
	compress bool
	logger   *zap.Logger
	pool     *workerpool.Pool
	metrics  *metrics.Metrics

	mu     sync.RWMutex
	chunks []*chunk // ascending by id; id order has no bearing on key range
	nextID uint64

	locker        *chunkLocker
	consolidating atomic.Bool
	hotTurn       bool
}

// Options configures a Store.
type Options struct {
	Compress bool
	Logger   *zap.Logger
	Pool     *workerpool.Pool
	Metrics  *metrics.Metrics
}

// Open loads (or initializes) the chunk directory at dir.
func Open(dir string, merge crdt.Function, opts Options) (*Store, error) {
	if merge == nil {
		return nil, fmt.Errorf("chunkstore: merge function is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("chunkstore: create dir: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	pool := opts.Pool
	if pool == nil {
		pool = workerpool.New(workerpool.Options{Name: "chunkstore", Workers: 2, Logger: logger})
	}

	s := &Store{
		dir:      dir,
		merge:    merge,
		compress: opts.Compress,
		logger:   logger,
		pool:     pool,
		metrics:  opts.Metrics,
		locker:   newChunkLocker(),
	}

	if err := s.loadExisting(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) loadExisting() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("chunkstore: read dir: %w", err)
	}

	var maxID uint64
	for _, e := range entries {
		if e.IsDir() || e.Name() == nextIDFileName {
			continue
		}
		id, err := strconv.ParseUint(e.Name(), 10, 64)
		if err != nil {
			continue // not a chunk file, ignore
		}
		c, err := readChunkMeta(filepath.Join(s.dir, e.Name()), id)
		if err != nil {
			s.logger.Warn("skipping unreadable chunk file", zap.String("file", e.Name()), zap.Error(err))
			continue
		}
		s.chunks = append(s.chunks, c)
		if id >= maxID {
			maxID = id + 1
		}
	}
	sort.Slice(s.chunks, func(i, j int) bool { return s.chunks[i].id < s.chunks[j].id })

	if persisted, ok := s.readNextID(); ok && persisted > maxID {
		maxID = persisted
	}
	s.nextID = maxID
	return nil
}

func readChunkMeta(path string, id uint64) (*chunk, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	br := bufio.NewReader(f)
	var flags [1]byte
	if _, err := io.ReadFull(br, flags[:]); err != nil {
		return nil, err
	}
	var countBuf [4]byte
	if _, err := io.ReadFull(br, countBuf[:]); err != nil {
		return nil, err
	}
	count := uint32(countBuf[0]) | uint32(countBuf[1])<<8 | uint32(countBuf[2])<<16 | uint32(countBuf[3])<<24
	minKey, err := readLenPrefixed(br)
	if err != nil {
		return nil, err
	}
	maxKey, err := readLenPrefixed(br)
	if err != nil {
		return nil, err
	}
	return &chunk{id: id, path: path, minKey: string(minKey), maxKey: string(maxKey), count: count}, nil
}

func (s *Store) readNextID() (uint64, bool) {
	data, err := os.ReadFile(filepath.Join(s.dir, nextIDFileName))
	if err != nil {
		return 0, false
	}
	v, err := strconv.ParseUint(string(data), 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func (s *Store) allocateID() (uint64, error) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	next := s.nextID
	s.mu.Unlock()

	tmp := filepath.Join(s.dir, nextIDFileName+".tmp")
	if err := os.WriteFile(tmp, []byte(strconv.FormatUint(next, 10)), 0o644); err != nil {
		return 0, fmt.Errorf("chunkstore: persist next id: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(s.dir, nextIDFileName)); err != nil {
		return 0, fmt.Errorf("chunkstore: commit next id: %w", err)
	}
	return id, nil
}

// Upload consumes entries (which must arrive in strictly ascending key
// order, matching the WAL drainer's sort-then-merge output) and commits
// them as one new chunk file.
func (s *Store) Upload(ctx context.Context, entries <-chan crdt.Entry) error {
	var buf []entryOrTombstone
	var lastKey string
	first := true
	for e := range entries {
		if !first && e.Key <= lastKey {
			return internalerrors.New(internalerrors.KindProtocolError, "upload entries must be strictly ascending by key")
		}
		lastKey = e.Key
		first = false
		buf = append(buf, fromEntry(e))
	}
	if len(buf) == 0 {
		return nil
	}
	return s.commitChunk(buf)
}

// Remove consumes tombstones in ascending key order and commits them as
// one new chunk file, shadowing any earlier entry for the same key with an
// older timestamp once merged on read.
func (s *Store) Remove(ctx context.Context, tombstones <-chan crdt.Tombstone) error {
	var buf []entryOrTombstone
	var lastKey string
	first := true
	for t := range tombstones {
		if !first && t.Key <= lastKey {
			return internalerrors.New(internalerrors.KindProtocolError, "remove tombstones must be strictly ascending by key")
		}
		lastKey = t.Key
		first = false
		buf = append(buf, fromTombstone(t))
	}
	if len(buf) == 0 {
		return nil
	}
	return s.commitChunk(buf)
}

func (s *Store) commitChunk(buf []entryOrTombstone) error {
	id, err := s.allocateID()
	if err != nil {
		return err
	}
	path := filepath.Join(s.dir, strconv.FormatUint(id, 10))
	tmp := path + ".tmp"

	minKey, maxKey, err := writeChunkFile(tmp, buf, s.compress)
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("chunkstore: write chunk %d: %w", id, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("chunkstore: commit chunk %d: %w", id, err)
	}

	c := &chunk{id: id, path: path, minKey: minKey, maxKey: maxKey, count: uint32(len(buf))}
	s.mu.Lock()
	s.chunks = append(s.chunks, c)
	s.mu.Unlock()

	if fi, err := os.Stat(path); err == nil {
		s.metrics.RecordChunkWrite(fi.Size())
	}
	s.logger.Debug("committed chunk", zap.Uint64("chunk_id", id), zap.Int("records", len(buf)))
	return nil
}

// snapshot returns the set of currently live chunks with refs incremented,
// so a concurrent consolidation cannot delete them out from under a reader.
// The caller must call release() when it is done streaming.
func (s *Store) snapshot() (snap []*chunk, release func()) {
	s.mu.Lock()
	snap = make([]*chunk, len(s.chunks))
	copy(snap, s.chunks)
	for _, c := range snap {
		c.refs++
	}
	s.mu.Unlock()

	return snap, func() {
		s.mu.Lock()
		for _, c := range snap {
			c.refs--
		}
		s.mu.Unlock()
	}
}

// Download streams the merged, de-duplicated state of every key whose
// winning record has timestamp > since. Tombstoned keys are suppressed.
func (s *Store) Download(ctx context.Context, since uint64) (<-chan crdt.Entry, error) {
	snap, release := s.snapshot()
	out := make(chan crdt.Entry, 64)
	start := time.Now()

	go func() {
		defer release()
		defer close(out)
		s.mergeStream(ctx, snap, since, out)
		s.metrics.RecordChunkRead(time.Since(start).Seconds())
	}()

	return out, nil
}

// CommitFunc acknowledges a Take: call it with nil once the caller has
// durably accepted the streamed data, which deletes the source chunks;
// call it with a non-nil error to release the read references without
// deleting anything.
type CommitFunc func(error) error

// Take streams the entire current contents (as Download(0) would) and
// returns a commit function. Calling commit(nil) deletes the chunks that
// were streamed, since the caller now owns that data; calling commit with
// a non-nil error just releases the read references without deleting
// anything, matching the take/ack contract of spec §4.1.
func (s *Store) Take(ctx context.Context) (<-chan crdt.Entry, CommitFunc, error) {
	snap, release := s.snapshot()
	out := make(chan crdt.Entry, 64)

	go func() {
		defer close(out)
		s.mergeStream(ctx, snap, 0, out)
	}()

	var committed bool
	commit := func(ackErr error) error {
		if committed {
			return nil
		}
		committed = true
		release()
		if ackErr != nil {
			return nil
		}
		return s.deleteChunks(snap)
	}
	return out, commit, nil
}

func (s *Store) deleteChunks(toDelete []*chunk) error {
	ids := make(map[uint64]struct{}, len(toDelete))
	for _, c := range toDelete {
		ids[c.id] = struct{}{}
	}

	s.mu.Lock()
	var kept []*chunk
	var removable []*chunk
	for _, c := range s.chunks {
		if _, match := ids[c.id]; match && c.refs == 0 {
			removable = append(removable, c)
			continue
		}
		kept = append(kept, c)
	}
	s.chunks = kept
	s.mu.Unlock()

	var firstErr error
	for _, c := range removable {
		if err := os.Remove(c.path); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("chunkstore: remove chunk %d: %w", c.id, err)
		}
	}
	return firstErr
}

// mergeStream performs a k-way merge across snap's chunk bodies, combining
// same-key records via s.merge and emitting only live (non-tombstoned)
// results newer than since.
func (s *Store) mergeStream(ctx context.Context, snap []*chunk, since uint64, out chan<- crdt.Entry) {
	mh := &mergeHeap{}
	heap.Init(mh)

	var closers []func() error
	defer func() {
		for _, c := range closers {
			c()
		}
	}()

	for _, c := range snap {
		body, closeFn, err := openChunkBody(c.path)
		if err != nil {
			s.logger.Error("failed to open chunk during merge", zap.Uint64("chunk_id", c.id), zap.Error(err))
			continue
		}
		closers = append(closers, closeFn)
		rec, err := body.Next()
		if err != nil {
			continue
		}
		heap.Push(mh, &mergeItem{rec: rec, src: body})
	}

	var pendingKey string
	var pending entryOrTombstone
	havePending := false

	flush := func() {
		if !havePending {
			return
		}
		if !pending.tombstone && pending.timestamp() > since {
			select {
			case out <- pending.entry:
			case <-ctx.Done():
			}
		}
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
}

// combine reduces two records for the same key into one, per the CRDT
// merge contract: the result carries the max timestamp, and a tombstone
// beats an entry with an equal or lower timestamp.
func combine(a, b entryOrTombstone, fn crdt.Function) entryOrTombstone {
	if a.timestamp() > b.timestamp() {
		a, b = b, a // b now holds the higher-or-equal timestamp
	}
	if b.tombstone {
		return b
	}
	if a.tombstone {
		if a.timestamp() == b.timestamp() {
			// equal-timestamp tombstone beats the entry.
			return a
		}
		// a is an older tombstone, b is a newer entry: entry wins.
		return b
	}
	merged := crdt.MergeEntries(fn, a.entry, b.entry)
	return fromEntry(merged)
}

// mergeItem is one chunk's current head record in the k-way merge heap.
type mergeItem struct {
	rec entryOrTombstone
	src *chunkBodyReader
}

type mergeHeap []*mergeItem

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	if h[i].rec.key() != h[j].rec.key() {
		return h[i].rec.key() < h[j].rec.key()
	}
	return h[i].rec.timestamp() < h[j].rec.timestamp()
}
func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x any)   { *h = append(*h, x.(*mergeItem)) }
func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Stats is a point-in-time summary, exposed to internal/metrics.
type Stats struct {
	ChunkCount int
	TotalBytes int64
}

func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Stats{ChunkCount: len(s.chunks)}
	for _, c := range s.chunks {
		if fi, err := os.Stat(c.path); err == nil {
			st.TotalBytes += fi.Size()
		}
	}
	s.metrics.SetChunkStoreSize(st.ChunkCount, st.TotalBytes)
	return st
}

// Close stops the store's worker pool.
func (s *Store) Close() error {
	return s.pool.Stop(30 * time.Second)
}
