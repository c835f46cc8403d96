package wal

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/akumaburn/crdtstore/internal/crdt"
	internalerrors "github.com/akumaburn/crdtstore/internal/errors"
	"github.com/akumaburn/crdtstore/internal/metrics"
)

// Sink is the Chunk Store's upload surface, as seen from the WAL. Kept as
// an interface (rather than importing internal/chunkstore directly) so the
// WAL has no compile-time dependency on the chunk store's implementation,
// only its contract.
type Sink interface {
	Upload(ctx context.Context, entries <-chan crdt.Entry) error
	Remove(ctx context.Context, tombstones <-chan crdt.Tombstone) error
}

// Options configures a WAL.
type Options struct {
	SegmentSize   int64
	MaxAge        time.Duration
	SyncWrites    bool
	DrainInterval time.Duration
	Merge         crdt.Function
	Sink          Sink
	Logger        *zap.Logger
	Metrics       *metrics.Metrics
}

// WAL durably appends entries and tombstones to a rotating set of segment
// files, then periodically drains, sorts, merges and uploads its buffered
// backlog to a Sink in the background.
type WAL struct {
	dir    string
	opts   Options
	logger *zap.Logger

	mu            sync.Mutex
	currentID     int64
	currentFile   *os.File
	currentWriter *bufio.Writer
	currentOpened time.Time
	pending       []record
	finalized     map[int64]struct{}

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Open creates (or reopens) a WAL directory and starts its background
// rotation and drain loops. Callers should invoke Recover before serving
// traffic to replay any segments left over from an unclean shutdown.
func Open(dir string, opts Options) (*WAL, error) {
	if opts.Merge == nil {
		return nil, fmt.Errorf("wal: merge function is required")
	}
	if opts.Sink == nil {
		return nil, fmt.Errorf("wal: sink is required")
	}
	if opts.SegmentSize <= 0 {
		opts.SegmentSize = 64 * 1024 * 1024
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = 5 * time.Minute
	}
	if opts.DrainInterval <= 0 {
		opts.DrainInterval = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("wal: create dir: %w", err)
	}

	w := &WAL{
		dir:    dir,
		opts:   opts,
		logger: opts.Logger,
		stopCh: make(chan struct{}),
	}

	ids, err := listSegments(dir)
	if err != nil {
		return nil, err
	}
	var nextID int64
	if len(ids) > 0 {
		nextID = ids[len(ids)-1] + 1
	}
	if err := w.openSegment(nextID); err != nil {
		return nil, err
	}

	w.wg.Add(2)
	go w.rotationLoop()
	go w.drainLoop()

	return w, nil
}

func (w *WAL) openSegment(id int64) error {
	path := segmentPath(w.dir, id)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("wal: open segment %d: %w", id, err)
	}
	w.currentID = id
	w.currentFile = f
	w.currentWriter = bufio.NewWriter(f)
	w.currentOpened = time.Now()
	return nil
}

// Append durably writes a data entry to the current segment.
func (w *WAL) Append(ctx context.Context, entry crdt.Entry) error {
	return w.append(record{entry: entry})
}

// AppendTombstone durably writes a tombstone to the current segment.
func (w *WAL) AppendTombstone(ctx context.Context, ts crdt.Tombstone) error {
	return w.append(record{tombstone: true, ts: ts})
}

func (w *WAL) append(r record) error {
	start := time.Now()
	w.mu.Lock()
	defer w.mu.Unlock()

	r.segmentID = w.currentID
	frame, err := encodeFrame(r)
	if err != nil {
		return err
	}
	if _, err := w.currentWriter.Write(frame); err != nil {
		return internalerrors.Wrap(internalerrors.KindIoError, "wal append failed", err)
	}
	if err := w.currentWriter.Flush(); err != nil {
		return internalerrors.Wrap(internalerrors.KindIoError, "wal flush failed", err)
	}
	if w.opts.SyncWrites {
		if err := w.currentFile.Sync(); err != nil {
			return internalerrors.Wrap(internalerrors.KindIoError, "wal fsync failed", err)
		}
	}

	w.pending = append(w.pending, r)
	w.opts.Metrics.RecordWALAppend(time.Since(start).Seconds())
	return nil
}

func (w *WAL) rotationLoop() {
	defer w.wg.Done()
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.maybeRotate()
		}
	}
}

func (w *WAL) maybeRotate() {
	w.mu.Lock()
	defer w.mu.Unlock()

	fi, err := w.currentFile.Stat()
	needRotate := err == nil && (fi.Size() >= w.opts.SegmentSize || time.Since(w.currentOpened) >= w.opts.MaxAge)
	if !needRotate {
		return
	}
	w.rotateLocked()
}

// Rotate forces a segment rotation regardless of size or age thresholds.
func (w *WAL) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rotateLocked()
	return nil
}

func (w *WAL) rotateLocked() {
	w.currentWriter.Flush()
	w.currentFile.Close()

	oldID := w.currentID
	if err := os.Rename(segmentPath(w.dir, oldID), finalSegmentPath(w.dir, oldID)); err != nil {
		w.logger.Error("wal: failed to finalize segment", zap.Int64("segment_id", oldID), zap.Error(err))
	}
	if w.finalized == nil {
		w.finalized = make(map[int64]struct{})
	}
	w.finalized[oldID] = struct{}{}

	if err := w.openSegment(oldID + 1); err != nil {
		w.logger.Error("wal: failed to rotate segment", zap.Error(err))
	} else {
		w.opts.Metrics.RecordWALRotation()
		w.logger.Info("rotated wal segment", zap.Int64("segment_id", oldID))
	}
}

func (w *WAL) drainLoop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.opts.DrainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			w.drain(context.Background())
			return
		case <-ticker.C:
			w.drain(context.Background())
		}
	}
}

// drain uploads every currently pending record to the Sink, then deletes
// every finalized segment covered by that upload. Coverage comes from two
// sources: the segmentID on each uploaded record (a segment other than the
// live one can only appear here because it was rotated out, so once its
// records are uploaded it is done), and w.finalized, the set of segments
// rotateLocked has sealed but drain has not yet removed. The second source
// is what makes deletion correct even when a segment fully drains before it
// rotates: that segment never appears in a later batch again (nothing can
// still be pending for it), so the finalized set is checked and flushed on
// every tick regardless of whether this tick's batch is empty.
func (w *WAL) drain(ctx context.Context) {
	w.mu.Lock()
	batch := w.pending
	w.pending = nil
	currentID := w.currentID
	finalized := w.finalized
	w.finalized = nil
	w.mu.Unlock()

	if len(batch) > 0 {
		if err := w.upload(ctx, batch); err != nil {
			w.opts.Metrics.RecordWALDrain(false)
			w.logger.Error("wal: drain failed, will retry", zap.Error(err))
			w.mu.Lock()
			w.pending = append(batch, w.pending...)
			for id := range finalized {
				if w.finalized == nil {
					w.finalized = make(map[int64]struct{})
				}
				w.finalized[id] = struct{}{}
			}
			w.mu.Unlock()
			return
		}
		w.opts.Metrics.RecordWALDrain(true)
	}

	toDelete := finalized
	for _, r := range batch {
		if r.segmentID != currentID {
			if toDelete == nil {
				toDelete = make(map[int64]struct{})
			}
			toDelete[r.segmentID] = struct{}{}
		}
	}
	for id := range toDelete {
		if err := removeSegment(w.dir, id); err != nil {
			w.logger.Warn("wal: failed to remove drained segment", zap.Int64("segment_id", id), zap.Error(err))
		}
	}
	if ids, err := listSegments(w.dir); err == nil {
		w.opts.Metrics.SetWALSegmentsLive(len(ids))
	}
}

// upload sorts batch by key, merges duplicate keys via the configured
// CRDT function, and ships the result to the Sink as two ascending
// streams (entries, then tombstones).
func (w *WAL) upload(ctx context.Context, batch []record) error {
	merged := mergeBatch(batch, w.opts.Merge)

	var entries []crdt.Entry
	var tombstones []crdt.Tombstone
	for _, r := range merged {
		if r.tombstone {
			tombstones = append(tombstones, r.ts)
		} else {
			entries = append(entries, r.entry)
		}
	}

	if len(entries) > 0 {
		ch := make(chan crdt.Entry, len(entries))
		for _, e := range entries {
			ch <- e
		}
		close(ch)
		if err := w.opts.Sink.Upload(ctx, ch); err != nil {
			return fmt.Errorf("wal: upload to sink: %w", err)
		}
	}
	if len(tombstones) > 0 {
		ch := make(chan crdt.Tombstone, len(tombstones))
		for _, t := range tombstones {
			ch <- t
		}
		close(ch)
		if err := w.opts.Sink.Remove(ctx, ch); err != nil {
			return fmt.Errorf("wal: remove on sink: %w", err)
		}
	}
	return nil
}

// mergeBatch stable-sorts by key (so equal-key records keep their
// append order as a deterministic tie-break) then folds runs of equal
// keys together, returning one record per key in ascending order.
func mergeBatch(batch []record, fn crdt.Function) []record {
	sort.SliceStable(batch, func(i, j int) bool { return batch[i].key() < batch[j].key() })

	var out []record
	for _, r := range batch {
		if n := len(out); n > 0 && out[n-1].key() == r.key() {
			out[n-1] = combine(out[n-1], r, fn)
			continue
		}
		out = append(out, r)
	}
	return out
}

// Recover replays every segment file present at startup (left over from
// an unclean shutdown, since a clean drain deletes segments once their
// content is safely in the Chunk Store) directly to the Sink, then
// removes them. It must be called before the WAL starts serving new
// Append calls that expect prior data to already be visible.
func (w *WAL) Recover(ctx context.Context) error {
	w.mu.Lock()
	currentID := w.currentID
	w.mu.Unlock()

	files, err := listSegmentFiles(w.dir)
	if err != nil {
		return err
	}

	var all []record
	var toDelete []string
	for _, f := range files {
		if f.id == currentID {
			continue
		}
		recs, err := readSegmentFile(f.path, f.id)
		if err != nil {
			return fmt.Errorf("wal: recover segment %d: %w", f.id, err)
		}
		all = append(all, recs...)
		toDelete = append(toDelete, f.path)
	}

	if len(all) > 0 {
		if err := w.upload(ctx, all); err != nil {
			return fmt.Errorf("wal: recovery upload: %w", err)
		}
	}
	for _, path := range toDelete {
		if err := os.Remove(path); err != nil {
			w.logger.Warn("wal: failed to remove recovered segment", zap.String("path", path), zap.Error(err))
		}
	}
	w.opts.Metrics.RecordWALRecovered(len(all))
	w.logger.Info("wal recovery complete", zap.Int("records", len(all)), zap.Int("segments", len(toDelete)))
	return nil
}

// Close stops the background loops, flushing pending records to the Sink
// one last time before returning.
func (w *WAL) Close() error {
	close(w.stopCh)
	w.wg.Wait()

	w.mu.Lock()
	defer w.mu.Unlock()
	w.currentWriter.Flush()
	return w.currentFile.Close()
}
