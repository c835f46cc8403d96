package wal

import (
	"context"
	"os"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akumaburn/crdtstore/internal/crdt"
)

type fakeSink struct {
	mu         sync.Mutex
	entries    []crdt.Entry
	tombstones []crdt.Tombstone
	failUpload bool
}

func (f *fakeSink) Upload(ctx context.Context, entries <-chan crdt.Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for e := range entries {
		if f.failUpload {
			continue
		}
		f.entries = append(f.entries, e)
	}
	if f.failUpload {
		return assert.AnError
	}
	return nil
}

func (f *fakeSink) Remove(ctx context.Context, tombstones <-chan crdt.Tombstone) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for t := range tombstones {
		f.tombstones = append(f.tombstones, t)
	}
	return nil
}

func (f *fakeSink) snapshot() ([]crdt.Entry, []crdt.Tombstone) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]crdt.Entry{}, f.entries...), append([]crdt.Tombstone{}, f.tombstones...)
}

func TestAppendThenDrainUploadsToSink(t *testing.T) {
	dir := t.TempDir()
	sink := &fakeSink{}
	w, err := Open(dir, Options{Merge: crdt.LastWriteWins{}, Sink: sink, DrainInterval: 20 * time.Millisecond})
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.Append(context.Background(), crdt.Entry{Key: "a", Timestamp: 1, State: []byte("x")}))
	require.NoError(t, w.Append(context.Background(), crdt.Entry{Key: "a", Timestamp: 2, State: []byte("y")}))

	require.Eventually(t, func() bool {
		entries, _ := sink.snapshot()
		return len(entries) == 1
	}, time.Second, 10*time.Millisecond)

	entries, _ := sink.snapshot()
	assert.Equal(t, uint64(2), entries[0].Timestamp)
}

// TestRecoverReplaysLeftoverSegments simulates a crash: a segment file is
// written directly (bypassing the WAL's own drain/delete lifecycle) so it
// is still on disk, un-drained, when a fresh WAL opens the same directory.
func TestRecoverReplaysLeftoverSegments(t *testing.T) {
	dir := t.TempDir()
	sink := &fakeSink{}

	leftover := []record{
		{entry: crdt.Entry{Key: "a", Timestamp: 1, State: []byte("x")}},
		{entry: crdt.Entry{Key: "b", Timestamp: 1, State: []byte("y")}},
	}
	f, err := os.OpenFile(segmentPath(dir, 0), os.O_CREATE|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	for _, r := range leftover {
		frame, err := encodeFrame(r)
		require.NoError(t, err)
		_, err = f.Write(frame)
		require.NoError(t, err)
	}
	require.NoError(t, f.Close())

	w, err := Open(dir, Options{Merge: crdt.LastWriteWins{}, Sink: sink, DrainInterval: time.Hour})
	require.NoError(t, err)
	defer w.Close()
	require.NoError(t, w.Recover(context.Background()))

	entries, _ := sink.snapshot()
	keys := []string{}
	for _, e := range entries {
		keys = append(keys, e.Key)
	}
	sort.Strings(keys)
	assert.Equal(t, []string{"a", "b"}, keys)
}

// TestRotateFinalizesSegmentFile asserts rotation renames the sealed
// segment to its .final name rather than leaving it under the active name.
func TestRotateFinalizesSegmentFile(t *testing.T) {
	dir := t.TempDir()
	sink := &fakeSink{}
	w, err := Open(dir, Options{Merge: crdt.LastWriteWins{}, Sink: sink, DrainInterval: time.Hour})
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.Append(context.Background(), crdt.Entry{Key: "a", Timestamp: 1, State: []byte("x")}))
	require.NoError(t, w.Rotate())

	_, err = os.Stat(segmentPath(dir, 0))
	assert.True(t, os.IsNotExist(err), "active segment name should no longer exist after rotation")
	_, err = os.Stat(finalSegmentPath(dir, 0))
	assert.NoError(t, err, "finalized segment name should exist after rotation")
}

// TestDrainRemovesSegmentThatDrainedBeforeItRotated covers the leak a
// sealedSegments-style map is prone to: a segment whose records were all
// uploaded while it was still current, which then rotates out with nothing
// left pending for it. No later batch will ever carry its segmentID again,
// so only w.finalized (flushed on every drain tick, even an empty one) can
// catch it.
func TestDrainRemovesSegmentThatDrainedBeforeItRotated(t *testing.T) {
	dir := t.TempDir()
	sink := &fakeSink{}
	w, err := Open(dir, Options{Merge: crdt.LastWriteWins{}, Sink: sink, DrainInterval: time.Hour})
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.Append(context.Background(), crdt.Entry{Key: "a", Timestamp: 1, State: []byte("x")}))
	w.drain(context.Background())
	entries, _ := sink.snapshot()
	require.Len(t, entries, 1)

	require.NoError(t, w.Rotate())
	_, err = os.Stat(finalSegmentPath(dir, 0))
	require.NoError(t, err, "segment 0 should be finalized after rotation")

	w.drain(context.Background())

	_, err = os.Stat(finalSegmentPath(dir, 0))
	assert.True(t, os.IsNotExist(err), "finalized segment 0 should have been deleted, not leaked")
}

// TestRecoverReplaysFinalizedSegment covers a crash that happens after
// rotateLocked renames a segment to its .final name but before drain
// uploads and removes it.
func TestRecoverReplaysFinalizedSegment(t *testing.T) {
	dir := t.TempDir()
	sink := &fakeSink{}

	leftover := record{entry: crdt.Entry{Key: "a", Timestamp: 1, State: []byte("x")}}
	frame, err := encodeFrame(leftover)
	require.NoError(t, err)
	f, err := os.OpenFile(finalSegmentPath(dir, 0), os.O_CREATE|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.Write(frame)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	// segment 1 is the current (unfinalized) segment Open will create.

	w, err := Open(dir, Options{Merge: crdt.LastWriteWins{}, Sink: sink, DrainInterval: time.Hour})
	require.NoError(t, err)
	defer w.Close()
	require.NoError(t, w.Recover(context.Background()))

	entries, _ := sink.snapshot()
	require.Len(t, entries, 1)
	assert.Equal(t, "a", entries[0].Key)

	_, err = os.Stat(finalSegmentPath(dir, 0))
	assert.True(t, os.IsNotExist(err), "recovered finalized segment should be removed")
}

func TestMergeBatchCombinesDuplicateKeys(t *testing.T) {
	batch := []record{
		{entry: crdt.Entry{Key: "a", Timestamp: 1, State: []byte("old")}},
		{entry: crdt.Entry{Key: "a", Timestamp: 3, State: []byte("new")}},
		{tombstone: true, ts: crdt.Tombstone{Key: "b", Timestamp: 5}},
	}
	merged := mergeBatch(batch, crdt.LastWriteWins{})
	require.Len(t, merged, 2)
	assert.Equal(t, "a", merged[0].key())
	assert.Equal(t, uint64(3), merged[0].timestamp())
	assert.Equal(t, "b", merged[1].key())
	assert.True(t, merged[1].tombstone)
}
