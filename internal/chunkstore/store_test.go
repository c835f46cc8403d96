package chunkstore

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akumaburn/crdtstore/internal/crdt"
)

func collect(t *testing.T, ch <-chan crdt.Entry) []crdt.Entry {
	t.Helper()
	var out []crdt.Entry
	for e := range ch {
		out = append(out, e)
	}
	return out
}

func upload(t *testing.T, s *Store, entries ...crdt.Entry) {
	t.Helper()
	ch := make(chan crdt.Entry, len(entries))
	for _, e := range entries {
		ch <- e
	}
	close(ch)
	require.NoError(t, s.Upload(context.Background(), ch))
}

func TestUploadThenDownloadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, crdt.LastWriteWins{}, Options{})
	require.NoError(t, err)
	defer s.Close()

	upload(t, s,
		crdt.Entry{Key: "a", Timestamp: 1, State: []byte("1")},
		crdt.Entry{Key: "b", Timestamp: 1, State: []byte("2")},
	)

	out, err := s.Download(context.Background(), 0)
	require.NoError(t, err)
	got := collect(t, out)

	assert.Len(t, got, 2)
	assert.Equal(t, "a", got[0].Key)
	assert.Equal(t, "b", got[1].Key)
}

func TestDownloadMergesAcrossChunks(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, crdt.LastWriteWins{}, Options{})
	require.NoError(t, err)
	defer s.Close()

	upload(t, s, crdt.Entry{Key: "k", Timestamp: 1, State: []byte("old")})
	upload(t, s, crdt.Entry{Key: "k", Timestamp: 2, State: []byte("new")})

	out, err := s.Download(context.Background(), 0)
	require.NoError(t, err)
	got := collect(t, out)

	require.Len(t, got, 1)
	assert.Equal(t, uint64(2), got[0].Timestamp)
	assert.Equal(t, []byte("new"), got[0].State)
}

func TestRemoveShadowsOlderEntry(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, crdt.LastWriteWins{}, Options{})
	require.NoError(t, err)
	defer s.Close()

	upload(t, s, crdt.Entry{Key: "k", Timestamp: 1, State: []byte("v")})

	tombstones := make(chan crdt.Tombstone, 1)
	tombstones <- crdt.Tombstone{Key: "k", Timestamp: 2}
	close(tombstones)
	require.NoError(t, s.Remove(context.Background(), tombstones))

	out, err := s.Download(context.Background(), 0)
	require.NoError(t, err)
	got := collect(t, out)
	assert.Empty(t, got)
}

func TestDownloadSinceFiltersOldEntries(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, crdt.LastWriteWins{}, Options{})
	require.NoError(t, err)
	defer s.Close()

	upload(t, s,
		crdt.Entry{Key: "a", Timestamp: 1, State: []byte("x")},
		crdt.Entry{Key: "b", Timestamp: 5, State: []byte("y")},
	)

	out, err := s.Download(context.Background(), 3)
	require.NoError(t, err)
	got := collect(t, out)

	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].Key)
}

func TestTakeCommitDeletesSourceChunks(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, crdt.LastWriteWins{}, Options{})
	require.NoError(t, err)
	defer s.Close()

	upload(t, s, crdt.Entry{Key: "a", Timestamp: 1, State: []byte("x")})

	out, commit, err := s.Take(context.Background())
	require.NoError(t, err)
	got := collect(t, out)
	require.Len(t, got, 1)
	require.NoError(t, commit(nil))

	assert.Equal(t, 0, s.Stats().ChunkCount)
}

func TestTakeAckFailureKeepsChunks(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, crdt.LastWriteWins{}, Options{})
	require.NoError(t, err)
	defer s.Close()

	upload(t, s, crdt.Entry{Key: "a", Timestamp: 1, State: []byte("x")})

	out, commit, err := s.Take(context.Background())
	require.NoError(t, err)
	collect(t, out)
	require.NoError(t, commit(assert.AnError))

	assert.Equal(t, 1, s.Stats().ChunkCount)
}

func TestUploadRejectsOutOfOrderKeys(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, crdt.LastWriteWins{}, Options{})
	require.NoError(t, err)
	defer s.Close()

	ch := make(chan crdt.Entry, 2)
	ch <- crdt.Entry{Key: "b", Timestamp: 1, State: []byte("1")}
	ch <- crdt.Entry{Key: "a", Timestamp: 1, State: []byte("2")}
	close(ch)

	err = s.Upload(context.Background(), ch)
	assert.Error(t, err)
}

func TestConsolidateMergesAndPreservesData(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, crdt.LastWriteWins{}, Options{})
	require.NoError(t, err)
	defer s.Close()

	upload(t, s, crdt.Entry{Key: "a", Timestamp: 1, State: []byte("1")})
	upload(t, s, crdt.Entry{Key: "b", Timestamp: 1, State: []byte("2")})

	require.NoError(t, s.Consolidate(context.Background()))
	assert.Equal(t, 1, s.Stats().ChunkCount)

	out, err := s.Download(context.Background(), 0)
	require.NoError(t, err)
	got := collect(t, out)
	assert.Len(t, got, 2)
}

// TestConsolidateConvergesOverRepeatedPasses exercises the
// maxConsolidateInput cap: with 100 single-key chunks, one pass can only
// fold 32 of them down to 1, leaving 69 chunks, so reaching convergence
// takes several Consolidate calls rather than one.
func TestConsolidateConvergesOverRepeatedPasses(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, crdt.LastWriteWins{}, Options{})
	require.NoError(t, err)
	defer s.Close()

	const n = 100
	for i := 0; i < n; i++ {
		upload(t, s, crdt.Entry{Key: fmt.Sprintf("k%03d", i), Timestamp: uint64(i + 1), State: []byte("v")})
	}
	require.Equal(t, n, s.Stats().ChunkCount)

	require.NoError(t, s.Consolidate(context.Background()))
	afterFirst := s.Stats().ChunkCount
	assert.Equal(t, n-maxConsolidateInput+1, afterFirst, "one pass folds maxConsolidateInput chunks into one")

	for i := 0; i < 10 && s.Stats().ChunkCount > 1; i++ {
		require.NoError(t, s.Consolidate(context.Background()))
	}
	assert.Equal(t, 1, s.Stats().ChunkCount, "repeated passes should converge to a single chunk")

	out, err := s.Download(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, collect(t, out), n)
}

func TestReopenRecoversExistingChunksAndNextID(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, crdt.LastWriteWins{}, Options{})
	require.NoError(t, err)
	upload(t, s, crdt.Entry{Key: "a", Timestamp: 1, State: []byte("1")})
	require.NoError(t, s.Close())

	s2, err := Open(dir, crdt.LastWriteWins{}, Options{})
	require.NoError(t, err)
	defer s2.Close()

	out, err := s2.Download(context.Background(), 0)
	require.NoError(t, err)
	got := collect(t, out)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].Key)
}
