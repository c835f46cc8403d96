package localnode

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/akumaburn/crdtstore/internal/chunkstore"
	"github.com/akumaburn/crdtstore/internal/crdt"
	"github.com/akumaburn/crdtstore/internal/wal"
)

func newTestNode(t *testing.T) *Node {
	t.Helper()
	dir := t.TempDir()

	store, err := chunkstore.Open(dir+"/chunks", crdt.LastWriteWins{}, chunkstore.Options{})
	require.NoError(t, err)

	w, err := wal.Open(dir+"/wal", wal.Options{
		Merge:         crdt.LastWriteWins{},
		Sink:          store,
		DrainInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)

	node, err := New(Options{ChunkStore: store, WAL: w})
	require.NoError(t, err)
	t.Cleanup(func() { node.Close() })
	return node
}

func TestUploadIsVisibleAfterDrain(t *testing.T) {
	node := newTestNode(t)

	ch := make(chan crdt.Entry, 1)
	ch <- crdt.Entry{Key: "a", Timestamp: 1, State: []byte("x")}
	close(ch)
	require.NoError(t, node.Upload(context.Background(), ch))

	require.Eventually(t, func() bool {
		out, _, err := node.Download(context.Background(), 0)
		require.NoError(t, err)
		var count int
		for range out {
			count++
		}
		return count == 1
	}, time.Second, 10*time.Millisecond)
}

func TestPingSucceedsOnFreshNode(t *testing.T) {
	node := newTestNode(t)
	require.NoError(t, node.Ping(context.Background()))
}
