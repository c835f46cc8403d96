package cluster

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akumaburn/crdtstore/internal/chunkstore"
	"github.com/akumaburn/crdtstore/internal/crdt"
	"github.com/akumaburn/crdtstore/internal/discovery"
	"github.com/akumaburn/crdtstore/internal/localnode"
	"github.com/akumaburn/crdtstore/internal/model"
)

type fakePartition struct {
	mu       sync.Mutex
	uploaded []crdt.Entry
	removed  []crdt.Tombstone
	pingErr  error
}

func (f *fakePartition) Upload(ctx context.Context, entries <-chan crdt.Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for e := range entries {
		f.uploaded = append(f.uploaded, e)
	}
	return nil
}

func (f *fakePartition) Download(ctx context.Context, since uint64) (<-chan crdt.Entry, func() error, error) {
	f.mu.Lock()
	snapshot := append([]crdt.Entry{}, f.uploaded...)
	f.mu.Unlock()
	out := make(chan crdt.Entry, len(snapshot))
	for _, e := range snapshot {
		out <- e
	}
	close(out)
	return out, func() error { return nil }, nil
}

func (f *fakePartition) Take(ctx context.Context) (<-chan crdt.Entry, chunkstore.CommitFunc, error) {
	out, _, _ := f.Download(ctx, 0)
	return out, func(error) error { return nil }, nil
}

func (f *fakePartition) Remove(ctx context.Context, tombstones <-chan crdt.Tombstone) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for t := range tombstones {
		f.removed = append(f.removed, t)
	}
	return nil
}

func (f *fakePartition) Ping(ctx context.Context) error { return f.pingErr }

func newFakeCluster(t *testing.T) (*Storage, *fakePartition, *fakePartition) {
	groups := []model.Group{{ID: "g", Partitions: []model.PartitionID{"p0", "p1"}, Replication: 1, MinActive: 1}}
	addrs := map[model.PartitionID]string{"p0": "local", "p1": "remote:1"}
	source, err := discovery.NewStatic(groups, addrs, 64)
	require.NoError(t, err)

	local := &fakePartition{}
	remote := &fakePartition{}

	connector := func(id model.PartitionID, addr string) localnode.Storage {
		return remote
	}

	s, err := New(context.Background(), Options{
		Source:  source,
		Merge:   crdt.LastWriteWins{},
		Connect: connector,
		LocalID: "p0",
		Local:   local,
	})
	require.NoError(t, err)
	return s, local, remote
}

func TestUploadShardsAcrossPartitions(t *testing.T) {
	s, local, remote := newFakeCluster(t)

	entries := make(chan crdt.Entry, 4)
	entries <- crdt.Entry{Key: "a", Timestamp: 1, State: []byte("1")}
	entries <- crdt.Entry{Key: "b", Timestamp: 1, State: []byte("1")}
	entries <- crdt.Entry{Key: "c", Timestamp: 1, State: []byte("1")}
	entries <- crdt.Entry{Key: "d", Timestamp: 1, State: []byte("1")}
	close(entries)

	require.NoError(t, s.Upload(context.Background(), entries))

	local.mu.Lock()
	remote.mu.Lock()
	total := len(local.uploaded) + len(remote.uploaded)
	local.mu.Unlock()
	remote.mu.Unlock()
	assert.Equal(t, 4, total)
}

func TestDownloadMergesAcrossPartitions(t *testing.T) {
	s, local, remote := newFakeCluster(t)
	local.uploaded = []crdt.Entry{{Key: "a", Timestamp: 1, State: []byte("1")}}
	remote.uploaded = []crdt.Entry{{Key: "b", Timestamp: 1, State: []byte("1")}}

	out, errFn, err := s.Download(context.Background(), 0)
	require.NoError(t, err)

	var got []crdt.Entry
	for e := range out {
		got = append(got, e)
	}
	assert.Len(t, got, 2)
	assert.NoError(t, errFn())
}

func TestPingRequiresReadValidity(t *testing.T) {
	s, _, _ := newFakeCluster(t)
	assert.NoError(t, s.Ping(context.Background()))
}
