package repartition

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akumaburn/crdtstore/internal/chunkstore"
	"github.com/akumaburn/crdtstore/internal/cluster"
	"github.com/akumaburn/crdtstore/internal/crdt"
	"github.com/akumaburn/crdtstore/internal/discovery"
	"github.com/akumaburn/crdtstore/internal/localnode"
	"github.com/akumaburn/crdtstore/internal/model"
)

type fakePartition struct {
	mu       sync.Mutex
	uploaded []crdt.Entry
	takeData []crdt.Entry
	takeErr  error
	taken    bool
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
	out := make(chan crdt.Entry)
	close(out)
	return out, func() error { return nil }, nil
}

func (f *fakePartition) Take(ctx context.Context) (<-chan crdt.Entry, chunkstore.CommitFunc, error) {
	if f.takeErr != nil {
		return nil, nil, f.takeErr
	}
	out := make(chan crdt.Entry, len(f.takeData))
	for _, e := range f.takeData {
		out <- e
	}
	close(out)
	commit := func(err error) error {
		f.mu.Lock()
		f.taken = err == nil
		f.mu.Unlock()
		return nil
	}
	return out, commit, nil
}

func (f *fakePartition) Remove(ctx context.Context, tombstones <-chan crdt.Tombstone) error { return nil }

func (f *fakePartition) Ping(ctx context.Context) error { return nil }

func buildCluster(t *testing.T, source *fakePartition, others map[model.PartitionID]*fakePartition) *cluster.Storage {
	ids := []model.PartitionID{"p0"}
	addrs := map[model.PartitionID]string{"p0": "local"}
	for id := range others {
		ids = append(ids, id)
		addrs[id] = "remote:" + string(id)
	}
	groups := []model.Group{{ID: "g", Partitions: ids, Replication: 1, MinActive: 1}}
	source_, err := discovery.NewStatic(groups, addrs, 64)
	require.NoError(t, err)

	connector := func(id model.PartitionID, addr string) localnode.Storage {
		return others[id]
	}

	c, err := cluster.New(context.Background(), cluster.Options{
		Source:  source_,
		Merge:   crdt.LastWriteWins{},
		Connect: connector,
		LocalID: "p0",
		Local:   source,
	})
	require.NoError(t, err)
	return c
}

func TestRepartitionMovesEntriesThroughClusterUpload(t *testing.T) {
	src := &fakePartition{takeData: []crdt.Entry{
		{Key: "a", Timestamp: 1, State: []byte("x")},
		{Key: "b", Timestamp: 1, State: []byte("y")},
	}}
	other := &fakePartition{}
	c := buildCluster(t, src, map[model.PartitionID]*fakePartition{"p1": other})

	stats, err := Repartition(context.Background(), c, "p0", nil)
	require.NoError(t, err)
	assert.EqualValues(t, 2, stats.KeysMoved)

	src.mu.Lock()
	assert.True(t, src.taken)
	src.mu.Unlock()

	total := len(src.uploaded) + len(other.uploaded)
	assert.Equal(t, 2, total)
}

func TestRepartitionFailsWhenSourceUnknown(t *testing.T) {
	src := &fakePartition{}
	other := &fakePartition{}
	c := buildCluster(t, src, map[model.PartitionID]*fakePartition{"p1": other})

	_, err := Repartition(context.Background(), c, "nonexistent", nil)
	require.Error(t, err)
}

func TestRepartitionFailsWhenNoOtherPartitions(t *testing.T) {
	src := &fakePartition{}
	c := buildCluster(t, src, map[model.PartitionID]*fakePartition{})

	_, err := Repartition(context.Background(), c, "p0", nil)
	require.Error(t, err)
}
