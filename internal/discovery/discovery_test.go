package discovery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akumaburn/crdtstore/internal/model"
)

func TestStaticEmitsOneSchemeThenCloses(t *testing.T) {
	groups := []model.Group{{ID: "g", Partitions: []model.PartitionID{"p0", "p1"}, Replication: 1, MinActive: 1}}
	addrs := map[model.PartitionID]string{"p0": "127.0.0.1:7000", "p1": "127.0.0.1:7001"}
	src, err := NewStatic(groups, addrs, 64)
	require.NoError(t, err)

	out, err := src.Schemes(context.Background())
	require.NoError(t, err)

	scheme, ok := <-out
	require.True(t, ok)
	assert.ElementsMatch(t, []model.PartitionID{"p0", "p1"}, scheme.Partitions())

	addr, ok := src.Addr("p0")
	require.True(t, ok)
	assert.Equal(t, "127.0.0.1:7000", addr)

	_, ok = <-out
	assert.False(t, ok)
}

func TestGossipSingleNodeSchemeContainsSelf(t *testing.T) {
	g, err := NewGossip(
		GossipConfig{BindPort: 0},
		[]GroupPolicy{{ID: "default", Replication: 1, MinActive: 1}},
		64,
		NodeMeta{PartitionID: "p0", Addr: "127.0.0.1:7000", GroupID: "default"},
		nil,
		nil,
	)
	require.NoError(t, err)
	t.Cleanup(func() { g.Close() })

	out, err := g.Schemes(context.Background())
	require.NoError(t, err)

	select {
	case scheme := <-out:
		require.NotNil(t, scheme)
		assert.Contains(t, scheme.Partitions(), model.PartitionID("p0"))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for initial scheme")
	}
}
