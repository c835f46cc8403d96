package partition

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akumaburn/crdtstore/internal/model"
)

func makePartitions(n int) []model.PartitionID {
	ids := make([]model.PartitionID, n)
	for i := range ids {
		ids[i] = model.PartitionID(fmt.Sprintf("p%d", i))
	}
	return ids
}

func allAlive(ids []model.PartitionID) map[model.PartitionID]bool {
	m := make(map[model.PartitionID]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	return m
}

func TestSharderNilWhenBelowMinActive(t *testing.T) {
	ids := makePartitions(3)
	scheme, err := NewScheme([]model.Group{{ID: "g", Partitions: ids, Replication: 3, MinActive: 2}}, 64)
	require.NoError(t, err)

	alive := map[model.PartitionID]bool{ids[0]: true}
	assert.Nil(t, scheme.Sharder(alive))

	alive[ids[1]] = true
	assert.NotNil(t, scheme.Sharder(alive))
}

func TestShardReturnsReplicationCountPerGroup(t *testing.T) {
	ids := makePartitions(5)
	scheme, err := NewScheme([]model.Group{{ID: "g", Partitions: ids, Replication: 3, MinActive: 1}}, 64)
	require.NoError(t, err)

	sh := scheme.Sharder(allAlive(ids))
	require.NotNil(t, sh)
	targets := sh.Shard("some-key")
	assert.Len(t, targets, 3)
}

func TestShardIsDeterministic(t *testing.T) {
	ids := makePartitions(5)
	scheme, err := NewScheme([]model.Group{{ID: "g", Partitions: ids, Replication: 2, MinActive: 1}}, 64)
	require.NoError(t, err)
	sh := scheme.Sharder(allAlive(ids))

	a := sh.Shard("stable-key")
	b := sh.Shard("stable-key")
	assert.Equal(t, a, b)
}

// TestReshardingMovesApproximatelyOneOverNPlusOne checks the rendezvous
// hashing headline property: adding a node to an N-node group should only
// remap roughly 1/(N+1) of keys, not (N-1)/N as modulo hashing would.
func TestReshardingMovesApproximatelyOneOverNPlusOne(t *testing.T) {
	const n = 10
	const keys = 4000
	before := makePartitions(n)
	after := append(append([]model.PartitionID{}, before...), model.PartitionID("new-node"))

	schemeBefore, err := NewScheme([]model.Group{{ID: "g", Partitions: before, Replication: 1, MinActive: 1}}, 1024)
	require.NoError(t, err)
	schemeAfter, err := NewScheme([]model.Group{{ID: "g", Partitions: after, Replication: 1, MinActive: 1}}, 1024)
	require.NoError(t, err)

	shBefore := schemeBefore.Sharder(allAlive(before))
	shAfter := schemeAfter.Sharder(allAlive(after))
	require.NotNil(t, shBefore)
	require.NotNil(t, shAfter)

	moved := 0
	for i := 0; i < keys; i++ {
		key := fmt.Sprintf("key-%d", i)
		b := shBefore.Shard(key)
		a := shAfter.Shard(key)
		if len(b) != 1 || len(a) != 1 || b[0] != a[0] {
			moved++
		}
	}

	expected := float64(keys) / float64(n+1)
	ratio := float64(moved) / expected
	assert.Greater(t, ratio, 0.5)
	assert.Less(t, ratio, 2.0)
}

func TestIsReadValidRespectsMinActive(t *testing.T) {
	ids := makePartitions(4)
	scheme, err := NewScheme([]model.Group{{ID: "g", Partitions: ids, Replication: 2, MinActive: 2}}, 64)
	require.NoError(t, err)

	responsive := map[model.PartitionID]bool{ids[0]: true}
	assert.False(t, scheme.IsReadValid(responsive))

	responsive[ids[1]] = true
	assert.True(t, scheme.IsReadValid(responsive))
}
