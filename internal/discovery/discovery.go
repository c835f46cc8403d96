// Package discovery turns cluster membership into partition schemes.
// Membership is an input to this engine, never something it arbitrates:
// a Source only reports who is reachable and how they are grouped: it
// never elects a leader or runs consensus over the answer.
package discovery

import (
	"context"

	"github.com/akumaburn/crdtstore/internal/model"
	"github.com/akumaburn/crdtstore/internal/partition"
)

// Source streams partition schemes as cluster membership changes. The
// channel is closed when the source can no longer produce further
// schemes (shutdown); a closed channel is not itself an error. Addr
// resolves a partition-id to its current wire address, since a Scheme
// itself only carries ids and routing, not connection details.
type Source interface {
	Schemes(ctx context.Context) (<-chan *partition.Scheme, error)
	Addr(id model.PartitionID) (string, bool)
}

// NodeMeta is the gossip payload every node announces about itself: its
// partition identity, its wire address, and which partition group it
// belongs to.
type NodeMeta struct {
	PartitionID string
	Addr        string
	GroupID     string
}

// GroupPolicy is the replication policy this node knows for a group,
// configured locally (not learned via gossip — only membership is).
type GroupPolicy struct {
	ID          string
	Replication int
	MinActive   int
}

// Static is a Source for tests and single-node deployments: it reports
// one fixed scheme built from config and never changes.
type Static struct {
	scheme *partition.Scheme
	addrs  map[model.PartitionID]string
}

// NewStatic builds a Static source from an already-known set of groups
// and a fixed id-to-address directory.
func NewStatic(groups []model.Group, addrs map[model.PartitionID]string, buckets int) (*Static, error) {
	scheme, err := partition.NewScheme(groups, buckets)
	if err != nil {
		return nil, err
	}
	return &Static{scheme: scheme, addrs: addrs}, nil
}

// Addr looks up a partition's fixed address.
func (s *Static) Addr(id model.PartitionID) (string, bool) {
	addr, ok := s.addrs[id]
	return addr, ok
}

// Schemes emits the one fixed scheme, then closes the channel: there is
// nothing further a static source could ever report.
func (s *Static) Schemes(ctx context.Context) (<-chan *partition.Scheme, error) {
	out := make(chan *partition.Scheme, 1)
	out <- s.scheme
	close(out)
	return out, nil
}
