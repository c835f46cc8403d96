// Package partition implements the rendezvous-hashed partition scheme:
// each partition group gets its own fixed bucket table ranking that
// group's partitions for every bucket, and a key is routed to a bucket by
// hashing the key, then to the top-ranked live partitions in each group
// for that bucket. Multiple groups let independent replication policies
// coexist over the same key space (spec glossary: "partitioning over
// partitioning").
package partition

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"sort"

	"github.com/akumaburn/crdtstore/internal/model"
)

// Scheme is an immutable snapshot of the cluster's partition groups and
// bucket tables. Build a new Scheme (via NewScheme) whenever membership
// changes; never mutate one in place.
type Scheme struct {
	buckets int
	groups  []groupScheme
}

type groupScheme struct {
	id          string
	replication int
	minActive   int
	partitions  []model.PartitionID
	// bucketTable[b] ranks this group's partitions by g(id, b) descending.
	bucketTable [][]model.PartitionID
}

// NewScheme builds a Scheme from a set of groups and buckets (must be a
// power of two, validated by internal/config before it ever reaches
// here).
func NewScheme(groups []model.Group, buckets int) (*Scheme, error) {
	if buckets <= 0 || buckets&(buckets-1) != 0 {
		return nil, fmt.Errorf("partition: buckets must be a positive power of two, got %d", buckets)
	}

	s := &Scheme{buckets: buckets}
	for _, g := range groups {
		gs := groupScheme{
			id:          g.ID,
			replication: g.Replication,
			minActive:   g.MinActive,
			partitions:  append([]model.PartitionID{}, g.Partitions...),
			bucketTable: make([][]model.PartitionID, buckets),
		}
		if gs.replication <= 0 {
			gs.replication = 1
		}
		if gs.minActive <= 0 {
			gs.minActive = 1
		}
		for b := 0; b < buckets; b++ {
			gs.bucketTable[b] = rankByBucketScore(g.Partitions, b)
		}
		s.groups = append(s.groups, gs)
	}
	return s, nil
}

// rankByBucketScore orders ids by g(id, bucket) descending, the
// rendezvous-hashing ranking rule: the candidate with the highest score
// for a bucket is the primary owner, the next highest the first
// fallback, and so on.
func rankByBucketScore(ids []model.PartitionID, bucket int) []model.PartitionID {
	ranked := make([]model.PartitionID, len(ids))
	copy(ranked, ids)
	scores := make(map[model.PartitionID]uint64, len(ids))
	for _, id := range ids {
		scores[id] = bucketScore(id, bucket)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if scores[ranked[i]] != scores[ranked[j]] {
			return scores[ranked[i]] > scores[ranked[j]]
		}
		return ranked[i] < ranked[j] // deterministic tie-break
	})
	return ranked
}

// bucketScore is g(partitionId, bucket): FNV64a of the concatenated
// string, chosen over SHA-256 (used for the key hash below) because this
// function runs once per partition per bucket on every scheme rebuild —
// O(buckets * partitions) — and FNV is materially cheaper at that volume
// without weakening the ranking's uniformity in any way that matters for
// load distribution.
func bucketScore(id model.PartitionID, bucket int) uint64 {
	h := fnv.New64a()
	h.Write([]byte(id))
	h.Write([]byte{':'})
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(bucket))
	h.Write(b[:])
	return h.Sum64()
}

// bucketFor is h(key): truncated SHA-256, matching the teacher's own
// hash-of-concatenated-string style for the one hash this scheme takes a
// cryptographic approach to, since key-to-bucket assignment is the one
// place an adversarial key distribution could otherwise be engineered to
// collide.
func (s *Scheme) bucketFor(key string) int {
	sum := sha256.Sum256([]byte(key))
	v := binary.BigEndian.Uint32(sum[:4])
	return int(v % uint32(s.buckets))
}

// Partitions returns every partition id known to this scheme, across all
// groups.
func (s *Scheme) Partitions() []model.PartitionID {
	seen := make(map[model.PartitionID]struct{})
	var ids []model.PartitionID
	for _, g := range s.groups {
		for _, row := range g.bucketTable {
			for _, id := range row {
				if _, ok := seen[id]; !ok {
					seen[id] = struct{}{}
					ids = append(ids, id)
				}
			}
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
