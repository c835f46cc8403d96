package partition

import "github.com/akumaburn/crdtstore/internal/model"

// Sharder routes keys to live replicas under one fixed view of which
// partitions are currently alive. Build one via Scheme.Sharder for each
// write/remove operation (or cache it across operations between scheme
// changes); never mutate the alive set it was built from.
type Sharder struct {
	scheme *Scheme
	alive  map[model.PartitionID]bool
}

// Sharder returns nil if any group has fewer than its minActive live
// partitions, per spec §4.5: "if fewer than minActive per group remain
// alive, the scheme is invalid for writes."
func (s *Scheme) Sharder(alive map[model.PartitionID]bool) *Sharder {
	for _, g := range s.groups {
		if countAlive(g.partitions, alive) < g.minActive {
			return nil
		}
	}
	return &Sharder{scheme: s, alive: alive}
}

func countAlive(ids []model.PartitionID, alive map[model.PartitionID]bool) int {
	n := 0
	for _, id := range ids {
		if alive[id] {
			n++
		}
	}
	return n
}

// Shard returns, for every group, the first `replication` live
// partitions ranked for key's bucket — the full set of replicas a
// write/remove for key must be delivered to.
func (sh *Sharder) Shard(key string) []model.PartitionID {
	bucket := sh.scheme.bucketFor(key)
	var targets []model.PartitionID
	for _, g := range sh.scheme.groups {
		ranked := g.bucketTable[bucket]
		count := 0
		for _, id := range ranked {
			if !sh.alive[id] {
				continue
			}
			targets = append(targets, id)
			count++
			if count == g.replication {
				break
			}
		}
	}
	return targets
}

// IsReadValid reports whether, for every group, at least minActive
// partitions are responsive — the read-side analogue of the write-side
// minActive check in Sharder.
func (s *Scheme) IsReadValid(responsive map[model.PartitionID]bool) bool {
	for _, g := range s.groups {
		if countAlive(g.partitions, responsive) < g.minActive {
			return false
		}
	}
	return true
}
