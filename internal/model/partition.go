package model

// PartitionID is an opaque, stable identifier for one partition (storage
// node) in a PartitionScheme. It is compared by equality only.
type PartitionID string

// Partition describes one node's address and the group it belongs to.
// GroupID lets multiple independent replication policies coexist (spec
// §4.5/glossary "partition group" — e.g. partitioning over partitioning,
// regions x shards).
type Partition struct {
	ID      PartitionID
	Addr    string
	GroupID string
}

// Group is a partition group: a set of partition-ids sharing a
// replication count and a minimum-active threshold.
type Group struct {
	ID          string
	Partitions  []PartitionID
	Replication int
	MinActive   int
	Active      bool
}
