package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"

	"github.com/akumaburn/crdtstore/internal/metrics"
	"github.com/akumaburn/crdtstore/internal/model"
	"github.com/akumaburn/crdtstore/internal/partition"
)

// GossipConfig configures the memberlist transport, matching the
// teacher's own gossip tuning knobs.
type GossipConfig struct {
	BindPort       int
	SeedNodes      []string
	GossipInterval time.Duration
	ProbeTimeout   time.Duration
	ProbeInterval  time.Duration
}

// Gossip is a Source backed by hashicorp/memberlist: every member
// announces a NodeMeta payload, and a scheme is rebuilt from the current
// member list on every join, leave, or update.
type Gossip struct {
	ml      *memberlist.Memberlist
	self    NodeMeta
	groups  map[string]GroupPolicy
	buckets int
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu    sync.Mutex
	out   chan *partition.Scheme
	addrs map[model.PartitionID]string
}

// NewGossip creates and starts a memberlist instance announcing self,
// joins cfg.SeedNodes, and begins streaming rebuilt schemes immediately.
func NewGossip(cfg GossipConfig, groups []GroupPolicy, buckets int, self NodeMeta, logger *zap.Logger, m *metrics.Metrics) (*Gossip, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Gossip{
		self:    self,
		groups:  make(map[string]GroupPolicy, len(groups)),
		buckets: buckets,
		logger:  logger,
		metrics: m,
		out:     make(chan *partition.Scheme, 1),
		addrs:   make(map[model.PartitionID]string),
	}
	for _, p := range groups {
		g.groups[p.ID] = p
	}

	mlConfig := memberlist.DefaultLocalConfig()
	mlConfig.Name = self.PartitionID
	mlConfig.BindPort = cfg.BindPort
	if cfg.GossipInterval > 0 {
		mlConfig.GossipInterval = cfg.GossipInterval
	}
	if cfg.ProbeTimeout > 0 {
		mlConfig.ProbeTimeout = cfg.ProbeTimeout
	}
	if cfg.ProbeInterval > 0 {
		mlConfig.ProbeInterval = cfg.ProbeInterval
	}
	mlConfig.Delegate = g
	mlConfig.Events = &gossipEventDelegate{g: g}

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("discovery: create memberlist: %w", err)
	}
	g.mu.Lock()
	g.ml = ml
	g.mu.Unlock()

	if len(cfg.SeedNodes) > 0 {
		if _, err := ml.Join(cfg.SeedNodes); err != nil {
			logger.Warn("failed to join some seed nodes", zap.Error(err))
		}
	}

	g.rebuild()
	return g, nil
}

// Schemes returns the channel schemes are pushed onto for the lifetime
// of this Gossip source.
func (g *Gossip) Schemes(ctx context.Context) (<-chan *partition.Scheme, error) {
	return g.out, nil
}

// Addr looks up a partition's last-known wire address from membership.
func (g *Gossip) Addr(id model.PartitionID) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	addr, ok := g.addrs[id]
	return addr, ok
}

// Close shuts down the memberlist instance and closes the scheme stream.
func (g *Gossip) Close() error {
	err := g.ml.Shutdown()
	close(g.out)
	return err
}

// NodeMeta implements memberlist.Delegate: every node announces its own
// NodeMeta so peers can learn its partition identity and group.
func (g *Gossip) NodeMeta(limit int) []byte {
	data, _ := json.Marshal(g.self)
	if len(data) > limit {
		return data[:limit]
	}
	return data
}

// NotifyMsg implements memberlist.Delegate. This engine has no use for
// unicast user messages; membership changes alone drive scheme rebuilds.
func (g *Gossip) NotifyMsg(data []byte) {}

// GetBroadcasts implements memberlist.Delegate.
func (g *Gossip) GetBroadcasts(overhead, limit int) [][]byte { return nil }

// LocalState implements memberlist.Delegate.
func (g *Gossip) LocalState(join bool) []byte {
	data, _ := json.Marshal(g.self)
	return data
}

// MergeRemoteState implements memberlist.Delegate.
func (g *Gossip) MergeRemoteState(buf []byte, join bool) {}

// rebuild decodes every current member's NodeMeta, groups partitions by
// GroupID, and pushes a freshly built Scheme, replacing whatever scheme
// was pending and unread so consumers always see the latest membership.
func (g *Gossip) rebuild() {
	g.mu.Lock()
	ml := g.ml
	g.mu.Unlock()
	if ml == nil {
		// memberlist.Create reports the local node's own join before it
		// returns; NewGossip rebuilds once Create is done and g.ml is set.
		return
	}
	members := ml.Members()
	byGroup := make(map[string][]model.PartitionID)
	addrs := make(map[model.PartitionID]string, len(members))
	for _, m := range members {
		var meta NodeMeta
		if err := json.Unmarshal(m.Meta, &meta); err != nil {
			g.logger.Warn("discovery: member with unparseable metadata", zap.String("name", m.Name))
			continue
		}
		id := model.PartitionID(meta.PartitionID)
		byGroup[meta.GroupID] = append(byGroup[meta.GroupID], id)
		addrs[id] = meta.Addr
	}

	g.mu.Lock()
	g.addrs = addrs
	g.mu.Unlock()
	g.metrics.SetDiscoveryMembers(len(members))

	var groupIDs []string
	for id := range byGroup {
		groupIDs = append(groupIDs, id)
	}
	sort.Strings(groupIDs)

	var groups []model.Group
	for _, id := range groupIDs {
		policy := g.groups[id]
		if policy.Replication <= 0 {
			policy.Replication = 1
		}
		if policy.MinActive <= 0 {
			policy.MinActive = 1
		}
		groups = append(groups, model.Group{
			ID:          id,
			Partitions:  byGroup[id],
			Replication: policy.Replication,
			MinActive:   policy.MinActive,
			Active:      true,
		})
	}

	scheme, err := partition.NewScheme(groups, g.buckets)
	if err != nil {
		g.logger.Warn("discovery: failed to build scheme from membership", zap.Error(err))
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.out:
	default:
	}
	select {
	case g.out <- scheme:
	default:
	}
}

type gossipEventDelegate struct {
	g *Gossip
}

func (d *gossipEventDelegate) NotifyJoin(node *memberlist.Node) {
	d.g.logger.Info("partition joined", zap.String("name", node.Name), zap.String("addr", node.Addr.String()))
	d.g.rebuild()
}

func (d *gossipEventDelegate) NotifyLeave(node *memberlist.Node) {
	d.g.logger.Info("partition left", zap.String("name", node.Name))
	d.g.rebuild()
}

func (d *gossipEventDelegate) NotifyUpdate(node *memberlist.Node) {
	d.g.logger.Debug("partition metadata updated", zap.String("name", node.Name))
	d.g.rebuild()
}
