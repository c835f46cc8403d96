package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds the node's own bind address and identity.
type ServerConfig struct {
	NodeID  string `yaml:"nodeId"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	GroupID string `yaml:"groupId"`
}

// StorageConfig points at the chunk store's root directory.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// ConsolidateConfig governs the background consolidation scheduler.
type ConsolidateConfig struct {
	Interval     time.Duration `yaml:"interval"`
	InitialDelay time.Duration `yaml:"initialDelay"`
	Compression  string        `yaml:"compression"` // none | snappy
}

// WALConfig governs segment rotation and the drainer.
type WALConfig struct {
	Path          string        `yaml:"path"`
	SegmentSize   int64         `yaml:"segmentSize"`
	MaxAge        time.Duration `yaml:"maxAge"`
	SyncWrites    bool          `yaml:"syncWrites"`
	DrainInterval time.Duration `yaml:"drainInterval"`
}

// ClusterConfig describes the rendezvous bucket table and partition
// groups this node participates in.
type ClusterConfig struct {
	Buckets int           `yaml:"buckets"`
	Groups  []GroupConfig `yaml:"groups"`
}

// GroupConfig is one partition group's replication policy. Partitions is
// only consulted in static discovery mode, where membership isn't
// learned via gossip and must be declared up front.
type GroupConfig struct {
	ID          string            `yaml:"id"`
	Replication int               `yaml:"replication"`
	MinActive   int               `yaml:"minActive"`
	Partitions  []PartitionConfig `yaml:"partitions"`
}

// PartitionConfig names one statically-configured partition and the
// address its wire server listens on.
type PartitionConfig struct {
	ID   string `yaml:"id"`
	Addr string `yaml:"addr"`
}

// NetConfig holds wire-protocol connection timing knobs.
type NetConfig struct {
	ConnectTimeout    time.Duration `yaml:"connectTimeout"`
	ReconnectInterval time.Duration `yaml:"reconnectInterval"`
	PacketSize        int           `yaml:"packetSize"`
}

// FsyncConfig toggles durability at each write site independently.
type FsyncConfig struct {
	Uploads     bool `yaml:"uploads"`
	Directories bool `yaml:"directories"`
	Appends     bool `yaml:"appends"`
}

// GossipConfig configures the memberlist-backed discovery source.
type GossipConfig struct {
	BindPort int      `yaml:"bindPort"`
	Seeds    []string `yaml:"seeds"`
}

// DiscoveryConfig selects and configures a discovery.Source.
type DiscoveryConfig struct {
	Mode   string       `yaml:"mode"` // gossip | static
	Gossip GossipConfig `yaml:"gossip"`
}

// MetricsConfig configures the Prometheus HTTP listener.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// CrdtConfig selects the merge function every layer of this node uses to
// reconcile concurrent writes to the same key.
type CrdtConfig struct {
	Function string `yaml:"function"` // lww | gcounter
}

// LoggingConfig configures zap's base level.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Config is the complete configuration for one storage node.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Storage     StorageConfig     `yaml:"storage"`
	Consolidate ConsolidateConfig `yaml:"consolidate"`
	WAL         WALConfig         `yaml:"wal"`
	Cluster     ClusterConfig     `yaml:"cluster"`
	Net         NetConfig         `yaml:"net"`
	Fsync       FsyncConfig       `yaml:"fsync"`
	Discovery   DiscoveryConfig   `yaml:"discovery"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Logging     LoggingConfig     `yaml:"logging"`
	Crdt        CrdtConfig        `yaml:"crdt"`
}

// Load reads and parses a YAML config file, filling in defaults for any
// zero-valued field, then validates it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 7417
	}
	if cfg.Server.GroupID == "" {
		cfg.Server.GroupID = "default"
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "./data/chunks"
	}
	if cfg.Consolidate.Interval == 0 {
		cfg.Consolidate.Interval = 5 * time.Minute
	}
	if cfg.Consolidate.InitialDelay == 0 {
		cfg.Consolidate.InitialDelay = 30 * time.Second
	}
	if cfg.Consolidate.Compression == "" {
		cfg.Consolidate.Compression = "snappy"
	}
	if cfg.WAL.Path == "" {
		cfg.WAL.Path = "./data/wal"
	}
	if cfg.WAL.SegmentSize == 0 {
		cfg.WAL.SegmentSize = 64 * 1024 * 1024
	}
	if cfg.WAL.MaxAge == 0 {
		cfg.WAL.MaxAge = 5 * time.Minute
	}
	if cfg.WAL.DrainInterval == 0 {
		cfg.WAL.DrainInterval = 2 * time.Second
	}
	if cfg.Cluster.Buckets == 0 {
		cfg.Cluster.Buckets = 256
	}
	if cfg.Net.ConnectTimeout == 0 {
		cfg.Net.ConnectTimeout = 5 * time.Second
	}
	if cfg.Net.ReconnectInterval == 0 {
		cfg.Net.ReconnectInterval = 2 * time.Second
	}
	if cfg.Net.PacketSize == 0 {
		cfg.Net.PacketSize = 65536
	}
	if cfg.Discovery.Mode == "" {
		cfg.Discovery.Mode = "static"
	}
	if cfg.Discovery.Gossip.BindPort == 0 {
		cfg.Discovery.Gossip.BindPort = 7946
	}
	if cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = ":9102"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Crdt.Function == "" {
		cfg.Crdt.Function = "lww"
	}
}

// Validate rejects configurations that cannot safely start a node.
func (c *Config) Validate() error {
	if c.Server.NodeID == "" {
		return fmt.Errorf("server.nodeId is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Cluster.Buckets&(c.Cluster.Buckets-1) != 0 {
		return fmt.Errorf("cluster.buckets must be a power of two")
	}
	for _, g := range c.Cluster.Groups {
		if g.Replication < 1 {
			return fmt.Errorf("cluster.groups[%s].replication must be >= 1", g.ID)
		}
		if g.MinActive < 1 || g.MinActive > g.Replication {
			return fmt.Errorf("cluster.groups[%s].minActive must be between 1 and replication", g.ID)
		}
	}
	if c.Consolidate.Compression != "none" && c.Consolidate.Compression != "snappy" {
		return fmt.Errorf("consolidate.compression must be none or snappy")
	}
	if c.Crdt.Function != "lww" && c.Crdt.Function != "gcounter" {
		return fmt.Errorf("crdt.function must be lww or gcounter")
	}
	return nil
}
