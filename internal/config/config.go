package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// NodeConfig identifies this process and its cluster listener
type NodeConfig struct {
	NodeID          string        `yaml:"node_id"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// RuntimeConfig holds entity runtime configuration
type RuntimeConfig struct {
	RootDir                string        `yaml:"root_dir"`
	Durability             string        `yaml:"durability"`
	SyncInterval           time.Duration `yaml:"sync_interval"`
	MaxConcurrentMutations int64         `yaml:"max_concurrent_mutations"`
	PermitTimeout          time.Duration `yaml:"permit_timeout"`
	TombstoneExemptReasons []string      `yaml:"tombstone_exempt_reasons"`
}

// LifecycleConfig holds hot/cold residency and GC configuration
type LifecycleConfig struct {
	PassivationEnabled   bool          `yaml:"passivation_enabled"`
	PassivateAfter       time.Duration `yaml:"passivate_after"`
	GCEnabled            bool          `yaml:"gc_enabled"`
	GCAfter              time.Duration `yaml:"gc_after"`
	GCOnlyIfNeverTouched bool          `yaml:"gc_only_if_never_touched"`
	MaxHotEntities       int           `yaml:"max_hot_entities"`
	TombstoneTTL         time.Duration `yaml:"tombstone_ttl"`
	MaintenanceInterval  time.Duration `yaml:"maintenance_interval"`
}

// SnapshotConfig holds snapshot/compaction thresholds
type SnapshotConfig struct {
	OpsThreshold          int           `yaml:"ops_threshold"`
	JournalBytesThreshold int64         `yaml:"journal_bytes_threshold"`
	TickInterval          time.Duration `yaml:"tick_interval"`
}

// S3ReplicaConfig configures an S3 replica target
type S3ReplicaConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UsePathStyle    bool   `yaml:"use_path_style"`
}

// ReplicationConfig holds replica shipping configuration
type ReplicationConfig struct {
	Mode string          `yaml:"mode"`
	Dirs []string        `yaml:"dirs"`
	S3   S3ReplicaConfig `yaml:"s3"`
}

// LeaderConfig is one static shard leader assignment
type LeaderConfig struct {
	NodeID string `yaml:"node_id"`
	Epoch  uint64 `yaml:"epoch"`
}

// ClusterPolicyConfig mirrors cluster.ClusterPolicy
type ClusterPolicyConfig struct {
	RequireQuorum      bool          `yaml:"require_quorum"`
	QuorumPreflight    bool          `yaml:"quorum_preflight"`
	ProbeBeforeForward bool          `yaml:"probe_before_forward"`
	EpochFencing       bool          `yaml:"epoch_fencing"`
	ForwardTimeout     time.Duration `yaml:"forward_timeout"`
}

// ClusterConfig holds the initial routing table and peer addresses
type ClusterConfig struct {
	Enabled       bool                    `yaml:"enabled"`
	ShardCount    uint32                  `yaml:"shard_count"`
	DefaultLeader string                  `yaml:"default_leader"`
	Leaders       map[uint32]LeaderConfig `yaml:"leaders"`
	Followers     map[uint32][]string     `yaml:"followers"`
	Quorum        map[uint32]int          `yaml:"quorum"`
	Peers         map[string]string       `yaml:"peers"`
	Policy        ClusterPolicyConfig     `yaml:"policy"`
}

// GossipConfig holds gossip protocol configuration
type GossipConfig struct {
	Enabled        bool          `yaml:"enabled"`
	BindAddr       string        `yaml:"bind_addr"`
	BindPort       int           `yaml:"bind_port"`
	SeedNodes      []string      `yaml:"seed_nodes"`
	GossipInterval time.Duration `yaml:"gossip_interval"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
	ProbeInterval  time.Duration `yaml:"probe_interval"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config represents the complete configuration for a runtime node
type Config struct {
	Node        NodeConfig        `yaml:"node"`
	Runtime     RuntimeConfig     `yaml:"runtime"`
	Lifecycle   LifecycleConfig   `yaml:"lifecycle"`
	Snapshot    SnapshotConfig    `yaml:"snapshot"`
	Replication ReplicationConfig `yaml:"replication"`
	Cluster     ClusterConfig     `yaml:"cluster"`
	Gossip      GossipConfig      `yaml:"gossip"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// LoadConfig loads configuration from a file
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML, applies defaults and validates the result
func Parse(data []byte) (*Config, error) {
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

// setDefaults sets default values for unspecified configuration
func setDefaults(cfg *Config) {
	if cfg.Node.Host == "" {
		cfg.Node.Host = "0.0.0.0"
	}
	if cfg.Node.Port == 0 {
		cfg.Node.Port = 50061
	}
	if cfg.Node.ShutdownTimeout == 0 {
		cfg.Node.ShutdownTimeout = 30 * time.Second
	}

	if cfg.Runtime.RootDir == "" {
		cfg.Runtime.RootDir = "/var/lib/pairdb"
	}
	if cfg.Runtime.Durability == "" {
		cfg.Runtime.Durability = "strict"
	}
	if cfg.Runtime.SyncInterval == 0 {
		cfg.Runtime.SyncInterval = 100 * time.Millisecond
	}
	if cfg.Runtime.MaxConcurrentMutations == 0 {
		cfg.Runtime.MaxConcurrentMutations = 64
	}
	if cfg.Runtime.PermitTimeout == 0 {
		cfg.Runtime.PermitTimeout = 5 * time.Second
	}

	if cfg.Lifecycle.PassivateAfter == 0 {
		cfg.Lifecycle.PassivateAfter = 10 * time.Minute
	}
	if cfg.Lifecycle.GCAfter == 0 {
		cfg.Lifecycle.GCAfter = 24 * time.Hour
	}
	if cfg.Lifecycle.TombstoneTTL == 0 {
		cfg.Lifecycle.TombstoneTTL = 7 * 24 * time.Hour
	}
	if cfg.Lifecycle.MaintenanceInterval == 0 {
		cfg.Lifecycle.MaintenanceInterval = time.Minute
	}

	if cfg.Snapshot.OpsThreshold == 0 {
		cfg.Snapshot.OpsThreshold = 10000
	}
	if cfg.Snapshot.JournalBytesThreshold == 0 {
		cfg.Snapshot.JournalBytesThreshold = 64 << 20 // 64MB
	}
	if cfg.Snapshot.TickInterval == 0 {
		cfg.Snapshot.TickInterval = 30 * time.Second
	}

	if cfg.Replication.Mode == "" {
		cfg.Replication.Mode = "sync"
	}
	if cfg.Replication.S3.Region == "" {
		cfg.Replication.S3.Region = "us-east-1"
	}

	if cfg.Cluster.ShardCount == 0 {
		cfg.Cluster.ShardCount = 16
	}
	if cfg.Cluster.DefaultLeader == "" {
		cfg.Cluster.DefaultLeader = cfg.Node.NodeID
	}
	if cfg.Cluster.Policy.ForwardTimeout == 0 {
		cfg.Cluster.Policy.ForwardTimeout = 5 * time.Second
	}

	if cfg.Gossip.BindAddr == "" {
		cfg.Gossip.BindAddr = "0.0.0.0"
	}
	if cfg.Gossip.BindPort == 0 {
		cfg.Gossip.BindPort = 7946
	}
	if cfg.Gossip.GossipInterval == 0 {
		cfg.Gossip.GossipInterval = 200 * time.Millisecond
	}
	if cfg.Gossip.ProbeTimeout == 0 {
		cfg.Gossip.ProbeTimeout = 500 * time.Millisecond
	}
	if cfg.Gossip.ProbeInterval == 0 {
		cfg.Gossip.ProbeInterval = time.Second
	}

	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9095
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Node.NodeID == "" {
		return fmt.Errorf("node.node_id is required")
	}
	if c.Node.Port < 1 || c.Node.Port > 65535 {
		return fmt.Errorf("node.port must be between 1 and 65535")
	}
	switch c.Runtime.Durability {
	case "strict", "eventual":
	default:
		return fmt.Errorf("runtime.durability must be strict or eventual, got %q", c.Runtime.Durability)
	}
	if c.Runtime.MaxConcurrentMutations < 1 {
		return fmt.Errorf("runtime.max_concurrent_mutations must be positive")
	}
	switch c.Replication.Mode {
	case "sync", "async":
	default:
		return fmt.Errorf("replication.mode must be sync or async, got %q", c.Replication.Mode)
	}
	if c.Replication.S3.Enabled && c.Replication.S3.Bucket == "" {
		return fmt.Errorf("replication.s3.bucket is required when s3 replication is enabled")
	}
	if c.Lifecycle.MaxHotEntities < 0 {
		return fmt.Errorf("lifecycle.max_hot_entities must not be negative")
	}
	if c.Cluster.Enabled {
		for shard := range c.Cluster.Leaders {
			if shard >= c.Cluster.ShardCount {
				return fmt.Errorf("cluster.leaders: shard %d out of range (shard_count %d)", shard, c.Cluster.ShardCount)
			}
		}
		if _, ok := c.Cluster.Peers[c.Node.NodeID]; !ok && len(c.Cluster.Peers) > 0 {
			return fmt.Errorf("cluster.peers must include this node (%s)", c.Node.NodeID)
		}
	}
	return nil
}
