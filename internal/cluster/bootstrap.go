package cluster

import (
	"sort"

	"github.com/devrev/pairdb/internal/config"
)

// NewRoutingTableFromConfig builds and validates the static routing table in cfg
func NewRoutingTableFromConfig(cfg *config.ClusterConfig) (*ShardRoutingTable, error) {
	table, err := NewShardRoutingTable(cfg.ShardCount, cfg.DefaultLeader)
	if err != nil {
		return nil, err
	}
	for _, shard := range sortedShards(cfg.Leaders) {
		l := cfg.Leaders[shard]
		if err := table.SetLeader(shard, l.NodeID, l.Epoch); err != nil {
			return nil, err
		}
	}
	for _, shard := range sortedShards(cfg.Followers) {
		if err := table.SetFollowers(shard, cfg.Followers[shard]); err != nil {
			return nil, err
		}
	}
	for _, shard := range sortedShards(cfg.Quorum) {
		if err := table.SetQuorum(shard, cfg.Quorum[shard]); err != nil {
			return nil, err
		}
	}
	if err := table.Validate(); err != nil {
		return nil, err
	}
	return table, nil
}

// PolicyFromConfig converts the config section into a ClusterPolicy
func PolicyFromConfig(cfg config.ClusterPolicyConfig) ClusterPolicy {
	return ClusterPolicy{
		RequireQuorum:      cfg.RequireQuorum,
		QuorumPreflight:    cfg.QuorumPreflight,
		ProbeBeforeForward: cfg.ProbeBeforeForward,
		EpochFencing:       cfg.EpochFencing,
		ForwardTimeout:     cfg.ForwardTimeout,
	}
}

func sortedShards[V any](m map[uint32]V) []uint32 {
	ids := make([]uint32, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
