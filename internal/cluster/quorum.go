package cluster

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// ClusterPolicy controls routing, fencing and quorum enforcement
type ClusterPolicy struct {
	// RequireQuorum fails a leader write whose acks fall short. The local write stays.
	RequireQuorum bool
	// QuorumPreflight probes followers first and rejects before any local change
	// when too few are reachable.
	QuorumPreflight    bool
	ProbeBeforeForward bool
	EpochFencing       bool
	ForwardTimeout     time.Duration
}

// QuorumError names the followers that did not acknowledge and why
type QuorumError struct {
	ShardID  uint32
	Acked    int
	Required int
	Failed   map[string]string
}

func (e *QuorumError) Error() string {
	nodes := make([]string, 0, len(e.Failed))
	for id := range e.Failed {
		nodes = append(nodes, id)
	}
	sort.Strings(nodes)
	parts := make([]string, 0, len(nodes))
	for _, id := range nodes {
		parts = append(parts, fmt.Sprintf("%s: %s", id, e.Failed[id]))
	}
	return fmt.Sprintf("shard %d acknowledged by %d of %d required (failed: %s)",
		e.ShardID, e.Acked, e.Required, strings.Join(parts, "; "))
}

// FailedNodes returns the failed node ids in order
func (e *QuorumError) FailedNodes() []string {
	nodes := make([]string, 0, len(e.Failed))
	for id := range e.Failed {
		nodes = append(nodes, id)
	}
	sort.Strings(nodes)
	return nodes
}
