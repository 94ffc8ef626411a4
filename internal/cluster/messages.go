package cluster

import (
	"github.com/devrev/pairdb/internal/model"
)

// ForwardRequest carries a command from a non-leader to the shard leader
type ForwardRequest struct {
	ShardID      uint32                `json:"shard_id"`
	LeaderNodeID string                `json:"leader_node_id"`
	LeaderEpoch  uint64                `json:"leader_epoch"`
	FromNodeID   string                `json:"from_node_id"`
	Envelope     model.CommandEnvelope `json:"envelope"`
}

// ForwardResponse is the leader's outcome for a forwarded command
type ForwardResponse struct {
	State            model.PersistState   `json:"state"`
	IdempotentReplay bool                 `json:"idempotent_replay"`
	Outbox           []model.OutboxRecord `json:"outbox,omitempty"`
	Acked            []string             `json:"acked"`
	Failed           map[string]string    `json:"failed,omitempty"`
}

// ReplicateRequest asks a follower to re-execute an envelope the leader committed
type ReplicateRequest struct {
	ShardID      uint32                `json:"shard_id"`
	LeaderNodeID string                `json:"leader_node_id"`
	LeaderEpoch  uint64                `json:"leader_epoch"`
	Envelope     model.CommandEnvelope `json:"envelope"`
}

// ReplicateResponse acknowledges a replicated envelope
type ReplicateResponse struct {
	NodeID           string `json:"node_id"`
	Version          uint64 `json:"version"`
	IdempotentReplay bool   `json:"idempotent_replay"`
}

// ProbeRequest checks that a peer is reachable and agrees on the shard leader
type ProbeRequest struct {
	ShardID      uint32 `json:"shard_id"`
	LeaderNodeID string `json:"leader_node_id"`
	LeaderEpoch  uint64 `json:"leader_epoch"`
}

// ProbeResponse reports the peer's position
type ProbeResponse struct {
	NodeID      string `json:"node_id"`
	LastSeq     uint64 `json:"last_seq"`
	HotEntities int    `json:"hot_entities"`
}
