package cluster

import (
	"fmt"
	"sort"
	"sync"

	"github.com/devrev/pairdb/internal/algorithm"
	storageerrors "github.com/devrev/pairdb/internal/errors"
	"github.com/devrev/pairdb/internal/model"
)

// ShardAssignment is the leadership view of one shard
type ShardAssignment struct {
	ShardID      uint32   `json:"shard_id"`
	LeaderNodeID string   `json:"leader_node_id"`
	Epoch        uint64   `json:"epoch"`
	Followers    []string `json:"followers"`
	Quorum       int      `json:"quorum"` // 0 means majority of leader+followers
}

func (a ShardAssignment) clone() ShardAssignment {
	cp := a
	cp.Followers = append([]string(nil), a.Followers...)
	return cp
}

// Route is where a key's writes must go
type Route struct {
	ShardID       uint32
	LeaderNodeID  string
	LeaderEpoch   uint64
	LocalIsLeader bool
	Followers     []string
}

// ShardRoutingTable maps shards to a leader, its epoch and followers.
// Shards without an explicit assignment belong to the default leader at epoch 0.
// It is read-mostly and only changes through its validated setters.
type ShardRoutingTable struct {
	mu            sync.RWMutex
	shardCount    uint32
	defaultLeader string
	shards        map[uint32]ShardAssignment
	members       map[string]struct{} // nil means unrestricted
}

// NewShardRoutingTable creates a routing table with shardCount shards
func NewShardRoutingTable(shardCount uint32, defaultLeader string) (*ShardRoutingTable, error) {
	if shardCount == 0 {
		return nil, storageerrors.RoutingInvalid("shard count must be positive")
	}
	if defaultLeader == "" {
		return nil, storageerrors.RoutingInvalid("default leader is required")
	}
	return &ShardRoutingTable{
		shardCount:    shardCount,
		defaultLeader: defaultLeader,
		shards:        make(map[uint32]ShardAssignment),
	}, nil
}

// ShardCount returns the number of shards
func (t *ShardRoutingTable) ShardCount() uint32 {
	return t.shardCount
}

// ShardFor returns the shard that owns key
func (t *ShardRoutingTable) ShardFor(key model.EntityKey) uint32 {
	return algorithm.ShardForKey(key.EntityType, key.PersistID, t.shardCount)
}

// Assignment returns a copy of the shard's assignment
func (t *ShardRoutingTable) Assignment(shardID uint32) (ShardAssignment, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if err := t.checkShard(shardID); err != nil {
		return ShardAssignment{}, err
	}
	return t.assignmentLocked(shardID).clone(), nil
}

// LeaderFor returns the shard and assignment that own key
func (t *ShardRoutingTable) LeaderFor(key model.EntityKey) (uint32, ShardAssignment) {
	shardID := t.ShardFor(key)
	t.mu.RLock()
	defer t.mu.RUnlock()
	return shardID, t.assignmentLocked(shardID).clone()
}

// SetLeader installs a leader and epoch for a shard. The leader is dropped from followers.
func (t *ShardRoutingTable) SetLeader(shardID uint32, nodeID string, epoch uint64) error {
	if nodeID == "" {
		return storageerrors.RoutingInvalid("leader node id is required")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkShard(shardID); err != nil {
		return err
	}
	a := t.assignmentLocked(shardID)
	a.LeaderNodeID = nodeID
	a.Epoch = epoch
	a.Followers = normalizeFollowers(a.Followers, nodeID)
	if err := validateAssignment(a); err != nil {
		return err
	}
	t.shards[shardID] = a
	return nil
}

// SetFollowers replaces a shard's followers. Duplicates and the leader are removed.
func (t *ShardRoutingTable) SetFollowers(shardID uint32, followers []string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkShard(shardID); err != nil {
		return err
	}
	a := t.assignmentLocked(shardID)
	a.Followers = normalizeFollowers(followers, a.LeaderNodeID)
	if err := validateAssignment(a); err != nil {
		return err
	}
	t.shards[shardID] = a
	return nil
}

// SetQuorum sets the acknowledgement override for a shard. 0 restores the majority default.
func (t *ShardRoutingTable) SetQuorum(shardID uint32, quorum int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkShard(shardID); err != nil {
		return err
	}
	a := t.assignmentLocked(shardID)
	a.Quorum = quorum
	if err := validateAssignment(a); err != nil {
		return err
	}
	t.shards[shardID] = a
	return nil
}

// SetMembers restricts leader moves to nodeIDs. An empty set lifts the restriction.
func (t *ShardRoutingTable) SetMembers(nodeIDs []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(nodeIDs) == 0 {
		t.members = nil
		return
	}
	t.members = make(map[string]struct{}, len(nodeIDs))
	for _, id := range nodeIDs {
		t.members[id] = struct{}{}
	}
}

// IsMember reports whether nodeID may lead a shard
func (t *ShardRoutingTable) IsMember(nodeID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.isMemberLocked(nodeID)
}

// MoveShardLeader promotes newLeader, demotes the old leader into the followers
// and bumps the epoch. Moving to the current leader is a no-op.
func (t *ShardRoutingTable) MoveShardLeader(shardID uint32, newLeader string) (ShardAssignment, error) {
	if newLeader == "" {
		return ShardAssignment{}, storageerrors.RoutingInvalid("new leader node id is required")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkShard(shardID); err != nil {
		return ShardAssignment{}, err
	}
	if !t.isMemberLocked(newLeader) {
		return ShardAssignment{}, storageerrors.UnknownNode(newLeader)
	}

	a := t.assignmentLocked(shardID)
	if a.LeaderNodeID == newLeader {
		return a.clone(), nil
	}
	followers := append(append([]string(nil), a.Followers...), a.LeaderNodeID)
	next := ShardAssignment{
		ShardID:      shardID,
		LeaderNodeID: newLeader,
		Epoch:        a.Epoch + 1,
		Followers:    normalizeFollowers(followers, newLeader),
		Quorum:       a.Quorum,
	}
	if err := validateAssignment(next); err != nil {
		return ShardAssignment{}, err
	}
	t.shards[shardID] = next
	return next.clone(), nil
}

// CheckEpoch fences a request that carries the sender's view of the shard leader
func (t *ShardRoutingTable) CheckEpoch(shardID uint32, leaderNodeID string, epoch uint64) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if err := t.checkShard(shardID); err != nil {
		return err
	}
	a := t.assignmentLocked(shardID)
	if a.LeaderNodeID != leaderNodeID || a.Epoch != epoch {
		return storageerrors.EpochMismatch(shardID, leaderNodeID, epoch, a.LeaderNodeID, a.Epoch)
	}
	return nil
}

// Validate checks every explicit assignment
func (t *ShardRoutingTable) Validate() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, id := range t.sortedShardIDsLocked() {
		if err := validateAssignment(t.shards[id]); err != nil {
			return err
		}
	}
	return nil
}

// Assignments returns every explicit assignment ordered by shard
func (t *ShardRoutingTable) Assignments() []ShardAssignment {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]ShardAssignment, 0, len(t.shards))
	for _, id := range t.sortedShardIDsLocked() {
		out = append(out, t.shards[id].clone())
	}
	return out
}

// Clone returns an independent copy of the table
func (t *ShardRoutingTable) Clone() *ShardRoutingTable {
	t.mu.RLock()
	defer t.mu.RUnlock()
	cp := &ShardRoutingTable{
		shardCount:    t.shardCount,
		defaultLeader: t.defaultLeader,
		shards:        make(map[uint32]ShardAssignment, len(t.shards)),
	}
	for id, a := range t.shards {
		cp.shards[id] = a.clone()
	}
	if t.members != nil {
		cp.members = make(map[string]struct{}, len(t.members))
		for id := range t.members {
			cp.members[id] = struct{}{}
		}
	}
	return cp
}

func (t *ShardRoutingTable) checkShard(shardID uint32) error {
	if shardID >= t.shardCount {
		return storageerrors.RoutingInvalid(fmt.Sprintf("shard %d out of range [0, %d)", shardID, t.shardCount))
	}
	return nil
}

func (t *ShardRoutingTable) assignmentLocked(shardID uint32) ShardAssignment {
	if a, ok := t.shards[shardID]; ok {
		return a.clone()
	}
	return ShardAssignment{ShardID: shardID, LeaderNodeID: t.defaultLeader}
}

func (t *ShardRoutingTable) isMemberLocked(nodeID string) bool {
	if t.members == nil {
		return true
	}
	_, ok := t.members[nodeID]
	return ok
}

func (t *ShardRoutingTable) sortedShardIDsLocked() []uint32 {
	ids := make([]uint32, 0, len(t.shards))
	for id := range t.shards {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// normalizeFollowers dedupes, drops empty ids and the leader, and sorts
func normalizeFollowers(followers []string, leader string) []string {
	seen := make(map[string]struct{}, len(followers))
	out := make([]string, 0, len(followers))
	for _, f := range followers {
		if f == "" || f == leader {
			continue
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

func validateAssignment(a ShardAssignment) error {
	if a.LeaderNodeID == "" {
		return storageerrors.RoutingInvalid(fmt.Sprintf("shard %d has no leader", a.ShardID))
	}
	if a.Quorum < 0 {
		return storageerrors.RoutingInvalid(fmt.Sprintf("shard %d quorum must not be negative", a.ShardID))
	}
	if replicas := 1 + len(a.Followers); a.Quorum > replicas {
		return storageerrors.RoutingInvalid(fmt.Sprintf("shard %d quorum %d exceeds %d replicas", a.ShardID, a.Quorum, replicas))
	}
	return nil
}
