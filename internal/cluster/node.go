package cluster

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/devrev/pairdb/internal/algorithm"
	storageerrors "github.com/devrev/pairdb/internal/errors"
	"github.com/devrev/pairdb/internal/metrics"
	"github.com/devrev/pairdb/internal/model"
	"github.com/devrev/pairdb/internal/service"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ClusterResult is the outcome of a cluster-aware command
type ClusterResult struct {
	service.CommandResult
	Route     Route
	Forwarded bool
	// Applied is true once the leader committed the command, even if quorum then failed
	Applied bool
	Acked   []string
	Failed  map[string]string
}

// Node routes commands for one runtime: it applies and replicates when it leads
// the shard and forwards to the leader otherwise.
type Node struct {
	nodeID  string
	runtime *service.EntityRuntime
	table   *ShardRoutingTable
	peers   *PeerRegistry
	policy  ClusterPolicy
	quorum  *algorithm.QuorumCalculator
	logger  *zap.Logger
	metrics *metrics.Metrics
	clock   func() time.Time

	// shardMu guards shardLocks. A shard lock spans the local commit and the
	// follower fan-out so followers receive a shard's commands in commit order.
	shardMu    sync.Mutex
	shardLocks map[uint32]*sync.Mutex
}

// NewNode creates a cluster node
func NewNode(
	nodeID string,
	runtime *service.EntityRuntime,
	table *ShardRoutingTable,
	peers *PeerRegistry,
	policy ClusterPolicy,
	logger *zap.Logger,
	m *metrics.Metrics,
) *Node {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewMetrics(nodeID, nil)
	}
	if peers == nil {
		peers = NewPeerRegistry()
	}
	return &Node{
		nodeID:  nodeID,
		runtime: runtime,
		table:   table,
		peers:   peers,
		policy:  policy,
		quorum:  algorithm.NewQuorumCalculator(),
		logger:  logger.With(zap.String("node_id", nodeID)),
		metrics: m,
		clock:   func() time.Time { return time.Now().UTC() },

		shardLocks: make(map[uint32]*sync.Mutex),
	}
}

// NodeID returns the local node id
func (n *Node) NodeID() string {
	return n.nodeID
}

// RoutingTable returns the live routing table
func (n *Node) RoutingTable() *ShardRoutingTable {
	return n.table
}

// Peers returns the peer registry
func (n *Node) Peers() *PeerRegistry {
	return n.peers
}

// Runtime returns the local entity runtime
func (n *Node) Runtime() *service.EntityRuntime {
	return n.runtime
}

// RouteFor resolves the shard leader for key
func (n *Node) RouteFor(key model.EntityKey) Route {
	shardID, a := n.table.LeaderFor(key)
	return Route{
		ShardID:       shardID,
		LeaderNodeID:  a.LeaderNodeID,
		LeaderEpoch:   a.Epoch,
		LocalIsLeader: a.LeaderNodeID == n.nodeID,
		Followers:     a.Followers,
	}
}

// ApplyCommandEnvelopeWithCluster applies env on the shard leader: locally with
// follower replication when this node leads, otherwise by forwarding.
func (n *Node) ApplyCommandEnvelopeWithCluster(ctx context.Context, env model.CommandEnvelope) (ClusterResult, error) {
	n.pinEnvelope(&env)
	route := n.RouteFor(env.Key())
	if route.LocalIsLeader {
		a, err := n.table.Assignment(route.ShardID)
		if err != nil {
			return ClusterResult{Route: route}, err
		}
		return n.applyAsLeader(ctx, route, a.Quorum, env)
	}
	return n.forward(ctx, route, env)
}

// pinEnvelope fixes the envelope id and timestamp so every replica derives the same result
func (n *Node) pinEnvelope(env *model.CommandEnvelope) {
	if env.EnvelopeID == "" {
		env.EnvelopeID = uuid.NewString()
	}
	if env.CreatedAt.IsZero() {
		env.CreatedAt = n.clock()
	}
	env.CreatedAt = env.CreatedAt.UTC()
}

func (n *Node) applyAsLeader(ctx context.Context, route Route, quorumOverride int, env model.CommandEnvelope) (ClusterResult, error) {
	result := ClusterResult{Route: route}
	required := n.quorum.RequiredAcks(quorumOverride, len(route.Followers))

	if n.policy.QuorumPreflight && len(route.Followers) > 0 {
		reachable, failed := n.probeFollowers(ctx, route)
		if acks := 1 + len(reachable); !n.quorum.IsQuorumReached(acks, required) {
			n.metrics.QuorumFailuresTotal.Inc()
			qerr := &QuorumError{ShardID: route.ShardID, Acked: acks, Required: required, Failed: failed}
			n.logger.Warn("Quorum preflight failed",
				zap.Uint32("shard_id", route.ShardID),
				zap.Int("reachable", acks),
				zap.Int("required", required),
				zap.Strings("failed", qerr.FailedNodes()))
			result.Failed = failed
			return result, storageerrors.QuorumNotReached(route.ShardID, acks, required, qerr)
		}
	}

	lock := n.shardLock(route.ShardID)
	lock.Lock()
	defer lock.Unlock()

	res, err := n.runtime.ApplyCommandEnvelope(ctx, env)
	if err != nil {
		return result, err
	}
	result.CommandResult = res
	result.Applied = true
	result.Acked = []string{n.nodeID}

	if len(route.Followers) == 0 {
		return result, nil
	}

	acked, failed := n.replicate(ctx, route, env)
	result.Acked = append(result.Acked, acked...)
	result.Failed = failed

	acks := len(result.Acked)
	if n.policy.RequireQuorum && !n.quorum.IsQuorumReached(acks, required) {
		n.metrics.QuorumFailuresTotal.Inc()
		qerr := &QuorumError{ShardID: route.ShardID, Acked: acks, Required: required, Failed: failed}
		n.logger.Warn("Write committed locally without quorum",
			zap.Uint32("shard_id", route.ShardID),
			zap.String("envelope_id", env.EnvelopeID),
			zap.Int("acked", acks),
			zap.Int("required", required),
			zap.Strings("failed", qerr.FailedNodes()))
		return result, storageerrors.QuorumNotReached(route.ShardID, acks, required, qerr)
	}
	return result, nil
}

func (n *Node) shardLock(shardID uint32) *sync.Mutex {
	n.shardMu.Lock()
	defer n.shardMu.Unlock()
	l, ok := n.shardLocks[shardID]
	if !ok {
		l = &sync.Mutex{}
		n.shardLocks[shardID] = l
	}
	return l
}

// replicate fans env out to every follower and collects acks
func (n *Node) replicate(ctx context.Context, route Route, env model.CommandEnvelope) ([]string, map[string]string) {
	req := &ReplicateRequest{
		ShardID:      route.ShardID,
		LeaderNodeID: n.nodeID,
		LeaderEpoch:  route.LeaderEpoch,
		Envelope:     env,
	}

	var mu sync.Mutex
	var acked []string
	failed := make(map[string]string)

	g, gctx := errgroup.WithContext(ctx)
	for _, follower := range route.Followers {
		g.Go(func() error {
			err := n.replicateTo(gctx, follower, req)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				n.metrics.ReplicationAcksTotal.WithLabelValues("failed").Inc()
				n.logger.Warn("Replication to follower failed",
					zap.Uint32("shard_id", route.ShardID),
					zap.String("follower", follower),
					zap.Error(err))
				failed[follower] = err.Error()
				return nil
			}
			n.metrics.ReplicationAcksTotal.WithLabelValues("acked").Inc()
			acked = append(acked, follower)
			return nil
		})
	}
	// Failures are collected, never returned, so Wait cannot fail.
	_ = g.Wait()

	sort.Strings(acked)
	return acked, failed
}

func (n *Node) replicateTo(ctx context.Context, follower string, req *ReplicateRequest) error {
	peer, err := n.peers.Get(follower)
	if err != nil {
		return err
	}
	ctx, cancel := n.withForwardTimeout(ctx)
	defer cancel()
	_, err = peer.Replicate(ctx, req)
	return err
}

func (n *Node) probeFollowers(ctx context.Context, route Route) ([]string, map[string]string) {
	req := &ProbeRequest{ShardID: route.ShardID, LeaderNodeID: n.nodeID, LeaderEpoch: route.LeaderEpoch}

	var mu sync.Mutex
	var reachable []string
	failed := make(map[string]string)

	g, gctx := errgroup.WithContext(ctx)
	for _, follower := range route.Followers {
		g.Go(func() error {
			err := n.probe(gctx, follower, req)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed[follower] = err.Error()
				return nil
			}
			reachable = append(reachable, follower)
			return nil
		})
	}
	_ = g.Wait()

	sort.Strings(reachable)
	return reachable, failed
}

func (n *Node) probe(ctx context.Context, nodeID string, req *ProbeRequest) error {
	peer, err := n.peers.Get(nodeID)
	if err != nil {
		return err
	}
	ctx, cancel := n.withForwardTimeout(ctx)
	defer cancel()
	_, err = peer.Probe(ctx, req)
	return err
}

func (n *Node) forward(ctx context.Context, route Route, env model.CommandEnvelope) (ClusterResult, error) {
	result := ClusterResult{Route: route, Forwarded: true}

	peer, err := n.peers.Get(route.LeaderNodeID)
	if err != nil {
		n.metrics.ForwardsTotal.WithLabelValues("unknown_node").Inc()
		return result, err
	}

	if n.policy.ProbeBeforeForward {
		if err := n.probe(ctx, route.LeaderNodeID, &ProbeRequest{
			ShardID:      route.ShardID,
			LeaderNodeID: route.LeaderNodeID,
			LeaderEpoch:  route.LeaderEpoch,
		}); err != nil {
			n.metrics.ForwardsTotal.WithLabelValues("probe_failed").Inc()
			n.logger.Warn("Leader probe failed",
				zap.Uint32("shard_id", route.ShardID),
				zap.String("leader", route.LeaderNodeID),
				zap.Error(err))
			return result, err
		}
	}

	fctx, cancel := n.withForwardTimeout(ctx)
	defer cancel()
	resp, err := peer.Forward(fctx, &ForwardRequest{
		ShardID:      route.ShardID,
		LeaderNodeID: route.LeaderNodeID,
		LeaderEpoch:  route.LeaderEpoch,
		FromNodeID:   n.nodeID,
		Envelope:     env,
	})
	if resp != nil {
		result.CommandResult = service.CommandResult{
			State:            resp.State,
			IdempotentReplay: resp.IdempotentReplay,
			Outbox:           resp.Outbox,
		}
		result.Acked = resp.Acked
		result.Failed = resp.Failed
		result.Applied = len(resp.Acked) > 0
	}
	if err != nil {
		n.metrics.ForwardsTotal.WithLabelValues("error").Inc()
		n.logger.Warn("Forward to leader failed",
			zap.Uint32("shard_id", route.ShardID),
			zap.String("leader", route.LeaderNodeID),
			zap.Error(err))
		return result, err
	}
	n.metrics.ForwardsTotal.WithLabelValues("ok").Inc()
	return result, nil
}

// HandleForward serves a command forwarded by a peer that believes this node leads the shard
func (n *Node) HandleForward(ctx context.Context, req *ForwardRequest) (*ForwardResponse, error) {
	if err := n.checkShardOf(req.ShardID, req.Envelope.Key()); err != nil {
		return nil, err
	}
	if err := n.fence(req.ShardID, req.LeaderNodeID, req.LeaderEpoch); err != nil {
		return nil, err
	}
	route := n.RouteFor(req.Envelope.Key())
	if !route.LocalIsLeader {
		return nil, storageerrors.NotLeader(req.ShardID, n.nodeID, route.LeaderNodeID)
	}

	res, err := n.ApplyCommandEnvelopeWithCluster(ctx, req.Envelope)
	if !res.Applied {
		return nil, err
	}
	return &ForwardResponse{
		State:            res.State,
		IdempotentReplay: res.IdempotentReplay,
		Outbox:           res.Outbox,
		Acked:            res.Acked,
		Failed:           res.Failed,
	}, err
}

// HandleReplicate re-executes an envelope committed by the shard leader
func (n *Node) HandleReplicate(ctx context.Context, req *ReplicateRequest) (*ReplicateResponse, error) {
	if err := n.checkShardOf(req.ShardID, req.Envelope.Key()); err != nil {
		return nil, err
	}
	if err := n.fence(req.ShardID, req.LeaderNodeID, req.LeaderEpoch); err != nil {
		return nil, err
	}
	res, err := n.runtime.ApplyCommandEnvelope(ctx, req.Envelope)
	if err != nil {
		return nil, err
	}
	return &ReplicateResponse{
		NodeID:           n.nodeID,
		Version:          res.State.Metadata.Version,
		IdempotentReplay: res.IdempotentReplay,
	}, nil
}

// HandleProbe reports this node's position after checking the caller's leader view
func (n *Node) HandleProbe(ctx context.Context, req *ProbeRequest) (*ProbeResponse, error) {
	if err := n.fence(req.ShardID, req.LeaderNodeID, req.LeaderEpoch); err != nil {
		return nil, err
	}
	stats := n.runtime.Stats()
	return &ProbeResponse{NodeID: n.nodeID, LastSeq: stats.LastSeq, HotEntities: stats.HotEntities}, nil
}

// MoveShardLeader promotes newLeader for shardID in the local routing view
func (n *Node) MoveShardLeader(shardID uint32, newLeader string) (ShardAssignment, error) {
	prev, err := n.table.Assignment(shardID)
	if err != nil {
		return ShardAssignment{}, err
	}
	next, err := n.table.MoveShardLeader(shardID, newLeader)
	if err != nil {
		return ShardAssignment{}, err
	}
	if next.Epoch != prev.Epoch {
		n.metrics.LeaderMovesTotal.Inc()
		n.logger.Info("Moved shard leader",
			zap.Uint32("shard_id", shardID),
			zap.String("from", prev.LeaderNodeID),
			zap.String("to", next.LeaderNodeID),
			zap.Uint64("epoch", next.Epoch),
			zap.Strings("followers", next.Followers))
	}
	return next, nil
}

// SetMembers installs the live member set, typically from gossip
func (n *Node) SetMembers(members []model.Member) {
	ids := make([]string, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.NodeID)
	}
	n.table.SetMembers(ids)
}

func (n *Node) fence(shardID uint32, leaderNodeID string, epoch uint64) error {
	if !n.policy.EpochFencing {
		return nil
	}
	if err := n.table.CheckEpoch(shardID, leaderNodeID, epoch); err != nil {
		n.metrics.EpochRejectionsTotal.Inc()
		n.logger.Warn("Rejected request with stale leader epoch",
			zap.Uint32("shard_id", shardID),
			zap.String("leader", leaderNodeID),
			zap.Uint64("epoch", epoch))
		return err
	}
	return nil
}

func (n *Node) checkShardOf(shardID uint32, key model.EntityKey) error {
	if want := n.table.ShardFor(key); want != shardID {
		return storageerrors.RoutingInvalid("request shard does not own the entity key").
			WithDetail("shard_id", shardID).
			WithDetail("owner_shard", want)
	}
	return nil
}

func (n *Node) withForwardTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if n.policy.ForwardTimeout > 0 {
		return context.WithTimeout(ctx, n.policy.ForwardTimeout)
	}
	return context.WithCancel(ctx)
}
