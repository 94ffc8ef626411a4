package service

import (
	"encoding/json"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/devrev/pairdb/internal/metrics"
	"github.com/devrev/pairdb/internal/model"
	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"
)

// GossipConfig holds gossip protocol configuration
type GossipConfig struct {
	BindAddr       string
	BindPort       int
	SeedNodes      []string
	GossipInterval time.Duration
	ProbeTimeout   time.Duration
	ProbeInterval  time.Duration
}

// GossipService supplies the cluster membership set through memberlist.
// Each node advertises its cluster address in its node meta.
type GossipService struct {
	config     *GossipConfig
	memberlist *memberlist.Memberlist
	nodeID     string
	logger     *zap.Logger
	metrics    *metrics.Metrics

	ready    chan struct{} // closed once memberlist is set
	mu       sync.RWMutex
	local    model.NodeMeta
	onChange []func(members []model.Member)
}

// NewGossipService starts memberlist and joins the seed nodes
func NewGossipService(cfg *GossipConfig, local model.NodeMeta, logger *zap.Logger, m *metrics.Metrics) (*GossipService, error) {
	gs := &GossipService{
		config:  cfg,
		nodeID:  local.NodeID,
		logger:  logger,
		metrics: m,
		ready:   make(chan struct{}),
		local:   local,
	}

	mlConfig := memberlist.DefaultLocalConfig()
	mlConfig.Name = local.NodeID
	if cfg.BindAddr != "" {
		mlConfig.BindAddr = cfg.BindAddr
	}
	mlConfig.BindPort = cfg.BindPort
	mlConfig.AdvertisePort = cfg.BindPort
	if cfg.GossipInterval > 0 {
		mlConfig.GossipInterval = cfg.GossipInterval
	}
	if cfg.ProbeTimeout > 0 {
		mlConfig.ProbeTimeout = cfg.ProbeTimeout
	}
	if cfg.ProbeInterval > 0 {
		mlConfig.ProbeInterval = cfg.ProbeInterval
	}
	mlConfig.Delegate = gs
	mlConfig.Events = &gossipEventDelegate{service: gs}
	mlConfig.LogOutput = zap.NewStdLog(logger).Writer()

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		close(gs.ready)
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}
	gs.memberlist = ml
	close(gs.ready)

	if len(cfg.SeedNodes) > 0 {
		joined, err := ml.Join(cfg.SeedNodes)
		if err != nil {
			logger.Warn("Failed to join some seed nodes", zap.Int("joined", joined), zap.Error(err))
		}
	}
	gs.metrics.GossipMembersTotal.Set(float64(ml.NumMembers()))

	return gs, nil
}

// OnChange registers fn to run with the full member list after every join or leave
func (s *GossipService) OnChange(fn func(members []model.Member)) {
	s.mu.Lock()
	s.onChange = append(s.onChange, fn)
	s.mu.Unlock()
}

// Members returns the live members ordered by node id
func (s *GossipService) Members() []model.Member {
	nodes := s.memberlist.Members()
	out := make([]model.Member, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, memberFromNode(n))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// MemberIDs returns the node ids of live members
func (s *GossipService) MemberIDs() []string {
	members := s.Members()
	ids := make([]string, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.NodeID)
	}
	return ids
}

// LocalAddr returns the gossip address this node listens on
func (s *GossipService) LocalAddr() string {
	n := s.memberlist.LocalNode()
	return net.JoinHostPort(n.Addr.String(), strconv.Itoa(int(n.Port)))
}

// UpdateLocal refreshes the advertised meta and pushes it to peers
func (s *GossipService) UpdateLocal(hotEntities int, lastSeq uint64) {
	s.mu.Lock()
	s.local.HotEntities = hotEntities
	s.local.LastSeq = lastSeq
	s.mu.Unlock()

	if err := s.memberlist.UpdateNode(s.config.ProbeTimeout); err != nil {
		s.logger.Debug("Failed to push node meta", zap.Error(err))
	}
}

// NodeMeta implements memberlist.Delegate
func (s *GossipService) NodeMeta(limit int) []byte {
	s.mu.RLock()
	data, _ := json.Marshal(s.local)
	s.mu.RUnlock()
	if len(data) > limit {
		return nil
	}
	return data
}

// NotifyMsg implements memberlist.Delegate
func (s *GossipService) NotifyMsg(data []byte) {}

// GetBroadcasts implements memberlist.Delegate
func (s *GossipService) GetBroadcasts(overhead, limit int) [][]byte {
	return nil
}

// LocalState implements memberlist.Delegate
func (s *GossipService) LocalState(join bool) []byte {
	return nil
}

// MergeRemoteState implements memberlist.Delegate
func (s *GossipService) MergeRemoteState(buf []byte, join bool) {}

// Shutdown leaves the cluster and stops memberlist
func (s *GossipService) Shutdown() error {
	if err := s.memberlist.Leave(s.config.ProbeTimeout); err != nil {
		s.logger.Warn("Failed to leave gossip cluster", zap.Error(err))
	}
	return s.memberlist.Shutdown()
}

func (s *GossipService) notify() {
	<-s.ready
	if s.memberlist == nil {
		return
	}
	members := s.Members()
	s.metrics.GossipMembersTotal.Set(float64(len(members)))

	s.mu.RLock()
	callbacks := append([]func([]model.Member){}, s.onChange...)
	s.mu.RUnlock()
	for _, fn := range callbacks {
		fn(members)
	}
}

func memberFromNode(n *memberlist.Node) model.Member {
	m := model.Member{
		NodeID:     n.Name,
		GossipAddr: net.JoinHostPort(n.Addr.String(), strconv.Itoa(int(n.Port))),
	}
	if meta, ok := decodeNodeMeta(n.Meta); ok {
		m.Meta = meta
	}
	if m.Meta.NodeID == "" {
		m.Meta.NodeID = n.Name
	}
	return m
}

func decodeNodeMeta(data []byte) (model.NodeMeta, bool) {
	if len(data) == 0 {
		return model.NodeMeta{}, false
	}
	var meta model.NodeMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return model.NodeMeta{}, false
	}
	return meta, true
}

// gossipEventDelegate handles memberlist events
type gossipEventDelegate struct {
	service *GossipService
}

func (d *gossipEventDelegate) NotifyJoin(node *memberlist.Node) {
	d.service.logger.Info("Node joined",
		zap.String("node_id", node.Name),
		zap.String("addr", node.Addr.String()))
	go d.service.notify()
}

func (d *gossipEventDelegate) NotifyLeave(node *memberlist.Node) {
	d.service.logger.Info("Node left", zap.String("node_id", node.Name))
	go d.service.notify()
}

func (d *gossipEventDelegate) NotifyUpdate(node *memberlist.Node) {
	d.service.logger.Debug("Node updated", zap.String("node_id", node.Name))
}
