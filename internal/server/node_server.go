package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/devrev/pairdb/internal/client"
	"github.com/devrev/pairdb/internal/cluster"
	"github.com/devrev/pairdb/internal/config"
	"github.com/devrev/pairdb/internal/handler"
	"github.com/devrev/pairdb/internal/metrics"
	"github.com/devrev/pairdb/internal/model"
	"github.com/devrev/pairdb/internal/service"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// RuntimeOptionsFromConfig translates the runtime, lifecycle, snapshot and
// replication sections into RuntimeOptions. S3 targets are built here so
// credentials are resolved once at startup.
func RuntimeOptionsFromConfig(ctx context.Context, cfg *config.Config, logger *zap.Logger, m *metrics.Metrics) (service.RuntimeOptions, error) {
	durability, err := service.ParseDurability(cfg.Runtime.Durability)
	if err != nil {
		return service.RuntimeOptions{}, err
	}
	mode, err := service.ParseReplicationMode(cfg.Replication.Mode)
	if err != nil {
		return service.RuntimeOptions{}, err
	}

	var replicas []service.ReplicaTarget
	for _, dir := range cfg.Replication.Dirs {
		replicas = append(replicas, service.NewDirReplica(dir))
	}
	if s3cfg := cfg.Replication.S3; s3cfg.Enabled {
		target, err := service.NewS3Replica(ctx, service.S3ReplicaConfig{
			Bucket:          s3cfg.Bucket,
			Prefix:          s3cfg.Prefix,
			Region:          s3cfg.Region,
			Endpoint:        s3cfg.Endpoint,
			AccessKeyID:     s3cfg.AccessKeyID,
			SecretAccessKey: s3cfg.SecretAccessKey,
			UsePathStyle:    s3cfg.UsePathStyle,
		})
		if err != nil {
			return service.RuntimeOptions{}, err
		}
		replicas = append(replicas, target)
	}

	return service.RuntimeOptions{
		Root:         cfg.Runtime.RootDir,
		Durability:   durability,
		SyncInterval: cfg.Runtime.SyncInterval,
		Lifecycle: service.LifecyclePolicy{
			PassivationEnabled:   cfg.Lifecycle.PassivationEnabled,
			PassivateAfter:       cfg.Lifecycle.PassivateAfter,
			GCEnabled:            cfg.Lifecycle.GCEnabled,
			GCAfter:              cfg.Lifecycle.GCAfter,
			GCOnlyIfNeverTouched: cfg.Lifecycle.GCOnlyIfNeverTouched,
			MaxHotEntities:       cfg.Lifecycle.MaxHotEntities,
			TombstoneTTL:         cfg.Lifecycle.TombstoneTTL,
		},
		Snapshot: service.SnapshotPolicy{
			OpsThreshold:          cfg.Snapshot.OpsThreshold,
			JournalBytesThreshold: cfg.Snapshot.JournalBytesThreshold,
		},
		ReplicationMode:        mode,
		Replicas:               replicas,
		MaxConcurrentMutations: cfg.Runtime.MaxConcurrentMutations,
		PermitTimeout:          cfg.Runtime.PermitTimeout,
		TombstoneExemptReasons: cfg.Runtime.TombstoneExemptReasons,
		Logger:                 logger,
		Metrics:                m,
	}, nil
}

// NodeServer owns one runtime and everything that serves it: the cluster
// node and its grpc listener, gossip, the metrics endpoint and the
// maintenance and snapshot tickers.
type NodeServer struct {
	cfg      *config.Config
	logger   *zap.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	runtime       *service.EntityRuntime
	node          *cluster.Node
	grpcServer    *grpc.Server
	listener      net.Listener
	gossip        *service.GossipService
	metricsServer *MetricsServer

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewNodeServer opens the runtime described by cfg and wires the cluster
// node. Call RegisterHandler before Start to install domain commands.
func NewNodeServer(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*NodeServer, error) {
	registry := prometheus.NewRegistry()
	m := metrics.NewMetrics(cfg.Node.NodeID, registry)

	opts, err := RuntimeOptionsFromConfig(ctx, cfg, logger, m)
	if err != nil {
		return nil, err
	}
	rt, err := service.OpenEntityRuntime(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open runtime: %w", err)
	}

	s := &NodeServer{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		metrics:  m,
		runtime:  rt,
	}

	clusterCfg := cfg.Cluster
	if !clusterCfg.Enabled {
		// A standalone node leads every shard of a single-shard table
		clusterCfg = config.ClusterConfig{ShardCount: 1, DefaultLeader: cfg.Node.NodeID}
	}
	table, err := cluster.NewRoutingTableFromConfig(&clusterCfg)
	if err != nil {
		rt.Close()
		return nil, err
	}

	peers := cluster.NewPeerRegistry()
	for nodeID, addr := range cfg.Cluster.Peers {
		if nodeID == cfg.Node.NodeID {
			continue
		}
		if err := s.registerPeer(peers, nodeID, addr); err != nil {
			peers.Close()
			rt.Close()
			return nil, err
		}
	}
	s.node = cluster.NewNode(cfg.Node.NodeID, rt, table, peers, cluster.PolicyFromConfig(cfg.Cluster.Policy), logger, m)
	return s, nil
}

func (s *NodeServer) registerPeer(peers *cluster.PeerRegistry, nodeID, addr string) error {
	peer, err := client.NewGRPCPeer(nodeID, addr, s.cfg.Cluster.Policy.ForwardTimeout, s.logger)
	if err != nil {
		return fmt.Errorf("failed to create peer %s: %w", nodeID, err)
	}
	peers.Register(nodeID, peer)
	return nil
}

// Runtime returns the local runtime
func (s *NodeServer) Runtime() *service.EntityRuntime { return s.runtime }

// Node returns the cluster node
func (s *NodeServer) Node() *cluster.Node { return s.node }

// Metrics returns the node's metrics
func (s *NodeServer) Metrics() *metrics.Metrics { return s.metrics }

// ClusterAddr returns the bound grpc address once started
func (s *NodeServer) ClusterAddr() string {
	if s.listener == nil {
		return fmt.Sprintf("%s:%d", s.cfg.Node.Host, s.cfg.Node.Port)
	}
	return s.listener.Addr().String()
}

// RegisterHandler installs a domain command on the runtime
func (s *NodeServer) RegisterHandler(reg service.CommandRegistration) error {
	return s.runtime.RegisterHandler(reg)
}

// Start opens the grpc listener, joins gossip, starts the metrics endpoint
// and the background tickers. It returns once everything is listening.
func (s *NodeServer) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Node.Host, s.cfg.Node.Port)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = lis

	s.grpcServer = grpc.NewServer()
	handler.NewClusterHandler(s.node, s.logger).Register(s.grpcServer)
	go func() {
		if err := s.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.logger.Error("Cluster server failed", zap.Error(err))
		}
	}()
	s.logger.Info("Cluster server listening",
		zap.String("node_id", s.cfg.Node.NodeID),
		zap.String("address", lis.Addr().String()))

	if s.cfg.Gossip.Enabled {
		if err := s.startGossip(); err != nil {
			s.logger.Error("Failed to initialize gossip service", zap.Error(err))
		}
	}

	if s.cfg.Metrics.Enabled {
		s.metricsServer = NewMetricsServer(&MetricsServerConfig{
			Host:    s.cfg.Node.Host,
			Port:    s.cfg.Metrics.Port,
			Path:    s.cfg.Metrics.Path,
			DataDir: s.cfg.Runtime.RootDir,
		}, s.registry, s.metrics, Probes{
			Stats: func() interface{} { return s.runtime.Stats() },
			Ready: s.runtime.Ready,
		}, s.logger)
		if err := s.metricsServer.Start(); err != nil {
			return err
		}
	}

	tickCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.startTicker(tickCtx, "maintenance", s.cfg.Lifecycle.MaintenanceInterval, func(ctx context.Context) error {
		_, err := s.runtime.RunLifecycleMaintenance(ctx)
		return err
	})
	s.startTicker(tickCtx, "snapshot", s.cfg.Snapshot.TickInterval, func(ctx context.Context) error {
		_, err := s.runtime.RunSnapshotTick(ctx)
		return err
	})
	return nil
}

func (s *NodeServer) startGossip() error {
	gs, err := service.NewGossipService(&service.GossipConfig{
		BindAddr:       s.cfg.Gossip.BindAddr,
		BindPort:       s.cfg.Gossip.BindPort,
		SeedNodes:      s.cfg.Gossip.SeedNodes,
		GossipInterval: s.cfg.Gossip.GossipInterval,
		ProbeTimeout:   s.cfg.Gossip.ProbeTimeout,
		ProbeInterval:  s.cfg.Gossip.ProbeInterval,
	}, model.NodeMeta{
		NodeID:      s.cfg.Node.NodeID,
		ClusterAddr: s.ClusterAddr(),
	}, s.logger, s.metrics)
	if err != nil {
		return err
	}
	gs.OnChange(s.onMembersChanged)
	s.gossip = gs
	s.onMembersChanged(gs.Members())
	s.logger.Info("Gossip service initialized", zap.String("addr", gs.LocalAddr()))
	return nil
}

// onMembersChanged feeds membership to the routing table and dials any
// member that advertised a cluster address we have no peer for yet
func (s *NodeServer) onMembersChanged(members []model.Member) {
	s.node.SetMembers(members)
	peers := s.node.Peers()
	known := make(map[string]struct{})
	for _, id := range peers.NodeIDs() {
		known[id] = struct{}{}
	}
	for _, member := range members {
		if member.NodeID == s.cfg.Node.NodeID || member.Meta.ClusterAddr == "" {
			continue
		}
		if _, ok := known[member.NodeID]; ok {
			continue
		}
		if err := s.registerPeer(peers, member.NodeID, member.Meta.ClusterAddr); err != nil {
			s.logger.Warn("Failed to register gossiped peer",
				zap.String("peer", member.NodeID), zap.Error(err))
		}
	}
}

func (s *NodeServer) startTicker(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	if interval <= 0 {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := fn(ctx); err != nil {
					s.logger.Error("Background tick failed", zap.String("tick", name), zap.Error(err))
				}
				if s.gossip != nil {
					stats := s.runtime.Stats()
					s.gossip.UpdateLocal(stats.HotEntities, stats.LastSeq)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Shutdown stops the tickers and listeners, takes a final snapshot and
// closes the runtime
func (s *NodeServer) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down gracefully...")
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	var errs []error
	if s.grpcServer != nil {
		stopped := make(chan struct{})
		go func() {
			s.grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-ctx.Done():
			s.grpcServer.Stop()
		}
	}
	if s.gossip != nil {
		errs = append(errs, s.gossip.Shutdown())
	}
	if s.metricsServer != nil {
		errs = append(errs, s.metricsServer.Stop())
	}
	s.node.Peers().Close()

	if err := s.runtime.Snapshot(ctx); err != nil {
		s.logger.Error("Failed to snapshot during shutdown", zap.Error(err))
		errs = append(errs, err)
	}
	s.runtime.WaitReplication()
	errs = append(errs, s.runtime.Close())
	return errors.Join(errs...)
}
