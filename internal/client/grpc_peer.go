package client

import (
	"context"
	"fmt"
	"time"

	"github.com/devrev/pairdb/internal/cluster"
	storageerrors "github.com/devrev/pairdb/internal/errors"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// GRPCPeer is a cluster.Peer backed by one gRPC connection
type GRPCPeer struct {
	nodeID  string
	addr    string
	conn    *grpc.ClientConn
	timeout time.Duration
	logger  *zap.Logger
}

// NewGRPCPeer connects lazily to addr. Extra dial options are appended, e.g. a bufconn dialer in tests.
func NewGRPCPeer(nodeID, addr string, timeout time.Duration, logger *zap.Logger, opts ...grpc.DialOption) (*GRPCPeer, error) {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(cluster.CodecName)),
	}, opts...)

	conn, err := grpc.NewClient(addr, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for node %s at %s: %w", nodeID, addr, err)
	}

	return &GRPCPeer{
		nodeID:  nodeID,
		addr:    addr,
		conn:    conn,
		timeout: timeout,
		logger:  logger.With(zap.String("peer", nodeID)),
	}, nil
}

// NodeID returns the remote node id
func (p *GRPCPeer) NodeID() string {
	return p.nodeID
}

// Addr returns the remote address
func (p *GRPCPeer) Addr() string {
	return p.addr
}

// Forward sends a command to the remote shard leader
func (p *GRPCPeer) Forward(ctx context.Context, req *cluster.ForwardRequest) (*cluster.ForwardResponse, error) {
	resp := new(cluster.ForwardResponse)
	if err := p.invoke(ctx, cluster.ForwardMethod, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Replicate sends a committed envelope to the remote follower
func (p *GRPCPeer) Replicate(ctx context.Context, req *cluster.ReplicateRequest) (*cluster.ReplicateResponse, error) {
	resp := new(cluster.ReplicateResponse)
	if err := p.invoke(ctx, cluster.ReplicateMethod, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Probe checks the remote node is reachable and agrees on the leader
func (p *GRPCPeer) Probe(ctx context.Context, req *cluster.ProbeRequest) (*cluster.ProbeResponse, error) {
	resp := new(cluster.ProbeResponse)
	if err := p.invoke(ctx, cluster.ProbeMethod, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Close closes the connection
func (p *GRPCPeer) Close() error {
	return p.conn.Close()
}

func (p *GRPCPeer) invoke(ctx context.Context, method string, req, resp interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := p.conn.Invoke(ctx, method, req, resp); err != nil {
		p.logger.Debug("Peer RPC failed", zap.String("method", method), zap.Error(err))
		err = storageerrors.FromGRPCError(err)
		if storageerrors.HasCode(err, storageerrors.ErrCodePeerUnreachable) {
			return storageerrors.PeerUnreachable(p.nodeID, err)
		}
		return err
	}
	return nil
}
