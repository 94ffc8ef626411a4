package handler

import (
	"context"
	"errors"

	"github.com/devrev/pairdb/internal/cluster"
	storageerrors "github.com/devrev/pairdb/internal/errors"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// ClusterServer is the peer-facing RPC surface of a node
type ClusterServer interface {
	Forward(ctx context.Context, req *cluster.ForwardRequest) (*cluster.ForwardResponse, error)
	Replicate(ctx context.Context, req *cluster.ReplicateRequest) (*cluster.ReplicateResponse, error)
	Probe(ctx context.Context, req *cluster.ProbeRequest) (*cluster.ProbeResponse, error)
}

// ClusterHandler serves ClusterServer over gRPC for a cluster.Node
type ClusterHandler struct {
	node   *cluster.Node
	logger *zap.Logger
}

// NewClusterHandler creates a new cluster handler
func NewClusterHandler(node *cluster.Node, logger *zap.Logger) *ClusterHandler {
	return &ClusterHandler{node: node, logger: logger}
}

// Register attaches the handler to a gRPC server
func (h *ClusterHandler) Register(s *grpc.Server) {
	s.RegisterService(&clusterServiceDesc, h)
}

// Forward handles commands forwarded by non-leaders
func (h *ClusterHandler) Forward(ctx context.Context, req *cluster.ForwardRequest) (*cluster.ForwardResponse, error) {
	if req.Envelope.EntityType == "" || req.Envelope.EntityID == "" {
		return nil, toStatus(storageerrors.InvalidArgument("envelope entity_type and entity_id are required", nil))
	}
	resp, err := h.node.HandleForward(ctx, req)
	if err != nil {
		h.logger.Warn("Forward failed",
			zap.String("from", req.FromNodeID),
			zap.Uint32("shard_id", req.ShardID),
			zap.String("entity_type", req.Envelope.EntityType),
			zap.String("entity_id", req.Envelope.EntityID),
			zap.Error(err))
		return nil, toStatus(err)
	}
	return resp, nil
}

// Replicate handles envelopes replicated by the shard leader
func (h *ClusterHandler) Replicate(ctx context.Context, req *cluster.ReplicateRequest) (*cluster.ReplicateResponse, error) {
	resp, err := h.node.HandleReplicate(ctx, req)
	if err != nil {
		h.logger.Warn("Replicate failed",
			zap.String("leader", req.LeaderNodeID),
			zap.Uint32("shard_id", req.ShardID),
			zap.String("envelope_id", req.Envelope.EnvelopeID),
			zap.Error(err))
		return nil, toStatus(err)
	}
	return resp, nil
}

// Probe handles reachability and epoch checks
func (h *ClusterHandler) Probe(ctx context.Context, req *cluster.ProbeRequest) (*cluster.ProbeResponse, error) {
	resp, err := h.node.HandleProbe(ctx, req)
	if err != nil {
		return nil, toStatus(err)
	}
	return resp, nil
}

// toStatus keeps the storage error code on the wire so the caller can rebuild it
func toStatus(err error) error {
	var se *storageerrors.StorageError
	if errors.As(err, &se) {
		return se.ToGRPCStatus().Err()
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return storageerrors.InternalError(err.Error(), err).ToGRPCStatus().Err()
}
