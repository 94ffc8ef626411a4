package handler

import (
	"context"

	"github.com/devrev/pairdb/internal/cluster"
	"google.golang.org/grpc"
)

// clusterServiceDesc is written by hand: messages travel as JSON through
// cluster.JSONCodec, so there are no generated stubs.
var clusterServiceDesc = grpc.ServiceDesc{
	ServiceName: cluster.ServiceName,
	HandlerType: (*ClusterServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Forward", Handler: forwardHandler},
		{MethodName: "Replicate", Handler: replicateHandler},
		{MethodName: "Probe", Handler: probeHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "pairdb/cluster",
}

func forwardHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(cluster.ForwardRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ClusterServer).Forward(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: cluster.ForwardMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ClusterServer).Forward(ctx, req.(*cluster.ForwardRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func replicateHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(cluster.ReplicateRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ClusterServer).Replicate(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: cluster.ReplicateMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ClusterServer).Replicate(ctx, req.(*cluster.ReplicateRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func probeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(cluster.ProbeRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ClusterServer).Probe(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: cluster.ProbeMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ClusterServer).Probe(ctx, req.(*cluster.ProbeRequest))
	}
	return interceptor(ctx, in, info, handler)
}
