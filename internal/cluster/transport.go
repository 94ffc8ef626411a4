package cluster

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content subtype used between cluster nodes
const CodecName = "json"

// ServiceName is the gRPC service peers expose to each other
const ServiceName = "pairdb.cluster.ClusterService"

// Full gRPC method names
const (
	ForwardMethod   = "/" + ServiceName + "/Forward"
	ReplicateMethod = "/" + ServiceName + "/Replicate"
	ProbeMethod     = "/" + ServiceName + "/Probe"
)

// JSONCodec encodes cluster messages as JSON on the gRPC wire
type JSONCodec struct{}

func (JSONCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func (JSONCodec) Name() string {
	return CodecName
}

func init() {
	encoding.RegisterCodec(JSONCodec{})
}
