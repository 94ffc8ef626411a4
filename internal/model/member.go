package model

// NodeMeta is the metadata a node advertises through gossip
type NodeMeta struct {
	NodeID      string `json:"node_id"`
	ClusterAddr string `json:"cluster_addr"` // gRPC address for forwarding and replication
	HotEntities int    `json:"hot_entities"`
	LastSeq     uint64 `json:"last_seq"`
}

// Member is one node seen by membership
type Member struct {
	NodeID     string
	GossipAddr string
	Meta       NodeMeta
}
