package cluster

import (
	"context"
	"io"
	"sort"
	"sync"

	storageerrors "github.com/devrev/pairdb/internal/errors"
)

// Peer is the transport to one remote node
type Peer interface {
	Forward(ctx context.Context, req *ForwardRequest) (*ForwardResponse, error)
	Replicate(ctx context.Context, req *ReplicateRequest) (*ReplicateResponse, error)
	Probe(ctx context.Context, req *ProbeRequest) (*ProbeResponse, error)
}

// PeerRegistry resolves node ids to peers
type PeerRegistry struct {
	mu    sync.RWMutex
	peers map[string]Peer
}

// NewPeerRegistry creates an empty registry
func NewPeerRegistry() *PeerRegistry {
	return &PeerRegistry{peers: make(map[string]Peer)}
}

// Register adds or replaces the peer for nodeID. A replaced peer is closed if it can be.
func (r *PeerRegistry) Register(nodeID string, peer Peer) {
	r.mu.Lock()
	prev := r.peers[nodeID]
	r.peers[nodeID] = peer
	r.mu.Unlock()
	if prev != nil && prev != peer {
		closePeer(prev)
	}
}

// Remove drops and closes the peer for nodeID
func (r *PeerRegistry) Remove(nodeID string) {
	r.mu.Lock()
	prev, ok := r.peers[nodeID]
	delete(r.peers, nodeID)
	r.mu.Unlock()
	if ok {
		closePeer(prev)
	}
}

// Get returns the peer for nodeID or ErrCodeUnknownNode
func (r *PeerRegistry) Get(nodeID string) (Peer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[nodeID]
	if !ok {
		return nil, storageerrors.UnknownNode(nodeID)
	}
	return p, nil
}

// NodeIDs returns registered node ids in order
func (r *PeerRegistry) NodeIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.peers))
	for id := range r.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close closes every peer
func (r *PeerRegistry) Close() {
	r.mu.Lock()
	peers := r.peers
	r.peers = make(map[string]Peer)
	r.mu.Unlock()
	for _, p := range peers {
		closePeer(p)
	}
}

func closePeer(p Peer) {
	if c, ok := p.(io.Closer); ok {
		_ = c.Close()
	}
}

// LocalPeer calls another Node in the same process
type LocalPeer struct {
	node *Node
}

// NewLocalPeer wraps node as a Peer
func NewLocalPeer(node *Node) *LocalPeer {
	return &LocalPeer{node: node}
}

func (p *LocalPeer) Forward(ctx context.Context, req *ForwardRequest) (*ForwardResponse, error) {
	return p.node.HandleForward(ctx, req)
}

func (p *LocalPeer) Replicate(ctx context.Context, req *ReplicateRequest) (*ReplicateResponse, error) {
	return p.node.HandleReplicate(ctx, req)
}

func (p *LocalPeer) Probe(ctx context.Context, req *ProbeRequest) (*ProbeResponse, error) {
	return p.node.HandleProbe(ctx, req)
}
