// Package conductor implements §4.14: the multi-cell node. It owns the
// process-wide Keystore and libp2p host every cell shares, the PeerStore
// gossip peer selection and publish authority lookup both read from, and
// the admin surface (InstallApp/EnableApp/ListCells/CallZome/DumpState).
package conductor

import (
	"sync"
	"time"

	"github.com/holo/conductor/internal/gossip"
	"github.com/holo/conductor/internal/holo"
)

// PeerRecord is what this node knows about one peer: its declared storage
// arc, its agent-info blobs (for the gossip recent-variant agent-bloom
// step), and this node's own gossip health bookkeeping for it.
type PeerRecord struct {
	ID             string
	Arc            holo.Arc
	AgentInfoBlobs [][]byte
	FailureCount   int
	LastGossipedAt time.Time
}

// PeerStore is the conductor-wide peer directory every cell's gossip
// Engine and publish Publisher reads through, per §4.14's "declared arc,
// agent-info, gossip failure counts" node-level state.
type PeerStore struct {
	mu      sync.RWMutex
	peers   map[string]*PeerRecord
	blocked map[string]bool
}

// NewPeerStore constructs an empty PeerStore.
func NewPeerStore() *PeerStore {
	return &PeerStore{peers: make(map[string]*PeerRecord), blocked: make(map[string]bool)}
}

// Block marks id as blocked: per spec §8's block scenario, neither publish
// nor gossip may deliver ops to or accept ops sourced from a blocked peer.
// Blocking is local, asymmetric policy -- it has no effect on what the
// blocked peer does to us.
func (p *PeerStore) Block(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.blocked[id] = true
}

// Unblock reverses Block.
func (p *PeerStore) Unblock(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.blocked, id)
}

// IsBlocked reports whether id is currently blocked. Implements
// publish.BlockChecker and is checked directly by gossip.Engine.
func (p *PeerStore) IsBlocked(id string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.blocked[id]
}

// Upsert records or refreshes what this node knows about a peer.
func (p *PeerStore) Upsert(id string, arc holo.Arc, agentInfoBlobs [][]byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.peers[id]
	if !ok {
		rec = &PeerRecord{ID: id}
		p.peers[id] = rec
	}
	rec.Arc = arc
	rec.AgentInfoBlobs = agentInfoBlobs
}

// RecordFailure increments a peer's gossip failure count, used by §4.8's
// peer selection to deprioritize flaky peers.
func (p *PeerStore) RecordFailure(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if rec, ok := p.peers[id]; ok {
		rec.FailureCount++
	}
}

// RecordGossiped timestamps a successful round with id.
func (p *PeerStore) RecordGossiped(id string, at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if rec, ok := p.peers[id]; ok {
		rec.LastGossipedAt = at
		rec.FailureCount = 0
	}
}

// Candidates returns every known peer as gossip.PeerInfo, the input
// gossip.SelectPeer narrows by arc overlap and failure count.
func (p *PeerStore) Candidates() []gossip.PeerInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]gossip.PeerInfo, 0, len(p.peers))
	for _, rec := range p.peers {
		if p.blocked[rec.ID] {
			continue
		}
		out = append(out, gossip.PeerInfo{
			ID:             rec.ID,
			Arc:            rec.Arc,
			FailureCount:   rec.FailureCount,
			LastGossipedAt: rec.LastGossipedAt,
			AgentInfoBlobs: rec.AgentInfoBlobs,
		})
	}
	return out
}

// QueryByLocation implements publish.AuthorityLocator: every known peer
// whose declared arc covers basis is a candidate publish target.
func (p *PeerStore) QueryByLocation(basis uint32) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []string
	for _, rec := range p.peers {
		if p.blocked[rec.ID] {
			continue
		}
		if rec.Arc.Contains(basis) {
			out = append(out, rec.ID)
		}
	}
	return out
}
