// Package gossip implements §4.8: the sharded gossip engine running two
// concurrent variants (Recent, Historical) per cell, reconciling op sets
// with peers via bloom-filtered round exchanges.
package gossip

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/holo/conductor/internal/dhtstore"
	"github.com/holo/conductor/internal/holo"
)

// Variant discriminates the two concurrent gossip loops of §4.8.
type Variant uint8

const (
	Recent Variant = iota
	Historical
)

func (v Variant) String() string {
	if v == Recent {
		return "recent"
	}
	return "historical"
}

// PeerInfo is what peer selection and round initiation need to know about a
// candidate peer, sourced from the conductor's PeerStore (§4.14).
type PeerInfo struct {
	ID             string
	Arc            holo.Arc
	FailureCount   int
	LastGossipedAt time.Time
	AgentInfoBlobs [][]byte // this peer's locally known agent-info blobs, for the agent bloom step
}

// Stream is the narrow transport surface a round needs: send/receive one
// Frame at a time over an already-open connection to a specific peer for a
// specific variant. The concrete implementation runs over a libp2p stream
// with a dedicated protocol ID per variant (see transport_libp2p.go);
// round.go is transport-agnostic so it can be exercised with an in-memory
// fake in tests.
type Stream interface {
	Send(Frame) error
	Recv() (Frame, error)
	Close() error
}

// Opener opens a round-dedicated stream to peer for variant.
type Opener interface {
	Open(ctx context.Context, peer PeerInfo, variant Variant) (Stream, error)
}

// Engine runs gossip rounds for one cell.
type Engine struct {
	Store           *dhtstore.Store
	SelfArc         holo.Arc
	Opener          Opener
	LocalAgentInfos func() [][]byte // this node's own agent-info blobs within SelfArc

	// Blocked reports whether peerID is on this node's blocklist (§8).
	// A blocked peer is refused as a round partner and any op it manages
	// to hand over mid-round (e.g. a round already in flight when the
	// block was added) is dropped rather than inserted.
	Blocked func(peerID string) bool

	RecentWindow  time.Duration // how far back "recent" reaches
	OpBatchSize   int           // max ops per MissingOps frame
	MaxConcurrent int           // node-wide round concurrency throttle

	mu       sync.Mutex
	inFlight map[string]bool // key: peerID+"/"+variant
	active   int
}

func roundKey(peerID string, v Variant) string { return peerID + "/" + v.String() }

// TryBeginRound enforces "one round in flight per peer per variant" and the
// node-wide concurrency throttle, per §4.8.
func (e *Engine) TryBeginRound(peerID string, v Variant) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inFlight == nil {
		e.inFlight = make(map[string]bool)
	}
	key := roundKey(peerID, v)
	if e.inFlight[key] {
		return false
	}
	max := e.MaxConcurrent
	if max <= 0 {
		max = 8
	}
	if e.active >= max {
		return false
	}
	e.inFlight[key] = true
	e.active++
	return true
}

// EndRound releases the in-flight slot for peerID/variant.
func (e *Engine) EndRound(peerID string, v Variant) {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := roundKey(peerID, v)
	if e.inFlight[key] {
		delete(e.inFlight, key)
		e.active--
	}
}

// arcOverlap is a coarse overlap magnitude used only to rank candidates
// (exact overlapping-ring-length is not needed, just a consistent ordering).
func arcOverlap(a, b holo.Arc) uint32 {
	if !a.Intersects(b) {
		return 0
	}
	if a.HalfLength < b.HalfLength {
		return a.HalfLength
	}
	return b.HalfLength
}

// SelectPeer implements §4.8's peer-selection rule: prefer high arc overlap,
// then low recent failure count, then least-recently-gossiped-with.
// Zero-arc candidates (ours or theirs) are excluded, since a zero-arc node
// neither initiates nor accepts rounds.
func SelectPeer(selfArc holo.Arc, candidates []PeerInfo) (PeerInfo, bool) {
	if selfArc.HalfLength == 0 {
		return PeerInfo{}, false
	}
	var eligible []PeerInfo
	for _, p := range candidates {
		if p.Arc.HalfLength == 0 {
			continue
		}
		if !selfArc.Intersects(p.Arc) {
			continue
		}
		eligible = append(eligible, p)
	}
	if len(eligible) == 0 {
		return PeerInfo{}, false
	}
	sort.Slice(eligible, func(i, j int) bool {
		oi, oj := arcOverlap(selfArc, eligible[i].Arc), arcOverlap(selfArc, eligible[j].Arc)
		if oi != oj {
			return oi > oj
		}
		if eligible[i].FailureCount != eligible[j].FailureCount {
			return eligible[i].FailureCount < eligible[j].FailureCount
		}
		return eligible[i].LastGossipedAt.Before(eligible[j].LastGossipedAt)
	})
	return eligible[0], true
}

// RunRound executes one full gossip round as the initiator, per §4.8's
// numbered steps, returning the number of ops received and stored
// locally at StagePending (sys validation picks them up from there).
func (e *Engine) RunRound(ctx context.Context, peer PeerInfo, v Variant) (receivedOps int, err error) {
	if e.Blocked != nil && e.Blocked(peer.ID) {
		return 0, fmt.Errorf("gossip: peer %s is blocked", peer.ID)
	}
	if !e.TryBeginRound(peer.ID, v) {
		return 0, fmt.Errorf("gossip: round already in flight with peer %s/%s", peer.ID, v)
	}
	defer e.EndRound(peer.ID, v)

	stream, err := e.Opener.Open(ctx, peer, v)
	if err != nil {
		return 0, fmt.Errorf("gossip: open stream to %s: %w", peer.ID, err)
	}
	defer stream.Close()

	// 1. Initiate
	if err := stream.Send(Frame{Kind: FrameInitiate, ArcAnchor: e.SelfArc.Anchor, ArcHalfLength: e.SelfArc.HalfLength}); err != nil {
		return 0, fmt.Errorf("gossip: send Initiate: %w", err)
	}

	// 2. Accept
	accept, err := stream.Recv()
	if err != nil {
		return 0, fmt.Errorf("gossip: recv Accept: %w", err)
	}
	if accept.Kind != FrameAccept {
		return 0, fmt.Errorf("gossip: expected Accept, got frame kind %d", accept.Kind)
	}
	peerArc := holo.Arc{Anchor: accept.ArcAnchor, HalfLength: accept.ArcHalfLength}
	commonArc, ok := e.SelfArc.Intersect(peerArc)
	if !ok {
		return 0, fmt.Errorf("gossip: peer %s declared a non-intersecting arc", peer.ID)
	}

	// 3. Agent bloom (Recent only)
	if v == Recent {
		if err := e.agentBloomExchange(stream); err != nil {
			return 0, fmt.Errorf("gossip: agent bloom exchange: %w", err)
		}
	}

	// 4. Op bloom
	now := time.Now().UnixNano()
	from := int64(0)
	if v == Recent {
		from = now - e.RecentWindow.Nanoseconds()
	}
	localHashes, actualTo, err := e.Store.OpHashesIn(commonArc, from, now, 0)
	if err != nil {
		return 0, fmt.Errorf("gossip: enumerate local op hashes: %w", err)
	}
	bloom, err := NewForFPRate(len(localHashes), targetFP)
	if err != nil {
		return 0, fmt.Errorf("gossip: build op bloom: %w", err)
	}
	for _, h := range localHashes {
		bloom.Add(h.Bytes())
	}
	if err := stream.Send(Frame{Kind: FrameOpBloom, Bloom: bloom.Encode(), TimeFrom: from, TimeTo: actualTo}); err != nil {
		return 0, fmt.Errorf("gossip: send OpBloom: %w", err)
	}

	// Receive peer's op bloom, reply with everything they're missing.
	peerBloomFrame, err := stream.Recv()
	if err != nil {
		return 0, fmt.Errorf("gossip: recv peer OpBloom: %w", err)
	}
	if peerBloomFrame.Kind != FrameOpBloom {
		return 0, fmt.Errorf("gossip: expected OpBloom, got frame kind %d", peerBloomFrame.Kind)
	}
	peerBloom, err := DecodeBloom(peerBloomFrame.Bloom)
	if err != nil {
		return 0, fmt.Errorf("gossip: decode peer bloom: %w", err)
	}
	ourHashesInPeerWindow, _, err := e.Store.OpHashesIn(commonArc, peerBloomFrame.TimeFrom, peerBloomFrame.TimeTo, 0)
	if err != nil {
		return 0, fmt.Errorf("gossip: enumerate hashes for peer window: %w", err)
	}
	var toSend []holo.Hash
	for _, h := range ourHashesInPeerWindow {
		if !peerBloom.Test(h.Bytes()) {
			toSend = append(toSend, h)
		}
	}
	if err := e.sendMissingOps(stream, toSend); err != nil {
		return 0, fmt.Errorf("gossip: send MissingOps: %w", err)
	}

	// 5. Receive MissingOps batches from the peer until Done.
	for {
		if e.Blocked != nil && e.Blocked(peer.ID) {
			return receivedOps, fmt.Errorf("gossip: peer %s became blocked mid-round", peer.ID)
		}
		f, err := stream.Recv()
		if err != nil {
			return receivedOps, fmt.Errorf("gossip: recv MissingOps: %w", err)
		}
		if f.Kind == FrameFinalize {
			break
		}
		if f.Kind != FrameMissingOps {
			return receivedOps, fmt.Errorf("gossip: expected MissingOps or Finalize, got frame kind %d", f.Kind)
		}
		for _, op := range f.Ops {
			if err := e.Store.InsertOp(op, dhtstore.SourceGossiped, dhtstore.StagePending); err != nil {
				return receivedOps, fmt.Errorf("gossip: insert gossiped op: %w", err)
			}
			receivedOps++
		}
		if f.Done {
			break
		}
	}

	// 6. Finalize
	if err := stream.Send(Frame{Kind: FrameFinalize, Done: true}); err != nil {
		return receivedOps, fmt.Errorf("gossip: send Finalize: %w", err)
	}
	return receivedOps, nil
}

func (e *Engine) agentBloomExchange(stream Stream) error {
	var blobs [][]byte
	if e.LocalAgentInfos != nil {
		blobs = e.LocalAgentInfos()
	}
	bloom, err := NewForFPRate(len(blobs), targetFP)
	if err != nil {
		return err
	}
	for _, b := range blobs {
		h := holo.ComputeHash(holo.HashTypeExternal, b)
		bloom.Add(h.Bytes())
	}
	if err := stream.Send(Frame{Kind: FrameAgentBloom, Bloom: bloom.Encode()}); err != nil {
		return err
	}
	resp, err := stream.Recv()
	if err != nil {
		return err
	}
	if resp.Kind != FrameAgentBloomResponse {
		return fmt.Errorf("gossip: expected AgentBloomResponse, got frame kind %d", resp.Kind)
	}
	// The caller's PeerStore is responsible for ingesting resp.MissingAgents;
	// round.go only moves bytes, it does not interpret agent-info contents.
	return nil
}

func (e *Engine) sendMissingOps(stream Stream, hashes []holo.Hash) error {
	batchSize := e.OpBatchSize
	if batchSize <= 0 {
		batchSize = 64
	}
	if len(hashes) == 0 {
		return stream.Send(Frame{Kind: FrameMissingOps, Done: true})
	}
	for i := 0; i < len(hashes); i += batchSize {
		end := i + batchSize
		if end > len(hashes) {
			end = len(hashes)
		}
		ops, err := e.Store.BulkFetchOps(hashes[i:end])
		if err != nil {
			return err
		}
		done := end >= len(hashes)
		if err := stream.Send(Frame{Kind: FrameMissingOps, Ops: ops, Done: done}); err != nil {
			return err
		}
	}
	return nil
}
