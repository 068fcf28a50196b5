package gossip

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/holo/conductor/internal/dhtstore"
	"github.com/holo/conductor/internal/holo"
	"github.com/holo/conductor/internal/keystore"
)

type chanStream struct {
	out    chan Frame
	in     chan Frame
	closed bool
}

func newPipe() (*chanStream, *chanStream) {
	ab := make(chan Frame, 8)
	ba := make(chan Frame, 8)
	return &chanStream{out: ab, in: ba}, &chanStream{out: ba, in: ab}
}

func (s *chanStream) Send(f Frame) error {
	s.out <- f
	return nil
}

func (s *chanStream) Recv() (Frame, error) {
	f, ok := <-s.in
	if !ok {
		return Frame{}, io.EOF
	}
	return f, nil
}

func (s *chanStream) Close() error {
	if !s.closed {
		s.closed = true
		close(s.out)
	}
	return nil
}

type fixedOpener struct{ stream Stream }

func (o fixedOpener) Open(ctx context.Context, peer PeerInfo, v Variant) (Stream, error) {
	return o.stream, nil
}

func newTestEngine(t *testing.T, opener Opener) *Engine {
	t.Helper()
	store, err := dhtstore.Open(filepath.Join(t.TempDir(), "ops.bolt"), 16)
	if err != nil {
		t.Fatalf("open dhtstore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return &Engine{
		Store:        store,
		SelfArc:      holo.FullArc(100),
		Opener:       opener,
		RecentWindow: time.Hour,
		OpBatchSize:  2,
	}
}

// runPeerSide drives the mirror side of the protocol, sending extraOps (if
// any) as its MissingOps batch, exercising the full frame sequence
// without needing a second real Engine.
func runPeerSide(t *testing.T, peerStream *chanStream, variant Variant, extraOps []holo.DhtOp) {
	t.Helper()
	initiate, err := peerStream.Recv()
	if err != nil || initiate.Kind != FrameInitiate {
		t.Errorf("peer: expected Initiate, got %+v err=%v", initiate, err)
		return
	}
	if err := peerStream.Send(Frame{Kind: FrameAccept, ArcAnchor: 100, ArcHalfLength: holo.FullArcHalfLength}); err != nil {
		t.Errorf("peer: send accept: %v", err)
		return
	}

	if variant == Recent {
		agentBloom, err := peerStream.Recv()
		if err != nil || agentBloom.Kind != FrameAgentBloom {
			t.Errorf("peer: expected AgentBloom, got %+v err=%v", agentBloom, err)
			return
		}
		if err := peerStream.Send(Frame{Kind: FrameAgentBloomResponse}); err != nil {
			t.Errorf("peer: send agent bloom response: %v", err)
			return
		}
	}

	opBloom, err := peerStream.Recv()
	if err != nil || opBloom.Kind != FrameOpBloom {
		t.Errorf("peer: expected OpBloom, got %+v err=%v", opBloom, err)
		return
	}
	emptyBloom, err := NewForFPRate(1, 0.01)
	if err != nil {
		t.Errorf("peer: build bloom: %v", err)
		return
	}
	if err := peerStream.Send(Frame{Kind: FrameOpBloom, Bloom: emptyBloom.Encode(), TimeFrom: opBloom.TimeFrom, TimeTo: opBloom.TimeTo}); err != nil {
		t.Errorf("peer: send op bloom: %v", err)
		return
	}

	for {
		f, err := peerStream.Recv()
		if err != nil {
			t.Errorf("peer: recv missing ops: %v", err)
			return
		}
		if f.Kind != FrameMissingOps {
			t.Errorf("peer: expected MissingOps, got kind %d", f.Kind)
			return
		}
		if f.Done {
			break
		}
	}

	if len(extraOps) == 0 {
		if err := peerStream.Send(Frame{Kind: FrameMissingOps, Done: true}); err != nil {
			t.Errorf("peer: send empty missing ops: %v", err)
		}
	} else {
		if err := peerStream.Send(Frame{Kind: FrameMissingOps, Ops: extraOps, Done: true}); err != nil {
			t.Errorf("peer: send missing ops with payload: %v", err)
		}
	}

	finalize, err := peerStream.Recv()
	if err != nil || finalize.Kind != FrameFinalize {
		t.Errorf("peer: expected Finalize, got %+v err=%v", finalize, err)
		return
	}
}

func TestRunRoundCompletesFullLifecycle(t *testing.T) {
	initStream, peerStream := newPipe()
	engine := newTestEngine(t, fixedOpener{stream: initStream})

	done := make(chan struct{})
	go func() {
		defer close(done)
		runPeerSide(t, peerStream, Recent, nil)
	}()

	peer := PeerInfo{ID: "peer-1", Arc: holo.FullArc(100)}
	n, err := engine.RunRound(context.Background(), peer, Recent)
	<-done
	if err != nil {
		t.Fatalf("run round: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected no ops received, got %d", n)
	}
}

func TestRunRoundIntegratesReceivedOps(t *testing.T) {
	initStream, peerStream := newPipe()
	engine := newTestEngine(t, fixedOpener{stream: initStream})

	ks := keystore.New()
	defer ks.Close()
	agent, _ := ks.NewAgent()
	sa, _ := ks.SignAction(agent, holo.Action{Kind: holo.ActionInitZomesComplete, Author: agent})
	gossipedOp := holo.DhtOp{Type: holo.OpRegisterAgentActivity, Basis: agent.Location(), Action: sa}

	done := make(chan struct{})
	go func() {
		defer close(done)
		runPeerSide(t, peerStream, Historical, []holo.DhtOp{gossipedOp})
	}()

	peer := PeerInfo{ID: "peer-2", Arc: holo.FullArc(100)}
	n, err := engine.RunRound(context.Background(), peer, Historical)
	<-done
	if err != nil {
		t.Fatalf("run round: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 op received, got %d", n)
	}
	h, _ := gossipedOp.Hash()
	rec, found, err := engine.Store.Get(h)
	if err != nil || !found {
		t.Fatalf("expected gossiped op stored, found=%v err=%v", found, err)
	}
	if rec.Stage != dhtstore.StagePending {
		t.Fatalf("expected pending stage for a freshly gossiped op, got %v", rec.Stage)
	}
}

func TestRunRoundRefusesBlockedPeer(t *testing.T) {
	initStream, _ := newPipe()
	engine := newTestEngine(t, fixedOpener{stream: initStream})
	engine.Blocked = func(peerID string) bool { return peerID == "blocked-peer" }

	peer := PeerInfo{ID: "blocked-peer", Arc: holo.FullArc(100)}
	_, err := engine.RunRound(context.Background(), peer, Recent)
	require.Error(t, err, "expected RunRound to refuse a blocked peer")
}

func TestTryBeginRoundRefusesConcurrentSamePeerVariant(t *testing.T) {
	engine := &Engine{MaxConcurrent: 8}
	if !engine.TryBeginRound("p", Recent) {
		t.Fatalf("expected first round to begin")
	}
	if engine.TryBeginRound("p", Recent) {
		t.Fatalf("expected a second round with the same peer/variant to be refused")
	}
	if !engine.TryBeginRound("p", Historical) {
		t.Fatalf("expected a different variant with the same peer to be allowed")
	}
	engine.EndRound("p", Recent)
	if !engine.TryBeginRound("p", Recent) {
		t.Fatalf("expected round to be available again after EndRound")
	}
}

func TestSelectPeerPrefersOverlapThenFailuresThenRecency(t *testing.T) {
	self := holo.FullArc(0)
	old := time.Now().Add(-time.Hour)
	recent := time.Now()
	candidates := []PeerInfo{
		{ID: "zero-arc", Arc: holo.EmptyArc(0)},
		{ID: "high-failures", Arc: holo.FullArc(0), FailureCount: 5, LastGossipedAt: old},
		{ID: "best", Arc: holo.FullArc(0), FailureCount: 0, LastGossipedAt: old},
		{ID: "recently-gossiped", Arc: holo.FullArc(0), FailureCount: 0, LastGossipedAt: recent},
	}
	chosen, ok := SelectPeer(self, candidates)
	if !ok {
		t.Fatalf("expected a peer to be selected")
	}
	if chosen.ID != "best" {
		t.Fatalf("expected 'best' to be selected, got %q", chosen.ID)
	}
}

func TestSelectPeerExcludesNonIntersectingArcs(t *testing.T) {
	self := holo.Arc{Anchor: 0, HalfLength: 10}
	candidates := []PeerInfo{
		{ID: "far", Arc: holo.Arc{Anchor: 1 << 30, HalfLength: 5}},
	}
	if _, ok := SelectPeer(self, candidates); ok {
		t.Fatalf("expected no eligible peer for a non-intersecting arc")
	}
}
