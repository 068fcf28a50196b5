package gossip

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
)

// protocolID returns the dedicated libp2p protocol for a gossip variant, per
// SPEC_FULL.md §4.8: "/holo/gossip/recent/1.0.0" and
// "/holo/gossip/historical/1.0.0".
func protocolID(v Variant) protocol {
	if v == Recent {
		return "/holo/gossip/recent/1.0.0"
	}
	return "/holo/gossip/historical/1.0.0"
}

type protocol = string

// LibP2POpener opens gossip round streams over a shared libp2p host,
// matching the teacher's bootstrap-over-HTTP peer model generalized to a
// long-lived libp2p stream per round (the pack's Synnergy/certen-validator
// repos carry go-libp2p for exactly this transport role).
type LibP2POpener struct {
	Host host.Host
}

// Open dials peer.ID (interpreted as a libp2p peer.ID string) and opens a
// fresh stream on the protocol for variant.
func (o *LibP2POpener) Open(ctx context.Context, p PeerInfo, v Variant) (Stream, error) {
	pid, err := peer.Decode(p.ID)
	if err != nil {
		return nil, fmt.Errorf("gossip: decode peer id %q: %w", p.ID, err)
	}
	s, err := o.Host.NewStream(ctx, pid, network.ProtocolID(protocolID(v)))
	if err != nil {
		return nil, fmt.Errorf("gossip: open stream to %s: %w", p.ID, err)
	}
	return &streamAdapter{s: s, r: bufio.NewReader(s)}, nil
}

// streamAdapter frames Frame values over a raw libp2p stream as a 4-byte
// big-endian length prefix followed by a msgpack payload.
type streamAdapter struct {
	s network.Stream
	r *bufio.Reader
}

func (a *streamAdapter) Send(f Frame) error {
	b, err := f.Encode()
	if err != nil {
		return err
	}
	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(b)))
	if _, err := a.s.Write(lenPrefix[:]); err != nil {
		return fmt.Errorf("gossip: write frame length: %w", err)
	}
	if _, err := a.s.Write(b); err != nil {
		return fmt.Errorf("gossip: write frame body: %w", err)
	}
	return nil
}

func (a *streamAdapter) Recv() (Frame, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(a.r, lenPrefix[:]); err != nil {
		return Frame{}, fmt.Errorf("gossip: read frame length: %w", err)
	}
	n := binary.BigEndian.Uint32(lenPrefix[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(a.r, buf); err != nil {
		return Frame{}, fmt.Errorf("gossip: read frame body: %w", err)
	}
	return DecodeFrame(buf)
}

func (a *streamAdapter) Close() error {
	return a.s.Close()
}

// RegisterHandler wires handleRound as the responder for every gossip
// variant's protocol on host, dispatching each inbound stream to it. This
// package has no responder-side round implementation to pass here.
func RegisterHandler(h host.Host, handleRound func(Stream, Variant)) {
	h.SetStreamHandler(network.ProtocolID(protocolID(Recent)), func(s network.Stream) {
		handleRound(&streamAdapter{s: s, r: bufio.NewReader(s)}, Recent)
	})
	h.SetStreamHandler(network.ProtocolID(protocolID(Historical)), func(s network.Stream) {
		handleRound(&streamAdapter{s: s, r: bufio.NewReader(s)}, Historical)
	})
}
