package publish

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/holo/conductor/internal/holo"
)

const (
	publishProtocol = "/holo/publish/1.0.0"
	fetchProtocol   = "/holo/fetch/1.0.0"
)

type pushRequest struct {
	Op holo.DhtOp
}

type pushResponse struct {
	Acked bool
}

type fetchRequest struct {
	Hashes []holo.Hash
}

type fetchResponse struct {
	Ops []holo.DhtOp
}

// LibP2PTransport implements Transport over a shared libp2p host, opening a
// fresh stream per call on the publish or fetch protocol (point-to-point
// requests, unlike gossip's long-lived round streams).
type LibP2PTransport struct {
	Host host.Host
}

func writeFrame(s network.Stream, v interface{}) error {
	b, err := msgpack.Marshal(v)
	if err != nil {
		return err
	}
	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(b)))
	if _, err := s.Write(lenPrefix[:]); err != nil {
		return err
	}
	_, err = s.Write(b)
	return err
}

func readFrame(r *bufio.Reader, v interface{}) error {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(lenPrefix[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return err
	}
	return msgpack.Unmarshal(buf, v)
}

func (t *LibP2PTransport) open(ctx context.Context, peerID string, proto string) (network.Stream, error) {
	pid, err := peer.Decode(peerID)
	if err != nil {
		return nil, fmt.Errorf("publish: decode peer id %q: %w", peerID, err)
	}
	return t.Host.NewStream(ctx, pid, network.ProtocolID(proto))
}

// PushOp opens a publish stream, sends op, and awaits an ack.
func (t *LibP2PTransport) PushOp(ctx context.Context, peerID string, op holo.DhtOp) (bool, error) {
	s, err := t.open(ctx, peerID, publishProtocol)
	if err != nil {
		return false, err
	}
	defer s.Close()
	if err := writeFrame(s, pushRequest{Op: op}); err != nil {
		return false, fmt.Errorf("publish: send push request: %w", err)
	}
	var resp pushResponse
	if err := readFrame(bufio.NewReader(s), &resp); err != nil {
		return false, fmt.Errorf("publish: read push response: %w", err)
	}
	return resp.Acked, nil
}

// FetchOps opens a fetch stream, requests hashes, and returns whatever ops
// the peer holds for them.
func (t *LibP2PTransport) FetchOps(ctx context.Context, peerID string, hashes []holo.Hash) ([]holo.DhtOp, error) {
	s, err := t.open(ctx, peerID, fetchProtocol)
	if err != nil {
		return nil, err
	}
	defer s.Close()
	if err := writeFrame(s, fetchRequest{Hashes: hashes}); err != nil {
		return nil, fmt.Errorf("publish: send fetch request: %w", err)
	}
	var resp fetchResponse
	if err := readFrame(bufio.NewReader(s), &resp); err != nil {
		return nil, fmt.Errorf("publish: read fetch response: %w", err)
	}
	return resp.Ops, nil
}

// RegisterHandlers wires responders for inbound publish and fetch streams.
// handlePush decides whether to ack (typically: accept into the dhtstore at
// StagePending and return true), and receives the pushing peer's ID so it
// can refuse ops from a blocked peer (§8). handleFetch resolves hashes to
// ops this node holds (typically via dhtstore.BulkFetchOps).
func RegisterHandlers(h host.Host, handlePush func(peerID string, op holo.DhtOp) bool, handleFetch func([]holo.Hash) []holo.DhtOp) {
	h.SetStreamHandler(network.ProtocolID(publishProtocol), func(s network.Stream) {
		defer s.Close()
		var req pushRequest
		if err := readFrame(bufio.NewReader(s), &req); err != nil {
			return
		}
		acked := handlePush(s.Conn().RemotePeer().String(), req.Op)
		_ = writeFrame(s, pushResponse{Acked: acked})
	})
	h.SetStreamHandler(network.ProtocolID(fetchProtocol), func(s network.Stream) {
		defer s.Close()
		var req fetchRequest
		if err := readFrame(bufio.NewReader(s), &req); err != nil {
			return
		}
		ops := handleFetch(req.Hashes)
		_ = writeFrame(s, fetchResponse{Ops: ops})
	})
}
