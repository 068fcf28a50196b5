package gossip

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/holo/conductor/internal/holo"
)

// FrameKind discriminates the round lifecycle messages of §4.8.
type FrameKind uint8

const (
	FrameInitiate FrameKind = iota
	FrameAccept
	FrameAgentBloom
	FrameAgentBloomResponse
	FrameOpBloom
	FrameMissingOps
	FrameFinalize
)

// Frame is the length-prefixed, msgpack-encoded unit exchanged on a gossip
// stream (§6's wire encodings, generalized from the teacher's JSON bootstrap
// frames to a binary format suited to high-frequency Recent-variant rounds).
type Frame struct {
	Kind FrameKind

	// Initiate / Accept
	ArcAnchor     uint32
	ArcHalfLength uint32

	// AgentBloom / OpBloom
	Bloom    []byte
	TimeFrom int64
	TimeTo   int64

	// AgentBloomResponse: agent infos the sender's bloom missed.
	MissingAgents [][]byte // opaque signed agent-info blobs

	// MissingOps: batched op payloads plus a resume cursor.
	Ops          []holo.DhtOp
	ResumeCursor int64
	Done         bool
}

// Encode serializes f for the wire.
func (f Frame) Encode() ([]byte, error) {
	b, err := msgpack.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("gossip: encode frame: %w", err)
	}
	return b, nil
}

// DecodeFrame reverses Encode.
func DecodeFrame(b []byte) (Frame, error) {
	var f Frame
	if err := msgpack.Unmarshal(b, &f); err != nil {
		return Frame{}, fmt.Errorf("gossip: decode frame: %w", err)
	}
	return f, nil
}
