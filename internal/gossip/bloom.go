package gossip

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math"
)

// Bloom is a deterministic, wire-compatible bloom filter over arbitrary byte
// keys (op hashes, or agent_info_hash+signed_at_ms pairs per §4.8's agent
// bloom), using the Kirsch-Mitzenmacher double-hashing construction with two
// independent SipHash-2-4 instances standing in for the four sip keys a
// keyed hash construction needs. Encoding matches the mandated wire format:
// {bitmap_bits:u64 LE, k_num:u32 LE, 4x u64 LE sip keys, bitmap bytes}.
type Bloom struct {
	bitmapBits uint64
	kNum       uint32
	k1, k2     uint64 // first sip key pair
	k3, k4     uint64 // second sip key pair
	bits       []byte // bitmapBits rounded up to a byte boundary
}

// targetFP is the false-positive rate §4.8 mandates for op blooms.
const targetFP = 0.01

// NewForFPRate sizes a filter for n expected items at the target false
// positive rate, generating fresh random sip keys.
func NewForFPRate(n int, fp float64) (*Bloom, error) {
	if n < 1 {
		n = 1
	}
	if fp <= 0 || fp >= 1 {
		fp = targetFP
	}
	m := math.Ceil(-1 * float64(n) * math.Log(fp) / (math.Ln2 * math.Ln2))
	if m < 8 {
		m = 8
	}
	k := math.Round((m / float64(n)) * math.Ln2)
	if k < 1 {
		k = 1
	}
	b := &Bloom{bitmapBits: uint64(m), kNum: uint32(k)}
	b.bits = make([]byte, (b.bitmapBits+7)/8)
	keys, err := randomU64s(4)
	if err != nil {
		return nil, err
	}
	b.k1, b.k2, b.k3, b.k4 = keys[0], keys[1], keys[2], keys[3]
	return b, nil
}

func randomU64s(n int) ([]uint64, error) {
	raw := make([]byte, 8*n)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("gossip: generate sip keys: %w", err)
	}
	out := make([]uint64, n)
	for i := range out {
		out[i] = binary.LittleEndian.Uint64(raw[i*8:])
	}
	return out, nil
}

func (b *Bloom) indices(key []byte) []uint64 {
	h1 := sipHash24(b.k1, b.k2, key)
	h2 := sipHash24(b.k3, b.k4, key)
	idx := make([]uint64, b.kNum)
	for i := uint32(0); i < b.kNum; i++ {
		idx[i] = (h1 + uint64(i)*h2) % b.bitmapBits
	}
	return idx
}

// Add sets every bit key hashes to.
func (b *Bloom) Add(key []byte) {
	for _, i := range b.indices(key) {
		b.bits[i/8] |= 1 << (i % 8)
	}
}

// Test reports whether key may be present (false positives possible, false
// negatives never).
func (b *Bloom) Test(key []byte) bool {
	for _, i := range b.indices(key) {
		if b.bits[i/8]&(1<<(i%8)) == 0 {
			return false
		}
	}
	return true
}

// Encode produces the mandated wire form.
func (b *Bloom) Encode() []byte {
	out := make([]byte, 8+4+8*4+len(b.bits))
	binary.LittleEndian.PutUint64(out[0:8], b.bitmapBits)
	binary.LittleEndian.PutUint32(out[8:12], b.kNum)
	binary.LittleEndian.PutUint64(out[12:20], b.k1)
	binary.LittleEndian.PutUint64(out[20:28], b.k2)
	binary.LittleEndian.PutUint64(out[28:36], b.k3)
	binary.LittleEndian.PutUint64(out[36:44], b.k4)
	copy(out[44:], b.bits)
	return out
}

// DecodeBloom reverses Encode.
func DecodeBloom(buf []byte) (*Bloom, error) {
	if len(buf) < 44 {
		return nil, fmt.Errorf("gossip: bloom encoding too short: %d bytes", len(buf))
	}
	b := &Bloom{
		bitmapBits: binary.LittleEndian.Uint64(buf[0:8]),
		kNum:       binary.LittleEndian.Uint32(buf[8:12]),
		k1:         binary.LittleEndian.Uint64(buf[12:20]),
		k2:         binary.LittleEndian.Uint64(buf[20:28]),
		k3:         binary.LittleEndian.Uint64(buf[28:36]),
		k4:         binary.LittleEndian.Uint64(buf[36:44]),
	}
	wantLen := int((b.bitmapBits + 7) / 8)
	if len(buf)-44 != wantLen {
		return nil, fmt.Errorf("gossip: bloom bitmap length %d does not match bitmap_bits %d", len(buf)-44, b.bitmapBits)
	}
	b.bits = append([]byte{}, buf[44:]...)
	return b, nil
}

// sipHash24 is a standard SipHash-2-4 keyed hash (c=2 compression rounds,
// d=4 finalization rounds) over b, keyed by (k0,k1). Go's standard library
// has no SipHash implementation and no pack dependency exposes one with
// this bit-exact construction (see DESIGN.md), so it is implemented here
// directly from the published SipHash reference algorithm.
func sipHash24(k0, k1 uint64, b []byte) uint64 {
	v0 := k0 ^ 0x736f6d6570736575
	v1 := k1 ^ 0x646f72616e646f6d
	v2 := k0 ^ 0x6c7967656e657261
	v3 := k1 ^ 0x7465646279746573

	round := func() {
		v0 += v1
		v1 = rotl64(v1, 13)
		v1 ^= v0
		v0 = rotl64(v0, 32)
		v2 += v3
		v3 = rotl64(v3, 16)
		v3 ^= v2
		v0 += v3
		v3 = rotl64(v3, 21)
		v3 ^= v0
		v2 += v1
		v1 = rotl64(v1, 17)
		v1 ^= v2
		v2 = rotl64(v2, 32)
	}

	n := len(b)
	end := n - (n % 8)
	for i := 0; i < end; i += 8 {
		m := binary.LittleEndian.Uint64(b[i : i+8])
		v3 ^= m
		round()
		round()
		v0 ^= m
	}

	var last [8]byte
	copy(last[:], b[end:])
	last[7] = byte(n)
	m := binary.LittleEndian.Uint64(last[:])
	v3 ^= m
	round()
	round()
	v0 ^= m

	v2 ^= 0xff
	round()
	round()
	round()
	round()

	return v0 ^ v1 ^ v2 ^ v3
}

func rotl64(x uint64, b uint) uint64 {
	return (x << b) | (x >> (64 - b))
}
