package holo

import "testing"

func TestComputeHashRoundTrip(t *testing.T) {
	h := ComputeHash(HashTypeEntry, []byte("hello"))
	if h.Type() != HashTypeEntry {
		t.Fatalf("type mismatch")
	}
	got, err := HashFromBytes(h.Bytes())
	if err != nil {
		t.Fatalf("HashFromBytes: %v", err)
	}
	if !got.Equal(h) {
		t.Fatalf("round trip mismatch: %v != %v", got, h)
	}
}

func TestHashFromBytesRejectsTamperedLocation(t *testing.T) {
	h := ComputeHash(HashTypeEntry, []byte("hello"))
	b := h.Bytes()
	b[35] ^= 0xFF
	if _, err := HashFromBytes(b); err == nil {
		t.Fatalf("expected error for tampered location")
	}
}

func TestComputeHashDeterministic(t *testing.T) {
	a := ComputeHash(HashTypeAction, []byte("payload"))
	b := ComputeHash(HashTypeAction, []byte("payload"))
	if !a.Equal(b) {
		t.Fatalf("hash of identical bytes must be identical")
	}
}

func TestArcContainsWraps(t *testing.T) {
	a := Arc{Anchor: 10, HalfLength: 5}
	if !a.Contains(10) || !a.Contains(12) || !a.Contains(5) {
		t.Fatalf("expected anchor neighborhood contained")
	}
	if a.Contains(100) {
		t.Fatalf("expected far point excluded")
	}
	wrap := Arc{Anchor: 0, HalfLength: 5}
	if !wrap.Contains(^uint32(0)) {
		t.Fatalf("expected wraparound containment")
	}
}

func TestArcFullEmpty(t *testing.T) {
	full := FullArc(0)
	if !full.Contains(0xdeadbeef) {
		t.Fatalf("full arc must contain everything")
	}
	empty := EmptyArc(0)
	if empty.Contains(0) {
		t.Fatalf("empty arc must contain nothing")
	}
}

func TestActionCanonicalRoundTrip(t *testing.T) {
	a := Action{Kind: ActionCreate, Timestamp: 1, ActionSeq: 1, EntryType: 2}
	b, err := a.CanonicalBytes()
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeAction(b)
	if err != nil {
		t.Fatal(err)
	}
	if got.Kind != a.Kind || got.ActionSeq != a.ActionSeq {
		t.Fatalf("round trip mismatch")
	}
	h1, _ := a.Hash()
	h2, _ := got.Hash()
	if !h1.Equal(h2) {
		t.Fatalf("hash must survive round trip")
	}
}
