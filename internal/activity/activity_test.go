package activity

import (
	"path/filepath"
	"testing"

	"github.com/holo/conductor/internal/holo"
)

func openTestIndex(t *testing.T) *Index {
	t.Helper()
	idx, err := Open(filepath.Join(t.TempDir(), "activity.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	return idx
}

func TestRecordFirstEntryNotForked(t *testing.T) {
	idx := openTestIndex(t)
	h := holo.ComputeHash(holo.HashTypeAction, []byte("a1"))
	forked, _, err := idx.Record(holo.Hash{}, 0, h, 100)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if forked {
		t.Fatalf("first entry at a seq must never be reported as forked")
	}
}

func TestRecordSameHashIdempotent(t *testing.T) {
	idx := openTestIndex(t)
	h := holo.ComputeHash(holo.HashTypeAction, []byte("a1"))
	if _, _, err := idx.Record(holo.Hash{}, 0, h, 100); err != nil {
		t.Fatalf("first record: %v", err)
	}
	forked, _, err := idx.Record(holo.Hash{}, 0, h, 100)
	if err != nil {
		t.Fatalf("second record: %v", err)
	}
	if forked {
		t.Fatalf("re-recording the identical hash must not be a fork")
	}
}

func TestRecordDifferentHashAtSameSeqIsForked(t *testing.T) {
	idx := openTestIndex(t)
	author := holo.ComputeHash(holo.HashTypeAgent, []byte("author"))
	h1 := holo.ComputeHash(holo.HashTypeAction, []byte("branch-1"))
	h2 := holo.ComputeHash(holo.HashTypeAction, []byte("branch-2"))

	if _, _, err := idx.Record(author, 3, h1, 100); err != nil {
		t.Fatalf("record h1: %v", err)
	}
	forked, existing, err := idx.Record(author, 3, h2, 101)
	if err != nil {
		t.Fatalf("record h2: %v", err)
	}
	if !forked {
		t.Fatalf("expected a fork when two distinct actions share (author, seq)")
	}
	if !existing.Equal(h1) {
		t.Fatalf("expected existing hash to be the first-seen branch")
	}

	status, seq, hashes, err := idx.Status(author)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status != StatusForked {
		t.Fatalf("expected forked status, got %v", status)
	}
	if seq != 3 {
		t.Fatalf("expected forked seq 3, got %d", seq)
	}
	if len(hashes) != 2 {
		t.Fatalf("expected both branches retained, got %d", len(hashes))
	}
}

func TestStatusEmptyForUnknownAuthor(t *testing.T) {
	idx := openTestIndex(t)
	author := holo.ComputeHash(holo.HashTypeAgent, []byte("nobody"))
	status, _, _, err := idx.Status(author)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status != StatusEmpty {
		t.Fatalf("expected empty status for an author with no recorded activity")
	}
}

func TestWarrantsRoundTrip(t *testing.T) {
	idx := openTestIndex(t)
	subject := holo.ComputeHash(holo.HashTypeAgent, []byte("subject"))
	w := holo.Warrant{Kind: holo.WarrantChainFork, Subject: subject, ForkSeq: 2}
	if err := idx.AddWarrant(w); err != nil {
		t.Fatalf("add warrant: %v", err)
	}
	got, err := idx.Warrants(subject)
	if err != nil {
		t.Fatalf("warrants: %v", err)
	}
	if len(got) != 1 || got[0].ForkSeq != 2 {
		t.Fatalf("expected one round-tripped warrant, got %+v", got)
	}
}
