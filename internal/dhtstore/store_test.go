package dhtstore

import (
	"path/filepath"
	"testing"

	"github.com/holo/conductor/internal/holo"
	"github.com/holo/conductor/internal/keystore"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "dht.bolt"), 16)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mkOp(t *testing.T, ks *keystore.Keystore, agent holo.Agent, basis uint32, ts int64) holo.DhtOp {
	t.Helper()
	a := holo.Action{Kind: holo.ActionCreate, Author: agent, Timestamp: ts}
	sa, err := ks.SignAction(agent, a)
	if err != nil {
		t.Fatal(err)
	}
	return holo.DhtOp{Type: holo.OpStoreRecord, Basis: basis, Action: sa}
}

func TestInsertOpIdempotent(t *testing.T) {
	s := openTestStore(t)
	ks := keystore.New()
	defer ks.Close()
	agent, _ := ks.NewAgent()
	op := mkOp(t, ks, agent, 42, 100)

	if err := s.InsertOp(op, SourceAuthored, StagePending); err != nil {
		t.Fatal(err)
	}
	if err := s.InsertOp(op, SourceAuthored, StagePending); err != nil {
		t.Fatal(err)
	}
	h, _ := op.Hash()
	rec, found, err := s.Get(h)
	if err != nil || !found {
		t.Fatalf("expected found, err=%v", err)
	}
	if rec.Stage != StagePending {
		t.Fatalf("expected pending, got %v", rec.Stage)
	}
}

func TestInsertOpNeverRegresses(t *testing.T) {
	s := openTestStore(t)
	ks := keystore.New()
	defer ks.Close()
	agent, _ := ks.NewAgent()
	op := mkOp(t, ks, agent, 1, 1)
	h, _ := op.Hash()

	if err := s.InsertOp(op, SourceAuthored, StageIntegrated); err != nil {
		t.Fatal(err)
	}
	if err := s.InsertOp(op, SourceGossiped, StagePending); err != nil {
		t.Fatal(err)
	}
	rec, _, _ := s.Get(h)
	if rec.Stage != StageIntegrated {
		t.Fatalf("expected stage to remain integrated, got %v", rec.Stage)
	}
}

func TestSetStageTerminalExceptAbandon(t *testing.T) {
	s := openTestStore(t)
	ks := keystore.New()
	defer ks.Close()
	agent, _ := ks.NewAgent()
	op := mkOp(t, ks, agent, 1, 1)
	h, _ := op.Hash()
	if err := s.InsertOp(op, SourceAuthored, StageIntegrated); err != nil {
		t.Fatal(err)
	}
	if err := s.SetStage(h, StageRejected); err == nil {
		t.Fatalf("expected error transitioning integrated -> rejected")
	}
	if err := s.SetStage(h, StageAbandoned); err != nil {
		t.Fatalf("expected abandon to succeed: %v", err)
	}
}

func TestOpHashesInRespectsArcAndWindow(t *testing.T) {
	s := openTestStore(t)
	ks := keystore.New()
	defer ks.Close()
	agent, _ := ks.NewAgent()

	in := mkOp(t, ks, agent, 5, 10)
	out := mkOp(t, ks, agent, 5000, 10)
	if err := s.InsertOp(in, SourceAuthored, StageIntegrated); err != nil {
		t.Fatal(err)
	}
	if err := s.InsertOp(out, SourceAuthored, StageIntegrated); err != nil {
		t.Fatal(err)
	}

	arc := holo.Arc{Anchor: 0, HalfLength: 100}
	hashes, actualTo, err := s.OpHashesIn(arc, 0, 1000, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hashes) != 1 {
		t.Fatalf("expected 1 hash within arc, got %d", len(hashes))
	}
	if actualTo != 1000 {
		t.Fatalf("expected untruncated window, got %d", actualTo)
	}
}

func TestQueryIntegratedFiltersByAuthor(t *testing.T) {
	s := openTestStore(t)
	ks := keystore.New()
	defer ks.Close()
	a1, _ := ks.NewAgent()
	a2, _ := ks.NewAgent()
	op1 := mkOp(t, ks, a1, 1, 1)
	op2 := mkOp(t, ks, a2, 1, 1)
	if err := s.InsertOp(op1, SourceAuthored, StageIntegrated); err != nil {
		t.Fatal(err)
	}
	if err := s.InsertOp(op2, SourceAuthored, StageIntegrated); err != nil {
		t.Fatal(err)
	}
	recs, err := s.QueryIntegrated(Filter{Author: &a1})
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected 1 record for author filter, got %d", len(recs))
	}
}
