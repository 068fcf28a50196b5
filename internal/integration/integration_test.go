package integration

import (
	"path/filepath"
	"testing"

	"github.com/holo/conductor/internal/activity"
	"github.com/holo/conductor/internal/dhtstore"
	"github.com/holo/conductor/internal/holo"
	"github.com/holo/conductor/internal/keystore"
)

func newIntegrator(t *testing.T) (*Integrator, *keystore.Keystore, holo.Agent) {
	t.Helper()
	dir := t.TempDir()
	store, err := dhtstore.Open(filepath.Join(dir, "ops.db"), 16)
	if err != nil {
		t.Fatalf("open dhtstore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	idx, err := activity.Open(filepath.Join(dir, "activity.db"))
	if err != nil {
		t.Fatalf("open activity index: %v", err)
	}
	t.Cleanup(func() { idx.Close() })

	ks := keystore.New()
	t.Cleanup(ks.Close)
	authority, err := ks.NewAgent()
	if err != nil {
		t.Fatalf("new authority agent: %v", err)
	}
	return &Integrator{Store: store, Activity: idx, Keystore: ks, Authority: authority}, ks, authority
}

func registerActivityOp(t *testing.T, ks *keystore.Keystore, author holo.Agent, seq uint32, ts int64, store *dhtstore.Store) holo.DhtOp {
	t.Helper()
	sa, err := ks.SignAction(author, holo.Action{Kind: holo.ActionInitZomesComplete, Author: author, ActionSeq: seq, Timestamp: ts})
	if err != nil {
		t.Fatalf("sign action: %v", err)
	}
	op := holo.DhtOp{Type: holo.OpRegisterAgentActivity, Basis: author.Location(), Action: sa}
	if err := store.InsertOp(op, dhtstore.SourceAuthored, dhtstore.StageAwaitingAppDeps); err != nil {
		t.Fatalf("insert op: %v", err)
	}
	return op
}

func TestIntegrateMarksOpIntegrated(t *testing.T) {
	in, ks, _ := newIntegrator(t)
	author, _ := ks.NewAgent()
	op := registerActivityOp(t, ks, author, 0, 1, in.Store)

	w, err := in.Integrate(op)
	if err != nil {
		t.Fatalf("integrate: %v", err)
	}
	if w != nil {
		t.Fatalf("expected no warrant for a single chain entry")
	}
	h, _ := op.Hash()
	rec, found, err := in.Store.Get(h)
	if err != nil || !found {
		t.Fatalf("expected op present, err=%v found=%v", err, found)
	}
	if rec.Stage != dhtstore.StageIntegrated {
		t.Fatalf("expected integrated stage, got %v", rec.Stage)
	}
	status, _, _, err := in.Activity.Status(author)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status != activity.StatusValid {
		t.Fatalf("expected valid chain status, got %v", status)
	}
}

func TestIntegrateDetectsChainForkAndIssuesWarrant(t *testing.T) {
	in, ks, _ := newIntegrator(t)
	author, _ := ks.NewAgent()

	opA := registerActivityOp(t, ks, author, 0, 1, in.Store)
	if _, err := in.Integrate(opA); err != nil {
		t.Fatalf("integrate opA: %v", err)
	}

	sa2, err := ks.SignAction(author, holo.Action{Kind: holo.ActionInitZomesComplete, Author: author, ActionSeq: 0, Timestamp: 2})
	if err != nil {
		t.Fatalf("sign second branch: %v", err)
	}
	opB := holo.DhtOp{Type: holo.OpRegisterAgentActivity, Basis: author.Location(), Action: sa2}
	if err := in.Store.InsertOp(opB, dhtstore.SourceAuthored, dhtstore.StageAwaitingAppDeps); err != nil {
		t.Fatalf("insert opB: %v", err)
	}

	w, err := in.Integrate(opB)
	if err != nil {
		t.Fatalf("integrate opB: %v", err)
	}
	if w == nil {
		t.Fatalf("expected a chain-fork warrant")
	}
	if w.Kind != holo.WarrantChainFork {
		t.Fatalf("expected WarrantChainFork, got %v", w.Kind)
	}
	if !w.Subject.Equal(author) {
		t.Fatalf("expected warrant subject to be the forking author")
	}
	if !keystore.VerifyWarrant(*w) {
		t.Fatalf("expected warrant signature to verify")
	}

	status, seq, hashes, err := in.Activity.Status(author)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status != activity.StatusForked {
		t.Fatalf("expected forked status, got %v", status)
	}
	if seq != 0 {
		t.Fatalf("expected fork at seq 0, got %d", seq)
	}
	if len(hashes) != 2 {
		t.Fatalf("expected both branches retained, got %d", len(hashes))
	}

	warrants, err := in.Activity.Warrants(author)
	if err != nil {
		t.Fatalf("warrants: %v", err)
	}
	if len(warrants) != 1 {
		t.Fatalf("expected one recorded warrant, got %d", len(warrants))
	}
}

func TestIntegrateIdempotentForSameOp(t *testing.T) {
	in, ks, _ := newIntegrator(t)
	author, _ := ks.NewAgent()
	op := registerActivityOp(t, ks, author, 0, 1, in.Store)

	if _, err := in.Integrate(op); err != nil {
		t.Fatalf("first integrate: %v", err)
	}
	// A second integration attempt of the very same op must not error or
	// be mistaken for a fork, since SetStage is a no-op on an already
	// integrated op of the same stage and Activity.Record recognizes the
	// identical hash.
	h, _ := op.Hash()
	if err := in.Store.SetStage(h, dhtstore.StageIntegrated); err != nil {
		t.Fatalf("re-integrate same stage: %v", err)
	}
	w, err := in.Integrate(op)
	if err != nil {
		t.Fatalf("second integrate: %v", err)
	}
	if w != nil {
		t.Fatalf("expected no warrant re-integrating the same op")
	}
}

func TestRejectAndAbandon(t *testing.T) {
	in, ks, _ := newIntegrator(t)
	author, _ := ks.NewAgent()

	op1 := registerActivityOp(t, ks, author, 0, 1, in.Store)
	if _, err := in.Reject(op1, dhtstore.SourceAuthored, holo.WarrantInvalidAction, "bad format"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	h1, _ := op1.Hash()
	rec1, _, _ := in.Store.Get(h1)
	if rec1.Stage != dhtstore.StageRejected {
		t.Fatalf("expected rejected stage, got %v", rec1.Stage)
	}

	op2 := registerActivityOp(t, ks, author, 1, 2, in.Store)
	if err := in.Abandon(op2); err != nil {
		t.Fatalf("abandon: %v", err)
	}
	h2, _ := op2.Hash()
	rec2, _, _ := in.Store.Get(h2)
	if rec2.Stage != dhtstore.StageAbandoned {
		t.Fatalf("expected abandoned stage, got %v", rec2.Stage)
	}
}

func TestRejectAuthoredOpProducesNoWarrant(t *testing.T) {
	in, ks, _ := newIntegrator(t)
	author, _ := ks.NewAgent()
	op := registerActivityOp(t, ks, author, 0, 1, in.Store)

	w, err := in.Reject(op, dhtstore.SourceAuthored, holo.WarrantInvalidAction, "malformed")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if w != nil {
		t.Fatalf("expected no warrant for a locally authored rejection")
	}
}

func TestRejectGossipedOpIssuesWarrant(t *testing.T) {
	in, ks, _ := newIntegrator(t)
	author, _ := ks.NewAgent()
	op := registerActivityOp(t, ks, author, 0, 1, in.Store)

	w, err := in.Reject(op, dhtstore.SourceGossiped, holo.WarrantInvalidChainOp, "validate() returned Invalid")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if w == nil {
		t.Fatalf("expected a warrant for a gossiped rejection")
	}
	if w.Kind != holo.WarrantInvalidChainOp {
		t.Fatalf("expected WarrantInvalidChainOp, got %v", w.Kind)
	}
	if !w.Subject.Equal(author) {
		t.Fatalf("expected warrant subject to be the op's author")
	}
	if !keystore.VerifyWarrant(*w) {
		t.Fatalf("expected warrant signature to verify")
	}

	warrants, err := in.Activity.Warrants(author)
	if err != nil {
		t.Fatalf("warrants: %v", err)
	}
	if len(warrants) != 1 {
		t.Fatalf("expected one recorded warrant, got %d", len(warrants))
	}
}

