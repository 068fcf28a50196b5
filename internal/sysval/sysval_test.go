package sysval

import (
	"testing"

	"github.com/holo/conductor/internal/holo"
	"github.com/holo/conductor/internal/keystore"
)

func noopDeps(dna holo.Hash) Deps {
	return Deps{
		DnaHash:   dna,
		GetAction: func(h holo.Hash) (holo.SignedAction, bool, error) { return holo.SignedAction{}, false, nil },
	}
}

func TestValidateRejectsBadSignature(t *testing.T) {
	ks := keystore.New()
	defer ks.Close()
	agent, _ := ks.NewAgent()
	sa, _ := ks.SignAction(agent, holo.Action{Kind: holo.ActionDna, Author: agent})
	sa.Signature[0] ^= 0xFF // tamper
	op := holo.DhtOp{Type: holo.OpStoreRecord, Action: sa}

	res := Validate(op, noopDeps(holo.Hash{}))
	if res.Outcome != holo.Rejected {
		t.Fatalf("expected rejected, got %v: %s", res.Outcome, res.Reason)
	}
}

func TestValidateDnaAction(t *testing.T) {
	ks := keystore.New()
	defer ks.Close()
	agent, _ := ks.NewAgent()
	dna := holo.ComputeHash(holo.HashTypeDna, []byte("my-app"))
	sa, _ := ks.SignAction(agent, holo.Action{Kind: holo.ActionDna, Author: agent, DnaHash: dna})
	op := holo.DhtOp{Type: holo.OpStoreRecord, Action: sa}

	res := Validate(op, noopDeps(dna))
	if res.Outcome != holo.Valid {
		t.Fatalf("expected valid, got %v: %s", res.Outcome, res.Reason)
	}
}

func TestValidateNonGenesisWithoutPrevRejected(t *testing.T) {
	ks := keystore.New()
	defer ks.Close()
	agent, _ := ks.NewAgent()
	sa, _ := ks.SignAction(agent, holo.Action{Kind: holo.ActionInitZomesComplete, Author: agent, ActionSeq: 1})
	op := holo.DhtOp{Type: holo.OpStoreRecord, Action: sa}

	res := Validate(op, noopDeps(holo.Hash{}))
	if res.Outcome != holo.Rejected {
		t.Fatalf("expected rejected for missing prev_action, got %v", res.Outcome)
	}
}

func TestValidateAwaitsMissingPrevAction(t *testing.T) {
	ks := keystore.New()
	defer ks.Close()
	agent, _ := ks.NewAgent()
	prevHash := holo.ComputeHash(holo.HashTypeAction, []byte("whatever"))
	sa, _ := ks.SignAction(agent, holo.Action{Kind: holo.ActionInitZomesComplete, Author: agent, ActionSeq: 1, PrevAction: prevHash, Timestamp: 2})
	op := holo.DhtOp{Type: holo.OpStoreRecord, Action: sa}

	deps := Deps{GetAction: func(h holo.Hash) (holo.SignedAction, bool, error) { return holo.SignedAction{}, false, nil }}
	res := Validate(op, deps)
	if res.Outcome != holo.AwaitingDependency {
		t.Fatalf("expected AwaitingDependency, got %v", res.Outcome)
	}
	if len(res.AwaitingDeps) != 1 || !res.AwaitingDeps[0].Equal(prevHash) {
		t.Fatalf("expected prev_action listed as the missing dep")
	}
}

func TestValidateEntryHashMismatchRejected(t *testing.T) {
	ks := keystore.New()
	defer ks.Close()
	agent, _ := ks.NewAgent()
	entry := holo.Entry{Kind: holo.EntryApp, AppBytes: []byte("hi"), Visibility: holo.Public}
	wrongHash := holo.ComputeHash(holo.HashTypeEntry, []byte("different"))
	sa, _ := ks.SignAction(agent, holo.Action{Kind: holo.ActionCreate, Author: agent, EntryHash: wrongHash})
	op := holo.DhtOp{Type: holo.OpStoreEntry, Action: sa, Entry: &entry}

	res := Validate(op, noopDeps(holo.Hash{}))
	if res.Outcome != holo.Rejected {
		t.Fatalf("expected rejected for entry hash mismatch, got %v", res.Outcome)
	}
}

func TestValidateStoreEntryNeverForPrivate(t *testing.T) {
	ks := keystore.New()
	defer ks.Close()
	agent, _ := ks.NewAgent()
	entry := holo.Entry{Kind: holo.EntryApp, AppBytes: []byte("secret"), Visibility: holo.Private}
	eh, _ := entry.Hash()
	sa, _ := ks.SignAction(agent, holo.Action{Kind: holo.ActionCreate, Author: agent, EntryHash: eh})
	op := holo.DhtOp{Type: holo.OpStoreEntry, Action: sa, Entry: &entry}

	res := Validate(op, noopDeps(holo.Hash{}))
	if res.Outcome != holo.Rejected {
		t.Fatalf("expected rejected, StoreEntry must never carry a private entry")
	}
}
