// Package opderive implements §4.3: the total, deterministic mapping from a
// newly committed action to the set of DHT ops it produces.
package opderive

import (
	"fmt"

	"github.com/holo/conductor/internal/holo"
)

// Derive returns the ops produced by sa, per the table in spec §4.3. entry is
// the entry sa.Action references (nil if none, e.g. DeleteLink). original and
// originalEntry are unused by derivation itself (the table keys only off the
// action's own fields) but are accepted so callers with cascade access can
// pass them through uniformly; sys validation is where they matter.
func Derive(sa holo.SignedAction, entry *holo.Entry, original *holo.SignedAction, originalEntry *holo.Entry) ([]holo.DhtOp, error) {
	a := sa.Action
	storeRecord := holo.DhtOp{Type: holo.OpStoreRecord, Basis: mustActionLocation(sa), Action: sa, Entry: entry}
	registerActivity := holo.DhtOp{Type: holo.OpRegisterAgentActivity, Basis: a.Author.Location(), Action: sa}

	switch a.Kind {
	case holo.ActionCreate:
		if entry == nil {
			return nil, fmt.Errorf("opderive: Create action missing referenced entry")
		}
		ops := []holo.DhtOp{storeRecord}
		if entry.Visibility == holo.Public {
			ops = append(ops, holo.DhtOp{Type: holo.OpStoreEntry, Basis: a.EntryHash.Location(), Action: sa, Entry: entry})
		} else {
			ops[0].Entry = nil // invariant (g): private entries never carried
		}
		ops = append(ops, registerActivity)
		return ops, nil

	case holo.ActionUpdate:
		if entry == nil {
			return nil, fmt.Errorf("opderive: Update action missing referenced entry")
		}
		ops := []holo.DhtOp{storeRecord}
		if entry.Visibility == holo.Public {
			ops = append(ops, holo.DhtOp{Type: holo.OpStoreEntry, Basis: a.EntryHash.Location(), Action: sa, Entry: entry})
		} else {
			ops[0].Entry = nil
		}
		ops = append(ops, registerActivity)
		ops = append(ops, holo.DhtOp{Type: holo.OpRegisterUpdatedContent, Basis: a.OriginalEntry.Location(), Action: sa})
		ops = append(ops, holo.DhtOp{Type: holo.OpRegisterUpdatedRecord, Basis: a.OriginalAction.Location(), Action: sa})
		return ops, nil

	case holo.ActionDelete:
		ops := []holo.DhtOp{storeRecord, registerActivity}
		ops = append(ops, holo.DhtOp{Type: holo.OpRegisterDeletedEntry, Basis: a.DeletesEntry.Location(), Action: sa})
		ops = append(ops, holo.DhtOp{Type: holo.OpRegisterDeletedBy, Basis: a.DeletesAction.Location(), Action: sa})
		return ops, nil

	case holo.ActionCreateLink:
		ops := []holo.DhtOp{storeRecord, registerActivity}
		ops = append(ops, holo.DhtOp{Type: holo.OpRegisterCreateLink, Basis: a.Base.Location(), Action: sa})
		return ops, nil

	case holo.ActionDeleteLink:
		ops := []holo.DhtOp{storeRecord, registerActivity}
		ops = append(ops, holo.DhtOp{Type: holo.OpRegisterDeleteLink, Basis: a.CreateLinkAction.Location(), Action: sa})
		return ops, nil

	default:
		// Dna, AgentValidationPkg, InitZomesComplete, OpenChain, CloseChain:
		// "(all others) StoreRecord, RegisterAgentActivity".
		return []holo.DhtOp{storeRecord, registerActivity}, nil
	}
}

func mustActionLocation(sa holo.SignedAction) uint32 {
	h, err := sa.Hash()
	if err != nil {
		// Hash() only fails on gob-encode errors, which cannot happen for a
		// well-formed Action value; a panic here would indicate a bug in the
		// canonical encoder, not bad input data.
		panic(fmt.Sprintf("opderive: action must be hashable: %v", err))
	}
	return h.Location()
}
