// Package sysval implements §4.5: structural, signature, prev-link and
// dependency checks applied to every incoming DHT op before app validation.
package sysval

import (
	"fmt"

	"github.com/holo/conductor/internal/holo"
	"github.com/holo/conductor/internal/keystore"
)

// Result is the outcome of validating one op.
type Result struct {
	Outcome      holo.ValidationOutcome
	Reason       string
	AwaitingDeps []holo.Hash
}

func valid() Result { return Result{Outcome: holo.Valid} }

func rejected(format string, a ...interface{}) Result {
	return Result{Outcome: holo.Rejected, Reason: fmt.Sprintf(format, a...)}
}

func awaiting(deps ...holo.Hash) Result {
	return Result{Outcome: holo.AwaitingDependency, AwaitingDeps: deps}
}

// Deps is the deterministic, cell-scoped lookup surface sys validation needs.
// All methods are expected to check local state only and return
// (zero, false, nil) on a clean miss -- callers that want network fetch
// semantics should populate the local store first via Publish/Fetch and
// retry, per §4.5's "AwaitingDependency ... re-validated once they arrive".
type Deps struct {
	DnaHash          holo.Hash
	GetAction        func(h holo.Hash) (holo.SignedAction, bool, error)
	GetEntry         func(h holo.Hash) (holo.Entry, bool, error)
	EntryTypeValid   func(idx uint32) bool
	LinkTypeValid    func(zomeIndex uint8, linkType uint8) bool
	MaxRetries       int
}

const defaultMaxRetries = 8

// Validate runs the ordered rule set of §4.5 against op.
func Validate(op holo.DhtOp, deps Deps) Result {
	a := op.Action.Action

	// Rule 1: well-formedness (coarse -- Go's type system enforces shape; we
	// check the invariants that survive typed construction).
	if a.Kind > holo.ActionCloseChain {
		return rejected("unknown action kind %v", a.Kind)
	}

	// Rule 2: signature.
	if !keystore.VerifySignedAction(op.Action) {
		return rejected("signature does not verify for author %s", a.Author)
	}

	// Rule 4: Dna action.
	if a.Kind == holo.ActionDna {
		if a.ActionSeq != 0 {
			return rejected("Dna action must be action_seq 0, got %d", a.ActionSeq)
		}
		if !a.PrevAction.IsZero() {
			return rejected("Dna action must have no prev_action")
		}
		if !deps.DnaHash.IsZero() && !a.DnaHash.Equal(deps.DnaHash) {
			return rejected("Dna action references foreign DNA hash")
		}
		return valid()
	}

	// Rule 3: prev_action linkage for every non-genesis action.
	if a.ActionSeq > 0 {
		if a.PrevAction.IsZero() {
			return rejected("action_seq %d must have a prev_action", a.ActionSeq)
		}
		prev, found, err := deps.GetAction(a.PrevAction)
		if err != nil {
			return rejected("looking up prev_action: %v", err)
		}
		if !found {
			return awaiting(a.PrevAction)
		}
		if !prev.Action.Author.Equal(a.Author) {
			return rejected("prev_action author mismatch")
		}
		if prev.Action.ActionSeq+1 != a.ActionSeq {
			return rejected("prev_action seq %d does not precede %d", prev.Action.ActionSeq, a.ActionSeq)
		}
		if a.Timestamp <= prev.Action.Timestamp {
			return rejected("timestamp %d not strictly after prev_action timestamp %d", a.Timestamp, prev.Action.Timestamp)
		}
	}

	switch a.Kind {
	case holo.ActionCreate, holo.ActionUpdate:
		if op.Entry != nil {
			eh, err := op.Entry.Hash()
			if err != nil {
				return rejected("hashing carried entry: %v", err)
			}
			if !eh.Equal(a.EntryHash) {
				return rejected("entry_hash does not match hash(entry)")
			}
			if op.Entry.Visibility == holo.Private && op.Type == holo.OpStoreEntry {
				// Rule 8: StoreEntry is never produced for a private entry type.
				return rejected("StoreEntry op carries a private entry")
			}
			if cs := op.Entry.CounterSign; cs != nil {
				if r := validateCounterSign(a, cs); r.Outcome != holo.Valid {
					return r
				}
			}
		}
		if deps.EntryTypeValid != nil && !deps.EntryTypeValid(a.EntryType) {
			return rejected("entry_type index %d not valid for this cell", a.EntryType)
		}
	}

	switch a.Kind {
	case holo.ActionUpdate:
		orig, found, err := deps.GetAction(a.OriginalAction)
		if err != nil {
			return rejected("looking up original action: %v", err)
		}
		if !found {
			return awaiting(a.OriginalAction)
		}
		if orig.Action.Kind != holo.ActionCreate && orig.Action.Kind != holo.ActionUpdate {
			return rejected("Update references an original action that is neither Create nor Update")
		}
		if orig.Action.EntryType != a.EntryType {
			return rejected("Update entry_type %d inconsistent with original %d", a.EntryType, orig.Action.EntryType)
		}

	case holo.ActionDelete:
		orig, found, err := deps.GetAction(a.DeletesAction)
		if err != nil {
			return rejected("looking up deleted action: %v", err)
		}
		if !found {
			return awaiting(a.DeletesAction)
		}
		if orig.Action.Kind != holo.ActionCreate && orig.Action.Kind != holo.ActionUpdate {
			return rejected("Delete references an action that is neither Create nor Update")
		}

	case holo.ActionCreateLink:
		if deps.LinkTypeValid != nil && !deps.LinkTypeValid(a.ZomeIndex, a.LinkType) {
			return rejected("zome_index/link_type out of declared range")
		}

	case holo.ActionDeleteLink:
		_, found, err := deps.GetAction(a.CreateLinkAction)
		if err != nil {
			return rejected("looking up create_link action: %v", err)
		}
		if !found {
			return awaiting(a.CreateLinkAction)
		}
	}

	return valid()
}

// validateCounterSign applies rule 9: the action's author and timestamp must
// be within the session described by the counter-signing payload.
func validateCounterSign(a holo.Action, cs *holo.CounterSignPayload) Result {
	if a.Timestamp < cs.SessionStart || a.Timestamp > cs.SessionEnd {
		return rejected("countersigned action timestamp outside session window")
	}
	found := false
	for _, signer := range cs.Signers {
		if signer.Equal(a.Author) {
			found = true
			break
		}
	}
	if !found {
		return rejected("countersigned action author not in preflight signer set")
	}
	return valid()
}

// RetryCap returns the effective max-retries for AwaitingDependency spinning
// before an op is abandoned without warrant (§4.5).
func (d Deps) RetryCap() int {
	if d.MaxRetries > 0 {
		return d.MaxRetries
	}
	return defaultMaxRetries
}
