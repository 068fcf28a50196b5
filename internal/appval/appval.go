// Package appval implements §4.6: dispatching a sys-validated op to every
// installed integrity zome's validate callback over a deterministic,
// must_get_*-only host surface, and combining their verdicts.
package appval

import (
	"errors"
	"fmt"
	"sort"

	"github.com/holo/conductor/internal/holo"
)

// ErrDependencyMissing is returned by a Host method when the referenced data
// is not locally available. It never triggers a network call from inside
// validation -- the caller instead surfaces UnresolvedDependencies so the
// workflow scheduler can fetch and retry (§4.6).
var ErrDependencyMissing = errors.New("appval: dependency not locally available")

// Host is the restricted, deterministic cascade surface a validate callback
// may use: must_get_entry / must_get_action / must_get_valid_record, per
// §4.11's table (Validate column). must_get_agent_activity is not part of
// this interface.
type Host interface {
	MustGetEntry(h holo.Hash) (holo.Entry, error)
	MustGetAction(h holo.Hash) (holo.SignedAction, error)
	MustGetValidRecord(h holo.Hash) (holo.SignedAction, *holo.Entry, error)
}

// ZomeOutcome is one integrity zome's verdict on an op.
type ZomeOutcome struct {
	Outcome holo.ValidationOutcome
	Reason  string
	Deps    []holo.Hash
}

// ValidateFn is an integrity zome's validate(op) callback.
type ValidateFn func(op holo.DhtOp, host Host) ZomeOutcome

// Registry maps zome index to its validate callback. A real deployment has
// one entry per installed integrity zome; tests may register a handful of
// fakes.
type Registry map[uint8]ValidateFn

// Result is the combined outcome of dispatching op to every zome in the
// registry.
type Result struct {
	Outcome     holo.ValidationOutcome
	Reasons     []string
	AwaitingDeps []holo.Hash
}

// Dispatch calls every registered integrity zome's validate callback against
// op via host. The op is Valid iff every zome returns Valid; any Invalid
// wins over any Unresolved (a deterministic rejection is stronger evidence
// than a missing dependency); zomes run in index order for determinism.
func Dispatch(op holo.DhtOp, reg Registry, host Host) Result {
	if len(reg) == 0 {
		return Result{Outcome: holo.Valid}
	}
	indices := make([]int, 0, len(reg))
	for idx := range reg {
		indices = append(indices, int(idx))
	}
	sort.Ints(indices)

	var reasons []string
	var awaiting []holo.Hash
	sawInvalid := false
	sawUnresolved := false

	for _, idx := range indices {
		fn := reg[uint8(idx)]
		out := fn(op, host)
		switch out.Outcome {
		case holo.Valid:
			continue
		case holo.Rejected:
			sawInvalid = true
			reasons = append(reasons, fmt.Sprintf("zome %d: %s", idx, out.Reason))
		case holo.AwaitingDependency:
			sawUnresolved = true
			awaiting = append(awaiting, out.Deps...)
		}
	}

	if sawInvalid {
		return Result{Outcome: holo.Rejected, Reasons: reasons}
	}
	if sawUnresolved {
		return Result{Outcome: holo.AwaitingDependency, AwaitingDeps: awaiting}
	}
	return Result{Outcome: holo.Valid}
}
