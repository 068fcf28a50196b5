// Package integration implements §4.7: promoting an app-validated op to the
// integrated stage, maintaining the per-author agent-activity index, and
// detecting and issuing ChainFork warrants.
package integration

import (
	"fmt"

	"github.com/holo/conductor/internal/activity"
	"github.com/holo/conductor/internal/dhtstore"
	"github.com/holo/conductor/internal/holo"
	"github.com/holo/conductor/internal/keystore"
)

// Integrator wires together the op store and the activity index for one
// cell. Authority is the agent whose key signs any warrant this cell's
// authority role issues.
type Integrator struct {
	Store     *dhtstore.Store
	Activity  *activity.Index
	Keystore  *keystore.Keystore
	Authority holo.Agent
}

// Integrate promotes op (already Valid from both sys and app validation) to
// StageIntegrated, updates the activity index when op is a
// RegisterAgentActivity fact, and returns any ChainFork warrant produced as
// a side effect. A nil warrant with a nil error means no fork was detected.
func (in *Integrator) Integrate(op holo.DhtOp) (*holo.Warrant, error) {
	h, err := op.Hash()
	if err != nil {
		return nil, fmt.Errorf("integration: hash op: %w", err)
	}
	if err := in.Store.SetStage(h, dhtstore.StageIntegrated); err != nil {
		return nil, fmt.Errorf("integration: integrate %s: %w", h, err)
	}
	if op.Type != holo.OpRegisterAgentActivity {
		return nil, nil
	}

	a := op.Action.Action
	actionHash, err := op.Action.Action.Hash()
	if err != nil {
		return nil, fmt.Errorf("integration: hash action: %w", err)
	}
	forked, existing, err := in.Activity.Record(a.Author, a.ActionSeq, actionHash, a.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("integration: record activity: %w", err)
	}
	if !forked {
		return nil, nil
	}

	w := holo.Warrant{
		Kind:        holo.WarrantChainFork,
		Subject:     a.Author,
		Author:      in.Authority,
		ForkSeq:     a.ActionSeq,
		ForkAction1: existing,
		ForkAction2: actionHash,
	}
	w, err = in.Keystore.SignWarrant(w)
	if err != nil {
		return nil, fmt.Errorf("integration: sign chain-fork warrant: %w", err)
	}
	if err := in.Activity.AddWarrant(w); err != nil {
		return nil, fmt.Errorf("integration: record warrant: %w", err)
	}

	warrantOp := holo.DhtOp{
		Type:    holo.OpWarrant,
		Basis:   a.Author.Location(),
		Action:  op.Action,
		Warrant: &w,
	}
	if err := in.Store.InsertOp(warrantOp, dhtstore.SourceAuthored, dhtstore.StageIntegrated); err != nil {
		return nil, fmt.Errorf("integration: store chain-fork warrant op: %w", err)
	}
	return &w, nil
}

// Reject transitions op straight to StageRejected (sys or app validation
// returned Rejected). For ops this cell received from gossip (as opposed to
// ones it authored or is merely fetching), it additionally issues a warrant
// of kind against the op's author, per §4.6: "Invalid outcomes produce a
// local rejected stage and, for gossiped ops, may emit an InvalidChainOp
// warrant toward the subject author." The caller picks kind:
// WarrantInvalidAction for a structural/sys-validation failure,
// WarrantInvalidChainOp for a failed integrity-zome validate() callback.
func (in *Integrator) Reject(op holo.DhtOp, source dhtstore.Source, kind holo.WarrantKind, reason string) (*holo.Warrant, error) {
	h, err := op.Hash()
	if err != nil {
		return nil, fmt.Errorf("integration: hash op: %w", err)
	}
	if err := in.Store.SetStage(h, dhtstore.StageRejected); err != nil {
		return nil, fmt.Errorf("integration: reject %s: %w", h, err)
	}
	if source != dhtstore.SourceGossiped {
		return nil, nil
	}

	a := op.Action.Action
	w := holo.Warrant{
		Kind:          kind,
		Subject:       a.Author,
		Author:        in.Authority,
		SubjectAction: h,
		Reason:        reason,
	}
	w, err = in.Keystore.SignWarrant(w)
	if err != nil {
		return nil, fmt.Errorf("integration: sign warrant: %w", err)
	}
	if err := in.Activity.AddWarrant(w); err != nil {
		return nil, fmt.Errorf("integration: record warrant: %w", err)
	}

	warrantOp := holo.DhtOp{
		Type:    holo.OpWarrant,
		Basis:   a.Author.Location(),
		Action:  op.Action,
		Warrant: &w,
	}
	if err := in.Store.InsertOp(warrantOp, dhtstore.SourceAuthored, dhtstore.StageIntegrated); err != nil {
		return nil, fmt.Errorf("integration: store warrant op: %w", err)
	}
	return &w, nil
}

// Abandon transitions op to StageAbandoned after AwaitingDependency retries
// are exhausted (§4.5's retry cap) without ever resolving a verdict.
func (in *Integrator) Abandon(op holo.DhtOp) error {
	h, err := op.Hash()
	if err != nil {
		return fmt.Errorf("integration: hash op: %w", err)
	}
	return in.Store.SetStage(h, dhtstore.StageAbandoned)
}
