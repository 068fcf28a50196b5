package ribosome

import (
	"context"
	"fmt"

	"github.com/holo/conductor/internal/activity"
	"github.com/holo/conductor/internal/cascade"
	"github.com/holo/conductor/internal/holo"
)

// Get resolves any_hash through the scratch-then-local-then-network
// cascade, visible to the calling zome's own uncommitted writes.
func (r *Ribosome) Get(ctx context.Context, ictx InvocationContext, zome, function string, h holo.Hash, opts cascade.Options) (*cascade.Record, error) {
	if err := r.permit(HostGet, ictx, zome, function); err != nil {
		return nil, err
	}
	return r.Cascade.Get(ctx, h, r.scratch.asCascadeScratch(), opts)
}

// GetDetails is Get plus updates/deletes/rejection status.
func (r *Ribosome) GetDetails(ctx context.Context, ictx InvocationContext, zome, function string, h holo.Hash, opts cascade.Options) (*cascade.Details, error) {
	if err := r.permit(HostGetDetails, ictx, zome, function); err != nil {
		return nil, err
	}
	return r.Cascade.GetDetails(ctx, h, r.scratch.asCascadeScratch(), opts)
}

// GetLinks resolves links from base, filtered by linkType and tag prefix.
func (r *Ribosome) GetLinks(ctx context.Context, ictx InvocationContext, zome, function string, base holo.Hash, linkType *uint8, tagPrefix []byte, opts cascade.Options) ([]cascade.Link, error) {
	if err := r.permit(HostGetLinks, ictx, zome, function); err != nil {
		return nil, err
	}
	return r.Cascade.GetLinks(ctx, base, linkType, tagPrefix, opts)
}

// MustGetEntry resolves an entry by its own hash from committed local
// state only (validate callbacks must not depend on zome-call scratch).
func (r *Ribosome) MustGetEntry(ictx InvocationContext, zome, function string, entryHash holo.Hash) (holo.Entry, error) {
	if err := r.permit(HostMustGetEntry, ictx, zome, function); err != nil {
		return holo.Entry{}, err
	}
	if r.Cascade.Journal != nil {
		if e, ok, err := r.Cascade.Journal.GetEntry(entryHash); err != nil {
			return holo.Entry{}, fmt.Errorf("ribosome: must_get_entry: %w", err)
		} else if ok {
			return e, nil
		}
	}
	recs, err := r.Cascade.DhtStore.QueryIntegrated(dhtFilterAny())
	if err != nil {
		return holo.Entry{}, fmt.Errorf("ribosome: must_get_entry: scan integrated ops: %w", err)
	}
	for _, rec := range recs {
		if rec.Op.Entry == nil {
			continue
		}
		if eh, err := rec.Op.Entry.Hash(); err == nil && eh.Equal(entryHash) {
			return *rec.Op.Entry, nil
		}
	}
	return holo.Entry{}, fmt.Errorf("ribosome: must_get_entry: %s not found locally", entryHash)
}

// MustGetAction resolves a signed action by its own hash, deterministically
// (no network fallback, no scratch).
func (r *Ribosome) MustGetAction(ctx context.Context, ictx InvocationContext, zome, function string, actionHash holo.Hash) (holo.SignedAction, error) {
	if err := r.permit(HostMustGetAction, ictx, zome, function); err != nil {
		return holo.SignedAction{}, err
	}
	rec, err := r.Cascade.Get(ctx, actionHash, nil, cascade.Options{LocalOnly: true})
	if err != nil {
		return holo.SignedAction{}, fmt.Errorf("ribosome: must_get_action: %w", err)
	}
	if rec == nil {
		return holo.SignedAction{}, fmt.Errorf("ribosome: must_get_action: %s not found locally", actionHash)
	}
	return rec.Action, nil
}

// MustGetValidRecord is MustGetAction with the additional requirement that
// the record has not been marked rejected.
func (r *Ribosome) MustGetValidRecord(ctx context.Context, ictx InvocationContext, zome, function string, actionHash holo.Hash) (*cascade.Record, error) {
	if err := r.permit(HostMustGetValidRecord, ictx, zome, function); err != nil {
		return nil, err
	}
	details, err := r.Cascade.GetDetails(ctx, actionHash, nil, cascade.Options{LocalOnly: true})
	if err != nil {
		return nil, fmt.Errorf("ribosome: must_get_valid_record: %w", err)
	}
	if details == nil || details.Record == nil {
		return nil, fmt.Errorf("ribosome: must_get_valid_record: %s not found locally", actionHash)
	}
	if details.Rejected {
		return nil, fmt.Errorf("ribosome: must_get_valid_record: %s is rejected", actionHash)
	}
	return details.Record, nil
}

// GetAgentActivity resolves agent's chain status (and, per flags, its full
// action history and warrants) through the cascade, per §4.4's
// get_agent_activity. Unlike MustGetAgentActivity below, this never errors
// on an unresolved chain top -- it is the lenient, general-purpose query.
func (r *Ribosome) GetAgentActivity(ictx InvocationContext, zome, function string, agent holo.Agent, filter activity.ChainFilter, flags cascade.RequestActivityFlags) (cascade.AgentActivityResponse, error) {
	if err := r.permit(HostGetAgentActivity, ictx, zome, function); err != nil {
		return cascade.AgentActivityResponse{}, err
	}
	return r.Cascade.GetAgentActivity(agent, filter, flags)
}

// MustGetAgentActivity serves a bounded chain-range query, per §4.10.
func (r *Ribosome) MustGetAgentActivity(ictx InvocationContext, zome, function string, agent holo.Agent, filter activity.ChainFilter) (activity.MustGetAgentActivityResponse, error) {
	if err := r.permit(HostMustGetAgentActivity, ictx, zome, function); err != nil {
		return activity.MustGetAgentActivityResponse{}, err
	}
	return r.Activity.MustGetAgentActivity(agent, filter)
}
