// Package cascade implements §4.4: the unified read surface over the
// current zome call's scratch, the local journal, the local DHT store, and
// (unless options.LocalOnly) a K-parallel remote authority query.
package cascade

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"github.com/holo/conductor/internal/activity"
	"github.com/holo/conductor/internal/dhtstore"
	"github.com/holo/conductor/internal/holo"
	"github.com/holo/conductor/internal/journal"
	"github.com/holo/conductor/internal/keystore"
)

// Scratch holds a zome call's uncommitted writes, checked before any
// committed store.
type Scratch struct {
	Actions []holo.SignedAction
	Entries map[holo.Hash]holo.Entry
}

func (s *Scratch) findAction(h holo.Hash) (holo.SignedAction, bool) {
	if s == nil {
		return holo.SignedAction{}, false
	}
	for _, sa := range s.Actions {
		if ah, err := sa.Hash(); err == nil && ah.Equal(h) {
			return sa, true
		}
	}
	return holo.SignedAction{}, false
}

func (s *Scratch) findEntry(h holo.Hash) (holo.Entry, bool) {
	if s == nil || s.Entries == nil {
		return holo.Entry{}, false
	}
	e, ok := s.Entries[h]
	return e, ok
}

// RemoteAuthority is the narrow surface needed to query a remote peer for a
// single hash, standing in for the libp2p fetch protocol at the transport
// boundary (§4.9 shares this transport but cascade only needs point lookup).
type RemoteAuthority interface {
	FetchRecord(ctx context.Context, h holo.Hash) (*holo.DhtOp, error)
}

// Options controls a single cascade query, per §4.4.
type Options struct {
	LocalOnly bool
}

// Cascade unifies the read path for one cell.
type Cascade struct {
	Journal     *journal.Store
	DhtStore    *dhtstore.Store
	Remotes     []RemoteAuthority // up to K authorities queried in parallel on a local miss
	IsAuthority func(basis uint32) bool

	// Activity backs GetAgentActivity; nil means that cascade operation
	// is unavailable (e.g. a cascade constructed only for entry/link reads).
	Activity *activity.Querier
}

// Record is what Get returns: a record's action plus its entry, if any.
type Record struct {
	Action holo.SignedAction
	Entry  *holo.Entry
}

// Get resolves any_hash to a Record, checking scratch, local authored
// (journal), local integrated (DHT store), and finally remote authorities
// unless options.LocalOnly is set.
func (c *Cascade) Get(ctx context.Context, h holo.Hash, scratch *Scratch, opts Options) (*Record, error) {
	if sa, ok := scratch.findAction(h); ok {
		rec := &Record{Action: sa}
		if e, ok := scratch.findEntry(sa.Action.EntryHash); ok {
			rec.Entry = &e
		}
		return rec, nil
	}

	if c.Journal != nil {
		if sa, ok, err := c.Journal.GetAction(h); err != nil {
			return nil, fmt.Errorf("cascade: local journal lookup: %w", err)
		} else if ok {
			rec := &Record{Action: sa}
			if !sa.Action.EntryHash.IsZero() {
				if e, found, err := c.Journal.GetEntry(sa.Action.EntryHash); err == nil && found {
					rec.Entry = &e
				}
			}
			return rec, nil
		}
	}

	if c.DhtStore != nil {
		if rec, found, err := c.lookupIntegrated(h); err != nil {
			return nil, err
		} else if found {
			return rec, nil
		}
	}

	if opts.LocalOnly || len(c.Remotes) == 0 {
		return nil, nil
	}
	if c.IsAuthority != nil && c.IsAuthority(h.Location()) {
		// We are authoritative for this basis and still don't have it
		// locally -- it genuinely doesn't exist, querying remotely won't help.
		return nil, nil
	}
	return c.fetchRemote(ctx, h)
}

func (c *Cascade) lookupIntegrated(h holo.Hash) (*Record, bool, error) {
	var found *Record
	var scanErr error
	filterOps, err := c.DhtStore.QueryIntegrated(dhtstore.Filter{})
	if err != nil {
		return nil, false, fmt.Errorf("cascade: scan integrated ops: %w", err)
	}
	for _, rec := range filterOps {
		ah, err := rec.Op.Action.Hash()
		if err != nil {
			scanErr = err
			continue
		}
		if ah.Equal(h) {
			r := &Record{Action: rec.Op.Action, Entry: rec.Op.Entry}
			found = r
			break
		}
	}
	if found != nil {
		return found, true, nil
	}
	return nil, false, scanErr
}

// fetchRemote queries up to K remote authorities in parallel and accepts
// the first response that passes signature verification, caching it in the
// DHT store as fetched/integrated (§4.4's last step).
func (c *Cascade) fetchRemote(ctx context.Context, h holo.Hash) (*Record, error) {
	type result struct {
		op  *holo.DhtOp
		err error
	}
	results := make(chan result, len(c.Remotes))
	qctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for _, r := range c.Remotes {
		go func(r RemoteAuthority) {
			op, err := r.FetchRecord(qctx, h)
			results <- result{op: op, err: err}
		}(r)
	}

	for i := 0; i < len(c.Remotes); i++ {
		res := <-results
		if res.err != nil || res.op == nil {
			continue
		}
		if !verifyOp(*res.op) {
			continue
		}
		if c.DhtStore != nil {
			if err := c.DhtStore.CacheFetched(*res.op); err != nil {
				return nil, fmt.Errorf("cascade: cache fetched op: %w", err)
			}
		}
		return &Record{Action: res.op.Action, Entry: res.op.Entry}, nil
	}
	return nil, nil
}

func verifyOp(op holo.DhtOp) bool {
	return keystore.VerifySignedAction(op.Action)
}

// RequestActivityFlags mirrors the original's GetActivityOptions: whether a
// caller wants the full action bodies and warrants back, or just the chain
// status/highest-observed summary.
type RequestActivityFlags struct {
	IncludeFullActions bool
	IncludeWarrants    bool
}

// AgentActivityResponse is get_agent_activity's result (§4.4's fourth
// cascade operation). Unlike MustGetAgentActivity this never requires a
// known chain top: it reports whatever this node's activity index and DHT
// store currently know about agent.
type AgentActivityResponse struct {
	Status   activity.ChainStatus
	Actions  []holo.SignedAction
	Warrants []holo.Warrant
}

// GetAgentActivity resolves agent's chain status and, per flags, its full
// action history and warrants. It is the cascade-facing counterpart to
// MustGetAgentActivity's stricter walk-from-a-known-top semantics, both
// backed by the same activity.Querier/Index.
func (c *Cascade) GetAgentActivity(agent holo.Agent, filter activity.ChainFilter, flags RequestActivityFlags) (AgentActivityResponse, error) {
	if c.Activity == nil {
		return AgentActivityResponse{}, fmt.Errorf("cascade: get_agent_activity: no activity querier configured")
	}
	status, _, _, err := c.Activity.Index.Status(agent)
	if err != nil {
		return AgentActivityResponse{}, fmt.Errorf("cascade: get_agent_activity: chain status: %w", err)
	}
	resp := AgentActivityResponse{Status: status}
	if !flags.IncludeFullActions && !flags.IncludeWarrants {
		return resp, nil
	}
	must, err := c.Activity.MustGetAgentActivity(agent, filter)
	if err != nil {
		return AgentActivityResponse{}, fmt.Errorf("cascade: get_agent_activity: %w", err)
	}
	if flags.IncludeFullActions {
		resp.Actions = must.Actions
	}
	if flags.IncludeWarrants {
		resp.Warrants = must.Warrants
	}
	return resp, nil
}

// Details is Get's superset: the record plus every update, delete, and
// rejection status associated with it (§4.4's get_details).
type Details struct {
	Record  *Record
	Updates []holo.SignedAction
	Deletes []holo.SignedAction
	Rejected bool
}

// GetDetails resolves h and additionally collects RegisterUpdatedContent/
// RegisterUpdatedRecord and RegisterDeletedBy/RegisterDeletedEntry ops that
// target it from the local DHT store.
func (c *Cascade) GetDetails(ctx context.Context, h holo.Hash, scratch *Scratch, opts Options) (*Details, error) {
	rec, err := c.Get(ctx, h, scratch, opts)
	if err != nil || rec == nil {
		return nil, err
	}
	d := &Details{Record: rec}
	if c.DhtStore == nil {
		return d, nil
	}
	integrated, err := c.DhtStore.QueryIntegrated(dhtstore.Filter{})
	if err != nil {
		return nil, fmt.Errorf("cascade: scan for details: %w", err)
	}
	for _, irec := range integrated {
		switch irec.Op.Type {
		case holo.OpRegisterUpdatedContent, holo.OpRegisterUpdatedRecord:
			if irec.Op.Action.Action.OriginalAction.Equal(h) {
				d.Updates = append(d.Updates, irec.Op.Action)
			}
		case holo.OpRegisterDeletedBy, holo.OpRegisterDeletedEntry:
			if irec.Op.Action.Action.DeletesAction.Equal(h) {
				d.Deletes = append(d.Deletes, irec.Op.Action)
			}
		}
		if irec.Stage == dhtstore.StageRejected {
			if ah, herr := irec.Op.Action.Hash(); herr == nil && ah.Equal(h) {
				d.Rejected = true
			}
		}
	}
	return d, nil
}

// Link is one resolved RegisterCreateLink fact not yet deleted by a
// matching RegisterDeleteLink.
type Link struct {
	Base, Target holo.Hash
	ZomeIndex    uint8
	LinkType     uint8
	Tag          []byte
	Action       holo.SignedAction
}

// GetLinks returns every live link from base matching linkType (nil means
// any) whose tag has tagPrefix as a byte prefix, per §4.4.
func (c *Cascade) GetLinks(ctx context.Context, base holo.Hash, linkType *uint8, tagPrefix []byte, opts Options) ([]Link, error) {
	if c.DhtStore == nil {
		return nil, nil
	}
	integrated, err := c.DhtStore.QueryIntegrated(dhtstore.Filter{})
	if err != nil {
		return nil, fmt.Errorf("cascade: scan for links: %w", err)
	}
	deleted := make(map[holo.Hash]bool)
	var creates []holo.DhtOp
	for _, rec := range integrated {
		switch rec.Op.Type {
		case holo.OpRegisterDeleteLink:
			deleted[rec.Op.Action.Action.CreateLinkAction] = true
		case holo.OpRegisterCreateLink:
			creates = append(creates, rec.Op)
		}
	}

	var out []Link
	for _, op := range creates {
		a := op.Action.Action
		if !a.Base.Equal(base) {
			continue
		}
		if linkType != nil && a.LinkType != *linkType {
			continue
		}
		if !bytes.HasPrefix(a.Tag, tagPrefix) {
			continue
		}
		ah, err := op.Action.Hash()
		if err != nil {
			continue
		}
		if deleted[ah] {
			continue
		}
		out = append(out, Link{Base: a.Base, Target: a.Target, ZomeIndex: a.ZomeIndex, LinkType: a.LinkType, Tag: a.Tag, Action: op.Action})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Action.Action.Timestamp < out[j].Action.Action.Timestamp })
	return out, nil
}
