// Package ribosome implements §4.11: the host-call surface a guest zome
// invokes, gated by the static permission table of permission.go, and the
// write scratch of §4.1 that accumulates create/update/delete/link calls
// until the zome function returns (flushed on Ok, discarded on Err).
package ribosome

import (
	"context"
	"fmt"
	"sync"

	"github.com/holo/conductor/internal/activity"
	"github.com/holo/conductor/internal/cascade"
	"github.com/holo/conductor/internal/dhtstore"
	"github.com/holo/conductor/internal/holo"
	"github.com/holo/conductor/internal/journal"
	"github.com/holo/conductor/internal/keystore"
	"github.com/holo/conductor/internal/opderive"
)

// Dispatcher is the narrow surface for the host calls that cross a cell
// boundary (call_remote, remote_signal, emit_signal), left pluggable since
// their transport belongs to the conductor/cell layer, not the ribosome.
type Dispatcher interface {
	CallRemote(ctx context.Context, target holo.Agent, zome, function string, payload []byte) ([]byte, error)
	RemoteSignal(ctx context.Context, targets []holo.Agent, payload []byte) error
	EmitSignal(payload []byte)
}

// pendingWrite is one accumulated, not-yet-signed scratch write.
type pendingWrite struct {
	action holo.Action
	entry  *holo.Entry
}

// Scratch accumulates a zome call's writes in commit order, assigning each
// a tentative action_seq/prev_action against the chain's current head so
// the same call can immediately look its own writes back up (§4.1's
// "atomically flushed on Ok, discarded on Err").
type Scratch struct {
	mu       sync.Mutex
	baseSeq  uint32
	basePrev holo.Hash
	hasBase  bool
	pending  []pendingWrite
}

func (s *Scratch) nextSeqAndPrev() (uint32, holo.Hash) {
	if len(s.pending) == 0 {
		return s.baseSeq, s.basePrev
	}
	last := s.pending[len(s.pending)-1].action
	return last.ActionSeq + 1, mustHash(last)
}

func mustHash(a holo.Action) holo.Hash {
	h, err := a.Hash()
	if err != nil {
		// Action.Hash only fails on gob-encode errors, which cannot happen
		// for the fixed, already-validated struct shapes this package builds.
		panic(fmt.Sprintf("ribosome: hash staged action: %v", err))
	}
	return h
}

func (s *Scratch) stage(a holo.Action, e *holo.Entry) holo.Hash {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, pendingWrite{action: a, entry: e})
	return mustHash(a)
}

// asCascadeScratch exposes the pending writes for Cascade reads within the
// same call, wrapped as unsigned SignedAction values -- the scratch read
// layer never checks signatures (only committed/fetched data does).
func (s *Scratch) asCascadeScratch() *cascade.Scratch {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs := &cascade.Scratch{Entries: make(map[holo.Hash]holo.Entry)}
	for _, pw := range s.pending {
		cs.Actions = append(cs.Actions, holo.SignedAction{Action: pw.action})
		if pw.entry != nil {
			if eh, err := pw.entry.Hash(); err == nil {
				cs.Entries[eh] = *pw.entry
			}
		}
	}
	return cs
}

func (s *Scratch) isEmpty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending) == 0
}

// Ribosome hosts one cell's zome calls: it checks permissions, accumulates
// writes in a Scratch, and serves reads through the Cascade and the
// agent-activity Querier.
type Ribosome struct {
	Agent      holo.Agent
	DnaHash    holo.Hash
	ZomeNames  []string
	Journal    *journal.Store
	DhtStore   *dhtstore.Store
	Cascade    *cascade.Cascade
	Activity   *activity.Querier
	Keystore   *keystore.Keystore
	Dispatcher Dispatcher

	scratch Scratch
}

// BeginCall resets the scratch against the chain's current head, ready to
// accumulate one zome call's writes.
func (r *Ribosome) BeginCall() error {
	head, ok, err := r.Journal.Head(r.Agent)
	if err != nil {
		return fmt.Errorf("ribosome: read head: %w", err)
	}
	r.scratch.mu.Lock()
	defer r.scratch.mu.Unlock()
	r.scratch.pending = nil
	if ok {
		r.scratch.baseSeq = head.ActionSeq + 1
		r.scratch.basePrev = head.ActionHash
	} else {
		r.scratch.baseSeq = 0
		r.scratch.basePrev = holo.Hash{}
	}
	r.scratch.hasBase = true
	return nil
}

// Flush signs every pending write in commit order and atomically appends
// them to the journal (optimistic-concurrency CAS against the head
// BeginCall observed), deriving and inserting this cell's own DHT ops at
// StagePending so they enter the same validation/integration pipeline as
// any other op. Returns the flushed action hashes in commit order.
func (r *Ribosome) Flush() ([]holo.Hash, error) {
	r.scratch.mu.Lock()
	pending := r.scratch.pending
	baseSeq := r.scratch.baseSeq
	basePrev := r.scratch.basePrev
	hasBase := r.scratch.hasBase
	r.scratch.mu.Unlock()

	if len(pending) == 0 {
		return nil, nil
	}
	if !hasBase {
		return nil, fmt.Errorf("ribosome: flush without a matching BeginCall")
	}

	expectedHead := journal.Head{ActionHash: basePrev}
	expectedHeadOK := baseSeq > 0
	if expectedHeadOK {
		expectedHead.ActionSeq = baseSeq - 1
	}

	var (
		signed  []holo.SignedAction
		entries []holo.Entry
		hashes  []holo.Hash
	)
	for _, pw := range pending {
		sa, err := r.Keystore.SignAction(r.Agent, pw.action)
		if err != nil {
			return nil, fmt.Errorf("ribosome: sign staged action: %w", err)
		}
		signed = append(signed, sa)
		if pw.entry != nil {
			entries = append(entries, *pw.entry)
		}
		h, err := sa.Hash()
		if err != nil {
			return nil, fmt.Errorf("ribosome: hash staged action: %w", err)
		}
		hashes = append(hashes, h)
	}

	if err := r.Journal.AppendBundle(r.Agent, expectedHead, expectedHeadOK, signed, entries); err != nil {
		return nil, fmt.Errorf("ribosome: append bundle: %w", err)
	}

	entryByHash := make(map[holo.Hash]holo.Entry, len(entries))
	for _, e := range entries {
		if eh, err := e.Hash(); err == nil {
			entryByHash[eh] = e
		}
	}
	for _, sa := range signed {
		var entry *holo.Entry
		if !sa.Action.EntryHash.IsZero() {
			if e, ok := entryByHash[sa.Action.EntryHash]; ok {
				entry = &e
			}
		}
		ops, err := opderive.Derive(sa, entry, nil, nil)
		if err != nil {
			return nil, fmt.Errorf("ribosome: derive ops: %w", err)
		}
		for _, op := range ops {
			if err := r.DhtStore.InsertOp(op, dhtstore.SourceAuthored, dhtstore.StagePending); err != nil {
				return nil, fmt.Errorf("ribosome: insert authored op: %w", err)
			}
		}
	}

	r.scratch.mu.Lock()
	r.scratch.pending = nil
	r.scratch.hasBase = false
	r.scratch.mu.Unlock()
	return hashes, nil
}

// Discard drops every pending write without touching the journal, per
// §4.11's "on Err, the scratch is discarded".
func (r *Ribosome) Discard() {
	r.scratch.mu.Lock()
	r.scratch.pending = nil
	r.scratch.hasBase = false
	r.scratch.mu.Unlock()
}

func (r *Ribosome) permit(fn HostFn, ctx InvocationContext, zome, function string) error {
	return checkPermission(fn, ctx, zome, function)
}
