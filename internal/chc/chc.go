// Package chc implements §9's Chain Head Coordinator hook: an optional,
// externally-pluggable authority that a cell reports newly committed
// actions to, which refuses a batch that does not extend its own recorded
// head. The cell reports after its local commit, so the coordinator does
// not gate that commit. Most deployments run without
// one, per original_source/crates/holochain_chc's own framing of CHC as
// opt-in coordination rather than core protocol.
package chc

import (
	"context"
	"fmt"
	"sync"

	"github.com/holo/conductor/internal/holo"
)

// Hook is what a cell reports new actions to after committing them to an
// agent's chain, mirroring holochain_chc's ChainHeadCoordinator trait's
// two request shapes (add_records/get_record_data) cut down to this
// module's needs.
type Hook interface {
	// AddRecords asks the coordinator to accept actions as the next
	// entries on agent's chain. Implementations must reject a request
	// that doesn't extend the coordinator's own notion of the chain head.
	AddRecords(ctx context.Context, agent holo.Agent, actions []holo.SignedAction) error

	// GetRecords returns every action the coordinator holds for agent
	// after sinceHash (the whole chain if sinceHash is the zero Hash).
	GetRecords(ctx context.Context, agent holo.Agent, sinceHash holo.Hash) ([]holo.SignedAction, error)
}

// NoopHook is the default: it accepts everything and remembers nothing,
// for the common case of a cell running without any CHC configured.
type NoopHook struct{}

func (NoopHook) AddRecords(ctx context.Context, agent holo.Agent, actions []holo.SignedAction) error {
	return nil
}

func (NoopHook) GetRecords(ctx context.Context, agent holo.Agent, sinceHash holo.Hash) ([]holo.SignedAction, error) {
	return nil, nil
}

// ErrChainMoved reports that a submitted batch doesn't extend the
// coordinator's recorded head, the same shape as chc_local.rs's
// ChcError::InvalidChain.
type ErrChainMoved struct {
	ExpectedHead holo.Hash
	ExpectedSeq  uint32
}

func (e *ErrChainMoved) Error() string {
	return fmt.Sprintf("chc: chain has moved past expected head %s at seq %d", e.ExpectedHead, e.ExpectedSeq)
}

// LocalHook is an in-memory Hook for tests and single-conductor setups,
// grounded directly on chc_local.rs's ChcLocal: one append-only record
// list per agent, guarded by a head check on every add.
type LocalHook struct {
	mu      sync.Mutex
	records map[holo.Agent][]holo.SignedAction
}

// NewLocalHook constructs an empty LocalHook.
func NewLocalHook() *LocalHook {
	return &LocalHook{records: make(map[holo.Agent][]holo.SignedAction)}
}

func (h *LocalHook) AddRecords(ctx context.Context, agent holo.Agent, actions []holo.SignedAction) error {
	if len(actions) == 0 {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	existing := h.records[agent]
	var head holo.Hash
	var headSeq uint32
	haveHead := len(existing) > 0
	if haveHead {
		last := existing[len(existing)-1]
		h, err := last.Hash()
		if err != nil {
			return fmt.Errorf("chc: hash recorded head: %w", err)
		}
		head, headSeq = h, last.Action.ActionSeq
	}

	var zero holo.Hash
	first := actions[0]
	if haveHead {
		if first.Action.PrevAction.Equal(zero) || !first.Action.PrevAction.Equal(head) || first.Action.ActionSeq != headSeq+1 {
			return &ErrChainMoved{ExpectedHead: head, ExpectedSeq: headSeq}
		}
	} else if first.Action.ActionSeq != 0 {
		return &ErrChainMoved{}
	}
	for i := 1; i < len(actions); i++ {
		prev, cur := actions[i-1], actions[i]
		prevHash, err := prev.Hash()
		if err != nil {
			return fmt.Errorf("chc: hash batch entry %d: %w", i-1, err)
		}
		if !cur.Action.PrevAction.Equal(prevHash) || cur.Action.ActionSeq != prev.Action.ActionSeq+1 {
			return fmt.Errorf("chc: batch is not a contiguous chain at index %d", i)
		}
	}

	h.records[agent] = append(existing, actions...)
	return nil
}

func (h *LocalHook) GetRecords(ctx context.Context, agent holo.Agent, sinceHash holo.Hash) ([]holo.SignedAction, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	all := h.records[agent]
	var zero holo.Hash
	if sinceHash.Equal(zero) {
		out := make([]holo.SignedAction, len(all))
		copy(out, all)
		return out, nil
	}
	for i, a := range all {
		ah, err := a.Hash()
		if err != nil {
			return nil, fmt.Errorf("chc: hash record %d: %w", i, err)
		}
		if ah.Equal(sinceHash) {
			out := make([]holo.SignedAction, len(all)-i-1)
			copy(out, all[i+1:])
			return out, nil
		}
	}
	return nil, fmt.Errorf("chc: unknown since-hash %s", sinceHash)
}
