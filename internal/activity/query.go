package activity

import (
	"fmt"

	"github.com/holo/conductor/internal/dhtstore"
	"github.com/holo/conductor/internal/holo"
)

// ChainFilter bounds a must_get_agent_activity walk, per §4.10.
type ChainFilter struct {
	Top      holo.Hash  // the action the walk starts from and works backward
	Take     *uint32    // stop after this many actions
	Until    *holo.Hash // stop once this action hash is reached (inclusive)
	SeqRange *[2]uint32 // [lo, hi] inclusive; stop once ActionSeq < lo
}

// ResponseKind discriminates the four MustGetAgentActivityResponse variants.
type ResponseKind uint8

const (
	ResponseActivity ResponseKind = iota
	ResponseIncompleteChain
	ResponseChainTopNotFound
	ResponseEmptyRange
)

// MustGetAgentActivityResponse is the sum type returned by
// MustGetAgentActivity. Only the fields relevant to Kind are populated.
type MustGetAgentActivityResponse struct {
	Kind ResponseKind

	Actions  []holo.SignedAction // ResponseActivity, ordered top (newest) to oldest
	Warrants []holo.Warrant      // ResponseActivity

	NotFoundHash holo.Hash // ResponseChainTopNotFound
}

// Querier answers must_get_agent_activity against one authority's local
// state: the activity index for chain-health bookkeeping plus the DHT op
// store for actual action bodies (an authority stores the full action in
// every RegisterAgentActivity op it integrates).
type Querier struct {
	Index *Index
	Store *dhtstore.Store
}

// MustGetAgentActivity serves §4.10's bounded chain-range query.
func (q *Querier) MustGetAgentActivity(author holo.Agent, filter ChainFilter) (MustGetAgentActivityResponse, error) {
	opType := holo.OpRegisterAgentActivity
	records, err := q.Store.QueryIntegrated(dhtstore.Filter{OpType: &opType, Author: &author})
	if err != nil {
		return MustGetAgentActivityResponse{}, fmt.Errorf("activity: query agent activity ops: %w", err)
	}

	byHash := make(map[holo.Hash]holo.SignedAction, len(records))
	for _, rec := range records {
		sa := rec.Op.Action
		h, err := sa.Hash()
		if err != nil {
			return MustGetAgentActivityResponse{}, fmt.Errorf("activity: hash stored action: %w", err)
		}
		byHash[h] = sa
	}

	top, ok := byHash[filter.Top]
	if !ok {
		return MustGetAgentActivityResponse{Kind: ResponseChainTopNotFound, NotFoundHash: filter.Top}, nil
	}

	var seqLo, seqHi uint32
	hasSeqLo := false
	if filter.SeqRange != nil {
		seqLo, seqHi, hasSeqLo = filter.SeqRange[0], filter.SeqRange[1], true
	}

	var actions []holo.SignedAction
	incomplete := false
	cur := top
	curHash := filter.Top
	for {
		if hasSeqLo && cur.Action.ActionSeq < seqLo {
			break
		}
		if !hasSeqLo || cur.Action.ActionSeq <= seqHi {
			actions = append(actions, cur)
		}
		if filter.Until != nil && curHash.Equal(*filter.Until) {
			break
		}
		if filter.Take != nil && uint32(len(actions)) >= *filter.Take {
			break
		}
		if cur.Action.ActionSeq == 0 {
			break // reached genesis; nothing more to walk
		}
		nextHash := cur.Action.PrevAction
		next, found := byHash[nextHash]
		if !found {
			incomplete = true
			break
		}
		cur = next
		curHash = nextHash
	}

	if incomplete {
		return MustGetAgentActivityResponse{Kind: ResponseIncompleteChain}, nil
	}
	if len(actions) == 0 {
		return MustGetAgentActivityResponse{Kind: ResponseEmptyRange}, nil
	}

	warrants, err := q.Index.Warrants(author)
	if err != nil {
		return MustGetAgentActivityResponse{}, fmt.Errorf("activity: load warrants: %w", err)
	}

	return MustGetAgentActivityResponse{Kind: ResponseActivity, Actions: actions, Warrants: warrants}, nil
}
