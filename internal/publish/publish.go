// Package publish implements §4.9: pushing newly authored ops out to their
// current authorities, and pulling missing ops on demand by hash. Both share
// the gossip transport's framing but run on their own protocol IDs.
package publish

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/holo/conductor/internal/dhtstore"
	"github.com/holo/conductor/internal/holo"
)

// AuthorityLocator resolves the current authorities for a basis location,
// backed by the conductor's peer store `query_by_location` (§4.14).
type AuthorityLocator interface {
	QueryByLocation(basis uint32) []string
}

// BlockChecker is implemented by locators that also track a local
// blocklist (§8's block scenario). A Locator that also implements this is
// consulted by Publish so a blocked peer is never pushed to, even if it
// would otherwise resolve as an authority for the op's basis.
type BlockChecker interface {
	IsBlocked(peerID string) bool
}

// Transport is the narrow publish/fetch wire surface: push one op to a peer
// and await an ack, or pull a set of ops by hash from a peer. The concrete
// implementation shares dial/stream machinery with internal/gossip but runs
// on its own protocol IDs ("/holo/publish/1.0.0", "/holo/fetch/1.0.0").
type Transport interface {
	PushOp(ctx context.Context, peerID string, op holo.DhtOp) (acked bool, err error)
	FetchOps(ctx context.Context, peerID string, hashes []holo.Hash) ([]holo.DhtOp, error)
}

// Publisher drives the retry-until-acknowledged publish loop of §4.9.
type Publisher struct {
	Locator   AuthorityLocator
	Transport Transport
	Store     *dhtstore.Store

	// PublishTarget is the number of distinct authorities that must ack
	// (or be observed gossiping the op back) before a publish stops
	// retrying.
	PublishTarget int

	// NewBackOff constructs the retry schedule; defaults to an unbounded
	// exponential backoff capped at one minute between attempts.
	NewBackOff func() backoff.BackOff

	mu         sync.Mutex
	gossipedBy map[string]map[string]bool // op hash hex -> set of peer IDs observed gossiping it back
}

func (p *Publisher) target() int {
	if p.PublishTarget <= 0 {
		return 1
	}
	return p.PublishTarget
}

func (p *Publisher) newBackOff() backoff.BackOff {
	if p.NewBackOff != nil {
		return p.NewBackOff()
	}
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = time.Minute
	b.MaxElapsedTime = 0 // retry until the caller's context is done
	return b
}

// ObserveGossipedBack records that peerID was seen gossiping opHash back to
// us, counting toward the acknowledgement target per §4.9's "whichever
// comes first" rule. Called by the gossip engine when it integrates an op
// this node is still trying to publish.
func (p *Publisher) ObserveGossipedBack(opHash holo.Hash, peerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gossipedBy == nil {
		p.gossipedBy = make(map[string]map[string]bool)
	}
	key := string(opHash.Bytes())
	if p.gossipedBy[key] == nil {
		p.gossipedBy[key] = make(map[string]bool)
	}
	p.gossipedBy[key][peerID] = true
}

func (p *Publisher) gossipedCount(opHash holo.Hash) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.gossipedBy[string(opHash.Bytes())])
}

// Publish pushes op to its current authorities, retrying with exponential
// backoff until at least PublishTarget distinct authorities have acked or
// been observed gossiping the op back, or ctx is cancelled.
func (p *Publisher) Publish(ctx context.Context, op holo.DhtOp) error {
	opHash, err := op.Hash()
	if err != nil {
		return fmt.Errorf("publish: hash op: %w", err)
	}
	peers := p.Locator.QueryByLocation(op.Basis)
	if blocker, ok := p.Locator.(BlockChecker); ok {
		filtered := peers[:0]
		for _, id := range peers {
			if !blocker.IsBlocked(id) {
				filtered = append(filtered, id)
			}
		}
		peers = filtered
	}
	if len(peers) == 0 {
		return fmt.Errorf("publish: no authorities known for basis %d", op.Basis)
	}

	acked := make(map[string]bool)
	operation := func() error {
		if acked == nil {
			acked = make(map[string]bool)
		}
		for _, peerID := range peers {
			if acked[peerID] {
				continue
			}
			ok, err := p.Transport.PushOp(ctx, peerID, op)
			if err != nil {
				continue // transient send failure, let backoff retry
			}
			if ok {
				acked[peerID] = true
			}
		}
		if len(acked)+p.gossipedCount(opHash) >= p.target() {
			return nil
		}
		return fmt.Errorf("publish: only %d/%d authorities acknowledged op %x", len(acked), p.target(), opHash.Bytes())
	}

	return backoff.Retry(operation, backoff.WithContext(p.newBackOff(), ctx))
}

// Fetcher resolves missing op hashes by pulling them from known peers,
// used by sys validation to satisfy AwaitingSysDeps (§4.7).
type Fetcher struct {
	Transport Transport
	Store     *dhtstore.Store
}

// Fetch pulls hashes from peerID and caches any returned ops as
// SourceFetched, per §4.2's fetch-cache source tag.
func (f *Fetcher) Fetch(ctx context.Context, peerID string, hashes []holo.Hash) ([]holo.DhtOp, error) {
	ops, err := f.Transport.FetchOps(ctx, peerID, hashes)
	if err != nil {
		return nil, fmt.Errorf("fetch: pull from %s: %w", peerID, err)
	}
	for _, op := range ops {
		if err := f.Store.CacheFetched(op); err != nil {
			return nil, fmt.Errorf("fetch: cache op: %w", err)
		}
	}
	return ops, nil
}
