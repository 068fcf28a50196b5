package cell

import (
	"context"
	"time"

	"github.com/holo/conductor/internal/holo"
)

// countersigningSession tracks one in-progress countersigning session this
// cell is a party to, keyed by the preflight payload's own hash. Signers
// exchange preflight signatures over the payload (via Dispatcher.CallRemote)
// before any of them commits the matching countersigned entry to their own
// chain; this cell's app-level zome code drives that exchange and calls
// BeginCountersigning/ReceiveCountersignaturePreflight, then commits via the
// ordinary CallZome path once ReceiveCountersignaturePreflight reports the
// session complete. The countersigning trigger itself only owns expiry.
type countersigningSession struct {
	Payload    holo.CounterSignPayload
	Signatures map[holo.Agent]holo.Signature
}

// BeginCountersigning registers a new session keyed by payload.PreflightHash.
func (c *Cell) BeginCountersigning(payload holo.CounterSignPayload) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[payload.PreflightHash] = &countersigningSession{
		Payload:    payload,
		Signatures: make(map[holo.Agent]holo.Signature),
	}
}

// ReceiveCountersignaturePreflight records signer's preflight signature for
// the session identified by preflightHash, returning true once every
// declared signer has been heard from.
func (c *Cell) ReceiveCountersignaturePreflight(preflightHash holo.Hash, signer holo.Agent, sig holo.Signature) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[preflightHash]
	if !ok {
		return false
	}
	s.Signatures[signer] = sig
	return len(s.Signatures) >= len(s.Payload.Signers)
}

// AbandonCountersigning drops a session outside of the expiry sweep, e.g.
// when the app decides not to proceed after a participant declines.
func (c *Cell) AbandonCountersigning(preflightHash holo.Hash) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, preflightHash)
}

// runCountersigning implements the countersigning trigger (§4.12): it
// drops every session whose payload's SessionEnd has passed, whether or not
// all signers were heard from, freeing participants to start a fresh session.
func (c *Cell) runCountersigning(ctx context.Context) error {
	now := time.Now().UnixNano()
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, s := range c.sessions {
		if now > s.Payload.SessionEnd {
			delete(c.sessions, key)
		}
	}
	return nil
}
