// Package keystore models the single, process-wide signing actor described
// in spec §9 ("Global keystore"): a single owned actor reached only by
// message passing, so every signature crossing the host boundary can be
// mocked in tests without touching real key material.
package keystore

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"sync"

	"github.com/holo/conductor/internal/holo"
)

// request is one unit of work sent to the actor's single goroutine.
type request struct {
	op     func(*Keystore) (interface{}, error)
	result chan<- result
}

type result struct {
	value interface{}
	err   error
}

// Keystore holds Ed25519 keypairs for every agent it has generated or been
// given, and serializes all access to them through a single goroutine.
type Keystore struct {
	mu      sync.RWMutex // not locked anywhere: keys is touched only by the actor goroutine, and Verify reads no keys
	keys    map[holo.Agent]ed25519.PrivateKey
	reqs    chan request
	closeCh chan struct{}
	wg      sync.WaitGroup
}

// New starts the keystore actor.
func New() *Keystore {
	ks := &Keystore{
		keys:    make(map[holo.Agent]ed25519.PrivateKey),
		reqs:    make(chan request, 64),
		closeCh: make(chan struct{}),
	}
	ks.wg.Add(1)
	go ks.run()
	return ks
}

func (ks *Keystore) run() {
	defer ks.wg.Done()
	for {
		select {
		case r := <-ks.reqs:
			v, err := r.op(ks)
			r.result <- result{value: v, err: err}
		case <-ks.closeCh:
			for {
				select {
				case r := <-ks.reqs:
					v, err := r.op(ks)
					r.result <- result{value: v, err: err}
				default:
					return
				}
			}
		}
	}
}

// Close stops the actor goroutine. Pending requests already enqueued are
// still serviced before the goroutine exits.
func (ks *Keystore) Close() {
	close(ks.closeCh)
	ks.wg.Wait()
}

func (ks *Keystore) call(op func(*Keystore) (interface{}, error)) (interface{}, error) {
	rc := make(chan result, 1)
	ks.reqs <- request{op: op, result: rc}
	r := <-rc
	return r.value, r.err
}

// NewAgent generates a fresh Ed25519 keypair, registers it under the
// resulting Agent hash, and returns that hash -- the "agent identity" of §3.
func (ks *Keystore) NewAgent() (holo.Agent, error) {
	v, err := ks.call(func(k *Keystore) (interface{}, error) {
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("keystore: generate key: %w", err)
		}
		agent, err := holo.AgentHashFromPublicKey(pub)
		if err != nil {
			return nil, err
		}
		k.keys[agent] = priv
		return agent, nil
	})
	if err != nil {
		return holo.Agent{}, err
	}
	return v.(holo.Agent), nil
}

// Sign signs b as agent, failing if the keystore does not hold that agent's
// key (e.g. a remote agent's action was received, not authored locally).
func (ks *Keystore) Sign(agent holo.Agent, b []byte) (holo.Signature, error) {
	v, err := ks.call(func(k *Keystore) (interface{}, error) {
		priv, ok := k.keys[agent]
		if !ok {
			return nil, fmt.Errorf("keystore: no private key for agent %s", agent)
		}
		sig := ed25519.Sign(priv, b)
		var out holo.Signature
		copy(out[:], sig)
		return out, nil
	})
	if err != nil {
		return holo.Signature{}, err
	}
	return v.(holo.Signature), nil
}

// Verify checks sig against agent's public key, which is recoverable
// directly from the Agent hash's digest bytes without needing the private
// key, so Verify does not need to cross the actor boundary.
func Verify(agent holo.Agent, b []byte, sig holo.Signature) bool {
	pub := ed25519.PublicKey(agent.PublicKey())
	return ed25519.Verify(pub, b, sig[:])
}

// SignAction fills in and returns a SignedAction for the given agent.
func (ks *Keystore) SignAction(agent holo.Agent, a holo.Action) (holo.SignedAction, error) {
	b, err := a.CanonicalBytes()
	if err != nil {
		return holo.SignedAction{}, err
	}
	sig, err := ks.Sign(agent, b)
	if err != nil {
		return holo.SignedAction{}, err
	}
	return holo.SignedAction{Action: a, Signature: sig}, nil
}

// VerifySignedAction checks a SignedAction's signature against its own
// Author field.
func VerifySignedAction(sa holo.SignedAction) bool {
	b, err := sa.Action.CanonicalBytes()
	if err != nil {
		return false
	}
	return Verify(sa.Action.Author, b, sa.Signature)
}

// SignWarrant fills in and returns w signed by its own Author field (the
// authority producing it), per §4.7's "warrants are signed by the authority
// that detected the violation".
func (ks *Keystore) SignWarrant(w holo.Warrant) (holo.Warrant, error) {
	b, err := w.CanonicalBytes()
	if err != nil {
		return holo.Warrant{}, err
	}
	sig, err := ks.Sign(w.Author, b)
	if err != nil {
		return holo.Warrant{}, err
	}
	w.Signature = sig
	return w, nil
}

// VerifyWarrant checks a Warrant's signature against its own Author field.
func VerifyWarrant(w holo.Warrant) bool {
	b, err := w.CanonicalBytes()
	if err != nil {
		return false
	}
	return Verify(w.Author, b, w.Signature)
}
