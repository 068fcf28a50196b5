package ribosome

import (
	"context"
	"crypto/rand"
	"fmt"
	"time"

	"golang.org/x/crypto/nacl/box"

	"github.com/holo/conductor/internal/dhtstore"
	"github.com/holo/conductor/internal/holo"
	"github.com/holo/conductor/internal/keystore"
)

func dhtFilterAny() dhtstore.Filter { return dhtstore.Filter{} }

// Sign signs b as the cell's agent.
func (r *Ribosome) Sign(ictx InvocationContext, zome, function string, b []byte) (holo.Signature, error) {
	if err := r.permit(HostSign, ictx, zome, function); err != nil {
		return holo.Signature{}, err
	}
	return r.Keystore.Sign(r.Agent, b)
}

// VerifySignature checks sig against agent's public key.
func (r *Ribosome) VerifySignature(ictx InvocationContext, zome, function string, agent holo.Agent, b []byte, sig holo.Signature) (bool, error) {
	if err := r.permit(HostVerifySignature, ictx, zome, function); err != nil {
		return false, err
	}
	return keystore.Verify(agent, b, sig), nil
}

// RandomBytes returns n cryptographically random bytes.
func (r *Ribosome) RandomBytes(ictx InvocationContext, zome, function string, n int) ([]byte, error) {
	if err := r.permit(HostRandomBytes, ictx, zome, function); err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("ribosome: random_bytes: %w", err)
	}
	return b, nil
}

// SysTime returns the host's current time as unix nanos.
func (r *Ribosome) SysTime(ictx InvocationContext, zome, function string) (int64, error) {
	if err := r.permit(HostSysTime, ictx, zome, function); err != nil {
		return 0, err
	}
	return time.Now().UnixNano(), nil
}

// AgentInfo reports the cell's own agent key.
func (r *Ribosome) AgentInfo(ictx InvocationContext, zome, function string) (holo.Agent, error) {
	if err := r.permit(HostAgentInfo, ictx, zome, function); err != nil {
		return holo.Agent{}, err
	}
	return r.Agent, nil
}

// DnaInfo reports the cell's DNA hash.
func (r *Ribosome) DnaInfo(ictx InvocationContext, zome, function string) (holo.Hash, error) {
	if err := r.permit(HostDnaInfo, ictx, zome, function); err != nil {
		return holo.Hash{}, err
	}
	return r.DnaHash, nil
}

// ZomeInfo reports the cell's integrity/coordinator zome names.
func (r *Ribosome) ZomeInfo(ictx InvocationContext, zome, function string) ([]string, error) {
	if err := r.permit(HostZomeInfo, ictx, zome, function); err != nil {
		return nil, err
	}
	return r.ZomeNames, nil
}

// X25519XSalsa20Poly1305Encrypt seals plaintext for recipientPub using the
// cell's agent key's derived X25519 keypair (NaCl box: X25519 key
// agreement, XSalsa20 stream cipher, Poly1305 MAC -- exactly the spec's
// named primitive triple).
func (r *Ribosome) X25519XSalsa20Poly1305Encrypt(ictx InvocationContext, zome, function string, senderPriv *[32]byte, recipientPub *[32]byte, plaintext []byte) ([]byte, error) {
	if err := r.permit(HostX25519XSalsa20Poly1305Encrypt, ictx, zome, function); err != nil {
		return nil, err
	}
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("ribosome: encrypt: generate nonce: %w", err)
	}
	sealed := box.Seal(nonce[:], plaintext, &nonce, recipientPub, senderPriv)
	return sealed, nil
}

// X25519XSalsa20Poly1305Decrypt opens a box.Seal'd ciphertext whose first
// 24 bytes are the nonce.
func (r *Ribosome) X25519XSalsa20Poly1305Decrypt(ictx InvocationContext, zome, function string, senderPub *[32]byte, recipientPriv *[32]byte, sealed []byte) ([]byte, error) {
	if err := r.permit(HostX25519XSalsa20Poly1305Decrypt, ictx, zome, function); err != nil {
		return nil, err
	}
	if len(sealed) < 24 {
		return nil, fmt.Errorf("ribosome: decrypt: ciphertext shorter than nonce")
	}
	var nonce [24]byte
	copy(nonce[:], sealed[:24])
	plaintext, ok := box.Open(nil, sealed[24:], &nonce, senderPub, recipientPriv)
	if !ok {
		return nil, fmt.Errorf("ribosome: decrypt: authentication failed")
	}
	return plaintext, nil
}

// CallRemote invokes a zome function on target via the cell's Dispatcher.
func (r *Ribosome) CallRemote(ctx context.Context, ictx InvocationContext, zome, function string, target holo.Agent, remoteZome, remoteFunction string, payload []byte) ([]byte, error) {
	if err := r.permit(HostCallRemote, ictx, zome, function); err != nil {
		return nil, err
	}
	if r.Dispatcher == nil {
		return nil, fmt.Errorf("ribosome: call_remote: no dispatcher configured")
	}
	return r.Dispatcher.CallRemote(ctx, target, remoteZome, remoteFunction, payload)
}

// RemoteSignal fires a best-effort signal at targets via the Dispatcher.
func (r *Ribosome) RemoteSignal(ctx context.Context, ictx InvocationContext, zome, function string, targets []holo.Agent, payload []byte) error {
	if err := r.permit(HostRemoteSignal, ictx, zome, function); err != nil {
		return err
	}
	if r.Dispatcher == nil {
		return fmt.Errorf("ribosome: remote_signal: no dispatcher configured")
	}
	return r.Dispatcher.RemoteSignal(ctx, targets, payload)
}

// EmitSignal surfaces payload to the conductor's local signal subscribers.
func (r *Ribosome) EmitSignal(ictx InvocationContext, zome, function string, payload []byte) error {
	if err := r.permit(HostEmitSignal, ictx, zome, function); err != nil {
		return err
	}
	if r.Dispatcher == nil {
		return fmt.Errorf("ribosome: emit_signal: no dispatcher configured")
	}
	r.Dispatcher.EmitSignal(payload)
	return nil
}
