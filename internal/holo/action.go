package holo

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"time"
)

// ActionKind discriminates the action variants of the data model.
type ActionKind uint8

const (
	ActionDna ActionKind = iota
	ActionAgentValidationPkg
	ActionInitZomesComplete
	ActionCreate
	ActionUpdate
	ActionDelete
	ActionCreateLink
	ActionDeleteLink
	ActionOpenChain
	ActionCloseChain
)

func (k ActionKind) String() string {
	switch k {
	case ActionDna:
		return "Dna"
	case ActionAgentValidationPkg:
		return "AgentValidationPkg"
	case ActionInitZomesComplete:
		return "InitZomesComplete"
	case ActionCreate:
		return "Create"
	case ActionUpdate:
		return "Update"
	case ActionDelete:
		return "Delete"
	case ActionCreateLink:
		return "CreateLink"
	case ActionDeleteLink:
		return "DeleteLink"
	case ActionOpenChain:
		return "OpenChain"
	case ActionCloseChain:
		return "CloseChain"
	default:
		return fmt.Sprintf("ActionKind(%d)", uint8(k))
	}
}

// Action is the unit of source-chain growth. Not every field applies to
// every Kind; §4.3's op-derivation table and §4.5's sys-validation rules
// define which fields are meaningful for which Kind.
type Action struct {
	Kind       ActionKind
	Author     Agent
	Timestamp  int64 // unix nanos; strictly monotonic across an agent's chain
	ActionSeq  uint32
	PrevAction Hash // zero value for ActionSeq == 0

	// Dna
	DnaHash Hash

	// Create / Update
	EntryType uint32
	EntryHash Hash

	// Update
	OriginalAction Hash
	OriginalEntry  Hash

	// Delete
	DeletesAction Hash
	DeletesEntry  Hash

	// CreateLink
	Base      Hash
	Target    Hash
	ZomeIndex uint8
	LinkType  uint8
	Tag       []byte

	// DeleteLink
	CreateLinkAction Hash
}

// ErrPrevActionCycle guards against a prev_action pointing forward or at
// itself, which would make the chain non-linear (spec §9 design note).
var ErrPrevActionCycle = errors.New("holo: prev_action does not precede action_seq")

// CanonicalBytes is the deterministic byte form an Action is hashed and
// signed over. gob encoding of this fixed, map-free struct is deterministic.
func (a Action) CanonicalBytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(a); err != nil {
		return nil, fmt.Errorf("holo: encode action: %w", err)
	}
	return buf.Bytes(), nil
}

// Hash computes the content-addressed Hash of the action (invariant (a)).
func (a Action) Hash() (Hash, error) {
	b, err := a.CanonicalBytes()
	if err != nil {
		return Hash{}, err
	}
	return ComputeHash(HashTypeAction, b), nil
}

// DecodeAction reverses CanonicalBytes.
func DecodeAction(b []byte) (Action, error) {
	var a Action
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&a); err != nil {
		return Action{}, fmt.Errorf("holo: decode action: %w", err)
	}
	return a, nil
}

// Signature is a detached Ed25519 signature.
type Signature [64]byte

// SignedAction pairs an action with its author's signature over
// Action.CanonicalBytes(), matching invariant (c): "every op carries a
// signature verifiable against its author's public key".
type SignedAction struct {
	Action    Action
	Signature Signature
}

// Hash convenience-forwards to the wrapped action's hash.
func (sa SignedAction) Hash() (Hash, error) {
	return sa.Action.Hash()
}

// NewTimestamp returns the current time as the unix-nanos form Action.Timestamp uses.
func NewTimestamp() int64 {
	return time.Now().UnixNano()
}
