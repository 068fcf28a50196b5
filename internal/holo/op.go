package holo

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// OpType enumerates the DHT op variants of §3/§4.3.
type OpType uint8

const (
	OpStoreRecord OpType = iota
	OpStoreEntry
	OpRegisterAgentActivity
	OpRegisterUpdatedContent
	OpRegisterUpdatedRecord
	OpRegisterDeletedBy
	OpRegisterDeletedEntry
	OpRegisterCreateLink
	OpRegisterDeleteLink
	OpWarrant
)

func (t OpType) String() string {
	switch t {
	case OpStoreRecord:
		return "StoreRecord"
	case OpStoreEntry:
		return "StoreEntry"
	case OpRegisterAgentActivity:
		return "RegisterAgentActivity"
	case OpRegisterUpdatedContent:
		return "RegisterUpdatedContent"
	case OpRegisterUpdatedRecord:
		return "RegisterUpdatedRecord"
	case OpRegisterDeletedBy:
		return "RegisterDeletedBy"
	case OpRegisterDeletedEntry:
		return "RegisterDeletedEntry"
	case OpRegisterCreateLink:
		return "RegisterCreateLink"
	case OpRegisterDeleteLink:
		return "RegisterDeleteLink"
	case OpWarrant:
		return "Warrant"
	default:
		return fmt.Sprintf("OpType(%d)", uint8(t))
	}
}

// DhtOp is a causally tagged projection of an action (or a Warrant) into a
// fact replicated by the neighborhood of authorities covering Basis.
type DhtOp struct {
	Type   OpType
	Basis  uint32 // ring position its authorities must cover
	Action SignedAction
	// Entry is present only when the op carries the entry blob: omitted for
	// private entries (invariant (g)) and for op types that don't carry one.
	Entry *Entry `gob:",omitempty"`
	// Warrant is populated only when Type == OpWarrant.
	Warrant *Warrant `gob:",omitempty"`
}

// CanonicalBytes excludes the op's own signature (there is none -- ops are
// not separately signed, only the contained action is) and is the basis for
// the op's hash, per spec §6: "hash of an op is computed over its canonical
// encoding excluding the signature of the op itself but including the
// signature of the contained action."
func (op DhtOp) CanonicalBytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(op); err != nil {
		return nil, fmt.Errorf("holo: encode op: %w", err)
	}
	return buf.Bytes(), nil
}

// Hash computes the op's content-addressed identity.
func (op DhtOp) Hash() (Hash, error) {
	b, err := op.CanonicalBytes()
	if err != nil {
		return Hash{}, err
	}
	return ComputeHash(HashTypeDhtOp, b), nil
}

// DecodeOp reverses CanonicalBytes.
func DecodeOp(b []byte) (DhtOp, error) {
	var op DhtOp
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&op); err != nil {
		return DhtOp{}, fmt.Errorf("holo: decode op: %w", err)
	}
	return op, nil
}

// WarrantKind discriminates warrant variants.
type WarrantKind uint8

const (
	WarrantChainFork WarrantKind = iota
	WarrantInvalidChainOp
	WarrantInvalidAction
)

// Warrant is a signed, distributable proof of protocol violation by Subject.
type Warrant struct {
	Kind    WarrantKind
	Subject Agent
	Author  Agent // the authority that produced the warrant
	Signature Signature

	// ChainFork
	ForkSeq     uint32
	ForkAction1 Hash
	ForkAction2 Hash

	// InvalidChainOp / InvalidAction
	SubjectAction Hash
	Reason        string
}

// CanonicalBytes is the byte form signed by Author.
func (w Warrant) CanonicalBytes() ([]byte, error) {
	cp := w
	cp.Signature = Signature{}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(cp); err != nil {
		return nil, fmt.Errorf("holo: encode warrant: %w", err)
	}
	return buf.Bytes(), nil
}

// ValidationOutcome is the result of validating a single op, returned by
// both sys and app validation (§4.5/§4.6).
type ValidationOutcome uint8

const (
	Valid ValidationOutcome = iota
	Rejected
	AwaitingDependency
)

// ValidationReceipt is a validator's signed attestation of having validated
// a specific op with a specific outcome at a specific time.
type ValidationReceipt struct {
	OpHash    Hash
	Validator Agent
	Outcome   ValidationOutcome
	Timestamp int64
	Signature Signature
}
