package holo

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// Visibility controls whether an entry is ever carried onto the DHT.
type Visibility uint8

const (
	Public Visibility = iota
	Private
)

// EntryKind discriminates the entry variants named in the data model.
type EntryKind uint8

const (
	EntryApp EntryKind = iota
	EntryAgentKey
	EntryCapGrant
	EntryCapClaim
	EntryCounterSign
)

// CapAccess describes who may exercise a capability grant.
type CapAccess uint8

const (
	CapAccessUnrestricted CapAccess = iota
	CapAccessTransferable
	CapAccessAssigned
)

// CapGrant is the content of a capability-grant entry.
type CapGrant struct {
	Tag       string
	Access    CapAccess
	Functions []GrantedFunction
	Assignees []Agent // only meaningful when Access == CapAccessAssigned
}

// GrantedFunction names one (zome, function) pair a grant authorizes.
type GrantedFunction struct {
	Zome     string
	Function string
}

// CapClaim is the content of a capability-claim entry: the claimant's record
// of a secret issued by a grantor.
type CapClaim struct {
	Tag       string
	Grantor   Agent
	CapSecret [32]byte
}

// CounterSignPayload is the entry content shared by countersigning
// participants prior to each producing a matching, cross-signed action.
type CounterSignPayload struct {
	SessionStart  int64
	SessionEnd    int64
	Signers       []Agent
	PreflightHash Hash
}

// Entry is a content-addressed blob. EntryTypeIndex and Visibility are only
// meaningful for EntryApp; other kinds carry fixed system semantics.
type Entry struct {
	Kind           EntryKind
	EntryTypeIndex uint32
	Visibility     Visibility
	AppBytes       []byte       `gob:",omitempty"`
	AgentKey       Agent        `gob:",omitempty"`
	CapGrant       *CapGrant    `gob:",omitempty"`
	CapClaim       *CapClaim    `gob:",omitempty"`
	CounterSign    *CounterSignPayload `gob:",omitempty"`
}

// CanonicalBytes returns the deterministic encoding an Entry is hashed over.
// gob is deterministic for a fixed, map-free struct shape, which Entry is.
func (e Entry) CanonicalBytes() ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(e); err != nil {
		return nil, fmt.Errorf("holo: encode entry: %w", err)
	}
	return buf.Bytes(), nil
}

// Hash computes the content-addressed Hash of the entry (invariant (b)).
func (e Entry) Hash() (Hash, error) {
	b, err := e.CanonicalBytes()
	if err != nil {
		return Hash{}, err
	}
	return ComputeHash(HashTypeEntry, b), nil
}

// DecodeEntry reverses CanonicalBytes.
func DecodeEntry(b []byte) (Entry, error) {
	var e Entry
	dec := gob.NewDecoder(bytes.NewReader(b))
	if err := dec.Decode(&e); err != nil {
		return Entry{}, fmt.Errorf("holo: decode entry: %w", err)
	}
	return e, nil
}
