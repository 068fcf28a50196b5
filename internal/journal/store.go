// Package journal implements the per-agent append-only action log and the
// shared entry blob store described in spec §4.1: the Source Chain's
// durable tail. A single bbolt database backs every agent hosted by this
// node, mirroring the "embedded transactional KV store" ambient pattern
// used across the example pack (e.g. certenIO-certen-validator's go.mod
// carries go.etcd.io/bbolt for exactly this kind of durable log).
package journal

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/holo/conductor/internal/holo"
)

var (
	// actionsBucketPrefix names one top-level bucket per agent
	// ("actions"+agentBytes), keyed within by BE uint32 seq.
	actionsBucketPrefix = []byte("actions")
	bucketEntries       = []byte("entries")    // shared, keyed by entry hash bytes
	bucketHeads         = []byte("heads")      // keyed by agent bytes
	bucketActionByHash  = []byte("action_idx") // action hash -> agent bytes + BE32(seq)
)

func agentActionsBucketName(agent holo.Hash) []byte {
	return append(append([]byte{}, actionsBucketPrefix...), agent.Bytes()...)
}

// Head is the committed tip of an agent's chain.
type Head struct {
	ActionHash holo.Hash
	ActionSeq  uint32
	Timestamp  int64
}

// HeadMovedError is returned by AppendBundle when expectedHead no longer
// matches the chain's actual head (optimistic-concurrency conflict, §4.1).
type HeadMovedError struct {
	Observed Head
	HadHead  bool
}

func (e *HeadMovedError) Error() string {
	if !e.HadHead {
		return "journal: head moved (chain now has a head, expected empty)"
	}
	return fmt.Sprintf("journal: head moved to seq=%d hash=%s", e.Observed.ActionSeq, e.Observed.ActionHash)
}

// Store is a transactional per-agent action log plus shared entry blobs.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if absent) the bbolt database at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketEntries, bucketHeads, bucketActionByHash} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: init buckets: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func seqKey(seq uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, seq)
	return b
}

// Head returns the committed tip of agent's chain, or ok=false if the agent
// has no committed actions yet. It never reflects uncommitted scratch state.
func (s *Store) Head(agent holo.Agent) (h Head, ok bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		hb := tx.Bucket(bucketHeads).Get(agent.Bytes())
		if hb == nil {
			return nil
		}
		ok = true
		return gob.NewDecoder(bytes.NewReader(hb)).Decode(&h)
	})
	return
}

type storedAction struct {
	Signed holo.SignedAction
}

// AppendBundle atomically appends actions (with their referenced entries) to
// agent's chain, iff expectedHead (ok=false means "chain must currently be
// empty") matches the chain's current head. All-or-nothing per §4.1.
func (s *Store) AppendBundle(agent holo.Agent, expectedHead Head, expectedHeadOK bool, actions []holo.SignedAction, entries []holo.Entry) error {
	if len(actions) == 0 {
		return errors.New("journal: empty bundle")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		heads := tx.Bucket(bucketHeads)
		cur, curOK, err := readHead(heads, agent)
		if err != nil {
			return err
		}
		if curOK != expectedHeadOK || (curOK && (cur.ActionHash != expectedHead.ActionHash || cur.ActionSeq != expectedHead.ActionSeq)) {
			return &HeadMovedError{Observed: cur, HadHead: curOK}
		}

		if err := validateContinuousSuffix(cur, curOK, actions); err != nil {
			return err
		}
		if err := validateEntrySet(actions, entries); err != nil {
			return err
		}

		ab, err := tx.CreateBucketIfNotExists(agentActionsBucketName(agent))
		if err != nil {
			return err
		}
		idx := tx.Bucket(bucketActionByHash)
		for _, sa := range actions {
			var buf bytes.Buffer
			if err := gob.NewEncoder(&buf).Encode(storedAction{Signed: sa}); err != nil {
				return err
			}
			if err := ab.Put(seqKey(sa.Action.ActionSeq), buf.Bytes()); err != nil {
				return err
			}
			ah, err := sa.Hash()
			if err != nil {
				return err
			}
			loc := append(append([]byte{}, agent.Bytes()...), seqKey(sa.Action.ActionSeq)...)
			if err := idx.Put(ah.Bytes(), loc); err != nil {
				return err
			}
		}

		eb := tx.Bucket(bucketEntries)
		for _, e := range entries {
			eh, err := e.Hash()
			if err != nil {
				return err
			}
			canon, err := e.CanonicalBytes()
			if err != nil {
				return err
			}
			if err := eb.Put(eh.Bytes(), canon); err != nil {
				return err
			}
		}

		last := actions[len(actions)-1]
		lastHash, err := last.Hash()
		if err != nil {
			return err
		}
		newHead := Head{ActionHash: lastHash, ActionSeq: last.Action.ActionSeq, Timestamp: last.Action.Timestamp}
		var hb bytes.Buffer
		if err := gob.NewEncoder(&hb).Encode(newHead); err != nil {
			return err
		}
		return heads.Put(agent.Bytes(), hb.Bytes())
	})
}

func readHead(heads *bolt.Bucket, agent holo.Agent) (Head, bool, error) {
	raw := heads.Get(agent.Bytes())
	if raw == nil {
		return Head{}, false, nil
	}
	var h Head
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&h); err != nil {
		return Head{}, false, err
	}
	return h, true, nil
}

// validateContinuousSuffix enforces that actions form a continuous,
// correctly-linked suffix of the chain starting right after cur (§3, §4.1).
func validateContinuousSuffix(cur Head, curOK bool, actions []holo.SignedAction) error {
	expectSeq := uint32(0)
	var expectPrevHash holo.Hash
	expectTimestamp := int64(-1 << 62)
	if curOK {
		expectSeq = cur.ActionSeq + 1
		expectPrevHash = cur.ActionHash
		expectTimestamp = cur.Timestamp
	}
	for i, sa := range actions {
		a := sa.Action
		if a.ActionSeq != expectSeq {
			return fmt.Errorf("journal: bundle action %d has seq %d, expected %d", i, a.ActionSeq, expectSeq)
		}
		if expectSeq == 0 {
			if !a.PrevAction.IsZero() {
				return errors.New("journal: genesis action must have no prev_action")
			}
		} else if !a.PrevAction.Equal(expectPrevHash) {
			return fmt.Errorf("journal: bundle action %d prev_action does not match preceding action", i)
		}
		if a.Timestamp <= expectTimestamp {
			return fmt.Errorf("journal: bundle action %d timestamp %d not strictly after %d", i, a.Timestamp, expectTimestamp)
		}
		h, err := sa.Hash()
		if err != nil {
			return err
		}
		expectSeq++
		expectPrevHash = h
		expectTimestamp = a.Timestamp
	}
	return nil
}

// validateEntrySet enforces that entries is exactly the set referenced by
// create/update actions in the bundle (§4.1).
func validateEntrySet(actions []holo.SignedAction, entries []holo.Entry) error {
	needed := map[holo.Hash]bool{}
	for _, sa := range actions {
		switch sa.Action.Kind {
		case holo.ActionCreate, holo.ActionUpdate:
			if sa.Action.EntryHash.IsZero() {
				continue // private or entryless variant shouldn't set EntryHash to zero in practice, but guard anyway
			}
			needed[sa.Action.EntryHash] = true
		}
	}
	provided := map[holo.Hash]bool{}
	for _, e := range entries {
		eh, err := e.Hash()
		if err != nil {
			return err
		}
		provided[eh] = true
	}
	for h := range needed {
		if !provided[h] {
			return fmt.Errorf("journal: bundle missing entry %s referenced by a create/update action", h)
		}
	}
	for h := range provided {
		if !needed[h] {
			return fmt.Errorf("journal: bundle provides entry %s not referenced by any action", h)
		}
	}
	return nil
}

// ErrSeqGap is returned by Range when a requested seq is missing.
var ErrSeqGap = errors.New("journal: requested range has a missing seq")

// Range returns the dense [lo, hi] slice of an agent's chain.
func (s *Store) Range(agent holo.Agent, lo, hi uint32) ([]holo.SignedAction, error) {
	if hi < lo {
		return nil, fmt.Errorf("journal: invalid range [%d,%d]", lo, hi)
	}
	var out []holo.SignedAction
	err := s.db.View(func(tx *bolt.Tx) error {
		ab := tx.Bucket(agentActionsBucketName(agent))
		if ab == nil {
			return ErrSeqGap
		}
		for seq := lo; seq <= hi; seq++ {
			raw := ab.Get(seqKey(seq))
			if raw == nil {
				return ErrSeqGap
			}
			var st storedAction
			if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&st); err != nil {
				return err
			}
			out = append(out, st.Signed)
			if seq == ^uint32(0) {
				break // avoid overflow wraparound on hi == max uint32
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetAction fetches a locally authored action by its own hash, using the
// action-hash index populated by AppendBundle.
func (s *Store) GetAction(h holo.Hash) (holo.SignedAction, bool, error) {
	var out holo.SignedAction
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		loc := tx.Bucket(bucketActionByHash).Get(h.Bytes())
		if loc == nil {
			return nil
		}
		agentBytes, seqBytes := loc[:holo.HashSize], loc[holo.HashSize:]
		var agent holo.Hash
		copy(agent[:], agentBytes)
		ab := tx.Bucket(agentActionsBucketName(agent))
		if ab == nil {
			return nil
		}
		raw := ab.Get(seqBytes)
		if raw == nil {
			return nil
		}
		var st storedAction
		if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&st); err != nil {
			return err
		}
		out = st.Signed
		found = true
		return nil
	})
	return out, found, err
}

// GetEntry fetches an entry blob by hash.
func (s *Store) GetEntry(h holo.Hash) (holo.Entry, bool, error) {
	var out holo.Entry
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketEntries).Get(h.Bytes())
		if raw == nil {
			return nil
		}
		found = true
		e, err := holo.DecodeEntry(raw)
		if err != nil {
			return err
		}
		out = e
		return nil
	})
	return out, found, err
}
