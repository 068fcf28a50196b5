// Package activity implements the per-author activity index maintained by
// Integration (§4.7) and served by the Agent-Activity Authority (§4.10):
// fork detection and bounded chain-range queries.
package activity

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/holo/conductor/internal/holo"
)

var (
	bucketEntries  = []byte("activity_entries")  // author+BE32(seq) -> gob(entry)
	bucketForks    = []byte("activity_forks")    // author+BE32(seq) -> gob([]holo.Hash), extra action hashes at that seq
	bucketWarrants = []byte("activity_warrants") // author -> gob([]holo.Warrant)
)

type entry struct {
	ActionHash holo.Hash
	Timestamp  int64
}

// Index persists (author, action_seq) -> {action_hash, timestamp} for
// efficient agent-activity queries, per §4.7.
type Index struct {
	db *bolt.DB
}

// Open opens (creating if absent) the bbolt database backing the index.
func Open(path string) (*Index, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("activity: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketEntries, bucketForks, bucketWarrants} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Index{db: db}, nil
}

func (idx *Index) Close() error { return idx.db.Close() }

func entryKey(author holo.Agent, seq uint32) []byte {
	b := make([]byte, 0, holo.HashSize+4)
	b = append(b, author.Bytes()...)
	seqB := make([]byte, 4)
	binary.BigEndian.PutUint32(seqB, seq)
	return append(b, seqB...)
}

// Record registers a newly integrated RegisterAgentActivity op's (author,
// seq, hash, timestamp). If an entry already exists at that seq with a
// different hash, both are retained (invariant (e)) and forked=true is
// returned so the caller can construct a ChainFork warrant.
func (idx *Index) Record(author holo.Agent, seq uint32, actionHash holo.Hash, ts int64) (forked bool, existing holo.Hash, err error) {
	err = idx.db.Update(func(tx *bolt.Tx) error {
		eb := tx.Bucket(bucketEntries)
		key := entryKey(author, seq)
		raw := eb.Get(key)
		if raw == nil {
			var buf bytes.Buffer
			if err := gob.NewEncoder(&buf).Encode(entry{ActionHash: actionHash, Timestamp: ts}); err != nil {
				return err
			}
			return eb.Put(key, buf.Bytes())
		}
		var e entry
		if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&e); err != nil {
			return err
		}
		if e.ActionHash.Equal(actionHash) {
			return nil // idempotent re-integration of the same op
		}
		forked = true
		existing = e.ActionHash
		fb := tx.Bucket(bucketForks)
		var extras []holo.Hash
		if fraw := fb.Get(key); fraw != nil {
			if err := gob.NewDecoder(bytes.NewReader(fraw)).Decode(&extras); err != nil {
				return err
			}
		}
		for _, h := range extras {
			if h.Equal(actionHash) {
				return nil // already recorded as a known fork branch
			}
		}
		extras = append(extras, actionHash)
		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(extras); err != nil {
			return err
		}
		return fb.Put(key, buf.Bytes())
	})
	return
}

// AddWarrant records a warrant issued about subject, so future activity
// queries about subject can include it without a separate DHT-store scan.
func (idx *Index) AddWarrant(w holo.Warrant) error {
	return idx.db.Update(func(tx *bolt.Tx) error {
		wb := tx.Bucket(bucketWarrants)
		var warrants []holo.Warrant
		if raw := wb.Get(w.Subject.Bytes()); raw != nil {
			if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&warrants); err != nil {
				return err
			}
		}
		warrants = append(warrants, w)
		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(warrants); err != nil {
			return err
		}
		return wb.Put(w.Subject.Bytes(), buf.Bytes())
	})
}

// Warrants returns every warrant recorded about subject.
func (idx *Index) Warrants(subject holo.Agent) ([]holo.Warrant, error) {
	var warrants []holo.Warrant
	err := idx.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketWarrants).Get(subject.Bytes())
		if raw == nil {
			return nil
		}
		return gob.NewDecoder(bytes.NewReader(raw)).Decode(&warrants)
	})
	return warrants, err
}

// ChainStatus summarizes an author's chain health as seen by this authority.
type ChainStatus uint8

const (
	StatusEmpty ChainStatus = iota
	StatusValid
	StatusForked
)

func (s ChainStatus) String() string {
	switch s {
	case StatusEmpty:
		return "empty"
	case StatusValid:
		return "valid"
	case StatusForked:
		return "forked"
	default:
		return "unknown"
	}
}

// Status reports whether author's chain, as observed here, is empty, valid,
// or forked, and if forked the conflicting hashes at the lowest forked seq.
func (idx *Index) Status(author holo.Agent) (status ChainStatus, forkedSeq uint32, hashes []holo.Hash, err error) {
	err = idx.db.View(func(tx *bolt.Tx) error {
		fb := tx.Bucket(bucketForks)
		prefix := author.Bytes()
		c := fb.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var extras []holo.Hash
			if err := gob.NewDecoder(bytes.NewReader(v)).Decode(&extras); err != nil {
				return err
			}
			seq := binary.BigEndian.Uint32(k[len(prefix):])
			var e entry
			eb := tx.Bucket(bucketEntries)
			if eraw := eb.Get(k); eraw != nil {
				_ = gob.NewDecoder(bytes.NewReader(eraw)).Decode(&e)
			}
			status = StatusForked
			forkedSeq = seq
			hashes = append([]holo.Hash{e.ActionHash}, extras...)
			return nil
		}
		eb := tx.Bucket(bucketEntries)
		ec := eb.Cursor()
		for k, _ := ec.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = ec.Next() {
			status = StatusValid
			break
		}
		return nil
	})
	return
}
