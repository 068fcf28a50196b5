// Package dhtstore implements the indexed op store described in spec §4.2:
// every op this node is authority for, plus an eviction-bounded cache of ops
// fetched on demand by the Cascade. Durable storage uses go.etcd.io/bbolt
// (same embedded-KV idiom as internal/journal); the fetch cache uses
// hashicorp/golang-lru, both carried by the pack's validator-style repos.
package dhtstore

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	bolt "go.etcd.io/bbolt"

	"github.com/holo/conductor/internal/holo"
)

// Stage is a DHT op's position in the validation pipeline (§4.2).
type Stage uint8

const (
	StagePending Stage = iota
	StageAwaitingSysDeps
	StageAwaitingAppDeps
	StageIntegrated
	StageRejected
	StageAbandoned
)

func (s Stage) rank() int {
	// Used to enforce "insert_op never makes an op's stage regress".
	switch s {
	case StagePending:
		return 0
	case StageAwaitingSysDeps:
		return 1
	case StageAwaitingAppDeps:
		return 2
	case StageIntegrated, StageRejected, StageAbandoned:
		return 3
	default:
		return 0
	}
}

// Source names where an op came from, per §4.2.
type Source uint8

const (
	SourceAuthored Source = iota
	SourceGossiped
	SourceFetched
	SourcePublishedIn
)

// Record is a stored op plus its pipeline metadata.
type Record struct {
	Op                 holo.DhtOp
	Source             Source
	Stage              Stage
	AuthoredTimestamp  int64
	IntegratedAt       int64 // unix nanos, zero until integrated
	SysValidationTries int
	PublishedAt        int64 // unix nanos, zero until internal/publish has pushed it
}

var (
	bucketOps      = []byte("ops")       // op hash -> gob(Record)
	bucketByBasis  = []byte("by_basis")  // basis(BE u32) + op hash -> nil
	bucketByAuthor = []byte("by_author") // author bytes + op hash -> nil
	bucketByTime   = []byte("by_time")   // time(BE i64) + op hash -> nil
)

// Store is the authority's indexed op store plus a bounded fetch cache.
type Store struct {
	db    *bolt.DB
	cache *lru.Cache[holo.Hash, Record]
}

// Open opens (creating if absent) the bbolt database at path, with a cache
// of cacheSize recently fetched ops.
func Open(path string, cacheSize int) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("dhtstore: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketOps, bucketByBasis, bucketByAuthor, bucketByTime} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("dhtstore: init buckets: %w", err)
	}
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	cache, err := lru.New[holo.Hash, Record](cacheSize)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, cache: cache}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func be32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func be64(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

func indexKey(prefix []byte, hash holo.Hash) []byte {
	return append(append([]byte{}, prefix...), hash.Bytes()...)
}

// InsertOp stores op at initialStage from source. It is a benign no-op if
// the op is already present at an equal-or-later stage (§4.2).
func (s *Store) InsertOp(op holo.DhtOp, source Source, initialStage Stage) error {
	h, err := op.Hash()
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		ob := tx.Bucket(bucketOps)
		existing := ob.Get(h.Bytes())
		if existing != nil {
			var rec Record
			if err := gob.NewDecoder(bytes.NewReader(existing)).Decode(&rec); err != nil {
				return err
			}
			if rec.Stage.rank() >= initialStage.rank() {
				return nil // no-op: never regress
			}
		}
		rec := Record{Op: op, Source: source, Stage: initialStage, AuthoredTimestamp: op.Action.Action.Timestamp}
		if err := putRecord(tx, h, rec); err != nil {
			return err
		}
		return indexRecord(tx, h, rec)
	})
}

func putRecord(tx *bolt.Tx, h holo.Hash, rec Record) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
		return err
	}
	return tx.Bucket(bucketOps).Put(h.Bytes(), buf.Bytes())
}

func indexRecord(tx *bolt.Tx, h holo.Hash, rec Record) error {
	if err := tx.Bucket(bucketByBasis).Put(indexKey(be32(rec.Op.Basis), h), []byte{1}); err != nil {
		return err
	}
	if err := tx.Bucket(bucketByAuthor).Put(indexKey(rec.Op.Action.Action.Author.Bytes(), h), []byte{1}); err != nil {
		return err
	}
	if err := tx.Bucket(bucketByTime).Put(indexKey(be64(rec.AuthoredTimestamp), h), []byte{1}); err != nil {
		return err
	}
	return nil
}

// SetStage transitions op's stage, refusing regressions except the
// abandoned-via-warrant exception for an already-integrated op (§4.2).
func (s *Store) SetStage(h holo.Hash, stage Stage) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		ob := tx.Bucket(bucketOps)
		raw := ob.Get(h.Bytes())
		if raw == nil {
			return fmt.Errorf("dhtstore: unknown op %s", h)
		}
		var rec Record
		if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&rec); err != nil {
			return err
		}
		if rec.Stage == stage {
			return nil // already at this stage: nothing to do
		}
		if rec.Stage == StageIntegrated && stage != StageAbandoned {
			return fmt.Errorf("dhtstore: integrated op %s is terminal except via warrant-abandon", h)
		}
		if rec.Stage.rank() > stage.rank() && stage != StageAbandoned {
			return fmt.Errorf("dhtstore: refusing to regress op %s from stage %d to %d", h, rec.Stage, stage)
		}
		rec.Stage = stage
		if stage == StageIntegrated {
			rec.IntegratedAt = time.Now().UnixNano()
		}
		return putRecord(tx, h, rec)
	})
}

// MarkPublished records that this authored op has been pushed to its
// covering authorities (§4.9), without touching its pipeline stage.
func (s *Store) MarkPublished(h holo.Hash, at int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		ob := tx.Bucket(bucketOps)
		raw := ob.Get(h.Bytes())
		if raw == nil {
			return fmt.Errorf("dhtstore: unknown op %s", h)
		}
		var rec Record
		if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&rec); err != nil {
			return err
		}
		rec.PublishedAt = at
		return putRecord(tx, h, rec)
	})
}

// IncrementSysValidationTries bumps the retry counter used to cap
// AwaitingDependency spinning (§4.5), returning the new count.
func (s *Store) IncrementSysValidationTries(h holo.Hash) (int, error) {
	var n int
	err := s.db.Update(func(tx *bolt.Tx) error {
		ob := tx.Bucket(bucketOps)
		raw := ob.Get(h.Bytes())
		if raw == nil {
			return fmt.Errorf("dhtstore: unknown op %s", h)
		}
		var rec Record
		if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&rec); err != nil {
			return err
		}
		rec.SysValidationTries++
		n = rec.SysValidationTries
		return putRecord(tx, h, rec)
	})
	return n, err
}

// Get fetches a single op's record by hash, checking the cache first.
func (s *Store) Get(h holo.Hash) (Record, bool, error) {
	if rec, ok := s.cache.Get(h); ok {
		return rec, true, nil
	}
	var rec Record
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketOps).Get(h.Bytes())
		if raw == nil {
			return nil
		}
		found = true
		return gob.NewDecoder(bytes.NewReader(raw)).Decode(&rec)
	})
	return rec, found, err
}

// CacheFetched records a remotely-fetched op in the bounded LRU cache
// without touching durable storage, backing the Cascade's "fetched" path.
func (s *Store) CacheFetched(op holo.DhtOp) error {
	h, err := op.Hash()
	if err != nil {
		return err
	}
	s.cache.Add(h, Record{Op: op, Source: SourceFetched, Stage: StageIntegrated, AuthoredTimestamp: op.Action.Action.Timestamp, IntegratedAt: time.Now().UnixNano()})
	return nil
}

// Filter selects integrated ops for QueryIntegrated.
type Filter struct {
	OpType    *holo.OpType
	BasisLo   uint32
	BasisHi   uint32
	HasBasis  bool
	TimeFrom  int64
	TimeTo    int64
	HasTime   bool
	Author    *holo.Hash
}

// HashedRecord pairs a Record with the op hash it is stored under, for
// callers that need to call SetStage on what they find.
type HashedRecord struct {
	Hash   holo.Hash
	Record Record
}

// ScanStage returns every op currently at stage, for the workflow triggers
// that drive ops through the pipeline (§4.12). Unlike QueryIntegrated this
// is not filtered beyond stage, since each pipeline stage's own trigger
// knows what to do with everything it finds there.
func (s *Store) ScanStage(stage Stage) ([]HashedRecord, error) {
	var out []HashedRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketOps).ForEach(func(k, raw []byte) error {
			var rec Record
			if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&rec); err != nil {
				return err
			}
			if rec.Stage != stage {
				return nil
			}
			h, err := holo.HashFromBytes(k)
			if err != nil {
				return err
			}
			out = append(out, HashedRecord{Hash: h, Record: rec})
			return nil
		})
	})
	return out, err
}

// getRecordTx decodes the Record stored under op hash h inside tx, or
// reports found=false if no such op is known.
func getRecordTx(tx *bolt.Tx, h []byte) (rec Record, found bool, err error) {
	raw := tx.Bucket(bucketOps).Get(h)
	if raw == nil {
		return Record{}, false, nil
	}
	err = gob.NewDecoder(bytes.NewReader(raw)).Decode(&rec)
	return rec, err == nil, err
}

// timeRangeScan walks bucketByTime's keys (time(BE i64) + hash) in
// [from,to], loading each candidate's Record from bucketOps and invoking
// visit. It stops early if visit returns false.
func timeRangeScan(tx *bolt.Tx, from, to int64, visit func(Record) (more bool, err error)) error {
	c := tx.Bucket(bucketByTime).Cursor()
	lo := be64(from)
	hiKey := be64(to)
	for k, _ := c.Seek(lo); k != nil; k, _ = c.Next() {
		if bytes.Compare(k[:8], hiKey) > 0 {
			break
		}
		rec, found, err := getRecordTx(tx, k[8:])
		if err != nil {
			return err
		}
		if !found {
			continue
		}
		more, err := visit(rec)
		if err != nil {
			return err
		}
		if !more {
			break
		}
	}
	return nil
}

// authorPrefixScan walks bucketByAuthor's keys (author bytes + hash) whose
// leading bytes equal author, loading each candidate's Record and invoking
// visit.
func authorPrefixScan(tx *bolt.Tx, author []byte, visit func(Record) error) error {
	c := tx.Bucket(bucketByAuthor).Cursor()
	for k, _ := c.Seek(author); k != nil && bytes.HasPrefix(k, author); k, _ = c.Next() {
		rec, found, err := getRecordTx(tx, k[len(author):])
		if err != nil {
			return err
		}
		if !found {
			continue
		}
		if err := visit(rec); err != nil {
			return err
		}
	}
	return nil
}

// QueryIntegrated scans integrated ops matching filter.
//
// When filter narrows by time or author, this uses the matching bucketByTime
// or bucketByAuthor index to avoid a full table scan; a filter on OpType or
// basis alone still falls back to the full bucketOps scan. bucketByBasis is
// never used for narrowing here: Arc.Contains wraps around the ring, so
// "basis in arc" is not in general a contiguous range of the BE-u32 keys
// bucketByBasis is ordered by, and a correct range decomposition would cost
// more bolt seeks than the full scan it's meant to avoid. OpHashesIn below,
// which takes an arc directly, does the wraparound-aware filtering itself
// against whatever candidate set the time index narrows it to.
func (s *Store) QueryIntegrated(filter Filter) ([]Record, error) {
	matches := func(rec Record) bool {
		if rec.Stage != StageIntegrated {
			return false
		}
		if filter.OpType != nil && rec.Op.Type != *filter.OpType {
			return false
		}
		if filter.HasBasis && (rec.Op.Basis < filter.BasisLo || rec.Op.Basis > filter.BasisHi) {
			return false
		}
		if filter.HasTime && (rec.AuthoredTimestamp < filter.TimeFrom || rec.AuthoredTimestamp > filter.TimeTo) {
			return false
		}
		if filter.Author != nil && rec.Op.Action.Action.Author != *filter.Author {
			return false
		}
		return true
	}

	var out []Record
	err := s.db.View(func(tx *bolt.Tx) error {
		switch {
		case filter.HasTime:
			return timeRangeScan(tx, filter.TimeFrom, filter.TimeTo, func(rec Record) (bool, error) {
				if matches(rec) {
					out = append(out, rec)
				}
				return true, nil
			})
		case filter.Author != nil:
			return authorPrefixScan(tx, filter.Author.Bytes(), func(rec Record) error {
				if matches(rec) {
					out = append(out, rec)
				}
				return nil
			})
		default:
			return tx.Bucket(bucketOps).ForEach(func(_, raw []byte) error {
				var rec Record
				if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&rec); err != nil {
					return err
				}
				if matches(rec) {
					out = append(out, rec)
				}
				return nil
			})
		}
	})
	return out, err
}

// OpHashesIn returns up to limit op hashes whose basis is in arc and whose
// authored_timestamp falls in [from,to], plus the actual (possibly
// narrowed) upper bound if truncated, per §4.2. It narrows the scan with
// bucketByTime -- see QueryIntegrated's comment for why bucketByBasis isn't
// used here either, leaving arc.Contains as a post-filter on the
// time-narrowed candidates.
func (s *Store) OpHashesIn(arc holo.Arc, from, to int64, limit int) (hashes []holo.Hash, actualTo int64, err error) {
	actualTo = to
	type item struct {
		h  holo.Hash
		ts int64
	}
	var items []item
	err = s.db.View(func(tx *bolt.Tx) error {
		return timeRangeScan(tx, from, to, func(rec Record) (bool, error) {
			if rec.Stage != StageIntegrated {
				return true, nil
			}
			if !arc.Contains(rec.Op.Basis) {
				return true, nil
			}
			h, herr := rec.Op.Hash()
			if herr != nil {
				return false, herr
			}
			items = append(items, item{h: h, ts: rec.AuthoredTimestamp})
			return true, nil
		})
	})
	if err != nil {
		return nil, 0, err
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ts < items[j].ts })
	if limit > 0 && len(items) > limit {
		actualTo = items[limit-1].ts
		items = items[:limit]
	}
	for _, it := range items {
		hashes = append(hashes, it.h)
	}
	return hashes, actualTo, nil
}

// BulkFetchOps resolves a list of op hashes to their ops (cache then store),
// skipping any not found.
func (s *Store) BulkFetchOps(hs []holo.Hash) ([]holo.DhtOp, error) {
	var out []holo.DhtOp
	for _, h := range hs {
		rec, found, err := s.Get(h)
		if err != nil {
			return nil, err
		}
		if found {
			out = append(out, rec.Op)
		}
	}
	return out, nil
}
