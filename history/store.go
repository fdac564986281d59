// Package history persists an append-only audit log of finished
// transfers, backing the console's "status" command.
package history

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

var historyBucket = []byte("history")

// Outcome is the result of one finished transfer attempt.
type Outcome string

const (
	OutcomeSuccess Outcome = "SUCCESS"
	OutcomeFailure Outcome = "ERROR"
)

// Record is one finished transfer: a single file, moved (or attempted)
// from one SyncPair's source to its target. Unlike the teacher's
// JobRecord, a Record is never mutated in place - each attempt gets
// its own sequence number, since spec.md's jobs have no resumable
// partial-progress state to checkpoint.
type Record struct {
	Seq       uint64    `json:"seq"`
	PairKey   string    `json:"pair_key"`
	Filename  string    `json:"filename"`
	Outcome   Outcome   `json:"outcome"`
	Bytes     int64     `json:"bytes"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Store is the persistence interface the dispatcher's "status" command
// and the optional TUI read from.
type Store interface {
	Append(rec Record) error
	Recent(pairKey string, n int) ([]Record, error)
	Close() error
}

// BoltStore is a Store backed by bbolt, the teacher's choice of
// embedded key-value store - kept as a direct dependency and
// repurposed from tracking in-flight migration jobs to an append-only
// transfer ledger.
type BoltStore struct {
	db *bbolt.DB
}

// NewBoltStore opens (creating if necessary) a BoltStore at path.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(historyBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create history bucket: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// Append assigns the next sequence number to rec and persists it.
func (s *BoltStore) Append(rec Record) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(historyBucket)

		seq, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to allocate sequence: %w", err)
		}
		rec.Seq = seq
		if rec.Timestamp.IsZero() {
			rec.Timestamp = time.Now()
		}

		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal record: %w", err)
		}

		return b.Put(seqKey(seq), data)
	})
}

// Recent returns up to n of the most recent records for pairKey, newest
// first. n <= 0 means unlimited.
func (s *BoltStore) Recent(pairKey string, n int) ([]Record, error) {
	var out []Record

	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(historyBucket)
		c := b.Cursor()

		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("failed to unmarshal record: %w", err)
			}
			if pairKey != "" && rec.PairKey != pairKey {
				continue
			}
			out = append(out, rec)
			if n > 0 && len(out) >= n {
				break
			}
		}
		return nil
	})

	return out, err
}

// Close closes the underlying database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}
