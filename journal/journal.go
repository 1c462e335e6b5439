// Package journal is the engine's durable local state: the dead-letter log,
// the consistency report history and per-table delivery checkpoints, all kept
// in a single Pebble database.
//
// Key prefixes:
//
//	/deadletter/{seq:016x}                -> msgpack(DeadLetter)
//	/consistency/{unixnano:020d}/{table}  -> msgpack(ReportRecord)
//	/checkpoint/{table}                   -> uint64 (last terminal sequence)
//	/meta/deadletter_seq                  -> uint64 (highest dead-letter seq issued)
package journal

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/rs/zerolog/log"
)

// Key prefixes for Pebble storage
const (
	prefixDeadLetter  = "/deadletter/"
	prefixConsistency = "/consistency/"
	prefixCheckpoint  = "/checkpoint/"

	keyDeadLetterSeq = "/meta/deadletter_seq"
)

// Pebble configuration constants
const (
	memTableSize             = 16 << 20 // 16MB
	l0CompactionThreshold    = 2
	l0StopWritesThreshold    = 12
	maxConcurrentCompactions = 2
)

// Journal is safe for concurrent use. Appends from many table workers share
// one atomic sequence and never overwrite each other.
type Journal struct {
	db   *pebble.DB
	path string

	appendMu      sync.Mutex // Orders seq allocation with its high-water write
	deadLetterSeq atomic.Uint64
	closed        atomic.Bool
}

// Open creates or opens the journal under {dataDir}/journal
func Open(dataDir string) (*Journal, error) {
	path := filepath.Join(dataDir, "journal")

	opts := &pebble.Options{
		MemTableSize:             memTableSize,
		L0CompactionThreshold:    l0CompactionThreshold,
		L0StopWritesThreshold:    l0StopWritesThreshold,
		MaxConcurrentCompactions: func() int { return maxConcurrentCompactions },
	}

	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal at %s: %w", path, err)
	}

	j := &Journal{db: db, path: path}
	if err := j.loadDeadLetterSeq(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load dead-letter sequence: %w", err)
	}

	return j, nil
}

// loadDeadLetterSeq resumes numbering after the highest sequence ever issued.
// The high-water key outlives deleted records, so a replayed and removed
// dead letter never has its sequence handed out again.
func (j *Journal) loadDeadLetterSeq() error {
	highWater, err := j.readUint64([]byte(keyDeadLetterSeq))
	if err != nil {
		return err
	}

	prefix := []byte(prefixDeadLetter)
	iter, err := j.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	var last uint64
	if iter.Last() {
		if _, err := fmt.Sscanf(string(iter.Key()[len(prefix):]), "%016x", &last); err != nil {
			return fmt.Errorf("corrupted dead-letter key %q: %w", iter.Key(), err)
		}
	} else if err := iter.Error(); err != nil {
		return err
	}

	seq := max(highWater, last)
	j.deadLetterSeq.Store(seq)

	log.Info().Uint64("last_seq", seq).Msg("Loaded dead-letter journal")
	return nil
}

// readUint64 returns the 8-byte value under key, 0 if absent
func (j *Journal) readUint64(key []byte) (uint64, error) {
	val, closer, err := j.db.Get(key)
	if err == pebble.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer closer.Close()

	if len(val) != 8 {
		return 0, fmt.Errorf("invalid value length %d for %s", len(val), key)
	}
	return binary.LittleEndian.Uint64(val), nil
}

func encodeUint64(v uint64) []byte {
	val := make([]byte, 8)
	binary.LittleEndian.PutUint64(val, v)
	return val
}

// SaveCheckpoint records the last sequence that reached a terminal state on
// every sink for the table.
func (j *Journal) SaveCheckpoint(table string, seq uint64) error {
	if j.closed.Load() {
		return fmt.Errorf("journal is closed")
	}

	if err := j.db.Set([]byte(prefixCheckpoint+table), encodeUint64(seq), pebble.Sync); err != nil {
		return fmt.Errorf("failed to save checkpoint for %s: %w", table, err)
	}
	return nil
}

// Checkpoint returns the stored checkpoint for the table, 0 if none
func (j *Journal) Checkpoint(table string) (uint64, error) {
	if j.closed.Load() {
		return 0, fmt.Errorf("journal is closed")
	}

	seq, err := j.readUint64([]byte(prefixCheckpoint + table))
	if err != nil {
		return 0, fmt.Errorf("failed to read checkpoint for %s: %w", table, err)
	}
	return seq, nil
}

// Close closes the Pebble database
func (j *Journal) Close() error {
	if !j.closed.CompareAndSwap(false, true) {
		return fmt.Errorf("journal already closed")
	}
	return j.db.Close()
}

// prefixUpperBound returns the upper bound for a prefix scan
func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end
		}
	}
	return nil // Prefix is all 0xff
}
