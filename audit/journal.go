// Package audit persists every committed pool event as a sequenced,
// checksummed record so operators can replay or verify the full mutation
// history of a deployment.
package audit

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"lukechampine.com/blake3"

	"stablelend/events"
	"stablelend/observability"
	"stablelend/storage"
)

var (
	// ErrChecksumMismatch signals a stored record whose payload does not
	// match its checksum.
	ErrChecksumMismatch = errors.New("audit: record checksum mismatch")
	// ErrSequenceGap signals a hole in the stored sequence numbers.
	ErrSequenceGap = errors.New("audit: sequence gap")
)

// maxBatch bounds how many records a single read returns.
const maxBatch = 1_000

var keyPrefix = []byte("evt/")

// Record is one committed event with its position in the stream. Timestamp
// is unix nanoseconds at append time.
type Record struct {
	Sequence   uint64            `json:"sequence"`
	Timestamp  int64             `json:"timestamp"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	Checksum   string            `json:"checksum"`
}

// Journal appends committed events to a key-value store under big-endian
// sequence keys, so lexical key order and commit order coincide. Sequences
// start at one and never repeat; records are never rewritten.
type Journal struct {
	mu      sync.Mutex
	db      storage.Database
	log     *slog.Logger
	nowFn   func() int64
	nextSeq uint64
}

// New opens a journal over the database, resuming the sequence counter after
// any records already present.
func New(db storage.Database, log *slog.Logger) (*Journal, error) {
	if log == nil {
		log = slog.Default()
	}
	j := &Journal{
		db:      db,
		log:     log.With("component", "audit"),
		nowFn:   func() int64 { return time.Now().UnixNano() },
		nextSeq: 1,
	}
	var last uint64
	err := db.Iterate(keyPrefix, func(key, value []byte) bool {
		if seq, ok := seqFromKey(key); ok && seq > last {
			last = seq
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("audit: scan journal: %w", err)
	}
	j.nextSeq = last + 1
	return j, nil
}

// SetNowFunc overrides the timestamp source. Primarily for tests.
func (j *Journal) SetNowFunc(now func() int64) {
	if j == nil || now == nil {
		return
	}
	j.mu.Lock()
	j.nowFn = now
	j.mu.Unlock()
}

// Append persists the payload as the next record and returns it.
func (j *Journal) Append(p events.Payload) (Record, error) {
	if p == nil {
		return Record{}, fmt.Errorf("audit: nil payload")
	}
	evt := p.Event()
	if evt == nil {
		return Record{}, fmt.Errorf("audit: payload %q rendered no event", p.EventType())
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	rec := Record{
		Sequence:   j.nextSeq,
		Timestamp:  j.nowFn(),
		Type:       evt.Type,
		Attributes: evt.Attributes,
	}
	rec.Checksum = checksum(rec)
	buf, err := json.Marshal(rec)
	if err != nil {
		return Record{}, fmt.Errorf("audit: encode record: %w", err)
	}
	if err := j.db.Put(seqKey(rec.Sequence), buf); err != nil {
		return Record{}, fmt.Errorf("audit: persist record %d: %w", rec.Sequence, err)
	}
	j.nextSeq++
	return rec, nil
}

// Emit satisfies events.Emitter. The journal is the durable leg of the
// emitter chain; persistence failures are logged rather than unwinding the
// already committed state transition.
func (j *Journal) Emit(p events.Payload) {
	_, err := j.Append(p)
	observability.Audit().RecordAppend(err)
	if err != nil {
		j.log.Error("journal append failed", "err", err)
	}
}

// NextSequence returns the sequence the next record will receive.
func (j *Journal) NextSequence() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.nextSeq
}

// Records returns up to limit records with sequence >= from, in order. A
// non-positive or oversized limit is clamped to the batch bound.
func (j *Journal) Records(from uint64, limit int) ([]Record, error) {
	if limit <= 0 || limit > maxBatch {
		limit = maxBatch
	}
	out := make([]Record, 0, min(limit, 64))
	var decodeErr error
	err := j.db.Iterate(keyPrefix, func(key, value []byte) bool {
		seq, ok := seqFromKey(key)
		if !ok || seq < from {
			return true
		}
		rec, err := decodeRecord(value)
		if err != nil {
			decodeErr = err
			return false
		}
		out = append(out, rec)
		return len(out) < limit
	})
	if err != nil {
		return nil, fmt.Errorf("audit: read records: %w", err)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	return out, nil
}

// Replay walks every record with sequence >= from in commit order, verifying
// checksums, and hands each to fn. Replay stops at fn's first error.
func (j *Journal) Replay(from uint64, fn func(Record) error) error {
	var innerErr error
	err := j.db.Iterate(keyPrefix, func(key, value []byte) bool {
		seq, ok := seqFromKey(key)
		if !ok || seq < from {
			return true
		}
		rec, err := decodeRecord(value)
		if err != nil {
			innerErr = err
			return false
		}
		if err := fn(rec); err != nil {
			innerErr = err
			return false
		}
		return true
	})
	if err != nil {
		return fmt.Errorf("audit: replay: %w", err)
	}
	return innerErr
}

// Verify checks every stored record's checksum and that sequences are
// contiguous from one. It returns the number of records verified.
func (j *Journal) Verify() (uint64, error) {
	var count uint64
	want := uint64(1)
	err := j.Replay(0, func(rec Record) error {
		if rec.Sequence != want {
			return fmt.Errorf("%w: have %d, want %d", ErrSequenceGap, rec.Sequence, want)
		}
		want++
		count++
		return nil
	})
	return count, err
}

func seqKey(seq uint64) []byte {
	key := make([]byte, len(keyPrefix)+8)
	copy(key, keyPrefix)
	binary.BigEndian.PutUint64(key[len(keyPrefix):], seq)
	return key
}

func seqFromKey(key []byte) (uint64, bool) {
	if len(key) != len(keyPrefix)+8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(key[len(keyPrefix):]), true
}

// checksum hashes the record's canonical JSON form, excluding the checksum
// field itself. encoding/json sorts map keys, so the form is deterministic.
func checksum(rec Record) string {
	canonical := struct {
		Sequence   uint64            `json:"sequence"`
		Timestamp  int64             `json:"timestamp"`
		Type       string            `json:"type"`
		Attributes map[string]string `json:"attributes"`
	}{rec.Sequence, rec.Timestamp, rec.Type, rec.Attributes}
	buf, err := json.Marshal(canonical)
	if err != nil {
		// Only reachable with non-encodable attribute values, which the
		// attribute map type rules out.
		panic(fmt.Sprintf("audit: canonical encode: %v", err))
	}
	sum := blake3.Sum256(buf)
	return hex.EncodeToString(sum[:])
}

func decodeRecord(value []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(value, &rec); err != nil {
		return Record{}, fmt.Errorf("audit: decode record: %w", err)
	}
	if rec.Checksum != checksum(rec) {
		return Record{}, fmt.Errorf("%w: sequence %d", ErrChecksumMismatch, rec.Sequence)
	}
	return rec, nil
}
