// Package outbox is the durable egress buffer between the matching
// engine and the broadcast topic. Fill events land here in the same
// operation that produced them; the broadcaster drains NEW entries,
// marks them SENT, publishes, then marks them ACKED. Delivery is
// at-least-once; consumers dedupe on sequence.
package outbox

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"
)

type State uint8

const (
	StateNew State = iota
	StateSent
	StateAcked
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateSent:
		return "SENT"
	case StateAcked:
		return "ACKED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Record is one pending event and its delivery bookkeeping.
type Record struct {
	Seq         uint64
	State       State
	Retries     uint32
	LastAttempt int64
	Payload     []byte
}

// binary encoding: [state:1][retries:4][lastAttempt:8][payload...]
func encodeRecord(r Record) []byte {
	buf := make([]byte, 1+4+8+len(r.Payload))
	buf[0] = byte(r.State)
	binary.BigEndian.PutUint32(buf[1:5], r.Retries)
	binary.BigEndian.PutUint64(buf[5:13], uint64(r.LastAttempt))
	copy(buf[13:], r.Payload)
	return buf
}

func decodeRecord(seq uint64, b []byte) (Record, error) {
	if len(b) < 13 {
		return Record{}, errors.New("outbox: record too short")
	}
	return Record{
		Seq:         seq,
		State:       State(b[0]),
		Retries:     binary.BigEndian.Uint32(b[1:5]),
		LastAttempt: int64(binary.BigEndian.Uint64(b[5:13])),
		Payload:     append([]byte(nil), b[13:]...),
	}, nil
}

// Outbox is a pebble-backed event queue keyed by fill sequence.
type Outbox struct {
	db *pebble.DB
}

func Open(dir string) (*Outbox, error) {
	db, err := pebble.Open(dir, &pebble.Options{
		DisableWAL: false, // durability is the whole point
	})
	if err != nil {
		return nil, err
	}
	return &Outbox{db: db}, nil
}

func (o *Outbox) Close() error {
	return o.db.Close()
}

// PutNew inserts a pending event. Called inside the operation that
// produced the event, after the WAL append.
func (o *Outbox) PutNew(seq uint64, payload []byte) error {
	rec := Record{Seq: seq, State: StateNew, Payload: payload}
	return o.db.Set(keyFor(seq), encodeRecord(rec), pebble.Sync)
}

// MarkSent flips an entry to SENT and bumps its retry count.
func (o *Outbox) MarkSent(seq uint64) error {
	return o.update(seq, StateSent, 1)
}

// MarkAcked records broker acknowledgement.
func (o *Outbox) MarkAcked(seq uint64) error {
	return o.update(seq, StateAcked, 0)
}

// MarkFailed parks an entry for the next drain pass.
func (o *Outbox) MarkFailed(seq uint64) error {
	return o.update(seq, StateFailed, 0)
}

func (o *Outbox) update(seq uint64, state State, retryDelta uint32) error {
	rec, err := o.Get(seq)
	if err != nil {
		return err
	}
	rec.State = state
	rec.Retries += retryDelta
	rec.LastAttempt = time.Now().UnixNano()
	return o.db.Set(keyFor(seq), encodeRecord(rec), pebble.Sync)
}

// Get returns the record at seq.
func (o *Outbox) Get(seq uint64) (Record, error) {
	val, closer, err := o.db.Get(keyFor(seq))
	if err != nil {
		return Record{}, err
	}
	defer closer.Close()
	return decodeRecord(seq, val)
}

// ScanPending visits undelivered entries in sequence order: NEW and
// FAILED always, plus SENT entries older than resendAfter, which are
// in-flight frames lost to a crash between send and ack.
func (o *Outbox) ScanPending(resendAfter time.Duration, fn func(Record) error) error {
	cutoff := time.Now().Add(-resendAfter).UnixNano()
	iter, err := o.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(keyPrefix),
		UpperBound: []byte(keyPrefix + "~"),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		seq, err := parseKey(iter.Key())
		if err != nil {
			return err
		}
		rec, err := decodeRecord(seq, iter.Value())
		if err != nil {
			return err
		}
		switch rec.State {
		case StateNew, StateFailed:
		case StateSent:
			if rec.LastAttempt > cutoff {
				continue
			}
		default:
			continue
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return iter.Error()
}

// GC deletes ACKED entries and returns how many went.
func (o *Outbox) GC() (int, error) {
	iter, err := o.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(keyPrefix),
		UpperBound: []byte(keyPrefix + "~"),
	})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	var victims [][]byte
	for iter.First(); iter.Valid(); iter.Next() {
		if len(iter.Value()) >= 1 && State(iter.Value()[0]) == StateAcked {
			victims = append(victims, append([]byte(nil), iter.Key()...))
		}
	}
	if err := iter.Error(); err != nil {
		return 0, err
	}
	for _, k := range victims {
		if err := o.db.Delete(k, pebble.Sync); err != nil {
			return 0, err
		}
	}
	return len(victims), nil
}

const keyPrefix = "fill/"

func keyFor(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", keyPrefix, seq))
}

func parseKey(b []byte) (uint64, error) {
	var seq uint64
	_, err := fmt.Sscanf(string(bytes.TrimPrefix(b, []byte(keyPrefix))), "%d", &seq)
	return seq, err
}
