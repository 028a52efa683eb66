// Package sequence issues the service-wide operation sequence that
// orders WAL records and outbox keys.
package sequence

import "sync/atomic"

// Sequencer generates strictly monotonic sequence IDs. Deterministic
// and replay-safe: after WAL replay it resumes from the last logged
// sequence.
type Sequencer struct {
	next atomic.Uint64
}

// New creates a sequencer. Fresh start: 0. After replay: the last
// replayed sequence.
func New(start uint64) *Sequencer {
	s := &Sequencer{}
	s.next.Store(start)
	return s
}

// Next returns the next sequence ID.
func (s *Sequencer) Next() uint64 {
	return s.next.Add(1)
}

// Current returns the last issued sequence.
func (s *Sequencer) Current() uint64 {
	return s.next.Load()
}

// Reset sets the sequencer. Only used after WAL replay.
func (s *Sequencer) Reset(v uint64) {
	s.next.Store(v)
}
