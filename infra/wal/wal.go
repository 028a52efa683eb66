// Package wal is the entry write-ahead log: every state-mutating
// request is framed, checksummed and appended here before the engine
// touches a tree. Replay after a crash re-runs the requests against
// the last snapshot with external effects suppressed.
package wal

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

type Config struct {
	Dir             string
	SegmentSize     int64
	SegmentDuration time.Duration
}

// WAL appends framed records to rolling segment files. Safe for
// concurrent appenders; frames are written whole under one lock.
type WAL struct {
	mu              sync.Mutex
	dir             string
	segmentSize     int64
	segmentDuration time.Duration

	current      *segment
	segIndex     int
	lastRotation time.Time
}

// Open creates the directory if needed and continues appending to the
// highest existing segment.
func Open(cfg Config) (*WAL, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, err
	}

	index, err := highestSegmentIndex(cfg.Dir)
	if err != nil {
		return nil, err
	}
	seg, err := openSegment(cfg.Dir, index)
	if err != nil {
		return nil, err
	}

	return &WAL{
		dir:             cfg.Dir,
		segmentSize:     cfg.SegmentSize,
		segmentDuration: cfg.SegmentDuration,
		current:         seg,
		segIndex:        index,
		lastRotation:    time.Now(),
	}, nil
}

func highestSegmentIndex(dir string) (int, error) {
	files, err := filepath.Glob(filepath.Join(dir, "segment-*.wal"))
	if err != nil {
		return 0, err
	}
	if len(files) == 0 {
		return 0, nil
	}
	sort.Strings(files)
	var index int
	_, err = fmt.Sscanf(filepath.Base(files[len(files)-1]), "segment-%06d.wal", &index)
	return index, err
}

// Append frames and durably writes one record:
//
//	[type:1][seq:8][time:8][len:4][payload][crc:4]
//
// The CRC covers header and payload.
func (w *WAL) Append(r *Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	payloadLen := uint32(len(r.Data))
	buf := make([]byte, 1+8+8+4+payloadLen+4)

	buf[0] = byte(r.Type)
	binary.BigEndian.PutUint64(buf[1:9], r.Seq)
	binary.BigEndian.PutUint64(buf[9:17], uint64(r.Time))
	binary.BigEndian.PutUint32(buf[17:21], payloadLen)
	copy(buf[21:], r.Data)

	crc := CRC32(buf[:21+payloadLen])
	binary.BigEndian.PutUint32(buf[21+payloadLen:], crc)

	if err := w.current.append(buf); err != nil {
		return err
	}
	if err := w.current.sync(); err != nil {
		return err
	}

	if w.shouldRotate() {
		return w.rotate()
	}
	return nil
}

func (w *WAL) shouldRotate() bool {
	if w.current.offset >= w.segmentSize {
		return true
	}
	return w.segmentDuration > 0 && time.Since(w.lastRotation) >= w.segmentDuration
}

func (w *WAL) rotate() error {
	_ = w.current.close()
	w.segIndex++

	seg, err := openSegment(w.dir, w.segIndex)
	if err != nil {
		return err
	}
	w.current = seg
	w.lastRotation = time.Now()
	return nil
}

// TruncateBefore removes whole segments whose records are all covered
// by a snapshot at seq. The active segment is never removed.
func (w *WAL) TruncateBefore(seq uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	files, err := filepath.Glob(filepath.Join(w.dir, "segment-*.wal"))
	if err != nil {
		return err
	}
	active := filepath.Join(w.dir, fmt.Sprintf("segment-%06d.wal", w.segIndex))

	for _, path := range files {
		if path == active {
			continue
		}
		maxSeq, err := maxSeqInSegment(path)
		if err != nil {
			continue
		}
		if maxSeq <= seq {
			_ = os.Remove(path)
		}
	}
	return nil
}

func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current.close()
}
