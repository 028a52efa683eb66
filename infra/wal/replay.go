package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
)

// ErrCorrupt marks a record whose checksum does not match. A corrupt
// record mid-log is fatal; a torn frame at the very tail is the
// expected crash artifact and ends replay cleanly.
var ErrCorrupt = errors.New("wal: corrupt record")

type ReplayHandler func(*Record) error

// Replay streams every record in sequence order and returns the last
// sequence seen.
func Replay(dir string, fn ReplayHandler) (lastSeq uint64, err error) {
	files, err := filepath.Glob(filepath.Join(dir, "segment-*.wal"))
	if err != nil {
		return 0, err
	}
	sort.Strings(files)

	for i, path := range files {
		f, err := os.Open(path)
		if err != nil {
			return lastSeq, err
		}
		tail := i == len(files)-1

		for {
			rec, rerr := readRecord(f)
			if rerr != nil {
				if rerr == io.EOF {
					break
				}
				// A torn write at the end of the newest segment is a
				// clean stopping point.
				if tail && (errors.Is(rerr, io.ErrUnexpectedEOF) || errors.Is(rerr, ErrCorrupt)) {
					break
				}
				_ = f.Close()
				return lastSeq, rerr
			}

			if rec.Seq <= lastSeq {
				_ = f.Close()
				return lastSeq, fmt.Errorf("wal: non-monotonic seq %d after %d", rec.Seq, lastSeq)
			}
			lastSeq = rec.Seq

			if err := fn(rec); err != nil {
				_ = f.Close()
				return lastSeq, err
			}
		}
		_ = f.Close()
	}
	return lastSeq, nil
}

func readRecord(r io.Reader) (*Record, error) {
	header := make([]byte, 21)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	t := RecordType(header[0])
	seq := binary.BigEndian.Uint64(header[1:9])
	ts := binary.BigEndian.Uint64(header[9:17])
	l := binary.BigEndian.Uint32(header[17:21])

	data := make([]byte, l+4)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}

	payload := data[:l]
	crc := binary.BigEndian.Uint32(data[l:])
	if !CRC32Valid(append(header, payload...), crc) {
		return nil, ErrCorrupt
	}

	return &Record{
		Type: t,
		Seq:  seq,
		Time: int64(ts),
		Data: payload,
	}, nil
}

// maxSeqInSegment scans one segment for its highest sequence. Used
// only for snapshot-based truncation.
func maxSeqInSegment(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var max uint64
	for {
		header := make([]byte, 21)
		if _, err := io.ReadFull(f, header); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return max, nil
			}
			return max, err
		}
		seq := binary.BigEndian.Uint64(header[1:9])
		if seq > max {
			max = seq
		}
		payloadLen := binary.BigEndian.Uint32(header[17:21])
		if _, err := f.Seek(int64(payloadLen+4), io.SeekCurrent); err != nil {
			return max, err
		}
	}
}
