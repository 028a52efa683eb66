// Package snapshot persists the whole marketplace state: every
// ledger side's fixed-layout byte region, the ledger counters, the
// global registry, and the operation sequence the snapshot covers.
// Snapshots bound WAL replay time; segments older than the snapshot
// sequence are truncated afterwards.
package snapshot

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"lendex/domain/book"
	"lendex/domain/global"
)

const (
	fileMagic   uint32 = 0x6c78736e // "lxsn"
	fileVersion uint16 = 1

	// FileName is the single snapshot file inside the snapshot dir.
	// Writes go through a temp file and rename, so the name always
	// points at a complete snapshot.
	FileName = "snapshot.bin"
)

// ErrBadSnapshot reports an unreadable snapshot file.
var ErrBadSnapshot = errors.New("snapshot: bad file")

// Writer serializes markets and registry into Dir.
type Writer struct {
	Dir string
}

// Write persists the state as of operation sequence seq. The caller
// must hold every market lock for the duration, so the regions form
// one consistent cut.
func (w *Writer) Write(seq uint64, markets []*book.Market, reg *global.Registry) error {
	if err := os.MkdirAll(w.Dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(w.Dir, "snapshot-*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := writeTo(tmp, seq, markets, reg); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(w.Dir, FileName))
}

func writeTo(f io.Writer, seq uint64, markets []*book.Market, reg *global.Registry) error {
	head := make([]byte, 4+2+2+8+4)
	binary.LittleEndian.PutUint32(head[0:], fileMagic)
	binary.LittleEndian.PutUint16(head[4:], fileVersion)
	binary.LittleEndian.PutUint64(head[8:], seq)
	binary.LittleEndian.PutUint32(head[16:], uint32(len(markets)))
	if _, err := f.Write(head); err != nil {
		return err
	}

	for _, m := range markets {
		if err := writeBlob(f, []byte(m.ID)); err != nil {
			return err
		}
		for _, dir := range []book.Direction{book.DirAB, book.DirBA} {
			led := m.Ledger(dir)
			lendSeq, borrowSeq, vol := led.Counters()
			counters := make([]byte, 24)
			binary.LittleEndian.PutUint64(counters[0:], lendSeq)
			binary.LittleEndian.PutUint64(counters[8:], borrowSeq)
			binary.LittleEndian.PutUint64(counters[16:], vol)
			if _, err := f.Write(counters); err != nil {
				return err
			}
			if err := writeBlob(f, led.MarshalSide(book.Lend)); err != nil {
				return err
			}
			if err := writeBlob(f, led.MarshalSide(book.Borrow)); err != nil {
				return err
			}
		}
	}

	regState, err := json.Marshal(reg.Export())
	if err != nil {
		return err
	}
	return writeBlob(f, regState)
}

// Load restores a snapshot into the given markets and registry. A
// missing file is not an error: it returns sequence 0 and leaves the
// state empty, the fresh-start case.
func Load(dir string, markets map[string]*book.Market, reg *global.Registry) (uint64, error) {
	f, err := os.Open(filepath.Join(dir, FileName))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	defer f.Close()

	head := make([]byte, 4+2+2+8+4)
	if _, err := io.ReadFull(f, head); err != nil {
		return 0, fmt.Errorf("%w: header: %v", ErrBadSnapshot, err)
	}
	if got := binary.LittleEndian.Uint32(head[0:]); got != fileMagic {
		return 0, fmt.Errorf("%w: magic %#x", ErrBadSnapshot, got)
	}
	if got := binary.LittleEndian.Uint16(head[4:]); got != fileVersion {
		return 0, fmt.Errorf("%w: version %d", ErrBadSnapshot, got)
	}
	seq := binary.LittleEndian.Uint64(head[8:])
	count := binary.LittleEndian.Uint32(head[16:])

	for i := uint32(0); i < count; i++ {
		idBytes, err := readBlob(f)
		if err != nil {
			return 0, err
		}
		m, ok := markets[string(idBytes)]
		if !ok {
			return 0, fmt.Errorf("%w: unknown market %q", ErrBadSnapshot, idBytes)
		}
		for _, dir := range []book.Direction{book.DirAB, book.DirBA} {
			counters := make([]byte, 24)
			if _, err := io.ReadFull(f, counters); err != nil {
				return 0, fmt.Errorf("%w: counters: %v", ErrBadSnapshot, err)
			}
			led := m.Ledger(dir)
			led.SetCounters(
				binary.LittleEndian.Uint64(counters[0:]),
				binary.LittleEndian.Uint64(counters[8:]),
				binary.LittleEndian.Uint64(counters[16:]),
			)
			lendRegion, err := readBlob(f)
			if err != nil {
				return 0, err
			}
			if err := led.RestoreSide(book.Lend, lendRegion); err != nil {
				return 0, err
			}
			borrowRegion, err := readBlob(f)
			if err != nil {
				return 0, err
			}
			if err := led.RestoreSide(book.Borrow, borrowRegion); err != nil {
				return 0, err
			}
		}
	}

	regBytes, err := readBlob(f)
	if err != nil {
		return 0, err
	}
	var regState []global.EntryState
	if err := json.Unmarshal(regBytes, &regState); err != nil {
		return 0, fmt.Errorf("%w: registry: %v", ErrBadSnapshot, err)
	}
	if err := reg.Restore(regState); err != nil {
		return 0, err
	}
	return seq, nil
}

func writeBlob(f io.Writer, b []byte) error {
	var l [4]byte
	binary.LittleEndian.PutUint32(l[:], uint32(len(b)))
	if _, err := f.Write(l[:]); err != nil {
		return err
	}
	_, err := f.Write(b)
	return err
}

func readBlob(f io.Reader) ([]byte, error) {
	var l [4]byte
	if _, err := io.ReadFull(f, l[:]); err != nil {
		return nil, fmt.Errorf("%w: blob length: %v", ErrBadSnapshot, err)
	}
	b := make([]byte, binary.LittleEndian.Uint32(l[:]))
	if _, err := io.ReadFull(f, b); err != nil {
		return nil, fmt.Errorf("%w: blob body: %v", ErrBadSnapshot, err)
	}
	return b, nil
}
