package wal

import "time"

// RecordType defines WAL intent. One record is appended per
// state-mutating operation, before any tree mutation.
type RecordType uint8

const (
	RecordPlace RecordType = iota
	RecordCancel
	RecordRegisterGlobal
	RecordReapGlobal
	RecordInvalidateGlobal
	// RecordAbort voids the record carrying OrderSeq: the logged
	// operation was rejected after logging and mutated nothing.
	RecordAbort
)

// Record is an immutable WAL entry. Seq is the service-wide operation
// sequence; replay rejects anything non-monotonic.
type Record struct {
	Type RecordType
	Seq  uint64
	Time int64
	Data []byte
}

func NewRecord(t RecordType, seq uint64, data []byte) *Record {
	return &Record{
		Type: t,
		Seq:  seq,
		Time: time.Now().UnixNano(),
		Data: data,
	}
}
