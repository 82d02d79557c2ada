/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package journal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// Opcode identifies the kind of a journal record (spec §4.B).
type Opcode uint8

// Journal opcodes.
const (
	OpClean  Opcode = 1
	OpDirty  Opcode = 2
	OpRemove Opcode = 3
	OpRead   Opcode = 4
)

func (op Opcode) String() string {
	switch op {
	case OpClean:
		return "CLEAN"
	case OpDirty:
		return "DIRTY"
	case OpRemove:
		return "REMOVE"
	case OpRead:
		return "READ"
	default:
		return fmt.Sprintf("Opcode(%d)", uint8(op))
	}
}

// Record is a single decoded journal entry.
type Record struct {
	Op      Opcode
	Key     string
	Lengths []int64 // only meaningful for OpClean; len(Lengths) == value_count
}

// ErrMalformedRecord is returned by ReadRecord when a record's framing is
// invalid: bad opcode, truncated string, or a missing trailing newline.
var ErrMalformedRecord = fmt.Errorf("journal: malformed record")

// WriteRecord appends one record to w, including its trailing newline.
// For OpClean every element of r.Lengths is written; the caller keeps its
// length equal to the journal's value_count.
func WriteRecord(w io.Writer, r Record) error {
	var buf []byte
	buf = append(buf, byte(r.Op))
	buf = append(buf, encodeString(r.Key)...)
	if r.Op == OpClean {
		for _, l := range r.Lengths {
			var lb [8]byte
			if l < 0 {
				return fmt.Errorf("journal: negative length %d", l)
			}
			binary.BigEndian.PutUint64(lb[:], uint64(l))
			buf = append(buf, lb[:]...)
		}
	}
	buf = append(buf, '\n')
	_, err := w.Write(buf)
	return err
}

func encodeString(s string) []byte {
	raw := encodeModifiedUTF8(s)
	if len(raw) > math.MaxUint16 {
		panic("journal: key too long to encode")
	}
	out := make([]byte, 2+len(raw))
	binary.BigEndian.PutUint16(out, uint16(len(raw)))
	copy(out[2:], raw)
	return out
}

// ReadRecord reads and decodes the next record from r, given the journal's
// fixed value_count (needed to know how many length fields a CLEAN record
// carries). io.EOF is returned (unwrapped) when the stream ends cleanly
// before a new record's opcode byte.
func ReadRecord(r *bufio.Reader, valueCount int32) (Record, error) {
	opByte, err := r.ReadByte()
	if err != nil {
		return Record{}, err
	}
	op := Opcode(opByte)
	switch op {
	case OpClean, OpDirty, OpRemove, OpRead:
	default:
		return Record{}, ErrMalformedRecord
	}

	key, err := readString(r)
	if err != nil {
		return Record{}, err
	}

	rec := Record{Op: op, Key: key}
	if op == OpClean {
		rec.Lengths = make([]int64, valueCount)
		for i := range rec.Lengths {
			var lb [8]byte
			if _, lerr := io.ReadFull(r, lb[:]); lerr != nil {
				return Record{}, ErrMalformedRecord
			}
			rec.Lengths[i] = int64(binary.BigEndian.Uint64(lb[:]))
		}
	}

	nl, err := r.ReadByte()
	if err != nil || nl != '\n' {
		return Record{}, ErrMalformedRecord
	}
	return rec, nil
}

func readString(r *bufio.Reader) (string, error) {
	var lb [2]byte
	if _, err := io.ReadFull(r, lb[:]); err != nil {
		return "", ErrMalformedRecord
	}
	n := binary.BigEndian.Uint16(lb[:])
	raw := make([]byte, n)
	if _, err := io.ReadFull(r, raw); err != nil {
		return "", ErrMalformedRecord
	}
	s, err := decodeModifiedUTF8(raw)
	if err != nil {
		return "", ErrMalformedRecord
	}
	return s, nil
}
