/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package journal implements the binary encoding of the cache's append-only
// journal: the fixed header and the per-operation records that follow it.
package journal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// Magic and version identify the journal format. Grounded on the original
// DiskLruCache's MAGIC/VERSION constants; cross-checked against the
// magic+version binary-header idiom in calvinalkan-agent-task/cache_binary.go.
const (
	Magic   uint64 = 0x814A4C450D0A1A0A
	Version uint8  = 2
)

const headerSize = 8 + 1 + 4 + 4 + 1 // magic + version + appVersion + valueCount + '\n'

// Header is the fixed preamble written once at the start of a journal file.
type Header struct {
	AppVersion int32
	ValueCount int32
}

// ErrBadHeader is returned when the journal header does not match the
// expected magic, version, or trailing newline. Any such mismatch is
// treated as corruption by the cache core (spec §4.B).
var ErrBadHeader = fmt.Errorf("journal: bad header")

// ErrHeaderMismatch is returned when the header parses correctly but its
// AppVersion or ValueCount disagrees with what the caller expects.
var ErrHeaderMismatch = fmt.Errorf("journal: header app_version/value_count mismatch")

// WriteHeader writes the fixed-size header to w.
func WriteHeader(w io.Writer, h Header) error {
	var buf [headerSize]byte
	binary.BigEndian.PutUint64(buf[0:8], Magic)
	buf[8] = Version
	binary.BigEndian.PutUint32(buf[9:13], uint32(h.AppVersion))
	binary.BigEndian.PutUint32(buf[13:17], uint32(h.ValueCount))
	buf[17] = '\n'
	_, err := w.Write(buf[:])
	return err
}

// ReadHeader reads and validates the fixed-size header from r.
// It does not compare AppVersion/ValueCount against caller expectations;
// use Header.Validate for that.
func ReadHeader(r *bufio.Reader) (Header, error) {
	var buf [headerSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Header{}, err
	}
	magic := binary.BigEndian.Uint64(buf[0:8])
	version := buf[8]
	if magic != Magic || version != Version || buf[17] != '\n' {
		return Header{}, ErrBadHeader
	}
	return Header{
		AppVersion: int32(binary.BigEndian.Uint32(buf[9:13])),
		ValueCount: int32(binary.BigEndian.Uint32(buf[13:17])),
	}, nil
}

// Validate reports ErrHeaderMismatch if the header does not match the
// caller's configured app version / value count.
func (h Header) Validate(appVersion, valueCount int32) error {
	if h.AppVersion != appVersion || h.ValueCount != valueCount {
		return ErrHeaderMismatch
	}
	return nil
}
