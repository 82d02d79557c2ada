/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package blobcache

import "os"

// Snapshot is a read handle onto one published version of an entry's N
// slots (spec §4.G). Its readers remain valid and see a fixed version of
// the values even after later edits or removals touch the same key,
// because the readers are opened against the then-current clean files and
// the underlying descriptor stays valid across rename/unlink on POSIX
// filesystems. Close releases all readers.
type Snapshot struct {
	readers []*os.File
}

// Reader returns the opened file for slot i.
func (s *Snapshot) Reader(i int) (*os.File, error) {
	if i < 0 || i >= len(s.readers) {
		return nil, ErrSlotIndexOutOfRange
	}
	return s.readers[i], nil
}

// Close releases all of the snapshot's open readers.
func (s *Snapshot) Close() error {
	var firstErr error
	for _, f := range s.readers {
		if f == nil {
			continue
		}
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// openSnapshot eagerly opens all N clean-file readers for key so the
// returned Snapshot captures one consistent published version. If any open
// fails with not-found (someone removed files externally), it closes what
// it has opened so far and returns (nil, false, nil).
func openSnapshot(dir, key string, valueCount int) (*Snapshot, bool, error) {
	readers := make([]*os.File, 0, valueCount)
	for i := 0; i < valueCount; i++ {
		f, err := os.Open(cleanPath(dir, key, i))
		if err != nil {
			for _, opened := range readers {
				_ = opened.Close()
			}
			if os.IsNotExist(err) {
				return nil, false, nil
			}
			return nil, false, err
		}
		readers = append(readers, f)
	}
	return &Snapshot{readers: readers}, true, nil
}
