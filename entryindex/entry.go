/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package entryindex implements the cache's in-memory, access-ordered
// key-to-entry index (spec §4.C), adapted from the teacher's generic
// container/list-based lrucache.LRUCache.
package entryindex

// Editor is the minimal view of an in-progress edit that the index needs to
// know about: whether one exists for an entry. The concrete type lives in
// package blobcache; entryindex only ever stores it as an opaque reference.
type Editor interface{}

// Entry represents one logical cache entry (spec §3).
type Entry struct {
	Key string

	// Lengths holds the byte length of each published slot, or 0 if that
	// slot has never been published. len(Lengths) == value_count.
	Lengths []int64

	// Readable is true once the entry has been successfully committed at
	// least once.
	Readable bool

	// CurrentEditor is set while an edit is in progress for this entry, nil
	// otherwise. At most one editor may be bound to an entry at a time.
	CurrentEditor Editor
}

// TotalSize returns the sum of the entry's slot lengths.
func (e *Entry) TotalSize() int64 {
	var total int64
	for _, l := range e.Lengths {
		total += l
	}
	return total
}
