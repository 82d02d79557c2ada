/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package entryindex

import (
	"container/list"
)

// Index is an access-ordered mapping from key to *Entry: iteration (via
// EvictionCandidate) runs from least-recently-touched to most-recently-
// touched, and a successful Get or Put on an existing key moves it to the
// most-recent end (spec §4.C). It is not safe for concurrent use; callers
// (package blobcache) serialize access with their own mutex, matching
// spec §5's single-lock model.
//
// Adapted from the teacher's lrucache.LRUCache: same container/list + map
// backing, generics and TTL dropped because the cache's index is always
// string -> *Entry and has no expiry concept.
type Index struct {
	order   *list.List // front = least-recently-used, back = most-recently-used
	entries map[string]*list.Element

	metrics MetricsCollector
}

// New creates an empty Index. A nil metricsCollector disables metrics.
func New(metricsCollector MetricsCollector) *Index {
	if metricsCollector == nil {
		metricsCollector = disabledMetricsCollector
	}
	return &Index{
		order:   list.New(),
		entries: make(map[string]*list.Element),
		metrics: metricsCollector,
	}
}

// Get returns the entry for key and moves it to the most-recently-used end.
// It fails silently (no move, no mutation) if the key is absent.
func (idx *Index) Get(key string) (*Entry, bool) {
	elem, ok := idx.entries[key]
	if !ok {
		idx.metrics.IncMisses()
		return nil, false
	}
	idx.order.MoveToBack(elem)
	idx.metrics.IncHits()
	return elem.Value.(*Entry), true
}

// Peek returns the entry for key without affecting its access order.
func (idx *Index) Peek(key string) (*Entry, bool) {
	elem, ok := idx.entries[key]
	if !ok {
		return nil, false
	}
	return elem.Value.(*Entry), true
}

// Put inserts or replaces the entry for key at the most-recent end.
func (idx *Index) Put(key string, entry *Entry) {
	if elem, ok := idx.entries[key]; ok {
		elem.Value = entry
		idx.order.MoveToBack(elem)
		return
	}
	idx.entries[key] = idx.order.PushBack(entry)
	idx.metrics.SetAmount(idx.order.Len())
}

// Remove removes and returns the entry for key, if any.
func (idx *Index) Remove(key string) (*Entry, bool) {
	elem, ok := idx.entries[key]
	if !ok {
		return nil, false
	}
	idx.order.Remove(elem)
	delete(idx.entries, key)
	idx.metrics.SetAmount(idx.order.Len())
	return elem.Value.(*Entry), true
}

// EvictionCandidate returns the least-recently-used entry, or nil if the
// index is empty.
func (idx *Index) EvictionCandidate() *Entry {
	elem := idx.order.Front()
	if elem == nil {
		return nil
	}
	return elem.Value.(*Entry)
}

// Len returns the number of entries currently in the index.
func (idx *Index) Len() int {
	return idx.order.Len()
}

// Keys returns all keys in access order (least-recently-used first). Used
// by rebuild_journal, which writes one record per live entry in that order.
func (idx *Index) Keys() []string {
	keys := make([]string, 0, idx.order.Len())
	for elem := idx.order.Front(); elem != nil; elem = elem.Next() {
		keys = append(keys, elem.Value.(*Entry).Key)
	}
	return keys
}
