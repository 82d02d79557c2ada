/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package blobcache

import (
	"io"
	"os"

	"github.com/outpostdev/blobcache/entryindex"
	"github.com/outpostdev/blobcache/journal"
)

// Editor is obtained from Cache.Edit and lets the caller write new slot
// values for a key, then Commit or Abort the edit (spec §4.D).
//
// Ownership follows the teacher's inner-class idiom generalized per
// SPEC_FULL.md: the cache owns the entry; an Editor borrows the cache
// (short-lived); slot writers borrow the editor's error flag.
type Editor struct {
	cache *Cache
	entry *entryindex.Entry
	key   string

	prevLengths  []int64
	prevReadable bool

	hasErrors bool
	completed bool
}

// newEditor binds a fresh Editor to entry, remembering its pre-edit
// published state so Abort can restore it.
func newEditor(c *Cache, entry *entryindex.Entry) *Editor {
	prevLengths := make([]int64, len(entry.Lengths))
	copy(prevLengths, entry.Lengths)
	return &Editor{
		cache:        c,
		entry:        entry,
		key:          entry.Key,
		prevLengths:  prevLengths,
		prevReadable: entry.Readable,
	}
}

// errorCatchingWriter wraps a dirty-file sink and sets the editor's
// hasErrors flag on any write failure, without swallowing the error itself.
type errorCatchingWriter struct {
	editor *Editor
	file   *os.File
}

func (w *errorCatchingWriter) Write(p []byte) (int, error) {
	n, err := w.file.Write(p)
	if err != nil {
		w.editor.hasErrors = true
	}
	return n, err
}

func (w *errorCatchingWriter) Close() error {
	err := w.file.Close()
	if err != nil {
		w.editor.hasErrors = true
	}
	return err
}

// NewWriter returns a writer for slot i's dirty file. The dirty file is
// created (truncating any stale leftover) as soon as this is called; a slot
// for which NewWriter is never called keeps its previous published value at
// Commit, per the per-slot rule in spec §4.D.
func (e *Editor) NewWriter(i int) (io.WriteCloser, error) {
	if e.completed {
		return nil, ErrEditorAlreadyCompleted
	}
	if i < 0 || i >= len(e.entry.Lengths) {
		return nil, ErrSlotIndexOutOfRange
	}
	f, err := os.Create(dirtyPath(e.cache.directory, e.key, i))
	if err != nil {
		e.hasErrors = true
		return nil, err
	}
	return &errorCatchingWriter{editor: e, file: f}, nil
}

// Commit finalizes the edit (spec §4.D). If any slot write failed, Commit
// behaves as Abort followed by removing the key from the cache entirely,
// so a partially-written entry is never published.
func (e *Editor) Commit() error {
	return e.cache.completeEdit(e, true)
}

// Abort discards the edit, deleting any dirty files and restoring the
// entry's pre-edit published state (or dropping it if it was never
// readable).
func (e *Editor) Abort() error {
	return e.cache.completeEdit(e, false)
}

// completeEdit implements the commit/abort logic under the cache's mutex.
// success is false for an explicit Abort, or forced false internally when
// hasErrors is set even though the caller called Commit.
func (c *Cache) completeEdit(e *Editor, success bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e.completed {
		return ErrEditorAlreadyCompleted
	}
	e.completed = true

	if success && e.hasErrors {
		// A write failure during commit invalidates any previously published
		// version too, not just the failed edit: spec §4.D, cross-checked
		// against DiskLruCache.java's completeEdit(this, false) followed by
		// remove(entry.key) ("the previous entry is stale").
		return c.finishAbortLocked(e, true)
	}

	if !success {
		return c.finishAbortLocked(e, false)
	}
	return c.commitEditLocked(e)
}

func (c *Cache) commitEditLocked(e *Editor) error {
	valueCount := len(e.entry.Lengths)

	if !e.prevReadable {
		// First-publish constraint: every slot dirty file must exist before
		// any rename happens, so a missing slot never leaves a half-renamed
		// entry behind.
		for i := 0; i < valueCount; i++ {
			if _, err := os.Stat(dirtyPath(c.directory, e.key, i)); err != nil {
				if !os.IsNotExist(err) {
					return err
				}
				_ = c.abortEditLocked(e)
				return ErrFirstPublishIncomplete
			}
		}
	}

	newLengths := make([]int64, valueCount)
	copy(newLengths, e.entry.Lengths)

	for i := 0; i < valueCount; i++ {
		dp := dirtyPath(c.directory, e.key, i)
		info, err := os.Stat(dp)
		if err != nil {
			if !os.IsNotExist(err) {
				return err
			}
			continue // per-slot rule: keep previous value
		}
		if err := os.Rename(dp, cleanPath(c.directory, e.key, i)); err != nil {
			return err
		}
		newLengths[i] = info.Size()
	}

	var prevTotal, newTotal int64
	for _, l := range e.prevLengths {
		prevTotal += l
	}
	for _, l := range newLengths {
		newTotal += l
	}

	e.entry.Lengths = newLengths
	e.entry.Readable = true
	e.entry.CurrentEditor = nil
	c.size += newTotal - prevTotal

	if err := c.appendRecord(journal.Record{Op: journal.OpClean, Key: e.key, Lengths: newLengths}); err != nil {
		return err
	}
	c.scheduleTrimIfNeeded()
	return nil
}

// abortEditLocked discards e, restoring the pre-edit published state (or
// dropping the entry if it was never readable). Used for a plain Abort and
// for Close's forced abort of in-progress editors.
func (c *Cache) abortEditLocked(e *Editor) error {
	return c.finishAbortLocked(e, false)
}

// finishAbortLocked removes e's dirty files and clears its editor marker,
// then either restores the pre-edit published state (invalidatePrior ==
// false) or, when a write failure during commit means the previously
// published version can no longer be trusted, removes the entry entirely —
// emulating DiskLruCache's completeEdit(this, false) followed by
// remove(entry.key) (spec §4.D).
func (c *Cache) finishAbortLocked(e *Editor, invalidatePrior bool) error {
	valueCount := len(e.entry.Lengths)
	for i := 0; i < valueCount; i++ {
		dp := dirtyPath(c.directory, e.key, i)
		if err := os.Remove(dp); err != nil && !os.IsNotExist(err) {
			return err
		}
	}

	e.entry.CurrentEditor = nil

	if !e.prevReadable {
		c.index.Remove(e.key)
		if err := c.appendRecord(journal.Record{Op: journal.OpRemove, Key: e.key}); err != nil {
			return err
		}
		c.scheduleTrimIfNeeded()
		return nil
	}

	if invalidatePrior {
		if err := c.removeEntryLocked(e.key, e.entry); err != nil {
			return err
		}
		c.maybeScheduleRebuild()
		return nil
	}

	e.entry.Lengths = e.prevLengths
	e.entry.Readable = true
	if err := c.appendRecord(journal.Record{Op: journal.OpClean, Key: e.key, Lengths: e.prevLengths}); err != nil {
		return err
	}
	c.scheduleTrimIfNeeded()
	return nil
}
