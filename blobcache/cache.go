/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package blobcache implements a bounded, filesystem-backed least-recently-
// used cache for opaque byte blobs keyed by string. See SPEC_FULL.md for the
// full design; this file implements component E, the cache core (Open,
// replay, get/edit/remove/flush/close/delete, journal rebuild).
package blobcache

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/outpostdev/blobcache/entryindex"
	"github.com/outpostdev/blobcache/internal/trimqueue"
	"github.com/outpostdev/blobcache/journal"
	"github.com/outpostdev/blobcache/log"
	"github.com/outpostdev/blobcache/retry"
)

// danglingEditor marks, during journal replay, an entry whose most recent
// record was a DIRTY with no later CLEAN/REMOVE. process_journal treats any
// entry still carrying this marker after replay as stale (spec §4.E step 2).
type danglingEditor struct{}

var replayDanglingEditor entryindex.Editor = &danglingEditor{}

// Options configures an optional Cache behavior beyond the four mandatory
// Open parameters.
type Options struct {
	// Logger receives diagnostic events (corruption recovery, trimmer
	// errors). Defaults to a disabled logger.
	Logger log.FieldLogger

	// Metrics, if non-nil, records entry-index hits/misses/evictions.
	Metrics entryindex.MetricsCollector

	// RebuildThreshold overrides defaultRebuildThreshold (2000, matching
	// the original REDUNDANT_OP_COMPACT_THRESHOLD).
	RebuildThreshold int

	// LockRetryPolicy controls retrying directory-lock acquisition at Open
	// when the lock is transiently held by a slow-to-exit previous process.
	// Defaults to a few constant-interval retries.
	LockRetryPolicy retry.Policy

	// MinTrimInterval is the minimum spacing enforced between trimmer runs
	// triggered by repeated Kick calls (e.g. a burst of commits/removes in
	// a tight loop). Zero means every Kick may run the trimmer as soon as
	// it's free, with no debounce.
	MinTrimInterval time.Duration
}

const defaultRebuildThreshold = 2000

// Cache is a bounded, filesystem-backed LRU cache for opaque byte blobs
// (spec §1-§9). All exported methods are safe for concurrent use; a single
// mutex guards the index, size accounting, and the journal stream, per
// spec §5.
type Cache struct {
	directory        string
	appVersion       int32
	valueCount       int32
	maxSize          int64
	rebuildThreshold int

	logger  log.FieldLogger
	metrics entryindex.MetricsCollector

	mu               sync.Mutex
	index            *entryindex.Index
	size             int64
	redundantOpCount int
	journalFile      *os.File
	closed           bool

	fileLock  *flock.Flock
	trimQueue *trimqueue.Queue
}

// Open opens or creates a cache rooted at directory (spec §4.E "Open").
// appVersion and valueCount form part of the journal header; a mismatch
// against a persisted header is treated as corruption. valueCount and
// maxSize must both be > 0.
func Open(directory string, appVersion int32, valueCount int, maxSize int64, opts Options) (*Cache, error) {
	if valueCount <= 0 {
		return nil, ErrInvalidValueCount
	}
	if maxSize <= 0 {
		return nil, ErrInvalidMaxSize
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.NewDisabledLogger()
	}
	rebuildThreshold := opts.RebuildThreshold
	if rebuildThreshold <= 0 {
		rebuildThreshold = defaultRebuildThreshold
	}

	if err := os.MkdirAll(directory, 0o755); err != nil {
		return nil, err
	}

	fileLock := flock.New(flockPath(directory))
	if err := acquireLock(fileLock, opts.LockRetryPolicy); err != nil {
		return nil, fmt.Errorf("blobcache: acquiring directory lock: %w", err)
	}

	c := &Cache{
		directory:        directory,
		appVersion:       appVersion,
		valueCount:       int32(valueCount),
		maxSize:          maxSize,
		rebuildThreshold: rebuildThreshold,
		logger:           logger,
		metrics:          opts.Metrics,
		index:            entryindex.New(opts.Metrics),
		fileLock:         fileLock,
	}

	if err := c.openOrRecover(); err != nil {
		_ = fileLock.Unlock()
		return nil, err
	}

	c.trimQueue = trimqueue.New(c.runTrimTask, logger, opts.MinTrimInterval)
	c.trimQueue.Start()

	return c, nil
}

func flockPath(directory string) string {
	return directory + ".lock"
}

func acquireLock(fileLock *flock.Flock, policy retry.Policy) error {
	if policy == nil {
		policy = retry.NewConstantBackoffPolicy(50*time.Millisecond, 5)
	}
	return retry.DoWithRetry(context.Background(), policy, nil, nil, func(ctx context.Context) error {
		locked, err := fileLock.TryLock()
		if err != nil {
			return err
		}
		if !locked {
			return fmt.Errorf("blobcache: directory is locked by another process")
		}
		return nil
	})
}

// openOrRecover implements spec §4.E steps 1-5.
func (c *Cache) openOrRecover() error {
	totalRecords, replayErr := c.tryReplayJournal()
	if replayErr == nil {
		if err := c.processJournal(); err != nil {
			return err
		}
		f, err := os.OpenFile(journalPath(c.directory), os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		c.journalFile = f
		c.redundantOpCount = totalRecords - c.index.Len()
		return nil
	}

	if !os.IsNotExist(replayErr) {
		c.logger.Warn("journal corrupted, recovering by wiping cache directory", log.Error(replayErr))
		if err := c.wipeDirectory(); err != nil {
			return err
		}
	}
	c.index = entryindex.New(c.metrics)
	return c.createFreshJournal()
}

// tryReplayJournal parses the header and replays every record into the
// index, returning the total record count seen. Any parse failure is
// reported to the caller, who treats it as corruption.
func (c *Cache) tryReplayJournal() (int, error) {
	f, err := os.Open(journalPath(c.directory))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, err // no journal yet; fresh-cache branch
		}
		return 0, err
	}
	defer func() { _ = f.Close() }()

	r := bufio.NewReader(f)
	hdr, err := journal.ReadHeader(r)
	if err != nil {
		return 0, err
	}
	if err := hdr.Validate(c.appVersion, c.valueCount); err != nil {
		return 0, err
	}

	total := 0
	for {
		rec, err := journal.ReadRecord(r, c.valueCount)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return 0, err
		}
		c.replayRecord(rec)
		total++
	}
	return total, nil
}

// replayRecord applies one journal record to the in-memory index (spec
// §4.E "Replay rules").
func (c *Cache) replayRecord(rec journal.Record) {
	switch rec.Op {
	case journal.OpClean:
		entry, ok := c.index.Peek(rec.Key)
		if !ok {
			entry = &entryindex.Entry{Key: rec.Key, Lengths: make([]int64, c.valueCount)}
		}
		entry.Lengths = rec.Lengths
		entry.Readable = true
		entry.CurrentEditor = nil
		c.index.Put(rec.Key, entry)
	case journal.OpDirty:
		entry, ok := c.index.Peek(rec.Key)
		if !ok {
			entry = &entryindex.Entry{Key: rec.Key, Lengths: make([]int64, c.valueCount)}
		}
		entry.CurrentEditor = replayDanglingEditor
		c.index.Put(rec.Key, entry)
	case journal.OpRemove:
		c.index.Remove(rec.Key)
	case journal.OpRead:
		_, _ = c.index.Get(rec.Key)
	}
}

// processJournal implements spec §4.E step 2: clean up a stale journal.tmp
// left by a crash mid-rebuild, drop entries with a dangling editor, and
// accumulate the live size.
func (c *Cache) processJournal() error {
	if err := os.Remove(journalTmpPath(c.directory)); err != nil && !os.IsNotExist(err) {
		return err
	}

	var size int64
	for _, key := range c.index.Keys() {
		entry, ok := c.index.Peek(key)
		if !ok {
			continue
		}
		if entry.CurrentEditor != nil {
			for i := 0; i < int(c.valueCount); i++ {
				_ = os.Remove(cleanPath(c.directory, key, i))
				_ = os.Remove(dirtyPath(c.directory, key, i))
			}
			c.index.Remove(key)
			continue
		}
		size += entry.TotalSize()
	}
	c.size = size
	return nil
}

// wipeDirectory deletes everything inside c.directory without removing the
// directory itself.
func (c *Cache) wipeDirectory() error {
	entries, err := os.ReadDir(c.directory)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(c.directory, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

// createFreshJournal implements spec §4.E step 5: write a new empty journal
// atomically via journal.tmp then rename over journal, then open for append.
func (c *Cache) createFreshJournal() error {
	if err := writeJournalAtomically(c.directory, journal.Header{AppVersion: c.appVersion, ValueCount: c.valueCount}, nil); err != nil {
		return err
	}
	f, err := os.OpenFile(journalPath(c.directory), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	c.journalFile = f
	c.redundantOpCount = 0
	return nil
}

// writeJournalAtomically writes a header followed by one record per entry
// in records to journal.tmp, syncs and closes it, then renames it over the
// live journal file. The rename is the sole commit point (spec §4.E
// "rebuild_journal... Rebuild is never partial").
//
// Hand-rolled rather than using a generic atomic-write library: spec §3/§4.E
// require the fixed, externally-nameable journal.tmp filename so a crash
// mid-rebuild leaves a recognizable stale file the next Open deletes by
// name; see DESIGN.md for why github.com/natefinch/atomic was rejected here.
func writeJournalAtomically(directory string, hdr journal.Header, records []journal.Record) error {
	tmpPath := journalTmpPath(directory)
	f, err := os.Create(tmpPath)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	if err := journal.WriteHeader(w, hdr); err != nil {
		_ = f.Close()
		return err
	}
	for _, rec := range records {
		if err := journal.WriteRecord(w, rec); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, journalPath(directory))
}

// appendRecord writes and flushes rec to the live journal stream. Must be
// called with c.mu held.
func (c *Cache) appendRecord(rec journal.Record) error {
	if c.journalFile == nil {
		return ErrClosed
	}
	if err := journal.WriteRecord(c.journalFile, rec); err != nil {
		return err
	}
	c.redundantOpCount++
	return nil
}

// Get looks up key and returns a Snapshot onto its currently published
// value, or (nil, false, nil) if the key is absent or has never been
// published (spec §4.E "get").
func (c *Cache) Get(key string) (*Snapshot, bool, error) {
	if err := validateKey(key); err != nil {
		return nil, false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, false, ErrClosed
	}

	entry, ok := c.index.Get(key)
	if !ok || !entry.Readable {
		return nil, false, nil
	}

	snap, ok, err := openSnapshot(c.directory, key, int(c.valueCount))
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}

	if err := c.appendRecord(journal.Record{Op: journal.OpRead, Key: key}); err != nil {
		_ = snap.Close()
		return nil, false, err
	}
	c.maybeScheduleRebuild()

	return snap, true, nil
}

// Edit opens an Editor for key, creating the entry if new (spec §4.D). It
// returns (nil, false, nil) if another edit is already in progress for key.
func (c *Cache) Edit(key string) (*Editor, bool, error) {
	if err := validateKey(key); err != nil {
		return nil, false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, false, ErrClosed
	}

	entry, ok := c.index.Get(key)
	if ok && entry.CurrentEditor != nil {
		return nil, false, nil
	}
	if !ok {
		entry = &entryindex.Entry{Key: key, Lengths: make([]int64, c.valueCount)}
		c.index.Put(key, entry)
	}

	editor := newEditor(c, entry)
	entry.CurrentEditor = editor

	if err := c.appendRecord(journal.Record{Op: journal.OpDirty, Key: key}); err != nil {
		entry.CurrentEditor = nil
		return nil, false, err
	}
	if err := c.journalFile.Sync(); err != nil {
		entry.CurrentEditor = nil
		return nil, false, err
	}

	return editor, true, nil
}

// Remove deletes key's published value, if any (spec §4.E "remove"). It
// returns false if the key is absent or currently being edited.
func (c *Cache) Remove(key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false, ErrClosed
	}

	entry, ok := c.index.Peek(key)
	if !ok || entry.CurrentEditor != nil {
		return false, nil
	}

	if err := c.removeEntryLocked(key, entry); err != nil {
		return false, err
	}
	c.maybeScheduleRebuild()

	return true, nil
}

// removeEntryLocked deletes entry's published clean files, subtracts its
// size from the running total, drops it from the index, and appends the
// REMOVE record. Must be called with c.mu held.
func (c *Cache) removeEntryLocked(key string, entry *entryindex.Entry) error {
	for i := 0; i < int(c.valueCount); i++ {
		if err := os.Remove(cleanPath(c.directory, key, i)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	c.size -= entry.TotalSize()
	c.index.Remove(key)
	return c.appendRecord(journal.Record{Op: journal.OpRemove, Key: key})
}

// Flush runs a trim pass and flushes the journal stream.
func (c *Cache) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if err := c.trimToSizeLocked(); err != nil {
		return err
	}
	return c.journalFile.Sync()
}

// Close aborts any in-progress editors, runs a final trim pass, stops the
// trimmer, and closes the journal stream. A closed cache rejects all
// further operations.
func (c *Cache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}

	for _, key := range c.index.Keys() {
		entry, ok := c.index.Peek(key)
		if !ok || entry.CurrentEditor == nil {
			continue
		}
		if editor, isEditor := entry.CurrentEditor.(*Editor); isEditor {
			_ = c.abortEditLocked(editor)
			editor.completed = true
		}
	}

	trimErr := c.trimToSizeLocked()

	var closeErr error
	if c.journalFile != nil {
		closeErr = c.journalFile.Close()
		c.journalFile = nil
	}
	c.closed = true
	c.mu.Unlock()

	c.trimQueue.Stop()
	_ = c.fileLock.Unlock()

	if trimErr != nil {
		return trimErr
	}
	return closeErr
}

// Delete closes the cache, then recursively deletes its directory contents.
func (c *Cache) Delete() error {
	if err := c.Close(); err != nil {
		return err
	}
	return c.wipeDirectory()
}

// Directory returns the cache's root directory.
func (c *Cache) Directory() string { return c.directory }

// MaxSize returns the configured soft byte budget.
func (c *Cache) MaxSize() int64 { return c.maxSize }

// Size returns the current sum of all readable entries' slot lengths.
func (c *Cache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// IsClosed reports whether Close or Delete has already run.
func (c *Cache) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// journalRebuildRequiredLocked implements spec §4.E "journal_rebuild_required".
func (c *Cache) journalRebuildRequiredLocked() bool {
	return c.redundantOpCount >= c.rebuildThreshold && c.redundantOpCount >= c.index.Len()
}

func (c *Cache) maybeScheduleRebuild() {
	if c.journalRebuildRequiredLocked() {
		c.trimQueue.Kick()
	}
}

func (c *Cache) scheduleTrimIfNeeded() {
	if c.size > c.maxSize || c.journalRebuildRequiredLocked() {
		c.trimQueue.Kick()
	}
}

// runTrimTask is the trimqueue.Task bound to this cache (spec §4.F): acquire
// the mutex, bail out if closed, trim to size, rebuild the journal if
// warranted.
func (c *Cache) runTrimTask(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	if err := c.trimToSizeLocked(); err != nil {
		return err
	}
	if c.journalRebuildRequiredLocked() {
		return c.rebuildJournalLocked()
	}
	return nil
}

// trimToSizeLocked evicts least-recently-used entries until size <= maxSize.
// Must be called with c.mu held.
func (c *Cache) trimToSizeLocked() error {
	for c.size > c.maxSize {
		candidate := c.index.EvictionCandidate()
		if candidate == nil {
			break
		}
		if candidate.CurrentEditor != nil {
			// Entries being edited cannot be evicted; nothing more can be
			// done this pass (spec §8 property 3 "modulo entries currently
			// being edited").
			break
		}
		for i := 0; i < int(c.valueCount); i++ {
			if err := os.Remove(cleanPath(c.directory, candidate.Key, i)); err != nil && !os.IsNotExist(err) {
				return err
			}
		}
		c.size -= candidate.TotalSize()
		c.index.Remove(candidate.Key)
		if c.metrics != nil {
			c.metrics.AddEvictions(1)
		}
		if err := c.appendRecord(journal.Record{Op: journal.OpRemove, Key: candidate.Key}); err != nil {
			return err
		}
	}
	return nil
}

// rebuildJournalLocked implements spec §4.E "rebuild_journal". Must be
// called with c.mu held.
func (c *Cache) rebuildJournalLocked() error {
	if c.journalFile != nil {
		if err := c.journalFile.Close(); err != nil {
			return err
		}
		c.journalFile = nil
	}

	records := make([]journal.Record, 0, c.index.Len())
	for _, key := range c.index.Keys() {
		entry, ok := c.index.Peek(key)
		if !ok {
			continue
		}
		if entry.CurrentEditor != nil {
			records = append(records, journal.Record{Op: journal.OpDirty, Key: key})
			continue
		}
		records = append(records, journal.Record{Op: journal.OpClean, Key: key, Lengths: entry.Lengths})
	}

	if err := writeJournalAtomically(c.directory, journal.Header{AppVersion: c.appVersion, ValueCount: c.valueCount}, records); err != nil {
		return err
	}

	f, err := os.OpenFile(journalPath(c.directory), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	c.journalFile = f
	c.redundantOpCount = 0
	return nil
}
