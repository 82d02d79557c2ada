/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package blobcache

import (
	"path/filepath"
	"strconv"
	"strings"
)

const (
	journalFileName    = "journal"
	journalTmpFileName = "journal.tmp"
)

// cleanPath returns the on-disk path of slot i's published value for key
// (spec §4.A). Pure function of its inputs; no filesystem access.
func cleanPath(dir, key string, i int) string {
	return filepath.Join(dir, key+"."+strconv.Itoa(i))
}

// dirtyPath returns the on-disk path of slot i's in-progress value for key.
func dirtyPath(dir, key string, i int) string {
	return cleanPath(dir, key, i) + ".tmp"
}

// journalPath returns the cache directory's journal file path.
func journalPath(dir string) string {
	return filepath.Join(dir, journalFileName)
}

// journalTmpPath returns the cache directory's temporary journal file path,
// used while writing a fresh or rebuilt journal before the atomic rename.
func journalTmpPath(dir string) string {
	return filepath.Join(dir, journalTmpFileName)
}

// validateKey checks the key invariant from spec §3 / §8 property 7: non-empty,
// no space, CR, or LF.
func validateKey(key string) error {
	if key == "" {
		return ErrInvalidKey
	}
	if strings.ContainsAny(key, " \r\n") {
		return ErrInvalidKey
	}
	return nil
}
