/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package blobcache

import "errors"

// Argument errors: raised synchronously as programmer errors (spec §7).
var (
	ErrInvalidValueCount = errors.New("blobcache: value_count must be > 0")
	ErrInvalidMaxSize    = errors.New("blobcache: max_size must be > 0")
	ErrInvalidKey        = errors.New("blobcache: key must be non-empty and contain no space, CR, or LF")
)

// State errors: raised synchronously (spec §7).
var (
	ErrClosed                 = errors.New("blobcache: cache is closed")
	ErrFirstPublishIncomplete = errors.New("blobcache: commit of a never-published entry requires all slots to be written")
	ErrEditorAlreadyCompleted = errors.New("blobcache: editor already committed or aborted")
	ErrSlotIndexOutOfRange    = errors.New("blobcache: slot index out of range")
)
