/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package entryindex

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/outpostdev/blobcache/testutil"
)

func TestIndexAccessOrder(t *testing.T) {
	idx := New(nil)
	idx.Put("a", &Entry{Key: "a"})
	idx.Put("b", &Entry{Key: "b"})
	idx.Put("c", &Entry{Key: "c"})

	require.Equal(t, []string{"a", "b", "c"}, idx.Keys())

	_, ok := idx.Get("a")
	require.True(t, ok)
	require.Equal(t, []string{"b", "c", "a"}, idx.Keys())

	require.Equal(t, "b", idx.EvictionCandidate().Key)
}

func TestIndexGetMissingIsSilent(t *testing.T) {
	idx := New(nil)
	idx.Put("a", &Entry{Key: "a"})
	_, ok := idx.Get("missing")
	require.False(t, ok)
	require.Equal(t, []string{"a"}, idx.Keys())
}

func TestIndexRemove(t *testing.T) {
	idx := New(nil)
	idx.Put("a", &Entry{Key: "a"})
	idx.Put("b", &Entry{Key: "b"})

	e, ok := idx.Remove("a")
	require.True(t, ok)
	require.Equal(t, "a", e.Key)
	require.Equal(t, 1, idx.Len())

	_, ok = idx.Remove("a")
	require.False(t, ok)
}

func TestIndexMetrics(t *testing.T) {
	m := NewPrometheusMetrics()
	idx := New(m)

	idx.Put("a", &Entry{Key: "a"})
	idx.Put("b", &Entry{Key: "b"})
	testutil.RequireSamplesCountInCounter(t, m.HitsTotal, 0)

	_, _ = idx.Get("a")
	_, _ = idx.Get("missing")
	testutil.RequireSamplesCountInCounter(t, m.HitsTotal, 1)
	testutil.RequireSamplesCountInCounter(t, m.MissesTotal, 1)

	_, _ = idx.Remove("a")
	require.Equal(t, float64(1), testutil.GaugeValue(t, m.EntriesAmount))
}
