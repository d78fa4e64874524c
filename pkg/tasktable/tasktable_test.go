package tasktable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnnounceThenTouchThenFree(t *testing.T) {
	tbl := New()

	tbl.Announce(42, "nginx", 7, 100)
	e, ok := tbl.Lookup(42)
	require.True(t, ok)
	assert.Equal(t, "nginx", e.Comm)
	assert.True(t, e.Alive)
	assert.Equal(t, uint64(100), e.FirstSeenNs)

	tbl.Touch(42, 200)
	e, _ = tbl.Lookup(42)
	assert.Equal(t, uint64(200), e.LastSeenNs)

	tbl.Free(42, 300)
	e, _ = tbl.Lookup(42)
	assert.False(t, e.Alive)
	assert.Equal(t, uint64(300), e.LastSeenNs)
}

func TestTouchUnknownPidIsNoop(t *testing.T) {
	tbl := New()
	tbl.Touch(7, 100)
	_, ok := tbl.Lookup(7)
	assert.False(t, ok)
}

func TestGCPurgesOnlyDeadEntriesBelowHorizon(t *testing.T) {
	tbl := New()
	tbl.Announce(1, "a", 0, 100)
	tbl.Free(1, 150)

	tbl.Announce(2, "b", 0, 100)
	tbl.Free(2, 500)

	tbl.Announce(3, "c", 0, 100) // still alive

	purged := tbl.GC(200)
	assert.Equal(t, 1, purged)

	_, ok := tbl.Lookup(1)
	assert.False(t, ok, "dead entry below horizon should be purged")

	_, ok = tbl.Lookup(2)
	assert.True(t, ok, "dead entry at/above horizon must survive")

	_, ok = tbl.Lookup(3)
	assert.True(t, ok, "live entry must never be purged")

	assert.Equal(t, 2, tbl.Len())
}
