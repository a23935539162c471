package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// TestEchoSetObservesWithoutConsuming checks that lookups observe without
// consuming: a single publish fanned out across many channels
// is looked up multiple times and must be recognized as a local echo on
// every one of them, not just the first.
func TestEchoSetObservesWithoutConsuming(t *testing.T) {
	e := newEchoSet()
	e.record("msg-1")

	assert.True(t, e.isLocalEcho("msg-1"))
	assert.True(t, e.isLocalEcho("msg-1"))
	assert.True(t, e.isLocalEcho("msg-1"))
	assert.False(t, e.isLocalEcho("msg-2"))
}

// TestEchoSetSweepDropsOnlyAgedEntries checks that sweep removes entries
// older than localEchoMaxAge while leaving fresh ones intact.
func TestEchoSetSweepDropsOnlyAgedEntries(t *testing.T) {
	e := newEchoSet()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return now }

	e.record("old")
	now = now.Add(301 * time.Second)
	e.record("fresh")

	removed := e.sweep()
	assert.Equal(t, 1, removed)
	assert.False(t, e.isLocalEcho("old"))
	assert.True(t, e.isLocalEcho("fresh"))
}
