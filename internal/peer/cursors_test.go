package peer

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amaydixit11/meshd/internal/store"
)

func newTestCursors(t *testing.T) *Cursors {
	t.Helper()
	dir, err := os.MkdirTemp("", "meshd-cursors-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	st, err := store.Open(dir)
	require.NoError(t, err)
	return NewCursors(st)
}

func TestCursorDefaultsToZero(t *testing.T) {
	c := newTestCursors(t)

	ts, err := c.Get("n1-aaaa")
	require.NoError(t, err)
	assert.Equal(t, 0.0, ts)
}

func TestCursorSetAndGet(t *testing.T) {
	c := newTestCursors(t)

	require.NoError(t, c.Set("n1-aaaa", 100.5))
	ts, err := c.Get("n1-aaaa")
	require.NoError(t, err)
	assert.Equal(t, 100.5, ts)

	// other peers are unaffected
	ts, err = c.Get("n2-bbbb")
	require.NoError(t, err)
	assert.Equal(t, 0.0, ts)
}

func TestCursorIsMonotonic(t *testing.T) {
	c := newTestCursors(t)

	require.NoError(t, c.Set("n1-aaaa", 200))
	require.NoError(t, c.Set("n1-aaaa", 150)) // late finisher, ignored

	ts, err := c.Get("n1-aaaa")
	require.NoError(t, err)
	assert.Equal(t, 200.0, ts)
}

func TestCursorForget(t *testing.T) {
	c := newTestCursors(t)

	require.NoError(t, c.Set("n1-aaaa", 300))
	require.NoError(t, c.Forget("n1-aaaa"))

	ts, err := c.Get("n1-aaaa")
	require.NoError(t, err)
	assert.Equal(t, 0.0, ts)
}
