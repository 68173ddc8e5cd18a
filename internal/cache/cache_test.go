package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/strata/internal/tablelog"
)

func TestGetMissOnEmptyCache(t *testing.T) {
	c, err := New(4, time.Minute)
	require.NoError(t, err)

	_, ok := c.Get("widgets")
	require.False(t, ok)
}

func TestPutThenGetHits(t *testing.T) {
	c, err := New(4, time.Minute)
	require.NoError(t, err)

	st := tablelog.State{Version: 3}
	c.Put("widgets", st)

	got, ok := c.Get("widgets")
	require.True(t, ok)
	require.Equal(t, st, got)
}

func TestInvalidateRemovesEntry(t *testing.T) {
	c, err := New(4, time.Minute)
	require.NoError(t, err)

	c.Put("widgets", tablelog.State{Version: 1})
	c.Invalidate("widgets")

	_, ok := c.Get("widgets")
	require.False(t, ok)
}

func TestRevalidationIntervalExpiresEntry(t *testing.T) {
	c, err := New(4, 10*time.Millisecond)
	require.NoError(t, err)

	c.Put("widgets", tablelog.State{Version: 1})
	time.Sleep(30 * time.Millisecond)

	_, ok := c.Get("widgets")
	require.False(t, ok, "entries older than the revalidation interval must be treated as a miss")
}

func TestZeroRevalidationIntervalNeverExpires(t *testing.T) {
	c, err := New(4, 0)
	require.NoError(t, err)

	c.Put("widgets", tablelog.State{Version: 1})
	time.Sleep(20 * time.Millisecond)

	_, ok := c.Get("widgets")
	require.True(t, ok)
}
