package respcache

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGetMissThenSetThenHit(t *testing.T) {
	c := New(10)
	key := Key(http.MethodGet, "https://api.example.com/v1/models")

	_, ok := c.Get(key)
	require.False(t, ok)

	c.Set(key, Entry{StatusCode: 200, Body: []byte("cached")}, time.Minute)
	entry, ok := c.Get(key)
	require.True(t, ok)
	require.Equal(t, []byte("cached"), entry.Body)
}

func TestEntryExpiresLazily(t *testing.T) {
	c := New(10)
	key := Key(http.MethodGet, "https://api.example.com/v1/models")
	c.Set(key, Entry{StatusCode: 200}, time.Millisecond)

	time.Sleep(5 * time.Millisecond)
	_, ok := c.Get(key)
	require.False(t, ok)
	require.Equal(t, 0, c.Len())
}

func TestEvictsLeastRecentlyUsedAtCapacity(t *testing.T) {
	c := New(2)
	c.Set("a", Entry{StatusCode: 200}, time.Minute)
	c.Set("b", Entry{StatusCode: 200}, time.Minute)

	// Touch "a" so "b" becomes the least-recently-used entry.
	_, _ = c.Get("a")
	c.Set("c", Entry{StatusCode: 200}, time.Minute)

	_, ok := c.Get("b")
	require.False(t, ok)
	_, ok = c.Get("a")
	require.True(t, ok)
	_, ok = c.Get("c")
	require.True(t, ok)
}
