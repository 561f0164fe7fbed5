package governor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheExpiresAfterTTL(t *testing.T) {
	g := New(Config{})
	c := g.Cache()
	c.Set("k", "v", 100*time.Millisecond)
	v, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", v)

	time.Sleep(150 * time.Millisecond)
	_, ok = c.Get("k")
	assert.False(t, ok)
	assert.Zero(t, c.Len(), "expired entry is deleted on read")
}

func TestCacheEvictsOldestByCreation(t *testing.T) {
	clock := newFakeClock()
	g := New(Config{CacheCapacity: 2}, WithClock(clock.Now))
	c := g.Cache()
	c.Set("a", 1, 0)
	clock.Advance(time.Second)
	c.Set("b", 2, 0)
	clock.Advance(time.Second)

	_, _ = c.Get("a")
	c.Set("c", 3, 0)

	_, ok := c.Get("a")
	assert.False(t, ok, "reads do not refresh age")
	_, ok = c.Get("b")
	assert.True(t, ok)
	_, ok = c.Get("c")
	assert.True(t, ok)
}

func TestCacheOverwriteResetsAge(t *testing.T) {
	clock := newFakeClock()
	g := New(Config{CacheCapacity: 2}, WithClock(clock.Now))
	c := g.Cache()
	c.Set("a", 1, time.Minute)
	clock.Advance(time.Second)
	c.Set("b", 2, 0)
	clock.Advance(50 * time.Second)
	c.Set("a", 10, time.Minute)
	clock.Advance(30 * time.Second)

	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 10, v)

	c.Set("c", 3, 0)
	_, ok = c.Get("b")
	assert.False(t, ok)
	assert.Equal(t, 2, c.Len())
}

func TestCacheExpiredEntryAbsentBeforeSweep(t *testing.T) {
	clock := newFakeClock()
	g := New(Config{}, WithClock(clock.Now))
	g.Cache().Set("k", "v", time.Second)
	clock.Advance(time.Second)
	_, ok := g.Cache().Get("k")
	assert.True(t, ok, "exactly ttl is not yet expired")
	clock.Advance(time.Millisecond)
	_, ok = g.Cache().Get("k")
	assert.False(t, ok)
}

func TestCacheDelete(t *testing.T) {
	g := New(Config{})
	g.Cache().Set("k", "v", 0)
	g.Cache().Delete("k")
	g.Cache().Delete("missing")
	_, ok := g.Cache().Get("k")
	assert.False(t, ok)
}

func TestSerializedSize(t *testing.T) {
	n, ok := serializedSize("abc")
	require.True(t, ok)
	assert.Equal(t, 3, n)
	n, ok = serializedSize(map[string]int{"a": 1})
	require.True(t, ok)
	assert.Equal(t, len(`{"a":1}`), n)
	_, ok = serializedSize(make(chan int))
	assert.False(t, ok)
}
