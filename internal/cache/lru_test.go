package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetMissOnEmptyCache(t *testing.T) {
	c := New(Options{})
	_, ok := c.Get("http://origin/x")
	assert.False(t, ok)
}

func TestPutThenGetHit(t *testing.T) {
	c := New(Options{})
	c.Put("http://origin/x", []byte("hello"))

	v, ok := c.Get("http://origin/x")
	require.True(t, ok)
	assert.Equal(t, []byte("hello"), v)
}

func TestPutReplacesAndPromotes(t *testing.T) {
	c := New(Options{MaxTotalBytes: 10})
	c.Put("k", []byte("aaaaa"))
	c.Put("k", []byte("bb"))

	v, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, []byte("bb"), v)
	assert.EqualValues(t, 2, c.CurrentBytes())
}

// TestLRUEvictionOrder is invariant 2 from spec §8: after
// put(k1,v1), put(k2,v2), get(k1), put(k3,v3) where all three values
// force eviction of one, k2 (the least-recently-used) is evicted.
func TestLRUEvictionOrder(t *testing.T) {
	c := New(Options{MaxTotalBytes: 2})
	c.Put("k1", []byte("a"))
	c.Put("k2", []byte("a"))
	_, _ = c.Get("k1")
	c.Put("k3", []byte("a"))

	_, ok1 := c.Get("k1")
	_, ok2 := c.Get("k2")
	_, ok3 := c.Get("k3")

	assert.True(t, ok1, "k1 was recently used and must survive")
	assert.False(t, ok2, "k2 is least-recently-used and must be evicted")
	assert.True(t, ok3, "k3 was just inserted and must survive")
}

// TestOversizeEntryIsDropped is invariant 3 from spec §8.
func TestOversizeEntryIsDropped(t *testing.T) {
	c := New(Options{MaxEntryBytes: 10})
	big := make([]byte, 11)

	before := c.Stats()
	c.Put("big", big)
	after := c.Stats()

	_, ok := c.Get("big")
	assert.False(t, ok)
	assert.Equal(t, before.CurrentBytes, after.CurrentBytes)
	assert.Equal(t, before.Entries, after.Entries)
	assert.Equal(t, before.OversizeDrops+1, after.OversizeDrops)
}

func TestOversizeReplacementEvictsExistingSmallerEntry(t *testing.T) {
	c := New(Options{MaxEntryBytes: 10})
	c.Put("k", []byte("small"))
	c.Put("k", make([]byte, 11))

	_, ok := c.Get("k")
	assert.False(t, ok)
}

// TestCurrentBytesNeverExceedsBudget is invariant 1 from spec §8:
// current_bytes <= MAX_TOTAL_BYTES after every Put returns.
func TestCurrentBytesNeverExceedsBudget(t *testing.T) {
	c := New(Options{MaxTotalBytes: 100, MaxEntryBytes: 1000})
	for i := 0; i < 50; i++ {
		c.Put(string(rune('a'+i%26))+"-key", make([]byte, 7))
		assert.LessOrEqual(t, c.CurrentBytes(), int64(100))
	}
}

func TestKeyDigestIsDeterministic(t *testing.T) {
	assert.Equal(t, KeyDigest("http://origin/x"), KeyDigest("http://origin/x"))
	assert.NotEqual(t, KeyDigest("http://origin/x"), KeyDigest("http://origin/y"))
}
