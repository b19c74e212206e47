package blocklist

import (
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNormalizationEquivalences is invariant 5 from spec §8.
func TestNormalizationEquivalences(t *testing.T) {
	for _, in := range []string{
		"http://WWW.Example.com/x",
		"www.example.com",
		"example.com",
	} {
		got, ok := Normalize(in)
		require.True(t, ok, in)
		assert.Equal(t, "example.com", got, in)
	}
}

// TestNormalizeIdempotent is invariant 4 from spec §8.
func TestNormalizeIdempotent(t *testing.T) {
	for _, in := range []string{
		"http://WWW.Example.com/x",
		"example.com",
		"sub.example.com:8080",
		"https://Example.COM:443/path?q=1",
	} {
		once, ok := Normalize(in)
		require.True(t, ok, in)
		twice, ok := Normalize(once)
		require.True(t, ok, in)
		assert.Equal(t, once, twice, in)
	}
}

func TestNormalizeInvalid(t *testing.T) {
	for _, in := range []string{
		"",
		"://bad",
		"http://",
	} {
		_, ok := Normalize(in)
		assert.False(t, ok, in)
	}
}

func TestNormalizeStripsPort(t *testing.T) {
	got, ok := Normalize("example.com:8443")
	require.True(t, ok)
	assert.Equal(t, "example.com", got)
}

// TestBlockEnforcement is invariant 6 from spec §8.
func TestBlockEnforcement(t *testing.T) {
	set := New()
	added := set.Add("http://Example.com")
	assert.True(t, added)

	for _, in := range []string{
		"example.com",
		"www.example.com",
		"EXAMPLE.COM",
		"http://www.example.com/path",
	} {
		assert.True(t, set.Contains(in), in)
	}
	assert.False(t, set.Contains("other.com"))
}

func TestSetAddIsInsertionOnlyAndReportsNovelty(t *testing.T) {
	set := New()
	assert.True(t, set.Add("example.com"))
	assert.False(t, set.Add("example.com"))
	assert.False(t, set.Add("www.example.com")) // normalizes to the same key
	assert.Equal(t, 1, set.Len())
}

func TestSetAddInvalidInputIsRejected(t *testing.T) {
	set := New()
	assert.False(t, set.Add(""))
	assert.Equal(t, 0, set.Len())
}

func TestConcurrentAddAndContains(t *testing.T) {
	set := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		host := "host" + strconv.Itoa(i) + ".example.com"
		go func() {
			defer wg.Done()
			set.Add(host)
		}()
		go func() {
			defer wg.Done()
			set.Contains(host)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, set.Len(), 50)
}
