package blocklist

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFileAddsEntriesSkippingBlankAndComments(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "blocked_urls.txt")
	contents := "example.com\n\n# a comment\nhttp://WWW.Other.com/path\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	set := New()
	added, err := LoadFile(set, path)
	require.NoError(t, err)
	assert.Equal(t, 2, added)
	assert.True(t, set.Contains("example.com"))
	assert.True(t, set.Contains("other.com"))
}

func TestLoadFileMissingIsNotAnError(t *testing.T) {
	set := New()
	added, err := LoadFile(set, filepath.Join(t.TempDir(), "nope.txt"))
	require.NoError(t, err)
	assert.Equal(t, 0, added)
	assert.Equal(t, 0, set.Len())
}
