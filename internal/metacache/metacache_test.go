package metacache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davechri/sshfs-offline/internal/datacache"
)

func newTestCache(t *testing.T, ttl time.Duration, connected bool) *Cache {
	t.Helper()
	dataDir := t.TempDir()
	metaDir := t.TempDir()
	dc, err := datacache.New(dataDir, "host", "/base")
	require.NoError(t, err)
	mc, err := New(metaDir, "host", "/base", ttl, dc, func() bool { return connected })
	require.NoError(t, err)
	return mc
}

func TestGetAttrRoundTrip(t *testing.T) {
	c := newTestCache(t, time.Minute, true)

	_, ok := c.GetAttr("/a/b")
	assert.False(t, ok)

	rec := AttrRecord{Size: 42, ModTime: time.Now()}
	require.NoError(t, c.PutAttr("/a/b", rec))

	got, ok := c.GetAttr("/a/b")
	require.True(t, ok)
	assert.Equal(t, int64(42), got.Size)
}

func TestGetAttrExpiresByTTL(t *testing.T) {
	c := newTestCache(t, time.Nanosecond, true)
	require.NoError(t, c.PutAttr("/a/b", AttrRecord{Size: 1}))
	// the in-memory accelerator shares the same TTL, so let it and the
	// disk entry's ctime-based TTL both lapse.
	time.Sleep(5 * time.Millisecond)
	_, ok := c.GetAttr("/a/b")
	assert.False(t, ok)
}

func TestNegativeAttrRecordIsDistinctFromZeroValue(t *testing.T) {
	c := newTestCache(t, time.Minute, true)
	require.NoError(t, c.PutAttr("/missing", AttrRecord{Negative: true}))

	got, ok := c.GetAttr("/missing")
	require.True(t, ok)
	assert.True(t, got.Negative)
}

func TestReaddirRoundTrip(t *testing.T) {
	c := newTestCache(t, time.Minute, true)
	_, ok := c.Readdir("/dir")
	assert.False(t, ok)

	require.NoError(t, c.PutReaddir("/dir", []string{".", "..", "file1"}))
	got, ok := c.Readdir("/dir")
	require.True(t, ok)
	assert.Equal(t, []string{".", "..", "file1"}, got)
}

func TestReadlinkRoundTrip(t *testing.T) {
	c := newTestCache(t, time.Minute, true)
	require.NoError(t, c.PutReadlink("/link", "/target"))
	got, ok := c.Readlink("/link")
	require.True(t, ok)
	assert.Equal(t, "/target", got)
}

func TestDeleteMetadataSuppressedWhileOffline(t *testing.T) {
	c := newTestCache(t, time.Minute, true)
	require.NoError(t, c.PutAttr("/a", AttrRecord{Size: 1}))

	c.connected = func() bool { return false }
	require.NoError(t, c.DeleteMetadata("/a"))

	c.connected = func() bool { return true }
	_, ok := c.GetAttr("/a")
	assert.True(t, ok, "entry must survive a delete attempted while offline")
}

func TestDeleteParentMetadataTargetsParent(t *testing.T) {
	c := newTestCache(t, time.Minute, true)
	require.NoError(t, c.PutReaddir("/dir", []string{"x"}))
	require.NoError(t, c.DeleteParentMetadata("/dir/child"))

	_, ok := c.Readdir("/dir")
	assert.False(t, ok)
}

func TestWriteSuppressedWhileOffline(t *testing.T) {
	c := newTestCache(t, time.Minute, false)
	require.NoError(t, c.PutAttr("/a", AttrRecord{Size: 1}))

	_, ok := c.GetAttr("/a")
	assert.False(t, ok, "nothing should have been persisted while offline")
}
