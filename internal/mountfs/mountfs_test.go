package mountfs

import (
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davechri/sshfs-offline/internal/datacache"
	"github.com/davechri/sshfs-offline/internal/metacache"
)

func newTestContext(t *testing.T) *MountContext {
	t.Helper()
	dc, err := datacache.New(t.TempDir(), "host", "/base")
	require.NoError(t, err)
	mc, err := metacache.New(t.TempDir(), "host", "/base", time.Minute, dc, func() bool { return true })
	require.NoError(t, err)
	return &MountContext{Data: dc, Meta: mc, CacheTimeout: time.Minute}
}

func TestChildVirtualPath(t *testing.T) {
	assert.Equal(t, "/a", childVirtualPath("/", "a"))
	assert.Equal(t, "/a/b", childVirtualPath("/a", "b"))
}

func TestInoIsStableAndDistinct(t *testing.T) {
	assert.Equal(t, ino("/a/b"), ino("/a/b"))
	assert.NotEqual(t, ino("/a/b"), ino("/a/c"))
}

func TestUnixMode(t *testing.T) {
	assert.Equal(t, uint32(syscall.S_IFREG|0o644), unixMode(os.FileMode(0o644)))
	assert.Equal(t, uint32(syscall.S_IFDIR|0o755), unixMode(os.ModeDir|os.FileMode(0o755)))
	assert.Equal(t, uint32(syscall.S_IFLNK|0o777), unixMode(os.ModeSymlink|os.FileMode(0o777)))
}

func TestStatFromRecordCarriesIdentity(t *testing.T) {
	rec := metacache.AttrRecord{Size: 123, Mode: unixMode(os.FileMode(0o644)), UID: 1000, GID: 1000, ModTime: time.Unix(1000, 0), ATime: time.Unix(1000, 0)}
	st := statFromRecord("/a/b", rec)
	assert.Equal(t, ino("/a/b"), st.Ino)
	assert.Equal(t, int64(123), st.Size)
	assert.Equal(t, uint32(1000), st.Uid)
}

func TestResolveAttrServesFromMetaCache(t *testing.T) {
	ctx := newTestContext(t)
	n := &Node{ctx: ctx}

	require.NoError(t, ctx.Meta.PutAttr("/a/b", metacache.AttrRecord{Size: 7}))
	rec, ok, errno := n.resolveAttr("/a/b")
	require.True(t, ok)
	assert.Equal(t, syscall.Errno(0), errno)
	assert.Equal(t, int64(7), rec.Size)
}

func TestResolveAttrNegativeRecordIsNotFound(t *testing.T) {
	ctx := newTestContext(t)
	n := &Node{ctx: ctx}

	require.NoError(t, ctx.Meta.PutAttr("/missing", metacache.AttrRecord{Negative: true}))
	_, ok, errno := n.resolveAttr("/missing")
	assert.False(t, ok)
	assert.Equal(t, syscall.ENOENT, errno)
}

func TestToDirEntriesIncludesDotEntries(t *testing.T) {
	entries := toDirEntries("/dir", []string{".", "..", "file1"})
	require.Len(t, entries, 3)
	assert.Equal(t, ".", entries[0].Name)
	assert.Equal(t, "file1", entries[2].Name)
	assert.Equal(t, ino("/dir/file1"), entries[2].Ino)
}
