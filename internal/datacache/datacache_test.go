package datacache

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davechri/sshfs-offline/internal/sftpconn"
)

// fakeRemote is a minimal sftpconn.Capability double that serves reads
// from an in-memory byte slice, used to drive Cache.Read without a real
// SFTP session.
type fakeRemote struct {
	sftpconn.Capability
	content []byte
	opens   int
}

type fakeFile struct {
	content []byte
	pos     int64
}

func (f *fakeRemote) Open(string) (sftpconn.RemoteFile, error) {
	f.opens++
	return &fakeFile{content: f.content}, nil
}

func (f *fakeFile) Read(p []byte) (int, error) {
	if f.pos >= int64(len(f.content)) {
		return 0, io.EOF
	}
	n := copy(p, f.content[f.pos:])
	f.pos += int64(n)
	var err error
	if f.pos >= int64(len(f.content)) {
		err = io.EOF
	}
	return n, err
}

func (f *fakeFile) Write(p []byte) (int, error)          { return len(p), nil }
func (f *fakeFile) Seek(off int64, whence int) (int64, error) {
	f.pos = off
	return f.pos, nil
}
func (f *fakeFile) Close() error      { return nil }
func (f *fakeFile) Prefetch(int) error { return nil }

func makeContent(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func TestReadSingleBlockMissThenHit(t *testing.T) {
	dir := t.TempDir()
	c, err := New(dir, "host", "/base")
	require.NoError(t, err)

	content := makeContent(BlockSize + 100)
	remote := &fakeRemote{content: content}

	got, err := c.Read(remote, "/a/b.txt", 10, 5)
	require.NoError(t, err)
	assert.Equal(t, content[5:15], got)
	assert.Equal(t, 1, remote.opens, "first read is a miss and must hit the remote once")

	got2, err := c.Read(remote, "/a/b.txt", 10, 5)
	require.NoError(t, err)
	assert.Equal(t, content[5:15], got2)
	assert.Equal(t, 1, remote.opens, "second read of a cached block must not touch the remote")
}

func TestReadSpanningTwoBlocksPrefetches(t *testing.T) {
	dir := t.TempDir()
	c, err := New(dir, "host", "/base")
	require.NoError(t, err)

	content := makeContent(3 * BlockSize)
	remote := &fakeRemote{content: content}

	offset := int64(BlockSize - 10)
	size := 20
	got, err := c.Read(remote, "/f", size, offset)
	require.NoError(t, err)
	assert.Equal(t, content[offset:offset+int64(size)], got)
}

func TestReadNeverReturnsMoreThanSizeOnAlignedBoundary(t *testing.T) {
	dir := t.TempDir()
	c, err := New(dir, "host", "/base")
	require.NoError(t, err)

	content := makeContent(BlockSize)
	remote := &fakeRemote{content: content}

	got, err := c.Read(remote, "/f", BlockSize, 0)
	require.NoError(t, err)
	assert.Len(t, got, BlockSize)
}

func TestRemoveStaleBlocksUnconditional(t *testing.T) {
	dir := t.TempDir()
	c, err := New(dir, "host", "/base")
	require.NoError(t, err)

	prefix := c.blockPathPrefix("/f")
	require.NoError(t, os.MkdirAll(filepath.Dir(prefix), 0o755))
	require.NoError(t, writeBlockAtomic(blockFilePath(prefix, 0), []byte("x")))
	require.NoError(t, writeBlockAtomic(blockFilePath(prefix, 1), []byte("y")))

	require.NoError(t, c.RemoveStaleBlocks("/f", time.Time{}))

	_, err = os.Stat(blockFilePath(prefix, 0))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(blockFilePath(prefix, 1))
	assert.True(t, os.IsNotExist(err))
}

func TestStatvfsReturnsZeroWhenNoBlockExists(t *testing.T) {
	dir := t.TempDir()
	c, err := New(dir, "host", "/base")
	require.NoError(t, err)

	stats, err := c.Statvfs("/never/fetched")
	require.NoError(t, err)
	assert.Equal(t, FsStats{}, stats)
}
