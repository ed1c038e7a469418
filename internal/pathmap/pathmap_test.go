package pathmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestToRemote(t *testing.T) {
	assert.Equal(t, "foo/bar", ToRemote("/foo/bar"))
	assert.Equal(t, "", ToRemote("/"))
	assert.Equal(t, "foo", ToRemote("foo"))
}

func TestToCacheKey(t *testing.T) {
	assert.Equal(t, "%foo%bar", ToCacheKey("/foo/bar"))
	assert.Equal(t, "%", ToCacheKey("/"))
	assert.Equal(t, "%", ToCacheKey(""))
}

func TestToBlockPath(t *testing.T) {
	got := ToBlockPath("/data", "example.com", "/home/user", "/dir/file.txt", 2)
	assert.Equal(t, "/data/example.com/home/user/dir/file.txt-block2", got)
}

func TestParentOf(t *testing.T) {
	assert.Equal(t, "/dir", ParentOf("/dir/file.txt"))
	assert.Equal(t, "/", ParentOf("/file.txt"))
	assert.Equal(t, "/", ParentOf("/"))
}

func TestMetadataDir(t *testing.T) {
	got := MetadataDir("/meta", "example.com", "/home/user", "/dir/file.txt")
	assert.Equal(t, "/meta/example.com/home/user/%dir%file.txt", got)
}
