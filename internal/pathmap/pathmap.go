// Package pathmap translates FUSE virtual paths into remote SFTP paths, and
// into the on-disk paths used by the block and metadata caches.
//
// All functions here are pure and perform no I/O beyond the caller's own
// MkdirAll calls; see datacache and metacache for the writers that use them.
package pathmap

import (
	"path"
	"strconv"
	"strings"
)

// ToRemote strips the virtual root separator so path is interpreted
// relative to the connection manager's configured remote base directory.
func ToRemote(virtualPath string) string {
	return strings.TrimPrefix(virtualPath, "/")
}

// ToCacheKey replaces every path separator with '%', yielding a single
// filesystem-safe path segment suitable for use as a directory name under
// the metadata root.
func ToCacheKey(virtualPath string) string {
	key := strings.ReplaceAll(virtualPath, "/", "%")
	key = strings.ReplaceAll(key, "\\", "%")
	if key == "" {
		key = "%"
	}
	return key
}

// ToBlockPath returns the on-disk path of block n of virtualPath under
// dataRoot/host/basedir.
func ToBlockPath(dataRoot, host, basedir, virtualPath string, block int64) string {
	prefix := path.Join(dataRoot, host, strings.TrimPrefix(basedir, "/"))
	return path.Join(prefix, ToRemote(virtualPath)) + blockSuffix(block)
}

// ToBlockDir returns the directory that holds every block file for
// virtualPath, i.e. the directory part of ToBlockPath.
func ToBlockDir(dataRoot, host, basedir, virtualPath string) string {
	prefix := path.Join(dataRoot, host, strings.TrimPrefix(basedir, "/"))
	return path.Dir(path.Join(prefix, ToRemote(virtualPath)))
}

// BlockBasename returns the base name of virtualPath, which is the part of
// every block file name for virtualPath before its "-block<n>" suffix.
func BlockBasename(virtualPath string) string {
	return path.Base(virtualPath)
}

// ParentOf returns the virtual path of the parent directory of virtualPath.
// ParentOf("/") is "/".
func ParentOf(virtualPath string) string {
	if virtualPath == "/" || virtualPath == "" {
		return "/"
	}
	dir := path.Dir(virtualPath)
	if dir == "." {
		dir = "/"
	}
	return dir
}

// MetadataDir returns the directory under the metadata root in which the
// JSON entries for virtualPath live (getattr, readdir, readlink).
func MetadataDir(metadataRoot, host, basedir, virtualPath string) string {
	prefix := path.Join(metadataRoot, host, strings.TrimPrefix(basedir, "/"))
	return path.Join(prefix, ToCacheKey(virtualPath))
}

func blockSuffix(block int64) string {
	return "-block" + strconv.FormatInt(block, 10)
}

// ToBlockPathFromPrefix appends the "-block<n>" suffix to an
// already-resolved path prefix. Used by callers (datacache.Cache) that
// resolve their own root directory once rather than on every call.
func ToBlockPathFromPrefix(prefix string, block int64) string {
	return prefix + blockSuffix(block)
}
