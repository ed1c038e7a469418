// Package sftpconn is the connection manager (C2): it owns a pool of live
// SFTP sessions, authenticates against the configured host, and falls back
// to an offline stub when the network is unreachable. It is the only
// package that touches the SFTP/SSH libraries directly, grounded on the
// teacher's backend/sftp/sftp.go connection-pool and ssh_internal.go
// client/session abstraction.
package sftpconn

import (
	"io"
	"os"
	"time"
)

// RemoteFile is the subset of an open SFTP file the rest of the system
// needs: seekable reads/writes plus a read-ahead hint.
type RemoteFile interface {
	io.Reader
	io.Writer
	io.Seeker
	io.Closer
	// Prefetch requests the SFTP client start fetching n bytes from the
	// current position in the background, matching the burst read used
	// by the data cache's two-block fetch (spec §4.3).
	Prefetch(n int) error
}

// Info is a minimal remote stat record; a subset of os.FileInfo plus the
// POSIX fields the metadata cache's AttrRecord requires.
type Info struct {
	Name    string
	Size    int64
	Mode    os.FileMode
	ModTime time.Time
	IsDir   bool
	IsLink  bool
	UID     int
	GID     int
	ATime   time.Time
}

// Capability is the SFTP operation set consumed by the rest of the
// system (spec §6). It has exactly two implementors: liveSession, backed
// by a real *sftp.Client, and offlineHandle, a stub that fails every call
// with ErrNetworkDown.
type Capability interface {
	Lstat(remotePath string) (Info, error)
	ListDir(remotePath string) ([]string, error)
	ReadLink(remotePath string) (string, error)
	Open(remotePath string) (RemoteFile, error)
	OpenWrite(remotePath string) (RemoteFile, error)
	Create(remotePath string, mode os.FileMode) error
	Mkdir(remotePath string) error
	Rmdir(remotePath string) error
	Unlink(remotePath string) error
	Rename(oldPath, newPath string) error
	Symlink(target, linkPath string) error
	Chmod(remotePath string, mode os.FileMode) error
	Chown(remotePath string, uid, gid int) error
	Truncate(remotePath string, size int64) error
	Utime(remotePath string, atime, mtime time.Time) error
}
