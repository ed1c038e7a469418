package sftpconn

import (
	"os"
	"syscall"
	"time"

	"github.com/pkg/errors"
)

// ErrNetworkDown is the error every offlineHandle operation returns,
// surfaced by the dispatcher as ENETDOWN for mutations and used by reads
// to fall back to the data/metadata caches (spec §7).
var ErrNetworkDown = syscall.ENETDOWN

// offlineHandle is the duck-typed stub from the original Python
// implementation's SftpOffline, re-expressed as the Capability interface
// (spec §9, "Polymorphism without inheritance"). Every method fails with
// ErrNetworkDown so callers degrade to serving from cache.
type offlineHandle struct{}

func (offlineHandle) Lstat(string) (Info, error) {
	return Info{}, wrapOffline("lstat")
}

func (offlineHandle) ListDir(string) ([]string, error) {
	return nil, wrapOffline("listdir")
}

func (offlineHandle) ReadLink(string) (string, error) {
	return "", wrapOffline("readlink")
}

func (offlineHandle) Open(string) (RemoteFile, error) {
	return nil, wrapOffline("open")
}

func (offlineHandle) OpenWrite(string) (RemoteFile, error) {
	return nil, wrapOffline("open for write")
}

func (offlineHandle) Create(string, os.FileMode) error {
	return wrapOffline("create")
}

func (offlineHandle) Mkdir(string) error {
	return wrapOffline("mkdir")
}

func (offlineHandle) Rmdir(string) error {
	return wrapOffline("rmdir")
}

func (offlineHandle) Unlink(string) error {
	return wrapOffline("unlink")
}

func (offlineHandle) Rename(string, string) error {
	return wrapOffline("rename")
}

func (offlineHandle) Symlink(string, string) error {
	return wrapOffline("symlink")
}

func (offlineHandle) Chmod(string, os.FileMode) error {
	return wrapOffline("chmod")
}

func (offlineHandle) Chown(string, int, int) error {
	return wrapOffline("chown")
}

func (offlineHandle) Truncate(string, int64) error {
	return wrapOffline("truncate")
}

func (offlineHandle) Utime(string, time.Time, time.Time) error {
	return wrapOffline("utime")
}

func wrapOffline(op string) error {
	return errors.Wrap(ErrNetworkDown, op)
}

var _ Capability = offlineHandle{}
