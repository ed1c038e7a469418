package mountfs

import (
	"context"
	"os"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/davechri/sshfs-offline/internal/cachelog"
	"github.com/davechri/sshfs-offline/internal/pathmap"
	"github.com/davechri/sshfs-offline/internal/sftpconn"
)

var zeroTime time.Time

// getUIDGID reports a combined (uid, gid, ok) from a SetAttrIn where
// either field alone may be set; the missing half is filled from the
// node's current cached attributes so a chown of only one of the pair
// does not clobber the other with zero.
func (n *Node) getUIDGID(virtualPath string, in *fuse.SetAttrIn) (uint32, uint32, bool) {
	uid, uidOK := in.GetUID()
	gid, gidOK := in.GetGID()
	if !uidOK && !gidOK {
		return 0, 0, false
	}
	if uidOK && gidOK {
		return uid, gid, true
	}
	rec, ok, _ := n.resolveAttr(virtualPath)
	if !ok {
		return 0, 0, false
	}
	if !uidOK {
		uid = uint32(rec.UID)
	}
	if !gidOK {
		gid = uint32(rec.GID)
	}
	return uid, gid, true
}

// getTimes reports a combined (atime, mtime, ok) the same way, defaulting
// an absent half to the current wall-clock time as utimensat(2) does for
// UTIME_NOW.
func (n *Node) getTimes(virtualPath string, in *fuse.SetAttrIn) (time.Time, time.Time, bool) {
	atime, atimeOK := in.GetATime()
	mtime, mtimeOK := in.GetMTime()
	if !atimeOK && !mtimeOK {
		return time.Time{}, time.Time{}, false
	}
	now := time.Now()
	if !atimeOK {
		atime = now
	}
	if !mtimeOK {
		mtime = now
	}
	return atime, mtime, true
}

// Lookup implements fs.NodeLookuper: find a direct child by name.
func (n *Node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	childPath := childVirtualPath(n.virtualPath(), name)
	rec, ok, errno := n.resolveAttr(childPath)
	if !ok {
		return nil, errno
	}
	st := statFromRecord(childPath, rec)
	out.FromStat(&st)
	out.SetEntryTimeout(n.ctx.CacheTimeout)
	out.SetAttrTimeout(n.ctx.CacheTimeout)

	child := &Node{ctx: n.ctx}
	return n.NewInode(ctx, child, fs.StableAttr{Mode: st.Mode, Ino: st.Ino}), 0
}

// staticDirStream serves an already-materialised directory listing.
type staticDirStream struct {
	entries []fuse.DirEntry
	index   int
}

func (s *staticDirStream) HasNext() bool { return s.index < len(s.entries) }

func (s *staticDirStream) Next() (fuse.DirEntry, syscall.Errno) {
	e := s.entries[s.index]
	s.index++
	return e, 0
}

func (s *staticDirStream) Close() {}

// Readdir implements fs.NodeReaddirer (spec §4.5 readdir row).
func (n *Node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	p := n.virtualPath()

	if listing, hit := n.ctx.Meta.Readdir(p); hit {
		return &staticDirStream{entries: toDirEntries(p, listing)}, 0
	}

	var names []string
	err := n.ctx.withCapability(func(cap sftpconn.Capability) error {
		var lerr error
		names, lerr = cap.ListDir(pathmap.ToRemote(p))
		return lerr
	})
	if err != nil {
		return nil, fs.ToErrno(err)
	}

	listing := append([]string{".", ".."}, names...)
	if perr := n.ctx.Meta.PutReaddir(p, listing); perr != nil {
		cachelog.Errorf("mountfs", "caching readdir for %s: %v", p, perr)
	}
	return &staticDirStream{entries: toDirEntries(p, listing)}, 0
}

func toDirEntries(parent string, listing []string) []fuse.DirEntry {
	entries := make([]fuse.DirEntry, 0, len(listing))
	for _, name := range listing {
		switch name {
		case ".", "..":
			entries = append(entries, fuse.DirEntry{Name: name, Mode: syscall.S_IFDIR})
			continue
		}
		entries = append(entries, fuse.DirEntry{
			Name: name,
			Ino:  ino(childVirtualPath(parent, name)),
		})
	}
	return entries
}

// Readlink implements fs.NodeReadlinker (spec §4.5 readlink row).
func (n *Node) Readlink(ctx context.Context) ([]byte, syscall.Errno) {
	p := n.virtualPath()

	if target, hit := n.ctx.Meta.Readlink(p); hit {
		return []byte(target), 0
	}

	var target string
	err := n.ctx.withCapability(func(cap sftpconn.Capability) error {
		var lerr error
		target, lerr = cap.ReadLink(pathmap.ToRemote(p))
		return lerr
	})
	if err != nil {
		return nil, fs.ToErrno(err)
	}
	if perr := n.ctx.Meta.PutReadlink(p, target); perr != nil {
		cachelog.Errorf("mountfs", "caching readlink for %s: %v", p, perr)
	}
	return []byte(target), 0
}

// Setattr implements fs.NodeSetattrer, covering chmod/chown/truncate/
// utimens (spec §4.5): every field change invalidates the path's
// metadata entry, and size/time changes additionally evict stale data
// blocks, before issuing the corresponding remote call.
func (n *Node) Setattr(ctx context.Context, f fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	p := n.virtualPath()
	remote := pathmap.ToRemote(p)

	if err := n.ctx.Meta.DeleteMetadata(p); err != nil {
		cachelog.Errorf("mountfs", "invalidating %s before setattr: %v", p, err)
	}

	if mode, ok := in.GetMode(); ok {
		err := n.ctx.withCapability(func(cap sftpconn.Capability) error {
			return cap.Chmod(remote, os.FileMode(mode&0o7777))
		})
		if err != nil {
			return fs.ToErrno(err)
		}
	}
	if uid, gid, ok := n.getUIDGID(p, in); ok {
		err := n.ctx.withCapability(func(cap sftpconn.Capability) error {
			return cap.Chown(remote, int(uid), int(gid))
		})
		if err != nil {
			return fs.ToErrno(err)
		}
	}
	if size, ok := in.GetSize(); ok {
		if err := n.ctx.Data.RemoveStaleBlocks(p, zeroTime); err != nil {
			cachelog.Errorf("mountfs", "removing blocks before truncate of %s: %v", p, err)
		}
		err := n.ctx.withCapability(func(cap sftpconn.Capability) error {
			return cap.Truncate(remote, int64(size))
		})
		if err != nil {
			return fs.ToErrno(err)
		}
	}
	if atime, mtime, ok := n.getTimes(p, in); ok {
		if err := n.ctx.Data.RemoveStaleBlocks(p, zeroTime); err != nil {
			cachelog.Errorf("mountfs", "removing blocks before utimens of %s: %v", p, err)
		}
		err := n.ctx.withCapability(func(cap sftpconn.Capability) error {
			return cap.Utime(remote, atime, mtime)
		})
		if err != nil {
			return fs.ToErrno(err)
		}
	}

	return n.Getattr(ctx, f, out)
}
