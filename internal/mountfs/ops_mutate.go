package mountfs

import (
	"context"
	"os"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/davechri/sshfs-offline/internal/cachelog"
	"github.com/davechri/sshfs-offline/internal/pathmap"
	"github.com/davechri/sshfs-offline/internal/sftpconn"
)

func (n *Node) invalidate(virtualPath string, op string) {
	if err := n.ctx.Meta.DeleteMetadata(virtualPath); err != nil {
		cachelog.Errorf("mountfs", "invalidating %s before %s: %v", virtualPath, op, err)
	}
	if err := n.ctx.Meta.DeleteParentMetadata(virtualPath); err != nil {
		cachelog.Errorf("mountfs", "invalidating parent of %s before %s: %v", virtualPath, op, err)
	}
}

func (n *Node) newChildInode(ctx context.Context, childPath string, mode uint32) *fs.Inode {
	child := &Node{ctx: n.ctx}
	return n.NewInode(ctx, child, fs.StableAttr{Mode: mode, Ino: ino(childPath)})
}

// Create implements fs.NodeCreater (spec §4.5 create row): invalidate the
// path and its parent listing, then create the file remotely with the
// requested mode.
func (n *Node) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	childPath := childVirtualPath(n.virtualPath(), name)
	remote := pathmap.ToRemote(childPath)

	n.invalidate(childPath, "create")

	err := n.ctx.withCapability(func(cap sftpconn.Capability) error {
		return cap.Create(remote, os.FileMode(mode&0o7777))
	})
	if err != nil {
		return nil, nil, 0, fs.ToErrno(err)
	}

	rec, ok, errno := n.resolveAttr(childPath)
	if !ok {
		return nil, nil, 0, errno
	}
	st := statFromRecord(childPath, rec)
	out.FromStat(&st)
	out.SetEntryTimeout(n.ctx.CacheTimeout)
	out.SetAttrTimeout(n.ctx.CacheTimeout)

	return n.newChildInode(ctx, childPath, st.Mode), nil, 0, 0
}

// Mkdir implements fs.NodeMkdirer (spec §4.5 mkdir row).
func (n *Node) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	childPath := childVirtualPath(n.virtualPath(), name)
	remote := pathmap.ToRemote(childPath)

	n.invalidate(childPath, "mkdir")

	err := n.ctx.withCapability(func(cap sftpconn.Capability) error {
		return cap.Mkdir(remote)
	})
	if err != nil {
		return nil, fs.ToErrno(err)
	}

	rec, ok, errno := n.resolveAttr(childPath)
	if !ok {
		return nil, errno
	}
	st := statFromRecord(childPath, rec)
	out.FromStat(&st)
	out.SetEntryTimeout(n.ctx.CacheTimeout)
	out.SetAttrTimeout(n.ctx.CacheTimeout)

	return n.newChildInode(ctx, childPath, st.Mode), 0
}

// Rmdir implements fs.NodeRmdirer (spec §4.5 rmdir row).
func (n *Node) Rmdir(ctx context.Context, name string) syscall.Errno {
	childPath := childVirtualPath(n.virtualPath(), name)
	remote := pathmap.ToRemote(childPath)

	n.invalidate(childPath, "rmdir")

	err := n.ctx.withCapability(func(cap sftpconn.Capability) error {
		return cap.Rmdir(remote)
	})
	if err != nil {
		return fs.ToErrno(err)
	}
	return 0
}

// Unlink implements fs.NodeUnlinker (spec §4.5 unlink row): invalidate
// metadata and purge cached data blocks before the remote delete.
func (n *Node) Unlink(ctx context.Context, name string) syscall.Errno {
	childPath := childVirtualPath(n.virtualPath(), name)
	remote := pathmap.ToRemote(childPath)

	n.invalidate(childPath, "unlink")
	if err := n.ctx.Data.RemoveStaleBlocks(childPath, zeroTime); err != nil {
		cachelog.Errorf("mountfs", "removing blocks before unlink of %s: %v", childPath, err)
	}

	err := n.ctx.withCapability(func(cap sftpconn.Capability) error {
		return cap.Unlink(remote)
	})
	if err != nil {
		return fs.ToErrno(err)
	}
	return 0
}

// Rename implements fs.NodeRenamer (spec §4.5 rename row, redesign flag
// applied): both the old and new paths, and both parent directories, are
// invalidated, since a rename can shadow an existing entry at newParent.
func (n *Node) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	oldPath := childVirtualPath(n.virtualPath(), name)

	newParentNode, ok := newParent.(*Node)
	if !ok {
		return syscall.EINVAL
	}
	newPath := childVirtualPath(newParentNode.virtualPath(), newName)

	n.invalidate(oldPath, "rename")
	n.invalidate(newPath, "rename")
	if err := n.ctx.Data.RemoveStaleBlocks(oldPath, zeroTime); err != nil {
		cachelog.Errorf("mountfs", "removing blocks before rename of %s: %v", oldPath, err)
	}

	err := n.ctx.withCapability(func(cap sftpconn.Capability) error {
		return cap.Rename(pathmap.ToRemote(oldPath), pathmap.ToRemote(newPath))
	})
	if err != nil {
		return fs.ToErrno(err)
	}
	return 0
}

// Symlink implements fs.NodeSymlinker (spec §4.5 symlink row, redesign
// flag applied): the new link's parent listing is invalidated so a
// subsequent readdir picks it up immediately.
func (n *Node) Symlink(ctx context.Context, target, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	childPath := childVirtualPath(n.virtualPath(), name)
	remote := pathmap.ToRemote(childPath)

	n.invalidate(childPath, "symlink")

	err := n.ctx.withCapability(func(cap sftpconn.Capability) error {
		return cap.Symlink(target, remote)
	})
	if err != nil {
		return nil, fs.ToErrno(err)
	}

	rec, ok, errno := n.resolveAttr(childPath)
	if !ok {
		return nil, errno
	}
	st := statFromRecord(childPath, rec)
	out.FromStat(&st)
	out.SetEntryTimeout(n.ctx.CacheTimeout)
	out.SetAttrTimeout(n.ctx.CacheTimeout)

	return n.newChildInode(ctx, childPath, st.Mode), 0
}
