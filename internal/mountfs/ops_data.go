package mountfs

import (
	"context"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/pkg/errors"

	"github.com/davechri/sshfs-offline/internal/cachelog"
	"github.com/davechri/sshfs-offline/internal/pathmap"
	"github.com/davechri/sshfs-offline/internal/sftpconn"
)

// Open implements fs.NodeOpener. The block cache does its own fetching on
// Read, so Open performs no check of its own and returns no
// FileHandle (spec §4.5 read row: "(via C3)").
func (n *Node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	return nil, 0, 0
}

// Read implements fs.NodeReader by delegating to the block cache.
func (n *Node) Read(ctx context.Context, f fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	p := n.virtualPath()

	var (
		data []byte
		err  error
	)
	acqErr := n.ctx.withCapability(func(cap sftpconn.Capability) error {
		data, err = n.ctx.Data.Read(cap, p, len(dest), off)
		return err
	})
	if acqErr != nil && err == nil {
		err = acqErr
	}
	if err != nil {
		return nil, fs.ToErrno(errors.Cause(err))
	}
	return fuse.ReadResultData(data), 0
}

// Write implements fs.NodeWriter (spec §4.5 write row): invalidate the
// path's metadata entry and data blocks, then write through to the
// remote at the given offset.
func (n *Node) Write(ctx context.Context, f fs.FileHandle, data []byte, off int64) (uint32, syscall.Errno) {
	p := n.virtualPath()
	remote := pathmap.ToRemote(p)

	if err := n.ctx.Meta.DeleteMetadata(p); err != nil {
		cachelog.Errorf("mountfs", "invalidating %s before write: %v", p, err)
	}
	if err := n.ctx.Data.RemoveStaleBlocks(p, zeroTime); err != nil {
		cachelog.Errorf("mountfs", "removing blocks before write to %s: %v", p, err)
	}

	var written int
	err := n.ctx.withCapability(func(cap sftpconn.Capability) error {
		wf, err := cap.OpenWrite(remote)
		if err != nil {
			return err
		}
		defer wf.Close()
		if _, err := wf.Seek(off, 0); err != nil {
			return err
		}
		written, err = wf.Write(data)
		return err
	})
	if err != nil {
		return 0, fs.ToErrno(err)
	}
	return uint32(written), 0
}

// Flush implements fs.NodeFlusher as a no-op: every Write already went
// straight to the remote (spec §9, no local write buffering).
func (n *Node) Flush(ctx context.Context, f fs.FileHandle) syscall.Errno {
	return 0
}

// Fsync implements fs.NodeFsyncer as a no-op, for the same reason Flush
// is: there is no local write buffer to force out to the remote.
func (n *Node) Fsync(ctx context.Context, f fs.FileHandle, flags uint32) syscall.Errno {
	return 0
}

// Release implements fs.NodeReleaser as a no-op: Open never allocates a
// FileHandle, so there is nothing for Release to tear down.
func (n *Node) Release(ctx context.Context, f fs.FileHandle) syscall.Errno {
	return 0
}

var (
	_ fs.NodeFlusher  = (*Node)(nil)
	_ fs.NodeFsyncer  = (*Node)(nil)
	_ fs.NodeReleaser = (*Node)(nil)
)
