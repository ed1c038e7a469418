package mountfs

import (
	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/pkg/errors"

	"github.com/davechri/sshfs-offline/internal/cachelog"
	"github.com/davechri/sshfs-offline/internal/datacache"
	"github.com/davechri/sshfs-offline/internal/metacache"
	"github.com/davechri/sshfs-offline/internal/mountconfig"
	"github.com/davechri/sshfs-offline/internal/sftpconn"
)

// Mounted bundles the running FUSE server with the connection manager
// backing it, so the caller can tear both down together (spec §4.5
// destroy: "close every pooled Session via C2").
type Mounted struct {
	Server *fuse.Server
	conn   *sftpconn.Manager
}

// Unmount unmounts the FUSE server and closes every pooled SFTP session.
// Safe to call once; server.Unmount() is idempotent but CloseAll is not
// meant to run twice against a still-serving pool.
func (m *Mounted) Unmount() error {
	err := m.Server.Unmount()
	m.conn.CloseAll()
	return err
}

// Wait blocks until the FUSE server has unmounted, then closes every
// pooled SFTP session (the path taken on a clean exit, e.g. `fusermount -u`
// run out-of-band, rather than an explicit Unmount call).
func (m *Mounted) Wait() {
	m.Server.Wait()
	m.conn.CloseAll()
}

// Mount wires the connection manager, block cache and metadata cache into
// one MountContext and mounts the tree at opt.Mountpoint, matching the
// fs.Mount(mountpoint, root, opts) call in other_examples' go-fuse/v2
// loopback reference.
func Mount(opt *mountconfig.Options) (*Mounted, error) {
	if err := opt.Validate(); err != nil {
		return nil, err
	}

	dataRoot, err := mountconfig.DataCacheRoot()
	if err != nil {
		return nil, errors.Wrap(err, "resolving data cache root")
	}
	metaRoot, err := mountconfig.MetadataCacheRoot()
	if err != nil {
		return nil, errors.Wrap(err, "resolving metadata cache root")
	}

	conn := sftpconn.NewManager(sftpconn.Options{
		Host:             opt.Host,
		Port:             opt.Port,
		User:             opt.User,
		RemoteDir:        opt.RemoteDir,
		AskPassword:      opt.AskPassword,
		InsecureHostKeys: opt.InsecureHostKeys,
	})

	data, err := datacache.New(dataRoot, opt.Host, opt.RemoteDir)
	if err != nil {
		return nil, errors.Wrap(err, "building data cache")
	}
	meta, err := metacache.New(metaRoot, opt.Host, opt.RemoteDir, opt.CacheTimeout, data, conn.IsConnected)
	if err != nil {
		return nil, errors.Wrap(err, "building metadata cache")
	}

	mctx := &MountContext{
		Conn:         conn,
		Data:         data,
		Meta:         meta,
		CacheTimeout: opt.CacheTimeout,
	}

	root := Root(mctx)
	server, err := fs.Mount(opt.Mountpoint, root, &fs.Options{
		AttrTimeout:     &opt.CacheTimeout,
		EntryTimeout:    &opt.CacheTimeout,
		NegativeTimeout: &opt.CacheTimeout,
		MountOptions: fuse.MountOptions{
			AllowOther: true,
			FsName:     "cachefs@" + opt.Host,
			Name:       "cachefs",
			Debug:      opt.Debug,
		},
	})
	if err != nil {
		conn.CloseAll()
		return nil, errors.Wrap(err, "mounting fuse server")
	}

	cachelog.Infof("mountfs", "mounted %s:%s at %s", opt.Host, conn.RemoteBase(), opt.Mountpoint)
	return &Mounted{Server: server, conn: conn}, nil
}
