// Package datacache is the on-demand block cache (C3): file contents are
// cached in fixed 128 KiB blocks, fetched from the remote on miss and
// served from disk on hit. Grounded on the teacher's backend/cache
// storage_persistent.go (atomic rename-into-place writes) and on
// original_source/data.py for the exact read/prefetch algorithm, with its
// off-by-one block-range bug fixed per the written redesign notes.
package datacache

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"github.com/davechri/sshfs-offline/internal/cachelog"
	"github.com/davechri/sshfs-offline/internal/pathlock"
	"github.com/davechri/sshfs-offline/internal/pathmap"
	"github.com/davechri/sshfs-offline/internal/sftpconn"
)

// BlockSize is B, the fixed block granularity (spec §3, GLOSSARY).
const BlockSize = 131072

// FsStats mirrors the handful of statvfs fields the dispatcher surfaces
// through FUSE's Statfs callback.
type FsStats struct {
	BlockSize  uint64
	Blocks     uint64
	BlocksFree uint64
	Files      uint64
	FilesFree  uint64
}

// Cache is the block cache for one mount. One Cache instance is shared by
// every worker; concurrent fetches of the same block are serialised by a
// per-path lock so only one worker ever hits the remote for it (spec §5).
type Cache struct {
	root string // <data-root>/<host>/<basedir>
	host string

	locks *pathlock.Lock
}

// New builds a Cache rooted at dataRoot/host/basedir, creating the
// directory if needed, matching the teacher's Data.__init__ directory
// creation in original_source/data.py.
func New(dataRoot, host, basedir string) (*Cache, error) {
	root := filepath.Join(dataRoot, host, filepath.FromSlash(trimLeadingSlash(basedir)))
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errors.Wrap(err, "datacache: creating data root")
	}
	return &Cache{root: root, host: host, locks: pathlock.New()}, nil
}

func trimLeadingSlash(p string) string {
	if len(p) > 0 && p[0] == '/' {
		return p[1:]
	}
	return p
}

func (c *Cache) blockDir(virtualPath string) string {
	return filepath.Dir(c.blockPathPrefix(virtualPath))
}

func (c *Cache) blockPathPrefix(virtualPath string) string {
	return filepath.Join(c.root, filepath.FromSlash(pathmap.ToRemote(virtualPath)))
}

// Read returns up to size bytes of virtualPath starting at offset,
// fetching any missing blocks via remote. remote is the live or offline
// Capability borrowed by the caller for this operation.
func (c *Cache) Read(remote sftpconn.Capability, virtualPath string, size int, offset int64) ([]byte, error) {
	if size <= 0 {
		return nil, nil
	}
	prefix := c.blockPathPrefix(virtualPath)
	dir := filepath.Dir(prefix)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "datacache: creating block dir")
	}

	first := offset / BlockSize
	last := (offset + int64(size)) / BlockSize
	if (offset+int64(size))%BlockSize == 0 && last > first {
		last--
	}

	buf := make([]byte, 0, size)
	for n := first; n <= last; n++ {
		blockPath := blockFilePath(prefix, n)
		if data, err := readFullFile(blockPath); err == nil {
			buf = appendHitBlock(buf, data, offset, size)
			continue
		} else if !os.IsNotExist(err) {
			return buf, errors.Wrap(err, "datacache: reading cached block")
		}

		fetched, err := c.fetchBlocks(remote, virtualPath, prefix, n, last, offset, size, &buf)
		if err != nil {
			return buf, err
		}
		n += int64(fetched) - 1 // the loop's n++ advances past what we just consumed
	}
	return buf, nil
}

// fetchBlocks serialises concurrent misses for the same leading block
// behind a per-path lock (not a per-block lock: two workers racing to
// populate adjacent blocks of the same file is the common case, and the
// spec tolerates last-writer-wins on byte-identical content, so a coarser
// lock only needs to avoid duplicate remote round trips, not byte races).
func (c *Cache) fetchBlocks(remote sftpconn.Capability, virtualPath, prefix string, n, last int64, offset int64, size int, buf *[]byte) (int, error) {
	c.locks.Lock(virtualPath)
	defer c.locks.Unlock(virtualPath)

	blockPath := blockFilePath(prefix, n)
	if data, err := readFullFile(blockPath); err == nil {
		*buf = appendHitBlock(*buf, data, offset, size)
		return 1, nil
	}

	f, err := remote.Open(pathmap.ToRemote(virtualPath))
	if err != nil {
		return 0, errors.Wrap(err, "datacache: opening remote file")
	}
	defer f.Close()

	if _, err := f.Seek(n*BlockSize, io.SeekStart); err != nil {
		return 0, errors.Wrap(err, "datacache: seeking remote file")
	}

	fetchTwo := n != last
	if fetchTwo {
		if err := f.Prefetch(2 * BlockSize); err != nil {
			cachelog.Debugf("datacache", "prefetch hint failed for %s: %v", virtualPath, err)
		}
	}

	count := 1
	if fetchTwo {
		count = 2
	}

	fetched := 0
	for j := 0; j < count; j++ {
		block := make([]byte, BlockSize)
		read, rerr := io.ReadFull(f, block)
		if rerr != nil && rerr != io.ErrUnexpectedEOF && rerr != io.EOF {
			if fetched == 0 {
				return 0, errors.Wrap(rerr, "datacache: reading remote block")
			}
			break
		}
		block = block[:read]

		*buf = appendHitBlock(*buf, block, offset, size)
		fetched++

		bn := n + int64(j)
		if err := writeBlockAtomic(blockFilePath(prefix, bn), block); err != nil {
			cachelog.Errorf("datacache", "writing block %d of %s: %v", bn, virtualPath, err)
		}

		if read < BlockSize {
			break // short read: remote EOF, stop fetching further blocks
		}
	}
	return fetched, nil
}

// appendHitBlock slices one block's contribution to buf exactly as the
// read algorithm specifies: the first contributing block is sliced from
// offset%BlockSize, later blocks contribute from their own start.
func appendHitBlock(buf []byte, block []byte, offset int64, size int) []byte {
	if len(buf) == 0 {
		start := int(offset % BlockSize)
		if start > len(block) {
			start = len(block)
		}
		end := start + size
		if end > len(block) {
			end = len(block)
		}
		return append(buf, block[start:end]...)
	}
	remaining := size - len(buf)
	if remaining <= 0 {
		return buf
	}
	end := remaining
	if end > len(block) {
		end = len(block)
	}
	return append(buf, block[:end]...)
}

func blockFilePath(prefix string, block int64) string {
	return pathmap.ToBlockPathFromPrefix(prefix, block)
}

func readFullFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// writeBlockAtomic writes data to a temp file in the same directory as
// path, then renames it into place, so no reader ever observes a
// partially-written block (spec I1, §5).
func writeBlockAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".block-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

// RemoveStaleBlocks deletes every block file of virtualPath whose
// change-time is older than newerThan; if newerThan is the zero Time,
// every block is removed unconditionally (spec §4.3, I2).
func (c *Cache) RemoveStaleBlocks(virtualPath string, newerThan time.Time) error {
	prefix := c.blockPathPrefix(virtualPath)
	dir := filepath.Dir(prefix)
	base := filepath.Base(prefix)

	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "datacache: listing block directory")
	}

	prefixName := base + "-block"
	for _, e := range entries {
		name := e.Name()
		if !hasPrefix(name, prefixName) {
			continue
		}
		entryPath := filepath.Join(dir, name)
		if !newerThan.IsZero() {
			info, err := e.Info()
			if err != nil {
				continue
			}
			if changeTime(info).After(newerThan) || changeTime(info).Equal(newerThan) {
				continue
			}
		}
		if err := os.Remove(entryPath); err != nil && !os.IsNotExist(err) {
			cachelog.Errorf("datacache", "removing stale block %s: %v", entryPath, err)
		}
	}
	return nil
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// Statvfs returns the on-disk filesystem statistics for the directory
// backing virtualPath's blocks. When no block file exists yet, the zero
// value is returned rather than an error, resolving the spec's "result is
// unspecified" open question in favour of a well-defined empty answer the
// dispatcher can pass straight through to FUSE's Statfs reply.
func (c *Cache) Statvfs(virtualPath string) (FsStats, error) {
	prefix := c.blockPathPrefix(virtualPath)
	dir := filepath.Dir(prefix)
	base := filepath.Base(prefix)

	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return FsStats{}, nil
	}
	if err != nil {
		return FsStats{}, errors.Wrap(err, "datacache: statvfs listing directory")
	}

	prefixName := base + "-block"
	for _, e := range entries {
		if hasPrefix(e.Name(), prefixName) {
			return statvfsPath(filepath.Join(dir, e.Name()))
		}
	}
	return FsStats{}, nil
}
