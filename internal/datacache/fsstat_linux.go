package datacache

import (
	"os"
	"syscall"
	"time"
)

// changeTime returns the on-disk inode change-time (ctime), the clock the
// block cache's staleness comparison in RemoveStaleBlocks is measured
// against (spec §4.3, I2), not ModTime.
func changeTime(info os.FileInfo) time.Time {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return info.ModTime()
	}
	return time.Unix(st.Ctim.Sec, st.Ctim.Nsec)
}

// statvfsPath reports filesystem capacity for the device backing path,
// the Go analogue of os.statvfs used by original_source/data.py's
// statvfs passthrough.
func statvfsPath(path string) (FsStats, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return FsStats{}, err
	}
	return FsStats{
		BlockSize:  uint64(st.Bsize),
		Blocks:     st.Blocks,
		BlocksFree: st.Bfree,
		Files:      st.Files,
		FilesFree:  st.Ffree,
	}, nil
}
