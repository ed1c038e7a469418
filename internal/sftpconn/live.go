package sftpconn

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// liveSession wraps one real SSH connection and its SFTP subsystem
// channel, adapted from the teacher's conn type (backend/sftp/sftp.go).
type liveSession struct {
	sshClient  *ssh.Client
	sftpClient *sftp.Client
	closedCh   chan error
}

func newLiveSession(sshClient *ssh.Client, sftpClient *sftp.Client) *liveSession {
	s := &liveSession{
		sshClient:  sshClient,
		sftpClient: sftpClient,
		closedCh:   make(chan error, 1),
	}
	go func() {
		s.closedCh <- s.sshClient.Conn.Wait()
	}()
	return s
}

// alive reports whether the underlying transport has not yet reported
// shutdown, exactly as the teacher's conn.closed() does.
func (s *liveSession) alive() bool {
	select {
	case <-s.closedCh:
		return false
	default:
		return true
	}
}

func (s *liveSession) Close() error {
	sftpErr := s.sftpClient.Close()
	sshErr := s.sshClient.Close()
	if sftpErr != nil {
		return sftpErr
	}
	return sshErr
}

func (s *liveSession) Lstat(remotePath string) (Info, error) {
	fi, err := s.sftpClient.Lstat(remotePath)
	if err != nil {
		return Info{}, err
	}
	return infoFromFileInfo(fi), nil
}

func (s *liveSession) ListDir(remotePath string) ([]string, error) {
	entries, err := s.sftpClient.ReadDir(remotePath)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

func (s *liveSession) ReadLink(remotePath string) (string, error) {
	return s.sftpClient.ReadLink(remotePath)
}

func (s *liveSession) Open(remotePath string) (RemoteFile, error) {
	f, err := s.sftpClient.Open(remotePath)
	if err != nil {
		return nil, err
	}
	return &liveFile{f}, nil
}

func (s *liveSession) OpenWrite(remotePath string) (RemoteFile, error) {
	f, err := s.sftpClient.OpenFile(remotePath, os.O_WRONLY|os.O_CREATE)
	if err != nil {
		return nil, err
	}
	return &liveFile{f}, nil
}

func (s *liveSession) Create(remotePath string, mode os.FileMode) error {
	f, err := s.sftpClient.Create(remotePath)
	if err != nil {
		return err
	}
	if cerr := f.Chmod(mode); cerr != nil {
		_ = f.Close()
		return cerr
	}
	return f.Close()
}

func (s *liveSession) Mkdir(remotePath string) error {
	return s.sftpClient.Mkdir(remotePath)
}

func (s *liveSession) Rmdir(remotePath string) error {
	return s.sftpClient.RemoveDirectory(remotePath)
}

func (s *liveSession) Unlink(remotePath string) error {
	return s.sftpClient.Remove(remotePath)
}

func (s *liveSession) Rename(oldPath, newPath string) error {
	return s.sftpClient.Rename(oldPath, newPath)
}

func (s *liveSession) Symlink(target, linkPath string) error {
	return s.sftpClient.Symlink(target, linkPath)
}

func (s *liveSession) Chmod(remotePath string, mode os.FileMode) error {
	return s.sftpClient.Chmod(remotePath, mode)
}

func (s *liveSession) Chown(remotePath string, uid, gid int) error {
	return s.sftpClient.Chown(remotePath, uid, gid)
}

func (s *liveSession) Truncate(remotePath string, size int64) error {
	return s.sftpClient.Truncate(remotePath, size)
}

func (s *liveSession) Utime(remotePath string, atime, mtime time.Time) error {
	return s.sftpClient.Chtimes(remotePath, atime, mtime)
}

var _ Capability = &liveSession{}

// liveFile adapts *sftp.File to RemoteFile.
type liveFile struct {
	f *sftp.File
}

func (lf *liveFile) Read(p []byte) (int, error)  { return lf.f.Read(p) }
func (lf *liveFile) Write(p []byte) (int, error) { return lf.f.Write(p) }
func (lf *liveFile) Seek(offset int64, whence int) (int64, error) {
	return lf.f.Seek(offset, whence)
}
func (lf *liveFile) Close() error { return lf.f.Close() }

// Prefetch hints the SFTP client to start fetching n bytes from the
// current offset in the background, matching the burst read in spec §4.3.
// Grounded on pkg/sftp's public read-ahead API (the Go analogue of
// paramiko's SFTPFile.prefetch used by the original implementation).
func (lf *liveFile) Prefetch(n int) error {
	return errors.Wrap(lf.f.Prefetch(n), "prefetch")
}

func infoFromFileInfo(fi os.FileInfo) Info {
	info := Info{
		Name:    fi.Name(),
		Size:    fi.Size(),
		Mode:    fi.Mode(),
		ModTime: fi.ModTime(),
		IsDir:   fi.IsDir(),
		IsLink:  fi.Mode()&os.ModeSymlink != 0,
		ATime:   fi.ModTime(),
	}
	if stat, ok := fi.Sys().(*sftp.FileStat); ok {
		info.UID = int(stat.UID)
		info.GID = int(stat.GID)
		info.ATime = time.Unix(int64(stat.Atime), 0)
	}
	return info
}
