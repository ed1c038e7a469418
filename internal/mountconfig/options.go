// Package mountconfig defines the CLI-configurable options for a cachefs
// mount, mirroring the teacher's backend Options struct (see
// backend/sftp/sftp.go's Options) but surfaced through cobra/pflag instead
// of rclone's config system.
package mountconfig

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"time"
)

// Options holds everything parsed from the command line.
type Options struct {
	Host          string
	Mountpoint    string
	Port          string
	User          string
	RemoteDir     string
	CacheTimeout  time.Duration
	Debug         bool
	AskPassword   bool
	InsecureHostKeys bool
}

const defaultCacheTimeoutSeconds = 300

// DefaultUser returns the current OS user name, or "" if it cannot be
// determined, matching the teacher's readCurrentUser fallback chain.
func DefaultUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	if v := os.Getenv("USER"); v != "" {
		return v
	}
	return os.Getenv("LOGNAME")
}

// DefaultRemoteDir returns the remote user's home directory placeholder.
// The connection manager resolves "" to the SFTP session's actual working
// directory (see sftpconn.Manager.Acquire), exactly as the teacher's SFTP
// backend resolves a relative root against the session's Getwd().
func DefaultRemoteDir() string {
	return ""
}

// DataCacheRoot returns ~/.cachefs/data, the block cache root from spec §6.
func DataCacheRoot() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".cachefs", "data"), nil
}

// MetadataCacheRoot returns ~/.sshfs-offline/metadata, the metadata cache
// root from spec §6.
func MetadataCacheRoot() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".sshfs-offline", "metadata"), nil
}

// LogDir returns ~/.sshfs-offline, where error.log and metrics.log live.
func LogDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".sshfs-offline"), nil
}

// Validate applies defaults and checks required fields, mirroring the
// teacher's NewFs option-normalisation step (sftp.go's NewFs).
func (o *Options) Validate() error {
	if o.Host == "" {
		return fmt.Errorf("host is required")
	}
	if o.Mountpoint == "" {
		return fmt.Errorf("mountpoint is required")
	}
	if o.Port == "" {
		o.Port = "22"
	}
	if o.User == "" {
		o.User = DefaultUser()
	}
	if o.CacheTimeout <= 0 {
		o.CacheTimeout = defaultCacheTimeoutSeconds * time.Second
	}
	return nil
}
