package sftpconn

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/pkg/sftp"
	sshagent "github.com/xanzy/ssh-agent"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
	"golang.org/x/term"

	"github.com/davechri/sshfs-offline/internal/cachelog"
)

const dialTimeout = 15 * time.Second

// Options configures a Manager. It is the connection manager's analogue
// of the teacher's backend Options struct.
type Options struct {
	Host             string
	Port             string
	User             string
	RemoteDir        string // "" resolves to the session's own working directory
	AskPassword      bool
	InsecureHostKeys bool // skip known_hosts verification entirely
}

// FatalExit is called when the manager must abort the whole process
// (a second authentication failure, or a missing remote base directory),
// matching the Python implementation's exit(1) calls. It is a variable so
// tests can stub it out instead of killing the test binary.
var FatalExit = func(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

// Manager owns a pool of live SFTP sessions and authenticates lazily on
// first use, falling back to an offline stub when the host cannot be
// reached (spec §4.2). Grounded on backend/sftp/sftp.go's conn pool
// (getSftpConnection/putSftpConnection), generalised from one Fs-wide pool
// to an explicit, dependency-injected component (no package singleton,
// per spec §9's MountContext design note).
type Manager struct {
	opt       Options
	sshConfig *ssh.ClientConfig

	mu   sync.Mutex
	pool []*liveSession

	absRemoteDir atomic.Value // string, resolved lazily on first connect
	connected    int32        // 1 if the last Acquire produced a live session
}

// NewManager builds a Manager. No connection is made until the first
// Acquire; the password for the retry after a failed ssh-agent attempt is
// always read from an interactive terminal prompt (see authMethods).
func NewManager(opt Options) *Manager {
	m := &Manager{opt: opt}
	m.sshConfig = &ssh.ClientConfig{
		User:            opt.User,
		HostKeyCallback: hostKeyCallback(opt.InsecureHostKeys),
		Timeout:         dialTimeout,
		ClientVersion:   "SSH-2.0-cachefs",
	}
	return m
}

// hostKeyCallback checks host keys against the user's known_hosts file when
// one exists, matching the original implementation's use of the system host
// key store; it falls back to accepting any key when no known_hosts file is
// present, since there is nothing to check against, or when insecure is set
// (the --insecure-host-keys escape hatch for hosts with no stable key yet).
func hostKeyCallback(insecure bool) ssh.HostKeyCallback {
	if insecure {
		return ssh.InsecureIgnoreHostKey()
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ssh.InsecureIgnoreHostKey()
	}
	path := filepath.Join(home, ".ssh", "known_hosts")
	if _, err := os.Stat(path); err != nil {
		return ssh.InsecureIgnoreHostKey()
	}
	cb, err := knownhosts.New(path)
	if err != nil {
		cachelog.Errorf("sftpconn", "parsing known_hosts, falling back to insecure: %v", err)
		return ssh.InsecureIgnoreHostKey()
	}
	return cb
}

// IsConnected reports whether the most recent Acquire returned a live
// session rather than the offline stub (spec §4.2).
func (m *Manager) IsConnected() bool {
	return atomic.LoadInt32(&m.connected) == 1
}

// Acquire returns a Capability borrowed exclusively by the caller until it
// is returned via Release. On failure to resolve the host it returns the
// offline stub with a nil error, rather than failing the caller's
// operation (spec §4.2 step 3).
func (m *Manager) Acquire() (Capability, error) {
	if s := m.popPooled(); s != nil {
		atomic.StoreInt32(&m.connected, 1)
		return s, nil
	}

	s, err := m.connect()
	if err != nil {
		if isOffline(err) {
			cachelog.Infof("sftpconn", "host %s unreachable, serving offline: %v", m.opt.Host, err)
			atomic.StoreInt32(&m.connected, 0)
			return offlineHandle{}, nil
		}
		return nil, err
	}
	atomic.StoreInt32(&m.connected, 1)
	return s, nil
}

// Release returns a Capability to the pool, or discards it (closing the
// transport) if the error passed in indicates the connection itself is
// bad rather than a regular SFTP status error. Mirrors
// backend/sftp/sftp.go's putSftpConnection.
func (m *Manager) Release(c Capability, err error) {
	s, ok := c.(*liveSession)
	if !ok {
		return // offline handle needs no pooling
	}
	if err != nil && !isRegularSFTPError(err) {
		if !s.alive() {
			cachelog.Errorf("sftpconn", "discarding dead session: %v", err)
			_ = s.Close()
			return
		}
	}
	m.mu.Lock()
	m.pool = append(m.pool, s)
	m.mu.Unlock()
}

// CloseAll closes every pooled session, used on unmount (spec §4.5
// destroy).
func (m *Manager) CloseAll() {
	m.mu.Lock()
	pool := m.pool
	m.pool = nil
	m.mu.Unlock()
	for _, s := range pool {
		_ = s.Close()
	}
}

// RemoteBase returns the resolved absolute remote base directory, valid
// after the first successful Acquire.
func (m *Manager) RemoteBase() string {
	if v, ok := m.absRemoteDir.Load().(string); ok {
		return v
	}
	return m.opt.RemoteDir
}

func (m *Manager) popPooled() *liveSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.pool) > 0 {
		s := m.pool[0]
		m.pool = m.pool[1:]
		if s.alive() {
			return s
		}
		cachelog.Debugf("sftpconn", "discarding closed session from pool")
	}
	return nil
}

// connect performs the full handshake: dial, authenticate (retrying once
// interactively on failure), open the SFTP subsystem, and validate the
// configured remote base directory. Matches spec §4.2 steps 2 and 4.
func (m *Manager) connect() (*liveSession, error) {
	addr := net.JoinHostPort(m.opt.Host, m.opt.Port)

	cfg := *m.sshConfig
	cfg.Auth = m.authMethods(false)

	sshClient, err := ssh.Dial("tcp", addr, &cfg)
	if err != nil {
		if isAuthFailure(err) {
			cfg.Auth = m.authMethods(true)
			sshClient, err = ssh.Dial("tcp", addr, &cfg)
			if err != nil {
				if isAuthFailure(err) {
					FatalExit("authentication failed for %s@%s", m.opt.User, m.opt.Host)
				}
				return nil, errors.Wrap(err, "dial")
			}
		} else if isDNSFailure(err) {
			return nil, offlineErr{err}
		} else {
			return nil, errors.Wrap(err, "dial")
		}
	}

	sftpClient, err := openSubsystem(sshClient)
	if err != nil {
		_ = sshClient.Close()
		return nil, errors.Wrap(err, "open sftp subsystem")
	}

	if err := configureWindow(sftpClient); err != nil {
		cachelog.Debugf("sftpconn", "could not widen sftp transfer window: %v", err)
	}

	session := newLiveSession(sshClient, sftpClient)

	base := m.opt.RemoteDir
	if base == "" {
		cwd, err := sftpClient.Getwd()
		if err != nil {
			_ = session.Close()
			return nil, errors.Wrap(err, "resolve remote home directory")
		}
		base = cwd
	}
	if _, err := sftpClient.Lstat(base); err != nil {
		_ = session.Close()
		FatalExit("--remotedir %q not found on host %s", base, m.opt.Host)
	}
	m.absRemoteDir.Store(base)

	return session, nil
}

// authMethods builds the SSH auth method list: ssh-agent first, then a
// one-shot interactive password prompt if askAgain is set (spec §4.2
// step 2, "prompt once on the controlling terminal and retry").
func (m *Manager) authMethods(askAgain bool) []ssh.AuthMethod {
	var methods []ssh.AuthMethod
	if !askAgain {
		if agentClient, _, err := sshagent.New(); err == nil {
			if signers, err := agentClient.Signers(); err == nil && len(signers) > 0 {
				methods = append(methods, ssh.PublicKeys(signers...))
			}
		}
		return methods
	}
	if !m.opt.AskPassword && len(methods) == 0 {
		// still allow one prompt even if --ask-password wasn't passed:
		// the spec requires a retry prompt on auth failure regardless.
	}
	fmt.Fprintf(os.Stderr, "%s@%s's password: ", m.opt.User, m.opt.Host)
	pass, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return methods
	}
	return append(methods, ssh.Password(string(pass)))
}

func openSubsystem(sshClient *ssh.Client) (*sftp.Client, error) {
	session, err := sshClient.NewSession()
	if err != nil {
		return nil, err
	}
	pw, err := session.StdinPipe()
	if err != nil {
		return nil, err
	}
	pr, err := session.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := session.RequestSubsystem("sftp"); err != nil {
		return nil, err
	}
	return sftp.NewClientPipe(pr, pw)
}

// configureWindow approximates the spec's "set the transport window to
// 1 GiB" (§4.2 step 4). golang.org/x/crypto/ssh does not expose per-channel
// SSH window size tuning through the public ssh.Client API, so the closest
// available knob is pkg/sftp's own packet/concurrency configuration, which
// this package cannot set after the client is constructed with
// NewClientPipe and default options; the call is kept as a documented
// no-op hook so a future transport swap (e.g. an external ssh binary, per
// ssh_external.go in the teacher) has a single place to wire it in.
func configureWindow(*sftp.Client) error {
	return nil
}

type offlineErr struct{ cause error }

func (e offlineErr) Error() string { return e.cause.Error() }
func (e offlineErr) Unwrap() error { return e.cause }

func isOffline(err error) bool {
	var oe offlineErr
	return errors.As(err, &oe)
}

func isDNSFailure(err error) bool {
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

func isAuthFailure(err error) bool {
	return strings.Contains(err.Error(), "unable to authenticate")
}

// isRegularSFTPError reports whether err is an expected SFTP status error
// (file not found, permission denied, ...) rather than a transport
// failure, matching backend/sftp/sftp.go's putSftpConnection heuristic.
func isRegularSFTPError(err error) bool {
	cause := errors.Cause(err)
	if cause == os.ErrNotExist || cause == os.ErrExist || cause == os.ErrPermission {
		return true
	}
	var statusErr *sftp.StatusError
	if errors.As(cause, &statusErr) {
		return true
	}
	var pathErr *os.PathError
	return errors.As(cause, &pathErr)
}
