package sftpconn

import (
	"net"
	"os"
	"testing"

	"github.com/pkg/errors"
	"github.com/pkg/sftp"
	"github.com/stretchr/testify/assert"
)

func TestIsDNSFailure(t *testing.T) {
	_, err := net.LookupHost("host.invalid.example.")
	if err == nil {
		t.Skip("environment resolves bogus hostnames, cannot exercise DNS failure path")
	}
	assert.True(t, isDNSFailure(err))
	assert.False(t, isDNSFailure(errors.New("boom")))
}

func TestIsOffline(t *testing.T) {
	assert.True(t, isOffline(offlineErr{errors.New("no route")}))
	assert.False(t, isOffline(errors.New("no route")))
}

func TestIsRegularSFTPError(t *testing.T) {
	assert.True(t, isRegularSFTPError(os.ErrNotExist))
	assert.True(t, isRegularSFTPError(errors.Wrap(os.ErrPermission, "chmod")))
	assert.True(t, isRegularSFTPError(&os.PathError{Op: "open", Path: "/x", Err: os.ErrNotExist}))
	assert.True(t, isRegularSFTPError(&sftp.StatusError{}))
	assert.False(t, isRegularSFTPError(errors.New("connection reset by peer")))
}

func TestManagerReleaseOfflineHandleIsNoop(t *testing.T) {
	m := NewManager(Options{Host: "example.invalid", Port: "22", User: "tester"})
	// Releasing an offline handle must never touch the pool.
	m.Release(offlineHandle{}, nil)
	assert.Empty(t, m.pool)
}

func TestManagerRemoteBaseDefaultsToConfiguredValue(t *testing.T) {
	m := NewManager(Options{Host: "example.invalid", Port: "22", User: "tester", RemoteDir: "/srv/data"})
	assert.Equal(t, "/srv/data", m.RemoteBase())
}

func TestManagerIsConnectedStartsFalse(t *testing.T) {
	m := NewManager(Options{Host: "example.invalid", Port: "22", User: "tester"})
	assert.False(t, m.IsConnected())
}
