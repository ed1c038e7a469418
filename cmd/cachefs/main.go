// Command cachefs mounts a remote directory over SFTP as a local FUSE
// filesystem, caching both file content and metadata on disk so the mount
// stays servable after the connection drops.
//
// Grounded on the teacher's cobra-based CLI surface (rclone's cmd package
// uses the same cobra.Command{RunE: ...} idiom) and on
// original_source/cachefs.py's argparse surface for the flag set.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/davechri/sshfs-offline/internal/cachelog"
	"github.com/davechri/sshfs-offline/internal/mountconfig"
	"github.com/davechri/sshfs-offline/internal/mountfs"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opt := &mountconfig.Options{}
	var cacheTimeoutSeconds int

	cmd := &cobra.Command{
		Use:   "cachefs <host> <mountpoint>",
		Short: "Mount a remote directory over SFTP with local disk caching",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			opt.Host = args[0]
			opt.Mountpoint = args[1]
			opt.CacheTimeout = time.Duration(cacheTimeoutSeconds) * time.Second
			return run(opt)
		},
	}
	cmd.SilenceUsage = true

	cmd.Flags().StringVarP(&opt.Port, "port", "p", "22", "SSH port")
	cmd.Flags().StringVarP(&opt.User, "user", "u", mountconfig.DefaultUser(), "SSH user")
	cmd.Flags().StringVarP(&opt.RemoteDir, "remotedir", "d", mountconfig.DefaultRemoteDir(), "remote directory to mount (defaults to the SSH user's home)")
	cmd.Flags().IntVar(&cacheTimeoutSeconds, "cachetimeout", 300, "metadata cache TTL, in seconds")
	cmd.Flags().BoolVar(&opt.Debug, "debug", false, "enable verbose FUSE and cache logging")
	cmd.Flags().BoolVar(&opt.AskPassword, "ask-password", false, "has no effect: ssh-agent is always tried first, and a password is prompted for once if it fails")
	cmd.Flags().BoolVar(&opt.InsecureHostKeys, "insecure-host-keys", false, "skip host key verification")

	return cmd
}

func run(opt *mountconfig.Options) error {
	logDir, err := mountconfig.LogDir()
	if err != nil {
		return err
	}
	if err := cachelog.Init(logDir, opt.Debug); err != nil {
		return err
	}
	defer cachelog.Close()

	mounted, err := mountfs.Mount(opt)
	if err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		<-sigChan
		cachelog.Infof("main", "received signal, unmounting %s", opt.Mountpoint)
		_ = mounted.Unmount()
	}()

	mounted.Wait()
	return nil
}
