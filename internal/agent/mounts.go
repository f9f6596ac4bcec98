//go:build linux

package agent

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// initRootfsMounts are the pseudo-filesystems every boot needs before
// anything else can run, in the order they must be mounted.
var initRootfsMounts = []struct {
	source, target, fstype string
	flags                  uintptr
}{
	{"proc", "/proc", "proc", unix.MS_NOSUID | unix.MS_NODEV | unix.MS_NOEXEC},
	{"sysfs", "/sys", "sysfs", unix.MS_NOSUID | unix.MS_NODEV | unix.MS_NOEXEC},
	{"devtmpfs", "/dev", "devtmpfs", unix.MS_NOSUID},
	{"tmpfs", "/dev/shm", "tmpfs", unix.MS_NOSUID | unix.MS_NODEV},
	{"devpts", "/dev/pts", "devpts", unix.MS_NOSUID | unix.MS_NOEXEC},
	{"tmpfs", "/tmp", "tmpfs", unix.MS_NOSUID | unix.MS_NODEV},
}

// MountEarlyFilesystems mounts /proc, /sys, /dev and friends. It must
// run before anything that reads /proc/cmdline or opens a device node.
func MountEarlyFilesystems() error {
	for _, m := range initRootfsMounts {
		if err := os.MkdirAll(m.target, 0755); err != nil {
			return fmt.Errorf("agent: mkdir %s: %w", m.target, err)
		}
		if err := unix.Mount(m.source, m.target, m.fstype, m.flags, ""); err != nil {
			return fmt.Errorf("agent: mount %s at %s: %w", m.fstype, m.target, err)
		}
	}
	return nil
}

// MountDeclared mounts every host-directory/virtiofs share named on the
// cmdline at its declared guest path, ro or rw as specified. Each tag
// is expected to already correspond to a virtiofs mount source of the
// same name (the device config space exposes the tag; the in-kernel
// virtiofs client resolves it during its own mount(2) call).
func MountDeclared(mounts []Mount) error {
	for _, m := range mounts {
		if err := os.MkdirAll(m.GuestPath, 0755); err != nil {
			return fmt.Errorf("agent: mkdir %s: %w", m.GuestPath, err)
		}
		flags := uintptr(0)
		if m.ReadOnly {
			flags |= unix.MS_RDONLY
		}
		opts := fmt.Sprintf("tag=%s", m.Tag)
		if err := unix.Mount(m.Tag, m.GuestPath, "virtiofs", flags, opts); err != nil {
			return fmt.Errorf("agent: mount virtiofs tag %s at %s: %w", m.Tag, m.GuestPath, err)
		}
	}
	return nil
}
