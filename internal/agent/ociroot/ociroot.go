//go:build linux

// Package ociroot implements the guest-side OCI root switch described
// in §4.7: it mounts a read-only base (a block device, or a virtiofs
// share already mounted at /mnt/oci-rootfs) under an overlayfs with a
// tmpfs upper, then
// pivots (or, where pivot_root is unavailable, chroots) into it.
package ociroot

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Status is the small enumeration recorded for diagnostics: which
// step, if any, the switch failed at.
type Status int32

const (
	StatusOK Status = iota
	StatusNoRootfsConfigured
	StatusBlockMountFailed
	StatusOverlayMountFailed
	StatusPivotFailed
	StatusSwitchRootFailed
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusNoRootfsConfigured:
		return "no-rootfs-configured"
	case StatusBlockMountFailed:
		return "block-mount-failed"
	case StatusOverlayMountFailed:
		return "overlay-mount-failed"
	case StatusPivotFailed:
		return "pivot-failed"
	case StatusSwitchRootFailed:
		return "switch-root-failed"
	default:
		return "unknown"
	}
}

// Params describes which base to pivot into.
type Params struct {
	// BlockDevice is e.g. /dev/vda; mutually exclusive with VirtiofsTag.
	BlockDevice string
	// VirtiofsTag names a share already mounted at /mnt/oci-rootfs by
	// MountDeclared.
	VirtiofsTag string
	DNS         string
}

const (
	lowerDir  = "/mnt/oci-lower"
	upperBase = "/mnt/oci-upper"
	newRoot   = "/mnt/newroot"
)

// Switch performs the full sequence from §4.7 and reports the step
// it failed at, or StatusOK. A non-OK status is not necessarily fatal
// to the caller -- the guest may still serve the vsock control channel
// out of the initramfs root; agent.Run logs the status and carries on,
// and nothing reports it to the host.
func Switch(p Params) (Status, error) {
	if p.BlockDevice == "" && p.VirtiofsTag == "" {
		return StatusNoRootfsConfigured, nil
	}

	if st, err := mountLower(p); err != nil {
		return st, err
	}

	if err := os.MkdirAll(upperBase, 0o755); err != nil {
		return StatusOverlayMountFailed, fmt.Errorf("ociroot: mkdir upper base: %w", err)
	}
	if err := unix.Mount("tmpfs", upperBase, "tmpfs", 0, ""); err != nil {
		return StatusOverlayMountFailed, fmt.Errorf("ociroot: mount upper tmpfs: %w", err)
	}
	if err := os.MkdirAll(upperBase+"/upper", 0o755); err != nil {
		return StatusOverlayMountFailed, fmt.Errorf("ociroot: mkdir upper: %w", err)
	}
	if err := os.MkdirAll(upperBase+"/work", 0o755); err != nil {
		return StatusOverlayMountFailed, fmt.Errorf("ociroot: mkdir work: %w", err)
	}

	if err := os.MkdirAll(newRoot, 0o755); err != nil {
		return StatusOverlayMountFailed, fmt.Errorf("ociroot: mkdir newroot: %w", err)
	}
	opts := fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s", lowerDir, upperBase+"/upper", upperBase+"/work")
	if err := unix.Mount("overlay", newRoot, "overlay", 0, opts); err != nil {
		return StatusOverlayMountFailed, fmt.Errorf("ociroot: mount overlay: %w", err)
	}

	if err := moveMount("/proc", newRoot+"/proc"); err != nil {
		return StatusPivotFailed, err
	}
	if err := moveMount("/sys", newRoot+"/sys"); err != nil {
		return StatusPivotFailed, err
	}
	if err := moveMount("/dev", newRoot+"/dev"); err != nil {
		return StatusPivotFailed, err
	}

	if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		return StatusPivotFailed, fmt.Errorf("ociroot: set / private: %w", err)
	}

	if err := pivot(newRoot); err != nil {
		if err == unix.EINVAL {
			if err := switchRoot(newRoot); err != nil {
				return StatusSwitchRootFailed, err
			}
		} else {
			return StatusPivotFailed, err
		}
	}

	if err := recreateWorkDirs(); err != nil {
		return StatusPivotFailed, err
	}
	if p.DNS != "" {
		os.WriteFile("/etc/resolv.conf", []byte("nameserver "+p.DNS+"\n"), 0o644)
	}

	return StatusOK, nil
}

func mountLower(p Params) (Status, error) {
	if err := os.MkdirAll(lowerDir, 0o755); err != nil {
		return StatusBlockMountFailed, fmt.Errorf("ociroot: mkdir lower: %w", err)
	}
	if p.BlockDevice != "" {
		if err := unix.Mount(p.BlockDevice, lowerDir, "ext4", unix.MS_RDONLY, ""); err != nil {
			return StatusBlockMountFailed, fmt.Errorf("ociroot: mount %s ro: %w", p.BlockDevice, err)
		}
		return StatusOK, nil
	}
	// Virtiofs share is already mounted at /mnt/oci-rootfs by
	// MountDeclared; bind it read-only into lowerDir so the overlay
	// sees a stable mountpoint regardless of the tag's guest path.
	if err := unix.Mount("/mnt/oci-rootfs", lowerDir, "", unix.MS_BIND, ""); err != nil {
		return StatusBlockMountFailed, fmt.Errorf("ociroot: bind virtiofs lower: %w", err)
	}
	if err := unix.Mount("", lowerDir, "", unix.MS_REMOUNT|unix.MS_BIND|unix.MS_RDONLY, ""); err != nil {
		return StatusBlockMountFailed, fmt.Errorf("ociroot: remount lower ro: %w", err)
	}
	return StatusOK, nil
}

func moveMount(src, dst string) error {
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return fmt.Errorf("ociroot: mkdir %s: %w", dst, err)
	}
	if err := unix.Mount(src, dst, "", unix.MS_MOVE, ""); err != nil {
		return fmt.Errorf("ociroot: move %s to %s: %w", src, dst, err)
	}
	return nil
}

// pivot performs pivot_root(".", "oldroot") from within newRoot,
// then detaches and removes the old root, matching the teacher's
// container-init pivot sequence.
func pivot(newRoot string) error {
	if err := unix.Chdir(newRoot); err != nil {
		return fmt.Errorf("ociroot: chdir newroot: %w", err)
	}
	if err := os.MkdirAll("oldroot", 0o755); err != nil {
		return fmt.Errorf("ociroot: mkdir oldroot: %w", err)
	}
	if err := unix.PivotRoot(".", "oldroot"); err != nil {
		return err
	}
	if err := unix.Chdir("/"); err != nil {
		return fmt.Errorf("ociroot: chdir /: %w", err)
	}
	if err := unix.Unmount("/oldroot", unix.MNT_DETACH); err != nil {
		return fmt.Errorf("ociroot: detach oldroot: %w", err)
	}
	os.RemoveAll("/oldroot")
	return nil
}

// switchRoot is the fallback when pivot_root returns EINVAL: move the
// new root over / directly and chroot into it.
func switchRoot(newRoot string) error {
	if err := unix.Mount(newRoot, "/", "", unix.MS_MOVE, ""); err != nil {
		return fmt.Errorf("ociroot: move newroot over /: %w", err)
	}
	if err := unix.Chroot("."); err != nil {
		return fmt.Errorf("ociroot: chroot: %w", err)
	}
	if err := unix.Chdir("/"); err != nil {
		return fmt.Errorf("ociroot: chdir / after chroot: %w", err)
	}
	return nil
}

func recreateWorkDirs() error {
	for _, dir := range []string{"/tmp", "/workspace", "/home/sandbox"} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("ociroot: recreate %s: %w", dir, err)
		}
	}
	return nil
}
