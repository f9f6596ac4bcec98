//go:build linux

package agent

import (
	"fmt"
	"log/slog"

	"github.com/the-void-ia/void-box/internal/agent/ociroot"
)

// Run is the guest agent's entire PID-1 program: mount the
// pseudo-filesystems, parse the boot config, load the virtio/vsock
// module chain, optionally pivot into an OCI base image, mount
// declared shares, configure networking, and then serve the vsock
// control channel forever. It only returns on an unrecoverable setup
// failure; Serve itself does not return under normal operation.
func Run(log *slog.Logger) error {
	if err := MountEarlyFilesystems(); err != nil {
		return err
	}

	cfg, err := ReadCmdline()
	if err != nil {
		return err
	}

	if err := LoadModules(); err != nil {
		return err
	}

	if cfg.OciRootfsDev != "" || cfg.OciRootfsTag != "" {
		// The virtiofs case needs its tag mounted at /mnt/oci-rootfs
		// before ociroot.Switch can bind it; the block-device case
		// needs nothing extra since ociroot mounts the device itself.
		if cfg.OciRootfsTag != "" {
			if err := MountDeclared([]Mount{{Tag: cfg.OciRootfsTag, GuestPath: "/mnt/oci-rootfs", ReadOnly: true}}); err != nil {
				return err
			}
		}
		status, err := ociroot.Switch(ociroot.Params{
			BlockDevice: cfg.OciRootfsDev,
			VirtiofsTag: cfg.OciRootfsTag,
			DNS:         DNSIP,
		})
		if err != nil {
			log.Error("agent: oci root switch failed", "status", status, "err", err)
		} else {
			log.Info("agent: oci root switch", "status", status)
		}
	}

	if err := MountDeclared(cfg.Mounts); err != nil {
		return err
	}

	if err := ConfigureNetwork(cfg.Network); err != nil {
		return err
	}

	srv := NewServer(&cfg, log)
	if err := srv.Serve(); err != nil {
		return fmt.Errorf("agent: serve: %w", err)
	}
	return nil
}
