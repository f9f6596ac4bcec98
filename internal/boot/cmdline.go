// Package boot constructs the kernel command line and architecture
// boot parameters needed to start a guest kernel: the Linux/x86_64
// zero-page for KVM's direct-boot protocol, and a minimal flattened
// device tree for aarch64.
package boot

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// MountDescriptor is one host-directory or block-device mount declared
// to the guest agent on the kernel command line.
type MountDescriptor struct {
	Tag       string
	GuestPath string
	ReadOnly  bool
}

// Device describes one virtio-mmio device's placement for the
// `virtio_mmio.device=` cmdline token.
type Device struct {
	Size uint64
	Base uint64
	IRQ  uint32
}

// Rlimits holds the resource limits the guest agent applies to a
// spawned child, before exec, via setrlimit.
type Rlimits struct {
	AddressSpace uint64 // bytes, 0 = kernel default
	NumFiles     uint64
	NumProcs     uint64
	FileSize     uint64 // bytes
}

// CmdlineConfig holds every value §4.3/§6.1 says goes on the kernel
// command line.
type CmdlineConfig struct {
	Secret       [32]byte
	Network      bool
	Devices      []Device
	OciRootfsDev string // e.g. /dev/vda, empty if OCI root is virtiofs-backed or absent
	OciRootfsTag string // virtiofs tag, mutually exclusive with OciRootfsDev
	Mounts       []MountDescriptor
	Allowlist    []string // absolute program paths the guest agent will exec; empty = allow all
	Rlimits      Rlimits
	ClockEpoch   int64 // 0 means omit voidbox.clock
	IPv6Disable  bool
}

// BuildCmdline assembles the bit-exact token set the guest agent's
// parser expects, in a stable, readable order: base console/panic
// arguments first, then the voidbox.* tokens, then virtio_mmio.device
// per device, then ipv6.disable if required.
func BuildCmdline(cfg CmdlineConfig) string {
	var toks []string

	toks = append(toks, "console=ttyS0", "panic=-1", "reboot=k", "nomodeset")

	toks = append(toks, fmt.Sprintf("voidbox.secret=%s", hex.EncodeToString(cfg.Secret[:])))

	if cfg.Network {
		toks = append(toks, "voidbox.network=1")
	}

	if cfg.OciRootfsDev != "" {
		toks = append(toks, fmt.Sprintf("voidbox.oci_rootfs_dev=%s", cfg.OciRootfsDev))
	}
	if cfg.OciRootfsTag != "" {
		toks = append(toks, fmt.Sprintf("voidbox.oci_rootfs_tag=%s", cfg.OciRootfsTag))
	}

	for i, m := range cfg.Mounts {
		mode := "rw"
		if m.ReadOnly {
			mode = "ro"
		}
		toks = append(toks, fmt.Sprintf("voidbox.mount%d=%s:%s:%s", i, m.Tag, m.GuestPath, mode))
	}

	if len(cfg.Allowlist) > 0 {
		toks = append(toks, fmt.Sprintf("voidbox.allowlist=%s", strings.Join(cfg.Allowlist, ":")))
	}

	if cfg.Rlimits.AddressSpace != 0 {
		toks = append(toks, fmt.Sprintf("voidbox.rlimit_as=%d", cfg.Rlimits.AddressSpace))
	}
	if cfg.Rlimits.NumFiles != 0 {
		toks = append(toks, fmt.Sprintf("voidbox.rlimit_nofile=%d", cfg.Rlimits.NumFiles))
	}
	if cfg.Rlimits.NumProcs != 0 {
		toks = append(toks, fmt.Sprintf("voidbox.rlimit_nproc=%d", cfg.Rlimits.NumProcs))
	}
	if cfg.Rlimits.FileSize != 0 {
		toks = append(toks, fmt.Sprintf("voidbox.rlimit_fsize=%d", cfg.Rlimits.FileSize))
	}

	if cfg.ClockEpoch != 0 {
		toks = append(toks, fmt.Sprintf("voidbox.clock=%d", cfg.ClockEpoch))
	}

	for _, d := range cfg.Devices {
		toks = append(toks, fmt.Sprintf("virtio_mmio.device=%d@0x%x:%d", d.Size, d.Base, d.IRQ))
	}

	if cfg.IPv6Disable {
		toks = append(toks, "ipv6.disable=1")
	}

	return strings.Join(toks, " ")
}
