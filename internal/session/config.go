// Package session implements the Sandbox facade (§4.2/§6.3): the public,
// embedder-facing handle that boots one micro-VM, performs the vsock
// handshake, and multiplexes exec/write_file/mkdir_p requests over it,
// tearing everything down on drop. It is the top-level assembly point
// for the wire, virtqueue, virtio, nat, boot, and vmm/kvm packages.
package session

import (
	"fmt"
	"time"
)

// HostMount is one host-directory share passed to the guest (§3's
// "ordered list of host-directory mounts").
type HostMount struct {
	HostPath  string
	GuestPath string
	ReadOnly  bool
}

// SkillMount is one OCI-rootfs-backed share mounted read-only (or
// read-write) alongside the host-directory mounts, per §3's "ordered
// list of OCI skill mounts". Unpacking the source image is the OCI
// registry client's job (out of scope, §1); this only needs a
// directory that is already unpacked.
type SkillMount struct {
	RootfsPath string
	GuestPath  string
	ReadOnly   bool
}

// OciBase declares the optional OCI root the guest agent switches into
// before serving requests (§4.7). Exactly one of BlockDevicePath or
// VirtiofsDir is expected to be set; DiskCache (see internal/diskcache)
// is what turns an unpacked rootfs directory into the block-device form
// when a read-only ext4 image is preferred over a passthrough virtiofs
// mount.
type OciBase struct {
	// BlockDevicePath is a host path to a prebuilt read-only ext4 image
	// of the rootfs (e.g. produced by internal/diskcache).
	BlockDevicePath string
	// VirtiofsDir shares the rootfs directory directly; mutually
	// exclusive with BlockDevicePath.
	VirtiofsDir string
	// ContentHash identifies the rootfs contents this base was built
	// from (§6.4's cache-key requirement); carried through for callers
	// that want it in diagnostics, not interpreted by this package.
	ContentHash string
}

// Rlimits are the resource limits the guest agent applies to a spawned
// child via setrlimit, before exec (§4.6/§4.8). Zero means "leave the
// kernel default".
type Rlimits struct {
	AddressSpace uint64 // bytes
	NumFiles     uint64
	NumProcs     uint64
	FileSize     uint64 // bytes
}

// SandboxConfig is the immutable, per-VM configuration described in §3.
// The zero value is invalid; New validates it and returns a ConfigError
// naming the first problem found.
type SandboxConfig struct {
	MemoryMiB      uint64
	VCPUs          int
	NetworkEnabled bool

	KernelPath    string
	InitramfsPath string

	OciBase *OciBase

	Mounts      []HostMount
	SkillMounts []SkillMount

	Allowlist []string
	Rlimits   Rlimits

	Env        map[string]string
	WorkingDir string

	// SharedWorkspace, if set, is shared read-write at /workspace as
	// one more virtiofs host mount; it is the one mount this package treats specially
	// since the guest agent recreates /workspace on an OCI pivot (§4.7
	// step 7) and higher-level orchestration expects it to survive
	// that pivot under a fixed, well-known guest path.
	SharedWorkspace string

	NAT NATConfig

	// BootTimeout bounds VM boot + handshake (vsock connect and
	// Ping/Pong) together; zero uses
	// DefaultBootTimeout. Mirrors the teacher's own SessionConfig.
	BootTimeout time.Duration
	// TeardownGrace bounds how long Close waits for a cooperative
	// Shutdown/ShutdownAck round trip before force-killing the VM.
	// Zero uses DefaultTeardownGrace.
	TeardownGrace time.Duration

	// DisableSeccomp skips installing the host VMM thread's seccomp-BPF
	// filter (§4.3). Off by default; only tests that can't run under a
	// filtered thread (or that need to inspect syscalls a test harness
	// makes on the VMM's behalf) should set this.
	DisableSeccomp bool
}

// NATConfig exposes the security controls §4.4/§4.8 require of the
// user-mode NAT stack when networking is enabled. The zero value
// yields nat.DefaultConfig()'s limits.
type NATConfig struct {
	MaxConcurrentConns int
	NewConnRatePerSec  float64
	DenyCIDRs          []string // CIDR notation, e.g. "169.254.0.0/16"
	UpstreamResolvers  []string
}

// DefaultBootTimeout bounds kernel decompression, module load, and the
// Ping/Pong handshake under normal host load.
const DefaultBootTimeout = 10 * time.Second

// DefaultTeardownGrace is the "short grace period" §5/§9 call for
// between a cooperative Shutdown request and a forced vCPU-thread stop.
const DefaultTeardownGrace = 1 * time.Second

// Validate checks cfg for the problems New cannot recover from: an
// empty kernel or initramfs path, a mount entry missing its source or
// guest path, an OCI base with both or neither source set, or a vCPU
// count other than 1, and fills in defaults for zero-valued fields. It
// does not touch the filesystem: it checks only that paths are set,
// not that they exist.
func (c *SandboxConfig) Validate() error {
	if c.KernelPath == "" {
		return &SandboxError{Kind: ConfigError, Message: "kernel path is required"}
	}
	if c.InitramfsPath == "" {
		return &SandboxError{Kind: ConfigError, Message: "initramfs path is required"}
	}
	if c.MemoryMiB == 0 {
		c.MemoryMiB = 256
	}
	if c.VCPUs == 0 {
		c.VCPUs = 1
	}
	if c.VCPUs != 1 {
		// §3/§5 describe one thread per vCPU but this build's device
		// layout and interrupt routing have only ever been exercised
		// with a single vCPU; reject rather than silently truncate.
		return &SandboxError{Kind: ConfigError, Message: fmt.Sprintf("vcpus=%d not supported, only 1", c.VCPUs)}
	}
	if c.OciBase != nil {
		if c.OciBase.BlockDevicePath != "" && c.OciBase.VirtiofsDir != "" {
			return &SandboxError{Kind: ConfigError, Message: "oci base: block device and virtiofs dir are mutually exclusive"}
		}
		if c.OciBase.BlockDevicePath == "" && c.OciBase.VirtiofsDir == "" {
			return &SandboxError{Kind: ConfigError, Message: "oci base: one of block device or virtiofs dir is required"}
		}
	}
	for i, m := range c.Mounts {
		if m.HostPath == "" || m.GuestPath == "" {
			return &SandboxError{Kind: ConfigError, Message: fmt.Sprintf("mount[%d]: host and guest paths are required", i)}
		}
	}
	for i, m := range c.SkillMounts {
		if m.RootfsPath == "" || m.GuestPath == "" {
			return &SandboxError{Kind: ConfigError, Message: fmt.Sprintf("skill mount[%d]: rootfs and guest paths are required", i)}
		}
	}
	if c.BootTimeout == 0 {
		c.BootTimeout = DefaultBootTimeout
	}
	if c.TeardownGrace == 0 {
		c.TeardownGrace = DefaultTeardownGrace
	}
	return nil
}
