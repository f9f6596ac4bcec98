//go:build linux

package session

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"net"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/the-void-ia/void-box/internal/boot"
	"github.com/the-void-ia/void-box/internal/nat"
	"github.com/the-void-ia/void-box/internal/virtio"
	"github.com/the-void-ia/void-box/internal/vmm/kvm"
	"github.com/the-void-ia/void-box/internal/vmm/seccomp"
	"github.com/the-void-ia/void-box/internal/wire"
)

// vsockControlPort must match the guest agent's fixed listening port
// (internal/agent.vsockPort).
const vsockControlPort = 1234

// maxFsSlots is the number of virtiofs MMIO windows the fixed device
// layout (internal/boot.Layout) reserves -- FS0/FS1/FS2. An OCI
// virtiofs root, if any, takes one; host mounts and skill mounts share
// whatever remains.
const maxFsSlots = 3

// nextGuestCID hands out distinct AF_VSOCK context IDs across sandboxes
// in this process; 0-2 are reserved (hypervisor, loopback, host).
var nextGuestCID uint64 = 2

func allocGuestCID() uint32 {
	return uint32(atomic.AddUint64(&nextGuestCID, 1))
}

// ExecParams describes one command to run in the sandbox, mirroring
// the guest agent's own ExecParams (internal/agent.ExecParams) at the
// wire-protocol boundary.
type ExecParams struct {
	Program    string
	Args       []string
	Env        map[string]string
	Stdin      []byte
	WorkingDir string
	Timeout    time.Duration
	// Output, if set, is called once per output chunk as it arrives,
	// in addition to being accumulated into the final ExecResult.
	Output func(stderr bool, data []byte)
}

// ExecResult is the outcome of a completed Exec call. Stdout/Stderr are
// assembled from the ExecOutputChunk stream since the guest's terminal
// ExecResponse never carries output bytes directly (§6.2).
type ExecResult struct {
	ExitCode int32
	Stdout   []byte
	Stderr   []byte
	Duration time.Duration
}

// Sandbox is one running micro-VM plus its control connection. The zero
// value is not usable; construct with New.
type Sandbox struct {
	log *slog.Logger
	cfg SandboxConfig

	secret [32]byte

	vm       *kvm.VM
	mem      *flatMemory
	natStack *nat.Stack
	netDev   *virtio.NetDevice
	blkFile  *os.File

	runCtx    context.Context
	runCancel context.CancelFunc
	runDone   chan error

	connMu sync.Mutex
	conn   *os.File
	reader *bufio.Reader
	codec  wire.Codec

	closeOnce sync.Once
	closeErr  error
}

// New boots a micro-VM per cfg, performs the vsock handshake with the
// guest agent, and returns a ready-to-use Sandbox. On any failure the
// partially constructed VM and its resources are torn down before
// returning.
func New(ctx context.Context, cfg SandboxConfig, log *slog.Logger) (*Sandbox, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}

	var secret [32]byte
	if _, err := rand.Read(secret[:]); err != nil {
		return nil, wrapErr(BootError, "generate session secret", err)
	}

	layout := boot.NewLayout(5)
	bus := virtio.NewBus()
	mem := &flatMemory{}

	var vmRef *kvm.VM
	irqAssert := func(irq uint32) {
		if vmRef != nil {
			vmRef.AssertIRQ(irq)
		}
	}

	sb := &Sandbox{log: log, cfg: cfg, secret: secret, mem: mem, codec: wire.JSONCodec{}}
	ok := false
	defer func() {
		if !ok {
			sb.releasePartial()
		}
	}()

	var devices []boot.Device
	var mounts []boot.MountDescriptor
	var ociRootfsDev, ociRootfsTag string

	guestCID := allocGuestCID()
	vsockDev := virtio.NewVsockDevice(log, uint64(guestCID))
	vsockT := virtio.NewTransport(log, mem, virtio.DeviceIDVsock, layout.IRQ(boot.DeviceVsock), 0, vsockDev, irqAssert)
	vsockDev.Attach(vsockT)
	bus.Add(layout.Base(boot.DeviceVsock), vsockT)
	devices = append(devices, layout.Device(boot.DeviceVsock))

	if cfg.NetworkEnabled {
		natCfg, err := buildNATConfig(cfg.NAT)
		if err != nil {
			return nil, err
		}
		st, err := nat.New(ctx, log, natCfg)
		if err != nil {
			return nil, wrapErr(BootError, "start NAT stack", err)
		}
		sb.natStack = st

		var mac [6]byte
		copy(mac[:], nat.GuestMAC)
		netDev := virtio.NewNetDevice(log, mac, st, st)
		netT := virtio.NewTransport(log, mem, virtio.DeviceIDNet, layout.IRQ(boot.DeviceNet), 0, netDev, irqAssert)
		netDev.Attach(netT)
		bus.Add(layout.Base(boot.DeviceNet), netT)
		devices = append(devices, layout.Device(boot.DeviceNet))
		sb.netDev = netDev
	}

	if cfg.OciBase != nil && cfg.OciBase.BlockDevicePath != "" {
		f, err := os.Open(cfg.OciBase.BlockDevicePath)
		if err != nil {
			return nil, wrapErr(BootError, "open oci base image", err)
		}
		sb.blkFile = f
		info, err := f.Stat()
		if err != nil {
			return nil, wrapErr(BootError, "stat oci base image", err)
		}
		blkDev := virtio.NewBlkDevice(log, f, info.Size())
		blkT := virtio.NewTransport(log, mem, virtio.DeviceIDBlock, layout.IRQ(boot.DeviceBlk), virtio.FeatureBlkRO, blkDev, irqAssert)
		blkDev.Attach(blkT)
		bus.Add(layout.Base(boot.DeviceBlk), blkT)
		devices = append(devices, layout.Device(boot.DeviceBlk))
		ociRootfsDev = "/dev/vda"
	}

	if cfg.SharedWorkspace != "" {
		cfg.Mounts = append(cfg.Mounts, HostMount{HostPath: cfg.SharedWorkspace, GuestPath: "/workspace", ReadOnly: false})
	}

	fsSlots := []int{boot.DeviceFS0, boot.DeviceFS1, boot.DeviceFS2}
	slotIdx := 0
	addFsMount := func(tag, hostPath, guestPath string, ro bool) error {
		if slotIdx >= maxFsSlots {
			return wrapErr(ConfigError, fmt.Sprintf("too many virtiofs mounts (max %d including an OCI virtiofs root)", maxFsSlots), nil)
		}
		kind := fsSlots[slotIdx]
		slotIdx++
		backend := virtio.NewLocalFsBackend(log, hostPath, ro)
		fsDev := virtio.NewFsDevice(log, tag, backend)
		fsT := virtio.NewTransport(log, mem, virtio.DeviceID9P, layout.IRQ(kind), 0, fsDev, irqAssert)
		fsDev.Attach(fsT)
		bus.Add(layout.Base(kind), fsT)
		devices = append(devices, layout.Device(kind))
		if guestPath != "" {
			mounts = append(mounts, boot.MountDescriptor{Tag: tag, GuestPath: guestPath, ReadOnly: ro})
		}
		return nil
	}

	if cfg.OciBase != nil && cfg.OciBase.VirtiofsDir != "" {
		ociRootfsTag = "ociroot"
		if err := addFsMount(ociRootfsTag, cfg.OciBase.VirtiofsDir, "", false); err != nil {
			return nil, err
		}
	}
	for i, m := range cfg.Mounts {
		if err := addFsMount(fmt.Sprintf("mount%d", i), m.HostPath, m.GuestPath, m.ReadOnly); err != nil {
			return nil, err
		}
	}
	for i, m := range cfg.SkillMounts {
		if err := addFsMount(fmt.Sprintf("skill%d", i), m.RootfsPath, m.GuestPath, m.ReadOnly); err != nil {
			return nil, err
		}
	}

	memSize := cfg.MemoryMiB << 20
	busAdapter := &mmioBusAdapter{bus: bus, log: log}

	kvmFd, err := kvm.Open()
	if err != nil {
		return nil, wrapErr(BootError, "open /dev/kvm", err)
	}
	vm, err := kvm.New(log, kvmFd, memSize, busAdapter)
	if err != nil {
		return nil, wrapErr(BootError, "create vm", err)
	}
	sb.vm = vm
	vmRef = vm
	mem.buf = vm.Memory()
	vsockDev.SetMemory(uintptr(unsafe.Pointer(&vm.Memory()[0])), memSize)

	cmdline := boot.BuildCmdline(boot.CmdlineConfig{
		Secret:       secret,
		Network:      cfg.NetworkEnabled,
		Devices:      devices,
		OciRootfsDev: ociRootfsDev,
		OciRootfsTag: ociRootfsTag,
		Mounts:       mounts,
		Allowlist:    cfg.Allowlist,
		Rlimits:      boot.Rlimits(cfg.Rlimits),
		IPv6Disable:  true,
	})

	if err := loadKernel(vm, cfg.KernelPath, cfg.InitramfsPath, cmdline, memSize); err != nil {
		return nil, wrapErr(BootError, "load kernel", err)
	}

	sb.runCtx, sb.runCancel = context.WithCancel(context.Background())
	sb.runDone = make(chan error, 1)
	go func() {
		// The filter is per-thread, so it must be installed on the same
		// OS thread that then drives KVM_RUN -- LockOSThread here pins
		// this goroutine to that thread before vm.Run does its own
		// (nested) LockOSThread/UnlockOSThread around the run loop.
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		if !cfg.DisableSeccomp {
			if err := seccomp.Install(); err != nil {
				sb.runDone <- wrapErr(BootError, "install seccomp filter", err)
				return
			}
		}
		sb.runDone <- vm.Run(sb.runCtx, newLineSink(log))
	}()

	if sb.natStack != nil {
		go sb.pumpNetRX()
	}

	if err := sb.handshake(ctx, guestCID, cfg.BootTimeout); err != nil {
		return nil, err
	}

	ok = true
	return sb, nil
}

// mmioBusAdapter makes *virtio.Bus satisfy kvm.MMIOBus, whose exit-path
// signature drops the error virtio.Bus reports -- a genuine MMIO error
// only ever means "address not claimed" or a malformed descriptor, both
// of which are logged and otherwise ignored: the guest just sees the
// access as unclaimed.
type mmioBusAdapter struct {
	bus *virtio.Bus
	log *slog.Logger
}

func (a *mmioBusAdapter) Read(addr uint64, data []byte) bool {
	ok, err := a.bus.Read(addr, data)
	if err != nil {
		a.log.Warn("mmio read error", "addr", addr, "err", err)
	}
	return ok
}

func (a *mmioBusAdapter) Write(addr uint64, data []byte) bool {
	ok, err := a.bus.Write(addr, data)
	if err != nil {
		a.log.Warn("mmio write error", "addr", addr, "err", err)
	}
	return ok
}

// lineSink logs the guest's serial console a line at a time, mainly
// useful for surfacing early boot panics before the vsock handshake
// ever completes.
type lineSink struct {
	log *slog.Logger
	buf []byte
}

func newLineSink(log *slog.Logger) *lineSink { return &lineSink{log: log} }

func (s *lineSink) Write(p []byte) (int, error) {
	s.buf = append(s.buf, p...)
	for {
		i := bytes.IndexByte(s.buf, '\n')
		if i < 0 {
			break
		}
		line := string(bytes.TrimRight(s.buf[:i], "\r"))
		if line != "" {
			s.log.Debug("guest console", "line", line)
		}
		s.buf = s.buf[i+1:]
	}
	return len(p), nil
}

func buildNATConfig(cfg NATConfig) (nat.Config, error) {
	out := nat.DefaultConfig()
	if cfg.MaxConcurrentConns != 0 {
		out.MaxConcurrentConns = cfg.MaxConcurrentConns
	}
	if cfg.NewConnRatePerSec != 0 {
		out.NewConnRatePerSec = cfg.NewConnRatePerSec
	}
	if len(cfg.UpstreamResolvers) > 0 {
		out.UpstreamResolvers = cfg.UpstreamResolvers
	}
	for _, c := range cfg.DenyCIDRs {
		_, ipnet, err := net.ParseCIDR(c)
		if err != nil {
			return nat.Config{}, wrapErr(ConfigError, fmt.Sprintf("nat: invalid deny CIDR %q", c), err)
		}
		out.DenyCIDRs = append(out.DenyCIDRs, ipnet)
	}
	return out, nil
}

// pumpNetRX periodically drains frames the NAT stack produced for the
// guest. A guest-initiated queue kick (TX or RX) also drains RX, but
// inbound traffic arriving while the guest is not kicking any queue
// needs its own timer to ever reach the guest.
func (sb *Sandbox) pumpNetRX() {
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-sb.runCtx.Done():
			return
		case <-ticker.C:
			if err := sb.netDev.PollRX(); err != nil {
				sb.log.Warn("net rx poll failed", "err", err)
			}
		}
	}
}

// handshake dials the guest's vsock control port with retry/backoff
// (grounded on the teacher's SpawnHelper connect loop), then exchanges
// one Ping/Pong round trip to confirm the agent is actually serving
// requests before New returns.
func (sb *Sandbox) handshake(ctx context.Context, guestCID uint32, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	fd := -1
	var lastErr error
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return wrapErr(HandshakeError, "handshake canceled", ctx.Err())
		case err := <-sb.runDoneNonBlocking():
			return wrapErr(BootError, "guest exited before handshake completed", err)
		default:
		}

		sockFd, err := unix.Socket(unix.AF_VSOCK, unix.SOCK_STREAM, 0)
		if err != nil {
			return wrapErr(HandshakeError, "create vsock socket", err)
		}
		err = unix.Connect(sockFd, &unix.SockaddrVM{CID: guestCID, Port: vsockControlPort})
		if err == nil {
			fd = sockFd
			break
		}
		unix.Close(sockFd)
		lastErr = err
		time.Sleep(20 * time.Millisecond)
	}
	if fd < 0 {
		return wrapErr(HandshakeError, "connect to guest vsock port", lastErr)
	}

	// A non-blocking fd makes os.NewFile return a pollable File, so the
	// Ping/Pong exchange below can be bounded by the same deadline.
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return wrapErr(HandshakeError, "set vsock socket non-blocking", err)
	}
	conn := os.NewFile(uintptr(fd), "vsock-ctl")
	reader := bufio.NewReader(conn)
	conn.SetDeadline(deadline)

	if err := wire.WriteMessage(conn, sb.codec, &wire.Message{Type: wire.TypePing, Ping: &wire.Ping{}}); err != nil {
		conn.Close()
		return wrapErr(HandshakeError, "send ping", err)
	}
	msg, err := wire.ReadMessage(reader, sb.codec)
	if err != nil {
		conn.Close()
		return wrapErr(HandshakeError, "read pong", err)
	}
	if msg.Type != wire.TypePong {
		conn.Close()
		return wrapErr(HandshakeError, fmt.Sprintf("expected Pong, got %s", msg.Type), nil)
	}
	conn.SetDeadline(time.Time{})

	sb.conn = conn
	sb.reader = reader
	return nil
}

func (sb *Sandbox) runDoneNonBlocking() <-chan error {
	return sb.runDone
}

// Exec runs one command in the guest and waits for it to complete,
// accumulating its output per §6.2's chunk-then-response framing.
func (sb *Sandbox) Exec(ctx context.Context, p ExecParams) (ExecResult, error) {
	sb.connMu.Lock()
	defer sb.connMu.Unlock()

	if sb.conn == nil {
		return ExecResult{}, wrapErr(ProtocolError, "sandbox has no active control connection", nil)
	}

	env := mergeEnv(sb.cfg.Env, p.Env)
	workingDir := p.WorkingDir
	if workingDir == "" {
		workingDir = sb.cfg.WorkingDir
	}

	req := &wire.ExecRequest{
		Secret:     sb.secret,
		Program:    p.Program,
		Args:       p.Args,
		Env:        env,
		Stdin:      p.Stdin,
		TimeoutMs:  uint64(p.Timeout / time.Millisecond),
		WorkingDir: workingDir,
	}
	if err := wire.WriteMessage(sb.conn, sb.codec, &wire.Message{Type: wire.TypeExecRequest, Exec: req}); err != nil {
		return ExecResult{}, wrapErr(ProtocolError, "send exec request", err)
	}

	var stdout, stderr bytes.Buffer
	for {
		msg, err := wire.ReadMessage(sb.reader, sb.codec)
		if err != nil {
			return ExecResult{}, wrapErr(ProtocolError, "read exec stream", err)
		}
		switch msg.Type {
		case wire.TypeExecOutputChunk:
			c := msg.Chunk
			isStderr := c.Stream == wire.StreamStderr
			if isStderr {
				stderr.Write(c.Data)
			} else {
				stdout.Write(c.Data)
			}
			if p.Output != nil {
				p.Output(isStderr, c.Data)
			}
		case wire.TypeExecResponse:
			r := msg.Exec2
			return ExecResult{
				ExitCode: r.ExitCode,
				Stdout:   stdout.Bytes(),
				Stderr:   stderr.Bytes(),
				Duration: time.Duration(r.DurationMs) * time.Millisecond,
			}, nil
		default:
			return ExecResult{}, wrapErr(ProtocolError, fmt.Sprintf("unexpected message %s during exec", msg.Type), nil)
		}
	}
}

// WriteFile writes data to path inside the guest.
func (sb *Sandbox) WriteFile(path string, data []byte) error {
	sb.connMu.Lock()
	defer sb.connMu.Unlock()

	if err := wire.WriteMessage(sb.conn, sb.codec, &wire.Message{
		Type:      wire.TypeWriteFileRequest,
		WriteFile: &wire.WriteFileRequest{Path: path, Bytes: data},
	}); err != nil {
		return wrapErr(ProtocolError, "send write_file request", err)
	}
	msg, err := wire.ReadMessage(sb.reader, sb.codec)
	if err != nil {
		return wrapErr(ProtocolError, "read write_file response", err)
	}
	if msg.Type != wire.TypeWriteFileResponse {
		return wrapErr(ProtocolError, fmt.Sprintf("expected WriteFileResponse, got %s", msg.Type), nil)
	}
	if !msg.WriteFileResp.OK {
		return wrapErr(GuestExec, msg.WriteFileResp.Error, nil)
	}
	return nil
}

// MkdirP recursively creates path inside the guest.
func (sb *Sandbox) MkdirP(path string) error {
	sb.connMu.Lock()
	defer sb.connMu.Unlock()

	if err := wire.WriteMessage(sb.conn, sb.codec, &wire.Message{
		Type:   wire.TypeMkdirPRequest,
		MkdirP: &wire.MkdirPRequest{Path: path},
	}); err != nil {
		return wrapErr(ProtocolError, "send mkdir_p request", err)
	}
	msg, err := wire.ReadMessage(sb.reader, sb.codec)
	if err != nil {
		return wrapErr(ProtocolError, "read mkdir_p response", err)
	}
	if msg.Type != wire.TypeMkdirPResponse {
		return wrapErr(ProtocolError, fmt.Sprintf("expected MkdirPResponse, got %s", msg.Type), nil)
	}
	if !msg.MkdirPResp.OK {
		return wrapErr(GuestExec, msg.MkdirPResp.Error, nil)
	}
	return nil
}

// NATStats reports the NAT stack's connection-table diagnostics
// (§6.4's supplemented StatsSnapshot() feature). Returns the zero value if
// networking was not enabled.
func (sb *Sandbox) NATStats() nat.Stats {
	if sb.natStack == nil {
		return nat.Stats{}
	}
	return sb.natStack.StatsSnapshot()
}

// Close performs a cooperative shutdown (Shutdown/ShutdownAck) bounded
// by cfg.TeardownGrace, then forcibly tears the VM down regardless of
// whether the guest responded. Idempotent: subsequent calls return the
// same result.
func (sb *Sandbox) Close() error {
	sb.closeOnce.Do(func() {
		sb.closeErr = sb.close()
	})
	return sb.closeErr
}

func (sb *Sandbox) close() error {
	if sb.conn != nil {
		sb.connMu.Lock()
		ackDone := make(chan struct{})
		go func() {
			defer close(ackDone)
			if err := wire.WriteMessage(sb.conn, sb.codec, &wire.Message{Type: wire.TypeShutdown, Shutdown: &wire.Shutdown{}}); err != nil {
				return
			}
			wire.ReadMessage(sb.reader, sb.codec)
		}()
		select {
		case <-ackDone:
		case <-time.After(sb.cfg.TeardownGrace):
		}
		sb.conn.Close()
		sb.connMu.Unlock()
	}

	if sb.runCancel != nil {
		sb.runCancel()
	}
	if sb.runDone != nil {
		select {
		case <-sb.runDone:
		case <-time.After(sb.cfg.TeardownGrace):
		}
	}

	return sb.releaseAll()
}

// releasePartial is called on any error path during New, after some
// resources (NAT stack, open files, VM) may already have been created.
func (sb *Sandbox) releasePartial() {
	if sb.runCancel != nil {
		sb.runCancel()
	}
	sb.releaseAll()
}

func (sb *Sandbox) releaseAll() error {
	if sb.natStack != nil {
		sb.natStack.Close()
	}
	if sb.blkFile != nil {
		sb.blkFile.Close()
	}
	if sb.vm != nil {
		return sb.vm.Close()
	}
	return nil
}

func mergeEnv(base, override map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}
