package virtio

import (
	"fmt"
	"log/slog"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/the-void-ia/void-box/internal/virtqueue"
)

// vhost ioctl magic and command numbers (linux/vhost.h), reconstructed
// with the standard _IOW/_IOR/_IO macros since golang.org/x/sys/unix does
// not expose vhost-vsock's ioctl surface directly.
const vhostMagic = 0xaf

func ioc(dir, nr, size uintptr) uintptr {
	const (
		dirShift  = 30
		typeShift = 8
		sizeShift = 16
	)
	return dir<<dirShift | vhostMagic<<typeShift | nr | size<<sizeShift
}

func iow(nr, size uintptr) uintptr  { return ioc(1, nr, size) }
func ior(nr, size uintptr) uintptr  { return ioc(2, nr, size) }
func iowr(nr, size uintptr) uintptr { return ioc(3, nr, size) }
func ioNoArg(nr uintptr) uintptr    { return ioc(0, nr, 0) }

var (
	vhostSetOwner          = ioNoArg(0x01)
	vhostSetMemTable       = iow(0x03, unsafe.Offsetof(vhostMemory{}.Region)) // sizeof(struct vhost_memory) excludes the regions array
	vhostSetVringNum       = iow(0x10, unsafe.Sizeof(vhostVringState{}))
	vhostSetVringAddr      = iow(0x11, unsafe.Sizeof(vhostVringAddr{}))
	vhostSetVringBase      = iow(0x12, unsafe.Sizeof(vhostVringState{}))
	vhostSetVringKick      = iow(0x20, 8) // sizeof(struct vhost_vring_file): index(u32) + fd(int)
	vhostSetVringCall      = iow(0x21, 8)
	vhostSetFeatures       = iow(0x00, unsafe.Sizeof(uint64(0)))
	vhostVsockSetGuestCID  = iow(0x60, unsafe.Sizeof(uint64(0)))
	vhostVsockSetRunning   = iow(0x61, unsafe.Sizeof(int32(0)))
)

type vhostMemoryRegion struct {
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
	Padding       uint64
}

// vhostMemory describes a single-region table; the kernel ABI is a
// variable-length struct (nregions followed by that many regions) but
// this VMM always registers exactly one contiguous guest memory region.
type vhostMemory struct {
	NRegions uint32
	Padding  uint32
	Region   vhostMemoryRegion
}

type vhostVringState struct {
	Index uint32
	Num   uint32
}

type vhostVringAddr struct {
	Index         uint32
	Flags         uint32
	DescUserAddr  uint64
	UsedUserAddr  uint64
	AvailUserAddr uint64
	LogGuestAddr  uint64
}

// VsockQueueCount matches the virtio-vsock spec: rx, tx, event.
const VsockQueueCount = 3

const vsockConfigLen = 8 // guest_cid (u64)

// VsockDevice is a thin virtio-mmio front end over the host kernel's
// vhost-vsock backend (§4.4): once the guest reaches DRIVER_OK the
// queues' memory layout is handed entirely to the kernel driver via
// vhost ioctls, and a dedicated epoll thread turns "call" eventfd
// notifications into interrupt_status updates plus a GSI assert, since
// KVM_IRQFD alone would raise the GSI without touching
// interrupt_status and the guest ISR would then ignore the interrupt.
type VsockDevice struct {
	log       *slog.Logger
	transport *Transport
	guestCID  uint64

	mu       sync.Mutex
	vhostFd  int
	memBase  uintptr // host virtual address backing guest physical address 0
	memSize  uint64
	kickFds  [VsockQueueCount]int
	callFds  [VsockQueueCount]int
	epollFd  int
	stopped  chan struct{}

	// pendingMemBase/pendingMemSize are recorded by SetMemory ahead of
	// boot, since the guest-memory mapping exists before the guest
	// driver ever reaches DRIVER_OK.
	pendingMemBase uintptr
	pendingMemSize uint64
}

// NewVsockDevice constructs the device; guestCID is the AF_VSOCK context
// id assigned to this VM.
func NewVsockDevice(log *slog.Logger, guestCID uint64) *VsockDevice {
	return &VsockDevice{
		log:      log.With("dev", "virtio-vsock", "cid", guestCID),
		guestCID: guestCID,
		vhostFd:  -1,
		epollFd:  -1,
		stopped:  make(chan struct{}),
	}
}

func (d *VsockDevice) Attach(t *Transport) { d.transport = t }

// SetMemory records the guest-memory mapping the device hands to the
// kernel's vhost backend once DRIVER_OK is reached. Must be called
// before the VM's vCPU loop starts.
func (d *VsockDevice) SetMemory(memBase uintptr, memSize uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pendingMemBase = memBase
	d.pendingMemSize = memSize
}

// OnDriverOK hands the negotiated queues off to the host kernel's
// vhost-vsock backend the first time the guest driver reaches
// DRIVER_OK. From this point queue processing happens entirely in the
// kernel; this process only relays interrupts (irqThread).
func (d *VsockDevice) OnDriverOK() {
	d.mu.Lock()
	memBase, memSize := d.pendingMemBase, d.pendingMemSize
	d.mu.Unlock()

	var queues [VsockQueueCount]*virtqueue.Queue
	for i := range queues {
		queues[i] = d.transport.Queue(i)
	}
	if err := d.SetupBackend(memBase, memSize, queues); err != nil {
		d.log.Error("vhost-vsock backend setup failed", "err", err)
	}
}

func (d *VsockDevice) NumQueues() int          { return VsockQueueCount }
func (d *VsockDevice) QueueMaxSize(int) uint16 { return 256 }

func (d *VsockDevice) ReadConfig(offset uint64, width int) (uint32, bool) {
	if offset >= vsockConfigLen {
		return 0, false
	}
	_ = width
	if offset == 0 {
		return uint32(d.guestCID), true
	}
	return uint32(d.guestCID >> 32), true
}

func (d *VsockDevice) WriteConfig(uint64, int, uint32) bool { return false }

// OnQueueNotify is unused for vsock: once DRIVER_OK is reached, queue
// notification happens via the kernel's own vhost kick eventfds, set up
// by SetupBackend, not via guest MMIO QUEUE_NOTIFY writes trapped here.
func (d *VsockDevice) OnQueueNotify(int) error { return nil }

// OnReset tears down the vhost backend so a guest reboot (status write
// of 0) doesn't leak kernel-side queue state.
func (d *VsockDevice) OnReset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.teardownLocked()
}

// SetupBackend is invoked once the guest driver reaches DRIVER_OK. mem
// is the single guest-memory mapping backing GPA 0; queues carries each
// queue's negotiated guest-physical descriptor/avail/used addresses.
func (d *VsockDevice) SetupBackend(memBase uintptr, memSize uint64, queues [VsockQueueCount]*virtqueue.Queue) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	fd, err := unix.Open("/dev/vhost-vsock", unix.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("virtio-vsock: open /dev/vhost-vsock: %w", err)
	}
	d.vhostFd = fd
	d.memBase = memBase
	d.memSize = memSize

	if err := ioctlNoArg(fd, vhostSetOwner); err != nil {
		return fmt.Errorf("virtio-vsock: SET_OWNER: %w", err)
	}

	mem := vhostMemory{
		NRegions: 1,
		Region: vhostMemoryRegion{
			GuestPhysAddr: 0,
			MemorySize:    memSize,
			UserspaceAddr: uint64(memBase),
		},
	}
	if err := ioctlPtr(fd, vhostSetMemTable, unsafe.Pointer(&mem)); err != nil {
		return fmt.Errorf("virtio-vsock: SET_MEM_TABLE: %w", err)
	}

	var features uint64 = FeatureVersion1
	if err := ioctlPtr(fd, vhostSetFeatures, unsafe.Pointer(&features)); err != nil {
		return fmt.Errorf("virtio-vsock: SET_FEATURES: %w", err)
	}

	if err := ioctlPtr(fd, vhostVsockSetGuestCID, unsafe.Pointer(&d.guestCID)); err != nil {
		return fmt.Errorf("virtio-vsock: SET_GUEST_CID: %w", err)
	}

	for i, q := range queues {
		if err := d.setupVring(fd, i, q, memBase); err != nil {
			return err
		}
	}

	d.epollFd, err = unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return fmt.Errorf("virtio-vsock: epoll_create1: %w", err)
	}
	for i, callFd := range d.callFds {
		ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(callFd)}
		if err := unix.EpollCtl(d.epollFd, unix.EPOLL_CTL_ADD, callFd, &ev); err != nil {
			return fmt.Errorf("virtio-vsock: epoll_ctl queue %d: %w", i, err)
		}
	}

	running := int32(1)
	if err := ioctlPtr(fd, vhostVsockSetRunning, unsafe.Pointer(&running)); err != nil {
		return fmt.Errorf("virtio-vsock: SET_RUNNING: %w", err)
	}

	go d.irqThread()
	return nil
}

func (d *VsockDevice) setupVring(fd int, index int, q *virtqueue.Queue, memBase uintptr) error {
	state := vhostVringState{Index: uint32(index), Num: uint32(q.Size)}
	if err := ioctlPtr(fd, vhostSetVringNum, unsafe.Pointer(&state)); err != nil {
		return fmt.Errorf("virtio-vsock: SET_VRING_NUM[%d]: %w", index, err)
	}

	base := vhostVringState{Index: uint32(index), Num: 0}
	if err := ioctlPtr(fd, vhostSetVringBase, unsafe.Pointer(&base)); err != nil {
		return fmt.Errorf("virtio-vsock: SET_VRING_BASE[%d]: %w", index, err)
	}

	addr := vhostVringAddr{
		Index:         uint32(index),
		DescUserAddr:  uint64(memBase) + q.DescAddr,
		AvailUserAddr: uint64(memBase) + q.AvailAddr,
		UsedUserAddr:  uint64(memBase) + q.UsedAddr,
	}
	if err := ioctlPtr(fd, vhostSetVringAddr, unsafe.Pointer(&addr)); err != nil {
		return fmt.Errorf("virtio-vsock: SET_VRING_ADDR[%d]: %w", index, err)
	}

	kickFd, err := unix.Eventfd(0, unix.EFD_CLOEXEC)
	if err != nil {
		return fmt.Errorf("virtio-vsock: kick eventfd[%d]: %w", index, err)
	}
	callFd, err := unix.Eventfd(0, unix.EFD_CLOEXEC)
	if err != nil {
		return fmt.Errorf("virtio-vsock: call eventfd[%d]: %w", index, err)
	}
	d.kickFds[index] = kickFd
	d.callFds[index] = callFd

	if err := setVringFd(fd, vhostSetVringKick, index, kickFd); err != nil {
		return fmt.Errorf("virtio-vsock: SET_VRING_KICK[%d]: %w", index, err)
	}
	if err := setVringFd(fd, vhostSetVringCall, index, callFd); err != nil {
		return fmt.Errorf("virtio-vsock: SET_VRING_CALL[%d]: %w", index, err)
	}
	return nil
}

// irqThread is the dedicated epoll loop described in §4.4/§9: on every
// call-eventfd fire it sets interrupt_status and asserts the GSI. This
// is the only place device.RaiseInterrupt is reached for this device,
// since vsock queue processing itself happens entirely in the kernel.
func (d *VsockDevice) irqThread() {
	events := make([]unix.EpollEvent, VsockQueueCount)
	for {
		n, err := unix.EpollWait(d.epollFd, events, 1000)
		select {
		case <-d.stopped:
			return
		default:
		}
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			d.log.Warn("epoll_wait failed", "err", err)
			return
		}
		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			var buf [8]byte
			if _, err := unix.Read(fd, buf[:]); err != nil {
				continue
			}
			d.transport.RaiseInterrupt(IntVRing)
		}
	}
}

func (d *VsockDevice) teardownLocked() {
	close(d.stopped)
	if d.epollFd >= 0 {
		unix.Close(d.epollFd)
		d.epollFd = -1
	}
	for i := range d.kickFds {
		if d.kickFds[i] != 0 {
			unix.Close(d.kickFds[i])
		}
		if d.callFds[i] != 0 {
			unix.Close(d.callFds[i])
		}
	}
	if d.vhostFd >= 0 {
		unix.Close(d.vhostFd)
		d.vhostFd = -1
	}
	d.stopped = make(chan struct{})
}

func ioctlNoArg(fd int, req uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

func ioctlPtr(fd int, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

func setVringFd(fd int, req uintptr, index int, vringFd int) error {
	payload := struct {
		Index uint32
		Fd    int32
	}{Index: uint32(index), Fd: int32(vringFd)}
	return ioctlPtr(fd, req, unsafe.Pointer(&payload))
}
