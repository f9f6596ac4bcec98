// Package virtio implements the virtio-mmio transport (register bank,
// feature negotiation, device-status state machine) and the concrete
// devices (net, vsock, blk, fs) built on top of it.
package virtio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/the-void-ia/void-box/internal/virtqueue"
)

// Register offsets, virtio-mmio version 2 (virtio spec 4.2.2).
const (
	regMagicValue        = 0x000
	regVersion           = 0x004
	regDeviceID          = 0x008
	regVendorID          = 0x00c
	regDeviceFeatures    = 0x010
	regDeviceFeaturesSel = 0x014
	regDriverFeatures    = 0x020
	regDriverFeaturesSel = 0x024
	regQueueSel          = 0x030
	regQueueNumMax       = 0x034
	regQueueNum          = 0x038
	regQueueReady        = 0x044
	regQueueNotify       = 0x050
	regInterruptStatus   = 0x060
	regInterruptAck      = 0x064
	regStatus            = 0x070
	regQueueDescLow      = 0x080
	regQueueDescHigh     = 0x084
	regQueueAvailLow     = 0x090
	regQueueAvailHigh    = 0x094
	regQueueUsedLow      = 0x0a0
	regQueueUsedHigh     = 0x0a4
	regConfigGeneration  = 0x0fc
	regConfigBase        = 0x100

	magicValue = 0x74726976 // "virt"
	version2   = 2
	vendorID   = 0x564f4942 // "VOIB"
)

// Device status bits (virtio spec 2.1), the state machine the guest
// driver advances through: RESET(0) -> ACKNOWLEDGE -> DRIVER ->
// FEATURES_OK -> DRIVER_OK (-> FAILED on any step's error).
const (
	StatusAcknowledge uint32 = 1
	StatusDriver      uint32 = 2
	StatusFailed      uint32 = 128
	StatusFeaturesOK  uint32 = 8
	StatusDriverOK    uint32 = 4
	StatusDeviceReset uint32 = 0
)

// FeatureVersion1 (bit 32) must be advertised by every device; a
// virtio-mmio v2 driver rejects a device that never offers it.
const FeatureVersion1 = uint64(1) << 32

// Interrupt status bits.
const (
	IntVRing  uint32 = 1
	IntConfig uint32 = 2
)

// Device-type IDs used on the config bus by this repo's devices.
const (
	DeviceIDNet   uint32 = 1
	DeviceIDBlock uint32 = 2
	DeviceIDVsock uint32 = 19
	DeviceID9P    uint32 = 26 // virtio-fs (FUSE) transport
)

// Handler is implemented by a concrete device (net, blk, vsock, fs). The
// Transport calls it on queue notify and on config-space accesses; the
// handler calls back into the Transport to raise interrupts and reach
// queues. OnQueueNotify, OnReset and OnDriverOK are called with the
// transport's lock released, so long-running device work (e.g. a block
// read) never holds the register-bank lock; ReadConfig, WriteConfig and
// QueueMaxSize are called with the lock held, as part of the MMIO
// access itself.
type Handler interface {
	NumQueues() int
	QueueMaxSize(queue int) uint16
	OnReset()
	OnQueueNotify(queue int) error
	ReadConfig(offset uint64, width int) (uint32, bool)
	WriteConfig(offset uint64, width int, value uint32) bool

	// OnDriverOK is called once, the first time the guest driver's
	// status write sets DRIVER_OK. Devices that hand their queues off
	// to a backend outside this process (vhost-vsock) use it as the
	// point to wire that backend up; devices that process queues
	// themselves on notify can leave it a no-op.
	OnDriverOK()
}

// Transport is one virtio-mmio register bank plus its virtqueues, wired
// to a Handler implementing the device-specific behavior. Guest physical
// address ranges are owned by the caller (the VMM's MMIO dispatch
// table); Transport only knows offsets within its own window.
type Transport struct {
	mu sync.Mutex

	log      *slog.Logger
	mem      virtqueue.GuestMemory
	handler  Handler
	deviceID uint32

	irq       uint32
	irqAssert func(irq uint32)

	deviceFeatures   uint64
	driverFeatures   uint64
	featuresSel      uint32
	driverFeaturesSel uint32

	status           uint32
	interruptStatus  atomic.Uint32
	configGeneration uint32

	queueSel uint32
	queues   []*virtqueue.Queue
}

// NewTransport builds a Transport for deviceID, backed by mem, exposing
// numQueues virtqueues, and calling irqAssert(irq) whenever the device
// must raise its interrupt line (IRQ number is owned by the VMM's
// device-layout table, passed in at construction per §4.5).
func NewTransport(log *slog.Logger, mem virtqueue.GuestMemory, deviceID uint32, irq uint32, deviceFeatures uint64, handler Handler, irqAssert func(uint32)) *Transport {
	numQueues := handler.NumQueues()
	queues := make([]*virtqueue.Queue, numQueues)
	for i := range queues {
		queues[i] = virtqueue.New(mem)
	}
	return &Transport{
		log:            log.With("device", deviceID, "irq", irq),
		mem:            mem,
		handler:        handler,
		deviceID:       deviceID,
		irq:            irq,
		irqAssert:      irqAssert,
		deviceFeatures: deviceFeatures | FeatureVersion1,
		queues:         queues,
	}
}

// Queue exposes virtqueue i to the device handler for descriptor-chain
// processing outside the register-bank lock.
func (t *Transport) Queue(i int) *virtqueue.Queue { return t.queues[i] }

// RaiseInterrupt sets the given interrupt_status bits and asserts the
// device's IRQ line. Per §4.3/§9, interrupt_status MUST be updated
// before the IRQ is asserted -- KVM_IRQFD alone is not sufficient,
// since the guest ISR reads interrupt_status first and ignores a zero
// value, treating the interrupt as spurious.
func (t *Transport) RaiseInterrupt(bits uint32) {
	t.interruptStatus.Or(bits)
	t.irqAssert(t.irq)
}

func (t *Transport) Read(offset uint64, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if offset >= regConfigBase {
		return t.readConfig(offset-regConfigBase, data)
	}

	val, err := t.readRegister(offset)
	if err != nil {
		return err
	}
	putLE(data, val)
	return nil
}

// writeAction is what Write must do once it has released the register
// lock: call into the handler for a queue notification, a reset, or a
// fresh DRIVER_OK transition. At most one of these follows any single
// register write.
type writeAction struct {
	notifyQueue int // -1 = none
	reset       bool
	driverOK    bool
}

func (t *Transport) Write(offset uint64, data []byte) error {
	t.mu.Lock()
	if offset >= regConfigBase {
		err := t.writeConfig(offset-regConfigBase, data)
		t.mu.Unlock()
		return err
	}
	action, err := t.writeRegisterLocked(offset, getLE(data))
	t.mu.Unlock()
	if err != nil {
		return err
	}

	switch {
	case action.reset:
		t.handler.OnReset()
	case action.driverOK:
		t.handler.OnDriverOK()
	case action.notifyQueue >= 0:
		return t.handler.OnQueueNotify(action.notifyQueue)
	}
	return nil
}

func (t *Transport) readRegister(offset uint64) (uint32, error) {
	switch offset {
	case regMagicValue:
		return magicValue, nil
	case regVersion:
		return version2, nil
	case regDeviceID:
		return t.deviceID, nil
	case regVendorID:
		return vendorID, nil
	case regDeviceFeatures:
		if t.featuresSel == 1 {
			return uint32(t.deviceFeatures >> 32), nil
		}
		return uint32(t.deviceFeatures), nil
	case regQueueNumMax:
		if int(t.queueSel) >= len(t.queues) {
			return 0, nil
		}
		return uint32(t.handler.QueueMaxSize(int(t.queueSel))), nil
	case regQueueReady:
		if int(t.queueSel) >= len(t.queues) {
			return 0, nil
		}
		if t.queues[t.queueSel].Size != 0 {
			return 1, nil
		}
		return 0, nil
	case regInterruptStatus:
		return uint32(t.interruptStatus.Load()), nil
	case regStatus:
		return t.status, nil
	case regConfigGeneration:
		return t.configGeneration, nil
	default:
		return 0, nil
	}
}

func (t *Transport) writeRegisterLocked(offset uint64, value uint32) (writeAction, error) {
	action := writeAction{notifyQueue: -1}
	switch offset {
	case regDeviceFeaturesSel:
		// Guest reads device features through DEVICE_FEATURES after selecting
		// a 32-bit half via this register.
		t.featuresSel = value
	case regDriverFeatures:
		if t.driverFeaturesSel == 1 {
			t.driverFeatures = t.driverFeatures&0xffffffff | uint64(value)<<32
		} else {
			t.driverFeatures = t.driverFeatures&^0xffffffff | uint64(value)
		}
	case regDriverFeaturesSel:
		t.driverFeaturesSel = value
	case regQueueSel:
		t.queueSel = value
	case regQueueNum:
		if int(t.queueSel) < len(t.queues) {
			if err := t.queues[t.queueSel].SetSize(uint16(value)); err != nil {
				return action, fmt.Errorf("virtio: queue %d: %w", t.queueSel, err)
			}
		}
	case regQueueReady:
		if int(t.queueSel) < len(t.queues) && value == 0 {
			t.queues[t.queueSel].Reset()
		}
	case regQueueDescLow:
		t.setQueueAddr(&t.queues[t.queueSel].DescAddr, value, false)
	case regQueueDescHigh:
		t.setQueueAddr(&t.queues[t.queueSel].DescAddr, value, true)
	case regQueueAvailLow:
		t.setQueueAddr(&t.queues[t.queueSel].AvailAddr, value, false)
	case regQueueAvailHigh:
		t.setQueueAddr(&t.queues[t.queueSel].AvailAddr, value, true)
	case regQueueUsedLow:
		t.setQueueAddr(&t.queues[t.queueSel].UsedAddr, value, false)
	case regQueueUsedHigh:
		t.setQueueAddr(&t.queues[t.queueSel].UsedAddr, value, true)
	case regQueueNotify:
		if int(value) >= len(t.queues) {
			return action, fmt.Errorf("virtio: notify on out-of-range queue %d", value)
		}
		if t.status&StatusDriverOK != 0 {
			action.notifyQueue = int(value)
		}
	case regInterruptAck:
		t.interruptStatus.And(^value)
	case regStatus:
		action.reset, action.driverOK = t.setStatusLocked(value)
	default:
	}
	return action, nil
}

func (t *Transport) setQueueAddr(field *uint64, value uint32, high bool) {
	if int(t.queueSel) >= len(t.queues) {
		return
	}
	if high {
		*field = *field&0xffffffff | uint64(value)<<32
	} else {
		*field = *field&^0xffffffff | uint64(value)
	}
}

// setStatusLocked applies a write to the status register and reports
// which handler callback, if any, Write must make once it has released
// the lock: a reset (guest wrote 0), or a fresh DRIVER_OK transition
// (the bit was not set before and is set now).
func (t *Transport) setStatusLocked(value uint32) (reset, driverOK bool) {
	if value == StatusDeviceReset {
		t.status = 0
		t.interruptStatus.Store(0)
		for _, q := range t.queues {
			q.Reset()
		}
		return true, false
	}
	wasDriverOK := t.status&StatusDriverOK != 0
	t.status = value
	nowDriverOK := t.status&StatusDriverOK != 0
	return false, nowDriverOK && !wasDriverOK
}

func (t *Transport) readConfig(offset uint64, data []byte) error {
	val, handled := t.handler.ReadConfig(offset, len(data))
	if !handled {
		for i := range data {
			data[i] = 0
		}
		return nil
	}
	putLE(data, val)
	return nil
}

func (t *Transport) writeConfig(offset uint64, data []byte) error {
	t.handler.WriteConfig(offset, len(data), getLE(data))
	return nil
}

func putLE(data []byte, val uint32) {
	switch len(data) {
	case 1:
		data[0] = byte(val)
	case 2:
		binary.LittleEndian.PutUint16(data, uint16(val))
	default:
		binary.LittleEndian.PutUint32(data, val)
	}
}

func getLE(data []byte) uint32 {
	switch len(data) {
	case 1:
		return uint32(data[0])
	case 2:
		return uint32(binary.LittleEndian.Uint16(data))
	default:
		return binary.LittleEndian.Uint32(data)
	}
}
