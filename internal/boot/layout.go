package boot

// Per §4.5, device placement is fixed at VM construction time and
// announced to the guest via virtio_mmio.device= tokens; only the
// (base, irq) pair need be stable within one VM's lifetime, not across
// VMs or implementations.
const (
	mmioWindowSize uint64 = 0x1000
	mmioBase       uint64 = 0xd0000000
)

// Device kinds this VM ever attaches, in the fixed order their MMIO
// windows and IRQ lines are handed out.
const (
	DeviceNet = iota
	DeviceVsock
	DeviceBlk
	DeviceFS0
	DeviceFS1
	DeviceFS2
	maxDevices
)

// Layout assigns every attached device a guest-physical MMIO window and
// a legacy IRQ line, both stable for the VM's lifetime.
type Layout struct {
	bases [maxDevices]uint64
	irqs  [maxDevices]uint32
}

// NewLayout assigns windows starting at mmioBase and IRQs starting at
// irqBase, one slot per device kind regardless of whether it ends up
// attached -- keeping the mapping between DeviceNet/DeviceVsock/... and
// a given (base, irq) pair fixed makes the layout easy to reason about
// even when, say, no blk device is configured.
func NewLayout(irqBase uint32) Layout {
	var l Layout
	for i := 0; i < maxDevices; i++ {
		l.bases[i] = mmioBase + uint64(i)*mmioWindowSize
		l.irqs[i] = irqBase + uint32(i)
	}
	return l
}

func (l Layout) Base(kind int) uint64 { return l.bases[kind] }
func (l Layout) IRQ(kind int) uint32  { return l.irqs[kind] }

// Device builds the cmdline Device entry for an attached device kind.
func (l Layout) Device(kind int) Device {
	return Device{Size: mmioWindowSize, Base: l.bases[kind], IRQ: l.irqs[kind]}
}
