package virtio

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/the-void-ia/void-box/internal/virtqueue"
)

// Queue indices for virtio-net: queue 0 is RX (device-to-driver), queue
// 1 is TX (driver-to-device), per the virtio spec's convention.
const (
	netQueueRX = 0
	netQueueTX = 1
)

// netHeaderLen is the legacy (non-MRG_RXBUF) virtio-net header: flags(1)
// + gso_type(1) + hdr_len(2) + gso_size(2) + csum_start(2) + csum_offset(2).
const netHeaderLen = 10

const netConfigLen = 6 // MAC address only; no VIRTIO_NET_F_STATUS offered

// FrameSink receives Ethernet frames transmitted by the guest.
type FrameSink interface {
	SendFrame(frame []byte) error
}

// FrameSource is polled by the net device to pick up frames the NAT
// stack produced for injection into the guest (ARP replies, TCP/UDP
// relay data, DNS responses).
type FrameSource interface {
	// RecvFrame returns the next queued frame, or nil if none is pending.
	RecvFrame() []byte
}

// NetDevice is the virtio-net frontend: it owns no networking logic of
// its own (that lives in internal/nat) and is purely the virtqueue <->
// Ethernet-frame bridge described in §4.4.
type NetDevice struct {
	log       *slog.Logger
	transport *Transport
	mac       [6]byte
	sink      FrameSink
	source    FrameSource

	maxQueueSize uint16
}

// NewNetDevice constructs the device; Attach must be called once the
// Transport exists (the Transport needs the Handler to build its
// queues, and the device needs the Transport to raise interrupts --
// Attach breaks the cycle).
func NewNetDevice(log *slog.Logger, mac [6]byte, sink FrameSink, source FrameSource) *NetDevice {
	return &NetDevice{log: log.With("dev", "virtio-net"), mac: mac, sink: sink, source: source, maxQueueSize: 256}
}

func (d *NetDevice) Attach(t *Transport) { d.transport = t }

func (d *NetDevice) NumQueues() int                 { return 2 }
func (d *NetDevice) QueueMaxSize(int) uint16        { return d.maxQueueSize }
func (d *NetDevice) OnReset()                       {}
func (d *NetDevice) OnDriverOK()                    {}

func (d *NetDevice) ReadConfig(offset uint64, width int) (uint32, bool) {
	if offset >= netConfigLen {
		return 0, false
	}
	var buf [4]byte
	for i := 0; i < width && int(offset)+i < netConfigLen; i++ {
		buf[i] = d.mac[offset+uint64(i)]
	}
	return binary.LittleEndian.Uint32(buf[:]), true
}

func (d *NetDevice) WriteConfig(uint64, int, uint32) bool { return false } // MAC is read-only

// OnQueueNotify is called by the Transport when the guest kicks a
// queue. TX is processed synchronously; RX is filled opportunistically
// here too so a TX-triggered notify also drains any backlog the NAT
// stack produced while the guest wasn't polling.
func (d *NetDevice) OnQueueNotify(queue int) error {
	if queue == netQueueTX {
		if err := d.drainTX(); err != nil {
			return err
		}
	}
	return d.fillRX()
}

func (d *NetDevice) drainTX() error {
	q := d.transport.Queue(netQueueTX)
	for {
		head, ok, err := q.NextAvail()
		if err != nil {
			return fmt.Errorf("virtio-net: tx avail: %w", err)
		}
		if !ok {
			return nil
		}
		chain, err := q.Chain(head)
		if err != nil {
			return fmt.Errorf("virtio-net: tx chain: %w", err)
		}
		frame, err := assembleChain(q, chain, netHeaderLen)
		if err != nil {
			return err
		}
		if len(frame) > 0 {
			if err := d.sink.SendFrame(frame); err != nil {
				d.log.Warn("tx frame dropped", "err", err)
			}
		}
		var total uint32
		for _, desc := range chain {
			total += desc.Length
		}
		if err := q.PutUsed(head, total); err != nil {
			return fmt.Errorf("virtio-net: tx used: %w", err)
		}
	}
}

// PollRX drains any inbound frames the NAT stack has queued for the
// guest. Unlike TX, nothing about a guest kick signals that new inbound
// traffic has arrived asynchronously from the host side, so callers
// must invoke this periodically from their own goroutine.
func (d *NetDevice) PollRX() error {
	return d.fillRX()
}

// fillRX injects any frames the NAT stack has queued for the guest. If
// no RX descriptor is available, the frame already taken from the
// source is dropped and filling stops until the next call.
func (d *NetDevice) fillRX() error {
	q := d.transport.Queue(netQueueRX)
	interrupted := false
	for {
		frame := d.source.RecvFrame()
		if frame == nil {
			break
		}
		head, ok, err := q.NextAvail()
		if err != nil {
			return fmt.Errorf("virtio-net: rx avail: %w", err)
		}
		if !ok {
			// No descriptor; the frame is lost since FrameSource doesn't
			// support push-back in this simplified RX model, and it is
			// not offered again.
			d.log.Debug("rx descriptor unavailable, dropping frame", "len", len(frame))
			break
		}
		chain, err := q.Chain(head)
		if err != nil {
			return fmt.Errorf("virtio-net: rx chain: %w", err)
		}
		n, err := writeChain(q, chain, frame)
		if err != nil {
			return err
		}
		if err := q.PutUsed(head, n); err != nil {
			return fmt.Errorf("virtio-net: rx used: %w", err)
		}
		interrupted = true
	}
	if interrupted {
		d.transport.RaiseInterrupt(IntVRing)
	}
	return nil
}

// assembleChain concatenates a descriptor chain's readable buffers,
// skipping the first headerLen bytes (the virtio-net header the driver
// prepends, which this device does not need for a pass-through bridge).
func assembleChain(q *virtqueue.Queue, chain []virtqueue.Descriptor, headerLen uint32) ([]byte, error) {
	var out []byte
	skip := headerLen
	for _, d := range chain {
		if d.IsWrite() {
			continue
		}
		data, err := q.ReadGuest(d.Addr, d.Length)
		if err != nil {
			return nil, fmt.Errorf("virtio-net: read desc: %w", err)
		}
		if skip > 0 {
			if uint32(len(data)) <= skip {
				skip -= uint32(len(data))
				continue
			}
			data = data[skip:]
			skip = 0
		}
		out = append(out, data...)
	}
	return out, nil
}

// writeChain writes a netHeaderLen zero header followed by frame into
// the chain's write-only descriptors, in order.
func writeChain(q *virtqueue.Queue, chain []virtqueue.Descriptor, frame []byte) (uint32, error) {
	var header [netHeaderLen]byte
	payload := append(append([]byte{}, header[:]...), frame...)
	var written uint32
	for _, d := range chain {
		if !d.IsWrite() || len(payload) == 0 {
			continue
		}
		n := d.Length
		if n > uint32(len(payload)) {
			n = uint32(len(payload))
		}
		if err := q.WriteGuest(d.Addr, payload[:n]); err != nil {
			return 0, fmt.Errorf("virtio-net: write desc: %w", err)
		}
		payload = payload[n:]
		written += n
	}
	return written, nil
}
