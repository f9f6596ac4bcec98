// Package nat implements the user-mode NAT/TCP-IP engine behind
// virtio-net: guest Ethernet frames are handed to a real gVisor
// network stack, which terminates TCP/UDP connections and relays them
// at the host socket layer -- no TAP device, no root privileges.
package nat

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/link/ethernet"
	"gvisor.dev/gvisor/pkg/tcpip/network/arp"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
	"gvisor.dev/gvisor/pkg/waiter"
)

const nicID tcpip.NICID = 1

// Fixed guest IP plan, per §4.4: the guest always sees the same
// addresses regardless of host network configuration.
var (
	GuestIP    = net.IPv4(10, 0, 2, 15)
	GatewayIP  = net.IPv4(10, 0, 2, 2)
	DNSIP      = net.IPv4(10, 0, 2, 3)
	GuestMAC   = net.HardwareAddr{0x52, 0x54, 0x00, 0x12, 0x34, 0x56}
	GatewayMAC = net.HardwareAddr{0x52, 0x54, 0x00, 0x12, 0x34, 0x02}
)

// Config tunes the security controls required by §4.4/§4.8.
type Config struct {
	MaxConcurrentConns int
	NewConnRatePerSec  float64
	DenyCIDRs          []*net.IPNet
	UpstreamResolvers  []string // host:port, tried in order
}

func DefaultConfig() Config {
	return Config{
		MaxConcurrentConns: 256,
		NewConnRatePerSec:  50,
		UpstreamResolvers:  []string{"1.1.1.1:53", "8.8.8.8:53"},
	}
}

// Stats exposes NAT activity for tests and optional observability,
// without pulling in an exporter (out of scope per spec.md).
type Stats struct {
	OpenConnections  int64
	RejectedByDeny   int64
	RejectedByLimit  int64
	RejectedByRate   int64
	DNSQueries       int64
}

// Stack is the host-side NAT engine: a gVisor network stack bridged to
// the virtio-net device via a channel.Endpoint. It implements
// virtio.FrameSink (SendFrame, guest->host) and virtio.FrameSource
// (RecvFrame, host->guest).
type Stack struct {
	log *slog.Logger
	cfg Config

	gs *stack.Stack
	ch *channel.Endpoint

	limiter *tokenBucket
	connSem chan struct{}

	stats struct {
		open, deny, limit, rated, dns atomic.Int64
	}

	rxCh   chan []byte
	closed chan struct{}
}

// New builds the NAT stack. ctx bounds the lifetime of the background
// goroutine draining gVisor's outbound frames into the RX queue.
func New(ctx context.Context, log *slog.Logger, cfg Config) (*Stack, error) {
	ch := channel.New(256, uint32(1500+header.EthernetMinimumSize), tcpip.LinkAddress(GuestMAC))
	ep := ethernet.New(ch)

	gs := stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol, arp.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol, udp.NewProtocol},
	})
	if err := gs.CreateNIC(nicID, ep); err != nil {
		return nil, fmt.Errorf("nat: create nic: %w", err)
	}
	if err := gs.AddProtocolAddress(nicID, tcpip.ProtocolAddress{
		Protocol:          ipv4.ProtocolNumber,
		AddressWithPrefix: addrFrom4(GatewayIP).WithPrefix(),
	}, stack.AddressProperties{}); err != nil {
		return nil, fmt.Errorf("nat: add address: %w", err)
	}
	gs.SetRouteTable([]tcpip.Route{{Destination: header.IPv4EmptySubnet, NIC: nicID}})
	gs.SetSpoofing(nicID, true)
	gs.SetPromiscuousMode(nicID, true)

	s := &Stack{
		log:     log.With("component", "nat"),
		cfg:     cfg,
		gs:      gs,
		ch:      ch,
		limiter: newTokenBucket(cfg.NewConnRatePerSec),
		connSem: make(chan struct{}, cfg.MaxConcurrentConns),
		rxCh:    make(chan []byte, 256),
		closed:  make(chan struct{}),
	}

	tcpFwd := tcp.NewForwarder(gs, 0, cfg.MaxConcurrentConns, s.handleTCP)
	gs.SetTransportProtocolHandler(tcp.ProtocolNumber, tcpFwd.HandlePacket)

	udpFwd := udp.NewForwarder(gs, s.handleUDP)
	gs.SetTransportProtocolHandler(udp.ProtocolNumber, udpFwd.HandlePacket)

	go s.pumpOutbound(ctx)
	return s, nil
}

func addrFrom4(ip net.IP) tcpip.Address {
	ip4 := ip.To4()
	var b [4]byte
	copy(b[:], ip4)
	return tcpip.AddrFrom4(b)
}

// SendFrame implements virtio.FrameSink: a frame transmitted by the
// guest is injected into the gVisor stack as an inbound Ethernet frame.
func (s *Stack) SendFrame(frame []byte) error {
	cp := append([]byte(nil), frame...)
	pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{Payload: buffer.MakeWithData(cp)})
	s.ch.InjectInbound(0, pkt)
	pkt.DecRef()
	return nil
}

// RecvFrame implements virtio.FrameSource: a non-blocking pop of the
// next frame gVisor produced for the guest (ARP replies, TCP/UDP relay
// data). Returns nil if none is queued.
func (s *Stack) RecvFrame() []byte {
	select {
	case f := <-s.rxCh:
		return f
	default:
		return nil
	}
}

func (s *Stack) pumpOutbound(ctx context.Context) {
	for {
		pkt := s.ch.ReadContext(ctx)
		if pkt == nil {
			return
		}
		b := append([]byte(nil), pkt.ToView().AsSlice()...)
		pkt.DecRef()
		select {
		case s.rxCh <- b:
		case <-ctx.Done():
			return
		default:
			s.log.Debug("rx queue full, dropping frame")
		}
	}
}

func (s *Stack) StatsSnapshot() Stats {
	return Stats{
		OpenConnections: s.stats.open.Load(),
		RejectedByDeny:  s.stats.deny.Load(),
		RejectedByLimit: s.stats.limit.Load(),
		RejectedByRate:  s.stats.rated.Load(),
		DNSQueries:      s.stats.dns.Load(),
	}
}

func (s *Stack) Close() error {
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
	s.ch.Close()
	s.gs.Close()
	return nil
}

func (s *Stack) destDenied(addr net.IP) bool {
	for _, n := range s.cfg.DenyCIDRs {
		if n.Contains(addr) {
			return true
		}
	}
	return false
}

// handleTCP implements the TCP NAT proxy path (§4.4): every SYN for a
// non-local destination is treated as "open a host TCP stream to the
// original destination", subject to the rate limit, concurrent cap, and
// deny list required by §4.8.
func (s *Stack) handleTCP(r *tcp.ForwarderRequest) {
	id := r.ID()
	destIP := net.IP(id.LocalAddress.AsSlice())

	if s.destDenied(destIP) {
		s.stats.deny.Add(1)
		r.Complete(true)
		return
	}
	if !s.limiter.Allow() {
		s.stats.rated.Add(1)
		r.Complete(true)
		return
	}
	select {
	case s.connSem <- struct{}{}:
	default:
		s.stats.limit.Add(1)
		r.Complete(true)
		return
	}

	var wq waiter.Queue
	ep, err := r.CreateEndpoint(&wq)
	if err != nil {
		<-s.connSem
		r.Complete(true)
		return
	}
	r.Complete(false)

	guestConn := gonet.NewTCPConn(&wq, ep)
	dest := net.JoinHostPort(destIP.String(), fmt.Sprintf("%d", id.LocalPort))

	s.stats.open.Add(1)
	go func() {
		defer func() {
			<-s.connSem
			s.stats.open.Add(-1)
		}()
		defer guestConn.Close()

		hostConn, err := net.DialTimeout("tcp", dest, 10*time.Second)
		if err != nil {
			s.log.Debug("tcp dial failed", "dest", dest, "err", err)
			return
		}
		defer hostConn.Close()
		relay(guestConn, hostConn)
	}()
}

// relay pumps bytes bidirectionally until either side closes, per the
// "relay data bidirectionally" requirement in §4.4; FIN/RST on either
// leg unwinds both io.Copy goroutines via the connection close.
func relay(a, b net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); io.Copy(a, b) }()
	go func() { defer wg.Done(); io.Copy(b, a) }()
	wg.Wait()
}
