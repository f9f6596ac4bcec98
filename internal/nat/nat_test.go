package nat

import (
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"
)

func TestTokenBucketAllowsBurstThenThrottles(t *testing.T) {
	b := newTokenBucket(2) // 2/sec, burst capacity 3
	ok := 0
	for i := 0; i < 10; i++ {
		if b.Allow() {
			ok++
		}
	}
	if ok == 0 || ok >= 10 {
		t.Fatalf("expected partial admission, got %d/10", ok)
	}
}

func TestDestDenied(t *testing.T) {
	_, cidr, err := net.ParseCIDR("10.99.0.0/16")
	if err != nil {
		t.Fatal(err)
	}
	s := &Stack{cfg: Config{DenyCIDRs: []*net.IPNet{cidr}}}
	if !s.destDenied(net.IPv4(10, 99, 1, 1)) {
		t.Fatalf("expected 10.99.1.1 to be denied")
	}
	if s.destDenied(net.IPv4(8, 8, 8, 8)) {
		t.Fatalf("did not expect 8.8.8.8 to be denied")
	}
}

func TestARPReplyForGateway(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := New(ctx, log, DefaultConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	req := buildARPRequest(t, GuestMAC, GuestIP, GatewayIP)
	if err := s.SendFrame(req); err != nil {
		t.Fatalf("SendFrame: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		frame := s.RecvFrame()
		if frame == nil {
			time.Sleep(10 * time.Millisecond)
			continue
		}
		if isARPReply(frame) {
			return
		}
	}
	t.Fatalf("did not observe an ARP reply for the gateway")
}

func isARPReply(frame []byte) bool {
	if len(frame) < 14+28 {
		return false
	}
	etherType := binary.BigEndian.Uint16(frame[12:14])
	if etherType != 0x0806 {
		return false
	}
	opcode := binary.BigEndian.Uint16(frame[14+6 : 14+8])
	return opcode == 2 // ARP reply
}

// buildARPRequest lays out an Ethernet+ARP "who-has" frame exactly per
// §4.4's byte layout: dst/src MAC, EtherType, HW type, proto type, HW
// len, proto len, opcode, sender HW/proto, target HW/proto.
func buildARPRequest(t *testing.T, srcMAC net.HardwareAddr, srcIP, targetIP net.IP) []byte {
	t.Helper()
	frame := make([]byte, 14+28)
	copy(frame[0:6], net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff})
	copy(frame[6:12], srcMAC)
	binary.BigEndian.PutUint16(frame[12:14], 0x0806)

	arp := frame[14:]
	binary.BigEndian.PutUint16(arp[0:2], 1)    // HW type: ethernet
	binary.BigEndian.PutUint16(arp[2:4], 0x0800) // proto type: IPv4
	arp[4] = 6                                   // HW len
	arp[5] = 4                                   // proto len
	binary.BigEndian.PutUint16(arp[6:8], 1)      // opcode: request
	copy(arp[8:14], srcMAC)
	copy(arp[14:18], srcIP.To4())
	copy(arp[18:24], net.HardwareAddr{0, 0, 0, 0, 0, 0})
	copy(arp[24:28], targetIP.To4())
	return frame
}
