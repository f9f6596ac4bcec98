package nat

import (
	"net"
	"time"

	"github.com/miekg/dns"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
	"gvisor.dev/gvisor/pkg/waiter"
)

// handleUDP services every UDP flow the guest opens. Only port 53 (DNS)
// is meaningfully forwarded per §4.4; everything else is accepted at
// the gVisor level (so ICMP-style port-unreachable isn't synthesized)
// but dropped without a reply, matching "everything else: drop
// silently."
func (s *Stack) handleUDP(r *udp.ForwarderRequest) {
	id := r.ID()
	if id.LocalPort != 53 {
		return
	}

	var wq waiter.Queue
	ep, err := r.CreateEndpoint(&wq)
	if err != nil {
		return
	}
	conn := gonet.NewUDPConn(&wq, ep)

	go func() {
		defer conn.Close()
		s.forwardDNS(conn)
	}()
}

// forwardDNS reads the single query datagram the guest sent, relays it
// to the configured upstream resolvers in order, and writes the first
// successful response back with the guest's original transaction id
// preserved (miekg/dns's Msg.Id round-trips automatically through
// Exchange since the query id is copied onto the reply).
func (s *Stack) forwardDNS(conn net.Conn) {
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 1500)
	n, err := conn.Read(buf)
	if err != nil {
		return
	}
	s.stats.dns.Add(1)

	query := new(dns.Msg)
	if err := query.Unpack(buf[:n]); err != nil {
		return
	}

	client := &dns.Client{Net: "udp", Timeout: 5 * time.Second}
	var reply *dns.Msg
	for _, upstream := range s.cfg.UpstreamResolvers {
		resp, _, err := client.Exchange(query, upstream)
		if err == nil && resp != nil {
			reply = resp
			break
		}
	}
	if reply == nil {
		reply = new(dns.Msg)
		reply.SetRcode(query, dns.RcodeServerFailure)
	}

	out, err := reply.Pack()
	if err != nil {
		return
	}
	conn.Write(out)
}
