//go:build linux

package agent

import (
	"fmt"
	"net"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Fixed IP plan from §4.4/§6.1: the user-mode NAT stack only ever
// answers at these addresses, so the guest side is hardcoded rather
// than negotiated via DHCP.
const (
	GuestIP    = "10.0.2.15"
	GuestCIDR  = "10.0.2.15/24"
	GatewayIP  = "10.0.2.2"
	DNSIP      = "10.0.2.3"
	interfaceName = "eth0"
)

// ConfigureNetwork brings up loopback unconditionally and, if network
// is enabled, assigns eth0 its fixed address, installs the default
// route through the gateway, and writes /etc/resolv.conf pointing at
// the NAT stack's DNS forwarder.
func ConfigureNetwork(enabled bool) error {
	if err := bringUpLoopback(); err != nil {
		return err
	}
	if !enabled {
		return nil
	}
	if err := configureInterface(interfaceName, GuestCIDR); err != nil {
		return err
	}
	if err := addDefaultRoute(interfaceName, GatewayIP); err != nil {
		return err
	}
	return writeResolvConf(DNSIP)
}

func bringUpLoopback() error {
	return setInterfaceUp("lo")
}

func setInterfaceUp(name string) error {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return fmt.Errorf("agent: socket for ifup: %w", err)
	}
	defer unix.Close(fd)

	ifr, err := newIfreq(name)
	if err != nil {
		return err
	}
	if err := unix.IoctlIfreq(fd, unix.SIOCGIFFLAGS, ifr); err != nil {
		return fmt.Errorf("agent: SIOCGIFFLAGS %s: %w", name, err)
	}
	flags := ifr.Uint16()
	ifr.SetUint16(flags | unix.IFF_UP | unix.IFF_RUNNING)
	if err := unix.IoctlIfreq(fd, unix.SIOCSIFFLAGS, ifr); err != nil {
		return fmt.Errorf("agent: SIOCSIFFLAGS %s: %w", name, err)
	}
	return nil
}

func newIfreq(name string) (*unix.Ifreq, error) {
	return unix.NewIfreq(name)
}

func configureInterface(name, cidr string) error {
	ip, ipNet, err := net.ParseCIDR(cidr)
	if err != nil {
		return fmt.Errorf("agent: parse guest cidr %q: %w", cidr, err)
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return fmt.Errorf("agent: socket for ifconfig: %w", err)
	}
	defer unix.Close(fd)

	ifr, err := newIfreq(name)
	if err != nil {
		return err
	}
	addr := unix.RawSockaddrInet4{Family: unix.AF_INET}
	copy(addr.Addr[:], ip.To4())
	if err := ifr.SetInet4Addr(addr.Addr[:]); err != nil {
		return fmt.Errorf("agent: set addr in ifreq: %w", err)
	}
	if err := unix.IoctlIfreq(fd, unix.SIOCSIFADDR, ifr); err != nil {
		return fmt.Errorf("agent: SIOCSIFADDR %s: %w", name, err)
	}

	mask := unix.RawSockaddrInet4{Family: unix.AF_INET}
	copy(mask.Addr[:], ipNet.Mask)
	maskIfr, err := newIfreq(name)
	if err != nil {
		return err
	}
	if err := maskIfr.SetInet4Addr(mask.Addr[:]); err != nil {
		return fmt.Errorf("agent: set netmask in ifreq: %w", err)
	}
	if err := unix.IoctlIfreq(fd, unix.SIOCSIFNETMASK, maskIfr); err != nil {
		return fmt.Errorf("agent: SIOCSIFNETMASK %s: %w", name, err)
	}

	return setInterfaceUp(name)
}

// rtentry mirrors struct rtentry from <linux/route.h>. x/sys/unix does
// not expose this one (it's an ioctl-era relic kept alive only for
// SIOCADDRT/SIOCDELRT), so it's hand-defined the same way vsock.go
// hand-defines its vhost ioctl payloads.
type rtentry struct {
	rtPad1    uint64
	rtDst     unix.RawSockaddrInet4
	rtGateway unix.RawSockaddrInet4
	rtGenmask unix.RawSockaddrInet4
	rtFlags   uint16
	rtPad2    int16
	rtPad3    uint64
	rtPad4    uintptr
	rtMetric  int16
	rtDev     *byte
	rtMtu     uint64
	rtWindow  uint64
	rtIrtt    uint16
}

func addDefaultRoute(ifName, gateway string) error {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return fmt.Errorf("agent: socket for route: %w", err)
	}
	defer unix.Close(fd)

	gw := net.ParseIP(gateway).To4()
	if gw == nil {
		return fmt.Errorf("agent: invalid gateway %q", gateway)
	}

	devName, err := unix.ByteSliceFromString(ifName)
	if err != nil {
		return fmt.Errorf("agent: interface name %q: %w", ifName, err)
	}

	rt := rtentry{
		rtFlags:   unix.RTF_UP | unix.RTF_GATEWAY,
		rtGateway: sockaddrInet4(gw),
		rtDev:     &devName[0],
	}
	if err := ioctlRtEntry(fd, unix.SIOCADDRT, &rt); err != nil {
		return fmt.Errorf("agent: SIOCADDRT default via %s: %w", gateway, err)
	}
	return nil
}

func ioctlRtEntry(fd int, req uintptr, rt *rtentry) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(unsafe.Pointer(rt)))
	if errno != 0 {
		return errno
	}
	return nil
}

func sockaddrInet4(ip net.IP) unix.RawSockaddrInet4 {
	var sa unix.RawSockaddrInet4
	sa.Family = unix.AF_INET
	copy(sa.Addr[:], ip)
	return sa
}

func writeResolvConf(dns string) error {
	content := fmt.Sprintf("nameserver %s\n", dns)
	return os.WriteFile("/etc/resolv.conf", []byte(content), 0644)
}
