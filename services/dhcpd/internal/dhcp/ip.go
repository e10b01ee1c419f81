package dhcp

import (
	"net"
	"net/netip"
)

// toAddr converts a packet field to netip form. Nil and non-IPv4 values
// become the zero Addr, which the lease package treats as absent.
func toAddr(ip net.IP) netip.Addr {
	a, ok := netip.AddrFromSlice(ip.To4())
	if !ok {
		return netip.Addr{}
	}
	return a
}

func toIP(a netip.Addr) net.IP {
	if !a.IsValid() {
		return nil
	}
	b := a.Unmap().As4()
	return net.IPv4(b[0], b[1], b[2], b[3]).To4()
}

func toIPs(addrs []netip.Addr) []net.IP {
	if len(addrs) == 0 {
		return nil
	}
	out := make([]net.IP, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, toIP(a))
	}
	return out
}

func isSet(a netip.Addr) bool {
	return a.IsValid() && !a.IsUnspecified()
}
