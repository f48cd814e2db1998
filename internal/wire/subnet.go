package wire

import "net/netip"

// Subnet is the virtual network every tunneled session lives in.
var Subnet = netip.MustParsePrefix("10.114.0.0/16")

// BroadcastSentinel is the protocol-level broadcast node id (not a real
// node slot).
const BroadcastSentinel uint32 = 0xFFFFFFFF

// BroadcastIPv4 is the subnet's broadcast address, derived the same way
// the teacher's xnetip.LastAddr ORs in the host-part wildcard bits of a
// netip.Prefix rather than hard-coding the constant.
func BroadcastIPv4() netip.Addr {
	v4 := Subnet.Addr().As4()
	bits := Subnet.Bits()
	wildcard := uint32(1)<<(32-bits) - 1
	addr := uint32(v4[0])<<24 | uint32(v4[1])<<16 | uint32(v4[2])<<8 | uint32(v4[3])
	addr |= wildcard
	return netip.AddrFrom4([4]byte{byte(addr >> 24), byte(addr >> 16), byte(addr >> 8), byte(addr)})
}

// NodeVirtualIPv4 derives a node's virtual IPv4 address from its node id
// (0..7). Node 0's address is the subnet's second address (.0.1); node 0
// is always the host.
func NodeVirtualIPv4(nodeID uint8) netip.Addr {
	v4 := Subnet.Addr().As4()
	return netip.AddrFrom4([4]byte{v4[0], v4[1], v4[2], v4[3] + 1 + nodeID})
}

// IPv4ToUint32 converts a netip.Addr (must be 4-byte) to the big-endian
// numeric form used by wire payload fields.
func IPv4ToUint32(addr netip.Addr) uint32 {
	v4 := addr.As4()
	return uint32(v4[0])<<24 | uint32(v4[1])<<16 | uint32(v4[2])<<8 | uint32(v4[3])
}

// Uint32ToIPv4 is the inverse of IPv4ToUint32.
func Uint32ToIPv4(v uint32) netip.Addr {
	return netip.AddrFrom4([4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})
}

// IsLDNAddress reports whether addr falls in the virtual subnet — the
// classification predicate the BSD interceptor uses to decide whether a
// Bind/Connect destination should be virtualized: (addr & 0xFFFF0000) ==
// 0x0A720000.
func IsLDNAddress(addr uint32) bool {
	return addr&0xFFFF0000 == 0x0A720000
}
