package wire

import (
	"errors"
	"net"
	"net/netip"
)

// ErrUnknownFamily is returned when a SocketAddr tag is neither 4 nor 6.
var ErrUnknownFamily = errors.New("wire: unknown address family")

const (
	familyV4 = 4
	familyV6 = 6
)

// encodeSocketAddr appends tag(4|6) | raw octets | port:u16 to w.
func encodeSocketAddr(w *writer, addr netip.AddrPort) {
	ip := addr.Addr()
	if ip.Is4() || ip.Is4In6() {
		w.u8(familyV4)
		b := ip.As4()
		w.raw(b[:])
	} else {
		w.u8(familyV6)
		b := ip.As16()
		w.raw(b[:])
	}
	w.u16(addr.Port())
}

func decodeSocketAddr(r *reader) (netip.AddrPort, error) {
	tag, err := r.u8()
	if err != nil {
		return netip.AddrPort{}, err
	}
	var ip netip.Addr
	switch tag {
	case familyV4:
		if err := r.need(4); err != nil {
			return netip.AddrPort{}, err
		}
		var b [4]byte
		copy(b[:], r.buf[r.off:r.off+4])
		r.off += 4
		ip = netip.AddrFrom4(b)
	case familyV6:
		if err := r.need(16); err != nil {
			return netip.AddrPort{}, err
		}
		var b [16]byte
		copy(b[:], r.buf[r.off:r.off+16])
		r.off += 16
		ip = netip.AddrFrom16(b)
	default:
		return netip.AddrPort{}, ErrUnknownFamily
	}
	port, err := r.u16()
	if err != nil {
		return netip.AddrPort{}, err
	}
	return netip.AddrPortFrom(ip, port), nil
}

// UDPAddr converts a SocketAddr to the stdlib net.UDPAddr used by sockets.
func UDPAddr(addr netip.AddrPort) *net.UDPAddr {
	return net.UDPAddrFromAddrPort(addr)
}
