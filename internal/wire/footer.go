package wire

import (
	"encoding/binary"
	"net/netip"
)

// FooterMagic identifies a RedirectFlowFooter trailer.
const FooterMagic uint64 = 0x5cb867cf788173b2

// UDPChannelEstablishID is the magic found in the last 8 bytes of the
// datagram that confirms a SetupUdpChannel handshake.
const UDPChannelEstablishID uint64 = 0xd01fe6830ddce781

// FooterLen is the fixed size of a RedirectFlowFooter trailer.
const FooterLen = 20

// Footer is the 20-byte trailer multiplexing peer flows over the single
// UDP channel: src_ip(4) | dst_ip(4) | src_port(2) | dst_port(2) | magic(8).
type Footer struct {
	Src netip.AddrPort
	Dst netip.AddrPort
}

// AppendFooter appends the encoded trailer to buf and returns the result.
// A zero-value address is encoded as 0.0.0.0.
func AppendFooter(buf []byte, f Footer) []byte {
	var srcIP, dstIP [4]byte
	if f.Src.Addr().IsValid() {
		srcIP = f.Src.Addr().As4()
	}
	if f.Dst.Addr().IsValid() {
		dstIP = f.Dst.Addr().As4()
	}
	buf = append(buf, srcIP[:]...)
	buf = append(buf, dstIP[:]...)
	buf = binary.BigEndian.AppendUint16(buf, f.Src.Port())
	buf = binary.BigEndian.AppendUint16(buf, f.Dst.Port())
	buf = binary.BigEndian.AppendUint64(buf, FooterMagic)
	return buf
}

// ParseFooter reads the trailing 20 bytes of b as a Footer. It returns
// false if b is shorter than FooterLen or the magic doesn't match.
func ParseFooter(b []byte) (Footer, bool) {
	if len(b) < FooterLen {
		return Footer{}, false
	}
	t := b[len(b)-FooterLen:]
	magic := binary.BigEndian.Uint64(t[12:20])
	if magic != FooterMagic {
		return Footer{}, false
	}
	var srcIP, dstIP [4]byte
	copy(srcIP[:], t[0:4])
	copy(dstIP[:], t[4:8])
	srcPort := binary.BigEndian.Uint16(t[8:10])
	dstPort := binary.BigEndian.Uint16(t[10:12])
	return Footer{
		Src: netip.AddrPortFrom(netip.AddrFrom4(srcIP), srcPort),
		Dst: netip.AddrPortFrom(netip.AddrFrom4(dstIP), dstPort),
	}, true
}

// IsChannelEstablishReply reports whether the last 8 bytes of b are the
// UDP channel establishment magic.
func IsChannelEstablishReply(b []byte) bool {
	if len(b) < 8 {
		return false
	}
	return binary.BigEndian.Uint64(b[len(b)-8:]) == UDPChannelEstablishID
}

// Payload returns b with its trailing footer stripped.
func Payload(b []byte) []byte {
	if len(b) < FooterLen {
		return b
	}
	return b[:len(b)-FooterLen]
}
