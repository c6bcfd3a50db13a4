// Package lanaddr derives a deterministic loopback source address/port per
// remote peer, so an origin's IP-based access control (e.g. in-game
// banning) can tell distinct tunnel clients apart even though all traffic
// physically arrives from the agent's own loopback interface. The
// derivation is a pure function of (peer_ip, peer_port, tunnel_id) so it is
// stable across agent restarts without persisting any state.
package lanaddr

import (
	"context"
	"encoding/binary"
	"log"
	"net"
	"net/netip"
	"strconv"
	"time"

	"tunnelagent/internal/wire"
)

const minEphemeralPort = 2048

// ipHash returns the h value spec.md §4.3 derives per peer IP: the raw
// IPv4 address as a u32, or the xor of Shuffle over each 32-bit word of an
// IPv6 address.
func ipHash(ip netip.Addr) uint32 {
	if ip.Is4() || ip.Is4In6() {
		b := ip.As4()
		return binary.BigEndian.Uint32(b[:])
	}
	b := ip.As16()
	h := wire.Shuffle(binary.BigEndian.Uint32(b[0:4]))
	h ^= wire.Shuffle(binary.BigEndian.Uint32(b[4:8]))
	h ^= wire.Shuffle(binary.BigEndian.Uint32(b[8:12]))
	h ^= wire.Shuffle(binary.BigEndian.Uint32(b[12:16]))
	return h
}

// localMasked turns an ip hash into a 127.x.x.x address: masked =
// Shuffle(h) & 0x00FFFFFF, forced to at least 1 in the low bits so the
// result is never the plain loopback address 127.0.0.0.
func localMasked(h uint32) netip.Addr {
	masked := wire.Shuffle(h) & 0x00FFFFFF
	if masked == 0 {
		masked = 1
	}
	v := uint32(0x7F000000) | masked
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return netip.AddrFrom4(b)
}

// DeriveIP returns the deterministic 127/8 local source IP for peer.
func DeriveIP(peer netip.Addr) netip.Addr {
	return localMasked(ipHash(peer))
}

func derivePort(peerPort uint16, tunnelID uint64, ipH uint32) uint16 {
	h := wire.Shuffle(uint32(peerPort))
	h ^= wire.Shuffle(uint32(tunnelID >> 32))
	h ^= wire.Shuffle(uint32(tunnelID))
	h ^= ipH
	span := uint32(65536 - minEphemeralPort)
	return uint16(minEphemeralPort + h%span)
}

// DerivePeerUDPPort returns the deterministic local UDP port for the full
// (peer_ip, peer_port, tunnel_id) triple, per spec.md §4.3.
func DerivePeerUDPPort(peer netip.AddrPort, tunnelID uint64) uint16 {
	return derivePort(peer.Port(), tunnelID, ipHash(peer.Addr()))
}

// TCPSocket connects to host, binding to the derived special-LAN source
// address when host is loopback and specialLAN is requested. It falls
// back to an unbound connect on any bind or connect failure against the
// special address, logging once per fallback occurrence.
func TCPSocket(ctx context.Context, specialLAN bool, peer netip.AddrPort, host netip.AddrPort) (net.Conn, error) {
	dialer := net.Dialer{Timeout: 8 * time.Second}

	if specialLAN && host.Addr().IsLoopback() {
		localIP := DeriveIP(peer.Addr())
		localAddr := &net.TCPAddr{IP: localIP.AsSlice(), Port: 0}
		d := dialer
		d.LocalAddr = localAddr
		conn, err := d.DialContext(ctx, "tcp4", hostAddr(host))
		if err == nil {
			return conn, nil
		}
		log.Printf("lanaddr: failed to dial via special lan %s for flow peer=%s host=%s: %v", localIP, peer, host, err)
	}

	conn, err := dialer.DialContext(ctx, "tcp", hostAddr(host))
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func hostAddr(a netip.AddrPort) string {
	return net.JoinHostPort(a.Addr().String(), strconv.Itoa(int(a.Port())))
}

// UDPSocket binds a local UDP socket for a peer flow to tunnelID, trying
// the fully-derived (ip, port), then the derived ip with an ephemeral
// port, then any-address/any-port. Each downgrade is logged once.
func UDPSocket(specialLAN bool, peer netip.AddrPort, tunnelID uint64) (*net.UDPConn, error) {
	localPort := DerivePeerUDPPort(peer, tunnelID)

	if specialLAN {
		localIP := DeriveIP(peer.Addr())

		if conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: localIP.AsSlice(), Port: int(localPort)}); err == nil {
			return conn, nil
		} else {
			log.Printf("lanaddr: failed to bind udp %s:%d, trying ephemeral port: %v", localIP, localPort, err)
		}

		if conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: localIP.AsSlice(), Port: 0}); err == nil {
			return conn, nil
		} else {
			log.Printf("lanaddr: failed to bind special lan ip %s, in-game ip banning disabled for this flow: %v", localIP, err)
		}
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return nil, err
	}
	return conn, nil
}
