// Package tunnelio provides the framed UDP socket used for the control
// session: a single local socket bound to one fixed remote control address.
package tunnelio

import (
	"net"
	"net/netip"
	"sync/atomic"
)

// TunnelIO is a UDP socket paired with a fixed remote address. recv drops
// any datagram arriving from a source other than that remote, per the
// stricter of the two historical policies.
type TunnelIO struct {
	conn   *net.UDPConn
	remote netip.AddrPort

	wrongSource atomic.Uint64
}

// Dial opens a UDP socket bound to the wildcard address (0.0.0.0:0, or
// [::]:0 for an IPv6 remote) and pairs it with remote.
func Dial(remote netip.AddrPort) (*TunnelIO, error) {
	network := "udp4"
	local := "0.0.0.0:0"
	if remote.Addr().Is6() && !remote.Addr().Is4In6() {
		network = "udp6"
		local = "[::]:0"
	}
	laddr, err := net.ResolveUDPAddr(network, local)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP(network, laddr)
	if err != nil {
		return nil, err
	}
	return &TunnelIO{conn: conn, remote: remote}, nil
}

// Remote returns the bound remote control address.
func (t *TunnelIO) Remote() netip.AddrPort { return t.remote }

// Send writes frame to the bound remote.
func (t *TunnelIO) Send(frame []byte) error {
	_, err := t.conn.WriteToUDPAddrPort(frame, t.remote)
	return err
}

// Recv reads one datagram into buf, retrying (without blocking the caller
// past the socket's own deadline) until one arrives from the bound remote.
// Packets from any other source are dropped and counted.
func (t *TunnelIO) Recv(buf []byte) (int, error) {
	for {
		n, from, err := t.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			return 0, err
		}
		if from != t.remote {
			t.wrongSource.Add(1)
			continue
		}
		return n, nil
	}
}

// WrongSource returns the count of datagrams dropped for arriving from a
// source other than the bound remote.
func (t *TunnelIO) WrongSource() uint64 { return t.wrongSource.Load() }

// Close closes the underlying socket.
func (t *TunnelIO) Close() error { return t.conn.Close() }

// Conn exposes the underlying *net.UDPConn for callers that need to set
// deadlines directly (net.Conn's SetReadDeadline takes a time.Time).
func (t *TunnelIO) Conn() *net.UDPConn { return t.conn }
