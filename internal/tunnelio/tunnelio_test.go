package tunnelio

import (
	"net"
	"net/netip"
	"testing"
	"time"
)

func mustListen(t *testing.T) (*net.UDPConn, netip.AddrPort) {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	return conn, conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

func TestSendRecvRoundTrip(t *testing.T) {
	peer, peerAddr := mustListen(t)
	defer peer.Close()

	tio, err := Dial(peerAddr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer tio.Close()

	if err := tio.Send([]byte("hello")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	buf := make([]byte, 64)
	peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, from, err := peer.ReadFromUDPAddrPort(buf)
	if err != nil {
		t.Fatalf("peer read: %v", err)
	}
	if string(buf[:n]) != "hello" {
		t.Fatalf("got %q", buf[:n])
	}

	if _, err := peer.WriteToUDPAddrPort([]byte("world"), tio.conn.LocalAddr().(*net.UDPAddr).AddrPort()); err != nil {
		t.Fatalf("peer write: %v", err)
	}
	_ = from

	tio.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err = tio.Recv(buf)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if string(buf[:n]) != "world" {
		t.Fatalf("got %q", buf[:n])
	}
}

func TestRecvDropsWrongSource(t *testing.T) {
	peer, peerAddr := mustListen(t)
	defer peer.Close()
	impostor, _ := mustListen(t)
	defer impostor.Close()

	tio, err := Dial(peerAddr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer tio.Close()

	local := tio.conn.LocalAddr().(*net.UDPAddr).AddrPort()
	if _, err := impostor.WriteToUDPAddrPort([]byte("nope"), local); err != nil {
		t.Fatalf("impostor write: %v", err)
	}
	if _, err := peer.WriteToUDPAddrPort([]byte("yes"), local); err != nil {
		t.Fatalf("peer write: %v", err)
	}

	tio.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	n, err := tio.Recv(buf)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if string(buf[:n]) != "yes" {
		t.Fatalf("expected to skip impostor datagram and return peer's, got %q", buf[:n])
	}
	if tio.WrongSource() != 1 {
		t.Fatalf("WrongSource() = %d, want 1", tio.WrongSource())
	}
}
