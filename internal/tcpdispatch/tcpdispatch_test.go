package tcpdispatch

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/netip"
	"testing"
	"time"

	"tunnelagent/internal/origin"
	"tunnelagent/internal/wire"
)

// fakeTunnel accepts one connection, reads a 16-byte claim token, writes an
// 8-byte ack, then relays bytes in both directions between the connection
// and the test's channels (toTunnel is written to the connection, bytes read
// from it arrive on fromTunnel) so the test can observe the full round trip
// from tunnel -> origin and back.
func fakeTunnel(t *testing.T, wantToken []byte, fromTunnel, toTunnel chan []byte, done chan<- error) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			done <- err
			return
		}
		defer conn.Close()

		tok := make([]byte, len(wantToken))
		if _, err := io.ReadFull(conn, tok); err != nil {
			done <- err
			return
		}
		if !bytes.Equal(tok, wantToken) {
			done <- errMismatch
			return
		}
		if _, err := conn.Write(make([]byte, 8)); err != nil {
			done <- err
			return
		}

		go func() {
			for b := range toTunnel {
				conn.Write(b)
			}
		}()
		buf := make([]byte, 64)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				out := make([]byte, n)
				copy(out, buf[:n])
				fromTunnel <- out
			}
			if err != nil {
				close(fromTunnel)
				done <- nil
				return
			}
		}
	}()
	return ln
}

func fakeOrigin(t *testing.T) (net.Listener, chan net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()
	return ln, accepted
}

func TestHappyPathTCPFlow(t *testing.T) {
	token := []byte("0123456789ABCDEF")

	originLn, accepted := fakeOrigin(t)
	defer originLn.Close()
	originAddr := originLn.Addr().(*net.TCPAddr).AddrPort()

	fromTunnel := make(chan []byte, 4)
	toTunnel := make(chan []byte, 4)
	tunnelDone := make(chan error, 1)
	tunnelLn := fakeTunnel(t, token, fromTunnel, toTunnel, tunnelDone)
	defer tunnelLn.Close()
	claimAddr := tunnelLn.Addr().(*net.TCPAddr).AddrPort()

	lookup := origin.New()
	lookup.Update([]origin.Resource{{
		TunnelID:  1,
		Proto:     origin.Tcp,
		LocalAddr: originAddr.Addr(),
		LocalPort: originAddr.Port(),
		PortCount: 1,
	}})

	d := New(lookup, true)
	nc := wire.NewClient{
		ConnectAddr:       netip.MustParseAddrPort("203.0.113.1:9000"),
		PeerAddr:          netip.MustParseAddrPort("10.0.0.1:40000"),
		ClaimInstructions: wire.ClaimInstructions{Address: claimAddr, Token: token},
		TunnelID:          1,
		PortOffset:        0,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Handle(ctx, nc)

	var originConn net.Conn
	select {
	case originConn = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("origin never accepted a connection")
	}
	defer originConn.Close()

	toTunnel <- []byte("ABCDE")
	buf := make([]byte, 16)
	originConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := originConn.Read(buf)
	if err != nil {
		t.Fatalf("origin read: %v", err)
	}
	if string(buf[:n]) != "ABCDE" {
		t.Fatalf("origin got %q, want ABCDE", buf[:n])
	}

	if _, err := originConn.Write([]byte("FGHIJ")); err != nil {
		t.Fatalf("origin write: %v", err)
	}
	select {
	case got := <-fromTunnel:
		if string(got) != "FGHIJ" {
			t.Fatalf("tunnel got %q, want FGHIJ", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("tunnel never received FGHIJ")
	}
}

func TestDedupSuppressesDuplicateNewClient(t *testing.T) {
	originLn, accepted := fakeOrigin(t)
	defer originLn.Close()
	originAddr := originLn.Addr().(*net.TCPAddr).AddrPort()

	token := []byte("0123456789ABCDEF")
	fromTunnel := make(chan []byte, 4)
	toTunnel := make(chan []byte, 4)
	tunnelDone := make(chan error, 1)
	tunnelLn := fakeTunnel(t, token, fromTunnel, toTunnel, tunnelDone)
	defer tunnelLn.Close()
	claimAddr := tunnelLn.Addr().(*net.TCPAddr).AddrPort()

	lookup := origin.New()
	lookup.Update([]origin.Resource{{
		TunnelID:  1,
		Proto:     origin.Tcp,
		LocalAddr: originAddr.Addr(),
		LocalPort: originAddr.Port(),
		PortCount: 1,
	}})

	d := New(lookup, true)
	nc := wire.NewClient{
		ConnectAddr:       netip.MustParseAddrPort("203.0.113.1:9000"),
		PeerAddr:          netip.MustParseAddrPort("10.0.0.1:40000"),
		ClaimInstructions: wire.ClaimInstructions{Address: claimAddr, Token: token},
		TunnelID:          1,
		PortOffset:        0,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Handle(ctx, nc)
	d.Handle(ctx, nc) // duplicate while the first is still live

	select {
	case <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("origin never accepted a connection")
	}
	select {
	case <-accepted:
		t.Fatal("dedup should have suppressed the second NewClient")
	case <-time.After(200 * time.Millisecond):
	}
}

var errMismatch = &mismatchError{}

type mismatchError struct{}

func (*mismatchError) Error() string { return "claim token mismatch" }
