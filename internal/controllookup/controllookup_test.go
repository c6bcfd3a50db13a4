package controllookup

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"tunnelagent/internal/wire"
)

// fakeControl answers every Ping with a Pong echoing the request_id, once.
func fakeControl(t *testing.T) netip.AddrPort {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		buf := make([]byte, 2048)
		for {
			n, from, err := conn.ReadFromUDPAddrPort(buf)
			if err != nil {
				return
			}
			req, err := wire.DecodeRequest(buf[:n])
			if err != nil || req.Ping == nil {
				continue
			}
			resp := wire.EncodeResponse(wire.Response{
				RequestID: req.RequestID,
				Pong: &wire.Pong{
					RequestNow: req.Ping.Now,
					ServerNow:  req.Ping.Now + 5,
					ClientAddr: netip.MustParseAddrPort("10.0.0.1:1234"),
					TunnelAddr: netip.MustParseAddrPort("203.0.113.1:7000"),
				},
			})
			conn.WriteToUDPAddrPort(resp, from)
		}
	}()
	t.Cleanup(func() { conn.Close() })
	return conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

func TestResolveSucceedsAgainstRespondingCandidate(t *testing.T) {
	addr := fakeControl(t)

	tio, cand, err := Resolve(context.Background(), addr.Addr().String(), addr.Port())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	defer tio.Close()

	if cand.Addr != addr {
		t.Fatalf("candidate addr = %v, want %v", cand.Addr, addr)
	}
	if cand.Pong.ClientAddr.Port() != 1234 {
		t.Fatalf("unexpected pong: %+v", cand.Pong)
	}
}

func TestResolveFailsWhenNothingAnswers(t *testing.T) {
	// A bound-but-silent socket: connects fine, never replies.
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer conn.Close()
	addr := conn.LocalAddr().(*net.UDPAddr).AddrPort()

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	orig := nowMillis
	defer func() { nowMillis = orig }()
	nowMillis = func() int64 { return 1 }

	_, _, err = Resolve(ctx, addr.Addr().String(), addr.Port())
	if err == nil {
		t.Fatalf("expected Resolve to fail against a silent candidate")
	}
}
