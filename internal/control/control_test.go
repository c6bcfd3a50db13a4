package control

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"

	"tunnelagent/internal/accountapi"
	"tunnelagent/internal/tunnelio"
	"tunnelagent/internal/wire"
)

func fakeAPI(t *testing.T) *accountapi.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"type":"signed-agent-register","data":"deadbeef"}`))
	}))
	t.Cleanup(srv.Close)
	return accountapi.New(srv.URL, "secret")
}

func fakeControlServer(t *testing.T, respond func(req wire.Request, from netip.AddrPort, conn *net.UDPConn)) netip.AddrPort {
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
			if err != nil {
				continue
			}
			respond(req, from, conn)
		}
	}()
	t.Cleanup(func() { conn.Close() })
	return conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

func TestAuthenticateSuccess(t *testing.T) {
	addr := fakeControlServer(t, func(req wire.Request, from netip.AddrPort, conn *net.UDPConn) {
		if req.Register == nil {
			return
		}
		resp := wire.EncodeResponse(wire.Response{
			RequestID:       req.RequestID,
			AgentRegistered: &wire.AgentRegistered{Session: wire.AgentSessionId{SessionID: 1}, ExpiresAt: 1000},
		})
		conn.WriteToUDPAddrPort(resp, from)
	})

	tio, err := tunnelio.Dial(addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer tio.Close()

	expireAt := uint64(5000)
	pong := wire.Pong{
		RequestNow:      1,
		ServerNow:       2,
		SessionExpireAt: &expireAt,
		ClientAddr:      netip.MustParseAddrPort("10.0.0.1:40000"),
		TunnelAddr:      netip.MustParseAddrPort("203.0.113.1:7000"),
	}

	sess, err := Authenticate(context.Background(), tio, pong, fakeAPI(t), "1.0.0")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if sess.Registration().Session.SessionID != 1 {
		t.Fatalf("unexpected session: %+v", sess.Registration())
	}
	if reason, expired := sess.IsExpired(); expired {
		t.Fatalf("unexpectedly expired: %s", reason)
	}
}

func TestAuthenticateSignatureError(t *testing.T) {
	addr := fakeControlServer(t, func(req wire.Request, from netip.AddrPort, conn *net.UDPConn) {
		if req.Register == nil {
			return
		}
		resp := wire.EncodeResponse(wire.Response{RequestID: req.RequestID, SignatureError: &wire.SignatureError{}})
		conn.WriteToUDPAddrPort(resp, from)
	})

	tio, err := tunnelio.Dial(addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer tio.Close()

	_, err = Authenticate(context.Background(), tio, wire.Pong{}, fakeAPI(t), "1.0.0")
	if err != ErrRegisterInvalidSignature {
		t.Fatalf("err = %v, want ErrRegisterInvalidSignature", err)
	}
}

func TestFlowChangeTriggersExpiry(t *testing.T) {
	expireAt := uint64(5000)
	s := &Session{
		pongAtAuth: wire.Pong{
			ClientAddr:      netip.MustParseAddrPort("1.1.1.1:1"),
			TunnelAddr:      netip.MustParseAddrPort("2.2.2.2:2"),
			SessionExpireAt: &expireAt,
		},
	}
	s.lastPong = s.pongAtAuth
	if _, expired := s.IsExpired(); expired {
		t.Fatalf("expected not expired before any flow change")
	}

	changed := s.pongAtAuth
	changed.ClientAddr = netip.MustParseAddrPort("9.9.9.9:9")
	s.HandlePong(changed, 100)

	reason, expired := s.IsExpired()
	if !expired || reason != "FlowChanged" {
		t.Fatalf("reason=%q expired=%v, want FlowChanged", reason, expired)
	}
}

func TestClockOffsetMonotonicity(t *testing.T) {
	s := &Session{}
	exp := uint64(100000)

	s.HandlePong(wire.Pong{RequestNow: 1000, ServerNow: 11000, SessionExpireAt: &exp}, 1020)
	firstOffset := s.ClockOffsetMs()

	// A stale pong (lower request_now) must not move the offset.
	s.HandlePong(wire.Pong{RequestNow: 500, ServerNow: 99999999, SessionExpireAt: &exp}, 1020)
	if s.ClockOffsetMs() != firstOffset {
		t.Fatalf("stale pong altered clock offset: got %d, want %d", s.ClockOffsetMs(), firstOffset)
	}

	// A fresher pong must win.
	s.HandlePong(wire.Pong{RequestNow: 2000, ServerNow: 12500, SessionExpireAt: &exp}, 2020)
	if s.ClockOffsetMs() == firstOffset {
		t.Fatalf("expected offset to update for fresher pong")
	}
}
