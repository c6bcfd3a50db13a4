// Package control implements the authenticated control session:
// authenticating over a TunnelIO already bound to a probed control server,
// and the keep-alive/ping/clock-sync state machine described in spec.md
// §4.6-4.7. Probing itself is done by package controllookup.
package control

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"tunnelagent/internal/accountapi"
	"tunnelagent/internal/tunnelio"
	"tunnelagent/internal/wire"
)

// ErrRegisterInvalidSignature is a Setup-class failure: the control server
// rejected our signed registration blob.
var ErrRegisterInvalidSignature = fmt.Errorf("control: server reported invalid registration signature")

// ErrNoResponseFromAuthenticate is a Setup-class failure: the server never
// answered our Register request within the authentication timeout.
var ErrNoResponseFromAuthenticate = fmt.Errorf("control: no response to Register within timeout")

const authTimeout = 6 * time.Second

// clockSkewWarnThresholdMs is the |offset| beyond which a clock-skew warning
// is logged, per spec.md §4.7.
const clockSkewWarnThresholdMs = 10_000

// Session is an EstablishedControl: a TunnelIO bound to a reachable control
// candidate, plus authentication state and the clock-sync/expiry machinery.
// Owned by a single driver goroutine; nothing here is safe for concurrent
// mutation (per spec.md §5's shared-resource policy).
type Session struct {
	tio *tunnelio.TunnelIO

	registered wire.AgentRegistered
	pongAtAuth wire.Pong
	lastPong   wire.Pong

	clockOffsetMs  int64
	currentPingMs  uint32
	expiresAtMs    uint64
	lastRequestNow uint64
	forceExpired   bool

	nextRequestID atomic.Uint64

	udpDetailsMu sync.Mutex
	udpDetails   *wire.SetupUdpChannelDetails
}

// Authenticate runs spec.md §4.6's authentication flow against a TunnelIO
// already bound to a probed candidate, using pong as the Pong captured
// during that probe.
func Authenticate(ctx context.Context, tio *tunnelio.TunnelIO, pong wire.Pong, api *accountapi.Client, agentVersion string) (*Session, error) {
	signedHex, err := api.SignAgentRegister(ctx, agentVersion, pong.ClientAddr, pong.TunnelAddr)
	if err != nil {
		if err == accountapi.ErrOldFlowRequired {
			return nil, fmt.Errorf("control: attempting to auth with old flow: %w", err)
		}
		return nil, fmt.Errorf("control: sign_agent_register: %w", err)
	}
	blob, err := hex.DecodeString(signedHex)
	if err != nil {
		return nil, fmt.Errorf("control: decode signed blob: %w", err)
	}

	req, err := wire.EncodeRequest(wire.Request{RequestID: 1, Register: &wire.Register{SignedBlob: blob}})
	if err != nil {
		return nil, fmt.Errorf("control: encode register: %w", err)
	}
	if err := tio.Send(req); err != nil {
		return nil, fmt.Errorf("control: send register: %w", err)
	}

	deadline := time.Now().Add(authTimeout)
	buf := make([]byte, 2048)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrNoResponseFromAuthenticate
		}
		tio.Conn().SetReadDeadline(time.Now().Add(remaining))
		n, err := tio.Recv(buf)
		if err != nil {
			return nil, ErrNoResponseFromAuthenticate
		}
		feed, err := wire.DecodeFeed(buf[:n])
		if err != nil || feed.Response == nil {
			continue
		}
		if feed.Response.SignatureError != nil {
			return nil, ErrRegisterInvalidSignature
		}
		if feed.Response.AgentRegistered != nil {
			s := &Session{
				tio:            tio,
				registered:     *feed.Response.AgentRegistered,
				pongAtAuth:     pong,
				lastPong:       pong,
				lastRequestNow: pong.RequestNow,
			}
			if pong.SessionExpireAt != nil {
				s.expiresAtMs = *pong.SessionExpireAt
			}
			return s, nil
		}
	}
}

// NextRequestID returns the next monotonically increasing request id for
// this session.
func (s *Session) NextRequestID() uint64 {
	return s.nextRequestID.Add(1)
}

// Registration returns the current AgentRegistered, which may have been
// replaced by a server-initiated re-issue.
func (s *Session) Registration() wire.AgentRegistered { return s.registered }

// TunnelIO returns the underlying control socket.
func (s *Session) TunnelIO() *tunnelio.TunnelIO { return s.tio }

// SendKeepAlive emits an AgentKeepAlive request.
func (s *Session) SendKeepAlive() error {
	req, err := wire.EncodeRequest(wire.Request{
		RequestID:      s.NextRequestID(),
		AgentKeepAlive: &wire.AgentKeepAlive{Session: s.registered.Session},
	})
	if err != nil {
		return err
	}
	return s.tio.Send(req)
}

// SendPing emits a Ping carrying the current session id and RTT estimate.
func (s *Session) SendPing(nowMs uint64) error {
	cp := s.currentPingMs
	sess := s.registered.Session
	req, err := wire.EncodeRequest(wire.Request{
		RequestID: s.NextRequestID(),
		Ping:      &wire.Ping{Now: nowMs, CurrentPing: &cp, SessionID: &sess},
	})
	if err != nil {
		return err
	}
	return s.tio.Send(req)
}

// SendSetupUdpChannel requests allocation of the UDP data channel.
func (s *Session) SendSetupUdpChannel() error {
	req, err := wire.EncodeRequest(wire.Request{
		RequestID:       s.NextRequestID(),
		SetupUdpChannel: &wire.SetupUdpChannel{Session: s.registered.Session},
	})
	if err != nil {
		return err
	}
	return s.tio.Send(req)
}

// HandlePong folds a received Pong into the session's clock-offset, RTT,
// and expiry state, per spec.md §4.7. nowMs is the local clock reading at
// the moment of receipt. Stale pongs (request_now below the most recently
// processed one) are dropped to preserve clock-offset monotonicity.
func (s *Session) HandlePong(pong wire.Pong, nowMs uint64) {
	if pong.RequestNow < s.lastRequestNow {
		return
	}
	s.lastRequestNow = pong.RequestNow
	s.lastPong = pong

	rtt := int64(nowMs) - int64(pong.RequestNow)
	if rtt < 0 {
		rtt = 0
	}
	s.currentPingMs = uint32(rtt)

	serverTs := int64(pong.ServerNow) - rtt/2
	offset := int64(pong.RequestNow) - serverTs
	s.clockOffsetMs = offset
	if abs64(offset) > clockSkewWarnThresholdMs {
		log.Printf("[control] clock offset %dms exceeds %dms threshold", offset, clockSkewWarnThresholdMs)
	}

	if pong.SessionExpireAt != nil {
		serverRemaining := int64(*pong.SessionExpireAt) - int64(pong.ServerNow)
		if serverRemaining < rtt {
			serverRemaining = rtt
		}
		s.expiresAtMs = pong.RequestNow + uint64(serverRemaining) - uint64(rtt)
	}
}

// HandleAgentRegistered replaces the stored registration, used when the
// server proactively re-issues it.
func (s *Session) HandleAgentRegistered(reg wire.AgentRegistered) {
	s.registered = reg
}

// HandleSetupUdpChannelDetails records a SetupUdpChannelDetails response for
// a later TakeUdpChannelDetails to consume.
func (s *Session) HandleSetupUdpChannelDetails(d wire.SetupUdpChannelDetails) {
	s.udpDetailsMu.Lock()
	s.udpDetails = &d
	s.udpDetailsMu.Unlock()
}

// TakeUdpChannelDetails returns and clears the most recently recorded
// SetupUdpChannelDetails, if any.
func (s *Session) TakeUdpChannelDetails() (wire.SetupUdpChannelDetails, bool) {
	s.udpDetailsMu.Lock()
	defer s.udpDetailsMu.Unlock()
	if s.udpDetails == nil {
		return wire.SetupUdpChannelDetails{}, false
	}
	d := *s.udpDetails
	s.udpDetails = nil
	return d, true
}

// ForceExpire marks the session expired regardless of pong state, e.g.
// because the local clock has passed expiresAtMs.
func (s *Session) ForceExpire() {
	s.forceExpired = true
}

// ExpiresAtMs returns the locally-normalized session expiry time.
func (s *Session) ExpiresAtMs() uint64 { return s.expiresAtMs }

// ClockOffsetMs returns the last computed clock offset.
func (s *Session) ClockOffsetMs() int64 { return s.clockOffsetMs }

// CurrentPingMs returns the last computed RTT estimate.
func (s *Session) CurrentPingMs() uint32 { return s.currentPingMs }

// PongAtAuth returns the Pong observed at the moment of authentication.
func (s *Session) PongAtAuth() wire.Pong { return s.pongAtAuth }

// IsExpired reports whether the session must be re-authenticated, and why.
func (s *Session) IsExpired() (reason string, expired bool) {
	if s.forceExpired {
		return "ForceExpired", true
	}
	if s.pongAtAuth.SessionExpireAt == nil {
		return "NoSessionExpiry", true
	}
	if s.lastPong.ClientAddr != s.pongAtAuth.ClientAddr || s.lastPong.TunnelAddr != s.pongAtAuth.TunnelAddr {
		return "FlowChanged", true
	}
	return "", false
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
