package wire

import (
	"fmt"
	"net/netip"
)

// AgentSessionId identifies an authenticated control session.
type AgentSessionId struct {
	SessionID uint64
	AccountID uint64
	AgentID   uint64
}

func (s AgentSessionId) encode(w *writer) {
	w.u64(s.SessionID)
	w.u64(s.AccountID)
	w.u64(s.AgentID)
}

func decodeAgentSessionId(r *reader) (AgentSessionId, error) {
	sid, err := r.u64()
	if err != nil {
		return AgentSessionId{}, err
	}
	aid, err := r.u64()
	if err != nil {
		return AgentSessionId{}, err
	}
	gid, err := r.u64()
	if err != nil {
		return AgentSessionId{}, err
	}
	return AgentSessionId{SessionID: sid, AccountID: aid, AgentID: gid}, nil
}

// Request body tags.
const (
	reqPing uint8 = iota + 1
	reqAgentKeepAlive
	reqSetupUdpChannel
	reqRegister
)

// Response body tags.
const (
	respPong uint8 = iota + 1
	respAgentRegistered
	respSetupUdpChannelDetails
	respSignatureError
)

// Feed tags.
const (
	FeedResponse  uint32 = 1
	FeedNewClient uint32 = 2
)

// Ping is the unsigned heartbeat/probe request.
type Ping struct {
	Now         uint64
	CurrentPing *uint32
	SessionID   *AgentSessionId
}

// AgentKeepAlive keeps a session alive.
type AgentKeepAlive struct{ Session AgentSessionId }

// SetupUdpChannel requests allocation of the UDP data channel.
type SetupUdpChannel struct{ Session AgentSessionId }

// Register carries the opaque signed blob produced by the account API.
type Register struct{ SignedBlob []byte }

// Request is the sum type of bodies an agent may send as a ControlRpcMessage.
type Request struct {
	RequestID uint64

	Ping            *Ping
	AgentKeepAlive  *AgentKeepAlive
	SetupUdpChannel *SetupUdpChannel
	Register        *Register
}

// EncodeRequest serializes a ControlRpcMessage: request_id:u64 | body.
func EncodeRequest(req Request) ([]byte, error) {
	w := newWriter()
	w.u64(req.RequestID)
	switch {
	case req.Ping != nil:
		w.u8(reqPing)
		w.u64(req.Ping.Now)
		w.bool(req.Ping.CurrentPing != nil)
		if req.Ping.CurrentPing != nil {
			w.u32(*req.Ping.CurrentPing)
		}
		w.bool(req.Ping.SessionID != nil)
		if req.Ping.SessionID != nil {
			req.Ping.SessionID.encode(w)
		}
	case req.AgentKeepAlive != nil:
		w.u8(reqAgentKeepAlive)
		req.AgentKeepAlive.Session.encode(w)
	case req.SetupUdpChannel != nil:
		w.u8(reqSetupUdpChannel)
		req.SetupUdpChannel.Session.encode(w)
	case req.Register != nil:
		w.u8(reqRegister)
		w.raw(req.Register.SignedBlob)
	default:
		return nil, fmt.Errorf("wire: empty request")
	}
	return w.buf, nil
}

// DecodeRequest parses a ControlRpcMessage request sent by the agent. It
// exists primarily so tests can round-trip EncodeRequest/DecodeRequest; the
// production control server is out of scope.
func DecodeRequest(b []byte) (Request, error) {
	r := newReader(b)
	id, err := r.u64()
	if err != nil {
		return Request{}, err
	}
	tag, err := r.u8()
	if err != nil {
		return Request{}, err
	}
	req := Request{RequestID: id}
	switch tag {
	case reqPing:
		now, err := r.u64()
		if err != nil {
			return Request{}, err
		}
		hasPing, err := r.bool()
		if err != nil {
			return Request{}, err
		}
		var cp *uint32
		if hasPing {
			v, err := r.u32()
			if err != nil {
				return Request{}, err
			}
			cp = &v
		}
		hasSess, err := r.bool()
		if err != nil {
			return Request{}, err
		}
		var sess *AgentSessionId
		if hasSess {
			v, err := decodeAgentSessionId(r)
			if err != nil {
				return Request{}, err
			}
			sess = &v
		}
		req.Ping = &Ping{Now: now, CurrentPing: cp, SessionID: sess}
	case reqAgentKeepAlive:
		s, err := decodeAgentSessionId(r)
		if err != nil {
			return Request{}, err
		}
		req.AgentKeepAlive = &AgentKeepAlive{Session: s}
	case reqSetupUdpChannel:
		s, err := decodeAgentSessionId(r)
		if err != nil {
			return Request{}, err
		}
		req.SetupUdpChannel = &SetupUdpChannel{Session: s}
	case reqRegister:
		req.Register = &Register{SignedBlob: r.rest()}
	default:
		return Request{}, fmt.Errorf("wire: unknown request tag %d", tag)
	}
	return req, nil
}

// Pong reports server time, RTT inputs, and the addresses the server
// observed the agent at.
type Pong struct {
	RequestNow      uint64
	ServerNow       uint64
	SessionExpireAt *uint64
	ClientAddr      netip.AddrPort
	TunnelAddr      netip.AddrPort
}

// AgentRegistered is returned on successful authentication.
type AgentRegistered struct {
	Session   AgentSessionId
	ExpiresAt uint64
}

// SetupUdpChannelDetails is returned in answer to SetupUdpChannel.
type SetupUdpChannelDetails struct {
	TunnelAddr netip.AddrPort
	Token      []byte
}

// SignatureError is returned when Register's signed blob fails verification.
type SignatureError struct{}

// Response is the sum type of bodies the control server may send.
type Response struct {
	RequestID uint64

	Pong                   *Pong
	AgentRegistered        *AgentRegistered
	SetupUdpChannelDetails *SetupUdpChannelDetails
	SignatureError         *SignatureError
}

// ClaimInstructions tells the agent where to present a TCP claim token.
type ClaimInstructions struct {
	Address netip.AddrPort
	Token   []byte
}

// NewClient is a push notification that a peer flow needs claiming.
type NewClient struct {
	ConnectAddr       netip.AddrPort
	PeerAddr          netip.AddrPort
	ClaimInstructions ClaimInstructions
	TunnelServerID    uint64
	DataCenterID      uint64
	TunnelID          uint64
	PortOffset        uint16
}

// Key uniquely identifies a NewClient for dedup purposes.
type NewClientKey struct {
	Peer    netip.AddrPort
	Connect netip.AddrPort
}

func (n NewClient) Key() NewClientKey {
	return NewClientKey{Peer: n.PeerAddr, Connect: n.ConnectAddr}
}

// Feed is the sum type of messages arriving unsolicited on the control
// socket: tag:u32 (1=Response, 2=NewClient) | payload.
type Feed struct {
	Response  *Response
	NewClient *NewClient
}

// EncodeResponse serializes a Feed carrying a Response. Exposed for tests
// that exercise the agent against a fake control server.
func EncodeResponse(resp Response) []byte {
	w := newWriter()
	w.u32(FeedResponse)
	w.u64(resp.RequestID)
	switch {
	case resp.Pong != nil:
		w.u8(respPong)
		w.u64(resp.Pong.RequestNow)
		w.u64(resp.Pong.ServerNow)
		w.bool(resp.Pong.SessionExpireAt != nil)
		if resp.Pong.SessionExpireAt != nil {
			w.u64(*resp.Pong.SessionExpireAt)
		}
		encodeSocketAddr(w, resp.Pong.ClientAddr)
		encodeSocketAddr(w, resp.Pong.TunnelAddr)
	case resp.AgentRegistered != nil:
		w.u8(respAgentRegistered)
		resp.AgentRegistered.Session.encode(w)
		w.u64(resp.AgentRegistered.ExpiresAt)
	case resp.SetupUdpChannelDetails != nil:
		w.u8(respSetupUdpChannelDetails)
		encodeSocketAddr(w, resp.SetupUdpChannelDetails.TunnelAddr)
		w.raw(resp.SetupUdpChannelDetails.Token)
	case resp.SignatureError != nil:
		w.u8(respSignatureError)
	}
	return w.buf
}

// EncodeNewClient serializes a Feed carrying a NewClient.
func EncodeNewClient(nc NewClient) []byte {
	w := newWriter()
	w.u32(FeedNewClient)
	encodeSocketAddr(w, nc.ConnectAddr)
	encodeSocketAddr(w, nc.PeerAddr)
	encodeSocketAddr(w, nc.ClaimInstructions.Address)
	w.bytesLenPrefixed(nc.ClaimInstructions.Token)
	w.u64(nc.TunnelServerID)
	w.u64(nc.DataCenterID)
	w.u64(nc.TunnelID)
	w.u16(nc.PortOffset)
	return w.buf
}

// DecodeFeed parses a datagram received on the control socket.
func DecodeFeed(b []byte) (Feed, error) {
	r := newReader(b)
	tag, err := r.u32()
	if err != nil {
		return Feed{}, err
	}
	switch tag {
	case FeedResponse:
		id, err := r.u64()
		if err != nil {
			return Feed{}, err
		}
		bodyTag, err := r.u8()
		if err != nil {
			return Feed{}, err
		}
		resp := Response{RequestID: id}
		switch bodyTag {
		case respPong:
			reqNow, err := r.u64()
			if err != nil {
				return Feed{}, err
			}
			srvNow, err := r.u64()
			if err != nil {
				return Feed{}, err
			}
			hasExp, err := r.bool()
			if err != nil {
				return Feed{}, err
			}
			var exp *uint64
			if hasExp {
				v, err := r.u64()
				if err != nil {
					return Feed{}, err
				}
				exp = &v
			}
			clientAddr, err := decodeSocketAddr(r)
			if err != nil {
				return Feed{}, err
			}
			tunnelAddr, err := decodeSocketAddr(r)
			if err != nil {
				return Feed{}, err
			}
			resp.Pong = &Pong{
				RequestNow:      reqNow,
				ServerNow:       srvNow,
				SessionExpireAt: exp,
				ClientAddr:      clientAddr,
				TunnelAddr:      tunnelAddr,
			}
		case respAgentRegistered:
			sess, err := decodeAgentSessionId(r)
			if err != nil {
				return Feed{}, err
			}
			exp, err := r.u64()
			if err != nil {
				return Feed{}, err
			}
			resp.AgentRegistered = &AgentRegistered{Session: sess, ExpiresAt: exp}
		case respSetupUdpChannelDetails:
			addr, err := decodeSocketAddr(r)
			if err != nil {
				return Feed{}, err
			}
			resp.SetupUdpChannelDetails = &SetupUdpChannelDetails{TunnelAddr: addr, Token: r.rest()}
		case respSignatureError:
			resp.SignatureError = &SignatureError{}
		default:
			return Feed{}, fmt.Errorf("wire: unknown response tag %d", bodyTag)
		}
		return Feed{Response: &resp}, nil
	case FeedNewClient:
		connectAddr, err := decodeSocketAddr(r)
		if err != nil {
			return Feed{}, err
		}
		peerAddr, err := decodeSocketAddr(r)
		if err != nil {
			return Feed{}, err
		}
		claimAddr, err := decodeSocketAddr(r)
		if err != nil {
			return Feed{}, err
		}
		token, err := r.bytesLenPrefixed()
		if err != nil {
			return Feed{}, err
		}
		tunnelServerID, err := r.u64()
		if err != nil {
			return Feed{}, err
		}
		dataCenterID, err := r.u64()
		if err != nil {
			return Feed{}, err
		}
		tunnelID, err := r.u64()
		if err != nil {
			return Feed{}, err
		}
		portOffset, err := r.u16()
		if err != nil {
			return Feed{}, err
		}
		return Feed{NewClient: &NewClient{
			ConnectAddr:       connectAddr,
			PeerAddr:          peerAddr,
			ClaimInstructions: ClaimInstructions{Address: claimAddr, Token: token},
			TunnelServerID:    tunnelServerID,
			DataCenterID:      dataCenterID,
			TunnelID:          tunnelID,
			PortOffset:        portOffset,
		}}, nil
	default:
		return Feed{}, fmt.Errorf("wire: unknown feed tag %d", tag)
	}
}
