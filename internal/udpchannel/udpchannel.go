// Package udpchannel owns the single long-lived UDP data channel to the
// tunnel server, demultiplexing many peer flows via the 20-byte
// RedirectFlowFooter trailer described in spec.md §3/§4.8.
package udpchannel

import (
	"context"
	"errors"
	"log"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"tunnelagent/internal/lanaddr"
	"tunnelagent/internal/origin"
	"tunnelagent/internal/packetpool"
	"tunnelagent/internal/udpreceiver"
	"tunnelagent/internal/wire"
)

const (
	newFlowRateLimit  = 16
	newFlowBurst      = 32
	sweepInterval     = 10 * time.Second
	flowIdleTimeout   = 2 * time.Minute
	receiverQueueSize = 1024
)

type flowKey struct {
	peer       netip.AddrPort
	tunnelPort uint16
}

// peerFlow is a per-peer local UDP socket toward the origin, bound via
// lanaddr so origin-side IP distinguishing works.
type peerFlow struct {
	peer      netip.AddrPort
	tunnelDst netip.AddrPort // echoed back as the trailer's dst on the return path
	tunnelID  uint64
	conn      *net.UDPConn

	lastActivityMs atomic.Int64
}

func (f *peerFlow) touch() {
	f.lastActivityMs.Store(time.Now().UnixMilli())
}

func (f *peerFlow) idleSince(nowMs int64) time.Duration {
	return time.Duration(nowMs-f.lastActivityMs.Load()) * time.Millisecond
}

// Counters tracks packet-plane drop reasons for observability.
type Counters struct {
	BadTrailer   atomic.Uint64
	LookupMiss   atomic.Uint64
	OutOfRange   atomic.Uint64
	RateLimited  atomic.Uint64
	FlowsCreated atomic.Uint64
	FlowsEvicted atomic.Uint64
}

// Snapshot returns the current counter values keyed by name, for rendering
// by internal/metrics.
func (c *Counters) Snapshot() map[string]uint64 {
	return map[string]uint64{
		"bad_trailer_total":   c.BadTrailer.Load(),
		"lookup_miss_total":   c.LookupMiss.Load(),
		"out_of_range_total":  c.OutOfRange.Load(),
		"rate_limited_total":  c.RateLimited.Load(),
		"flows_created_total": c.FlowsCreated.Load(),
		"flows_evicted_total": c.FlowsEvicted.Load(),
	}
}

// Channel is the agent side of the tunnel's UDP data channel.
type Channel struct {
	conn       *net.UDPConn
	tunnelAddr netip.AddrPort
	lookup     *origin.Lookup
	specialLAN bool

	limiter *rate.Limiter

	mu        sync.Mutex
	flows     map[flowKey]*peerFlow
	confirmed atomic.Bool

	pool     *packetpool.Pool
	receiver *udpreceiver.Receiver

	Counters Counters
}

// New opens the local socket for the channel, sends the establishment
// token to the tunnel address from SetupUdpChannelDetails, and wires a
// udpreceiver.Receiver pulling from pool for the inbound path, per
// spec.md §2's PacketPool/UdpReceiver/UdpChannel layering.
func New(details wire.SetupUdpChannelDetails, lookup *origin.Lookup, specialLAN bool, pool *packetpool.Pool) (*Channel, error) {
	network := "udp4"
	local := "0.0.0.0:0"
	if details.TunnelAddr.Addr().Is6() && !details.TunnelAddr.Addr().Is4In6() {
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

	c := &Channel{
		conn:       conn,
		tunnelAddr: details.TunnelAddr,
		lookup:     lookup,
		specialLAN: specialLAN,
		limiter:    rate.NewLimiter(rate.Limit(newFlowRateLimit), newFlowBurst),
		flows:      make(map[flowKey]*peerFlow),
		pool:       pool,
		receiver:   udpreceiver.New(conn, pool, receiverQueueSize),
	}
	if _, err := conn.WriteToUDPAddrPort(details.Token, details.TunnelAddr); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// Confirmed reports whether the establishment reply has been observed.
func (c *Channel) Confirmed() bool { return c.confirmed.Load() }

// send appends a RedirectFlowFooter and forwards payload to the tunnel
// channel address, used by the return path from an origin response.
func (c *Channel) send(peer, dst netip.AddrPort, payload []byte) error {
	frame := wire.AppendFooter(append([]byte{}, payload...), wire.Footer{Src: peer, Dst: dst})
	_, err := c.conn.WriteToUDPAddrPort(frame, c.tunnelAddr)
	return err
}

// Run drives the udpreceiver feed, the inbound dispatch loop, and the
// idle-flow sweeper until ctx is cancelled.
func (c *Channel) Run(ctx context.Context) {
	go c.sweepLoop(ctx)
	go c.receiver.Run(ctx)
	c.recvLoop(ctx)
}

func (c *Channel) recvLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case dg := <-c.receiver.Out:
			c.handleInbound(dg.Packet)
			dg.Packet.Release()
		}
	}
}

// handleInbound implements spec.md §4.8's inbound steps. The establishment
// reply is checked before the RedirectFlowFooter magic: it carries a
// different 8-byte trailer magic (UDP_CHANNEL_ESTABLISH_ID) that would
// otherwise always fail the footer's own magic check.
func (c *Channel) handleInbound(pk *packetpool.Packet) {
	raw := pk.Bytes()
	if wire.IsChannelEstablishReply(raw) {
		c.confirmed.Store(true)
		return
	}

	footer, ok := wire.ParseFooter(raw)
	if !ok {
		c.Counters.BadTrailer.Add(1)
		return
	}

	resource, offset, ok := c.lookup.ResolveUDPPort(footer.Dst.Port())
	if !ok {
		c.Counters.LookupMiss.Add(1)
		return
	}
	originAddr, ok := resource.ResolveLocal(offset)
	if !ok {
		c.Counters.OutOfRange.Add(1)
		return
	}

	key := flowKey{peer: footer.Src, tunnelPort: footer.Dst.Port()}
	flow, err := c.flowFor(key, footer.Src, footer.Dst, resource.TunnelID)
	if err != nil {
		return
	}
	flow.touch()

	payload := wire.Payload(raw)
	if _, err := flow.conn.WriteToUDPAddrPort(payload, originAddr); err != nil {
		log.Printf("[udp] write to origin %s failed: %v", originAddr, err)
	}
}

func (c *Channel) flowFor(key flowKey, peer, tunnelDst netip.AddrPort, tunnelID uint64) (*peerFlow, error) {
	c.mu.Lock()
	flow, ok := c.flows[key]
	c.mu.Unlock()
	if ok {
		return flow, nil
	}

	if !c.limiter.Allow() {
		c.Counters.RateLimited.Add(1)
		return nil, errRateLimited
	}

	conn, err := lanaddr.UDPSocket(c.specialLAN, peer, tunnelID)
	if err != nil {
		return nil, err
	}
	flow = &peerFlow{peer: peer, tunnelDst: tunnelDst, tunnelID: tunnelID, conn: conn}
	flow.touch()

	c.mu.Lock()
	c.flows[key] = flow
	c.mu.Unlock()
	c.Counters.FlowsCreated.Add(1)

	go c.pumpOriginResponses(key, flow)
	return flow, nil
}

// pumpOriginResponses reads origin responses off flow's dedicated socket
// and forwards them back through the tunnel channel, wrapped in a trailer
// that restores the peer's address so the tunnel server can route it.
func (c *Channel) pumpOriginResponses(key flowKey, flow *peerFlow) {
	buf := make([]byte, 2048)
	for {
		flow.conn.SetReadDeadline(time.Now().Add(flowIdleTimeout))
		n, err := flow.conn.Read(buf)
		if err != nil {
			return
		}
		flow.touch()
		if err := c.send(flow.peer, flow.tunnelDst, buf[:n]); err != nil {
			log.Printf("[udp] forward to tunnel failed for peer %s: %v", flow.peer, err)
		}
	}
}

func (c *Channel) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *Channel) sweep() {
	now := time.Now().UnixMilli()
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, flow := range c.flows {
		if flow.idleSince(now) > flowIdleTimeout {
			flow.conn.Close()
			delete(c.flows, key)
			c.Counters.FlowsEvicted.Add(1)
		}
	}
}

// Close shuts down the channel socket and all peer-flow sockets.
func (c *Channel) Close() error {
	c.mu.Lock()
	for key, flow := range c.flows {
		flow.conn.Close()
		delete(c.flows, key)
	}
	c.mu.Unlock()
	return c.conn.Close()
}

var errRateLimited = errors.New("udpchannel: new-flow rate limit exceeded")
