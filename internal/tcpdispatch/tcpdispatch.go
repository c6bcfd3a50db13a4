// Package tcpdispatch handles inbound TCP NewClient notifications: rate
// limiting, dedup, claiming the flow at the tunnel server, connecting to
// the origin, and shuttling bytes in both directions under cancellation,
// per spec.md §4.9.
package tcpdispatch

import (
	"context"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"tunnelagent/internal/lanaddr"
	"tunnelagent/internal/origin"
	"tunnelagent/internal/wire"
)

const (
	newClientRateLimit = 5
	newClientBurst     = 32

	claimConnectTimeout = 8 * time.Second
	claimTokenTimeout   = 8 * time.Second
)

// Counters tracks named drop reasons spec.md §4.9/§8 reference.
type Counters struct {
	mu sync.Mutex
	m  map[string]uint64
}

func newCounters() *Counters { return &Counters{m: make(map[string]uint64)} }

func (c *Counters) inc(name string) {
	c.mu.Lock()
	c.m[name]++
	c.mu.Unlock()
}

// Snapshot returns a copy of the current counter values, keyed by name.
func (c *Counters) Snapshot() map[string]uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]uint64, len(c.m))
	for k, v := range c.m {
		out[k] = v
	}
	return out
}

// flowState tracks one admitted TCP flow: its cancellation and the
// last-activity timestamp of each pipe direction, so a sweep or metric can
// observe per-flow staleness without owning the copy loop.
type flowState struct {
	cancel context.CancelFunc

	originToTunnelActivityMs atomic.Int64
	tunnelToOriginActivityMs atomic.Int64
}

// idleSince returns how long it has been since either pipe direction last
// moved bytes, relative to nowMs.
func (f *flowState) idleSince(nowMs int64) time.Duration {
	last := f.originToTunnelActivityMs.Load()
	if t := f.tunnelToOriginActivityMs.Load(); t > last {
		last = t
	}
	return time.Duration(nowMs-last) * time.Millisecond
}

// Dispatcher admits NewClient notifications and drives one TCP flow per
// acceptance.
type Dispatcher struct {
	lookup     *origin.Lookup
	tcpNoDelay bool

	limiter *rate.Limiter

	mu     sync.Mutex
	active map[wire.NewClientKey]*flowState

	Counters *Counters
}

// New returns a Dispatcher resolving origins through lookup.
func New(lookup *origin.Lookup, tcpNoDelay bool) *Dispatcher {
	return &Dispatcher{
		lookup:     lookup,
		tcpNoDelay: tcpNoDelay,
		limiter:    rate.NewLimiter(rate.Limit(newClientRateLimit), newClientBurst),
		active:     make(map[wire.NewClientKey]*flowState),
		Counters:   newCounters(),
	}
}

// ActiveFlows returns the number of TCP flows currently being dispatched.
func (d *Dispatcher) ActiveFlows() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.active)
}

// StalledFlows returns the number of active flows where neither pipe
// direction has moved bytes within pipeIdleTimeout, per spec.md §4.9's
// pipe-lifecycle note. A flow sitting here is about to be torn down by its
// own SetReadDeadline-driven idle timeout; this is purely observational.
func (d *Dispatcher) StalledFlows() int {
	now := time.Now().UnixMilli()
	d.mu.Lock()
	defer d.mu.Unlock()
	stalled := 0
	for _, fs := range d.active {
		if fs.idleSince(now) > pipeIdleTimeout {
			stalled++
		}
	}
	return stalled
}

// Handle admits nc under rate-limiting and dedup, then spawns the flow in
// the background. ctx is the root cancellation token; Handle returns
// immediately without waiting for the flow to finish.
func (d *Dispatcher) Handle(ctx context.Context, nc wire.NewClient) {
	if !d.limiter.Allow() {
		d.Counters.inc("new_client_rate_limited")
		return
	}

	key := nc.Key()
	d.mu.Lock()
	if _, exists := d.active[key]; exists {
		d.mu.Unlock()
		return
	}
	flowCtx, cancel := context.WithCancel(ctx)
	fs := &flowState{cancel: cancel}
	d.active[key] = fs
	d.mu.Unlock()

	go func() {
		defer func() {
			d.mu.Lock()
			delete(d.active, key)
			d.mu.Unlock()
			cancel()
		}()
		d.run(flowCtx, nc, fs)
	}()
}

func (d *Dispatcher) run(ctx context.Context, nc wire.NewClient, fs *flowState) {
	resource, ok := d.lookup.Get(nc.TunnelID, true)
	if !ok {
		d.Counters.inc("origin_lookup_miss")
		return
	}
	originAddr, ok := resource.ResolveLocal(nc.PortOffset)
	if !ok {
		d.Counters.inc("origin_port_out_of_range")
		return
	}

	claimCtx, cancel := context.WithTimeout(ctx, claimConnectTimeout)
	tunnelConn, err := lanaddr.TCPSocket(claimCtx, false, nc.PeerAddr, nc.ClaimInstructions.Address)
	cancel()
	if err != nil {
		d.Counters.inc("new_client_connect_claim_error")
		log.Printf("[tcp] connect claim addr %s failed for peer %s: %v", nc.ClaimInstructions.Address, nc.PeerAddr, err)
		return
	}
	defer tunnelConn.Close()
	if tc, ok := tunnelConn.(*net.TCPConn); ok {
		tc.SetNoDelay(d.tcpNoDelay)
	}

	tunnelConn.SetWriteDeadline(time.Now().Add(claimTokenTimeout))
	if _, err := tunnelConn.Write(nc.ClaimInstructions.Token); err != nil {
		d.Counters.inc("new_client_send_claim_error")
		log.Printf("[tcp] write claim token failed for peer %s: %v", nc.PeerAddr, err)
		return
	}
	ack := make([]byte, 8)
	tunnelConn.SetReadDeadline(time.Now().Add(claimTokenTimeout))
	if _, err := io.ReadFull(tunnelConn, ack); err != nil {
		d.Counters.inc("new_client_send_claim_error")
		log.Printf("[tcp] claim ack read failed for peer %s: %v", nc.PeerAddr, err)
		return
	}

	lan := resource.ProxyProtocol != nil && resource.ProxyProtocol.LAN
	originConn, err := lanaddr.TCPSocket(ctx, lan, nc.PeerAddr, originAddr)
	if err != nil {
		d.Counters.inc("origin_connect_error")
		log.Printf("[tcp] connect origin %s failed for peer %s: %v", originAddr, nc.PeerAddr, err)
		return
	}
	defer originConn.Close()

	pipeCtx, pipeCancel := context.WithCancel(ctx)
	defer pipeCancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer pipeCancel()
		Pipe(pipeCtx, tunnelConn, originConn, &fs.originToTunnelActivityMs)
	}()
	go func() {
		defer wg.Done()
		defer pipeCancel()
		Pipe(pipeCtx, originConn, tunnelConn, &fs.tunnelToOriginActivityMs)
	}()
	wg.Wait()
}
