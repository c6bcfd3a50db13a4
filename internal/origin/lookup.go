// Package origin maps inbound tunnel flows to local origin servers.
package origin

import (
	"net/netip"
	"sync"
	"sync/atomic"
)

// Proto is the transport a resource accepts.
type Proto int

const (
	Tcp Proto = iota
	Udp
	Both
)

// ProxyProtocol carries origin-side proxy-protocol preferences, namely
// whether the origin wants traffic arriving from a distinguishable
// loopback source address ("special LAN IP").
type ProxyProtocol struct {
	LAN bool
}

// Resource describes one allocated tunnel endpoint and where it maps
// locally.
type Resource struct {
	TunnelID  uint64
	Proto     Proto
	LocalAddr netip.Addr
	LocalPort uint16
	PortCount uint16

	// TunnelPortBase is the first port of this tunnel's allocation as seen
	// on the wire in inbound UDP trailers (RedirectFlowFooter.Dst.Port).
	// It lets the single shared UDP channel demultiplex packets from many
	// tunnels back to (tunnel_id, port_offset) without a NewClient-style
	// per-packet notification. Ignored for TCP-only resources, and a zero
	// value leaves the resource out of the UDP port index.
	TunnelPortBase uint16

	ProxyProtocol *ProxyProtocol
}

// ResolveLocal maps a port_offset to the concrete local (ip, port). It
// returns false if offset is out of range.
func (r Resource) ResolveLocal(offset uint16) (netip.AddrPort, bool) {
	if offset >= r.PortCount {
		return netip.AddrPort{}, false
	}
	return netip.AddrPortFrom(r.LocalAddr, r.LocalPort+offset), true
}

type key struct {
	tunnelID uint64
	isTCP    bool
}

// portMapping resolves a tunnel-side UDP port back to (tunnel_id, offset).
type portMapping struct {
	tunnelID uint64
	offset   uint16
}

type snapshot struct {
	byKey  map[key]Resource
	byPort map[uint16]portMapping
}

// Lookup is a (tunnel_id, is_tcp) -> Resource table, updated atomically by
// full-table replacement so readers never observe a partially built table.
type Lookup struct {
	table atomic.Pointer[snapshot]

	mu sync.Mutex // serializes concurrent Update calls
}

// New returns an empty Lookup.
func New() *Lookup {
	l := &Lookup{}
	l.table.Store(&snapshot{byKey: map[key]Resource{}, byPort: map[uint16]portMapping{}})
	return l
}

// Update rebuilds the table from scratch and swaps it in atomically. For
// Proto == Both, the resource is inserted under both the TCP and UDP keys.
func (l *Lookup) Update(resources []Resource) {
	next := &snapshot{
		byKey:  make(map[key]Resource, len(resources)*2),
		byPort: make(map[uint16]portMapping),
	}
	for _, r := range resources {
		switch r.Proto {
		case Both:
			next.byKey[key{r.TunnelID, true}] = r
			next.byKey[key{r.TunnelID, false}] = r
		case Tcp:
			next.byKey[key{r.TunnelID, true}] = r
		case Udp:
			next.byKey[key{r.TunnelID, false}] = r
		}
		if r.Proto != Tcp && r.TunnelPortBase != 0 {
			for offset := uint16(0); offset < r.PortCount; offset++ {
				next.byPort[r.TunnelPortBase+offset] = portMapping{tunnelID: r.TunnelID, offset: offset}
			}
		}
	}
	l.mu.Lock()
	l.table.Store(next)
	l.mu.Unlock()
}

// Get returns a copy of the resource registered for (tunnelID, isTCP), or
// false if none is registered. Safe to call concurrently with Update: it
// sees either the complete old snapshot or the complete new one.
func (l *Lookup) Get(tunnelID uint64, isTCP bool) (Resource, bool) {
	snap := l.table.Load()
	r, ok := snap.byKey[key{tunnelID, isTCP}]
	return r, ok
}

// ResolveUDPPort maps a tunnel-side port observed in a RedirectFlowFooter
// back to the (tunnel_id, is_tcp=false) resource and the offset within it.
func (l *Lookup) ResolveUDPPort(tunnelPort uint16) (Resource, uint16, bool) {
	snap := l.table.Load()
	pm, ok := snap.byPort[tunnelPort]
	if !ok {
		return Resource{}, 0, false
	}
	r, ok := snap.byKey[key{pm.tunnelID, false}]
	return r, pm.offset, ok
}
