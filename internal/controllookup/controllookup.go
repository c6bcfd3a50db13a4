// Package controllookup resolves the control server hostname to a reachable
// candidate address by probing with unsigned pings.
package controllookup

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sort"
	"time"

	"tunnelagent/internal/tunnelio"
	"tunnelagent/internal/wire"
)

const (
	pingAttempts = 3
	pingTimeout  = time.Second
)

// Candidate is a resolved control server endpoint that answered a probe.
type Candidate struct {
	Addr netip.AddrPort
	Pong wire.Pong
}

// Resolve looks up host, sorts the resulting addresses IPv6-first, and
// returns the first candidate that answers an unsigned Ping within three
// attempts.
func Resolve(ctx context.Context, host string, port uint16) (*tunnelio.TunnelIO, Candidate, error) {
	ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
	if err != nil {
		return nil, Candidate{}, fmt.Errorf("controllookup: resolve %s: %w", host, err)
	}
	if len(ips) == 0 {
		return nil, Candidate{}, fmt.Errorf("controllookup: %s resolved to no addresses", host)
	}

	candidates := make([]netip.AddrPort, 0, len(ips))
	for _, ip := range ips {
		addr, ok := netip.AddrFromSlice(ip)
		if !ok {
			continue
		}
		candidates = append(candidates, netip.AddrPortFrom(addr.Unmap(), port))
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Addr().Is6() && !candidates[j].Addr().Is6()
	})

	var lastErr error
	for _, addr := range candidates {
		tio, err := tunnelio.Dial(addr)
		if err != nil {
			lastErr = err
			continue
		}
		pong, ok := probe(ctx, tio)
		if ok {
			return tio, Candidate{Addr: addr, Pong: pong}, nil
		}
		tio.Close()
		lastErr = fmt.Errorf("controllookup: %s did not answer ping", addr)
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("controllookup: no candidates for %s", host)
	}
	return nil, Candidate{}, lastErr
}

// probe sends up to pingAttempts unsigned pings, waiting pingTimeout between
// each, and accepts the first Pong whose request_id echoes our Ping.
func probe(ctx context.Context, tio *tunnelio.TunnelIO) (wire.Pong, bool) {
	buf := make([]byte, 2048)
	for attempt := 0; attempt < pingAttempts; attempt++ {
		if ctx.Err() != nil {
			return wire.Pong{}, false
		}
		now := uint64(nowMillis())
		req, err := wire.EncodeRequest(wire.Request{RequestID: now, Ping: &wire.Ping{Now: now}})
		if err != nil {
			return wire.Pong{}, false
		}
		if err := tio.Send(req); err != nil {
			return wire.Pong{}, false
		}

		tio.Conn().SetReadDeadline(time.Now().Add(pingTimeout))
		n, err := tio.Recv(buf)
		if err != nil {
			continue
		}
		feed, err := wire.DecodeFeed(buf[:n])
		if err != nil || feed.Response == nil || feed.Response.Pong == nil {
			continue
		}
		if feed.Response.RequestID != now {
			continue
		}
		return *feed.Response.Pong, true
	}
	return wire.Pong{}, false
}

// nowMillis is overridden in tests; production code reads the wall clock.
var nowMillis = func() int64 { return time.Now().UnixMilli() }
