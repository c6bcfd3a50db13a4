// Package agent is the top-level PlayitAgent driver: it owns the control
// session, the TCP and UDP data planes, and the OriginLookup refresh loop,
// wiring together every other internal package per spec.md §4.10.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/netip"
	"sync"
	"time"

	"tunnelagent/internal/accountapi"
	"tunnelagent/internal/config"
	"tunnelagent/internal/control"
	"tunnelagent/internal/controllookup"
	"tunnelagent/internal/metrics"
	"tunnelagent/internal/origin"
	"tunnelagent/internal/packetpool"
	"tunnelagent/internal/tcpdispatch"
	"tunnelagent/internal/udpchannel"
	"tunnelagent/internal/wire"
)

// AgentVersion is reported to the account API during registration.
const AgentVersion = "1.0.0"

const (
	controlPort           = 5525
	keepAliveInterval     = 5 * time.Second
	pingInterval          = 1 * time.Second
	originRefreshInterval = 10 * time.Second
	originRefreshBackoff  = 5 * time.Second
	feedChannelBufferSize = 1024

	// packetPoolCapacity bounds the agent's shared UDP packet pool, per
	// spec.md §4.1; rounded up to a power of two internally.
	packetPoolCapacity = 2048
)

// ErrFailedToLoadInitialRunData is a Setup-class failure: the first origin
// lookup refresh, performed before the control loops start, never
// succeeded.
var ErrFailedToLoadInitialRunData = errors.New("agent: failed to load initial run data")

// Counters exposes the agent's named drop/status counters, per spec.md §3's
// expansion. Rendered as Prometheus text on an optional /metrics endpoint.
type Counters struct {
	mu                       sync.Mutex
	failingToLoadDataFromAPI bool
	consecutiveOriginErrors  int
}

// Agent is the top-level PlayitAgent: it owns a control session, the TCP
// dispatcher, the UDP channel (once negotiated), and the OriginLookup
// refresh loop.
type Agent struct {
	cfg *config.Config
	api *accountapi.Client

	lookup     *origin.Lookup
	dispatcher *tcpdispatch.Dispatcher
	packets    *packetpool.Pool

	mu      sync.Mutex
	session *control.Session
	udp     *udpchannel.Channel

	counters   Counters
	metrics    *metrics.Registry
	refreshNow chan struct{}
}

// New wires an Agent from a loaded config. The dispatcher's counters and the
// agent's gauges are registered with the metrics registry here; the UDP
// channel's counters are added once runUDPSetup has built the channel. The
// registry is served only when cfg.MetricsAddr is set (see ServeMetrics).
func New(cfg *config.Config) *Agent {
	lookup := origin.New()
	reg := metrics.New()
	dispatcher := tcpdispatch.New(lookup, cfg.TCPNoDelayOrDefault())
	a := &Agent{
		cfg:        cfg,
		api:        accountapi.New(cfg.APIURL, cfg.SecretKey),
		lookup:     lookup,
		dispatcher: dispatcher,
		packets:    packetpool.New(packetPoolCapacity),
		metrics:    reg,
		refreshNow: make(chan struct{}, 1),
	}
	reg.Register("tcp", dispatcher.Counters)
	reg.RegisterGauge("tcp_active_flows", func() float64 {
		return float64(dispatcher.ActiveFlows())
	})
	reg.RegisterGauge("tcp_stalled_flows", func() float64 {
		return float64(dispatcher.StalledFlows())
	})
	reg.RegisterGauge("failing_to_load_data_from_api", func() float64 {
		a.counters.mu.Lock()
		defer a.counters.mu.Unlock()
		if a.counters.failingToLoadDataFromAPI {
			return 1
		}
		return 0
	})
	return a
}

// ServeMetrics starts the /metrics HTTP endpoint at cfg.MetricsAddr if
// configured, blocking until ctx is cancelled. Callers typically run this
// in its own goroutine alongside Run.
func (a *Agent) ServeMetrics(ctx context.Context) error {
	if a.cfg.MetricsAddr == "" {
		return nil
	}
	return a.metrics.Serve(ctx, a.cfg.MetricsAddr)
}

// Run authenticates the control session and drives the control feed,
// keep-alive/ping, OriginLookup refresh, and UDP channel ingest loops
// concurrently until ctx is cancelled or a Setup-class error occurs.
func (a *Agent) Run(ctx context.Context) error {
	session, err := a.authenticate(ctx)
	if err != nil {
		return fmt.Errorf("agent: initial authenticate: %w", err)
	}
	a.mu.Lock()
	a.session = session
	a.mu.Unlock()

	if err := a.refreshOrigins(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrFailedToLoadInitialRunData, err)
	}

	var wg sync.WaitGroup
	wg.Add(4)
	go func() { defer wg.Done(); a.runControlFeed(ctx) }()
	go func() { defer wg.Done(); a.runKeepAliveAndPing(ctx) }()
	go func() { defer wg.Done(); a.runOriginRefresher(ctx) }()
	go func() { defer wg.Done(); a.runUDPSetup(ctx) }()
	if a.cfg.PushURL != "" {
		wg.Add(1)
		push := accountapi.NewPushChannel(a.cfg.PushURL)
		go func() { defer wg.Done(); push.Run(ctx, a.invalidateOrigins) }()
	}
	wg.Wait()

	if ctx.Err() != nil {
		return nil // AgentStopped: graceful shutdown
	}
	return nil
}

func (a *Agent) authenticate(ctx context.Context) (*control.Session, error) {
	tio, candidate, err := controllookup.Resolve(ctx, a.cfg.ControlHost, controlPort)
	if err != nil {
		return nil, fmt.Errorf("control lookup: %w", err)
	}
	session, err := control.Authenticate(ctx, tio, candidate.Pong, a.api, AgentVersion)
	if err != nil {
		tio.Close()
		return nil, err
	}
	return session, nil
}

func (a *Agent) currentSession() *control.Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.session
}

// runControlFeed reads the control socket, routes NewClient to the TCP
// dispatcher, folds Response bodies into session state, and re-establishes
// the UDP channel's SetupUdpChannelDetails observation when it arrives.
func (a *Agent) runControlFeed(ctx context.Context) {
	buf := make([]byte, 2048)
	for ctx.Err() == nil {
		session := a.currentSession()
		session.TunnelIO().Conn().SetReadDeadline(time.Now().Add(5 * time.Second))
		n, err := session.TunnelIO().Recv(buf)
		if err != nil {
			continue
		}
		feed, err := wire.DecodeFeed(buf[:n])
		if err != nil {
			continue
		}
		switch {
		case feed.NewClient != nil:
			a.dispatcher.Handle(ctx, *feed.NewClient)
		case feed.Response != nil:
			a.handleResponse(*feed.Response, session)
		}
	}
}

func (a *Agent) handleResponse(resp wire.Response, session *control.Session) {
	now := uint64(time.Now().UnixMilli())
	if resp.Pong != nil {
		session.HandlePong(*resp.Pong, now)
	}
	if resp.AgentRegistered != nil {
		session.HandleAgentRegistered(*resp.AgentRegistered)
	}
	if resp.SetupUdpChannelDetails != nil {
		session.HandleSetupUdpChannelDetails(*resp.SetupUdpChannelDetails)
	}
}

func (a *Agent) runKeepAliveAndPing(ctx context.Context) {
	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-keepAlive.C:
			session := a.currentSession()
			if err := session.SendKeepAlive(); err != nil {
				log.Printf("[agent] keep-alive send failed: %v", err)
			}
			a.maybeReauthenticate(ctx, session)
		case <-ping.C:
			session := a.currentSession()
			if err := session.SendPing(uint64(time.Now().UnixMilli())); err != nil {
				log.Printf("[agent] ping send failed: %v", err)
			}
		}
	}
}

func (a *Agent) maybeReauthenticate(ctx context.Context, session *control.Session) {
	reason, expired := session.IsExpired()
	if !expired {
		return
	}
	log.Printf("[agent] session expired (%s), re-authenticating", reason)
	next, err := a.authenticate(ctx)
	if err != nil {
		log.Printf("[agent] re-authenticate failed: %v", err)
		return
	}
	a.mu.Lock()
	old := a.session
	a.session = next
	a.mu.Unlock()
	if old != nil {
		old.TunnelIO().Close()
	}
}

func (a *Agent) runOriginRefresher(ctx context.Context) {
	ticker := time.NewTicker(originRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-a.refreshNow:
		}
		if err := a.refreshOrigins(ctx); err != nil {
			log.Printf("[agent] origin refresh failed, backing off: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(originRefreshBackoff):
			}
		}
	}
}

// invalidateOrigins nudges the origin refresher to run immediately instead
// of waiting for the next poll tick. Called from the optional account API
// push channel; safe to call even when no refresher is running yet.
func (a *Agent) invalidateOrigins() {
	select {
	case a.refreshNow <- struct{}{}:
	default:
	}
}

func (a *Agent) refreshOrigins(ctx context.Context) error {
	data, err := a.api.AgentsRunData(ctx)
	if err != nil {
		a.counters.mu.Lock()
		a.counters.consecutiveOriginErrors++
		if a.counters.consecutiveOriginErrors >= 3 {
			a.counters.failingToLoadDataFromAPI = true
		}
		a.counters.mu.Unlock()
		return err
	}

	resources := make([]origin.Resource, 0, len(data.Tunnels))
	for _, t := range data.Tunnels {
		ip, err := netip.ParseAddr(t.LocalIP)
		if err != nil {
			log.Printf("[origin] skipping tunnel %d: bad local_ip %q: %v", t.InternalID, t.LocalIP, err)
			continue
		}
		if t.Port.To < t.Port.From {
			log.Printf("[origin] skipping tunnel %d: inverted port range", t.InternalID)
			continue
		}
		r := origin.Resource{
			TunnelID:       t.InternalID,
			Proto:          parseProto(t.Proto),
			LocalAddr:      ip,
			LocalPort:      t.LocalPort,
			PortCount:      t.Port.To - t.Port.From,
			TunnelPortBase: t.Port.From,
		}
		if t.ProxyProtocol != nil {
			r.ProxyProtocol = &origin.ProxyProtocol{LAN: t.ProxyProtocol.LAN}
		}
		resources = append(resources, r)
	}
	a.lookup.Update(resources)

	a.counters.mu.Lock()
	a.counters.consecutiveOriginErrors = 0
	a.counters.failingToLoadDataFromAPI = false
	a.counters.mu.Unlock()
	return nil
}

func parseProto(s string) origin.Proto {
	switch s {
	case "tcp":
		return origin.Tcp
	case "udp":
		return origin.Udp
	default:
		return origin.Both
	}
}

// runUDPSetup requests the UDP data channel and, once the details arrive,
// drives the channel's ingest loop until ctx is cancelled. A
// re-authentication that replaces the session does not stop the channel.
func (a *Agent) runUDPSetup(ctx context.Context) {
	for ctx.Err() == nil {
		session := a.currentSession()
		if err := session.SendSetupUdpChannel(); err != nil {
			log.Printf("[agent] setup udp channel send failed: %v", err)
			time.Sleep(time.Second)
			continue
		}

		details, ok := a.awaitUdpChannelDetails(ctx, session)
		if !ok {
			continue
		}

		ch, err := udpchannel.New(details, a.lookup, a.cfg.SpecialLAN, a.packets)
		if err != nil {
			log.Printf("[agent] udp channel setup failed: %v", err)
			time.Sleep(time.Second)
			continue
		}
		a.mu.Lock()
		a.udp = ch
		a.mu.Unlock()
		a.metrics.Register("udp", &ch.Counters)
		ch.Run(ctx) // blocks until ctx is cancelled
		ch.Close()
		return
	}
}

// awaitUdpChannelDetails waits briefly for a SetupUdpChannelDetails response
// to surface via the control feed reader's Response handling; in this
// implementation the control feed reader owns the socket, so this polls a
// side channel populated by handleResponse.
func (a *Agent) awaitUdpChannelDetails(ctx context.Context, session *control.Session) (wire.SetupUdpChannelDetails, bool) {
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return wire.SetupUdpChannelDetails{}, false
		case <-time.After(100 * time.Millisecond):
		}
		if details, ok := session.TakeUdpChannelDetails(); ok {
			return details, true
		}
	}
	return wire.SetupUdpChannelDetails{}, false
}
