package ice

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net"
	"sync"
	"time"

	"github.com/pion/logging"
	"github.com/pion/stun/v3"
	"github.com/pion/transport/v4"
	"github.com/pion/transport/v4/stdnet"
	"github.com/pion/turn/v4"
	"golang.org/x/sync/errgroup"

	"github.com/1ureka/peerlink/internal/metrics"
	"github.com/1ureka/peerlink/internal/rtcerr"
	"github.com/1ureka/peerlink/internal/util"
)

const (
	eventBufferSize = 16
	maxProbes       = 8
	stunRTO         = 100 * time.Millisecond
)

// GathererConfig configures candidate discovery.
type GathererConfig struct {
	// Net is the network stack; nil uses the operating system's.
	Net transport.Net

	// Timeout bounds each STUN binding and TURN allocation.
	Timeout time.Duration

	// IncludeLoopback allows loopback addresses as host candidates.
	IncludeLoopback bool

	// HostCIDRs, when non-empty, restricts host candidates to these networks.
	HostCIDRs []*net.IPNet

	// LoggerFactory is handed to the TURN client. Nil routes through util.
	LoggerFactory logging.LoggerFactory

	// Resolver looks up server host names; nil uses net.DefaultResolver.
	Resolver Resolver
}

// Resolver looks up host names. *net.Resolver implements it.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Gatherer discovers local candidates.
type Gatherer struct {
	cfg      GathererConfig
	net      transport.Net
	resolver Resolver
	log      *util.Logger
}

// NewGatherer validates cfg and returns a Gatherer.
func NewGatherer(cfg GathererConfig) (*Gatherer, error) {
	if cfg.Timeout <= 0 {
		return nil, errors.New("gatherer: timeout must be positive")
	}
	if cfg.LoggerFactory == nil {
		cfg.LoggerFactory = util.LoggerFactory{Prefix: "turn"}
	}

	n := cfg.Net
	if n == nil {
		std, err := stdnet.NewNet()
		if err != nil {
			return nil, fmt.Errorf("gatherer: create network: %w", err)
		}
		n = std
	}

	resolver := cfg.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}

	return &Gatherer{cfg: cfg, net: n, resolver: resolver, log: util.NewLogger("gather")}, nil
}

// Event is one item of a gathering sequence. The last event before the
// channel closes has Complete set, unless gathering was stopped.
type Event struct {
	Candidate Candidate
	Base      *Base
	Complete  bool
}

// Gathering is one run of candidate discovery. Candidates are pushed as soon
// as they are found; host candidates come first.
type Gathering struct {
	g      *Gatherer
	ctx    context.Context
	cancel context.CancelFunc
	events chan Event
	done   chan struct{}

	mu       sync.Mutex
	stopped  bool
	seen     map[string]struct{}
	bases    []*Base
	failures []error
}

// Start binds one socket per usable interface address and begins probing the
// given servers. It fails only when no host socket could be opened.
func (g *Gatherer) Start(ctx context.Context, servers []Server) (*Gathering, error) {
	hosts, err := g.listenHosts()
	if err != nil {
		return nil, err
	}

	gctx, cancel := context.WithCancel(ctx)
	ga := &Gathering{
		g:      g,
		ctx:    gctx,
		cancel: cancel,
		events: make(chan Event, eventBufferSize),
		done:   make(chan struct{}),
		seen:   make(map[string]struct{}),
		bases:  hosts,
	}
	go ga.run(hosts, servers)
	return ga, nil
}

func (g *Gatherer) usable(ip net.IP) bool {
	if ip.IsUnspecified() || ip.IsMulticast() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return false
	}
	if ip.IsLoopback() && !g.cfg.IncludeLoopback {
		return false
	}
	if len(g.cfg.HostCIDRs) == 0 {
		return true
	}
	for _, n := range g.cfg.HostCIDRs {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func (g *Gatherer) listenHosts() ([]*Base, error) {
	ifaces, err := g.net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("list interfaces: %w", err)
	}

	var bases []*Base
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			g.log.Debugf("addresses of %s: %v", iface.Name, err)
			continue
		}

		for _, a := range addrs {
			var ip net.IP
			switch v := a.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			default:
				continue
			}
			if !g.usable(ip) {
				continue
			}

			network := "udp4"
			if ip.To4() == nil {
				network = "udp6"
			}
			conn, err := g.net.ListenPacket(network, net.JoinHostPort(ip.String(), "0"))
			if err != nil {
				g.log.Warnf("listen on %s: %v", ip, err)
				continue
			}

			addr := conn.LocalAddr().(*net.UDPAddr)
			localPref := uint16(65535 - len(bases))
			cand := NewCandidate(TypeHost, addr, addr, ComponentRTP, localPref, "")
			bases = append(bases, NewBase(conn, cand, nil))
		}
	}

	if len(bases) == 0 {
		return nil, errors.New("no usable interface address")
	}
	return bases, nil
}

// ---------------------------------------------------------------------------
// Probing
// ---------------------------------------------------------------------------

func (ga *Gathering) run(hosts []*Base, servers []Server) {
	defer close(ga.done)

	for _, b := range hosts {
		ga.emit(Event{Candidate: b.Candidate(), Base: b})
	}

	eg, ctx := errgroup.WithContext(ga.ctx)
	eg.SetLimit(maxProbes)
	for _, srv := range servers {
		switch {
		case srv.isSTUN():
			for _, b := range hosts {
				eg.Go(func() error {
					ga.probeSTUN(ctx, b, srv)
					return nil
				})
			}
		case srv.isTURN():
			eg.Go(func() error {
				ga.probeTURN(ctx, hosts, srv)
				return nil
			})
		default:
			ga.g.log.Warnf("skipping unsupported server %s", srv)
		}
	}
	_ = eg.Wait()

	ga.mu.Lock()
	if !ga.stopped {
		select {
		case ga.events <- Event{Complete: true}:
		case <-ga.ctx.Done():
		}
	}
	close(ga.events)
	ga.mu.Unlock()
}

// eligible reports whether base can reach a server at ip.
func eligible(base *Base, ip net.IP) bool {
	local := base.Candidate().Addr()
	if local == nil || local.IP.To4() == nil || ip.To4() == nil {
		return false
	}
	return local.IP.IsLoopback() == ip.IsLoopback()
}

// resolve returns the server's address, preferring IPv4. The lookup counts
// against the probe's timeout.
func (ga *Gathering) resolve(ctx context.Context, srv Server) (*net.UDPAddr, error) {
	host, port := srv.URI.Host, srv.URI.Port
	if ip := net.ParseIP(host); ip != nil {
		return &net.UDPAddr{IP: ip, Port: port}, nil
	}

	ips, err := ga.g.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("resolve %s: %w", host, err)
	}
	for _, ip := range ips {
		if v4 := ip.IP.To4(); v4 != nil {
			return &net.UDPAddr{IP: v4, Port: port}, nil
		}
	}
	if len(ips) > 0 {
		return &net.UDPAddr{IP: ips[0].IP, Port: port}, nil
	}
	return nil, fmt.Errorf("resolve %s: no addresses", host)
}

func (ga *Gathering) probeSTUN(ctx context.Context, base *Base, srv Server) {
	ctx, cancel := context.WithTimeout(ctx, ga.g.cfg.Timeout)
	defer cancel()

	addr, err := ga.resolve(ctx, srv)
	if err != nil {
		ga.fail(srv, err)
		return
	}
	if !eligible(base, addr.IP) {
		return
	}

	req, err := stun.Build(stun.TransactionID, stun.BindingRequest, stun.Fingerprint)
	if err != nil {
		ga.fail(srv, err)
		return
	}
	resp, err := base.Roundtrip(ctx, req, addr, stunRTO)
	if err != nil {
		ga.fail(srv, err)
		return
	}
	if resp.Type.Class == stun.ClassErrorResponse {
		ga.fail(srv, errors.New("binding error response"))
		return
	}

	var mapped stun.XORMappedAddress
	if err := mapped.GetFrom(resp); err != nil {
		ga.fail(srv, fmt.Errorf("XOR-MAPPED-ADDRESS: %w", err))
		return
	}

	baseAddr := base.Candidate().Addr()
	cand := NewCandidate(TypeSrflx, &net.UDPAddr{IP: mapped.IP, Port: mapped.Port}, baseAddr,
		ComponentRTP, base.Candidate().LocalPreference(), srv.String())
	ga.emit(Event{Candidate: cand, Base: base})
}

type allocation struct {
	conn net.PacketConn
	err  error
}

func (ga *Gathering) probeTURN(ctx context.Context, hosts []*Base, srv Server) {
	ctx, cancel := context.WithTimeout(ctx, ga.g.cfg.Timeout)
	defer cancel()

	addr, err := ga.resolve(ctx, srv)
	if err != nil {
		ga.fail(srv, err)
		return
	}

	var base *Base
	for _, b := range hosts {
		if eligible(b, addr.IP) {
			base = b
			break
		}
	}
	if base == nil {
		return
	}

	conn, err := ga.g.net.ListenPacket("udp4", net.JoinHostPort(base.Candidate().Address, "0"))
	if err != nil {
		ga.fail(srv, err)
		return
	}

	client, err := turn.NewClient(&turn.ClientConfig{
		STUNServerAddr: addr.String(),
		TURNServerAddr: addr.String(),
		Username:       srv.Username,
		Password:       srv.Credential,
		Conn:           conn,
		LoggerFactory:  ga.g.cfg.LoggerFactory,
	})
	if err != nil {
		conn.Close()
		ga.fail(srv, err)
		return
	}
	release := func() error {
		client.Close()
		return conn.Close()
	}
	if err := client.Listen(); err != nil {
		_ = release()
		ga.fail(srv, err)
		return
	}

	result := make(chan allocation, 1)
	go func() {
		relayConn, err := client.Allocate()
		result <- allocation{relayConn, err}
	}()

	var alloc allocation
	select {
	case alloc = <-result:
	case <-ctx.Done():
		// Closing the client unblocks Allocate.
		_ = release()
		if a := <-result; a.conn != nil {
			a.conn.Close()
		}
		ga.fail(srv, ctx.Err())
		return
	}
	if alloc.err != nil {
		_ = release()
		ga.fail(srv, alloc.err)
		return
	}

	relayAddr, ok := alloc.conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		alloc.conn.Close()
		_ = release()
		ga.fail(srv, fmt.Errorf("unexpected relay address %v", alloc.conn.LocalAddr()))
		return
	}
	cand := NewCandidate(TypeRelay, relayAddr, conn.LocalAddr().(*net.UDPAddr),
		ComponentRTP, base.Candidate().LocalPreference(), srv.String())
	relay := NewBase(alloc.conn, cand, release)

	if !ga.emit(Event{Candidate: cand, Base: relay}) {
		_ = relay.Close()
		return
	}
	ga.mu.Lock()
	ga.bases = append(ga.bases, relay)
	ga.mu.Unlock()
}

// fail records an unreachable server. Errors caused by Stop are not failures.
func (ga *Gathering) fail(srv Server, err error) {
	if ga.ctx.Err() != nil {
		return
	}
	gerr := &rtcerr.GatheringTimeoutError{Server: srv.String(), Timeout: ga.g.cfg.Timeout}
	if !errors.Is(err, context.DeadlineExceeded) {
		gerr.Err = err
	}
	metrics.GatheringTimeoutsTotal.Inc()
	ga.g.log.Warnf("%v", gerr)

	ga.mu.Lock()
	ga.failures = append(ga.failures, gerr)
	ga.mu.Unlock()
}

// emit pushes e unless gathering was stopped or e duplicates an earlier
// candidate's transport address.
func (ga *Gathering) emit(e Event) bool {
	ga.mu.Lock()
	defer ga.mu.Unlock()

	if ga.stopped {
		return false
	}
	key := e.Candidate.TransportKey()
	if _, dup := ga.seen[key]; dup {
		ga.g.log.Debugf("suppressing duplicate %s candidate %s", e.Candidate.Type, key)
		return false
	}

	select {
	case ga.events <- e:
	case <-ga.ctx.Done():
		return false
	}
	ga.seen[key] = struct{}{}
	metrics.CandidatesGatheredTotal.WithLabelValues(string(e.Candidate.Type)).Inc()
	ga.g.log.Debugf("gathered %s", e.Candidate)
	return true
}

// ---------------------------------------------------------------------------
// Consumer API
// ---------------------------------------------------------------------------

// Events returns the push channel of gathered candidates.
func (ga *Gathering) Events() <-chan Event { return ga.events }

// Candidates is a pull view of Events that stops at the completion sentinel.
func (ga *Gathering) Candidates() iter.Seq2[Candidate, *Base] {
	return func(yield func(Candidate, *Base) bool) {
		for e := range ga.events {
			if e.Complete {
				return
			}
			if !yield(e.Candidate, e.Base) {
				return
			}
		}
	}
}

// Bases returns every socket opened so far.
func (ga *Gathering) Bases() []*Base {
	ga.mu.Lock()
	defer ga.mu.Unlock()
	out := make([]*Base, len(ga.bases))
	copy(out, ga.bases)
	return out
}

// Failures returns the servers that could not be used, as
// *rtcerr.GatheringTimeoutError values.
func (ga *Gathering) Failures() []error {
	ga.mu.Lock()
	defer ga.mu.Unlock()
	out := make([]error, len(ga.failures))
	copy(out, ga.failures)
	return out
}

// Stop abandons in-flight probes. No event is emitted after Stop returns;
// the channel is closed without the completion sentinel. It waits up to
// grace for the probes to exit.
func (ga *Gathering) Stop(grace time.Duration) error {
	ga.cancel()
	ga.mu.Lock()
	ga.stopped = true
	ga.mu.Unlock()

	select {
	case <-ga.done:
		return nil
	case <-time.After(grace):
		return fmt.Errorf("gathering probes still running after %v", grace)
	}
}

// Close stops gathering and releases every socket and relay allocation.
func (ga *Gathering) Close(grace time.Duration) error {
	err := ga.Stop(grace)
	for _, b := range ga.Bases() {
		err = errors.Join(err, b.Close())
	}
	return err
}
