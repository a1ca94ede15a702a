package ice

import (
	"context"
	"fmt"
	"net"
	"runtime"
	"testing"
	"time"

	"github.com/pion/stun/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/peerlink/internal/config"
	"github.com/1ureka/peerlink/internal/rtcerr"
	"github.com/1ureka/peerlink/internal/testutil"
)

func loopbackGatherer(t *testing.T, timeout time.Duration) *Gatherer {
	t.Helper()
	_, lo, err := net.ParseCIDR("127.0.0.0/8")
	require.NoError(t, err)
	g, err := NewGatherer(GathererConfig{
		Timeout:         timeout,
		IncludeLoopback: true,
		HostCIDRs:       []*net.IPNet{lo},
	})
	require.NoError(t, err)
	return g
}

// startSTUNServer answers Binding requests on loopback. mapped decides the
// reflexive address reported back; nil never answers.
func startSTUNServer(t *testing.T, mapped func(from *net.UDPAddr) *net.UDPAddr) []Server {
	t.Helper()
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, 1500)
		for {
			n, from, err := conn.ReadFrom(buf)
			if err != nil {
				return
			}
			if mapped == nil {
				continue
			}
			m := &stun.Message{Raw: append([]byte(nil), buf[:n]...)}
			if err := m.Decode(); err != nil {
				continue
			}
			addr := mapped(from.(*net.UDPAddr))
			resp, err := stun.Build(
				stun.NewTransactionIDSetter(m.TransactionID),
				stun.BindingSuccess,
				&stun.XORMappedAddress{IP: addr.IP, Port: addr.Port},
				stun.Fingerprint,
			)
			if err != nil {
				continue
			}
			_, _ = conn.WriteTo(resp.Raw, from)
		}
	}()

	servers, err := ParseServers([]config.ServerConfig{
		{URL: fmt.Sprintf("stun:%s", conn.LocalAddr())},
	})
	require.NoError(t, err)
	return servers
}

func collect(t *testing.T, ga *Gathering, within time.Duration) []Event {
	t.Helper()
	var events []Event
	deadline := time.After(within)
	for {
		select {
		case e, ok := <-ga.Events():
			if !ok {
				return events
			}
			events = append(events, e)
		case <-deadline:
			t.Fatalf("gathering did not finish within %v", within)
			return nil
		}
	}
}

func TestGatherHostOnly(t *testing.T) {
	g := loopbackGatherer(t, time.Second)
	ga, err := g.Start(context.Background(), nil)
	require.NoError(t, err)
	defer ga.Close(time.Second)

	events := collect(t, ga, 5*time.Second)
	require.GreaterOrEqual(t, len(events), 2)

	last := events[len(events)-1]
	assert.True(t, last.Complete)
	for _, e := range events[:len(events)-1] {
		assert.False(t, e.Complete)
		assert.Equal(t, TypeHost, e.Candidate.Type)
		assert.True(t, e.Candidate.Addr().IP.IsLoopback())
		require.NotNil(t, e.Base)
		assert.Equal(t, e.Candidate.Port, e.Base.LocalAddr().(*net.UDPAddr).Port)
	}
	assert.Len(t, ga.Bases(), len(events)-1)
}

func TestGatherServerReflexive(t *testing.T) {
	public := udpAddr("203.0.113.50:62000")
	servers := startSTUNServer(t, func(*net.UDPAddr) *net.UDPAddr { return public })

	g := loopbackGatherer(t, 2*time.Second)
	ga, err := g.Start(context.Background(), servers)
	require.NoError(t, err)
	defer ga.Close(time.Second)

	var srflx []Candidate
	for cand, base := range ga.Candidates() {
		if cand.Type == TypeSrflx {
			srflx = append(srflx, cand)
			assert.Equal(t, base.Candidate().Address, cand.RelatedAddress)
			assert.Equal(t, base.Candidate().Port, cand.RelatedPort)
		}
	}
	require.Len(t, srflx, 1, "all loopback bases map to the same public address")
	assert.Equal(t, "203.0.113.50", srflx[0].Address)
	assert.Equal(t, 62000, srflx[0].Port)
	assert.Less(t, srflx[0].Priority, ga.Bases()[0].Candidate().Priority)
	assert.Empty(t, ga.Failures())
}

func TestGatherSuppressesDuplicates(t *testing.T) {
	// Without NAT the reflexive address is the host address itself.
	servers := startSTUNServer(t, func(from *net.UDPAddr) *net.UDPAddr { return from })

	g := loopbackGatherer(t, 2*time.Second)
	ga, err := g.Start(context.Background(), servers)
	require.NoError(t, err)
	defer ga.Close(time.Second)

	seen := map[string]bool{}
	for _, e := range collect(t, ga, 5*time.Second) {
		if e.Complete {
			continue
		}
		assert.Equal(t, TypeHost, e.Candidate.Type)
		key := e.Candidate.TransportKey()
		assert.False(t, seen[key], "duplicate %s", key)
		seen[key] = true
	}
	assert.Empty(t, ga.Failures())
}

func TestGatherUnreachableServer(t *testing.T) {
	servers := startSTUNServer(t, nil)

	g := loopbackGatherer(t, 300*time.Millisecond)
	ga, err := g.Start(context.Background(), servers)
	require.NoError(t, err)
	defer ga.Close(time.Second)

	events := collect(t, ga, 5*time.Second)
	assert.True(t, events[len(events)-1].Complete, "gathering completes despite the dead server")

	failures := ga.Failures()
	require.NotEmpty(t, failures)
	var gte *rtcerr.GatheringTimeoutError
	require.ErrorAs(t, failures[0], &gte)
	assert.Equal(t, servers[0].String(), gte.Server)
}

func TestGatherStopAbandonsProbes(t *testing.T) {
	baseline := runtime.NumGoroutine()

	servers := startSTUNServer(t, nil)
	g := loopbackGatherer(t, time.Minute)
	ga, err := g.Start(context.Background(), servers)
	require.NoError(t, err)

	// Wait for the host candidates, then stop while probes are pending.
	first := <-ga.Events()
	require.Equal(t, TypeHost, first.Candidate.Type)

	start := time.Now()
	require.NoError(t, ga.Stop(time.Second))
	assert.Less(t, time.Since(start), time.Second)

	for e := range ga.Events() {
		assert.False(t, e.Complete, "no completion sentinel after Stop")
		assert.Equal(t, TypeHost, e.Candidate.Type, "only buffered host candidates remain")
	}
	assert.Empty(t, ga.Failures(), "abandoned probes are not failures")

	require.NoError(t, ga.Close(time.Second))
	testutil.AssertNoGoroutineLeaks(t, baseline, 2)
}

// stallingResolver never answers; it returns only when ctx ends.
type stallingResolver struct {
	called chan struct{}
}

func (r *stallingResolver) LookupIPAddr(ctx context.Context, _ string) ([]net.IPAddr, error) {
	select {
	case r.called <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func stallingGatherer(t *testing.T, timeout time.Duration) (*Gatherer, *stallingResolver) {
	t.Helper()
	_, lo, err := net.ParseCIDR("127.0.0.0/8")
	require.NoError(t, err)
	r := &stallingResolver{called: make(chan struct{}, 1)}
	g, err := NewGatherer(GathererConfig{
		Timeout:         timeout,
		IncludeLoopback: true,
		HostCIDRs:       []*net.IPNet{lo},
		Resolver:        r,
	})
	require.NoError(t, err)
	return g, r
}

func TestGatherHungLookupTimesOut(t *testing.T) {
	servers, err := ParseServers([]config.ServerConfig{
		{URL: "stun:stun.example.invalid:3478"},
		{URL: "turn:turn.example.invalid:3478", Username: "u", Credential: "p"},
	})
	require.NoError(t, err)

	g, _ := stallingGatherer(t, 200*time.Millisecond)
	ga, err := g.Start(context.Background(), servers)
	require.NoError(t, err)
	defer ga.Close(time.Second)

	events := collect(t, ga, 3*time.Second)
	assert.True(t, events[len(events)-1].Complete)

	failures := ga.Failures()
	require.NotEmpty(t, failures)
	for _, f := range failures {
		var gte *rtcerr.GatheringTimeoutError
		require.ErrorAs(t, f, &gte)
		assert.NoError(t, gte.Err, "lookup deadline reported as a plain timeout")
	}
}

func TestGatherStopAbandonsHungLookup(t *testing.T) {
	baseline := runtime.NumGoroutine()

	servers, err := ParseServers([]config.ServerConfig{{URL: "stun:stun.example.invalid:3478"}})
	require.NoError(t, err)

	g, r := stallingGatherer(t, time.Minute)
	ga, err := g.Start(context.Background(), servers)
	require.NoError(t, err)

	select {
	case <-r.called:
	case <-time.After(5 * time.Second):
		t.Fatal("server lookup never started")
	}

	start := time.Now()
	require.NoError(t, ga.Stop(time.Second))
	assert.Less(t, time.Since(start), time.Second)
	assert.Empty(t, ga.Failures(), "abandoned lookups are not failures")

	require.NoError(t, ga.Close(time.Second))
	testutil.AssertNoGoroutineLeaks(t, baseline, 2)
}

func TestResolveLiteralAddress(t *testing.T) {
	servers, err := ParseServers([]config.ServerConfig{{URL: "stun:192.0.2.1:3478"}})
	require.NoError(t, err)

	g, r := stallingGatherer(t, time.Second)
	ga := &Gathering{g: g}
	addr, err := ga.resolve(context.Background(), servers[0])
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.1:3478", addr.String())
	assert.Empty(t, r.called, "literal addresses skip the lookup")
}
