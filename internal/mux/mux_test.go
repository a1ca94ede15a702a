package mux

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/peerlink/internal/protocol"
	"github.com/1ureka/peerlink/internal/testutil"
)

// mockPath implements Path for in-process testing. Two linked mockPaths
// simulate a network link: datagrams written by one side reach the other
// side's HandleInbound after a random delay in [0, maxDelay).
type mockPath struct {
	local    net.Addr
	peer     *Mux
	maxDelay time.Duration
	wg       *sync.WaitGroup
	writes   atomic.Int64
	blocked  atomic.Bool
}

func (p *mockPath) WriteTo(b []byte, _ net.Addr) (int, error) {
	p.writes.Add(1)
	if p.blocked.Load() {
		return len(b), nil
	}
	data := append([]byte(nil), b...)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if p.maxDelay > 0 {
			time.Sleep(time.Duration(rand.Int64N(int64(p.maxDelay))))
		}
		p.peer.HandleInbound(data, p.local)
	}()
	return len(b), nil
}

var (
	addrA = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 10001}
	addrB = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 10002}
)

// linkedMuxes creates two multiplexers connected through mock paths.
func linkedMuxes(t *testing.T, cfg Config, maxDelay time.Duration) (a, b *Mux, pathA, pathB *mockPath) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	a = New(ctx, cfg, nil)
	b = New(ctx, cfg, nil)

	var wg sync.WaitGroup
	pathA = &mockPath{local: addrA, peer: b, maxDelay: maxDelay, wg: &wg}
	pathB = &mockPath{local: addrB, peer: a, maxDelay: maxDelay, wg: &wg}

	t.Cleanup(func() {
		cancel()
		a.Close()
		b.Close()
		wg.Wait()
	})
	return a, b, pathA, pathB
}

type received struct {
	mu   sync.Mutex
	data map[uint32][][]byte
}

func (r *received) handler(channelID uint32, data []byte) {
	r.mu.Lock()
	r.data[channelID] = append(r.data[channelID], data)
	r.mu.Unlock()
}

func (r *received) count(channelID uint32) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.data[channelID])
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.FailNow(t, fmt.Sprintf("timed out after %v: %s", timeout, msg))
}

func (r *received) messages(channelID uint32) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.data[channelID]))
	for i, d := range r.data[channelID] {
		out[i] = string(d)
	}
	return out
}

func newReceived() *received {
	return &received{data: make(map[uint32][][]byte)}
}

// wire encodes one packet as it would arrive from the peer.
func wire(typ uint8, channelID, seq uint32, payload string) []byte {
	pkt := &protocol.Packet{Type: typ, ChannelID: channelID, SeqNum: seq}
	if payload != "" {
		pkt.Payload = []byte(payload)
	}
	return protocol.Encode(pkt)
}

func hasRoute(m *Mux, channelID uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.routes[channelID]
	return ok
}

// recordPath keeps every packet written to it.
type recordPath struct {
	mu   sync.Mutex
	pkts []*protocol.Packet
}

func (p *recordPath) WriteTo(b []byte, _ net.Addr) (int, error) {
	pkt, err := protocol.Decode(b)
	if err != nil {
		return 0, err
	}
	p.mu.Lock()
	p.pkts = append(p.pkts, pkt)
	p.mu.Unlock()
	return len(b), nil
}

func (p *recordPath) channel(channelID uint32) []*protocol.Packet {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*protocol.Packet
	for _, pkt := range p.pkts {
		if pkt.ChannelID == channelID {
			out = append(out, pkt)
		}
	}
	return out
}

// TestPerChannelOrdering sends interleaved messages on several channels over
// a link with random delay, so packets arrive out of order, and verifies that
// each channel sees its messages in send order.
func TestPerChannelOrdering(t *testing.T) {
	cfg := Config{KeepaliveInterval: time.Hour, ReorderWindow: 4096, ReorderTimeout: 5 * time.Second}
	a, b, pathA, pathB := linkedMuxes(t, cfg, 20*time.Millisecond)

	got := newReceived()
	b.OnReceive(got.handler)
	a.SetPath(pathA, addrB)
	b.SetPath(pathB, addrA)

	const perChannel = 300
	channels := []uint32{1, 2, 0xFFFFFFFF}

	for i := range perChannel {
		for _, ch := range channels {
			require.NoError(t, a.Send(ch, []byte(fmt.Sprintf("ch%d-msg%04d", ch, i))))
		}
	}

	waitFor(t, 10*time.Second, func() bool {
		for _, ch := range channels {
			if got.count(ch) < perChannel {
				return false
			}
		}
		return true
	}, "all messages delivered")

	for _, ch := range channels {
		msgs := got.messages(ch)
		require.Len(t, msgs, perChannel, "channel %d", ch)
		for i, m := range msgs {
			require.Equal(t, fmt.Sprintf("ch%d-msg%04d", ch, i), m, "channel %d message %d", ch, i)
		}
	}
}

func TestSendQueuedUntilPathSet(t *testing.T) {
	cfg := Config{KeepaliveInterval: time.Hour}
	a, b, pathA, _ := linkedMuxes(t, cfg, 0)

	got := newReceived()
	b.OnReceive(got.handler)

	payload := makeTestData(MaxPayloadSize, 7)
	require.NoError(t, a.Send(5, payload))

	time.Sleep(50 * time.Millisecond)
	require.Zero(t, pathA.writes.Load(), "no writes before SetPath")

	a.SetPath(pathA, addrB)
	waitFor(t, 2*time.Second, func() bool { return got.count(5) == 1 }, "queued message delivered")

	got.mu.Lock()
	defer got.mu.Unlock()
	assert.Equal(t, payload, got.data[5][0])
}

func TestSendRejects(t *testing.T) {
	m := New(context.Background(), Config{}, nil)

	assert.ErrorIs(t, m.Send(0, []byte("x")), ErrReservedChannel)
	assert.ErrorIs(t, m.Send(1, make([]byte, MaxPayloadSize+1)), ErrPayloadTooLarge)

	require.NoError(t, m.Close())
	assert.ErrorIs(t, m.Send(1, []byte("x")), ErrClosed)
}

func TestCloseChannel(t *testing.T) {
	cfg := Config{KeepaliveInterval: time.Hour}
	a, b, pathA, pathB := linkedMuxes(t, cfg, 5*time.Millisecond)
	a.SetPath(pathA, addrB)
	b.SetPath(pathB, addrA)

	got := newReceived()
	b.OnReceive(got.handler)

	for i := range 10 {
		require.NoError(t, a.Send(9, []byte{byte(i)}))
	}
	require.NoError(t, a.CloseChannel(9))

	waitFor(t, 2*time.Second, func() bool {
		return got.count(9) == 10 && !hasRoute(b, 9)
	}, "channel drained and removed on CLOSE")

	// Closing a channel that was never used sends nothing.
	require.NoError(t, a.CloseChannel(42))
	assert.ErrorIs(t, a.CloseChannel(0), ErrReservedChannel)

	// A bare CLOSE from the peer ends the channel at once and leaves no route.
	b.HandleInbound(wire(protocol.TypeClose, 42, 1, ""), addrA)
	waitFor(t, 2*time.Second, func() bool { return !hasRoute(b, 42) }, "bare CLOSE route removed")
	assert.Zero(t, got.count(42))
}

// TestChannelReusedAfterClose closes a channel and keeps sending on it over
// a reordering link. Every message before and after the CLOSE arrives.
func TestChannelReusedAfterClose(t *testing.T) {
	cfg := Config{KeepaliveInterval: time.Hour, ReorderWindow: 256, ReorderTimeout: 5 * time.Second}
	a, b, pathA, pathB := linkedMuxes(t, cfg, 10*time.Millisecond)
	a.SetPath(pathA, addrB)
	b.SetPath(pathB, addrA)

	got := newReceived()
	b.OnReceive(got.handler)

	for round := range 3 {
		for i := range 3 {
			require.NoError(t, a.Send(7, []byte(fmt.Sprintf("r%d-%d", round, i))))
		}
		require.NoError(t, a.CloseChannel(7))
	}
	require.NoError(t, a.Send(7, []byte("tail")))

	waitFor(t, 5*time.Second, func() bool { return got.count(7) == 10 }, "all rounds delivered")
	assert.Equal(t, []string{
		"r0-0", "r0-1", "r0-2",
		"r1-0", "r1-1", "r1-2",
		"r2-0", "r2-1", "r2-2",
		"tail",
	}, got.messages(7))
}

func TestCloseChannelKeepsNumbering(t *testing.T) {
	m := New(context.Background(), Config{KeepaliveInterval: time.Hour}, nil)
	defer m.Close()
	path := &recordPath{}
	m.SetPath(path, addrB)

	require.NoError(t, m.Send(3, []byte("a")))
	require.NoError(t, m.CloseChannel(3))
	require.NoError(t, m.CloseChannel(3), "second close is a no-op")
	require.NoError(t, m.Send(3, []byte("b")))

	waitFor(t, 2*time.Second, func() bool { return len(path.channel(3)) == 3 }, "three packets written")
	pkts := path.channel(3)
	assert.Equal(t, []uint8{protocol.TypeData, protocol.TypeClose, protocol.TypeData},
		[]uint8{pkts[0].Type, pkts[1].Type, pkts[2].Type})
	assert.Equal(t, []uint32{1, 2, 3}, seqs(pkts))
}

func TestInboundReopenAfterClose(t *testing.T) {
	testCases := []struct {
		name  string
		order []uint32 // seqs of DATA 1, CLOSE 2, DATA 3 in arrival order
	}{
		{"in order", []uint32{1, 2, 3}},
		{"reopen data first", []uint32{3, 2, 1}},
		{"close first", []uint32{2, 3, 1}},
		{"old data last", []uint32{3, 1, 2}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			m := New(context.Background(), Config{KeepaliveInterval: time.Hour, ReorderTimeout: 5 * time.Second}, nil)
			defer m.Close()
			got := newReceived()
			m.OnReceive(got.handler)

			for _, seq := range tc.order {
				switch seq {
				case 1:
					m.HandleInbound(wire(protocol.TypeData, 11, 1, "before"), addrA)
				case 2:
					m.HandleInbound(wire(protocol.TypeClose, 11, 2, ""), addrA)
				case 3:
					m.HandleInbound(wire(protocol.TypeData, 11, 3, "after"), addrA)
				}
			}

			waitFor(t, 2*time.Second, func() bool { return got.count(11) == 2 }, "both messages delivered")
			assert.Equal(t, []string{"before", "after"}, got.messages(11))
			assert.True(t, hasRoute(m, 11), "reopened channel is routed")
		})
	}
}

func TestInboundLateDataAfterCloseDropped(t *testing.T) {
	m := New(context.Background(), Config{KeepaliveInterval: time.Hour}, nil)
	defer m.Close()
	got := newReceived()
	m.OnReceive(got.handler)

	m.HandleInbound(wire(protocol.TypeData, 12, 1, "once"), addrA)
	m.HandleInbound(wire(protocol.TypeClose, 12, 2, ""), addrA)
	waitFor(t, 2*time.Second, func() bool { return got.count(12) == 1 && !hasRoute(m, 12) }, "channel closed")

	// A retransmitted packet from before the CLOSE does not reopen the channel.
	m.HandleInbound(wire(protocol.TypeData, 12, 1, "once"), addrA)
	time.Sleep(50 * time.Millisecond)
	assert.False(t, hasRoute(m, 12))
	assert.Equal(t, 1, got.count(12))
}

func TestKeepaliveKeepsPathAlive(t *testing.T) {
	var failures atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	defer wg.Wait()

	cfg := Config{KeepaliveInterval: 20 * time.Millisecond, KeepaliveTimeout: 150 * time.Millisecond}
	a := New(ctx, cfg, func() { failures.Add(1) })
	b := New(ctx, cfg, func() { failures.Add(1) })
	defer a.Close()
	defer b.Close()
	pathA := &mockPath{local: addrA, peer: b, maxDelay: 5 * time.Millisecond, wg: &wg}
	pathB := &mockPath{local: addrB, peer: a, maxDelay: 5 * time.Millisecond, wg: &wg}
	a.SetPath(pathA, addrB)
	b.SetPath(pathB, addrA)

	time.Sleep(600 * time.Millisecond)
	assert.Zero(t, failures.Load(), "no path failure while pings flow")
}

func TestKeepaliveReportsFailureOncePerPath(t *testing.T) {
	failed := make(chan struct{}, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	defer wg.Wait()

	cfg := Config{KeepaliveInterval: 20 * time.Millisecond, KeepaliveTimeout: 100 * time.Millisecond}
	a := New(ctx, cfg, func() {
		select {
		case failed <- struct{}{}:
		default:
		}
	})
	defer a.Close()
	silent := &mockPath{local: addrA, wg: &wg}
	silent.blocked.Store(true)
	a.SetPath(silent, addrB)

	select {
	case <-failed:
	case <-time.After(2 * time.Second):
		t.Fatal("path failure not reported")
	}

	select {
	case <-failed:
		t.Fatal("path failure reported twice for the same path")
	case <-time.After(300 * time.Millisecond):
	}
	assert.NotZero(t, silent.writes.Load(), "PINGs sent on the path")

	// A new path gets its own report.
	a.SetPath(silent, addrB)
	select {
	case <-failed:
	case <-time.After(2 * time.Second):
		t.Fatal("failure of the replacement path not reported")
	}
}

func TestHandleInboundDropsGarbage(t *testing.T) {
	m := New(context.Background(), Config{KeepaliveInterval: time.Hour}, nil)
	defer m.Close()

	var calls atomic.Int32
	m.OnReceive(func(uint32, []byte) { calls.Add(1) })

	m.HandleInbound([]byte{0x00, 0x01, 0x00}, addrA)             // too short
	m.HandleInbound([]byte{0x99, 0, 0, 0, 1, 0, 0, 0, 1}, addrA) // unknown type
	m.HandleInbound(wire(protocol.TypeData, 0, 1, "x"), addrA)   // DATA on channel 0

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, calls.Load())
}

func TestCloseStopsGoroutines(t *testing.T) {
	baseline := runtime.NumGoroutine()

	m := New(context.Background(), Config{}, nil)
	for ch := uint32(1); ch <= 20; ch++ {
		m.HandleInbound(wire(protocol.TypeData, ch, 5, ""), addrA) // held behind a gap
	}
	require.NoError(t, m.Close())
	select {
	case <-m.Done():
	default:
		t.Fatal("Done not closed after Close")
	}
	require.NoError(t, m.Close())

	testutil.AssertNoGoroutineLeaks(t, baseline, 0)
}

// makeTestData generates deterministic test data of the given size.
func makeTestData(size int, seed byte) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i%251) ^ seed
	}
	return data
}
