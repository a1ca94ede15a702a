// Package mux multiplexes application channels over the active candidate
// pair. Packets on one channel are delivered in order; channels are
// independent of each other.
package mux

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/1ureka/peerlink/internal/metrics"
	"github.com/1ureka/peerlink/internal/protocol"
	"github.com/1ureka/peerlink/internal/util"
)

// MaxPayloadSize bounds one DATA payload so a packet fits a typical path MTU.
const MaxPayloadSize = 1200

// Defaults used when the corresponding Config field is zero.
const (
	DefaultKeepaliveInterval = 2 * time.Second
	DefaultKeepaliveTimeout  = 10 * time.Second
	DefaultReorderWindow     = 64
	DefaultReorderTimeout    = 250 * time.Millisecond
)

var (
	ErrClosed          = errors.New("multiplexer closed")
	ErrReservedChannel = errors.New("channel 0 is reserved")
	ErrPayloadTooLarge = fmt.Errorf("payload exceeds %d bytes", MaxPayloadSize)
)

// Path is the socket the active pair sends from.
type Path interface {
	WriteTo(p []byte, addr net.Addr) (int, error)
}

// ReceiveHandler is called once per delivered payload, in order per channel.
type ReceiveHandler func(channelID uint32, data []byte)

// Config tunes keepalives and reordering.
type Config struct {
	KeepaliveInterval time.Duration
	KeepaliveTimeout  time.Duration
	// ReorderWindow is the number of packets a channel holds back behind a gap.
	ReorderWindow int
	// ReorderTimeout is how long a gap may stay open before it is skipped.
	ReorderTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if c.KeepaliveTimeout <= 0 {
		c.KeepaliveTimeout = DefaultKeepaliveTimeout
	}
	if c.ReorderWindow <= 0 {
		c.ReorderWindow = DefaultReorderWindow
	}
	if c.ReorderTimeout <= 0 {
		c.ReorderTimeout = DefaultReorderTimeout
	}
}

// Mux owns the outbound sender, the inbound route table and the keepalive
// timer for one session.
type Mux struct {
	cfg           Config
	onPathFailure func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	sender *sender

	mu        sync.Mutex
	path      Path
	remote    net.Addr
	ready     chan struct{} // closed while a path is set
	pathGen   uint64
	reported  uint64 // pathGen whose failure was already reported
	routes    map[uint32]*channel
	tombs     map[uint32]uint32 // next inbound seq after a peer CLOSE
	outs      map[uint32]*outChannel
	onReceive ReceiveHandler
	closed    bool

	control  SeqGen
	lastRecv atomic.Int64 // unix nanos of the last valid inbound packet
}

// New starts a multiplexer with no path. Sends are queued until SetPath.
// onPathFailure is called, at most once per path, when nothing has been
// received for KeepaliveTimeout; it must not block.
func New(ctx context.Context, cfg Config, onPathFailure func()) *Mux {
	cfg.applyDefaults()
	mCtx, cancel := context.WithCancel(ctx)

	m := &Mux{
		cfg:           cfg,
		onPathFailure: onPathFailure,
		ctx:           mCtx,
		cancel:        cancel,
		ready:         make(chan struct{}),
		routes:        make(map[uint32]*channel),
		tombs:         make(map[uint32]uint32),
		outs:          make(map[uint32]*outChannel),
	}
	m.sender = newSender()

	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		m.sender.loop(mCtx, m.current)
	}()
	go func() {
		defer m.wg.Done()
		m.keepalive()
	}()
	return m
}

// SetPath switches outbound traffic to remote via path and opens the send
// gate. The keepalive timer restarts for the new path.
func (m *Mux) SetPath(path Path, remote net.Addr) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.path = path
	m.remote = remote
	m.pathGen++
	m.lastRecv.Store(time.Now().UnixNano())
	select {
	case <-m.ready:
	default:
		close(m.ready)
	}
	util.LogDebug("[mux] path set to %s", remote)
}

// ClearPath closes the send gate. Queued packets wait for the next SetPath.
func (m *Mux) ClearPath() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.path == nil {
		return
	}
	m.path = nil
	m.remote = nil
	m.ready = make(chan struct{})
}

// current returns the active path, or a channel that closes when one is set.
func (m *Mux) current() (Path, net.Addr, <-chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.path, m.remote, m.ready
}

// OnReceive registers the handler for inbound application data.
func (m *Mux) OnReceive(fn ReceiveHandler) {
	m.mu.Lock()
	m.onReceive = fn
	m.mu.Unlock()
}

func (m *Mux) receiver() ReceiveHandler {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.onReceive
}

// Send queues data for channelID. It blocks while the send buffer is full.
func (m *Mux) Send(channelID uint32, data []byte) error {
	if channelID == protocol.ControlChannel {
		return ErrReservedChannel
	}
	if len(data) > MaxPayloadSize {
		return ErrPayloadTooLarge
	}
	if m.ctx.Err() != nil {
		return ErrClosed
	}

	payload := make([]byte, len(data))
	copy(payload, data)

	return m.enqueue(&protocol.Packet{
		Type:      protocol.TypeData,
		ChannelID: channelID,
		SeqNum:    m.nextSeq(channelID),
		Payload:   payload,
	})
}

// CloseChannel tells the peer no more data follows on channelID. A later
// Send reopens the channel and numbering carries on after the CLOSE, so the
// peer can tell old packets from new ones.
func (m *Mux) CloseChannel(channelID uint32) error {
	if channelID == protocol.ControlChannel {
		return ErrReservedChannel
	}

	m.mu.Lock()
	out, ok := m.outs[channelID]
	if !ok || !out.open {
		m.mu.Unlock()
		return nil
	}
	out.open = false
	seq := out.seq.Next()
	m.mu.Unlock()

	util.Stats.RemoveChannel()
	metrics.OpenChannels.Dec()
	return m.enqueue(&protocol.Packet{
		Type:      protocol.TypeClose,
		ChannelID: channelID,
		SeqNum:    seq,
	})
}

// outChannel is the send side of one channel ID. It outlives CloseChannel.
type outChannel struct {
	seq  SeqGen
	open bool
}

// nextSeq numbers the next DATA packet on channelID, opening the channel if
// it is new or was closed.
func (m *Mux) nextSeq(channelID uint32) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()

	out, ok := m.outs[channelID]
	if !ok {
		out = &outChannel{}
		m.outs[channelID] = out
	}
	if !out.open {
		out.open = true
		util.Stats.AddChannel()
		metrics.OpenChannels.Inc()
	}
	return out.seq.Next()
}

func (m *Mux) enqueue(pkt *protocol.Packet) error {
	if !m.sender.send(m.ctx, pkt) {
		return ErrClosed
	}
	return nil
}

// HandleInbound processes one datagram received on any base. Undecodable
// datagrams are dropped.
func (m *Mux) HandleInbound(data []byte, from net.Addr) {
	pkt, err := protocol.Decode(data)
	if err != nil {
		util.LogTrace("[mux] dropping datagram from %s: %v", from, err)
		metrics.MuxDroppedTotal.WithLabelValues("decode").Inc()
		return
	}
	if m.ctx.Err() != nil {
		return
	}

	m.lastRecv.Store(time.Now().UnixNano())
	metrics.MuxPacketsTotal.WithLabelValues("in").Inc()

	switch pkt.Type {
	case protocol.TypePing:
		_ = m.enqueue(&protocol.Packet{
			Type:      protocol.TypePong,
			ChannelID: protocol.ControlChannel,
			SeqNum:    pkt.SeqNum,
		})
		return
	case protocol.TypePong:
		return
	}

	if pkt.ChannelID == protocol.ControlChannel {
		metrics.MuxDroppedTotal.WithLabelValues("reserved").Inc()
		return
	}

	m.route(pkt)
}

// Done is closed once Close has been called or the parent context ended.
func (m *Mux) Done() <-chan struct{} {
	return m.ctx.Done()
}

// Close stops the sender, keepalives and every channel goroutine.
func (m *Mux) Close() error {
	m.cancel()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.wg.Wait()
		return nil
	}
	m.closed = true
	open := 0
	for _, out := range m.outs {
		if out.open {
			open++
		}
	}
	m.outs = make(map[uint32]*outChannel)
	m.mu.Unlock()

	m.wg.Wait()
	metrics.OpenChannels.Sub(float64(open))
	return nil
}
