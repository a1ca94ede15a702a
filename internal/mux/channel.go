package mux

import (
	"context"
	"time"

	"github.com/1ureka/peerlink/internal/metrics"
	"github.com/1ureka/peerlink/internal/protocol"
	"github.com/1ureka/peerlink/internal/util"
)

// inboxBufferSize is the per-channel inbox capacity.
const inboxBufferSize = 256

// channel holds the receive side of one channel ID.
// Only its own goroutine touches the reassembler.
type channel struct {
	id     uint32
	ctx    context.Context
	cancel context.CancelFunc
	inbox  chan *protocol.Packet
	reasm  *Reassembler
	gap    time.Duration
}

func newChannel(parent context.Context, id uint32, cfg Config, next uint32) *channel {
	ctx, cancel := context.WithCancel(parent)
	return &channel{
		id:     id,
		ctx:    ctx,
		cancel: cancel,
		inbox:  make(chan *protocol.Packet, inboxBufferSize),
		reasm:  newReassemblerAt(cfg.ReorderWindow, next),
		gap:    cfg.ReorderTimeout,
	}
}

// route hands a DATA or CLOSE packet to its channel, opening the channel on
// first sight. A channel closed earlier reopens at the sequence number after
// its CLOSE; anything older is late and dropped.
//
// Pushes into an inbox happen under m.mu so a channel that is shutting down
// can take its inbox back without losing packets.
func (m *Mux) route(pkt *protocol.Packet) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}

	c, ok := m.routes[pkt.ChannelID]
	if !ok {
		next := uint32(1)
		if tomb, seen := m.tombs[pkt.ChannelID]; seen {
			if pkt.SeqNum < tomb {
				m.mu.Unlock()
				metrics.MuxDroppedTotal.WithLabelValues("late").Inc()
				return
			}
			next = tomb
		}
		c = newChannel(m.ctx, pkt.ChannelID, m.cfg, next)
		m.routes[c.id] = c
		m.wg.Add(1)
		go m.serve(c)
	}

	select {
	case c.inbox <- pkt:
	default:
		util.LogWarning("[mux] [%08x] inbox full, dropping packet", pkt.ChannelID)
		metrics.MuxDroppedTotal.WithLabelValues("inbox_full").Inc()
	}
	m.mu.Unlock()
}

// serve runs one channel until CLOSE or cancellation, then removes its route.
// Packets that arrived behind the CLOSE belong to the reopened channel and
// are routed again.
func (m *Mux) serve(c *channel) {
	defer m.wg.Done()

	util.Stats.AddChannel()
	util.LogDebug("[mux] [%08x] channel opened by peer", c.id)

	leftover, closed := c.run(m.receiver)
	c.cancel()

	m.mu.Lock()
	if m.routes[c.id] == c {
		delete(m.routes, c.id)
	}
	if closed {
		m.tombs[c.id] = c.reasm.Next()
	}
drain:
	for {
		select {
		case pkt := <-c.inbox:
			leftover = append(leftover, pkt)
		default:
			break drain
		}
	}
	m.mu.Unlock()
	util.Stats.RemoveChannel()

	if !closed {
		return
	}
	for _, pkt := range leftover {
		m.route(pkt)
	}
}

// run delivers packets in sequence order until CLOSE or cancellation.
// A gap left open for longer than c.gap is skipped. On CLOSE it returns the
// packets already received past it.
func (c *channel) run(handler func() ReceiveHandler) (leftover []*protocol.Packet, closed bool) {
	timer := time.NewTimer(c.gap)
	timer.Stop()
	armed := false

	for {
		var ready []*protocol.Packet
		select {
		case pkt := <-c.inbox:
			ready = c.reasm.Feed(pkt)
		case <-timer.C:
			armed = false
			ready = c.reasm.Skip()
		case <-c.ctx.Done():
			timer.Stop()
			return nil, false
		}

		for i, d := range ready {
			switch d.Type {
			case protocol.TypeData:
				if fn := handler(); fn != nil {
					fn(c.id, d.Payload)
				}
			case protocol.TypeClose:
				util.LogDebug("[mux] [%08x] received CLOSE", c.id)
				timer.Stop()
				leftover = append(leftover, ready[i+1:]...)
				return append(leftover, c.reasm.Drain()...), true
			}
		}

		switch {
		case c.reasm.Pending() && !armed:
			timer.Reset(c.gap)
			armed = true
		case !c.reasm.Pending() && armed:
			timer.Stop()
			armed = false
		}
	}
}
