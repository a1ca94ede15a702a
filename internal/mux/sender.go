package mux

import (
	"context"
	"net"

	"github.com/1ureka/peerlink/internal/metrics"
	"github.com/1ureka/peerlink/internal/protocol"
	"github.com/1ureka/peerlink/internal/util"
)

// sendBufferSize is the outgoing packet channel capacity.
const sendBufferSize = 256

// sender serializes all writes to the active path and holds packets back
// while no path is set.
type sender struct {
	inbox chan *protocol.Packet
}

func newSender() *sender {
	return &sender{inbox: make(chan *protocol.Packet, sendBufferSize)}
}

// loop is the single-writer goroutine. current returns the active path or
// a channel that closes once one is set.
func (s *sender) loop(ctx context.Context, current func() (Path, net.Addr, <-chan struct{})) {
	for {
		select {
		case pkt := <-s.inbox:
			path, remote, ok := s.waitPath(ctx, current)
			if !ok {
				return
			}

			data := protocol.Encode(pkt)
			if _, err := path.WriteTo(data, remote); err != nil {
				util.LogDebug("[mux] write to %s failed (channel=%08x, type=%s): %v",
					remote, pkt.ChannelID, protocol.TypeName(pkt.Type), err)
				metrics.MuxDroppedTotal.WithLabelValues("write").Inc()
				continue
			}
			metrics.MuxPacketsTotal.WithLabelValues("out").Inc()
		case <-ctx.Done():
			return
		}
	}
}

func (s *sender) waitPath(ctx context.Context, current func() (Path, net.Addr, <-chan struct{})) (Path, net.Addr, bool) {
	for {
		path, remote, ready := current()
		if path != nil {
			return path, remote, true
		}
		select {
		case <-ready:
		case <-ctx.Done():
			return nil, nil, false
		}
	}
}

// send enqueues a packet for transmission. It blocks if the internal buffer
// is full and reports false when ctx is already cancelled.
func (s *sender) send(ctx context.Context, pkt *protocol.Packet) bool {
	if ctx.Err() != nil {
		return false
	}
	select {
	case s.inbox <- pkt:
		return true
	case <-ctx.Done():
		return false
	}
}
