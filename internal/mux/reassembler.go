package mux

import (
	"container/heap"

	"github.com/1ureka/peerlink/internal/metrics"
	"github.com/1ureka/peerlink/internal/protocol"
	"github.com/1ureka/peerlink/internal/util"
)

// Reassembler reorders out-of-order packets within a single channel.
// It is goroutine-local (used inside a per-channel goroutine) and needs no locking.
//
// At most window packets are held back. When a gap would exceed the window,
// the reassembler gives up on the missing packets and delivers from the
// lowest buffered one.
type Reassembler struct {
	expectedSeq uint32
	window      int
	buffer      packetHeap
}

// NewReassembler creates a reassembler expecting sequence numbers starting at 1.
func NewReassembler(window int) *Reassembler {
	return newReassemblerAt(window, 1)
}

// newReassemblerAt starts at next, used when a closed channel is reopened.
func newReassemblerAt(window int, next uint32) *Reassembler {
	if window < 1 {
		window = 1
	}
	return &Reassembler{expectedSeq: next, window: window}
}

// Next returns the sequence number the reassembler expects next.
func (r *Reassembler) Next() uint32 {
	return r.expectedSeq
}

// Drain empties the buffer and returns the held packets in sequence order.
func (r *Reassembler) Drain() []*protocol.Packet {
	var out []*protocol.Packet
	for r.buffer.Len() > 0 {
		out = append(out, heap.Pop(&r.buffer).(*protocol.Packet))
	}
	return out
}

// Feed processes an incoming packet and returns all packets that can now be
// delivered in sequence order. Returns nil if no packets are ready.
func (r *Reassembler) Feed(pkt *protocol.Packet) []*protocol.Packet {
	if pkt.SeqNum < r.expectedSeq {
		util.LogTrace("[%08x] late packet SeqNum %d (expected %d), dropping",
			pkt.ChannelID, pkt.SeqNum, r.expectedSeq)
		metrics.MuxDroppedTotal.WithLabelValues("late").Inc()
		return nil
	}

	if pkt.SeqNum > r.expectedSeq {
		if r.buffered(pkt.SeqNum) {
			metrics.MuxDroppedTotal.WithLabelValues("duplicate").Inc()
			return nil
		}
		heap.Push(&r.buffer, pkt)
		if r.buffer.Len() > r.window {
			return r.Skip()
		}
		return nil
	}

	result := []*protocol.Packet{pkt}
	r.expectedSeq++
	return r.drain(result)
}

// Pending reports whether packets are held back behind a gap.
func (r *Reassembler) Pending() bool {
	return r.buffer.Len() > 0
}

// Skip abandons the current gap and returns the packets that follow it.
func (r *Reassembler) Skip() []*protocol.Packet {
	if r.buffer.Len() == 0 {
		return nil
	}
	next := r.buffer[0].SeqNum
	util.LogTrace("[%08x] skipping gap %d..%d", r.buffer[0].ChannelID, r.expectedSeq, next-1)
	metrics.MuxDroppedTotal.WithLabelValues("gap").Add(float64(next - r.expectedSeq))
	r.expectedSeq = next
	return r.drain(nil)
}

func (r *Reassembler) drain(result []*protocol.Packet) []*protocol.Packet {
	for r.buffer.Len() > 0 && r.buffer[0].SeqNum <= r.expectedSeq {
		pkt := heap.Pop(&r.buffer).(*protocol.Packet)
		if pkt.SeqNum < r.expectedSeq {
			continue
		}
		result = append(result, pkt)
		r.expectedSeq++
	}
	return result
}

func (r *Reassembler) buffered(seq uint32) bool {
	for _, p := range r.buffer {
		if p.SeqNum == seq {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// packetHeap implements a min-heap sorted by SeqNum.
// ---------------------------------------------------------------------------

type packetHeap []*protocol.Packet

func (h packetHeap) Len() int            { return len(h) }
func (h packetHeap) Less(i, j int) bool  { return h[i].SeqNum < h[j].SeqNum }
func (h packetHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *packetHeap) Push(x interface{}) { *h = append(*h, x.(*protocol.Packet)) }

func (h *packetHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil // avoid memory leak
	*h = old[:n-1]
	return item
}
