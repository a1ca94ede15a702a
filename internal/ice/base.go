package ice

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pion/stun/v3"

	"github.com/1ureka/peerlink/internal/util"
)

// receiveMTU bounds a single datagram read.
const receiveMTU = 8192

// RequestHandler is called from the read loop for every STUN request.
type RequestHandler func(b *Base, m *stun.Message, from net.Addr)

// DataHandler is called from the read loop for every non-STUN datagram.
// The slice is owned by the handler.
type DataHandler func(b *Base, data []byte, from net.Addr)

// Base is a local socket that candidates are sent from: a host UDP socket or
// a TURN relay. It owns the read loop for the socket.
type Base struct {
	conn      net.PacketConn
	candidate Candidate
	log       *util.Logger

	mu        sync.Mutex
	pending   map[[stun.TransactionIDSize]byte]chan *stun.Message
	onRequest RequestHandler
	onData    DataHandler
	closed    bool

	done    chan struct{}
	onClose func() error
}

// NewBase wraps conn and starts its read loop. onClose, if set, runs after
// the socket is closed (e.g. to release a TURN client).
func NewBase(conn net.PacketConn, candidate Candidate, onClose func() error) *Base {
	b := &Base{
		conn:      conn,
		candidate: candidate,
		log:       util.NewLogger("ice").With(string(candidate.Type) + " " + conn.LocalAddr().String()),
		pending:   make(map[[stun.TransactionIDSize]byte]chan *stun.Message),
		done:      make(chan struct{}),
		onClose:   onClose,
	}
	go b.readLoop()
	return b
}

// Candidate returns the local candidate this base was created for.
func (b *Base) Candidate() Candidate { return b.candidate }

// LocalAddr returns the socket address.
func (b *Base) LocalAddr() net.Addr { return b.conn.LocalAddr() }

// OnRequest registers the handler for inbound STUN requests.
func (b *Base) OnRequest(h RequestHandler) {
	b.mu.Lock()
	b.onRequest = h
	b.mu.Unlock()
}

// OnData registers the handler for inbound application datagrams.
func (b *Base) OnData(h DataHandler) {
	b.mu.Lock()
	b.onData = h
	b.mu.Unlock()
}

// WriteTo sends one datagram.
func (b *Base) WriteTo(p []byte, addr net.Addr) (int, error) {
	n, err := b.conn.WriteTo(p, addr)
	if err == nil {
		util.Stats.AddSent(n)
	}
	return n, err
}

// Done is closed when the read loop has exited.
func (b *Base) Done() <-chan struct{} { return b.done }

// Close closes the socket and waits for the read loop to exit.
func (b *Base) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	err := b.conn.Close()
	<-b.done
	if b.onClose != nil {
		err = errors.Join(err, b.onClose())
	}
	return err
}

func (b *Base) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Base) readLoop() {
	defer close(b.done)

	buf := make([]byte, receiveMTU)
	for {
		n, from, err := b.conn.ReadFrom(buf)
		if err != nil {
			if b.isClosed() || errors.Is(err, net.ErrClosed) {
				return
			}
			b.log.Warnf("read error: %v", err)
			continue
		}
		if n == 0 {
			continue
		}
		util.Stats.AddRecv(n)

		data := make([]byte, n)
		copy(data, buf[:n])

		if stun.IsMessage(data) {
			b.handleSTUN(data, from)
			continue
		}

		b.mu.Lock()
		h := b.onData
		b.mu.Unlock()
		if h != nil {
			h(b, data, from)
		}
	}
}

func (b *Base) handleSTUN(data []byte, from net.Addr) {
	m := &stun.Message{Raw: data}
	if err := m.Decode(); err != nil {
		b.log.Tracef("dropping undecodable STUN message from %s: %v", from, err)
		return
	}

	switch m.Type.Class {
	case stun.ClassSuccessResponse, stun.ClassErrorResponse:
		b.mu.Lock()
		ch, ok := b.pending[m.TransactionID]
		b.mu.Unlock()
		if !ok {
			b.log.Tracef("unsolicited STUN response from %s", from)
			return
		}
		select {
		case ch <- m:
		default:
		}

	case stun.ClassRequest:
		b.mu.Lock()
		h := b.onRequest
		b.mu.Unlock()
		if h != nil {
			h(b, m, from)
		}

	default:
		// Indications are keepalives; nothing to do.
	}
}

// Roundtrip sends req to addr and waits for the matching response,
// retransmitting with a doubling interval starting at rto. It returns when a
// response arrives or ctx is done.
func (b *Base) Roundtrip(ctx context.Context, req *stun.Message, addr net.Addr, rto time.Duration) (*stun.Message, error) {
	ch := make(chan *stun.Message, 1)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, net.ErrClosed
	}
	b.pending[req.TransactionID] = ch
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.pending, req.TransactionID)
		b.mu.Unlock()
	}()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case resp := <-ch:
			return resp, nil
		case <-timer.C:
			if _, err := b.WriteTo(req.Raw, addr); err != nil {
				return nil, fmt.Errorf("send STUN request to %s: %w", addr, err)
			}
			timer.Reset(rto)
			rto *= 2
		case <-b.done:
			return nil, net.ErrClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
