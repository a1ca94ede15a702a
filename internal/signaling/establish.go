package signaling

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/1ureka/peerlink/internal/config"
	"github.com/1ureka/peerlink/internal/description"
	"github.com/1ureka/peerlink/internal/ice"
	"github.com/1ureka/peerlink/internal/session"
	"github.com/1ureka/peerlink/internal/util"
)

// EstablishAsOfferer drives sess through the offerer side of one exchange
// over ch:
//  1. Create and apply the offer (gathering starts)
//  2. Send the offer, then trickle local candidates and end-of-candidates
//  3. Apply the answer and remote candidates as they arrive
//  4. Return once the session is connected
//
// The caller keeps ownership of ch and sess. On error sess is left as is so
// the caller can inspect sess.Err() before closing it.
func EstablishAsOfferer(ctx context.Context, sess *session.Session, ch Channel, adapter *Adapter) error {
	p := newPeer(sess, ch, adapter, config.RoleOfferer)

	offer, err := sess.CreateOffer()
	if err != nil {
		return fmt.Errorf("failed to create offer: %w", err)
	}
	if err := sess.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("failed to apply offer: %w", err)
	}

	return p.run(ctx, func() error {
		if err := p.sender.sendDescription(ctx, offer); err != nil {
			return fmt.Errorf("failed to send offer: %w", err)
		}
		return nil
	})
}

// EstablishAsAnswerer waits for the peer's offer on ch, answers it, and
// returns once sess is connected.
func EstablishAsAnswerer(ctx context.Context, sess *session.Session, ch Channel, adapter *Adapter) error {
	p := newPeer(sess, ch, adapter, config.RoleAnswerer)
	return p.run(ctx, nil)
}

type peer struct {
	sess     *session.Session
	sender   *sender
	receiver *receiver
	log      *util.Logger
}

func newPeer(sess *session.Session, ch Channel, adapter *Adapter, role config.Role) *peer {
	log := util.NewLogger("signaling").With(string(role))
	s := &sender{ch: ch, adapter: adapter, log: log}
	r := &receiver{sess: sess, ch: ch, adapter: adapter, sender: s, log: log}

	sess.OnLocalCandidate(s.sendCandidate)
	sess.OnGatheringComplete(s.sendEndOfCandidates)

	return &peer{sess: sess, sender: s, receiver: r, log: log}
}

func (p *peer) run(ctx context.Context, start func() error) error {
	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- p.receiver.watch(watchCtx)
	}()

	if start != nil {
		if err := start(); err != nil {
			return err
		}
	}

	for {
		select {
		case <-p.sess.Connected():
			p.log.Infof("session %s connected", p.sess.ID())
			return nil

		case <-p.sess.Done():
			if err := p.sess.Err(); err != nil {
				return fmt.Errorf("session ended: %w", err)
			}
			return fmt.Errorf("session ended: %s", p.sess.State())

		case err := <-errCh:
			// A closed channel only ends signaling; the session may still
			// connect on the candidates it already has.
			if errors.Is(err, ErrChannelClosed) {
				p.log.Debugf("signaling channel closed, waiting for the session")
				errCh = nil
				continue
			}
			return fmt.Errorf("signaling failed: %w", err)

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// sender serialises writes to the channel. Candidates gathered before the
// local description went out are held back so the peer never sees a
// candidate before the description it belongs to.
type sender struct {
	ch      Channel
	adapter *Adapter
	log     *util.Logger

	mu      sync.Mutex
	ready   bool
	pending [][]byte
}

func (s *sender) sendDescription(ctx context.Context, d *description.Description) error {
	data, err := s.adapter.EncodeDescription(d)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ch.Send(ctx, data); err != nil {
		return err
	}
	s.log.Debugf("sent %s (%d bytes)", d.Type(), len(data))

	s.ready = true
	for _, msg := range s.pending {
		if err := s.ch.Send(ctx, msg); err != nil {
			s.log.Debugf("flush trickle: %v", err)
			break
		}
	}
	s.pending = nil
	return nil
}

// sendCandidate is best-effort: a lost candidate only removes one pair.
func (s *sender) sendCandidate(c ice.Candidate) {
	data, err := s.adapter.EncodeCandidate(c)
	if err != nil {
		s.log.Warnf("encode candidate %s: %v", c, err)
		return
	}
	s.send(data, "candidate "+c.String())
}

func (s *sender) sendEndOfCandidates() {
	data, err := s.adapter.EncodeEndOfCandidates()
	if err != nil {
		s.log.Warnf("encode end-of-candidates: %v", err)
		return
	}
	s.send(data, "end-of-candidates")
}

func (s *sender) send(data []byte, what string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready {
		s.pending = append(s.pending, data)
		return
	}
	if err := s.ch.Send(context.Background(), data); err != nil {
		s.log.Debugf("send %s: %v", what, err)
		return
	}
	s.log.Tracef("sent %s", what)
}

// receiver applies inbound messages to the session in arrival order.
type receiver struct {
	sess    *session.Session
	ch      Channel
	adapter *Adapter
	sender  *sender
	log     *util.Logger
}

// watch loops until the channel fails, a message cannot be decoded or
// applied, or ctx is cancelled.
func (r *receiver) watch(ctx context.Context) error {
	for {
		data, err := r.ch.Receive(ctx)
		if err != nil {
			return err
		}

		in, err := r.adapter.Decode(data)
		if err != nil {
			return err
		}

		if err := r.handle(ctx, in); err != nil {
			return err
		}
	}
}

func (r *receiver) handle(ctx context.Context, in Inbound) error {
	switch in.Type {
	case MsgOffer:
		r.log.Debugf("received offer")
		if err := r.sess.SetRemoteDescription(in.Description); err != nil {
			return fmt.Errorf("apply offer: %w", err)
		}
		answer, err := r.sess.CreateAnswer()
		if err != nil {
			return fmt.Errorf("create answer: %w", err)
		}
		if err := r.sess.SetLocalDescription(answer); err != nil {
			return fmt.Errorf("apply answer: %w", err)
		}
		if err := r.sender.sendDescription(ctx, answer); err != nil {
			return fmt.Errorf("send answer: %w", err)
		}

	case MsgAnswer:
		r.log.Debugf("received answer")
		if err := r.sess.SetRemoteDescription(in.Description); err != nil {
			return fmt.Errorf("apply answer: %w", err)
		}

	case MsgCandidate:
		if err := r.sess.AddRemoteCandidate(in.Candidate); err != nil {
			return fmt.Errorf("add remote candidate: %w", err)
		}

	case MsgEndOfCandidates:
		r.log.Debugf("peer finished gathering")
		if err := r.sess.EndOfRemoteCandidates(); err != nil {
			return fmt.Errorf("end of remote candidates: %w", err)
		}
	}
	return nil
}
