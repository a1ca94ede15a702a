package session

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/pion/stun/v3"

	"github.com/1ureka/peerlink/internal/config"
	"github.com/1ureka/peerlink/internal/ice"
	"github.com/1ureka/peerlink/internal/metrics"
	"github.com/1ureka/peerlink/internal/rtcerr"
)

var errKeepaliveTimeout = errors.New("keepalive timeout")

// ---------------------------------------------------------------------------
// Gathering
// ---------------------------------------------------------------------------

// startGathering begins candidate discovery once; later calls do nothing.
func (s *Session) startGathering() error {
	if s.gathering != nil {
		return nil
	}
	ga, err := s.gatherer.Start(s.ctx, s.servers)
	if err != nil {
		return err
	}
	s.gathering = ga

	s.forwarder.Add(1)
	go func() {
		defer s.forwarder.Done()
		for e := range ga.Events() {
			s.post(func() { s.handleGathered(e) })
		}
	}()
	return nil
}

func (s *Session) handleGathered(e ice.Event) {
	if s.current().Terminal() {
		return
	}

	if e.Complete {
		s.gatherDone = true
		s.log.Infof("gathering complete (%d candidates)", len(s.locals))
		s.cbMu.Lock()
		fn := s.onGatheringComplete
		s.cbMu.Unlock()
		if fn != nil {
			s.emit(func() {
				if !s.closing.Load() {
					fn()
				}
			})
		}
		s.maybeFail()
		return
	}

	s.attach(e.Base)
	s.locals = append(s.locals, e.Candidate)
	if e.Candidate.Type != ice.TypeSrflx {
		s.bases[e.Candidate.Key()] = e.Base
	}
	s.checklist.AddLocal(e.Candidate)

	s.cbMu.Lock()
	fn := s.onLocalCandidate
	s.cbMu.Unlock()
	if fn != nil {
		c := e.Candidate
		s.emit(func() {
			if !s.closing.Load() {
				fn(c)
			}
		})
	}
	s.schedule()
}

// attach installs the session's handlers on a base the first time it is seen.
func (s *Session) attach(b *ice.Base) {
	if b == nil || s.handled[b] {
		return
	}
	s.handled[b] = true

	b.OnData(func(_ *ice.Base, data []byte, from net.Addr) {
		s.mux.HandleInbound(data, from)
	})
	b.OnRequest(func(base *ice.Base, m *stun.Message, from net.Addr) {
		// Answered on the read goroutine; the peer's check RTT should not
		// depend on the event loop.
		in, err := ice.Answer(base, m, from, s.creds)
		if err != nil {
			s.log.Debugf("%v", err)
			return
		}
		s.post(func() { s.handleInboundCheck(base, in) })
	})
}

// handleInboundCheck learns peer-reflexive candidates and triggers a check
// on the pair the request arrived on.
func (s *Session) handleInboundCheck(base *ice.Base, in ice.InboundCheck) {
	if s.current().Terminal() || s.checklist == nil {
		return
	}

	remote, known := s.checklist.HasRemote(in.From)
	if !known {
		remote = ice.NewPeerReflexive(in.From, in.Priority, base.Candidate().Component)
		s.checklist.AddRemote(remote)
		s.log.Debugf("learned peer-reflexive candidate %s", remote)
	}

	pair := s.checklist.Find(base.Candidate(), remote)
	if pair == nil {
		return
	}
	if in.UseCandidate && !s.controlling {
		pair.Nominated = true
	}
	if !s.current().negotiated() || s.remoteCreds.UFrag == "" {
		return
	}
	if s.checklist.Trigger(pair) {
		s.log.Debugf("triggered check %s", pair)
		s.startCheck(pair)
	}
}

// ---------------------------------------------------------------------------
// Checks
// ---------------------------------------------------------------------------

// maybeConnect enters connecting once both descriptions are applied.
func (s *Session) maybeConnect() {
	st := s.current()
	if st != StateHaveLocalAnswer && st != StateHaveRemoteAnswer {
		return
	}
	if s.remoteCreds.UFrag == "" || s.remoteCreds.Pwd == "" {
		s.fail("no media section accepted by the peer")
		return
	}
	s.enterConnecting()
	s.schedule()
}

func (s *Session) enterConnecting() {
	s.setState(StateConnecting)
	if s.connectTimer != nil {
		s.connectTimer.Stop()
	}
	timeout := s.cfg.ConnectTimeout
	s.connectTimer = time.AfterFunc(timeout, func() {
		s.post(func() {
			if s.current() == StateConnecting {
				s.fail(fmt.Sprintf("no candidate pair succeeded within %v", timeout))
			}
		})
	})
}

// schedule arms the pacer for the next ordinary check.
func (s *Session) schedule() {
	if s.pacer != nil || !s.current().negotiated() || s.checklist == nil {
		return
	}
	delay := s.limiter.Reserve().Delay()
	s.pacer = time.AfterFunc(delay, func() { s.post(s.tick) })
}

func (s *Session) tick() {
	s.pacer = nil
	if s.current().Terminal() {
		return
	}
	p := s.checklist.Next()
	if p == nil {
		return
	}
	s.startCheck(p)
	s.schedule()
}

// startCheck runs one connectivity check for a pair already marked in progress.
func (s *Session) startCheck(p *ice.Pair) {
	base := s.bases[p.Local.Key()]
	if base == nil {
		s.checklist.SetResult(p, &rtcerr.CheckFailure{Pair: p.String(), Err: errors.New("no base for local candidate")})
		s.maybeFail()
		return
	}

	cfg := ice.CheckConfig{
		Local:       s.creds,
		Remote:      s.remoteCreds,
		Controlling: s.controlling,
		TieBreaker:  s.tieBreaker,
		Nominate:    s.controlling,
		Timeout:     s.cfg.CheckTimeout,
	}

	s.checks.Add(1)
	go func() {
		defer s.checks.Done()
		res, err := ice.Check(s.ctx, base, p, cfg)
		s.post(func() { s.handleCheckResult(p, res, err) })
	}()
}

func (s *Session) handleCheckResult(p *ice.Pair, res ice.CheckResult, err error) {
	if s.current().Terminal() {
		return
	}

	if err != nil {
		s.checklist.SetResult(p, &rtcerr.CheckFailure{Pair: p.String(), Err: err})
		s.log.Debugf("check %s failed: %v", p, err)
		s.maybeFail()
		s.schedule()
		return
	}

	s.checklist.SetResult(p, nil)
	s.log.Debugf("check %s succeeded in %v (mapped %s)", p, res.RTT.Round(time.Microsecond), res.Mapped)

	switch {
	case s.active == nil:
		s.selectPair(p, "first")
	case s.cfg.PairUpgrade == config.UpgradeHigher && p.Priority > s.active.Priority:
		s.selectPair(p, "upgrade")
	}
	s.schedule()
}

// selectPair routes traffic over p and enters connected.
func (s *Session) selectPair(p *ice.Pair, reason string) {
	base := s.bases[p.Local.Key()]
	s.active = p
	s.mux.SetPath(base, p.Remote.Addr())
	metrics.PairSwitchesTotal.WithLabelValues(reason).Inc()
	s.log.Infof("selected pair %s (%s)", p, reason)

	if s.current() == StateConnecting {
		s.setState(StateConnected)
		if s.connectTimer != nil {
			s.connectTimer.Stop()
		}
		select {
		case <-s.connected:
		default:
			close(s.connected)
		}
	}
}

// maybeFail fails the session when nothing is left to try: every pair failed,
// local gathering finished and the peer signalled end-of-candidates.
func (s *Session) maybeFail() {
	if s.current() != StateConnecting {
		return
	}
	if !s.gatherDone || !s.remoteDone {
		return
	}
	if s.checklist.Len() == 0 {
		s.fail("no candidate pairs could be formed")
		return
	}
	if s.checklist.AllFailed() {
		s.fail("all candidate pairs failed")
	}
}

// handlePathFailure reacts to a keepalive timeout on the active pair: switch
// to the best other succeeded pair, or recheck everything.
func (s *Session) handlePathFailure() {
	if s.current() != StateConnected || s.active == nil {
		return
	}

	old := s.active
	s.checklist.SetResult(old, &rtcerr.CheckFailure{Pair: old.String(), Err: errKeepaliveTimeout})
	s.log.Warnf("path %s failed", old)

	if next := s.checklist.Best(old); next != nil {
		s.selectPair(next, "recovery")
		return
	}

	s.active = nil
	s.mux.ClearPath()
	s.checklist.Requeue()
	s.enterConnecting()
	s.schedule()
}
