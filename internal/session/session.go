// Package session drives one peer-to-peer session: the offer/answer round,
// candidate gathering, connectivity checks and the multiplexer over the
// selected pair.
//
// All session state is owned by a single event loop goroutine. API calls,
// gathered candidates, inbound checks, check results and path failures are
// closures posted to one ordered queue. Application callbacks run on a
// separate notifier goroutine, so they may call back into the session.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/1ureka/peerlink/internal/config"
	"github.com/1ureka/peerlink/internal/description"
	"github.com/1ureka/peerlink/internal/ice"
	"github.com/1ureka/peerlink/internal/metrics"
	"github.com/1ureka/peerlink/internal/mux"
	"github.com/1ureka/peerlink/internal/rtcerr"
	"github.com/1ureka/peerlink/internal/util"
)

// Session is one negotiation plus the transport it establishes.
type Session struct {
	id  string
	cfg config.Config
	log *util.Logger

	ctx    context.Context
	cancel context.CancelFunc

	events   *queue
	notify   *queue
	loopDone chan struct{}

	state     atomic.Value // State, written by the loop only
	done      chan struct{}
	connected chan struct{}
	closing   atomic.Bool // candidate callbacks stop once set
	closeOnce sync.Once

	gatherer *ice.Gatherer
	servers  []ice.Server
	mux      *mux.Mux
	limiter  *rate.Limiter

	creds       ice.Credentials
	fingerprint description.Fingerprint
	tieBreaker  uint64

	cbMu                sync.Mutex
	onLocalCandidate    func(ice.Candidate)
	onGatheringComplete func()
	onStateChange       func(State)

	// Loop-owned state below.
	neg          description.Negotiation
	controlling  bool
	remoteCreds  ice.Credentials
	checklist    *ice.Checklist
	gathering    *ice.Gathering
	forwarder    sync.WaitGroup
	checks       sync.WaitGroup
	bases        map[string]*ice.Base // by local candidate key
	handled      map[*ice.Base]bool
	locals       []ice.Candidate
	gatherDone   bool
	remoteDone   bool
	active       *ice.Pair
	pacer        *time.Timer
	connectTimer *time.Timer
	released     bool

	errMu sync.Mutex
	err   error
}

// New creates a session in state new. Nothing touches the network until a
// local description is set.
func New(cfg config.Config) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}

	servers, err := ice.ParseServers(cfg.Servers)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	gatherer, err := ice.NewGatherer(ice.GathererConfig{
		Timeout:         cfg.GatherTimeout,
		IncludeLoopback: cfg.IncludeLoopback,
		HostCIDRs:       cfg.ParsedHostCIDRs(),
		LoggerFactory:   util.LoggerFactory{Prefix: "turn"},
	})
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}

	ufrag, pwd, err := util.GenerateICECredentials()
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	fp, err := description.GenerateFingerprint()
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}

	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:          id,
		cfg:         cfg,
		log:         util.NewLogger("session").With(id[:8]),
		ctx:         ctx,
		cancel:      cancel,
		events:      newQueue(),
		notify:      newQueue(),
		loopDone:    make(chan struct{}),
		done:        make(chan struct{}),
		connected:   make(chan struct{}),
		gatherer:    gatherer,
		servers:     servers,
		limiter:     rate.NewLimiter(rate.Every(cfg.CheckPacing), 1),
		creds:       ice.Credentials{UFrag: ufrag, Pwd: pwd},
		fingerprint: fp,
		tieBreaker:  util.RandomUint64(),
		bases:       make(map[string]*ice.Base),
		handled:     make(map[*ice.Base]bool),
	}
	s.state.Store(StateNew)
	s.mux = mux.New(ctx, mux.Config{
		KeepaliveInterval: cfg.KeepaliveInterval,
		KeepaliveTimeout:  cfg.KeepaliveTimeout,
	}, func() { s.post(s.handlePathFailure) })

	metrics.SessionsCreatedTotal.Inc()
	metrics.ActiveSessions.Inc()

	go s.notify.run()
	go func() {
		defer close(s.loopDone)
		s.events.run()
		metrics.ActiveSessions.Dec()
		s.notify.close()
	}()

	s.log.Debugf("created (ufrag %s)", ufrag)
	return s, nil
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// State returns the current state.
func (s *Session) State() State { return s.state.Load().(State) }

// Done is closed when the session reaches failed or closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Connected is closed the first time a pair succeeds.
func (s *Session) Connected() <-chan struct{} { return s.connected }

// Err returns the terminal error: a *rtcerr.SessionFailedError after
// failure, rtcerr.ErrSessionClosed after Close, nil otherwise.
func (s *Session) Err() error {
	s.errMu.Lock()
	err := s.err
	s.errMu.Unlock()
	if err == nil && s.State() == StateClosed {
		return rtcerr.ErrSessionClosed
	}
	return err
}

// ---------------------------------------------------------------------------
// Event loop plumbing
// ---------------------------------------------------------------------------

// post queues fn on the event loop. It is a no-op after the loop stopped.
func (s *Session) post(fn func()) {
	s.events.push(fn)
}

// call runs fn on the event loop and waits for its result.
func (s *Session) call(fn func() error) error {
	errc := make(chan error, 1)
	if !s.events.push(func() { errc <- fn() }) {
		return rtcerr.ErrSessionClosed
	}
	select {
	case err := <-errc:
		return err
	case <-s.loopDone:
		select {
		case err := <-errc:
			return err
		default:
			return rtcerr.ErrSessionClosed
		}
	}
}

// emit queues an application callback on the notifier.
func (s *Session) emit(fn func()) {
	s.notify.push(fn)
}

func (s *Session) current() State { return s.state.Load().(State) }

// setState moves to next and notifies. Invalid transitions are programming
// errors and are logged, not applied.
func (s *Session) setState(next State) {
	prev := s.current()
	if prev == next {
		return
	}
	if !prev.CanTransition(next) {
		s.log.Errorf("invalid transition %s -> %s", prev, next)
		return
	}
	s.state.Store(next)
	metrics.StateTransitionsTotal.WithLabelValues(string(next)).Inc()
	s.log.Debugf("%s -> %s", prev, next)

	s.cbMu.Lock()
	fn := s.onStateChange
	s.cbMu.Unlock()
	if fn != nil {
		s.emit(func() { fn(next) })
	}
}

// usable returns a StateConflictError when the session is terminal.
func (s *Session) usable(op string) error {
	switch st := s.current(); st {
	case StateClosed:
		return rtcerr.ErrSessionClosed
	case StateFailed:
		return &rtcerr.StateConflictError{Op: op, State: string(st)}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Callbacks
// ---------------------------------------------------------------------------

// OnLocalCandidate registers fn for every gathered local candidate.
func (s *Session) OnLocalCandidate(fn func(ice.Candidate)) {
	s.cbMu.Lock()
	s.onLocalCandidate = fn
	s.cbMu.Unlock()
}

// OnGatheringComplete registers fn, called once after the last local candidate.
func (s *Session) OnGatheringComplete(fn func()) {
	s.cbMu.Lock()
	s.onGatheringComplete = fn
	s.cbMu.Unlock()
}

// OnStateChange registers fn for every state transition.
func (s *Session) OnStateChange(fn func(State)) {
	s.cbMu.Lock()
	s.onStateChange = fn
	s.cbMu.Unlock()
}

// OnReceive registers fn for application data from the peer.
func (s *Session) OnReceive(fn func(channelID uint32, data []byte)) {
	s.mux.OnReceive(fn)
}

// ---------------------------------------------------------------------------
// Offer / answer
// ---------------------------------------------------------------------------

func (s *Session) descConfig() description.Config {
	return description.Config{
		Media:       description.MediaFromConfig(s.cfg.Media),
		ICEOptions:  s.cfg.ICEOptions,
		UFrag:       s.creds.UFrag,
		Pwd:         s.creds.Pwd,
		Fingerprint: s.fingerprint,
	}
}

// CreateOffer builds an offer from the configured media. It does not apply it.
func (s *Session) CreateOffer() (*description.Description, error) {
	var d *description.Description
	err := s.call(func() error {
		if err := s.usable("create offer"); err != nil {
			return err
		}
		if st := s.current(); st != StateNew {
			return &rtcerr.StateConflictError{Op: "create offer", State: string(st)}
		}
		var err error
		d, err = description.CreateOffer(s.descConfig())
		return err
	})
	return d, err
}

// CreateAnswer answers the applied remote offer. It does not apply it.
func (s *Session) CreateAnswer() (*description.Description, error) {
	var d *description.Description
	err := s.call(func() error {
		if err := s.usable("create answer"); err != nil {
			return err
		}
		if st := s.current(); st != StateHaveRemoteOffer {
			return &rtcerr.StateConflictError{Op: "create answer", State: string(st)}
		}
		var err error
		d, err = description.CreateAnswer(s.neg.Remote(), s.descConfig())
		return err
	})
	return d, err
}

// SetLocalDescription applies d and starts gathering. Setting the offer
// makes this side the controlling agent.
func (s *Session) SetLocalDescription(d *description.Description) error {
	return s.call(func() error {
		if err := s.usable("set local description"); err != nil {
			return err
		}
		if err := s.neg.ApplyLocal(d); err != nil {
			return err
		}

		if d.Type() == description.TypeOffer {
			s.controlling = true
			s.checklist = ice.NewChecklist(true)
			s.setState(StateHaveLocalOffer)
		} else {
			s.setState(StateHaveLocalAnswer)
		}

		if err := s.startGathering(); err != nil {
			s.fail(fmt.Sprintf("gathering: %v", err))
			return err
		}
		s.maybeConnect()
		return nil
	})
}

// SetRemoteDescription applies a description from the peer.
func (s *Session) SetRemoteDescription(d *description.Description) error {
	return s.call(func() error {
		if err := s.usable("set remote description"); err != nil {
			return err
		}
		if err := s.neg.ApplyRemote(d); err != nil {
			return err
		}

		ufrag, pwd := d.ICECredentials()
		s.remoteCreds = ice.Credentials{UFrag: ufrag, Pwd: pwd}

		if d.Type() == description.TypeOffer {
			s.controlling = false
			s.checklist = ice.NewChecklist(false)
			s.setState(StateHaveRemoteOffer)
		} else {
			s.setState(StateHaveRemoteAnswer)
		}
		s.maybeConnect()
		return nil
	})
}

// AddRemoteCandidate adds a candidate trickled by the peer.
func (s *Session) AddRemoteCandidate(c ice.Candidate) error {
	return s.call(func() error {
		if err := s.usable("add remote candidate"); err != nil {
			return err
		}
		if s.neg.Remote() == nil {
			return &rtcerr.StateConflictError{Op: "add remote candidate", State: string(s.current())}
		}
		if s.remoteDone {
			return &rtcerr.StateConflictError{Op: "add remote candidate after end-of-candidates", State: string(s.current())}
		}

		if addr := c.Addr(); addr != nil {
			if known, ok := s.checklist.HasRemote(addr); ok {
				s.log.Debugf("remote candidate %s already known as %s", c, known.Type)
				return nil
			}
		}

		added := s.checklist.AddRemote(c)
		s.log.Debugf("remote candidate %s (%d new pairs)", c, len(added))
		s.schedule()
		return nil
	})
}

// EndOfRemoteCandidates records that the peer will send no more candidates.
func (s *Session) EndOfRemoteCandidates() error {
	return s.call(func() error {
		if err := s.usable("end of remote candidates"); err != nil {
			return err
		}
		if s.neg.Remote() == nil {
			return &rtcerr.StateConflictError{Op: "end of remote candidates", State: string(s.current())}
		}
		s.remoteDone = true
		s.maybeFail()
		return nil
	})
}

// LocalCandidates returns the candidates gathered so far.
func (s *Session) LocalCandidates() []ice.Candidate {
	var out []ice.Candidate
	_ = s.call(func() error {
		out = append(out, s.locals...)
		return nil
	})
	return out
}

// ActivePair returns a copy of the pair carrying traffic.
func (s *Session) ActivePair() (ice.Pair, bool) {
	var p ice.Pair
	var ok bool
	_ = s.call(func() error {
		if s.active != nil {
			p, ok = *s.active, true
		}
		return nil
	})
	return p, ok
}

// ---------------------------------------------------------------------------
// Data
// ---------------------------------------------------------------------------

// Send queues data on a channel. Data sent before the session connects is
// held until a pair is selected. Channel 0 is reserved.
func (s *Session) Send(channelID uint32, data []byte) error {
	if err := s.mux.Send(channelID, data); err != nil {
		if errors.Is(err, mux.ErrClosed) {
			return rtcerr.ErrSessionClosed
		}
		return err
	}
	return nil
}

// CloseChannel tells the peer no more data follows on channelID.
func (s *Session) CloseChannel(channelID uint32) error {
	return s.mux.CloseChannel(channelID)
}

// ---------------------------------------------------------------------------
// Teardown
// ---------------------------------------------------------------------------

// Close cancels gathering and checks, releases every socket and relay
// allocation, and moves the session to closed. It is safe to call more than
// once and from callbacks.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		err = s.call(func() error {
			rerr := s.release()
			s.setState(StateClosed)
			s.finish()
			s.events.close()
			return rerr
		})
		if errors.Is(err, rtcerr.ErrSessionClosed) {
			err = nil
		}
	})
	<-s.loopDone
	return err
}

// fail moves the session to failed and releases its resources. The loop keeps
// running so Close can still be called.
func (s *Session) fail(reason string) {
	if s.current().Terminal() {
		return
	}

	attempts := s.attempts()
	s.errMu.Lock()
	s.err = &rtcerr.SessionFailedError{Reason: reason, Attempts: attempts}
	s.errMu.Unlock()
	s.log.Errorf("failed: %s (%d pair attempts)", reason, len(attempts))
	for _, a := range attempts {
		s.log.Debugf("  %s [%s] %v", a.Pair, a.State, a.Err)
	}

	if err := s.release(); err != nil {
		s.log.Warnf("release: %v", err)
	}
	s.setState(StateFailed)
	s.finish()
}

// finish closes Done once the session is terminal.
func (s *Session) finish() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}

func (s *Session) attempts() []rtcerr.Attempt {
	if s.checklist == nil {
		return nil
	}
	pairs := s.checklist.Pairs()
	out := make([]rtcerr.Attempt, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, rtcerr.Attempt{
			Pair:     p.String(),
			Priority: p.Priority,
			State:    p.State.String(),
			Err:      p.Err,
		})
	}
	return out
}

// release cancels every task and closes every resource. Runs on the loop,
// at most once.
func (s *Session) release() error {
	if s.released {
		return nil
	}
	s.released = true

	s.cancel()
	if s.pacer != nil {
		s.pacer.Stop()
	}
	if s.connectTimer != nil {
		s.connectTimer.Stop()
	}

	var err error
	if s.gathering != nil {
		err = errors.Join(err, s.gathering.Close(s.cfg.CloseGrace))
	}
	if !waitTimeout(&s.checks, s.cfg.CloseGrace) {
		err = errors.Join(err, fmt.Errorf("checks still running after %v", s.cfg.CloseGrace))
	}
	if !waitTimeout(&s.forwarder, s.cfg.CloseGrace) {
		err = errors.Join(err, fmt.Errorf("gathering forwarder still running after %v", s.cfg.CloseGrace))
	}
	err = errors.Join(err, s.mux.Close())
	return err
}

func waitTimeout(wg *sync.WaitGroup, d time.Duration) bool {
	ch := make(chan struct{})
	go func() {
		wg.Wait()
		close(ch)
	}()
	select {
	case <-ch:
		return true
	case <-time.After(d):
		return false
	}
}
