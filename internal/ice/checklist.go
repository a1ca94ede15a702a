package ice

import (
	"net"
	"sort"
	"strings"
)

// Checklist pairs local and remote candidates and orders the pairs by
// descending priority. Ties keep insertion order, so the same sequence of
// AddLocal/AddRemote calls always yields the same list.
//
// A Checklist is not safe for concurrent use.
type Checklist struct {
	controlling bool

	locals  []Candidate
	remotes []Candidate
	pairs   []*Pair
	index   map[string]*Pair
}

// NewChecklist creates an empty checklist for the given ICE role.
func NewChecklist(controlling bool) *Checklist {
	return &Checklist{
		controlling: controlling,
		index:       make(map[string]*Pair),
	}
}

// AddLocal registers a local candidate and returns the pairs it formed.
// Server-reflexive candidates are checked through their base, so they are
// recorded but never paired.
func (c *Checklist) AddLocal(cand Candidate) []*Pair {
	for _, l := range c.locals {
		if l.Equal(cand) {
			return nil
		}
	}
	c.locals = append(c.locals, cand)
	if cand.Type == TypeSrflx {
		return nil
	}

	var added []*Pair
	for _, r := range c.remotes {
		if p := c.pair(cand, r); p != nil {
			added = append(added, p)
		}
	}
	return added
}

// AddRemote registers a remote candidate and returns the pairs it formed.
func (c *Checklist) AddRemote(cand Candidate) []*Pair {
	for _, r := range c.remotes {
		if r.Equal(cand) {
			return nil
		}
	}
	c.remotes = append(c.remotes, cand)

	var added []*Pair
	for _, l := range c.locals {
		if l.Type == TypeSrflx {
			continue
		}
		if p := c.pair(l, cand); p != nil {
			added = append(added, p)
		}
	}
	return added
}

// HasRemote reports whether a remote candidate with this transport address
// is known.
func (c *Checklist) HasRemote(addr *net.UDPAddr) (Candidate, bool) {
	for _, r := range c.remotes {
		if ra := r.Addr(); ra != nil && ra.IP.Equal(addr.IP) && ra.Port == addr.Port {
			return r, true
		}
	}
	return Candidate{}, false
}

func compatible(local, remote Candidate) bool {
	if local.Component != remote.Component {
		return false
	}
	if !strings.EqualFold(local.Protocol, remote.Protocol) {
		return false
	}
	la, ra := local.Addr(), remote.Addr()
	if la == nil || ra == nil {
		return false
	}
	return (la.IP.To4() == nil) == (ra.IP.To4() == nil)
}

func (c *Checklist) pair(local, remote Candidate) *Pair {
	if !compatible(local, remote) {
		return nil
	}

	p := &Pair{Local: local, Remote: remote}
	if _, dup := c.index[p.key()]; dup {
		return nil
	}

	if c.controlling {
		p.Priority = PairPriority(local.Priority, remote.Priority)
	} else {
		p.Priority = PairPriority(remote.Priority, local.Priority)
	}

	p.State = PairWaiting
	for _, other := range c.pairs {
		if other.Foundation() == p.Foundation() && other.State != PairFailed && other.State != PairSucceeded {
			p.State = PairFrozen
			break
		}
	}

	// Insert after every pair of equal or higher priority.
	i := sort.Search(len(c.pairs), func(i int) bool { return c.pairs[i].Priority < p.Priority })
	c.pairs = append(c.pairs, nil)
	copy(c.pairs[i+1:], c.pairs[i:])
	c.pairs[i] = p
	c.index[p.key()] = p
	return p
}

// Pairs returns the pairs in check order. The pointers are shared.
func (c *Checklist) Pairs() []*Pair {
	out := make([]*Pair, len(c.pairs))
	copy(out, c.pairs)
	return out
}

// Find returns the pair with the given local and remote candidates.
func (c *Checklist) Find(local, remote Candidate) *Pair {
	return c.index[(&Pair{Local: local, Remote: remote}).key()]
}

// Next returns the highest-priority pair ready to check and marks it
// in-progress. A frozen pair is only picked when no pair with its
// foundation is in progress. Nil means nothing is left to check right now.
func (c *Checklist) Next() *Pair {
	for _, p := range c.pairs {
		if p.State == PairWaiting {
			p.State = PairInProgress
			return p
		}
	}

	busy := make(map[string]bool)
	for _, p := range c.pairs {
		if p.State == PairInProgress {
			busy[p.Foundation()] = true
		}
	}
	for _, p := range c.pairs {
		if p.State == PairFrozen && !busy[p.Foundation()] {
			p.State = PairInProgress
			return p
		}
	}
	return nil
}

// Trigger claims a pair for an immediate check, bypassing the queue order.
// It reports false when the pair is already in progress or succeeded.
func (c *Checklist) Trigger(p *Pair) bool {
	if p.State == PairInProgress || p.State == PairSucceeded {
		return false
	}
	p.State = PairInProgress
	p.Err = nil
	return true
}

// SetResult records the outcome of a check. A success unfreezes every pair
// sharing the pair's foundation.
func (c *Checklist) SetResult(p *Pair, err error) {
	if err != nil {
		p.State = PairFailed
		p.Err = err
		return
	}
	p.State = PairSucceeded
	p.Err = nil
	for _, other := range c.pairs {
		if other.State == PairFrozen && other.Foundation() == p.Foundation() {
			other.State = PairWaiting
		}
	}
}

// Pending reports whether any pair is still frozen, waiting or in progress.
func (c *Checklist) Pending() bool {
	for _, p := range c.pairs {
		if p.State != PairSucceeded && p.State != PairFailed {
			return true
		}
	}
	return false
}

// AllFailed reports whether the checklist is non-empty and every pair failed.
func (c *Checklist) AllFailed() bool {
	if len(c.pairs) == 0 {
		return false
	}
	for _, p := range c.pairs {
		if p.State != PairFailed {
			return false
		}
	}
	return true
}

// Best returns the highest-priority succeeded pair other than except.
func (c *Checklist) Best(except *Pair) *Pair {
	for _, p := range c.pairs {
		if p.State == PairSucceeded && p != except {
			return p
		}
	}
	return nil
}

// Requeue returns every finished pair to waiting so it is checked again.
func (c *Checklist) Requeue() {
	for _, p := range c.pairs {
		if p.State == PairSucceeded || p.State == PairFailed {
			p.State = PairWaiting
			p.Err = nil
		}
	}
}

// Len returns the number of pairs.
func (c *Checklist) Len() int { return len(c.pairs) }
