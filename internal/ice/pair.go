package ice

import "fmt"

// PairState is the check state of a candidate pair.
type PairState int

const (
	PairFrozen PairState = iota
	PairWaiting
	PairInProgress
	PairSucceeded
	PairFailed
)

func (s PairState) String() string {
	switch s {
	case PairFrozen:
		return "frozen"
	case PairWaiting:
		return "waiting"
	case PairInProgress:
		return "in-progress"
	case PairSucceeded:
		return "succeeded"
	case PairFailed:
		return "failed"
	default:
		return fmt.Sprintf("PairState(%d)", int(s))
	}
}

// Pair is a local/remote candidate combination. Pairs are owned by a
// Checklist; only the owner of the checklist mutates them.
type Pair struct {
	Local    Candidate
	Remote   Candidate
	Priority uint64
	State    PairState

	// Nominated is set when the controlling agent flagged the pair with
	// USE-CANDIDATE.
	Nominated bool

	// Err holds the last check failure.
	Err error
}

// Foundation groups pairs for freezing: pairs with the same local and remote
// foundations are likely to share a fate.
func (p *Pair) Foundation() string {
	return p.Local.Foundation + ":" + p.Remote.Foundation
}

func (p *Pair) key() string {
	return p.Local.Key() + "|" + p.Remote.Key()
}

func (p *Pair) String() string {
	return fmt.Sprintf("%s -> %s", p.Local, p.Remote)
}
