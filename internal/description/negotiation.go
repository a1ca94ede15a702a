package description

import (
	"fmt"

	"github.com/1ureka/peerlink/internal/rtcerr"
)

// Negotiation stores the local and remote descriptions of one offer/answer
// round and enforces that exactly one offer precedes exactly one answer.
//
// It is not safe for concurrent use; the session event loop owns it.
type Negotiation struct {
	local  *Description
	remote *Description
}

// State names the round's progress in the vocabulary of the session states.
func (n *Negotiation) State() string {
	switch {
	case n.local == nil && n.remote == nil:
		return "new"
	case n.remote == nil:
		return "have-local-offer"
	case n.local == nil:
		return "have-remote-offer"
	case n.local.Type() == TypeAnswer:
		return "have-local-answer"
	default:
		return "have-remote-answer"
	}
}

func (n *Negotiation) Local() *Description  { return n.local }
func (n *Negotiation) Remote() *Description { return n.remote }

// Complete reports whether both the offer and the answer are applied.
func (n *Negotiation) Complete() bool {
	return n.local != nil && n.remote != nil
}

// ApplyLocal stores a locally created description.
func (n *Negotiation) ApplyLocal(d *Description) error {
	if d == nil {
		return malformed("description", "missing")
	}
	if err := n.check("apply local "+string(d.Type()), d.Type(), n.local, n.remote); err != nil {
		return err
	}
	if d.Type() == TypeAnswer {
		if err := matchesOffer(n.remote, d); err != nil {
			return err
		}
	}
	n.local = d
	return nil
}

// ApplyRemote stores a description received from the peer. An answer is
// only accepted after the local offer it answers.
func (n *Negotiation) ApplyRemote(d *Description) error {
	if d == nil {
		return malformed("description", "missing")
	}
	if err := n.check("apply remote "+string(d.Type()), d.Type(), n.remote, n.local); err != nil {
		return err
	}
	if d.Type() == TypeAnswer {
		if err := matchesOffer(n.local, d); err != nil {
			return err
		}
	}
	n.remote = d
	return nil
}

// check validates that a description of type typ may be stored on the side
// currently holding same, given the other side holds other.
func (n *Negotiation) check(op string, typ Type, same, other *Description) error {
	if same != nil {
		return &rtcerr.StateConflictError{Op: op, State: n.State()}
	}
	switch typ {
	case TypeOffer:
		if other != nil {
			return &rtcerr.StateConflictError{Op: op, State: n.State()}
		}
	case TypeAnswer:
		if other == nil || other.Type() != TypeOffer {
			return &rtcerr.StateConflictError{Op: op, State: n.State()}
		}
	}
	return nil
}

func matchesOffer(offer, answer *Description) error {
	if offer.NumSections() != answer.NumSections() {
		return malformed("media", "answer has %d sections, offer has %d",
			answer.NumSections(), offer.NumSections())
	}
	for i := range offer.sections {
		if offer.sections[i].ID != answer.sections[i].ID {
			return malformed(fmt.Sprintf("media[%d].id", i), "answer id %q does not match offer id %q",
				answer.sections[i].ID, offer.sections[i].ID)
		}
		if offer.sections[i].Kind != answer.sections[i].Kind {
			return malformed(fmt.Sprintf("media[%d].kind", i), "answer kind %q does not match offer kind %q",
				answer.sections[i].Kind, offer.sections[i].Kind)
		}
	}
	return nil
}
