package session

import "slices"

// State is the lifecycle state of a Session.
type State string

const (
	StateNew              State = "new"
	StateHaveLocalOffer   State = "have-local-offer"
	StateHaveRemoteOffer  State = "have-remote-offer"
	StateHaveLocalAnswer  State = "have-local-answer"
	StateHaveRemoteAnswer State = "have-remote-answer"
	StateConnecting       State = "connecting"
	StateConnected        State = "connected"
	StateFailed           State = "failed"
	StateClosed           State = "closed"
)

// transitions lists the states reachable from each state. Every non-terminal
// state can also fail or close.
var transitions = map[State][]State{
	StateNew:              {StateHaveLocalOffer, StateHaveRemoteOffer},
	StateHaveLocalOffer:   {StateHaveRemoteAnswer},
	StateHaveRemoteOffer:  {StateHaveLocalAnswer},
	StateHaveLocalAnswer:  {StateConnecting},
	StateHaveRemoteAnswer: {StateConnecting},
	StateConnecting:       {StateConnected},
	StateConnected:        {StateConnecting},
	StateFailed:           {StateClosed},
	StateClosed:           nil,
}

// CanTransition reports whether to is reachable from s in one step.
func (s State) CanTransition(to State) bool {
	if s.Terminal() {
		return s == StateFailed && to == StateClosed
	}
	if to == StateFailed || to == StateClosed {
		return true
	}
	return slices.Contains(transitions[s], to)
}

// Terminal reports whether the session has released its resources.
func (s State) Terminal() bool {
	return s == StateFailed || s == StateClosed
}

// negotiated reports whether the offer/answer round is complete.
func (s State) negotiated() bool {
	switch s {
	case StateHaveLocalAnswer, StateHaveRemoteAnswer, StateConnecting, StateConnected:
		return true
	}
	return false
}
