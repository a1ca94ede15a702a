package signaling

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/peerlink/internal/description"
	"github.com/1ureka/peerlink/internal/ice"
	"github.com/1ureka/peerlink/internal/metrics"
	"github.com/1ureka/peerlink/internal/rtcerr"
)

// Inbound is a decoded signaling message. Exactly one of Description,
// Candidate or EndOfCandidates is meaningful, as told by Type.
type Inbound struct {
	Type            MessageType
	Description     *description.Description
	Candidate       ice.Candidate
	EndOfCandidates bool
}

// Adapter converts descriptions and candidates to and from the bytes
// carried by a Channel.
type Adapter struct {
	codec Codec
}

// NewAdapter returns an Adapter using codec for the envelope.
func NewAdapter(codec Codec) *Adapter {
	return &Adapter{codec: codec}
}

// Codec returns the envelope codec in use.
func (a *Adapter) Codec() Codec { return a.codec }

// EncodeDescription encodes an offer or answer.
func (a *Adapter) EncodeDescription(d *description.Description) ([]byte, error) {
	raw, err := d.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", d.Type(), err)
	}
	typ := MsgOffer
	if d.Type() == description.TypeAnswer {
		typ = MsgAnswer
	}
	return a.codec.Marshal(Message{Type: typ, SDP: string(raw)})
}

// EncodeCandidate encodes one trickled local candidate.
func (a *Adapter) EncodeCandidate(c ice.Candidate) ([]byte, error) {
	var idx uint16
	ci := webrtc.ICECandidateInit{
		Candidate:     c.Marshal(),
		SDPMLineIndex: &idx,
	}
	data, err := json.Marshal(ci)
	if err != nil {
		return nil, fmt.Errorf("marshal candidate: %w", err)
	}
	return a.codec.Marshal(Message{Type: MsgCandidate, Candidate: string(data)})
}

// EncodeEndOfCandidates encodes the end of the local trickle.
func (a *Adapter) EncodeEndOfCandidates() ([]byte, error) {
	return a.codec.Marshal(Message{Type: MsgEndOfCandidates})
}

// Decode parses one inbound message. Any malformed input yields a
// *rtcerr.ProtocolDecodeError.
func (a *Adapter) Decode(data []byte) (Inbound, error) {
	in, err := a.decode(data)
	if err != nil {
		metrics.SignalingDecodeErrorsTotal.Inc()
		return Inbound{}, err
	}
	return in, nil
}

func (a *Adapter) decode(data []byte) (Inbound, error) {
	var msg Message
	if err := a.codec.Unmarshal(data, &msg); err != nil {
		return Inbound{}, &rtcerr.ProtocolDecodeError{Reason: a.codec.Name() + " envelope", Err: err}
	}

	switch msg.Type {
	case MsgOffer, MsgAnswer:
		if msg.SDP == "" {
			return Inbound{}, &rtcerr.ProtocolDecodeError{Reason: string(msg.Type) + " without sdp"}
		}
		typ := description.TypeOffer
		if msg.Type == MsgAnswer {
			typ = description.TypeAnswer
		}
		d, err := description.Unmarshal(typ, []byte(msg.SDP))
		if err != nil {
			return Inbound{}, &rtcerr.ProtocolDecodeError{Reason: string(msg.Type), Err: err}
		}
		return Inbound{Type: msg.Type, Description: d}, nil

	case MsgCandidate:
		var ci webrtc.ICECandidateInit
		if err := json.Unmarshal([]byte(msg.Candidate), &ci); err != nil {
			return Inbound{}, &rtcerr.ProtocolDecodeError{Reason: "candidate init", Err: err}
		}
		// An empty candidate line is the browser form of end-of-candidates.
		if ci.Candidate == "" {
			return Inbound{Type: MsgEndOfCandidates, EndOfCandidates: true}, nil
		}
		c, err := ice.ParseCandidate(ci.Candidate)
		if err != nil {
			return Inbound{}, &rtcerr.ProtocolDecodeError{Reason: "candidate line", Err: err}
		}
		return Inbound{Type: MsgCandidate, Candidate: c}, nil

	case MsgEndOfCandidates:
		return Inbound{Type: MsgEndOfCandidates, EndOfCandidates: true}, nil

	default:
		return Inbound{}, &rtcerr.ProtocolDecodeError{Reason: fmt.Sprintf("unknown message type %q", msg.Type)}
	}
}
