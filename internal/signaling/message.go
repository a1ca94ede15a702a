package signaling

// MessageType identifies the payload carried by a signaling Message.
type MessageType string

const (
	MsgOffer           MessageType = "offer"
	MsgAnswer          MessageType = "answer"
	MsgCandidate       MessageType = "candidate"
	MsgEndOfCandidates MessageType = "end-of-candidates"
)

// Message is the envelope exchanged over a signaling Channel.
// SDP is set for offer/answer; Candidate holds a JSON-encoded
// webrtc.ICECandidateInit for candidate messages.
type Message struct {
	Type      MessageType `json:"type" cbor:"1,keyasint"`
	SDP       string      `json:"sdp,omitempty" cbor:"2,keyasint,omitempty"`
	Candidate string      `json:"candidate,omitempty" cbor:"3,keyasint,omitempty"`
}
