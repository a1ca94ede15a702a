// Package description models local and remote session descriptions.
//
// A Description is immutable once constructed: every constructor validates
// its input and every accessor returns a copy. Offer/answer generation lives
// in offer.go, the per-round ordering rules in negotiation.go and the SDP
// text form in sdp.go.
package description

import (
	"fmt"
	"slices"
	"strings"

	"github.com/1ureka/peerlink/internal/rtcerr"
)

// Type is the role of a description in one offer/answer round.
type Type string

const (
	TypeOffer  Type = "offer"
	TypeAnswer Type = "answer"
)

// Direction of a media section from the point of view of its author.
type Direction string

const (
	SendRecv Direction = "sendrecv"
	SendOnly Direction = "sendonly"
	RecvOnly Direction = "recvonly"
	Inactive Direction = "inactive"
)

func (d Direction) valid() bool {
	switch d {
	case SendRecv, SendOnly, RecvOnly, Inactive:
		return true
	}
	return false
}

func (d Direction) sends() bool    { return d == SendRecv || d == SendOnly }
func (d Direction) receives() bool { return d == SendRecv || d == RecvOnly }

func directionOf(send, recv bool) Direction {
	switch {
	case send && recv:
		return SendRecv
	case send:
		return SendOnly
	case recv:
		return RecvOnly
	default:
		return Inactive
	}
}

// Reverse returns the direction as seen by the other peer.
func (d Direction) Reverse() Direction {
	return directionOf(d.receives(), d.sends())
}

// Kind is the media type of a section.
type Kind string

const (
	KindAudio       Kind = "audio"
	KindVideo       Kind = "video"
	KindApplication Kind = "application"
)

func (k Kind) valid() bool {
	return k == KindAudio || k == KindVideo || k == KindApplication
}

// Codec is one entry of a section's ordered codec preferences.
type Codec struct {
	PayloadType uint8
	Name        string
	ClockRate   uint32
	Channels    uint16
	Fmtp        string
}

// Matches reports whether two codecs describe the same encoding. Payload
// types and format parameters are not compared; a missing channel count
// means one channel.
func (c Codec) Matches(o Codec) bool {
	return strings.EqualFold(c.Name, o.Name) &&
		c.ClockRate == o.ClockRate &&
		max(c.Channels, 1) == max(o.Channels, 1)
}

func (c Codec) String() string {
	if c.Channels > 1 {
		return fmt.Sprintf("%d %s/%d/%d", c.PayloadType, c.Name, c.ClockRate, c.Channels)
	}
	return fmt.Sprintf("%d %s/%d", c.PayloadType, c.Name, c.ClockRate)
}

// TransportParams carries the ICE credentials and DTLS role of a section.
type TransportParams struct {
	UFrag string
	Pwd   string
	Setup string // actpass, active or passive
}

// MediaSection is one m= section.
type MediaSection struct {
	ID        string
	Kind      Kind
	Direction Direction
	Codecs    []Codec
	Transport TransportParams

	// Rejected marks an answer section the local side cannot accept. The
	// section is kept so the answer mirrors the offer's layout.
	Rejected bool
}

func (m MediaSection) clone() MediaSection {
	m.Codecs = slices.Clone(m.Codecs)
	return m
}

// Fingerprint is the DTLS certificate fingerprint advertised in a description.
type Fingerprint struct {
	Algorithm string
	Value     string
}

func (f Fingerprint) String() string {
	return f.Algorithm + " " + f.Value
}

// Description is an immutable offer or answer.
type Description struct {
	typ         Type
	sessionID   uint64
	sections    []MediaSection
	fingerprint Fingerprint
	iceOptions  []string
}

// New validates the given fields and returns a Description that owns copies
// of them.
func New(typ Type, sessionID uint64, sections []MediaSection, fp Fingerprint, iceOptions []string) (*Description, error) {
	d := &Description{
		typ:         typ,
		sessionID:   sessionID,
		sections:    make([]MediaSection, len(sections)),
		fingerprint: fp,
		iceOptions:  slices.Clone(iceOptions),
	}
	for i, s := range sections {
		d.sections[i] = s.clone()
	}
	if err := d.validate(); err != nil {
		return nil, err
	}
	return d, nil
}

func malformed(field, format string, args ...any) error {
	return &rtcerr.MalformedDescriptionError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

func (d *Description) validate() error {
	if d.typ != TypeOffer && d.typ != TypeAnswer {
		return malformed("type", "unknown type %q", d.typ)
	}
	if d.fingerprint.Algorithm == "" || d.fingerprint.Value == "" {
		return malformed("fingerprint", "missing")
	}
	if len(d.sections) == 0 {
		return malformed("media", "at least one media section is required")
	}

	seen := make(map[string]struct{}, len(d.sections))
	for i, s := range d.sections {
		field := fmt.Sprintf("media[%d]", i)
		if s.ID == "" {
			return malformed(field+".id", "missing")
		}
		if _, dup := seen[s.ID]; dup {
			return malformed(field+".id", "duplicate id %q", s.ID)
		}
		seen[s.ID] = struct{}{}

		if !s.Kind.valid() {
			return malformed(field+".kind", "unknown kind %q", s.Kind)
		}
		if !s.Direction.valid() {
			return malformed(field+".direction", "unknown direction %q", s.Direction)
		}
		if s.Rejected {
			continue
		}
		if s.Transport.UFrag == "" || s.Transport.Pwd == "" {
			return malformed(field+".transport", "ICE credentials missing")
		}
		if s.Kind != KindApplication && len(s.Codecs) == 0 {
			return malformed(field+".codecs", "%s section without codecs", s.Kind)
		}
		for j, c := range s.Codecs {
			if c.Name == "" || c.ClockRate == 0 {
				return malformed(fmt.Sprintf("%s.codecs[%d]", field, j), "name and clock rate are required")
			}
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

func (d *Description) Type() Type               { return d.typ }
func (d *Description) SessionID() uint64        { return d.sessionID }
func (d *Description) Fingerprint() Fingerprint { return d.fingerprint }
func (d *Description) NumSections() int         { return len(d.sections) }
func (d *Description) ICEOptions() []string     { return slices.Clone(d.iceOptions) }

// Section returns a copy of the i-th media section.
func (d *Description) Section(i int) MediaSection {
	return d.sections[i].clone()
}

// Sections returns a copy of all media sections in order.
func (d *Description) Sections() []MediaSection {
	out := make([]MediaSection, len(d.sections))
	for i, s := range d.sections {
		out[i] = s.clone()
	}
	return out
}

// ICECredentials returns the ufrag and pwd of the first accepted section.
// All sections share one transport.
func (d *Description) ICECredentials() (ufrag, pwd string) {
	for _, s := range d.sections {
		if !s.Rejected {
			return s.Transport.UFrag, s.Transport.Pwd
		}
	}
	return "", ""
}

// HasICEOption reports whether opt (e.g. "trickle") was advertised.
func (d *Description) HasICEOption(opt string) bool {
	return slices.Contains(d.iceOptions, opt)
}

func (d *Description) String() string {
	ids := make([]string, len(d.sections))
	for i, s := range d.sections {
		ids[i] = s.ID + ":" + string(s.Kind)
	}
	return fmt.Sprintf("%s[%016x %s]", d.typ, d.sessionID, strings.Join(ids, ","))
}
