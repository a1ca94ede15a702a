// Package ice implements candidate gathering, pairing and connectivity checks.
//
// Candidates are plain values. Sockets are wrapped in a Base, which runs the
// read loop that separates STUN traffic (responses to our requests, incoming
// checks) from application packets.
package ice

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	pionice "github.com/pion/ice/v4"

	"github.com/1ureka/peerlink/internal/util"
)

// CandidateType ranks how a candidate address was obtained.
type CandidateType string

const (
	TypeHost  CandidateType = "host"
	TypeSrflx CandidateType = "srflx"
	TypePrflx CandidateType = "prflx"
	TypeRelay CandidateType = "relay"
)

// Type preferences, highest wins.
const (
	PrefHost  uint32 = 126
	PrefPrflx uint32 = 110
	PrefSrflx uint32 = 100
	PrefRelay uint32 = 0
)

// Preference returns the type preference used in the priority formula.
func (t CandidateType) Preference() uint32 {
	switch t {
	case TypeHost:
		return PrefHost
	case TypePrflx:
		return PrefPrflx
	case TypeSrflx:
		return PrefSrflx
	default:
		return PrefRelay
	}
}

func (t CandidateType) valid() bool {
	return t == TypeHost || t == TypeSrflx || t == TypePrflx || t == TypeRelay
}

// Candidate is one transport address a peer can be reached on. It is a value
// type; two candidates are the same for pairing when Foundation and
// Component are equal.
type Candidate struct {
	Foundation     string
	Component      uint16
	Protocol       string
	Priority       uint32
	Address        string
	Port           int
	Type           CandidateType
	RelatedAddress string
	RelatedPort    int
}

// ComponentRTP is the only component used: one flow per session.
const ComponentRTP uint16 = 1

// NewCandidate computes the foundation and priority for a local candidate.
// The foundation is shared by candidates of the same type, base address,
// server and protocol.
func NewCandidate(typ CandidateType, addr, base *net.UDPAddr, component, localPref uint16, server string) Candidate {
	c := Candidate{
		Foundation: foundation(typ, base.IP.String(), server, "udp"),
		Component:  component,
		Protocol:   "udp",
		Priority:   CandidatePriority(typ.Preference(), localPref, component),
		Address:    addr.IP.String(),
		Port:       addr.Port,
		Type:       typ,
	}
	if typ != TypeHost {
		c.RelatedAddress = base.IP.String()
		c.RelatedPort = base.Port
	}
	return c
}

// NewPeerReflexive builds the remote candidate learned from an incoming
// check whose source address was not signaled.
func NewPeerReflexive(from *net.UDPAddr, priority uint32, component uint16) Candidate {
	return Candidate{
		Foundation: foundation(TypePrflx, from.String(), "", "udp"),
		Component:  component,
		Protocol:   "udp",
		Priority:   priority,
		Address:    from.IP.String(),
		Port:       from.Port,
		Type:       TypePrflx,
	}
}

func foundation(typ CandidateType, baseIP, server, proto string) string {
	return util.ShortHashHex(string(typ), baseIP, server, proto)
}

// Equal reports whether two candidates are the same for pairing purposes.
func (c Candidate) Equal(o Candidate) bool {
	return c.Foundation == o.Foundation && c.Component == o.Component
}

// Key identifies the candidate within a checklist.
func (c Candidate) Key() string {
	return c.Foundation + "/" + strconv.Itoa(int(c.Component))
}

// TransportKey identifies the transport address; duplicate candidates share it.
func (c Candidate) TransportKey() string {
	return strings.ToLower(c.Protocol) + "://" + net.JoinHostPort(c.Address, strconv.Itoa(c.Port))
}

// LocalPreference recovers the local preference from the priority.
func (c Candidate) LocalPreference() uint16 {
	return uint16(c.Priority >> 8)
}

// Addr returns the candidate address as a UDP address, or nil when the
// address is a hostname.
func (c Candidate) Addr() *net.UDPAddr {
	ip := net.ParseIP(c.Address)
	if ip == nil {
		return nil
	}
	return &net.UDPAddr{IP: ip, Port: c.Port}
}

func (c Candidate) String() string {
	return fmt.Sprintf("%s %s", c.Type, net.JoinHostPort(c.Address, strconv.Itoa(c.Port)))
}

// Marshal renders the candidate attribute line, "candidate:..." included.
func (c Candidate) Marshal() string {
	var b strings.Builder
	fmt.Fprintf(&b, "candidate:%s %d %s %d %s %d typ %s",
		c.Foundation, c.Component, c.Protocol, c.Priority, c.Address, c.Port, c.Type)
	if c.RelatedAddress != "" {
		fmt.Fprintf(&b, " raddr %s rport %d", c.RelatedAddress, c.RelatedPort)
	}
	return b.String()
}

// ParseCandidate parses a candidate attribute line, with or without the
// "candidate:" prefix.
func ParseCandidate(line string) (Candidate, error) {
	line = strings.TrimPrefix(strings.TrimSpace(line), "a=")
	pc, err := pionice.UnmarshalCandidate(strings.TrimPrefix(line, "candidate:"))
	if err != nil {
		return Candidate{}, fmt.Errorf("parse candidate %q: %w", line, err)
	}

	c := Candidate{
		Foundation: pc.Foundation(),
		Component:  pc.Component(),
		Protocol:   pc.NetworkType().NetworkShort(),
		Priority:   pc.Priority(),
		Address:    pc.Address(),
		Port:       pc.Port(),
		Type:       CandidateType(pc.Type().String()),
	}
	if ra := pc.RelatedAddress(); ra != nil {
		c.RelatedAddress = ra.Address
		c.RelatedPort = ra.Port
	}
	if !c.Type.valid() {
		return Candidate{}, fmt.Errorf("parse candidate %q: unknown type %q", line, c.Type)
	}
	return c, nil
}
