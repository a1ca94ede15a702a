package description

import (
	"strconv"

	"github.com/1ureka/peerlink/internal/config"
	"github.com/1ureka/peerlink/internal/util"
)

// Config is what the local side brings to an offer/answer round.
type Config struct {
	Media       []MediaConfig
	ICEOptions  []string
	UFrag       string
	Pwd         string
	Fingerprint Fingerprint

	// SessionID is carried in the SDP origin line. Zero picks a random one.
	SessionID uint64
}

// MediaConfig is one section the local side offers, or is willing to accept
// when answering.
type MediaConfig struct {
	ID        string
	Kind      Kind
	Direction Direction
	Codecs    []Codec
}

// MediaFromConfig converts the YAML media list.
func MediaFromConfig(media []config.MediaConfig) []MediaConfig {
	out := make([]MediaConfig, len(media))
	for i, m := range media {
		mc := MediaConfig{
			ID:        m.ID,
			Kind:      Kind(m.Kind),
			Direction: Direction(m.Direction),
		}
		for _, c := range m.Codecs {
			mc.Codecs = append(mc.Codecs, Codec{
				PayloadType: c.PayloadType,
				Name:        c.Name,
				ClockRate:   c.ClockRate,
				Channels:    c.Channels,
				Fmtp:        c.Fmtp,
			})
		}
		out[i] = mc
	}
	return out
}

func (c Config) sessionID() uint64 {
	if c.SessionID != 0 {
		return c.SessionID
	}
	// SDP origin session IDs must fit in a signed 63-bit integer.
	return util.RandomUint64() >> 1
}

// CreateOffer builds an offer with one section per configured media entry,
// in configuration order.
func CreateOffer(cfg Config) (*Description, error) {
	if len(cfg.Media) == 0 {
		return nil, malformed("media", "at least one media section is required")
	}

	sections := make([]MediaSection, len(cfg.Media))
	for i, m := range cfg.Media {
		id := m.ID
		if id == "" {
			id = strconv.Itoa(i)
		}
		sections[i] = MediaSection{
			ID:        id,
			Kind:      m.Kind,
			Direction: m.Direction,
			Codecs:    m.Codecs,
			Transport: TransportParams{UFrag: cfg.UFrag, Pwd: cfg.Pwd, Setup: "actpass"},
		}
	}
	return New(TypeOffer, cfg.sessionID(), sections, cfg.Fingerprint, cfg.ICEOptions)
}

// CreateAnswer answers every section of offer, keeping its order and IDs.
//
// Each offered section is matched against the first unused local media entry
// of the same kind. The answered direction is the offered one reversed and
// limited to what the local entry allows; codecs are the offered ones (in
// offer order, with the offer's payload types) that match a local codec.
// Sections without a local entry, or audio/video sections without a common
// codec, are answered as rejected.
func CreateAnswer(offer *Description, cfg Config) (*Description, error) {
	if offer == nil {
		return nil, malformed("offer", "missing")
	}
	if offer.Type() != TypeOffer {
		return nil, malformed("type", "cannot answer a description of type %q", offer.Type())
	}

	used := make([]bool, len(cfg.Media))
	pick := func(kind Kind) (MediaConfig, bool) {
		for i, m := range cfg.Media {
			if !used[i] && m.Kind == kind {
				used[i] = true
				return m, true
			}
		}
		return MediaConfig{}, false
	}

	transport := TransportParams{UFrag: cfg.UFrag, Pwd: cfg.Pwd, Setup: "active"}
	sections := make([]MediaSection, 0, offer.NumSections())

	for _, off := range offer.sections {
		ans := MediaSection{
			ID:        off.ID,
			Kind:      off.Kind,
			Direction: Inactive,
			Transport: transport,
			Rejected:  true,
		}

		local, ok := pick(off.Kind)
		if ok && !off.Rejected {
			codecs := commonCodecs(off.Codecs, local.Codecs)
			if off.Kind == KindApplication || len(codecs) > 0 {
				ans.Codecs = codecs
				ans.Rejected = false
				remote := off.Direction.Reverse()
				ans.Direction = directionOf(
					remote.sends() && local.Direction.sends(),
					remote.receives() && local.Direction.receives(),
				)
			}
		}
		sections = append(sections, ans)
	}

	return New(TypeAnswer, cfg.sessionID(), sections, cfg.Fingerprint, cfg.ICEOptions)
}

func commonCodecs(offered, local []Codec) []Codec {
	var out []Codec
	for _, o := range offered {
		for _, l := range local {
			if o.Matches(l) {
				out = append(out, o)
				break
			}
		}
	}
	return out
}
