package description

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"
)

const (
	rtpProfile      = "UDP/TLS/RTP/SAVPF"
	sctpProfile     = "UDP/DTLS/SCTP"
	sctpFormat      = "webrtc-datachannel"
	discardPort     = 9
	rejectedPayload = "0"
)

// Marshal renders the description as SDP text.
func (d *Description) Marshal() ([]byte, error) {
	sd := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      d.sessionID,
			SessionVersion: 2,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: "127.0.0.1",
		},
		SessionName: "-",
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
	}

	var bundle []string
	for _, s := range d.sections {
		if !s.Rejected {
			bundle = append(bundle, s.ID)
		}
	}
	if len(bundle) > 0 {
		sd.WithValueAttribute("group", "BUNDLE "+strings.Join(bundle, " "))
	}
	if len(d.iceOptions) > 0 {
		sd.WithValueAttribute("ice-options", strings.Join(d.iceOptions, " "))
	}
	sd.WithValueAttribute("fingerprint", d.fingerprint.String())

	for _, s := range d.sections {
		sd.MediaDescriptions = append(sd.MediaDescriptions, marshalSection(s))
	}

	raw, err := sd.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal sdp: %w", err)
	}
	return raw, nil
}

func marshalSection(s MediaSection) *sdp.MediaDescription {
	md := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media: string(s.Kind),
			Port:  sdp.RangedPort{Value: discardPort},
		},
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: "0.0.0.0"},
		},
	}

	if s.Kind == KindApplication {
		md.MediaName.Protos = strings.Split(sctpProfile, "/")
		md.MediaName.Formats = []string{sctpFormat}
	} else {
		md.MediaName.Protos = strings.Split(rtpProfile, "/")
	}

	if s.Rejected {
		md.MediaName.Port.Value = 0
		if s.Kind != KindApplication {
			md.MediaName.Formats = []string{rejectedPayload}
		}
	}

	md.WithValueAttribute("mid", s.ID)
	md.WithPropertyAttribute(string(s.Direction))
	if s.Transport.UFrag != "" {
		md.WithICECredentials(s.Transport.UFrag, s.Transport.Pwd)
	}
	if s.Transport.Setup != "" {
		md.WithValueAttribute("setup", s.Transport.Setup)
	}
	if s.Kind != KindApplication && !s.Rejected {
		md.WithPropertyAttribute("rtcp-mux")
		for _, c := range s.Codecs {
			md.WithCodec(c.PayloadType, c.Name, c.ClockRate, c.Channels, c.Fmtp)
		}
	}
	return md
}

// Unmarshal parses SDP text into a Description of the given type. The
// result is validated like any other Description.
func Unmarshal(typ Type, raw []byte) (*Description, error) {
	var sd sdp.SessionDescription
	if err := sd.Unmarshal(raw); err != nil {
		return nil, malformed("sdp", "%v", err)
	}

	fp, err := parseFingerprint(&sd)
	if err != nil {
		return nil, err
	}

	var iceOptions []string
	if v, ok := sd.Attribute("ice-options"); ok {
		iceOptions = strings.Fields(v)
	}
	sessUFrag, _ := sd.Attribute("ice-ufrag")
	sessPwd, _ := sd.Attribute("ice-pwd")

	sections := make([]MediaSection, 0, len(sd.MediaDescriptions))
	for i, md := range sd.MediaDescriptions {
		s, err := unmarshalSection(i, md, sessUFrag, sessPwd)
		if err != nil {
			return nil, err
		}
		sections = append(sections, s)
	}

	return New(typ, sd.Origin.SessionID, sections, fp, iceOptions)
}

func parseFingerprint(sd *sdp.SessionDescription) (Fingerprint, error) {
	v, ok := sd.Attribute("fingerprint")
	if !ok {
		for _, md := range sd.MediaDescriptions {
			if v, ok = md.Attribute("fingerprint"); ok {
				break
			}
		}
	}
	if !ok {
		return Fingerprint{}, malformed("fingerprint", "missing")
	}
	alg, value, found := strings.Cut(strings.TrimSpace(v), " ")
	if !found || value == "" {
		return Fingerprint{}, malformed("fingerprint", "expected \"<algorithm> <value>\", got %q", v)
	}
	return Fingerprint{Algorithm: strings.ToLower(alg), Value: strings.TrimSpace(value)}, nil
}

func unmarshalSection(i int, md *sdp.MediaDescription, sessUFrag, sessPwd string) (MediaSection, error) {
	s := MediaSection{
		Kind:      Kind(md.MediaName.Media),
		Direction: SendRecv,
		Rejected:  md.MediaName.Port.Value == 0,
	}

	s.ID, _ = md.Attribute("mid")
	if s.ID == "" {
		s.ID = strconv.Itoa(i)
	}
	for _, dir := range []Direction{SendRecv, SendOnly, RecvOnly, Inactive} {
		if _, ok := md.Attribute(string(dir)); ok {
			s.Direction = dir
			break
		}
	}
	if s.Rejected {
		s.Direction = Inactive
	}

	s.Transport.UFrag = sessUFrag
	s.Transport.Pwd = sessPwd
	if v, ok := md.Attribute("ice-ufrag"); ok {
		s.Transport.UFrag = v
	}
	if v, ok := md.Attribute("ice-pwd"); ok {
		s.Transport.Pwd = v
	}
	s.Transport.Setup, _ = md.Attribute("setup")

	if s.Kind == KindApplication || s.Rejected {
		return s, nil
	}

	// GetCodecForPayloadType searches every media section, so scope it to
	// this one; payload types are only unique per section.
	scoped := &sdp.SessionDescription{MediaDescriptions: []*sdp.MediaDescription{md}}
	for _, f := range md.MediaName.Formats {
		pt, err := strconv.ParseUint(f, 10, 8)
		if err != nil {
			return MediaSection{}, malformed(fmt.Sprintf("media[%d].formats", i), "invalid payload type %q", f)
		}
		c, err := scoped.GetCodecForPayloadType(uint8(pt))
		if err != nil {
			return MediaSection{}, malformed(fmt.Sprintf("media[%d].rtpmap", i), "payload type %d: %v", pt, err)
		}
		codec := Codec{
			PayloadType: uint8(pt),
			Name:        c.Name,
			ClockRate:   c.ClockRate,
			Fmtp:        c.Fmtp,
		}
		if c.EncodingParameters != "" {
			ch, err := strconv.ParseUint(c.EncodingParameters, 10, 16)
			if err != nil {
				return MediaSection{}, malformed(fmt.Sprintf("media[%d].rtpmap", i), "invalid channel count %q", c.EncodingParameters)
			}
			codec.Channels = uint16(ch)
		}
		s.Codecs = append(s.Codecs, codec)
	}
	return s, nil
}
