package description

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/peerlink/internal/rtcerr"
)

var (
	opus = Codec{PayloadType: 111, Name: "opus", ClockRate: 48000, Channels: 2, Fmtp: "minptime=10;useinbandfec=1"}
	pcmu = Codec{PayloadType: 0, Name: "PCMU", ClockRate: 8000}
	vp8  = Codec{PayloadType: 96, Name: "VP8", ClockRate: 90000}
	h264 = Codec{PayloadType: 102, Name: "H264", ClockRate: 90000, Fmtp: "packetization-mode=1"}
	fp   = Fingerprint{Algorithm: "sha-256", Value: "AB:CD:EF"}
)

func offerConfig(media ...MediaConfig) Config {
	return Config{
		Media:       media,
		ICEOptions:  []string{"trickle"},
		UFrag:       "offerufrag",
		Pwd:         "offerpassword0123456789",
		Fingerprint: fp,
		SessionID:   42,
	}
}

func answerConfig(media ...MediaConfig) Config {
	cfg := offerConfig(media...)
	cfg.UFrag = "answerufrag"
	cfg.Pwd = "answerpassword0123456789"
	cfg.SessionID = 43
	return cfg
}

func TestCreateOfferDefaultsIDs(t *testing.T) {
	offer, err := CreateOffer(offerConfig(
		MediaConfig{Kind: KindAudio, Direction: SendRecv, Codecs: []Codec{opus}},
		MediaConfig{ID: "data", Kind: KindApplication, Direction: SendRecv},
	))
	require.NoError(t, err)

	assert.Equal(t, TypeOffer, offer.Type())
	require.Equal(t, 2, offer.NumSections())
	assert.Equal(t, "0", offer.Section(0).ID)
	assert.Equal(t, "data", offer.Section(1).ID)
	assert.Equal(t, "actpass", offer.Section(0).Transport.Setup)

	ufrag, pwd := offer.ICECredentials()
	assert.Equal(t, "offerufrag", ufrag)
	assert.Equal(t, "offerpassword0123456789", pwd)
	assert.True(t, offer.HasICEOption("trickle"))
}

func TestDescriptionIsImmutable(t *testing.T) {
	codecs := []Codec{opus}
	offer, err := CreateOffer(offerConfig(MediaConfig{Kind: KindAudio, Direction: SendRecv, Codecs: codecs}))
	require.NoError(t, err)

	codecs[0].Name = "mutated"
	s := offer.Section(0)
	s.Codecs[0].Name = "mutated too"
	offer.Sections()[0].Codecs[0].Name = "and again"

	assert.Equal(t, "opus", offer.Section(0).Codecs[0].Name)
}

func TestMalformedDescriptions(t *testing.T) {
	good := MediaSection{
		ID: "0", Kind: KindAudio, Direction: SendRecv, Codecs: []Codec{opus},
		Transport: TransportParams{UFrag: "u", Pwd: "p"},
	}
	noCreds := good
	noCreds.Transport = TransportParams{}
	noCodecs := good
	noCodecs.Codecs = nil
	badKind := good
	badKind.Kind = "hologram"

	testCases := []struct {
		name     string
		fp       Fingerprint
		sections []MediaSection
		field    string
	}{
		{"no fingerprint", Fingerprint{}, []MediaSection{good}, "fingerprint"},
		{"no media", fp, nil, "media"},
		{"duplicate id", fp, []MediaSection{good, good}, "media[1].id"},
		{"no credentials", fp, []MediaSection{noCreds}, "media[0].transport"},
		{"audio without codecs", fp, []MediaSection{noCodecs}, "media[0].codecs"},
		{"unknown kind", fp, []MediaSection{badKind}, "media[0].kind"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(TypeOffer, 1, tc.sections, tc.fp, nil)
			var mde *rtcerr.MalformedDescriptionError
			require.ErrorAs(t, err, &mde)
			assert.Equal(t, tc.field, mde.Field)
		})
	}

	_, err := CreateOffer(offerConfig())
	var mde *rtcerr.MalformedDescriptionError
	assert.ErrorAs(t, err, &mde)
}

func TestCreateAnswerNegotiatesSections(t *testing.T) {
	offer, err := CreateOffer(offerConfig(
		MediaConfig{ID: "a", Kind: KindAudio, Direction: SendOnly, Codecs: []Codec{opus, pcmu}},
		MediaConfig{ID: "v", Kind: KindVideo, Direction: SendRecv, Codecs: []Codec{vp8}},
		MediaConfig{ID: "d", Kind: KindApplication, Direction: SendRecv},
	))
	require.NoError(t, err)

	// Local side lists PCMU first and uses a different payload type; the
	// answer still follows the offer's order and numbering.
	localPCMU := pcmu
	localPCMU.PayloadType = 8
	answer, err := CreateAnswer(offer, answerConfig(
		MediaConfig{Kind: KindAudio, Direction: SendRecv, Codecs: []Codec{localPCMU, opus}},
		MediaConfig{Kind: KindVideo, Direction: SendRecv, Codecs: []Codec{h264}},
		MediaConfig{Kind: KindApplication, Direction: SendRecv},
	))
	require.NoError(t, err)

	require.Equal(t, 3, answer.NumSections())

	audio := answer.Section(0)
	assert.Equal(t, "a", audio.ID)
	assert.Equal(t, RecvOnly, audio.Direction)
	assert.Equal(t, []Codec{opus, pcmu}, audio.Codecs)
	assert.Equal(t, "active", audio.Transport.Setup)

	video := answer.Section(1)
	assert.True(t, video.Rejected, "no common video codec")
	assert.Equal(t, Inactive, video.Direction)
	assert.Empty(t, video.Codecs)

	data := answer.Section(2)
	assert.False(t, data.Rejected)
	assert.Equal(t, SendRecv, data.Direction)
}

func TestCreateAnswerWithoutLocalKind(t *testing.T) {
	offer, err := CreateOffer(offerConfig(
		MediaConfig{Kind: KindVideo, Direction: SendRecv, Codecs: []Codec{vp8}},
		MediaConfig{Kind: KindApplication, Direction: SendRecv},
	))
	require.NoError(t, err)

	answer, err := CreateAnswer(offer, answerConfig(MediaConfig{Kind: KindApplication, Direction: RecvOnly}))
	require.NoError(t, err)
	require.Equal(t, 2, answer.NumSections())
	assert.True(t, answer.Section(0).Rejected)
	assert.Equal(t, RecvOnly, answer.Section(1).Direction)
}

func TestCreateAnswerRejectsAnswerInput(t *testing.T) {
	offer, err := CreateOffer(offerConfig(MediaConfig{Kind: KindApplication, Direction: SendRecv}))
	require.NoError(t, err)
	answer, err := CreateAnswer(offer, answerConfig(MediaConfig{Kind: KindApplication, Direction: SendRecv}))
	require.NoError(t, err)

	_, err = CreateAnswer(answer, answerConfig(MediaConfig{Kind: KindApplication, Direction: SendRecv}))
	var mde *rtcerr.MalformedDescriptionError
	assert.ErrorAs(t, err, &mde)
}

func TestDirectionReverse(t *testing.T) {
	assert.Equal(t, RecvOnly, SendOnly.Reverse())
	assert.Equal(t, SendOnly, RecvOnly.Reverse())
	assert.Equal(t, SendRecv, SendRecv.Reverse())
	assert.Equal(t, Inactive, Inactive.Reverse())
}

// Any answer to any offer keeps the offer's section count and order.
func TestAnswerPreservesSectionLayout(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	kinds := []Kind{KindAudio, KindVideo, KindApplication}
	dirs := []Direction{SendRecv, SendOnly, RecvOnly, Inactive}
	pool := []Codec{opus, pcmu, vp8, h264}

	randomMedia := func(n int) []MediaConfig {
		media := make([]MediaConfig, n)
		for i := range media {
			k := kinds[rng.Intn(len(kinds))]
			m := MediaConfig{ID: fmt.Sprintf("m%d", i), Kind: k, Direction: dirs[rng.Intn(len(dirs))]}
			if k != KindApplication {
				m.Codecs = append(m.Codecs, pool[rng.Intn(len(pool))])
				if rng.Intn(2) == 0 {
					m.Codecs = append(m.Codecs, pool[rng.Intn(len(pool))])
				}
			}
			media[i] = m
		}
		return media
	}

	for round := 0; round < 200; round++ {
		offer, err := CreateOffer(offerConfig(randomMedia(1 + rng.Intn(5))...))
		require.NoError(t, err)

		local := randomMedia(rng.Intn(4))
		for i := range local {
			local[i].ID = ""
		}
		answer, err := CreateAnswer(offer, answerConfig(local...))
		require.NoError(t, err)

		require.Equal(t, offer.NumSections(), answer.NumSections())
		for i := 0; i < offer.NumSections(); i++ {
			assert.Equal(t, offer.Section(i).ID, answer.Section(i).ID)
			assert.Equal(t, offer.Section(i).Kind, answer.Section(i).Kind)
		}

		var n Negotiation
		require.NoError(t, n.ApplyRemote(offer))
		require.NoError(t, n.ApplyLocal(answer))
	}
}

func TestNegotiationOrdering(t *testing.T) {
	offer, err := CreateOffer(offerConfig(MediaConfig{Kind: KindApplication, Direction: SendRecv}))
	require.NoError(t, err)
	answer, err := CreateAnswer(offer, answerConfig(MediaConfig{Kind: KindApplication, Direction: SendRecv}))
	require.NoError(t, err)

	t.Run("remote answer before local offer", func(t *testing.T) {
		var n Negotiation
		var sce *rtcerr.StateConflictError
		require.ErrorAs(t, n.ApplyRemote(answer), &sce)
		assert.Equal(t, "new", sce.State)
	})

	t.Run("local answer before remote offer", func(t *testing.T) {
		var n Negotiation
		var sce *rtcerr.StateConflictError
		require.ErrorAs(t, n.ApplyLocal(answer), &sce)
	})

	t.Run("second offer", func(t *testing.T) {
		var n Negotiation
		require.NoError(t, n.ApplyLocal(offer))
		var sce *rtcerr.StateConflictError
		require.ErrorAs(t, n.ApplyRemote(offer), &sce)
		assert.Equal(t, "have-local-offer", sce.State)
	})

	t.Run("offerer round", func(t *testing.T) {
		var n Negotiation
		require.NoError(t, n.ApplyLocal(offer))
		assert.Equal(t, "have-local-offer", n.State())
		require.NoError(t, n.ApplyRemote(answer))
		assert.Equal(t, "have-remote-answer", n.State())
		assert.True(t, n.Complete())

		var sce *rtcerr.StateConflictError
		assert.ErrorAs(t, n.ApplyRemote(answer), &sce)
	})

	t.Run("answerer round", func(t *testing.T) {
		var n Negotiation
		require.NoError(t, n.ApplyRemote(offer))
		assert.Equal(t, "have-remote-offer", n.State())
		require.NoError(t, n.ApplyLocal(answer))
		assert.Equal(t, "have-local-answer", n.State())
	})

	t.Run("answer with mismatched layout", func(t *testing.T) {
		other, err := CreateOffer(offerConfig(
			MediaConfig{Kind: KindApplication, Direction: SendRecv},
			MediaConfig{Kind: KindAudio, Direction: SendRecv, Codecs: []Codec{opus}},
		))
		require.NoError(t, err)
		bad, err := CreateAnswer(other, answerConfig(MediaConfig{Kind: KindApplication, Direction: SendRecv}))
		require.NoError(t, err)

		var n Negotiation
		require.NoError(t, n.ApplyLocal(offer))
		var mde *rtcerr.MalformedDescriptionError
		require.ErrorAs(t, n.ApplyRemote(bad), &mde)
		assert.Nil(t, n.Remote())
	})

	t.Run("nil", func(t *testing.T) {
		var n Negotiation
		err := n.ApplyLocal(nil)
		assert.True(t, errors.As(err, new(*rtcerr.MalformedDescriptionError)))
	})
}
