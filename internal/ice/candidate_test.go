package ice

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCandidateMarshalParse(t *testing.T) {
	testCases := []struct {
		name string
		cand Candidate
		line string
	}{
		{
			name: "host",
			cand: hostCandidate("192.168.1.10:50000", 65535),
		},
		{
			name: "srflx",
			cand: srflxCandidate("203.0.113.7:61000", "192.168.1.10:50000", 65535),
		},
		{
			name: "relay",
			cand: relayCandidate("198.51.100.3:49152", "192.168.1.10:50001", 65534),
		},
		{
			name: "ipv6 host",
			cand: hostCandidate("[2001:db8::10]:50000", 65533),
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			line := tc.cand.Marshal()
			assert.Contains(t, line, "typ "+string(tc.cand.Type))

			got, err := ParseCandidate(line)
			require.NoError(t, err)
			assert.Equal(t, tc.cand, got)

			// Attribute form and bare form parse the same.
			got, err = ParseCandidate("a=" + line)
			require.NoError(t, err)
			assert.Equal(t, tc.cand, got)
		})
	}
}

func TestParseCandidateErrors(t *testing.T) {
	for _, line := range []string{
		"",
		"candidate:",
		"candidate:1 1 udp notanumber 10.0.0.1 5000 typ host",
		"candidate:1 1 udp 2130706431 10.0.0.1 5000 typ",
	} {
		_, err := ParseCandidate(line)
		assert.Error(t, err, line)
	}
}

func TestCandidateFoundation(t *testing.T) {
	a := hostCandidate("10.0.0.1:5000", 65535)
	b := hostCandidate("10.0.0.1:5001", 65535)
	c := hostCandidate("10.0.0.2:5000", 65535)

	assert.Equal(t, a.Foundation, b.Foundation, "same type, base IP and protocol")
	assert.NotEqual(t, a.Foundation, c.Foundation)
	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))

	s1 := NewCandidate(TypeSrflx, udpAddr("203.0.113.1:1"), udpAddr("10.0.0.1:5000"), 1, 65535, "stun:a")
	s2 := NewCandidate(TypeSrflx, udpAddr("203.0.113.1:1"), udpAddr("10.0.0.1:5000"), 1, 65535, "stun:b")
	assert.NotEqual(t, s1.Foundation, s2.Foundation, "different servers")
	assert.Equal(t, "10.0.0.1", s1.RelatedAddress)
	assert.Equal(t, 5000, s1.RelatedPort)
}

func TestCandidateLocalPreference(t *testing.T) {
	c := hostCandidate("10.0.0.1:5000", 65000)
	assert.Equal(t, uint16(65000), c.LocalPreference())
	assert.Equal(t, CandidatePriority(PrefHost, 65000, 1), c.Priority)
}

func TestPeerReflexive(t *testing.T) {
	from := udpAddr("203.0.113.9:4444")
	c := NewPeerReflexive(from, 12345, ComponentRTP)
	assert.Equal(t, TypePrflx, c.Type)
	assert.Equal(t, uint32(12345), c.Priority)
	assert.Equal(t, from.String(), c.Addr().String())
}
