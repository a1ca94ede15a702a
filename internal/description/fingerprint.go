package description

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// GenerateFingerprint creates a throwaway ECDSA certificate and returns its
// sha-256 fingerprint.
func GenerateFingerprint() (Fingerprint, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return Fingerprint{}, fmt.Errorf("generate key: %w", err)
	}
	cert, err := webrtc.GenerateCertificate(key)
	if err != nil {
		return Fingerprint{}, fmt.Errorf("generate certificate: %w", err)
	}
	fps, err := cert.GetFingerprints()
	if err != nil {
		return Fingerprint{}, fmt.Errorf("certificate fingerprint: %w", err)
	}
	for _, fp := range fps {
		if fp.Algorithm == "sha-256" {
			return Fingerprint{Algorithm: fp.Algorithm, Value: fp.Value}, nil
		}
	}
	return Fingerprint{}, fmt.Errorf("certificate has no sha-256 fingerprint")
}
