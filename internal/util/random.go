package util

import (
	"fmt"

	"github.com/pion/randutil"
)

const (
	runesAlpha = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
	runesICE   = runesAlpha + "0123456789+/"
	runesDigit = "0123456789"
)

// ICE credential lengths. RFC 8445 requires at least 24 bits of randomness
// in the ufrag and 128 bits in the password.
const (
	ufragLength = 16
	pwdLength   = 32
)

// GenerateICECredentials returns a fresh ufrag/pwd pair.
func GenerateICECredentials() (ufrag, pwd string, err error) {
	ufrag, err = randutil.GenerateCryptoRandomString(ufragLength, runesICE)
	if err != nil {
		return "", "", fmt.Errorf("generate ufrag: %w", err)
	}
	pwd, err = randutil.GenerateCryptoRandomString(pwdLength, runesICE)
	if err != nil {
		return "", "", fmt.Errorf("generate pwd: %w", err)
	}
	return ufrag, pwd, nil
}

// GeneratePIN returns a random numeric PIN of the specified length.
func GeneratePIN(length int) string {
	pin, err := randutil.GenerateCryptoRandomString(length, runesDigit)
	if err != nil {
		// crypto/rand failing is not recoverable in any meaningful way.
		panic(err)
	}
	return pin
}

// RandomUint64 returns a cryptographically random 64-bit value, used for ICE
// tie-breakers and SDP session IDs.
func RandomUint64() uint64 {
	v, err := randutil.CryptoUint64()
	if err != nil {
		panic(err)
	}
	return v
}
