// Package util provides shared utility functions.
package util

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// ShortHash computes a 4-byte BLAKE3 digest over the given parts. Parts are
// length-prefixed so ("ab","c") and ("a","bc") hash differently. The hash is
// used solely for identification and does not need to be reversible.
func ShortHash(parts ...string) uint32 {
	h := blake3.New()
	var n [4]byte
	for _, p := range parts {
		binary.BigEndian.PutUint32(n[:], uint32(len(p)))
		h.Write(n[:])
		h.Write([]byte(p))
	}
	sum := h.Sum(nil)
	return binary.BigEndian.Uint32(sum[:4])
}

// ShortHashHex is ShortHash rendered as 8 lowercase hex digits.
func ShortHashHex(parts ...string) string {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], ShortHash(parts...))
	return hex.EncodeToString(b[:])
}
