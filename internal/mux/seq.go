package mux

import "sync/atomic"

// SeqGen is a per-channel atomic sequence number generator.
// Senders on any goroutine share it, so all operations are atomic.
type SeqGen struct {
	val atomic.Uint32
}

// Next returns the next sequence number (monotonically increasing from 1).
func (s *SeqGen) Next() uint32 {
	return s.val.Add(1)
}
