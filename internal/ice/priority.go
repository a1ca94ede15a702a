package ice

// CandidatePriority is 2^24*typePref + 2^8*localPref + (256 - component).
func CandidatePriority(typePref uint32, localPref, component uint16) uint32 {
	return typePref<<24 + uint32(localPref)<<8 + (256 - uint32(component))
}

// PairPriority is 2^32*min(G,D) + 2*max(G,D) + (G>D ? 1 : 0), where G is the
// controlling agent's candidate priority and D the controlled agent's. Both
// agents compute the same value for the same pair.
func PairPriority(controlling, controlled uint32) uint64 {
	g, d := uint64(controlling), uint64(controlled)
	p := (1<<32)*min(g, d) + 2*max(g, d)
	if g > d {
		p++
	}
	return p
}
