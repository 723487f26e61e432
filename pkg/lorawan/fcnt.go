package lorawan

// GetFullFCnt gets full frame counter from 16-bit value
func GetFullFCnt(fCntUp uint32, fCnt uint16) uint32 {
	upperBits := fCntUp & 0xFFFF0000

	if uint16(fCntUp) > fCnt && (uint16(fCntUp)-fCnt) > 0x8000 {
		upperBits += 0x10000
	}

	return upperBits | uint32(fCnt)
}

// FullFCntCandidates returns the 32-bit counters that could have produced
// the 16-bit wire value, ordered by distance from the last known counter:
// same high half first, then the next rollover, then the previous one.
func FullFCntCandidates(last uint32, fCnt uint16) []uint32 {
	high := last & 0xFFFF0000
	out := []uint32{high | uint32(fCnt)}
	if high < 0xFFFF0000 {
		out = append(out, (high+0x10000)|uint32(fCnt))
	}
	if high > 0 {
		out = append(out, (high-0x10000)|uint32(fCnt))
	}
	return out
}
