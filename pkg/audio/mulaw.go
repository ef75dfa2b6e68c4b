package audio

// MuLawToPCM expands G.711 µ-law bytes to linear PCM16.
func MuLawToPCM(data []byte) []int16 {
	out := make([]int16, len(data))
	for i, b := range data {
		out[i] = mulawTable[b]
	}
	return out
}

var mulawTable = func() [256]int16 {
	var t [256]int16
	for i := 0; i < 256; i++ {
		u := ^byte(i)
		sign := u & 0x80
		exponent := (u >> 4) & 0x07
		mantissa := u & 0x0F
		sample := ((int(mantissa) << 3) + 0x84) << exponent
		sample -= 0x84
		if sign != 0 {
			sample = -sample
		}
		t[i] = int16(sample)
	}
	return t
}()
