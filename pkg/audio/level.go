package audio

import "math"

// FloorDB is reported for digital silence instead of -Inf.
const FloorDB = -120.0

// Level returns the RMS level of samples in dBFS.
func Level(samples []int16) float64 {
	if len(samples) == 0 {
		return FloorDB
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	rms := math.Sqrt(sum / float64(len(samples)))
	if rms == 0 {
		return FloorDB
	}
	db := 20 * math.Log10(rms/32768.0)
	if db < FloorDB {
		return FloorDB
	}
	return db
}

// Strength maps a level to [0,1] by its distance above threshold towards
// full scale.
func Strength(levelDB, thresholdDB float64) float64 {
	if thresholdDB >= 0 {
		return 0
	}
	v := (levelDB - thresholdDB) / (0 - thresholdDB)
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
