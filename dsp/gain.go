package dsp

import "math"

// DecibelsToGain converts a level in dB to a linear factor. Levels at or
// below floorDB map to silence.
func DecibelsToGain(db, floorDB float64) float64 {
	if db <= floorDB {
		return 0
	}

	return math.Pow(10, db/20)
}

// GainToDecibels converts a linear factor to dB, clamped at floorDB.
func GainToDecibels(gain, floorDB float64) float64 {
	if gain <= 0 {
		return floorDB
	}

	return max(20*math.Log10(gain), floorDB)
}
