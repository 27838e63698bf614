package dsp

import "math"

const minAmplitude = 1e-9

func amplitudeToDB(v float64) float64 {
	a := math.Abs(v)
	if a < minAmplitude {
		a = minAmplitude
	}
	return 20 * math.Log10(a)
}

func dbToAmplitude(db float64) float64 {
	return math.Pow(10, db/20)
}

// timeConstantCoeff returns the per-sample smoothing coefficient for
// an exponential envelope follower with the given time constant.
func timeConstantCoeff(timeMs float64, sampleRate float64) float64 {
	if timeMs <= 0 || sampleRate <= 0 {
		return 0
	}
	return math.Exp(-1.0 / (timeMs * 0.001 * sampleRate))
}
