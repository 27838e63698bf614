package dsp

// Limiter's fixed parameters (§4.12).
const (
	limiterCeilingDB  = -0.5
	limiterReleaseMs  = 50.0
	limiterSnapFloor  = 0.01 // dB: reduction below this snaps to zero
)

// Limiter is a brickwall-style limiter: instant attack, timed release,
// per-channel gain-reduction state.
type Limiter struct {
	baseStage
	channels     int
	releaseCoeff float64
	reductionDB  []float64
}

// NewLimiter returns a Limiter using the fixed ceiling/release preset.
func NewLimiter() *Limiter {
	return &Limiter{baseStage: newBaseStage()}
}

func (l *Limiter) Initialize(format Format) {
	l.channels = format.Channels
	if l.channels <= 0 {
		l.channels = 1
	}
	l.releaseCoeff = timeConstantCoeff(limiterReleaseMs, float64(format.SampleRate))
	l.reductionDB = make([]float64, l.channels)
}

func (l *Limiter) Reset() {
	for i := range l.reductionDB {
		l.reductionDB[i] = 0
	}
}

func (l *Limiter) Process(samples []float64) []float64 {
	if l.channels <= 0 {
		return samples
	}
	for i, s := range samples {
		ch := i % l.channels
		needed := amplitudeToDB(s) - limiterCeilingDB
		if needed < 0 {
			needed = 0
		}

		if needed > l.reductionDB[ch] {
			l.reductionDB[ch] = needed // instant attack
		} else {
			l.reductionDB[ch] = l.releaseCoeff*l.reductionDB[ch] + (1-l.releaseCoeff)*needed
		}
		if l.reductionDB[ch] < limiterSnapFloor {
			l.reductionDB[ch] = 0
		}

		samples[i] = clamp1(s * dbToAmplitude(-l.reductionDB[ch]))
	}
	return samples
}
