package dsp

import "math"

// CrossfadeState is Crossfade's state machine (§4.12).
type CrossfadeState int

const (
	CrossfadeNormal CrossfadeState = iota
	CrossfadeFadingOut
	CrossfadeFadingIn
)

// CrossfadeCurve selects the gain curve used while mixing outgoing and
// incoming buffers.
type CrossfadeCurve int

const (
	Linear CrossfadeCurve = iota
	EqualPower
	Logarithmic
	SCurve
)

// Crossfade fades the current track out while mixing in buffers from
// the next track as they're supplied via EnqueueNext (§4.12).
type Crossfade struct {
	baseStage
	channels   int
	sampleRate int

	curve      CrossfadeCurve
	durationMs float64
	startPosMs int64
	elapsedMs  float64
	state      CrossfadeState
	queue      [][]float64
}

// NewCrossfade returns an idle Crossfade stage.
func NewCrossfade() *Crossfade {
	c := &Crossfade{baseStage: newBaseStage()}
	return c
}

func (c *Crossfade) Initialize(format Format) {
	c.channels = format.Channels
	if c.channels <= 0 {
		c.channels = 1
	}
	c.sampleRate = format.SampleRate
}

// Reset clears all crossfade state and returns to Normal.
func (c *Crossfade) Reset() {
	c.state = CrossfadeNormal
	c.elapsedMs = 0
	c.queue = nil
}

// State returns the current crossfade state.
func (c *Crossfade) State() CrossfadeState { return c.state }

// Start begins fading the currently playing buffer, starting from
// playback position posMs, over durationMs using curve. No next-track
// buffers are mixed in until EnqueueNext is called.
func (c *Crossfade) Start(posMs int64, durationMs int64, curve CrossfadeCurve) {
	c.startPosMs = posMs
	c.durationMs = float64(durationMs)
	c.curve = curve
	c.state = CrossfadeFadingOut
	c.elapsedMs = 0
	c.queue = nil
}

// EnqueueNext appends decoded samples from the incoming track. Once at
// least one buffer is queued, Process begins mixing it in and the
// state advances to FadingIn.
func (c *Crossfade) EnqueueNext(samples []float64) {
	c.queue = append(c.queue, samples)
	if c.state == CrossfadeFadingOut {
		c.state = CrossfadeFadingIn
	}
}

// Complete ends the crossfade immediately, discarding any queued
// buffers and returning to Normal.
func (c *Crossfade) Complete() {
	c.state = CrossfadeNormal
	c.queue = nil
	c.elapsedMs = 0
}

// Process mixes samples (the outgoing track's current buffer) with the
// next queued buffer, if any, per the active curve. Outside a
// crossfade it passes samples through unchanged. The mix uses the
// shorter of the two input lengths.
func (c *Crossfade) Process(samples []float64) []float64 {
	if c.state == CrossfadeNormal {
		return samples
	}

	frames := len(samples) / c.channels
	bufMs := float64(frames) / float64(c.sampleRate) * 1000.0
	c.elapsedMs += bufMs

	progress := 1.0
	if c.durationMs > 0 {
		progress = c.elapsedMs / c.durationMs
	}
	if progress > 1.0 {
		progress = 1.0
	}
	outGain, inGain := curveGains(progress, c.curve)

	switch c.state {
	case CrossfadeFadingOut:
		for i, s := range samples {
			samples[i] = clamp1(s * outGain)
		}
	case CrossfadeFadingIn:
		if len(c.queue) == 0 {
			for i, s := range samples {
				samples[i] = clamp1(s * outGain)
			}
			break
		}
		next := c.queue[0]
		c.queue = c.queue[1:]
		n := len(samples)
		if len(next) < n {
			n = len(next)
		}
		for i := 0; i < n; i++ {
			samples[i] = clamp1(samples[i]*outGain + next[i]*inGain)
		}
		for i := n; i < len(samples); i++ {
			samples[i] = clamp1(samples[i] * outGain)
		}
	}

	if c.elapsedMs >= c.durationMs {
		c.Complete()
	}
	return samples
}

// curveGains returns the (outGain, inGain) pair for progress in
// [0,1] under curve. Linear and EqualPower (sin/cos) are named
// directly by §4.12; SCurve is the given 3x²-2x³ smoothstep.
// Logarithmic has no formula given in the spec — implemented as a
// standard log-taper fade-in (base-10, scaled to [0,1]), its
// complement as the fade-out.
func curveGains(progress float64, curve CrossfadeCurve) (outGain, inGain float64) {
	switch curve {
	case EqualPower:
		outGain = math.Cos(progress * math.Pi / 2)
		inGain = math.Sin(progress * math.Pi / 2)
	case Logarithmic:
		inGain = math.Log1p(9*progress) / math.Log(10)
		outGain = 1 - inGain
	case SCurve:
		inGain = 3*progress*progress - 2*progress*progress*progress
		outGain = 1 - inGain
	default: // Linear
		inGain = progress
		outGain = 1 - progress
	}
	return outGain, inGain
}
