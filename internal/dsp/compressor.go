package dsp

// Compressor's "radio preset" fixed parameters (§4.12).
const (
	compressorThresholdDB = -18.0
	compressorRatio       = 4.0
	compressorAttackMs    = 10.0
	compressorReleaseMs   = 100.0
	compressorMakeupDB    = 6.0
)

// Compressor is a fixed-preset downward compressor with a per-channel
// dB envelope follower.
type Compressor struct {
	baseStage
	channels    int
	attackCoeff float64
	releaseCoeff float64
	envelopeDB  []float64 // per channel
}

// NewCompressor returns a Compressor using the radio preset.
func NewCompressor() *Compressor {
	return &Compressor{baseStage: newBaseStage()}
}

func (c *Compressor) Initialize(format Format) {
	c.channels = format.Channels
	if c.channels <= 0 {
		c.channels = 1
	}
	c.attackCoeff = timeConstantCoeff(compressorAttackMs, float64(format.SampleRate))
	c.releaseCoeff = timeConstantCoeff(compressorReleaseMs, float64(format.SampleRate))
	c.envelopeDB = make([]float64, c.channels)
}

func (c *Compressor) Reset() {
	for i := range c.envelopeDB {
		c.envelopeDB[i] = 0
	}
}

func (c *Compressor) Process(samples []float64) []float64 {
	if c.channels <= 0 {
		return samples
	}
	for i, s := range samples {
		ch := i % c.channels
		level := amplitudeToDB(s)

		coeff := c.releaseCoeff
		if level > c.envelopeDB[ch] {
			coeff = c.attackCoeff
		}
		c.envelopeDB[ch] = coeff*c.envelopeDB[ch] + (1-coeff)*level

		reduction := c.envelopeDB[ch] - compressorThresholdDB
		if reduction < 0 {
			reduction = 0
		}
		gainReductionDB := reduction * (1 - 1/compressorRatio)

		gainDB := compressorMakeupDB - gainReductionDB
		samples[i] = clamp1(s * dbToAmplitude(gainDB))
	}
	return samples
}
