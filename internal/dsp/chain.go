// Package dsp implements ProcessingChain: an ordered list of audio
// processors applied to decoded PCM before it reaches the sink
// (§4.12). Every stage operates on normalized float64 samples,
// interleaved by channel; the chain itself owns bit-depth-specific
// decode/encode so stages never see raw bytes.
package dsp

import "fmt"

// Format describes the PCM layout every stage is initialized with.
type Format struct {
	SampleRate int
	Channels   int
	BitDepth   int // 16, 24, or 32
}

// Stage is one link in a ProcessingChain: initialize(format),
// process(buffer) -> buffer (pure per-buffer), reset, and a boolean
// enabled flag (§4.12).
type Stage interface {
	Initialize(format Format)
	Process(samples []float64) []float64
	Reset()
	Enabled() bool
	SetEnabled(bool)
}

// Chain runs its stages in order over each buffer, skipping disabled
// ones, converting between raw PCM bytes and the normalized float64
// domain stages operate in.
type Chain struct {
	format Format
	stages []Stage
}

// NewChain returns a Chain over stages, run in the given order.
func NewChain(format Format, stages ...Stage) *Chain {
	c := &Chain{format: format, stages: stages}
	for _, s := range stages {
		s.Initialize(format)
	}
	return c
}

// Stages returns the chain's stages, in processing order.
func (c *Chain) Stages() []Stage { return c.stages }

// Process decodes buf according to the chain's bit depth, runs every
// enabled stage over the resulting samples in order, and re-encodes
// the result. 24-bit samples are sign-extended through a 32-bit int,
// processed in double precision, then clamped to the 24-bit range and
// repacked little-endian, per §4.12.
func (c *Chain) Process(buf []byte) ([]byte, error) {
	samples, err := decodePCM(buf, c.format.BitDepth)
	if err != nil {
		return nil, err
	}
	for _, s := range c.stages {
		if s.Enabled() {
			samples = s.Process(samples)
		}
	}
	return encodePCM(samples, c.format.BitDepth), nil
}

// Reset resets every stage's internal state.
func (c *Chain) Reset() {
	for _, s := range c.stages {
		s.Reset()
	}
}

func clamp1(v float64) float64 {
	if v > 1.0 {
		return 1.0
	}
	if v < -1.0 {
		return -1.0
	}
	return v
}

func decodePCM(buf []byte, bitDepth int) ([]float64, error) {
	switch bitDepth {
	case 16:
		if len(buf)%2 != 0 {
			return nil, fmt.Errorf("dsp: 16-bit buffer length %d not a multiple of 2", len(buf))
		}
		out := make([]float64, len(buf)/2)
		for i := range out {
			v := int16(uint16(buf[2*i]) | uint16(buf[2*i+1])<<8)
			out[i] = float64(v) / 32768.0
		}
		return out, nil
	case 24:
		if len(buf)%3 != 0 {
			return nil, fmt.Errorf("dsp: 24-bit buffer length %d not a multiple of 3", len(buf))
		}
		out := make([]float64, len(buf)/3)
		for i := range out {
			raw := uint32(buf[3*i]) | uint32(buf[3*i+1])<<8 | uint32(buf[3*i+2])<<16
			// Sign-extend the 24-bit value through a 32-bit int.
			if raw&0x800000 != 0 {
				raw |= 0xFF000000
			}
			out[i] = float64(int32(raw)) / 8388608.0
		}
		return out, nil
	case 32:
		if len(buf)%4 != 0 {
			return nil, fmt.Errorf("dsp: 32-bit buffer length %d not a multiple of 4", len(buf))
		}
		out := make([]float64, len(buf)/4)
		for i := range out {
			v := int32(uint32(buf[4*i]) | uint32(buf[4*i+1])<<8 | uint32(buf[4*i+2])<<16 | uint32(buf[4*i+3])<<24)
			out[i] = float64(v) / 2147483648.0
		}
		return out, nil
	default:
		return nil, fmt.Errorf("dsp: unsupported bit depth %d", bitDepth)
	}
}

func encodePCM(samples []float64, bitDepth int) []byte {
	switch bitDepth {
	case 16:
		out := make([]byte, len(samples)*2)
		for i, s := range samples {
			f := clamp1(s) * 32768.0
			if f > 32767.0 {
				f = 32767.0
			}
			v := int16(f)
			out[2*i] = byte(v)
			out[2*i+1] = byte(v >> 8)
		}
		return out
	case 24:
		out := make([]byte, len(samples)*3)
		for i, s := range samples {
			f := clamp1(s) * 8388608.0
			if f > 8388607.0 {
				f = 8388607.0
			}
			v := int32(f)
			out[3*i] = byte(v)
			out[3*i+1] = byte(v >> 8)
			out[3*i+2] = byte(v >> 16)
		}
		return out
	case 32:
		out := make([]byte, len(samples)*4)
		for i, s := range samples {
			f := clamp1(s) * 2147483648.0
			if f > 2147483647.0 {
				f = 2147483647.0
			}
			v := int32(f)
			out[4*i] = byte(v)
			out[4*i+1] = byte(v >> 8)
			out[4*i+2] = byte(v >> 16)
			out[4*i+3] = byte(v >> 24)
		}
		return out
	default:
		return nil
	}
}

// baseStage provides the Enabled/SetEnabled bookkeeping shared by
// every concrete stage.
type baseStage struct {
	enabled bool
}

func (b *baseStage) Enabled() bool      { return b.enabled }
func (b *baseStage) SetEnabled(e bool)  { b.enabled = e }
func newBaseStage() baseStage           { return baseStage{enabled: true} }
