package dsp

import "testing"

func TestVolumeIsIdentityNearUnity(t *testing.T) {
	v := NewVolume()
	v.Initialize(Format{SampleRate: 48000, Channels: 1, BitDepth: 16})
	v.SetGain(1.0 + 1e-5)

	samples := []float64{0.5, -0.5, 0.25}
	want := append([]float64(nil), samples...)
	got := v.Process(samples)
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sample %d: got %v, want unchanged %v", i, got[i], want[i])
		}
	}
}

func TestVolumeClampsOverflow(t *testing.T) {
	v := NewVolume()
	v.Initialize(Format{SampleRate: 48000, Channels: 1, BitDepth: 16})
	v.SetGain(4.0)

	got := v.Process([]float64{0.5, -0.5})
	if got[0] != 1.0 {
		t.Fatalf("got %v, want clamped to 1.0", got[0])
	}
	if got[1] != -1.0 {
		t.Fatalf("got %v, want clamped to -1.0", got[1])
	}
}
