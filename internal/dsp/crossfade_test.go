package dsp

import "testing"

func newTestCrossfade() *Crossfade {
	cf := NewCrossfade()
	cf.Initialize(Format{SampleRate: 1000, Channels: 1, BitDepth: 16}) // 1000 Hz: 1 sample = 1ms, easy math
	return cf
}

func TestCrossfadePassesThroughWhenNormal(t *testing.T) {
	cf := newTestCrossfade()
	samples := []float64{0.5, 0.25, -0.5}
	got := cf.Process(append([]float64(nil), samples...))
	for i := range samples {
		if got[i] != samples[i] {
			t.Fatalf("sample %d: got %v, want unchanged %v", i, got[i], samples[i])
		}
	}
}

func TestCrossfadeFadesOutAloneBeforeNextArrives(t *testing.T) {
	cf := newTestCrossfade()
	cf.Start(0, 100, Linear)

	got := cf.Process([]float64{1, 1, 1, 1, 1})
	if cf.State() != CrossfadeFadingOut {
		t.Fatalf("state = %v, want FadingOut", cf.State())
	}
	// 5ms elapsed of 100ms total: outGain ~0.95, well short of silence but attenuated.
	if got[0] >= 1.0 {
		t.Fatalf("expected attenuation during fade-out, got %v", got[0])
	}
}

func TestCrossfadeMixesInNextBufferAfterEnqueue(t *testing.T) {
	cf := newTestCrossfade()
	cf.Start(0, 100, Linear)
	cf.EnqueueNext([]float64{1, 1, 1, 1, 1})

	if cf.State() != CrossfadeFadingIn {
		t.Fatalf("state = %v, want FadingIn", cf.State())
	}

	got := cf.Process([]float64{1, 1, 1, 1, 1})
	for _, v := range got {
		// At progress ~0, outGain~1 inGain~0, so values should stay near 1
		// but already include a contribution from the incoming track.
		if v <= 0 || v > 1.0001 {
			t.Fatalf("mixed sample out of expected range: %v", v)
		}
	}
}

func TestCrossfadeCompletesAfterFullDuration(t *testing.T) {
	cf := newTestCrossfade()
	cf.Start(0, 10, Linear) // 10ms duration, 1 sample = 1ms at 1000Hz

	cf.EnqueueNext(make([]float64, 20))
	cf.Process(make([]float64, 20)) // 20ms worth of frames >= 10ms duration

	if cf.State() != CrossfadeNormal {
		t.Fatalf("state = %v, want Normal after duration elapses", cf.State())
	}
	if len(cf.queue) != 0 {
		t.Fatal("expected queue to be cleared on completion")
	}
}
