// Package sink implements AudioSink: a backpressuring ring buffer
// between a decoded-PCM producer and a pull-model output device
// (§4.13). The device driver itself is an external collaborator,
// represented here only by the small Device interface the sink starts
// and stops — the buffering, auto-start, and pause/resume/flush/status
// logic is this package's own.
package sink

import (
	"fmt"
	"log/slog"
	"sync"
)

// Format describes the PCM layout buffered bytes are in.
type Format struct {
	SampleRate int
	Channels   int
	BitDepth   int
}

// BytesPerFrame returns one frame's size in bytes.
func (f Format) BytesPerFrame() int {
	return f.Channels * (f.BitDepth / 8)
}

// Device is the output device driver's start/stop surface. The sink
// calls Start once enough data has buffered and Stop on disposal.
type Device interface {
	Start() error
	Stop() error
}

// autoStartMs is the buffered-data threshold that triggers automatic
// playback start (§4.13: "≥ 100 ms of data").
const autoStartMs = 100

// Status is a snapshot of the sink's playback position and buffer
// occupancy.
type Status struct {
	PositionMs int64
	BufferedMs int64
	Playing    bool
}

// Sink is AudioSink.
type Sink struct {
	format        Format
	bytesPerFrame int
	capacity      int
	device        Device

	mu      sync.Mutex
	notFull *sync.Cond
	ring    []byte

	deviceStarted bool
	playing       bool
	paused        bool
	closed        bool

	positionBytes int64
}

// New creates a Sink for format, with a ring buffer sized to
// bufferMs of audio, driving device.
func New(format Format, bufferMs int, device Device) *Sink {
	bpf := format.BytesPerFrame()
	if bpf <= 0 {
		bpf = 1
	}
	capacity := bpf * format.SampleRate * bufferMs / 1000
	if capacity <= 0 {
		capacity = bpf
	}
	s := &Sink{
		format:        format,
		bytesPerFrame: bpf,
		capacity:      capacity,
		device:        device,
	}
	s.notFull = sync.NewCond(&s.mu)
	return s
}

// ErrClosed is returned by Write after the sink has been disposed.
var ErrClosed = fmt.Errorf("sink: closed")

// Write appends data to the ring buffer, blocking until enough space
// is available (backpressure). It starts the device automatically
// once the buffer first holds at least 100 ms of audio.
func (s *Sink) Write(data []byte) error {
	offset := 0
	for offset < len(data) {
		s.mu.Lock()
		for !s.closed && len(s.ring) >= s.capacity {
			s.notFull.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return ErrClosed
		}
		room := s.capacity - len(s.ring)
		n := len(data) - offset
		if n > room {
			n = room
		}
		s.ring = append(s.ring, data[offset:offset+n]...)
		offset += n
		s.maybeAutoStartLocked()
		s.mu.Unlock()
	}
	return nil
}

func (s *Sink) maybeAutoStartLocked() {
	if s.deviceStarted {
		return
	}
	thresholdBytes := s.bytesPerFrame * s.format.SampleRate * autoStartMs / 1000
	if len(s.ring) < thresholdBytes {
		return
	}
	s.startDeviceLocked()
}

func (s *Sink) startDeviceLocked() bool {
	if s.deviceStarted {
		return true
	}
	if err := s.device.Start(); err != nil {
		slog.Warn("sink: device failed to start", "error", err)
		return false
	}
	s.deviceStarted = true
	s.playing = true
	s.paused = false
	return true
}

// Pause suspends output without discarding buffered audio. The pull
// callback keeps returning silence until Resume.
func (s *Sink) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
}

// Resume starts the device if it hasn't started yet, or unpauses it.
// Returns false if the device fails to start; the sink remains usable
// for a later retry.
func (s *Sink) Resume() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deviceStarted {
		s.paused = false
		s.playing = true
		return true
	}
	return s.startDeviceLocked()
}

// Flush clears the ring buffer and zeros the position counter.
func (s *Sink) Flush() {
	s.mu.Lock()
	s.ring = s.ring[:0]
	s.positionBytes = 0
	s.notFull.Broadcast()
	s.mu.Unlock()
}

// Status reports the sink's current playback position, buffered
// duration, and whether it's actively playing.
func (s *Sink) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		PositionMs: s.bytesToMs(s.positionBytes),
		BufferedMs: s.bytesToMs(int64(len(s.ring))),
		Playing:    s.playing && !s.paused,
	}
}

func (s *Sink) bytesToMs(n int64) int64 {
	if s.bytesPerFrame <= 0 || s.format.SampleRate <= 0 {
		return 0
	}
	frames := n / int64(s.bytesPerFrame)
	return frames * 1000 / int64(s.format.SampleRate)
}

// Pull is the device driver's output callback: it requests n bytes
// and always receives exactly n, zero-filling any shortfall. While
// paused or before playback has started, it returns silence without
// consuming buffered data.
func (s *Sink) Pull(n int) []byte {
	out := make([]byte, n)
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.playing || s.paused {
		return out
	}

	take := n
	if take > len(s.ring) {
		take = len(s.ring)
	}
	copy(out, s.ring[:take])
	s.ring = s.ring[take:]
	s.positionBytes += int64(n)
	s.notFull.Broadcast()
	return out
}

// Close stops the device (if started) and releases the buffer.
func (s *Sink) Close() error {
	s.mu.Lock()
	s.closed = true
	started := s.deviceStarted
	s.deviceStarted = false
	s.playing = false
	s.ring = nil
	s.notFull.Broadcast()
	s.mu.Unlock()

	if !started {
		return nil
	}
	if err := s.device.Stop(); err != nil {
		return fmt.Errorf("sink: stop device: %w", err)
	}
	return nil
}
