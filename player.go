package connectclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"connectclient/internal/cache"
	"connectclient/internal/decrypt"
	"connectclient/internal/diag"
	"connectclient/internal/dsp"
	"connectclient/internal/events"
	"connectclient/internal/sink"
)

// Fetcher retrieves a byte range of a file's ciphertext from the
// content server — explicitly out of scope as a concrete transport
// (§1), so it's supplied by the host application.
type Fetcher interface {
	FetchRange(ctx context.Context, fileID string, start, end int64) ([]byte, error)
}

// AudioFormat describes the PCM layout of a loaded track (§3's
// AudioFormat).
type AudioFormat struct {
	SampleRate int
	Channels   int
	BitDepth   int // 16, 24, or 32
}

func (f AudioFormat) dspFormat() dsp.Format {
	return dsp.Format{SampleRate: f.SampleRate, Channels: f.Channels, BitDepth: f.BitDepth}
}

func (f AudioFormat) sinkFormat() sink.Format {
	return sink.Format{SampleRate: f.SampleRate, Channels: f.Channels, BitDepth: f.BitDepth}
}

// pumpBufferBytes is how many PCM bytes the playback pump reads from
// the cache and pushes through the chain per cycle.
const pumpBufferBytes = 32 * 1024

// ErrNoTrackLoaded is returned by playback controls when no track has
// been loaded yet.
var ErrNoTrackLoaded = errors.New("player: no track loaded")

// PlaybackMetrics mirrors §3's PlaybackMetrics: mutable while the
// track it describes plays, then folded read-only into a
// TrackTransition telemetry event once playback ends.
type PlaybackMetrics struct {
	TrackID        string
	ContextURI     string
	FeatureVersion string
	Referrer       string
	ReasonStart    string
	SourceStart    string
	ReasonEnd      string
	SourceEnd      string
	Intervals      [][2]int64
	DecodedLength  int64
	Size           int64
	DurationMs     int64
	Bitrate        int
	Encoding       string
	DecryptTimeMs  int64
	FadeOverlapMs  int64
}

// trackSession is the mutable state for the currently loaded track.
type trackSession struct {
	fileID     string
	fileSize   int64
	format     AudioFormat
	playbackID string
	metrics    PlaybackMetrics
	firstPosMs int64
	lastPosMs  int64
	startedAt  time.Time
}

// Player is the audio I/O and processing core (§4.10-§4.13): a
// content-addressed disk cache sits between the content server and a
// seekable decrypting stream; decoded PCM then flows through the DSP
// chain into the sink.
type Player struct {
	cache     *cache.Cache
	chunkSize int
	device    sink.Device
	events    *events.Service

	mu         sync.Mutex
	volume     *dsp.Volume
	eq         *dsp.Equalizer
	compressor *dsp.Compressor
	limiter    *dsp.Limiter
	crossfade  *dsp.Crossfade
	chain      *dsp.Chain
	snk        *sink.Sink

	sinkBufferMs int

	current    *trackSession
	pumpCancel context.CancelFunc
	pumpDone   chan struct{}
}

// PlayerOptions configures a new Player.
type PlayerOptions struct {
	CacheDir         string
	CacheChunkBytes  int
	CacheTargetBytes int64
	CachePruneEvery  time.Duration
	SinkBufferMs     int
	Device           sink.Device
}

// defaultSinkBufferMs is used when PlayerOptions.SinkBufferMs is zero.
const defaultSinkBufferMs = 500

// NewPlayer creates a Player rooted at opts.CacheDir, driving opts.Device
// for output.
func NewPlayer(opts PlayerOptions, sender events.Sender) (*Player, error) {
	chunkSize := opts.CacheChunkBytes
	if chunkSize <= 0 {
		chunkSize = cache.DefaultChunkSize
	}
	c, err := cache.New(opts.CacheDir, chunkSize, opts.CacheTargetBytes, opts.CachePruneEvery)
	if err != nil {
		return nil, fmt.Errorf("player: create cache: %w", err)
	}
	bufferMs := opts.SinkBufferMs
	if bufferMs <= 0 {
		bufferMs = defaultSinkBufferMs
	}
	return &Player{
		cache:        c,
		chunkSize:    chunkSize,
		device:       opts.Device,
		events:       events.NewService(sender),
		volume:       dsp.NewVolume(),
		eq:           dsp.NewEqualizer(),
		compressor:   dsp.NewCompressor(),
		limiter:      dsp.NewLimiter(),
		crossfade:    dsp.NewCrossfade(),
		sinkBufferMs: bufferMs,
	}, nil
}

// Volume, Equalizer, Compressor, Limiter and Crossfade expose the DSP
// chain's stages directly, so a host application can tune them between
// tracks (gain, bands, enable/disable) without the Player needing an
// opinion on every knob.
func (p *Player) Volume() *dsp.Volume         { return p.volume }
func (p *Player) Equalizer() *dsp.Equalizer   { return p.eq }
func (p *Player) Compressor() *dsp.Compressor { return p.compressor }
func (p *Player) Limiter() *dsp.Limiter       { return p.limiter }
func (p *Player) Crossfade() *dsp.Crossfade   { return p.crossfade }

// CacheStatus reports occupancy for the diag status surface.
func (p *Player) CacheStatus() diag.CacheStatus {
	// The cache doesn't expose aggregate accounting beyond per-file
	// chunk sets, so this counts the currently-loaded track only; a
	// host wanting whole-cache totals should track its own fetches.
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return diag.CacheStatus{}
	}
	return diag.CacheStatus{Entries: 1, TotalBytes: p.current.fileSize}
}

// LoadTrack fetches (via fetcher) and decrypts every chunk of fileID
// not already cached, then makes it the current track. key is nil for
// unencrypted content. Blocks until the whole file is cached or ctx is
// cancelled.
func (p *Player) LoadTrack(ctx context.Context, fetcher Fetcher, fileID string, fileSize int64, format AudioFormat, encoding string, key []byte) error {
	if len(key) != 0 && len(key) != 16 {
		return decrypt.ErrInvalidKeySize
	}

	decryptStart := time.Now()
	for i := 0; ; i++ {
		start, end := cache.ChunkRange(fileSize, p.chunkSize, i)
		if start >= fileSize {
			break
		}
		if p.cache.HasChunk(fileID, i) {
			continue
		}
		ciphertext, err := fetcher.FetchRange(ctx, fileID, start, end)
		if err != nil {
			return fmt.Errorf("player: fetch chunk %d of %s: %w", i, fileID, err)
		}

		plain := ciphertext
		if key != nil {
			st, err := decrypt.NewAt(key, bytes.NewReader(ciphertext), start)
			if err != nil {
				return fmt.Errorf("player: build decrypt stream: %w", err)
			}
			plain, err = io.ReadAll(st)
			if err != nil {
				return fmt.Errorf("player: decrypt chunk %d of %s: %w", i, fileID, err)
			}
		}

		if err := p.cache.WriteChunk(ctx, fileID, fileSize, encoding, i, plain); err != nil {
			return fmt.Errorf("player: cache chunk %d of %s: %w", i, fileID, err)
		}
	}
	decryptElapsed := time.Since(decryptStart)

	p.mu.Lock()
	p.current = &trackSession{
		fileID:   fileID,
		fileSize: fileSize,
		format:   format,
		metrics: PlaybackMetrics{
			TrackID:       fileID,
			DecodedLength: fileSize,
			Size:          fileSize,
			Encoding:      encoding,
			DecryptTimeMs: decryptElapsed.Milliseconds(),
		},
	}
	p.mu.Unlock()
	return nil
}

// Play starts (or resumes) playback of the currently loaded track.
// reasonStart/sourceStart populate the eventual TrackTransition record
// (§4.9); pass "" if unknown.
func (p *Player) Play(reasonStart, sourceStart string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return ErrNoTrackLoaded
	}
	if p.snk != nil {
		p.snk.Resume()
		return nil
	}

	p.chain = dsp.NewChain(p.current.format.dspFormat(), p.volume, p.eq, p.compressor, p.limiter, p.crossfade)
	p.snk = sink.New(p.current.format.sinkFormat(), p.sinkBufferMs, p.device)
	p.current.playbackID = newPlaybackID()
	p.current.metrics.ReasonStart = reasonStart
	p.current.metrics.SourceStart = sourceStart
	p.current.startedAt = time.Now()
	p.events.Enqueue(events.NewPlaybackRecord(p.current.playbackID, p.current.playbackID, p.current.startedAt.UnixMilli()))

	reader, err := p.cache.OpenComplete(p.current.fileID)
	if err != nil {
		return fmt.Errorf("player: open cached track: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.pumpCancel = cancel
	p.pumpDone = make(chan struct{})
	go p.pump(ctx, reader, p.chain, p.snk)
	return nil
}

func newPlaybackID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// pump drains reader through chain and into snk until EOF or ctx is
// cancelled.
func (p *Player) pump(ctx context.Context, reader *cache.ChunkReader, chain *dsp.Chain, snk *sink.Sink) {
	defer close(p.pumpDone)
	buf := make([]byte, pumpBufferBytes)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := reader.Read(buf)
		if n > 0 {
			processed, perr := chain.Process(buf[:n])
			if perr != nil {
				slog.Warn("player: chain process failed", "error", perr)
				return
			}
			if werr := snk.Write(processed); werr != nil {
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				slog.Warn("player: cache read failed", "error", err)
			}
			return
		}
	}
}

// Pause suspends sink output without discarding buffered audio.
func (p *Player) Pause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.snk == nil {
		return ErrNoTrackLoaded
	}
	p.snk.Pause()
	return nil
}

// Resume un-pauses a paused sink, returning false if the output device
// failed to (re)start.
func (p *Player) Resume() (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.snk == nil {
		return false, ErrNoTrackLoaded
	}
	return p.snk.Resume(), nil
}

// Seek repositions playback to posMs within the current track,
// restarting the pump from the corresponding byte offset.
func (p *Player) Seek(posMs int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil || p.snk == nil {
		return ErrNoTrackLoaded
	}
	if p.pumpCancel != nil {
		p.pumpCancel()
		<-p.pumpDone
	}
	p.snk.Flush()
	p.chain.Reset()

	reader, err := p.cache.OpenComplete(p.current.fileID)
	if err != nil {
		return fmt.Errorf("player: reopen cached track for seek: %w", err)
	}
	byteOffset := msToByteOffset(posMs, p.current.format)
	if err := reader.Seek(byteOffset); err != nil {
		return fmt.Errorf("player: seek: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.pumpCancel = cancel
	p.pumpDone = make(chan struct{})
	go p.pump(ctx, reader, p.chain, p.snk)
	return nil
}

func msToByteOffset(posMs int64, format AudioFormat) int64 {
	bytesPerFrame := int64(format.Channels * (format.BitDepth / 8))
	if bytesPerFrame <= 0 || format.SampleRate <= 0 {
		return 0
	}
	frames := posMs * int64(format.SampleRate) / 1000
	return frames * bytesPerFrame
}

// Status reports the sink's current playback position, buffered
// duration, and whether it's actively playing.
func (p *Player) Status() (sink.Status, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.snk == nil {
		return sink.Status{}, ErrNoTrackLoaded
	}
	return p.snk.Status(), nil
}

// Stop ends playback of the current track, recording the
// TrackTransition telemetry event for it. reasonEnd/sourceEnd populate
// the event's corresponding fields.
func (p *Player) Stop(reasonEnd, sourceEnd string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return ErrNoTrackLoaded
	}
	if p.pumpCancel != nil {
		p.pumpCancel()
		<-p.pumpDone
	}
	if p.snk != nil {
		_ = p.snk.Close()
	}

	m := p.current.metrics
	m.ReasonEnd = reasonEnd
	m.SourceEnd = sourceEnd
	p.events.Enqueue(events.BuildTrackTransition(events.TrackTransitionFields{
		ReasonStart:     m.ReasonStart,
		SourceStart:     m.SourceStart,
		ReasonEnd:       m.ReasonEnd,
		SourceEnd:       m.SourceEnd,
		DecodedLength:   m.DecodedLength,
		Size:            m.Size,
		FirstPositionMs: p.current.firstPosMs,
		LastPositionMs:  p.current.lastPosMs,
		DurationMs:      m.DurationMs,
		DecryptTimeMs:   m.DecryptTimeMs,
		FadeOverlapMs:   m.FadeOverlapMs,
		Bitrate:         m.Bitrate,
		ContextURI:      m.ContextURI,
		Encoding:        m.Encoding,
		TrackID:         m.TrackID,
		TimestampMs:     time.Now().UnixMilli(),
		FeatureVersion:  m.FeatureVersion,
		Referrer:        m.Referrer,
	}))

	p.current = nil
	p.snk = nil
	p.chain = nil
	return nil
}

// Close releases the cache's background resources and flushes pending
// telemetry. It does not stop an in-progress track; call Stop first.
func (p *Player) Close() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := p.events.Shutdown(shutdownCtx)
	p.cache.Close()
	return err
}
