// Package state implements the StateManager: a unified playback-state
// model with structural change detection, cluster ingestion, and
// optional bidirectional publishing of local playback back to the
// service (§4.8).
package state

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"connectclient/internal/async"
)

// Source identifies where a PlaybackState snapshot originated.
type Source int

const (
	SourceRemote Source = iota
	SourceLocal
)

// ChangeBit flags which fields differ between two consecutive
// PlaybackState snapshots.
type ChangeBit uint32

const (
	ChangeTrack ChangeBit = 1 << iota
	ChangePosition
	ChangeStatus
	ChangeContext
	ChangeOptions
	ChangeActiveDevice
	ChangeSource
	ChangeQueue
)

// positionTolerance is how far position may drift before it counts as
// a change (§4.8: "1-second tolerance").
const positionTolerance = 1000

// PlayerState is the shape shared by cluster snapshots and local engine
// reports (§3). DurationMS is carried alongside the fields the spec
// lists explicitly, since distinguishing a finite track from an
// infinite stream (duration = 0) is required by §4.8's
// position-only-change suppression and the spec does not otherwise
// say where that signal comes from.
type PlayerState struct {
	TrackURI      string
	PositionMS    int64
	DurationMS    int64
	Paused        bool
	ContextURI    string
	PrevQueue     []string
	NextQueue     []string
	Shuffle       bool
	RepeatContext bool
	RepeatTrack   bool
	SessionID     string
	QueueRevision string
}

// Cluster is a remote snapshot of which device is active and what it
// is playing (§3).
type Cluster struct {
	ActiveDeviceID string
	PlayerState    PlayerState
}

// PlaybackState is the core-owned, immutable snapshot derived from
// either a Cluster or a local engine report, plus the bitset of what
// changed versus the prior snapshot.
type PlaybackState struct {
	Track          string
	PositionMS     int64
	DurationMS     int64
	Paused         bool
	ContextURI     string
	PrevQueue      []string
	NextQueue      []string
	Shuffle        bool
	RepeatContext  bool
	RepeatTrack    bool
	QueueRevision  string
	ActiveDeviceID string
	Source         Source
	Changes        ChangeBit
}

// PutStateRequest is what gets published to the service for a locally
// originated state change (§4.8).
type PutStateRequest struct {
	MessageID           uint64
	ConnectionID        string
	StartedPlayingAt    time.Time
	HasBeenPlayingForMs int64
	State               PlaybackState
}

// LocalEngine is the external playback engine consumed in bidirectional
// mode: a stream of its own state reports, plus the ability to stop it
// when the cluster says another device became active.
type LocalEngine interface {
	States() (<-chan PlayerState, func())
	Stop()
}

// PutStatePublisher sends a locally-originated state change upstream.
type PutStatePublisher interface {
	PublishPutState(req PutStateRequest) error
}

// Manager is the StateManager itself.
type Manager struct {
	localDeviceID string

	mu      sync.Mutex
	current *PlaybackState
	engine  LocalEngine

	connID atomic.Value // string

	messageID atomic.Uint64

	startedPlayingAt      time.Time
	hasBeenPlayingForBase int64

	snapshots *async.SafeSubject[PlaybackState]
}

// New creates a Manager for the device identified by localDeviceID.
func New(localDeviceID string) *Manager {
	m := &Manager{
		localDeviceID: localDeviceID,
		snapshots:     async.NewSafeSubject[PlaybackState](),
	}
	m.connID.Store("")
	return m
}

// SetConnectionID records the dealer's current connection id, included
// in every subsequent PutStateRequest.
func (m *Manager) SetConnectionID(id string) { m.connID.Store(id) }

// Snapshots subscribes to every published PlaybackState.
func (m *Manager) Snapshots() (<-chan PlaybackState, func()) { return m.snapshots.Subscribe(16) }

// Filtered subscribes to only the snapshots whose Changes include bit —
// the spec's "track_changed", "status_changed", etc. streams.
func (m *Manager) Filtered(bit ChangeBit) (<-chan PlaybackState, func()) {
	out := make(chan PlaybackState, 16)
	src, unsub := m.snapshots.Subscribe(16)
	done := make(chan struct{})

	go func() {
		defer close(out)
		for {
			select {
			case s, ok := <-src:
				if !ok {
					return
				}
				if s.Changes&bit != 0 {
					select {
					case out <- s:
					case <-done:
						return
					}
				}
			case <-done:
				return
			}
		}
	}()

	return out, func() {
		unsub()
		close(done)
	}
}

// Current returns the most recent snapshot, if any has been published.
func (m *Manager) Current() (PlaybackState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return PlaybackState{}, false
	}
	return *m.current, true
}

// IngestCluster converts a cluster snapshot into a PlaybackState,
// suppressing it entirely if nothing meaningful changed. When the
// cluster reports a different active device while this manager
// believed itself locally active, the bound LocalEngine (if any) is
// told to stop and the manager falls back to Source=Remote. A cluster
// update that simply echoes this device back as active while local
// playback is ongoing is ignored outright (§8): otherwise every
// routine echo would flip Source Local→Remote and publish a spurious
// snapshot.
func (m *Manager) IngestCluster(c Cluster) {
	m.mu.Lock()
	prev := m.current
	engine := m.engine
	selfEcho := prev != nil && prev.Source == SourceLocal && c.ActiveDeviceID == m.localDeviceID
	becameForeignActive := prev != nil && prev.Source == SourceLocal &&
		c.ActiveDeviceID != "" && c.ActiveDeviceID != m.localDeviceID
	m.mu.Unlock()

	if selfEcho {
		return
	}

	if becameForeignActive && engine != nil {
		engine.Stop()
	}

	next := fromPlayerState(c.PlayerState, c.ActiveDeviceID, SourceRemote)
	m.applyAndPublish(next)
}

// RunBidirectional additionally consumes engine's own state stream
// until ctx is cancelled, translating each report to Source=Local and
// publishing putstate requests through publisher.
func (m *Manager) RunBidirectional(ctx context.Context, engine LocalEngine, publisher PutStatePublisher) {
	m.mu.Lock()
	m.engine = engine
	m.mu.Unlock()

	reports, unsub := engine.States()
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return
		case report, ok := <-reports:
			if !ok {
				return
			}
			m.ingestLocal(report, publisher)
		}
	}
}

func (m *Manager) ingestLocal(report PlayerState, publisher PutStatePublisher) {
	next := fromPlayerState(report, m.localDeviceID, SourceLocal)
	changed := m.applyAndPublish(next)
	if !changed || publisher == nil {
		return
	}

	m.mu.Lock()
	becameActive := m.current != nil && (m.current.Changes&ChangeTrack != 0 || m.current.Changes&ChangeActiveDevice != 0)
	if becameActive {
		m.startedPlayingAt = timeNow()
		m.hasBeenPlayingForBase = 0
	}
	elapsed := m.hasBeenPlayingForBase + timeNow().Sub(m.startedPlayingAt).Milliseconds()
	connID, _ := m.connID.Load().(string)
	snapshot := *m.current
	msgID := m.messageID.Add(1)
	m.mu.Unlock()

	err := publisher.PublishPutState(PutStateRequest{
		MessageID:           msgID,
		ConnectionID:        connID,
		StartedPlayingAt:    m.startedPlayingAt,
		HasBeenPlayingForMs: elapsed,
		State:               snapshot,
	})
	if err != nil {
		// Publish failures are logged and retried implicitly on the
		// next state change (§7); never surfaced to the caller.
		slog.Warn("state: put-state publish failed", "error", err)
	}
}

// applyAndPublish computes the diff against current, and — unless it
// is empty — replaces current and publishes the snapshot. It reports
// whether a publish occurred.
func (m *Manager) applyAndPublish(next PlaybackState) bool {
	m.mu.Lock()
	var changes ChangeBit
	if m.current == nil {
		changes = ChangeTrack | ChangeStatus | ChangeContext | ChangeOptions | ChangeActiveDevice | ChangeSource | ChangeQueue
	} else {
		changes = diff(*m.current, next)
	}
	if changes == 0 {
		m.mu.Unlock()
		return false
	}
	next.Changes = changes
	m.current = &next
	m.mu.Unlock()

	m.snapshots.Publish(next)
	return true
}

// Close completes the snapshot stream.
func (m *Manager) Close() { m.snapshots.Complete() }

func fromPlayerState(p PlayerState, activeDeviceID string, source Source) PlaybackState {
	return PlaybackState{
		Track:          p.TrackURI,
		PositionMS:     p.PositionMS,
		DurationMS:     p.DurationMS,
		Paused:         p.Paused,
		ContextURI:     p.ContextURI,
		PrevQueue:      p.PrevQueue,
		NextQueue:      p.NextQueue,
		Shuffle:        p.Shuffle,
		RepeatContext:  p.RepeatContext,
		RepeatTrack:    p.RepeatTrack,
		QueueRevision:  p.QueueRevision,
		ActiveDeviceID: activeDeviceID,
		Source:         source,
	}
}

func diff(prev, next PlaybackState) ChangeBit {
	var bits ChangeBit

	if prev.Track != next.Track {
		bits |= ChangeTrack
	}

	delta := next.PositionMS - prev.PositionMS
	if delta < 0 {
		delta = -delta
	}
	if delta > positionTolerance && next.DurationMS != 0 {
		bits |= ChangePosition
	}

	if prev.Paused != next.Paused {
		bits |= ChangeStatus
	}
	if prev.ContextURI != next.ContextURI {
		bits |= ChangeContext
	}
	if prev.Shuffle != next.Shuffle || prev.RepeatContext != next.RepeatContext || prev.RepeatTrack != next.RepeatTrack {
		bits |= ChangeOptions
	}
	if prev.ActiveDeviceID != next.ActiveDeviceID {
		bits |= ChangeActiveDevice
	}
	if prev.Source != next.Source {
		bits |= ChangeSource
	}
	if prev.QueueRevision != next.QueueRevision {
		bits |= ChangeQueue
	}

	return bits
}

// timeNow is a seam so tests can't accidentally depend on wall-clock
// flakiness beyond what's needed; production always uses time.Now.
var timeNow = time.Now
