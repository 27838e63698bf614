package state

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"connectclient/internal/async"
)

func recvOrTimeout(t *testing.T, ch <-chan PlaybackState) PlaybackState {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot")
		return PlaybackState{}
	}
}

func TestIngestClusterPublishesOnFirstSnapshot(t *testing.T) {
	m := New("local-device")
	snapshots, unsub := m.Snapshots()
	defer unsub()

	m.IngestCluster(Cluster{ActiveDeviceID: "remote-1", PlayerState: PlayerState{TrackURI: "track-1", DurationMS: 180000}})

	got := recvOrTimeout(t, snapshots)
	if got.Track != "track-1" {
		t.Fatalf("got track %q", got.Track)
	}
}

func TestIngestClusterSuppressesIdenticalUpdate(t *testing.T) {
	m := New("local-device")
	snapshots, unsub := m.Snapshots()
	defer unsub()

	cluster := Cluster{ActiveDeviceID: "remote-1", PlayerState: PlayerState{TrackURI: "track-1", DurationMS: 180000, PositionMS: 1000}}
	m.IngestCluster(cluster)
	recvOrTimeout(t, snapshots)

	m.IngestCluster(cluster)

	select {
	case s := <-snapshots:
		t.Fatalf("expected no second publish, got %+v", s)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPositionWithinToleranceIsSuppressed(t *testing.T) {
	m := New("local-device")
	snapshots, unsub := m.Snapshots()
	defer unsub()

	m.IngestCluster(Cluster{ActiveDeviceID: "remote-1", PlayerState: PlayerState{TrackURI: "track-1", DurationMS: 180000, PositionMS: 1000}})
	recvOrTimeout(t, snapshots)

	m.IngestCluster(Cluster{ActiveDeviceID: "remote-1", PlayerState: PlayerState{TrackURI: "track-1", DurationMS: 180000, PositionMS: 1500}})

	select {
	case s := <-snapshots:
		t.Fatalf("expected small position drift to be suppressed, got %+v", s)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPositionChangeOnInfiniteStreamIsSuppressed(t *testing.T) {
	m := New("local-device")
	snapshots, unsub := m.Snapshots()
	defer unsub()

	m.IngestCluster(Cluster{ActiveDeviceID: "remote-1", PlayerState: PlayerState{TrackURI: "live-stream", DurationMS: 0, PositionMS: 1000}})
	recvOrTimeout(t, snapshots)

	m.IngestCluster(Cluster{ActiveDeviceID: "remote-1", PlayerState: PlayerState{TrackURI: "live-stream", DurationMS: 0, PositionMS: 50000}})

	select {
	case s := <-snapshots:
		t.Fatalf("expected position-only change on an infinite stream to be suppressed, got %+v", s)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTrackChangePublishesWithChangeBit(t *testing.T) {
	m := New("local-device")
	snapshots, unsub := m.Snapshots()
	defer unsub()

	m.IngestCluster(Cluster{ActiveDeviceID: "remote-1", PlayerState: PlayerState{TrackURI: "track-1", DurationMS: 180000}})
	recvOrTimeout(t, snapshots)

	m.IngestCluster(Cluster{ActiveDeviceID: "remote-1", PlayerState: PlayerState{TrackURI: "track-2", DurationMS: 200000}})
	got := recvOrTimeout(t, snapshots)
	if got.Changes&ChangeTrack == 0 {
		t.Fatalf("expected ChangeTrack bit set, got %v", got.Changes)
	}
}

type fakeEngine struct {
	states     *async.SafeSubject[PlayerState]
	mu         sync.Mutex
	stops      int
	subscribed chan struct{} // closed once RunBidirectional has subscribed
	subOnce    sync.Once
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{states: async.NewSafeSubject[PlayerState](), subscribed: make(chan struct{})}
}

// States subscribes to the engine's reports; SafeSubject does not replay
// reports published before the subscription.
func (f *fakeEngine) States() (<-chan PlayerState, func()) {
	ch, unsub := f.states.Subscribe(8)
	f.subOnce.Do(func() { close(f.subscribed) })
	return ch, unsub
}

func (f *fakeEngine) Stop() {
	f.mu.Lock()
	f.stops++
	f.mu.Unlock()
}

func (f *fakeEngine) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

func TestForeignActiveDeviceStopsLocalEngineAndFallsBackToRemote(t *testing.T) {
	m := New("local-device")
	snapshots, unsub := m.Snapshots()
	defer unsub()

	engine := newFakeEngine()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.RunBidirectional(ctx, engine, nil)
	<-engine.subscribed

	engine.states.Publish(PlayerState{TrackURI: "my-track", DurationMS: 180000, Paused: false})
	got := recvOrTimeout(t, snapshots)
	if got.Source != SourceLocal || got.ActiveDeviceID != "local-device" {
		t.Fatalf("expected local active snapshot, got %+v", got)
	}

	m.IngestCluster(Cluster{ActiveDeviceID: "other-device", PlayerState: PlayerState{TrackURI: "other-track", DurationMS: 100000}})
	got = recvOrTimeout(t, snapshots)
	if got.Source != SourceRemote || got.ActiveDeviceID != "other-device" {
		t.Fatalf("expected remote snapshot after foreign device takeover, got %+v", got)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && engine.stopCount() == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	if engine.stopCount() != 1 {
		t.Fatalf("expected engine.Stop() to be called once, got %d", engine.stopCount())
	}
}

func TestClusterEchoOfLocalDeviceDuringLocalPlaybackIsIgnored(t *testing.T) {
	m := New("local-device")
	snapshots, unsub := m.Snapshots()
	defer unsub()

	engine := newFakeEngine()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.RunBidirectional(ctx, engine, nil)
	<-engine.subscribed

	engine.states.Publish(PlayerState{TrackURI: "my-track", DurationMS: 180000, Paused: false})
	got := recvOrTimeout(t, snapshots)
	if got.Source != SourceLocal || got.ActiveDeviceID != "local-device" {
		t.Fatalf("expected local active snapshot, got %+v", got)
	}

	// A cluster update that simply echoes this device back as active
	// is routine traffic during local playback and must not flip
	// Source or publish a new snapshot.
	m.IngestCluster(Cluster{ActiveDeviceID: "local-device", PlayerState: PlayerState{TrackURI: "my-track", DurationMS: 180000, Paused: false}})

	select {
	case s := <-snapshots:
		t.Fatalf("expected self-echoing cluster update to be ignored, got %+v", s)
	case <-time.After(100 * time.Millisecond):
	}

	current, ok := m.Current()
	if !ok || current.Source != SourceLocal {
		t.Fatalf("expected Source to remain Local, got %+v (ok=%v)", current, ok)
	}
	if engine.stopCount() != 0 {
		t.Fatalf("expected engine.Stop() not to be called, got %d", engine.stopCount())
	}
}

type fakePublisher struct {
	mu      sync.Mutex
	reqs    []PutStateRequest
	failErr error
}

func (p *fakePublisher) PublishPutState(req PutStateRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reqs = append(p.reqs, req)
	if p.failErr != nil {
		return p.failErr
	}
	return nil
}

func (p *fakePublisher) all() []PutStateRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]PutStateRequest(nil), p.reqs...)
}

func TestRunBidirectionalPublishesPutStateForLocalChanges(t *testing.T) {
	m := New("local-device")
	m.SetConnectionID("conn-1")
	snapshots, unsub := m.Snapshots()
	defer unsub()

	engine := newFakeEngine()
	publisher := &fakePublisher{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.RunBidirectional(ctx, engine, publisher)
	<-engine.subscribed

	engine.states.Publish(PlayerState{TrackURI: "track-a", DurationMS: 180000})
	recvOrTimeout(t, snapshots)

	engine.states.Publish(PlayerState{TrackURI: "track-b", DurationMS: 200000})
	recvOrTimeout(t, snapshots)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(publisher.all()) < 2 {
		time.Sleep(10 * time.Millisecond)
	}
	reqs := publisher.all()
	if len(reqs) != 2 {
		t.Fatalf("got %d put-state requests, want 2", len(reqs))
	}
	if reqs[0].MessageID >= reqs[1].MessageID {
		t.Fatalf("expected increasing message ids, got %d then %d", reqs[0].MessageID, reqs[1].MessageID)
	}
	if reqs[0].ConnectionID != "conn-1" || reqs[1].ConnectionID != "conn-1" {
		t.Fatalf("expected connection id to be carried on every request, got %+v", reqs)
	}
}

func TestRunBidirectionalSurvivesPublishFailure(t *testing.T) {
	m := New("local-device")
	snapshots, unsub := m.Snapshots()
	defer unsub()

	engine := newFakeEngine()
	publisher := &fakePublisher{failErr: errors.New("reply queue full")}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.RunBidirectional(ctx, engine, publisher)
	<-engine.subscribed

	// A failing publisher must not block or panic the ingest loop —
	// the local snapshot still lands, and the next change is ingested
	// normally (§7: failures are logged and retried on the next
	// change, never surfaced to the caller).
	engine.states.Publish(PlayerState{TrackURI: "track-a", DurationMS: 180000})
	recvOrTimeout(t, snapshots)

	engine.states.Publish(PlayerState{TrackURI: "track-b", DurationMS: 200000})
	got := recvOrTimeout(t, snapshots)
	if got.Track != "track-b" {
		t.Fatalf("expected ingest to continue after publish failure, got %+v", got)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(publisher.all()) < 2 {
		time.Sleep(10 * time.Millisecond)
	}
	if len(publisher.all()) != 2 {
		t.Fatalf("expected publish to still be attempted on every change, got %d", len(publisher.all()))
	}
}

func TestFilteredStreamOnlyForwardsMatchingChanges(t *testing.T) {
	m := New("local-device")
	trackChanges, unsub := m.Filtered(ChangeTrack)
	defer unsub()

	m.IngestCluster(Cluster{ActiveDeviceID: "d1", PlayerState: PlayerState{TrackURI: "t1", DurationMS: 1000}})
	first := recvOrTimeout(t, trackChanges)
	if first.Track != "t1" {
		t.Fatalf("got %+v", first)
	}

	// Pure status change (pause) — should not appear on the track-filtered stream.
	m.IngestCluster(Cluster{ActiveDeviceID: "d1", PlayerState: PlayerState{TrackURI: "t1", DurationMS: 1000, Paused: true}})

	select {
	case s := <-trackChanges:
		t.Fatalf("expected status-only change to be filtered out, got %+v", s)
	case <-time.After(100 * time.Millisecond):
	}
}
