package connectclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"connectclient/internal/auth"
	"connectclient/internal/command"
	"connectclient/internal/credentials"
	"connectclient/internal/dealer"
	"connectclient/internal/events"
	"connectclient/internal/handshake"
	"connectclient/internal/state"
	"connectclient/internal/transport"
)

// clusterURI is the dealer message URI carrying cluster snapshots
// (§3's Cluster, delivered over the namespace §4.7 also uses for
// commands).
const clusterURI = "hm://connect-state/v1/cluster"

// ErrNoCredential is returned by Connect when opts carries no explicit
// Credential and none can be loaded from the credential store.
var ErrNoCredential = errors.New("session: no credential available")

// QualityLevel classifies the Dealer's measured connection RTT. The
// wire protocol itself names no packet-loss or jitter signal for this
// client to observe, so — unlike the teacher's four-factor
// qualityLevel — this is a pure RTT threshold classifier.
type QualityLevel int

const (
	QualityGood QualityLevel = iota
	QualityModerate
	QualityPoor
)

func (q QualityLevel) String() string {
	switch q {
	case QualityGood:
		return "good"
	case QualityModerate:
		return "moderate"
	default:
		return "poor"
	}
}

// RTT thresholds for classifyQuality, mirroring the order of
// magnitude in client/transport.go's qualityLevel (good < 100ms,
// moderate < 300ms, else poor).
const (
	qualityGoodThreshold     = 100 * time.Millisecond
	qualityModerateThreshold = 300 * time.Millisecond
)

func classifyQuality(rtt time.Duration) QualityLevel {
	switch {
	case rtt <= 0:
		return QualityPoor
	case rtt < qualityGoodThreshold:
		return QualityGood
	case rtt < qualityModerateThreshold:
		return QualityModerate
	default:
		return QualityPoor
	}
}

// Metrics is a read-only snapshot of the session's connection health.
type Metrics struct {
	RTT     time.Duration
	Quality QualityLevel
}

// ConnectOptions configures Connect.
type ConnectOptions struct {
	Config Config
	// Credential, if set, skips the credential store lookup.
	Credential *auth.Credential
	Device     auth.DeviceInfo
	// DealerURL is the websocket endpoint the Dealer connects to.
	DealerURL    string
	DealerHeader http.Header
	// Sender delivers finished telemetry records upstream; required.
	Sender events.Sender
	// CredentialSealer seals credential files at rest, or nil to store
	// plain JSON (logged as a policy decision by internal/credentials).
	CredentialSealer credentials.Sealer
	// CredentialDir overrides the platform config directory, for tests.
	CredentialDir string
}

// Session is the Connect control core's public wiring: the handshake/
// transport/authentication pipeline, the Dealer's duplex message bus,
// the CommandHandler, and the StateManager, coordinated under one
// errgroup so a failure or a deliberate Close tears every component
// down together (§4.1-§4.8).
type Session struct {
	transport *transport.Transport
	dealer    *dealer.Dealer
	commands  *command.Handler
	stateMgr  *state.Manager
	events    *events.Service
	credStore *credentials.Store
	deviceID  string

	mu        sync.Mutex
	cred      auth.Credential
	connected bool
	connID    string

	cancel   context.CancelFunc
	eg       *errgroup.Group
	waitDone chan struct{}
	waitErr  error
}

// Connect dials the access point named by opts.Config.AccessPointAddr,
// performs the handshake and authentication, then starts the Dealer,
// CommandHandler, and StateManager for the lifetime of the returned
// Session (until ctx is cancelled or Close is called).
func Connect(ctx context.Context, opts ConnectOptions) (*Session, error) {
	credStore, err := newCredentialStore(opts)
	if err != nil {
		return nil, fmt.Errorf("session: open credential store: %w", err)
	}

	cred, err := resolveCredential(opts, credStore)
	if err != nil {
		return nil, err
	}

	conn, err := handshake.DialTCP(opts.Config.AccessPointAddr)
	if err != nil {
		return nil, fmt.Errorf("session: dial access point: %w", err)
	}

	hsResult, err := handshake.Do(conn, nil)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("session: handshake: %w", err)
	}

	tp := transport.New(conn, hsResult.Keys)

	authedCred, err := auth.Authenticate(tp, cred, opts.Device)
	if err != nil {
		_ = tp.Close()
		return nil, fmt.Errorf("session: authenticate: %w", err)
	}
	if err := credStore.Save(authedCred); err != nil {
		// Non-fatal: the session is usable even if persisting the
		// refreshed reusable credential for next time fails.
		slog.Warn("session: failed to persist refreshed credential", "error", err)
	}

	d := dealer.New(opts.DealerURL, opts.DealerHeader)
	cmds := command.New()
	stateMgr := state.New(opts.Device.DeviceID)
	eventsSvc := events.NewService(opts.Sender)

	runCtx, cancel := context.WithCancel(ctx)
	eg, egCtx := errgroup.WithContext(runCtx)

	s := &Session{
		transport: tp,
		dealer:    d,
		commands:  cmds,
		stateMgr:  stateMgr,
		events:    eventsSvc,
		credStore: credStore,
		deviceID:  opts.Device.DeviceID,
		cred:      authedCred,
		cancel:    cancel,
		eg:        eg,
		waitDone:  make(chan struct{}),
	}

	eg.Go(func() error {
		d.Run(egCtx)
		return nil
	})
	eg.Go(func() error {
		cmds.Run(egCtx, d)
		return nil
	})
	eg.Go(func() error {
		s.consumeConnectionIDs(egCtx)
		return nil
	})
	eg.Go(func() error {
		s.consumeClusterMessages(egCtx)
		return nil
	})

	go func() {
		err := eg.Wait()
		s.mu.Lock()
		s.waitErr = err
		s.mu.Unlock()
		close(s.waitDone)
	}()

	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()

	return s, nil
}

func newCredentialStore(opts ConnectOptions) (*credentials.Store, error) {
	if opts.CredentialDir != "" {
		return credentials.NewStoreAt(opts.CredentialDir, opts.CredentialSealer)
	}
	return credentials.NewStore(opts.CredentialSealer)
}

func resolveCredential(opts ConnectOptions, store *credentials.Store) (auth.Credential, error) {
	if opts.Credential != nil {
		return *opts.Credential, nil
	}
	if cred, ok := store.LoadLast(); ok {
		return cred, nil
	}
	return auth.Credential{}, ErrNoCredential
}

func (s *Session) consumeConnectionIDs(ctx context.Context) {
	ids, unsub := s.dealer.ConnectionID()
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case id, ok := <-ids:
			if !ok {
				return
			}
			s.stateMgr.SetConnectionID(id)
			s.mu.Lock()
			s.connID = id
			s.mu.Unlock()
		}
	}
}

// clusterWire is the inbound JSON shape for a cluster snapshot (§3's
// Cluster/PlayerState); no concrete wire layout is named beyond the
// glossary's field list, so this implementation's own JSON tags are
// used consistently between here and any host-supplied fixtures.
type clusterWire struct {
	ActiveDeviceID string `json:"active_device_id"`
	PlayerState    struct {
		TrackURI      string   `json:"track_uri"`
		PositionMs    int64    `json:"position_ms"`
		DurationMs    int64    `json:"duration_ms"`
		Paused        bool     `json:"paused"`
		ContextURI    string   `json:"context_uri"`
		PrevTracks    []string `json:"prev_tracks"`
		NextTracks    []string `json:"next_tracks"`
		Shuffle       bool     `json:"shuffle"`
		RepeatContext bool     `json:"repeat_context"`
		RepeatTrack   bool     `json:"repeat_track"`
		SessionID     string   `json:"session_id"`
		QueueRevision string   `json:"queue_revision"`
	} `json:"player_state"`
}

func (s *Session) consumeClusterMessages(ctx context.Context) {
	messages, unsub := s.dealer.Messages()
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			if msg.URI != clusterURI || len(msg.Payloads) == 0 {
				continue
			}
			s.ingestClusterPayload(msg.Payloads[0])
		}
	}
}

func (s *Session) ingestClusterPayload(payload []byte) {
	var wire clusterWire
	if err := json.Unmarshal(payload, &wire); err != nil {
		return
	}
	s.stateMgr.IngestCluster(state.Cluster{
		ActiveDeviceID: wire.ActiveDeviceID,
		PlayerState: state.PlayerState{
			TrackURI:      wire.PlayerState.TrackURI,
			PositionMS:    wire.PlayerState.PositionMs,
			DurationMS:    wire.PlayerState.DurationMs,
			Paused:        wire.PlayerState.Paused,
			ContextURI:    wire.PlayerState.ContextURI,
			PrevQueue:     wire.PlayerState.PrevTracks,
			NextQueue:     wire.PlayerState.NextTracks,
			Shuffle:       wire.PlayerState.Shuffle,
			RepeatContext: wire.PlayerState.RepeatContext,
			RepeatTrack:   wire.PlayerState.RepeatTrack,
			SessionID:     wire.PlayerState.SessionID,
			QueueRevision: wire.PlayerState.QueueRevision,
		},
	})
}

// EnableStateSync additionally runs the StateManager in bidirectional
// mode, consuming engine's own playback reports and publishing locally
// originated state changes through publisher, until Close. Must be
// called before Close — errgroup.Group forbids adding new tasks once
// its Wait has returned, and Close is what triggers that Wait.
func (s *Session) EnableStateSync(ctx context.Context, engine state.LocalEngine, publisher state.PutStatePublisher) {
	runCtx, cancel := context.WithCancel(ctx)
	s.eg.Go(func() error {
		defer cancel()
		s.stateMgr.RunBidirectional(runCtx, engine, publisher)
		return nil
	})
}

// Commands returns the stream of parsed playback commands of the
// given type (§4.7). The caller replies via CompleteCommand.
func (s *Session) Commands(t command.Type) (<-chan command.Command, func()) {
	return s.commands.Subscribe(t)
}

// CompleteCommand sends cmd's reply upstream and resolves any waiter
// blocked on it.
func (s *Session) CompleteCommand(cmd command.Command, payload []byte) error {
	return s.commands.SendReply(cmd.Key, payload)
}

// Snapshots subscribes to every published PlaybackState (§4.8).
func (s *Session) Snapshots() (<-chan state.PlaybackState, func()) {
	return s.stateMgr.Snapshots()
}

// CurrentState returns the most recent playback snapshot, if any.
func (s *Session) CurrentState() (state.PlaybackState, bool) {
	return s.stateMgr.Current()
}

// Events exposes the underlying EventService, for callers building
// their own telemetry records (e.g. NewSessionRecord at context
// switch) beyond the TrackTransition records Player emits itself.
func (s *Session) Events() *events.Service { return s.events }

// Metrics reports the Dealer's current connection-quality snapshot.
func (s *Session) Metrics() Metrics {
	rtt := s.dealer.RTT()
	return Metrics{RTT: rtt, Quality: classifyQuality(rtt)}
}

// Credential returns the credential this session authenticated with,
// including any server-refreshed reusable StoredBlob data.
func (s *Session) Credential() auth.Credential {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cred
}

// Connection reports whether the session is still running and its
// most recently observed Dealer connection id, for the diag status
// surface.
func (s *Session) Connection() ConnectionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ConnectionStatus{Connected: s.connected, ConnectionID: s.connID}
}

// ConnectionStatus summarizes the session's Dealer connection for the
// diag status surface (mirrors internal/diag.ConnectionStatus so
// Client can satisfy diag.StatusProvider without importing diag
// types into this file).
type ConnectionStatus struct {
	Connected    bool
	ConnectionID string
}

// Close tears down every session component: cancels the run context,
// waits for the Dealer/CommandHandler/StateManager goroutines to
// exit, closes the transport, and flushes pending telemetry.
func (s *Session) Close() error {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()

	s.cancel()
	<-s.waitDone

	s.commands.Close()
	s.stateMgr.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	eventsErr := s.events.Shutdown(shutdownCtx)

	transportErr := s.transport.Close()

	s.mu.Lock()
	waitErr := s.waitErr
	s.mu.Unlock()

	if waitErr != nil {
		return fmt.Errorf("session: component failure: %w", waitErr)
	}
	if transportErr != nil {
		return fmt.Errorf("session: close transport: %w", transportErr)
	}
	return eventsErr
}
