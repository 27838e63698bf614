// Command device is a minimal reference host for connectclient: it
// connects a Session, wires command and state-snapshot logging to
// stdout, and optionally serves the diag status endpoint.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"

	"connectclient"
	"connectclient/internal/auth"
	"connectclient/internal/command"
	"connectclient/internal/diag"
)

// stdoutSender logs each telemetry record rather than shipping it
// anywhere; a real host would forward these to the upstream ingest
// endpoint.
type stdoutSender struct{}

func (stdoutSender) Send(record []byte) error {
	log.Printf("[device] event: %s", record)
	return nil
}

func main() {
	username := flag.String("username", "", "account username, paired with -token (Token credential)")
	token := flag.String("token", "", "OAuth-style access token for -username (preferred live bootstrap path)")
	legacyUsername := flag.String("legacy-username", "", "deprecated: account username for a one-time password login")
	legacyPassword := flag.String("legacy-password", "", "deprecated: account password, only read with -legacy-username")
	deviceID := flag.String("device-id", "", "device identifier reported at login")
	deviceName := flag.String("device-name", "", "device name reported at login (overrides saved config)")
	apAddr := flag.String("ap-addr", "", "access point host:port (overrides saved config)")
	dealerURL := flag.String("dealer-url", "", "dealer websocket URL")
	diagAddr := flag.String("diag-addr", "", "diag HTTP listen address (empty to disable)")
	flag.Parse()

	cfg := connectclient.Load()
	if *deviceName != "" {
		cfg.DeviceName = *deviceName
	}
	if *apAddr != "" {
		cfg.AccessPointAddr = *apAddr
	}
	if *diagAddr != "" {
		cfg.DiagAddr = *diagAddr
	}
	if *deviceID == "" {
		*deviceID = cfg.DeviceID
	}

	// Per §9's design notes, new code should only expose Token,
	// StoredBlob, and externally-acquired OAuth-style credentials as
	// live auth paths. -legacy-username/-legacy-password remain only
	// as a deprecated one-time bootstrap (matching the original
	// source's own deprecated password-login constructor) for the
	// case where a host has no token yet and no saved credential —
	// every other path below it is preferred.
	var cred *auth.Credential
	switch {
	case *username != "" && *token != "":
		c := auth.New(*username, auth.TypeToken, []byte(*token))
		cred = &c
	case *legacyUsername != "":
		log.Printf("[device] warning: -legacy-username/-legacy-password is a deprecated bootstrap path; use -username/-token once a token is available")
		c := auth.New(*legacyUsername, auth.TypeUserPass, []byte(*legacyPassword))
		cred = &c
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.Println("[device] shutting down...")
		cancel()
	}()

	client, err := connectclient.Open(ctx, connectclient.OpenOptions{
		Connect: connectclient.ConnectOptions{
			Config:     cfg,
			Credential: cred,
			Device: auth.DeviceInfo{
				DeviceID:  *deviceID,
				OS:        "linux",
				CPUFamily: "x86_64",
				Version:   "1.0.0",
			},
			DealerURL: *dealerURL,
			Sender:    stdoutSender{},
		},
		Player: connectclient.PlayerOptions{
			CacheDir:         cfg.CacheDir,
			CacheChunkBytes:  cfg.CacheChunkBytes,
			CacheTargetBytes: cfg.CacheTargetBytes,
			CachePruneEvery:  cfg.CachePruneEvery,
			SinkBufferMs:     cfg.SinkBufferMs,
		},
	})
	if err != nil {
		log.Fatalf("[device] open: %v", err)
	}
	defer func() {
		if err := client.Close(); err != nil {
			log.Printf("[device] close: %v", err)
		}
	}()

	if err := connectclient.Save(cfg); err != nil {
		log.Printf("[device] save config: %v", err)
	}

	go logCommands(ctx, client.Session)
	go logSnapshots(ctx, client.Session)

	if cfg.DiagAddr != "" {
		go func() {
			srv := diag.New(client)
			if err := srv.Run(ctx, cfg.DiagAddr); err != nil && err != http.ErrServerClosed {
				log.Printf("[device] diag server: %v", err)
			}
		}()
	}

	<-ctx.Done()
}

// logCommands prints every inbound remote-control command. A real
// host would route these into its own playback engine via Player and
// reply with client.Session.CompleteCommand.
func logCommands(ctx context.Context, session *connectclient.Session) {
	for _, t := range []command.Type{
		command.Play, command.Pause, command.Resume, command.Seek,
		command.SkipNext, command.SkipPrev, command.Transfer,
	} {
		ch, cancel := session.Commands(t)
		defer cancel()
		go func(t command.Type, ch <-chan command.Command) {
			for {
				select {
				case <-ctx.Done():
					return
				case cmd, ok := <-ch:
					if !ok {
						return
					}
					log.Printf("[device] command %s from %s (key %s)", t, cmd.SenderDeviceID, cmd.Key)
				}
			}
		}(t, ch)
	}
	<-ctx.Done()
}

// logSnapshots prints every published playback-state snapshot.
func logSnapshots(ctx context.Context, session *connectclient.Session) {
	ch, cancel := session.Snapshots()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-ch:
			if !ok {
				return
			}
			log.Printf("[device] state: track=%s position=%dms paused=%v", snap.Track, snap.PositionMS, snap.Paused)
		}
	}
}
