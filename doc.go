// Package connectclient is a third-party client for a proprietary
// music-streaming service's device-remote-control protocol, modeled
// on the publicly documented shape of Spotify Connect.
//
// A Session (session.go) performs the access-point handshake and
// authentication, then runs the Dealer (internal/dealer), the
// CommandHandler (internal/command), and the StateManager
// (internal/state) for as long as the session is open. A Player
// (player.go) fetches, decrypts, caches, processes, and plays back
// audio content (internal/cache, internal/decrypt, internal/dsp,
// internal/sink). Client (client.go) composes the two for
// applications that want both halves wired together from one call to
// Open.
//
// Credentials persist across sessions via internal/credentials;
// internal/events builds and ships the telemetry records playback
// requires. internal/diag is an optional local HTTP status endpoint
// for host applications to embed.
package connectclient
