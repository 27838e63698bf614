package connectclient

import (
	"context"

	"connectclient/internal/diag"
)

// Client pairs a Session (the Connect control core) with a Player
// (the audio I/O/DSP core). The two are composed as named fields
// rather than embedded, since both define a Close method and
// embedding would make that selector ambiguous.
type Client struct {
	Session *Session
	Player  *Player
}

// NewClient wires an already-connected Session to an already-built
// Player. Most callers will instead use Open, which builds both from
// a single OpenOptions value.
func NewClient(session *Session, player *Player) *Client {
	return &Client{Session: session, Player: player}
}

// OpenOptions configures Open.
type OpenOptions struct {
	Connect ConnectOptions
	Player  PlayerOptions
}

// Open connects a Session and builds a Player from a single pair of
// option structs, for the common case of standing up both halves of
// the client together.
func Open(ctx context.Context, opts OpenOptions) (*Client, error) {
	session, err := Connect(ctx, opts.Connect)
	if err != nil {
		return nil, err
	}

	player, err := NewPlayer(opts.Player, opts.Connect.Sender)
	if err != nil {
		_ = session.Close()
		return nil, err
	}

	return NewClient(session, player), nil
}

// Connection reports the Session's connection state, implementing
// diag.StatusProvider.
func (c *Client) Connection() diag.ConnectionStatus {
	status := c.Session.Connection()
	return diag.ConnectionStatus{Connected: status.Connected, ConnectionID: status.ConnectionID}
}

// Cache reports the Player's cache occupancy, implementing
// diag.StatusProvider.
func (c *Client) Cache() diag.CacheStatus {
	return c.Player.CacheStatus()
}

var _ diag.StatusProvider = (*Client)(nil)

// Close tears down the Player and the Session, returning the first
// error encountered from either.
func (c *Client) Close() error {
	playerErr := c.Player.Close()
	sessionErr := c.Session.Close()
	if playerErr != nil {
		return playerErr
	}
	return sessionErr
}
