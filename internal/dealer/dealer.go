// Package dealer implements the Connect control core's persistent
// duplex message bus (§4.6): a reconnecting websocket client that
// parses inbound frames into fire-and-forget messages or replyable
// requests, and accepts outbound replies keyed per request.
package dealer

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"connectclient/internal/async"
)

// ErrReplyQueueFull is returned by SendReply when the outbound reply
// queue is saturated; the caller's reply is dropped, never blocked on.
var ErrReplyQueueFull = errors.New("dealer: reply queue full")

const (
	writeTimeout   = 5 * time.Second
	initialBackoff = 500 * time.Millisecond
	maxBackoff     = 30 * time.Second
	replyQueueSize = 64

	pingInterval = 15 * time.Second
	pongTimeout  = 45 * time.Second
	// rttSmoothing is the EWMA weight given to each new RTT sample,
	// matching the teacher's smoothedRTT update in client/transport.go.
	rttSmoothing = 0.2
)

// Message is a one-way inbound frame (§3's DealerMessage, message arm).
type Message struct {
	URI      string
	Headers  map[string]string
	Payloads [][]byte
}

// Request is an inbound frame expecting an explicit reply (§3's
// DealerMessage, request arm). Key is unique per in-flight request.
type Request struct {
	MessageIdent string
	Key          string
	Payload      []byte
}

// envelope is the wire JSON shape exchanged over the websocket.
type envelope struct {
	Type         string            `json:"type"`
	URI          string            `json:"uri,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	Payloads     []string          `json:"payloads,omitempty"`
	MessageIdent string            `json:"message_ident,omitempty"`
	Key          string            `json:"key,omitempty"`
	Payload      string            `json:"payload,omitempty"`
}

type pendingReply struct {
	key     string
	payload []byte
}

// Dealer owns one logical duplex connection, reconnecting with capped
// exponential backoff whenever the transport drops. All exported
// streams are safe to subscribe to from multiple goroutines.
type Dealer struct {
	url    string
	dialer *websocket.Dialer
	header http.Header

	messages *async.SafeSubject[Message]
	requests *async.SafeSubject[Request]
	failures *async.SafeSubject[string]
	connID   *async.SafeSubject[string]

	mu          sync.Mutex
	pendingKeys map[string]struct{}
	conn        *websocket.Conn
	replies     chan pendingReply

	// smoothedRTT is an EWMA of ping/pong round-trip time, stored as
	// float64 bits for lock-free reads from RTT (§9 supplemented
	// connection-quality metrics; no RTT signal is named in the wire
	// protocol itself, so this pings the dealer socket directly the
	// way client/transport.go's pingLoop does).
	smoothedRTT atomic.Uint64
	lastPingAt  atomic.Int64
}

// New creates a Dealer that will dial url once Run is called.
func New(url string, header http.Header) *Dealer {
	return &Dealer{
		url:         url,
		dialer:      websocket.DefaultDialer,
		header:      header,
		messages:    async.NewSafeSubject[Message](),
		requests:    async.NewSafeSubject[Request](),
		failures:    async.NewSafeSubject[string](),
		connID:      async.NewSafeSubject[string](),
		pendingKeys: make(map[string]struct{}),
		replies:     make(chan pendingReply, replyQueueSize),
	}
}

// Messages subscribes to fire-and-forget inbound frames.
func (d *Dealer) Messages() (<-chan Message, func()) { return d.messages.Subscribe(32) }

// Requests subscribes to inbound frames expecting a reply.
func (d *Dealer) Requests() (<-chan Request, func()) { return d.requests.Subscribe(32) }

// Failures subscribes to the keys of requests whose reply was never
// sent before the connection carrying them dropped.
func (d *Dealer) Failures() (<-chan string, func()) { return d.failures.Subscribe(32) }

// RTT returns the current smoothed ping/pong round-trip time. Zero
// until the first pong arrives on a fresh connection.
func (d *Dealer) RTT() time.Duration {
	return time.Duration(math.Float64frombits(d.smoothedRTT.Load()))
}

// ConnectionID subscribes to the current connection identifier,
// republished on every successful (re)connect.
func (d *Dealer) ConnectionID() (<-chan string, func()) { return d.connID.Subscribe(4) }

// Run dials and serves the connection until ctx is cancelled,
// reconnecting with capped exponential backoff on every drop. It
// returns only when ctx is done.
func (d *Dealer) Run(ctx context.Context) {
	backoff := initialBackoff
	limiter := rate.NewLimiter(rate.Every(backoff), 1)

	for ctx.Err() == nil {
		conn, _, err := d.dialer.DialContext(ctx, d.url, d.header)
		if err != nil {
			slog.Warn("dealer: dial failed, backing off", "error", err, "backoff", backoff)
			limiter.SetLimit(rate.Every(backoff))
			if waitErr := limiter.Wait(ctx); waitErr != nil {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}

		backoff = initialBackoff
		id := uuid.NewString()
		slog.Info("dealer: connected", "connection_id", id)
		d.connID.Publish(id)

		d.serve(ctx, conn)
		d.failAllPending()

		if ctx.Err() != nil {
			return
		}
		slog.Warn("dealer: connection dropped, reconnecting")
	}
}

// serve drives one connection's read and write loops until either
// fails or ctx is cancelled.
func (d *Dealer) serve(ctx context.Context, conn *websocket.Conn) {
	d.mu.Lock()
	d.conn = conn
	d.mu.Unlock()
	d.smoothedRTT.Store(0)
	_ = conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongTimeout))
		d.recordPong()
		return nil
	})
	defer func() {
		_ = conn.Close()
		d.mu.Lock()
		d.conn = nil
		d.mu.Unlock()
	}()

	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		d.writeLoop(pingCtx, conn)
		// Unblocks readLoop when the writer fails or ctx is cancelled.
		_ = conn.Close()
	}()
	go d.pingLoop(pingCtx, conn)

	d.readLoop(conn)
	cancelPing()
	<-writerDone
}

// pingLoop sends a websocket ping every pingInterval so RTT can be
// measured. The read deadline serve sets (refreshed on every pong)
// is what actually drops a peer that stops responding.
func (d *Dealer) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.lastPingAt.Store(time.Now().UnixNano())
			deadline := time.Now().Add(writeTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				slog.Debug("dealer: ping failed", "error", err)
				return
			}
		}
	}
}

func (d *Dealer) recordPong() {
	sentAt := d.lastPingAt.Load()
	if sentAt == 0 {
		return
	}
	sample := float64(time.Since(time.Unix(0, sentAt)))

	for {
		old := math.Float64frombits(d.smoothedRTT.Load())
		var next float64
		if old == 0 {
			next = sample
		} else {
			next = old + rttSmoothing*(sample-old)
		}
		if d.smoothedRTT.CompareAndSwap(math.Float64bits(old), math.Float64bits(next)) {
			return
		}
	}
}

func (d *Dealer) writeLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case reply, ok := <-d.replies:
			if !ok {
				return
			}
			env := envelope{
				Type:    "reply",
				Key:     reply.key,
				Payload: base64.StdEncoding.EncodeToString(reply.payload),
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(env); err != nil {
				slog.Debug("dealer: write reply failed", "key", reply.key, "error", err)
				return
			}
		}
	}
}

func (d *Dealer) readLoop(conn *websocket.Conn) {
	conn.SetReadLimit(4 << 20)
	for {
		var env envelope
		if err := conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("dealer: unexpected close", "error", err)
			}
			return
		}
		d.dispatch(env)
	}
}

func (d *Dealer) dispatch(env envelope) {
	switch env.Type {
	case "message":
		payloads := make([][]byte, 0, len(env.Payloads))
		for _, p := range env.Payloads {
			b, err := base64.StdEncoding.DecodeString(p)
			if err != nil {
				slog.Warn("dealer: malformed payload in message", "uri", env.URI, "error", err)
				continue
			}
			payloads = append(payloads, b)
		}
		d.messages.Publish(Message{URI: env.URI, Headers: env.Headers, Payloads: payloads})

	case "request":
		payload, err := base64.StdEncoding.DecodeString(env.Payload)
		if err != nil {
			slog.Warn("dealer: malformed request payload", "key", env.Key, "error", err)
			return
		}
		d.markPending(env.Key)
		d.requests.Publish(Request{MessageIdent: env.MessageIdent, Key: env.Key, Payload: payload})

	default:
		slog.Warn("dealer: unknown envelope type", "type", env.Type)
	}
}

func (d *Dealer) markPending(key string) {
	d.mu.Lock()
	d.pendingKeys[key] = struct{}{}
	d.mu.Unlock()
}

// SendReply enqueues payload as the reply for key, to be written to the
// current connection in FIFO order. A reply queued while no connection
// is up stays queued and is written by the next connection. Its key
// stops counting as pending, so it is never reported on Failures.
func (d *Dealer) SendReply(key string, payload []byte) error {
	d.mu.Lock()
	delete(d.pendingKeys, key)
	d.mu.Unlock()

	select {
	case d.replies <- pendingReply{key: key, payload: payload}:
		return nil
	default:
		slog.Warn("dealer: reply queue full, dropping", "key", key)
		return ErrReplyQueueFull
	}
}

func (d *Dealer) failAllPending() {
	d.mu.Lock()
	keys := make([]string, 0, len(d.pendingKeys))
	for k := range d.pendingKeys {
		keys = append(keys, k)
	}
	d.pendingKeys = make(map[string]struct{})
	d.mu.Unlock()

	for _, k := range keys {
		d.failures.Publish(k)
	}
}

func nextBackoff(b time.Duration) time.Duration {
	b *= 2
	if b > maxBackoff {
		return maxBackoff
	}
	return b
}
