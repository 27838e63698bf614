// Package transport implements the post-handshake framed, encrypted
// access-point channel: one read half, one write half, each sequential and
// never interleaving a partial frame (§4.2).
package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"connectclient/internal/shannon"
)

// ErrTransportClosed is returned from Send/Receive once the underlying
// connection has been closed, locally or by the peer.
var ErrTransportClosed = errors.New("transport: closed")

// ErrProtocol is returned when a frame fails to parse or its MAC doesn't
// verify. A ProtocolError invalidates the session: there is no recovery.
var ErrProtocol = errors.New("transport: protocol error")

// SessionKeys holds the send/recv keys derived by the handshake (§2/§4.1).
type SessionKeys struct {
	SendKey []byte
	RecvKey []byte
}

// Transport owns a TCP stream and the two nonce counters used to key the
// Shannon cipher per frame.
type Transport struct {
	conn net.Conn

	sendMu    sync.Mutex
	sendNonce uint32
	sendCipher *shannon.Cipher

	recvMu    sync.Mutex
	recvNonce uint32
	recvCipher *shannon.Cipher

	closed atomic.Bool
}

// New wraps conn with the given session keys. The two cipher halves are
// independent; send and receive never share state.
func New(conn net.Conn, keys SessionKeys) *Transport {
	return &Transport{
		conn:       conn,
		sendCipher: shannon.New(keys.SendKey),
		recvCipher: shannon.New(keys.RecvKey),
	}
}

// Send writes one frame: cmd, big-endian len, payload, then a 4-byte MAC.
// Safe to call concurrently with Receive, but not with another Send — the
// caller owns one logical writer per §4.2.
func (t *Transport) Send(cmd byte, payload []byte) error {
	if t.closed.Load() {
		return ErrTransportClosed
	}

	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	var nonce [8]byte
	binary.BigEndian.PutUint32(nonce[4:], t.sendNonce)
	t.sendCipher.Nonce(nonce[:])
	t.sendNonce++

	plain := make([]byte, 1+2+len(payload))
	plain[0] = cmd
	binary.BigEndian.PutUint16(plain[1:3], uint16(len(payload)))
	copy(plain[3:], payload)

	cipherText := make([]byte, len(plain))
	t.sendCipher.Encrypt(cipherText, plain)
	mac := t.sendCipher.Finish()

	frame := append(cipherText, mac...)
	if _, err := t.conn.Write(frame); err != nil {
		t.markClosed()
		return fmt.Errorf("%w: %v", ErrTransportClosed, err)
	}
	return nil
}

// Receive reads one frame and returns its command and payload. It returns
// (0, nil, ErrTransportClosed) when the peer closes cleanly, and
// ErrProtocol on a MAC mismatch — which is fatal to the session; the
// transport must be discarded, never retried.
func (t *Transport) Receive() (cmd byte, payload []byte, err error) {
	if t.closed.Load() {
		return 0, nil, ErrTransportClosed
	}

	t.recvMu.Lock()
	defer t.recvMu.Unlock()

	header := make([]byte, 3)
	if _, err := io.ReadFull(t.conn, header); err != nil {
		t.markClosed()
		if errors.Is(err, io.EOF) {
			return 0, nil, ErrTransportClosed
		}
		return 0, nil, fmt.Errorf("%w: %v", ErrTransportClosed, err)
	}

	var nonce [8]byte
	binary.BigEndian.PutUint32(nonce[4:], t.recvNonce)
	t.recvCipher.Nonce(nonce[:])
	t.recvNonce++

	plainHeader := make([]byte, 3)
	t.recvCipher.Decrypt(plainHeader, header)
	length := binary.BigEndian.Uint16(plainHeader[1:3])

	rest := make([]byte, int(length)+shannon.MACSize)
	if _, err := io.ReadFull(t.conn, rest); err != nil {
		t.markClosed()
		return 0, nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	cipherPayload := rest[:length]
	gotMAC := rest[length:]

	plainPayload := make([]byte, length)
	t.recvCipher.Decrypt(plainPayload, cipherPayload)
	wantMAC := t.recvCipher.Finish()

	if !constantTimeEqual(gotMAC, wantMAC) {
		slog.Error("transport MAC mismatch", "cmd", plainHeader[0])
		t.markClosed()
		return 0, nil, ErrProtocol
	}

	return plainHeader[0], plainPayload, nil
}

// Close shuts down the underlying connection. Idempotent.
func (t *Transport) Close() error {
	t.markClosed()
	return t.conn.Close()
}

func (t *Transport) markClosed() { t.closed.Store(true) }

func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var v byte
	for i := range a {
		v |= a[i] ^ b[i]
	}
	return v == 0
}
