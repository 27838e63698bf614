package transport

import (
	"bytes"
	"io"
	"net"
	"testing"
	"time"
)

func pairedKeys() (SessionKeys, SessionKeys) {
	// Client send == server recv and vice versa, as the handshake derives them.
	send := bytes.Repeat([]byte{0x01}, 32)
	recv := bytes.Repeat([]byte{0x02}, 32)
	return SessionKeys{SendKey: send, RecvKey: recv}, SessionKeys{SendKey: recv, RecvKey: send}
}

func TestSendReceiveRoundTrip(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	clientKeys, serverKeys := pairedKeys()
	client := New(clientConn, clientKeys)
	server := New(serverConn, serverKeys)

	payload := bytes.Repeat([]byte{0xCD}, 1024)

	errc := make(chan error, 1)
	go func() { errc <- client.Send(0xAB, payload) }()

	cmd, got, err := server.Receive()
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("send: %v", err)
	}
	if cmd != 0xAB {
		t.Fatalf("got cmd %x, want 0xAB", cmd)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestSendReceiveMultipleFramesOrdered(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	clientKeys, serverKeys := pairedKeys()
	client := New(clientConn, clientKeys)
	server := New(serverConn, serverKeys)

	payloads := [][]byte{[]byte("first"), []byte("second"), []byte("third")}

	go func() {
		for i, p := range payloads {
			if err := client.Send(byte(i), p); err != nil {
				return
			}
		}
	}()

	for i, want := range payloads {
		cmd, got, err := server.Receive()
		if err != nil {
			t.Fatalf("receive %d: %v", i, err)
		}
		if cmd != byte(i) {
			t.Fatalf("frame %d: got cmd %d, want %d", i, cmd, i)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("frame %d: payload mismatch", i)
		}
	}
}

func TestReceiveAfterPeerCloseReturnsClosed(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	server := New(serverConn, SessionKeys{SendKey: bytes.Repeat([]byte{1}, 32), RecvKey: bytes.Repeat([]byte{2}, 32)})

	go func() {
		time.Sleep(10 * time.Millisecond)
		clientConn.Close()
	}()

	_, _, err := server.Receive()
	if err != ErrTransportClosed {
		t.Fatalf("got %v, want ErrTransportClosed", err)
	}
}

func TestTamperedFrameFailsMAC(t *testing.T) {
	clientConn, tapConn := net.Pipe()
	relayConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer tapConn.Close()
	defer relayConn.Close()
	defer serverConn.Close()

	clientKeys, serverKeys := pairedKeys()
	client := New(clientConn, clientKeys)
	server := New(serverConn, serverKeys)

	// Relay the client's frame to the server with one payload byte
	// flipped; the 3-byte header and the 4-byte MAC pass through
	// untouched, so the server reads the whole frame and checks its MAC.
	payload := []byte("data")
	go func() { _ = client.Send(0x01, payload) }()
	go func() {
		frame := make([]byte, 3+len(payload)+4)
		if _, err := io.ReadFull(tapConn, frame); err != nil {
			return
		}
		frame[3] ^= 0xFF
		_, _ = relayConn.Write(frame)
	}()

	_, _, err := server.Receive()
	if err != ErrProtocol {
		t.Fatalf("got %v, want ErrProtocol", err)
	}
}
