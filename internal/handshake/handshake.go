// Package handshake performs the initial hello/challenge exchange with an
// access-point endpoint: Diffie-Hellman key agreement, transport-key
// derivation, and transcript authentication (§4.1).
package handshake

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net"

	"connectclient/internal/cryptoutil"
	"connectclient/internal/transport"
)

// Errors returned by Do, per the taxonomy in §7.
var (
	ErrProtocol      = errors.New("handshake: protocol error")
	ErrTryAnotherAP  = errors.New("handshake: try another access point")
	ErrTransportGone = errors.New("handshake: transport closed mid-handshake")
)

// dhPublicKeyLen is the number of entropy bytes drawn for the DH private
// exponent and the minimum width a DH public key is left-padded to on
// the wire. A wider public key (a value modulo the 768-bit prime takes
// up to 96 bytes) is sent whole.
const dhPublicKeyLen = 95

// Conn is the minimal transport surface the handshake needs: a raw
// connection before any framing or encryption is layered on top.
type Conn interface {
	io.ReadWriter
}

// Result is the outcome of a successful handshake: the derived transport
// session keys and the server certificate, for the authenticator to inspect
// if it wants to pin it (out of scope here; just carried through).
type Result struct {
	Keys        transport.SessionKeys
	Certificate []byte
}

// Do performs the hello/challenge exchange and key derivation against conn,
// a freshly dialed access-point TCP connection. On success it returns the
// session keys the Transport layer encrypts with.
func Do(conn Conn, entropy io.Reader) (Result, error) {
	if entropy == nil {
		entropy = rand.Reader
	}

	privateBytes := make([]byte, dhPublicKeyLen)
	if _, err := io.ReadFull(entropy, privateBytes); err != nil {
		return Result{}, fmt.Errorf("%w: generate DH private key: %v", ErrProtocol, err)
	}
	keyPair := cryptoutil.GenerateDHKeyPair(privateBytes)

	clientNonce := make([]byte, 16)
	if _, err := io.ReadFull(entropy, clientNonce); err != nil {
		return Result{}, fmt.Errorf("%w: generate nonce: %v", ErrProtocol, err)
	}

	clientHelloBytes := encodeClientHello(ClientHello{
		DHPublicKey:      padPublicKey(keyPair.Public, dhPublicKeyLen),
		Nonce:            clientNonce,
		AdvertisedCipher: "shannon",
	})
	if err := writeFramed(conn, clientHelloBytes); err != nil {
		return Result{}, fmt.Errorf("%w: send ClientHello: %v", ErrTransportGone, err)
	}

	responseBytes, err := readFramed(conn)
	if err != nil {
		return Result{}, fmt.Errorf("%w: read APResponseMessage: %v", ErrTransportGone, err)
	}
	resp, err := decodeAPResponse(responseBytes)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if resp.ErrorCode != "" {
		slog.Warn("access point rejected hello", "error_code", resp.ErrorCode)
		if resp.ErrorCode == "TRY_ANOTHER_AP" {
			return Result{}, ErrTryAnotherAP
		}
		return Result{}, fmt.Errorf("%w: access point error %q", ErrProtocol, resp.ErrorCode)
	}

	serverPublic := decodePublicKey(resp.DHPublicKey)
	shared := cryptoutil.SharedSecret(keyPair.Private, serverPublic)

	transcript := append(append([]byte(nil), clientHelloBytes...), responseBytes...)
	keyMaterial := deriveKeyMaterial(shared, transcript)

	respBytes := encodeClientResponse(ClientResponsePlaintext{HMAC: keyMaterial.transcriptHMAC})
	if err := writeFramed(conn, respBytes); err != nil {
		return Result{}, fmt.Errorf("%w: send ClientResponsePlaintext: %v", ErrTransportGone, err)
	}

	slog.Info("handshake complete", "cipher", resp.Cipher)
	return Result{
		Keys:        transport.SessionKeys{SendKey: keyMaterial.sendKey, RecvKey: keyMaterial.recvKey},
		Certificate: resp.Certificate,
	}, nil
}

type derivedKeys struct {
	transcriptHMAC []byte
	sendKey        []byte
	recvKey        []byte
}

// deriveKeyMaterial implements §2 SessionKeys: HMAC-SHA1(shared, i) for
// i in 1..5, concatenated; the first 20 bytes are the transcript-HMAC key,
// the next 32 are send_key, the next 32 are recv_key.
func deriveKeyMaterial(shared, transcript []byte) derivedKeys {
	var material []byte
	for i := byte(1); i <= 5; i++ {
		material = append(material, cryptoutil.HMACSHA1(shared, append(transcript, i))...)
	}
	hmacKey := material[0:20]
	sendKey := material[20:52]
	recvKey := material[52:84]
	return derivedKeys{
		transcriptHMAC: cryptoutil.HMACSHA1(hmacKey, transcript),
		sendKey:        sendKey,
		recvKey:        recvKey,
	}
}

func padPublicKey(pub *big.Int, length int) []byte {
	b := pub.Bytes()
	if len(b) >= length {
		return b
	}
	out := make([]byte, length)
	copy(out[length-len(b):], b)
	return out
}

func decodePublicKey(b []byte) *big.Int {
	return new(big.Int).SetBytes(b)
}

func writeFramed(w io.Writer, payload []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readFramed(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// DialTCP opens a TCP connection to an access-point endpoint. Kept as a
// thin wrapper so callers (Session) don't import net directly.
func DialTCP(addr string) (net.Conn, error) {
	return net.Dial("tcp", addr)
}
