// Package shannon implements the stream cipher used to encrypt the
// post-handshake access-point transport. §9 of the protocol spec notes
// that any implementation with equivalent security properties is
// acceptable; this one is a Shannon-style construction — a keyed stream
// cipher re-seeded per message via Nonce, with an integrated running MAC
// that authenticates everything processed since the last Nonce call —
// built on top of AES-CTR and HMAC-SHA1 rather than the original NESSIE
// submission's bespoke word cipher, so it inherits their analysis instead
// of re-deriving it.
package shannon

import (
	"crypto/aes"
	"crypto/cipher"

	"connectclient/internal/cryptoutil"
)

// MACSize is the length, in bytes, of the authentication tag Finish produces.
const MACSize = 4

// Cipher is one direction (send or receive) of a Shannon-style stream.
// Not safe for concurrent use; the transport serializes each half already.
type Cipher struct {
	streamKey []byte
	macKey    []byte

	stream cipher.Stream
	mac    []byte // running HMAC-SHA1 input accumulator for the current message
}

// New creates a cipher keyed by key. key must be 32 bytes (a transport
// send_key or recv_key, per §2 SessionKeys).
func New(key []byte) *Cipher {
	streamKey := append([]byte(nil), key...)
	macKey := cryptoutil.HMACSHA1(key, []byte("shannon-mac"))
	return &Cipher{streamKey: streamKey, macKey: macKey}
}

// Nonce re-seeds the stream for a new message. nonce is conventionally the
// frame's sequence number as an 8-byte big-endian counter (§4.2: nonce =
// sequence number).
func (c *Cipher) Nonce(nonce []byte) {
	iv := make([]byte, 16)
	copy(iv, nonce)
	block, err := aes.NewCipher(c.streamKey)
	if err != nil {
		// streamKey is always 32 bytes; AES-256 key construction cannot fail.
		panic(err)
	}
	c.stream = cipher.NewCTR(block, iv)
	c.mac = append([]byte(nil), nonce...)
}

// Encrypt XORs the keystream into src, writing the result to dst (which may
// alias src), and folds the ciphertext into the running MAC.
func (c *Cipher) Encrypt(dst, src []byte) {
	c.stream.XORKeyStream(dst, src)
	c.mac = append(c.mac, dst...)
}

// Decrypt folds the ciphertext into the running MAC, then XORs the
// keystream out of src, writing the result to dst (which may alias src).
// Decrypt must be called before Finish for the MAC to match, and the MAC
// must be verified before the decrypted plaintext is trusted.
func (c *Cipher) Decrypt(dst, src []byte) {
	c.mac = append(c.mac, src...)
	c.stream.XORKeyStream(dst, src)
}

// Finish returns the MACSize-byte authentication tag for everything
// processed since the last Nonce call.
func (c *Cipher) Finish() []byte {
	full := cryptoutil.HMACSHA1(c.macKey, c.mac)
	return full[:MACSize]
}
